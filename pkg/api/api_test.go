package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httperrors "github.com/Kingdread/Eltrur/errors"
	"github.com/Kingdread/Eltrur/pkg/config"
	"github.com/Kingdread/Eltrur/pkg/ingest"
	"github.com/Kingdread/Eltrur/pkg/metrics"
	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/storage/sqlite"
)

const testKey = "hunter2"

type testServer struct {
	handler http.Handler
	repo    *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	cfg := &config.Config{
		UploadKey:      testKey,
		RequestTimeout: 10 * time.Second,
		MaxUploadBytes: 1 << 20,
		MetricsEnabled: true,
	}
	m := metrics.New("test")
	pipeline := ingest.New(repo, nil, m, cfg.UploadKey, logger)
	return &testServer{
		handler: SetupRouter(NewAPI(pipeline, repo, logger, cfg), cfg, m),
		repo:    repo,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, path, nil))
}

type shotFile struct {
	name, contentType, content string
}

type uploadForm struct {
	fields   map[string]string
	report   *string
	shots    []shotFile
	omitting []string
}

func newUploadForm(build, job, report string) *uploadForm {
	return &uploadForm{
		fields: map[string]string{
			models.FieldKey:         testKey,
			models.FieldBranch:      "master",
			models.FieldCommit:      "c0ffee",
			models.FieldBuild:       build,
			models.FieldJob:         job,
			models.FieldOS:          "linux",
			models.FieldRustVersion: "1.78.0",
			models.FieldURL:         "https://ci.example/" + build,
		},
		report: &report,
	}
}

func (f *uploadForm) request(t *testing.T) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range f.fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if f.report != nil {
		fw, err := mw.CreateFormFile(models.FieldReport, "report.txt")
		require.NoError(t, err)
		_, err = io.WriteString(fw, *f.report)
		require.NoError(t, err)
	}
	for _, s := range f.shots {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="shots"; filename="`+s.name+`"`)
		if s.contentType != "" {
			h.Set("Content-Type", s.contentType)
		}
		fw, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = io.WriteString(fw, s.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httperrors.ErrorResponse {
	t.Helper()
	var resp httperrors.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	rec := s.get("/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestUploadAndBrowse(t *testing.T) {
	s := newTestServer(t)

	form := newUploadForm("42", "42.1", "render/ok/render.png\nlayout/fail/layout.jpg\nfonts/ok/fonts.png\n")
	form.shots = []shotFile{
		{"render.png", "image/png", "PNGDATA"},
		{"layout.jpg", "", "JPEGDATA"},
		{"c.png", "image/png", "UNREFERENCED"},
	}
	rec := s.do(form.request(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/build/42/job/42.1", rec.Body.String())
	assert.Equal(t, "/build/42/job/42.1", rec.Header().Get("Location"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	// job detail
	rec = s.get("/build/42/job/42.1")
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, "42", job.Build)
	assert.Equal(t, "c0ffee", job.Commit)
	assert.Equal(t, "1.78.0", job.RustVersion)
	assert.False(t, job.AllPassed)
	assert.Equal(t, 3, job.TestCount)
	assert.Equal(t, 1, job.FailedTests)
	want := []testView{
		{Name: "render", Passed: true, Screenshot: "render.png", ImageURL: "/build/42/job/42.1/image/render"},
		{Name: "layout", Passed: false, Screenshot: "layout.jpg", ImageURL: "/build/42/job/42.1/image/layout"},
		{Name: "fonts", Passed: true, Screenshot: "fonts.png"},
	}
	if diff := cmp.Diff(want, job.Tests); diff != "" {
		t.Errorf("tests mismatch (-want +got):\n%s", diff)
	}

	// the unreferenced upload is not reachable from the job
	rec = s.get("/build/42/job/42.1")
	assert.NotContains(t, rec.Body.String(), "c.png")
	assert.Equal(t, http.StatusNotFound, s.get("/build/42/job/42.1/image/c").Code)

	// image, content type from the extension
	rec = s.get("/build/42/job/42.1/image/layout")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=layout.jpg`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "8", rec.Header().Get("Content-Length"))
	assert.Equal(t, "JPEGDATA", rec.Body.String())

	// declared but never uploaded
	rec = s.get("/build/42/job/42.1/image/fonts")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// build view
	rec = s.get("/build/42")
	require.Equal(t, http.StatusOK, rec.Code)
	var build buildView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&build))
	assert.Equal(t, 1, build.JobCount)
	assert.Equal(t, 1, build.FailedJobs)
	require.Len(t, build.Jobs, 1)
	assert.Equal(t, "/build/42/job/42.1", build.Jobs[0].URL)
}

func TestPathQualifiedUploadIsDiscarded(t *testing.T) {
	s := newTestServer(t)

	form := newUploadForm("B", "J", "t/ok/s.png\n")
	form.shots = []shotFile{{"other/dir/s.png", "image/png", "PNG"}}
	rec := s.do(form.request(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	test, err := s.repo.GetTest(context.Background(), "B", "J", "t")
	require.NoError(t, err)
	assert.False(t, test.HasArtifact)
	assert.Equal(t, http.StatusNotFound, s.get("/build/B/job/J/image/t").Code)
}

func TestDotTestNamesRejected(t *testing.T) {
	s := newTestServer(t)

	for _, name := range []string{".", ".."} {
		form := newUploadForm("B", "J", name+"/ok/s.png\n")
		form.shots = []shotFile{{"s.png", "image/png", "PNG"}}
		rec := s.do(form.request(t))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Equal(t, http.StatusNotFound, s.get("/build/B").Code)
}

func TestIndexIsNaturallyDescending(t *testing.T) {
	s := newTestServer(t)
	for _, b := range []string{"9", "100", "10"} {
		rec := s.do(newUploadForm(b, b+".1", "a/ok/a.png").request(t))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	var list buildListView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	var names []string
	for _, b := range list.Builds {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"100", "10", "9"}, names)
	assert.Equal(t, "/build/100", list.Builds[0].URL)
}

func TestBuildJobsAreNaturallyAscending(t *testing.T) {
	s := newTestServer(t)
	for _, j := range []string{"7.10", "7.2", "7.1"} {
		rec := s.do(newUploadForm("7", j, "a/ok/").request(t))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.get("/build/7")
	require.Equal(t, http.StatusOK, rec.Code)
	var build buildView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&build))
	var names []string
	for _, j := range build.Jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"7.1", "7.2", "7.10"}, names)
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		form   func() *uploadForm
		status int
	}{
		{
			name: "wrong key",
			form: func() *uploadForm {
				f := newUploadForm("1", "1.1", "a/ok/a.png")
				f.fields[models.FieldKey] = "wrong"
				return f
			},
			status: http.StatusForbidden,
		},
		{
			name: "wrong key and missing field",
			form: func() *uploadForm {
				f := newUploadForm("1", "1.1", "a/ok/a.png")
				f.fields[models.FieldKey] = "wrong"
				delete(f.fields, models.FieldBranch)
				return f
			},
			status: http.StatusForbidden,
		},
		{
			name: "missing field",
			form: func() *uploadForm {
				f := newUploadForm("1", "1.1", "a/ok/a.png")
				delete(f.fields, models.FieldOS)
				return f
			},
			status: http.StatusBadRequest,
		},
		{
			name: "missing report",
			form: func() *uploadForm {
				f := newUploadForm("1", "1.1", "")
				f.report = nil
				return f
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed report",
			form:   func() *uploadForm { return newUploadForm("1", "1.1", "a/ok/a.png\nb/maybe/b.png") },
			status: http.StatusBadRequest,
		},
		{
			name: "oversized body",
			form: func() *uploadForm {
				f := newUploadForm("1", "1.1", "a/ok/a.png")
				f.shots = []shotFile{{"a.png", "image/png", string(make([]byte, 2<<20))}}
				return f
			},
			status: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(tt.form().request(t))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.status, decodeError(t, rec).Status)

			rec = s.get("/build/1")
			assert.Equal(t, http.StatusNotFound, rec.Code, "nothing stored")
		})
	}
}

func TestUploadNotMultipart(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString(`{"key":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReuploadReplacesJob(t *testing.T) {
	s := newTestServer(t)
	first := newUploadForm("5", "5.1", "old/fail/old.png")
	first.shots = []shotFile{{"old.png", "image/png", "OLD"}}
	require.Equal(t, http.StatusOK, s.do(first.request(t)).Code)

	second := newUploadForm("5", "5.1", "new/ok/new.png")
	second.shots = []shotFile{{"new.png", "image/png", "NEW"}}
	require.Equal(t, http.StatusOK, s.do(second.request(t)).Code)

	assert.Equal(t, http.StatusNotFound, s.get("/build/5/job/5.1/image/old").Code)
	rec := s.get("/build/5/job/5.1/image/new")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NEW", rec.Body.String())
}

func TestSanitizedNamesInRoutes(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(newUploadForm("feature/x", "job one", "a/ok/a.png").request(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/build/feature_x/job/job_one", rec.Body.String())

	assert.Equal(t, http.StatusOK, s.get("/build/feature_x/job/job_one").Code)
	assert.Equal(t, http.StatusOK, s.get("/build/feature%20x/job/job%20one").Code, "raw names resolve like ingestion")
}

func TestImageNameWithSpaces(t *testing.T) {
	s := newTestServer(t)
	form := newUploadForm("1", "1.1", "my test/fail/shot")
	form.shots = []shotFile{{"shot", "image/webp", "W"}}
	require.Equal(t, http.StatusOK, s.do(form.request(t)).Code)

	rec := s.get("/build/1/job/1.1")
	var job jobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	require.Len(t, job.Tests, 1)
	assert.Equal(t, "/build/1/job/1.1/image/my%20test", job.Tests[0].ImageURL)

	rec = s.get(job.Tests[0].ImageURL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"), "no extension falls back to the uploaded type")
}

func TestNotFoundRoutes(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/build/nope", "/build/nope/job/nope", "/build/nope/job/nope/image/x"} {
		rec := s.get(path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, http.StatusNotFound, decodeError(t, rec).Status, path)
	}
}

func TestDeleteRoutes(t *testing.T) {
	s := newTestServer(t)
	for _, j := range []string{"3.1", "3.2"} {
		require.Equal(t, http.StatusOK, s.do(newUploadForm("3", j, "a/ok/").request(t)).Code)
	}

	del := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, path, nil)
		if key != "" {
			req.Header.Set(uploadKeyHeader, key)
		}
		return s.do(req)
	}

	assert.Equal(t, http.StatusForbidden, del("/build/3/job/3.1", "").Code)
	assert.Equal(t, http.StatusForbidden, del("/build/3", "wrong").Code)
	assert.Equal(t, http.StatusOK, s.get("/build/3/job/3.1").Code, "forbidden delete changed nothing")

	assert.Equal(t, http.StatusNoContent, del("/build/3/job/3.1", testKey).Code)
	assert.Equal(t, http.StatusNotFound, s.get("/build/3/job/3.1").Code)
	assert.Equal(t, http.StatusNotFound, del("/build/3/job/3.1", testKey).Code)

	assert.Equal(t, http.StatusNoContent, del("/build/3", testKey).Code)
	assert.Equal(t, http.StatusNotFound, s.get("/build/3").Code)
	assert.Equal(t, http.StatusNotFound, s.get("/build/3/job/3.2").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(newUploadForm("1", "1.1", "a/ok/").request(t)).Code)

	rec := s.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_uploads_total{outcome="stored"} 1`)
}

func TestIsTextual(t *testing.T) {
	assert.True(t, isTextual("application/json"))
	assert.True(t, isTextual("text/plain; charset=utf-8"))
	assert.False(t, isTextual("image/png"))
	assert.False(t, isTextual(""))
}
