package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"

	httperrors "github.com/Kingdread/Eltrur/errors" // Error helpers
	"github.com/Kingdread/Eltrur/pkg/artifacts"
	"github.com/Kingdread/Eltrur/pkg/config"
	"github.com/Kingdread/Eltrur/pkg/ingest"
	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/report"
	"github.com/Kingdread/Eltrur/pkg/storage"

	"github.com/go-chi/chi/v5"
)

const (
	maxUploadMemory    = 32 << 20 // 32 MB, larger parts spill to temp files
	uploadKeyHeader    = "X-Upload-Key"
	defaultContentType = "application/octet-stream"
)

type API struct {
	Pipeline *ingest.Pipeline
	Repo     storage.Repository
	Logger   *slog.Logger
	Config   *config.Config
}

func NewAPI(pipeline *ingest.Pipeline, repo storage.Repository, logger *slog.Logger, cfg *config.Config) *API {
	return &API{Pipeline: pipeline, Repo: repo, Logger: logger, Config: cfg}
}

// HandleListBuilds lists all builds, newest (naturally largest) first.
func (a *API) HandleListBuilds(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleListBuilds"))

	builds, err := a.Repo.ListBuilds(r.Context(), storage.NaturalDesc)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to list builds")
		return
	}

	view := buildListView{Builds: make([]buildSummaryView, len(builds))}
	for i, b := range builds {
		view.Builds[i] = newBuildSummaryView(b)
	}
	writeJSON(w, logger, http.StatusOK, view)
}

// HandleUpload ingests a report with its screenshots.
func (a *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleUpload"))

	if r.ContentLength > a.Config.MaxUploadBytes {
		httperrors.RequestTooLarge(w, logger, nil, a.Config.MaxUploadBytes)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.Config.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httperrors.RequestTooLarge(w, logger, err, tooLarge.Limit)
			return
		}
		httperrors.BadRequest(w, logger, err, "Failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	form := r.MultipartForm

	key := firstValue(form.Value, models.FieldKey)
	req, reqErr := models.UploadRequestFromForm(form.Value)
	reportFile := firstFile(form.File, models.FieldReport)
	if reqErr != nil || reportFile == nil {
		// A caller without the key learns nothing about the form.
		if err := a.Pipeline.Authorize(key); err != nil {
			httperrors.Forbidden(w, logger, err, "Invalid upload key")
			return
		}
		if reqErr != nil {
			httperrors.BadRequest(w, logger, reqErr, reqErr.Error())
			return
		}
		httperrors.BadRequest(w, logger, nil, "Missing required field: report")
		return
	}

	reportBody, err := readFormFile(reportFile)
	if err != nil {
		httperrors.BadRequest(w, logger, err, "Failed to read report")
		return
	}
	shots := make([]artifacts.Upload, 0, len(form.File[models.FieldShots]))
	for _, fh := range form.File[models.FieldShots] {
		content, err := readFormFile(fh)
		if err != nil {
			httperrors.BadRequest(w, logger, err, fmt.Sprintf("Failed to read screenshot '%s'", fh.Filename))
			return
		}
		shots = append(shots, artifacts.Upload{
			Filename:    uploadedFilename(fh),
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
		})
	}

	res, err := a.Pipeline.Ingest(r.Context(), ingest.Upload{
		Request: req,
		Key:     key,
		Report:  reportBody,
		Shots:   shots,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnauthorized):
			httperrors.Forbidden(w, logger, err, "Invalid upload key")
		case errors.Is(err, ingest.ErrInvalidRequest):
			httperrors.BadRequest(w, logger, err, err.Error())
		case errors.Is(err, report.ErrBadReport):
			httperrors.BadRequest(w, logger, err, err.Error())
		default:
			httperrors.InternalServerError(w, logger, err, "Failed to store upload")
		}
		return
	}

	w.Header().Set("Location", res.Location)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, res.Location)
}

// HandleGetBuild lists the jobs of one build in natural order.
func (a *API) HandleGetBuild(w http.ResponseWriter, r *http.Request) {
	build := nameParam(r, "build")
	logger := a.Logger.With(slog.String("handler", "HandleGetBuild"), slog.String("build", build))

	b, err := a.Repo.GetBuild(r.Context(), build)
	if err != nil {
		respondStorageError(w, logger, err, "Build not found", "Failed to retrieve build")
		return
	}
	writeJSON(w, logger, http.StatusOK, newBuildView(b))
}

// HandleGetJob shows the tests of one job with links to their screenshots.
func (a *API) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	build, job := nameParam(r, "build"), nameParam(r, "job")
	logger := a.Logger.With(slog.String("handler", "HandleGetJob"), slog.String("build", build), slog.String("job", job))

	j, err := a.Repo.GetJob(r.Context(), build, job)
	if err != nil {
		respondStorageError(w, logger, err, "Job not found", "Failed to retrieve job")
		return
	}
	writeJSON(w, logger, http.StatusOK, newJobView(j))
}

// HandleGetImage streams the screenshot of a test as an attachment.
func (a *API) HandleGetImage(w http.ResponseWriter, r *http.Request) {
	build, job, test := nameParam(r, "build"), nameParam(r, "job"), rawParam(r, "test")
	logger := a.Logger.With(
		slog.String("handler", "HandleGetImage"),
		slog.String("build", build),
		slog.String("job", job),
		slog.String("test", test),
	)

	art, err := a.Repo.GetArtifact(r.Context(), build, job, test)
	if err != nil {
		respondStorageError(w, logger, err, "Screenshot not found", "Failed to retrieve screenshot")
		return
	}
	defer art.Content.Close()

	w.Header().Set("Content-Type", imageContentType(art))
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(art.Filename)}); disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	} else {
		w.Header().Set("Content-Disposition", "attachment")
	}
	if art.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, art.Content); err != nil {
		logger.Error("Failed to stream screenshot", slog.String("error", err.Error()))
	}
}

// HandleDeleteBuild removes a build with all jobs, tests and screenshots.
func (a *API) HandleDeleteBuild(w http.ResponseWriter, r *http.Request) {
	build := nameParam(r, "build")
	logger := a.Logger.With(slog.String("handler", "HandleDeleteBuild"), slog.String("build", build))

	if err := a.Pipeline.Authorize(r.Header.Get(uploadKeyHeader)); err != nil {
		httperrors.Forbidden(w, logger, err, "Invalid upload key")
		return
	}
	if err := a.Repo.DeleteBuild(r.Context(), build); err != nil {
		respondStorageError(w, logger, err, "Build not found", "Failed to delete build")
		return
	}
	logger.Info("Build deleted")
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteJob removes a job with its tests and screenshots.
func (a *API) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	build, job := nameParam(r, "build"), nameParam(r, "job")
	logger := a.Logger.With(slog.String("handler", "HandleDeleteJob"), slog.String("build", build), slog.String("job", job))

	if err := a.Pipeline.Authorize(r.Header.Get(uploadKeyHeader)); err != nil {
		httperrors.Forbidden(w, logger, err, "Invalid upload key")
		return
	}
	if err := a.Repo.DeleteJob(r.Context(), build, job); err != nil {
		respondStorageError(w, logger, err, "Job not found", "Failed to delete job")
		return
	}
	logger.Info("Job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func respondStorageError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg, failureMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		httperrors.NotFound(w, logger, nil, notFoundMsg)
		return
	}
	httperrors.InternalServerError(w, logger, err, failureMsg)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// rawParam returns a path parameter with percent-escapes decoded. chi matches
// against the escaped path only when the request carried a non-canonical one.
func rawParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// nameParam returns a build or job parameter sanitized the way ingestion stores it.
func nameParam(r *http.Request, key string) string {
	return models.SanitizeName(rawParam(r, key))
}

// imageContentType guesses from the screenshot extension first, then the type
// the uploader sent.
func imageContentType(art *models.Artifact) string {
	if ct := mime.TypeByExtension(path.Ext(art.Filename)); ct != "" {
		return ct
	}
	if art.ContentType != "" {
		return art.ContentType
	}
	return defaultContentType
}

func firstValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func firstFile(files map[string][]*multipart.FileHeader, key string) *multipart.FileHeader {
	if f := files[key]; len(f) > 0 {
		return f[0]
	}
	return nil
}

// uploadedFilename returns the filename exactly as the client sent it.
// FileHeader.Filename has any directory part stripped.
func uploadedFilename(fh *multipart.FileHeader) string {
	if _, params, err := mime.ParseMediaType(fh.Header.Get("Content-Disposition")); err == nil {
		if name, ok := params["filename"]; ok {
			return name
		}
	}
	return fh.Filename
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file '%s': %w", fh.Filename, err)
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded file '%s': %w", fh.Filename, err)
	}
	return content, nil
}
