// Package ingest turns an authenticated upload into a stored job.
package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Kingdread/Eltrur/pkg/artifacts"
	"github.com/Kingdread/Eltrur/pkg/metrics"
	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/queue"
	"github.com/Kingdread/Eltrur/pkg/report"
	"github.com/Kingdread/Eltrur/pkg/storage"
)

var (
	// ErrUnauthorized is returned when the upload key does not match.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidRequest is returned when required metadata is missing.
	ErrInvalidRequest = errors.New("invalid request")
)

// Upload is everything a CI job sends in one request.
type Upload struct {
	Request models.UploadRequest
	Key     string
	Report  []byte
	Shots   []artifacts.Upload
}

// Result describes a stored upload.
type Result struct {
	Build        string
	Job          string
	UploadID     string
	Location     string // canonical path of the job view
	BuildCreated bool
	Replaced     bool
	Discarded    []string // uploaded filenames no test referenced
}

// Pipeline validates, parses and stores uploads. It is safe for concurrent use.
type Pipeline struct {
	repo      storage.Repository
	publisher queue.Publisher
	metrics   *metrics.Metrics
	uploadKey []byte
	logger    *slog.Logger
	locks     *keyedMutex

	now   func() time.Time
	newID func() string
}

// New creates a pipeline. publisher and m may be nil.
func New(repo storage.Repository, publisher queue.Publisher, m *metrics.Metrics, uploadKey string, logger *slog.Logger) *Pipeline {
	if publisher == nil {
		publisher = queue.Noop{}
	}
	return &Pipeline{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		uploadKey: []byte(uploadKey),
		logger:    logger.With(slog.String("component", "ingest")),
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Ingest stores the report of one CI job, replacing any previous upload for
// the same build and job. Authentication, validation and parse errors are
// returned before storage is touched.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (Result, error) {
	start := time.Now()
	res, err := p.ingest(ctx, up)
	p.metrics.RecordUpload(outcome(err), time.Since(start))
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, up Upload) (Result, error) {
	if !p.authorized(up.Key) {
		return Result{}, ErrUnauthorized
	}
	if err := up.Request.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	records, err := report.Parse(up.Report)
	if err != nil {
		return Result{}, err
	}
	if err := checkTestNames(records); err != nil {
		return Result{}, err
	}

	job := p.newJob(up.Request, records)
	matches := artifacts.Match(records, up.Shots)
	attached := 0
	for i, rec := range records {
		if shot, ok := matches.For(rec); ok {
			job.Tests[i].Artifact = &models.ArtifactData{ContentType: shot.ContentType, Content: shot.Content}
			attached++
		}
	}

	logger := p.logger.With(
		slog.String("build", job.BuildName),
		slog.String("job", job.Name),
		slog.String("upload_id", job.UploadID),
	)
	for _, name := range matches.Discarded {
		logger.Warn("Discarding screenshot not referenced by the report", slog.String("filename", name))
	}

	unlock := p.locks.Lock(job.BuildName + "\x00" + job.Name)
	stored, err := p.repo.ReplaceJob(ctx, job)
	unlock()
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Build:        job.BuildName,
		Job:          job.Name,
		UploadID:     job.UploadID,
		Location:     JobPath(job.BuildName, job.Name),
		BuildCreated: stored.BuildCreated,
		Replaced:     stored.Replaced,
		Discarded:    matches.Discarded,
	}
	p.metrics.RecordStoredJob(len(job.Tests), attached, len(matches.Discarded), stored.Replaced)
	logger.Info("Upload stored",
		slog.Int("tests", job.TestCount),
		slog.Int("failed", job.FailedTests),
		slog.Int("screenshots", attached),
		slog.Bool("replaced", stored.Replaced),
	)

	event := models.JobStoredEvent{
		Build:      job.BuildName,
		Job:        job.Name,
		UploadID:   job.UploadID,
		AllPassed:  job.AllPassed,
		TestCount:  job.TestCount,
		Replaced:   stored.Replaced,
		Location:   res.Location,
		UploadedAt: job.UploadTime,
	}
	if err := p.publisher.PublishJobStored(context.WithoutCancel(ctx), event); err != nil {
		p.metrics.RecordPublishError()
		logger.Error("Failed to publish job event", slog.String("error", err.Error()))
	}
	return res, nil
}

func (p *Pipeline) authorized(key string) bool {
	if len(p.uploadKey) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), p.uploadKey) == 1
}

// Authorize checks a key against the upload key, for routes outside Ingest
// that are guarded by the same secret.
func (p *Pipeline) Authorize(key string) error {
	if !p.authorized(key) {
		return ErrUnauthorized
	}
	return nil
}

func (p *Pipeline) newJob(req models.UploadRequest, records []report.Record) *models.Job {
	job := &models.Job{
		Name:        models.SanitizeName(req.Job),
		BuildName:   models.SanitizeName(req.Build),
		Branch:      req.Branch,
		Commit:      req.Commit,
		OS:          req.OS,
		RustVersion: req.RustVersion,
		CIURL:       req.URL,
		AllPassed:   report.AllPassed(records),
		UploadTime:  p.now().Truncate(time.Microsecond),
		UploadID:    p.newID(),
		Tests:       make([]models.Test, len(records)),
	}
	for i, rec := range records {
		job.Tests[i] = models.Test{
			Name:       rec.TestName,
			JobName:    job.Name,
			BuildName:  job.BuildName,
			Position:   i,
			Passed:     rec.Passed,
			Screenshot: rec.Screenshot,
		}
	}
	storage.Summarize(job)
	return job
}

// checkTestNames rejects reports that would collide on the test identity.
func checkTestNames(records []report.Record) error {
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		if rec.TestName == "" {
			return fmt.Errorf("%w: record %d: empty test name", report.ErrBadReport, i+1)
		}
		if rec.TestName == "." || rec.TestName == ".." {
			// Dot segments would not survive in the image URL
			return fmt.Errorf("%w: record %d: test name %q is reserved", report.ErrBadReport, i+1, rec.TestName)
		}
		if first, ok := seen[rec.TestName]; ok {
			return fmt.Errorf("%w: record %d: test %q already declared by record %d", report.ErrBadReport, i+1, rec.TestName, first+1)
		}
		seen[rec.TestName] = i
	}
	return nil
}

// JobPath is the canonical path of a job view.
func JobPath(build, job string) string {
	return "/build/" + url.PathEscape(build) + "/job/" + url.PathEscape(job)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeStored
	case errors.Is(err, ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, ErrInvalidRequest):
		return metrics.OutcomeInvalid
	case errors.Is(err, report.ErrBadReport):
		return metrics.OutcomeBadReport
	default:
		return metrics.OutcomeFailed
	}
}
