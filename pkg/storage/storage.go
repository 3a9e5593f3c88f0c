package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/natsort"
)

var (
	// ErrNotFound is returned when a build, job, test or artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageFailure marks errors caused by the underlying database or object store.
	ErrStorageFailure = errors.New("storage failure")
)

// Failure wraps an I/O error so callers can match it with ErrStorageFailure.
func Failure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}

// Order selects how list operations sort their result.
type Order int

const (
	Unordered Order = iota
	NaturalAsc
	NaturalDesc
)

// ReplaceResult reports what ReplaceJob changed besides inserting the new job.
type ReplaceResult struct {
	BuildCreated bool // The build did not exist before
	Replaced     bool // A previous job with the same name was deleted
}

// Repository stores builds, their jobs and tests, and the screenshot artifacts of tests.
type Repository interface {
	// EnsureBuild creates the build if it does not exist yet.
	EnsureBuild(ctx context.Context, name string) (created bool, err error)

	// GetBuild returns a build with its jobs in ascending natural order.
	GetBuild(ctx context.Context, name string) (*models.Build, error)

	// ListBuilds returns every build without its jobs.
	ListBuilds(ctx context.Context, order Order) ([]models.Build, error)

	// DeleteBuild removes a build together with its jobs, tests and artifacts.
	DeleteBuild(ctx context.Context, name string) error

	// GetJob returns a job with its tests in report order.
	GetJob(ctx context.Context, build, job string) (*models.Job, error)

	// ListJobs returns the jobs of a build without their tests.
	ListJobs(ctx context.Context, build string, order Order) ([]models.Job, error)

	// ReplaceJob stores a job and its tests as one unit. It creates the build if
	// needed and deletes any previous job of the same name, including its tests
	// and artifacts. Readers observe either the old job or the complete new one.
	ReplaceJob(ctx context.Context, job *models.Job) (ReplaceResult, error)

	// DeleteJob removes a job together with its tests and artifacts.
	DeleteJob(ctx context.Context, build, job string) error

	// GetTest returns a single test without its artifact content.
	GetTest(ctx context.Context, build, job, test string) (*models.Test, error)

	// GetArtifact opens the screenshot of a test. It returns ErrNotFound when the
	// test does not exist or has no stored screenshot.
	GetArtifact(ctx context.Context, build, job, test string) (*models.Artifact, error)

	// Close releases any resources held by the store (e.g., DB connections).
	Close() error
}

// SortBuilds orders builds by name.
func SortBuilds(builds []models.Build, order Order) {
	switch order {
	case NaturalAsc:
		sort.SliceStable(builds, func(i, j int) bool { return natsort.Less(builds[i].Name, builds[j].Name) })
	case NaturalDesc:
		sort.SliceStable(builds, func(i, j int) bool { return natsort.Less(builds[j].Name, builds[i].Name) })
	}
}

// SortJobs orders jobs by name.
func SortJobs(jobs []models.Job, order Order) {
	switch order {
	case NaturalAsc:
		sort.SliceStable(jobs, func(i, j int) bool { return natsort.Less(jobs[i].Name, jobs[j].Name) })
	case NaturalDesc:
		sort.SliceStable(jobs, func(i, j int) bool { return natsort.Less(jobs[j].Name, jobs[i].Name) })
	}
}

// Summarize fills the derived counters of a job from its tests.
func Summarize(job *models.Job) {
	job.TestCount = len(job.Tests)
	job.FailedTests = 0
	for _, t := range job.Tests {
		if !t.Passed {
			job.FailedTests++
		}
	}
}
