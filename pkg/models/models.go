package models

import (
	"io"
	"time"
)

// Build groups the jobs of one CI run.
type Build struct {
	Name       string `json:"name"`        // Sanitized CI build identifier, unique
	JobCount   int    `json:"job_count"`   // Number of jobs uploaded so far
	FailedJobs int    `json:"failed_jobs"` // Jobs whose report had at least one failing test
	Jobs       []Job  `json:"jobs,omitempty"`
}

// Job is one execution unit within a build, e.g. one OS/toolchain combination.
type Job struct {
	Name        string    `json:"name"`
	BuildName   string    `json:"build"`
	Branch      string    `json:"branch"`
	Commit      string    `json:"commit"`
	OS          string    `json:"os"`
	RustVersion string    `json:"rust_version"`
	CIURL       string    `json:"ci_url"`
	AllPassed   bool      `json:"all_passed"`  // AND over the tests of the uploaded report
	UploadTime  time.Time `json:"upload_time"` // Time the report was ingested
	UploadID    string    `json:"upload_id"`   // Unique per ingestion, namespaces artifact objects
	TestCount   int       `json:"test_count"`
	FailedTests int       `json:"failed_tests"`
	Tests       []Test    `json:"tests,omitempty"`
}

// Test is a single named check within a job.
type Test struct {
	Name         string `json:"name"`
	JobName      string `json:"job"`
	BuildName    string `json:"build"`
	Position     int    `json:"position"` // Line order within the report
	Passed       bool   `json:"passed"`
	Screenshot   string `json:"screenshot"`   // Declared screenshot filename
	HasArtifact  bool   `json:"has_artifact"` // False when no matching file was uploaded
	ContentType  string `json:"content_type,omitempty"`
	ArtifactSize int64  `json:"artifact_size,omitempty"`

	// Artifact carries the screenshot bytes while a job is being stored. It is
	// never populated on the read path.
	Artifact *ArtifactData `json:"-"`
}

// ArtifactData is screenshot content attached to a test during ingestion.
type ArtifactData struct {
	ContentType string
	Content     []byte
}

// Artifact is a stored screenshot opened for reading. The caller must close Content.
type Artifact struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.ReadCloser
}

// JobStoredEvent is published after a job has been committed.
type JobStoredEvent struct {
	Build      string    `json:"build"`
	Job        string    `json:"job"`
	UploadID   string    `json:"upload_id"`
	AllPassed  bool      `json:"all_passed"`
	TestCount  int       `json:"test_count"`
	Replaced   bool      `json:"replaced"` // A previous upload for the same job was deleted
	Location   string    `json:"location"`
	UploadedAt time.Time `json:"uploaded_at"`
}
