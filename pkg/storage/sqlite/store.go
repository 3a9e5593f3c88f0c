// Package sqlite implements storage.Repository on an embedded SQLite database.
// Screenshot bytes live in a BLOB column next to the test row, so a single
// transaction covers both records and artifacts.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/storage"

	_ "modernc.org/sqlite"
)

// Ensure Store implements storage.Repository interface at compile time
var _ storage.Repository = (*Store)(nil)

const (
	schema = `
		CREATE TABLE IF NOT EXISTS builds (
			name VARCHAR(255) PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS jobs (
			build_name VARCHAR(255) NOT NULL REFERENCES builds(name) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			branch VARCHAR(255) NOT NULL DEFAULT '',
			commit_hash VARCHAR(255) NOT NULL DEFAULT '',
			os VARCHAR(255) NOT NULL DEFAULT '',
			rust_version VARCHAR(255) NOT NULL DEFAULT '',
			ci_url VARCHAR(511) NOT NULL DEFAULT '',
			all_passed INTEGER NOT NULL,
			upload_time INTEGER NOT NULL, -- unix microseconds
			upload_id VARCHAR(36) NOT NULL,
			PRIMARY KEY (build_name, name)
		);
		CREATE TABLE IF NOT EXISTS tests (
			build_name VARCHAR(255) NOT NULL,
			job_name VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			position INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			screenshot VARCHAR(255) NOT NULL DEFAULT '',
			content_type VARCHAR(255),
			image BLOB,
			PRIMARY KEY (build_name, job_name, name),
			FOREIGN KEY (build_name, job_name) REFERENCES jobs(build_name, name) ON DELETE CASCADE
		);
	`

	insertBuildSQL = `INSERT INTO builds (name) VALUES (?) ON CONFLICT (name) DO NOTHING`
	getBuildSQL    = `SELECT name FROM builds WHERE name = ?`
	deleteBuildSQL = `DELETE FROM builds WHERE name = ?`

	listBuildsSQL = `
		SELECT b.name,
		       COUNT(j.name),
		       COALESCE(SUM(CASE WHEN j.all_passed = 0 THEN 1 ELSE 0 END), 0)
		FROM builds b
		LEFT JOIN jobs j ON j.build_name = b.name
		GROUP BY b.name
	`

	jobColumns = `
		j.name, j.build_name, j.branch, j.commit_hash, j.os, j.rust_version, j.ci_url,
		j.all_passed, j.upload_time, j.upload_id,
		(SELECT COUNT(*) FROM tests t WHERE t.build_name = j.build_name AND t.job_name = j.name),
		(SELECT COUNT(*) FROM tests t WHERE t.build_name = j.build_name AND t.job_name = j.name AND t.passed = 0)
	`
	getJobSQL   = `SELECT ` + jobColumns + ` FROM jobs j WHERE j.build_name = ? AND j.name = ?`
	listJobsSQL = `SELECT ` + jobColumns + ` FROM jobs j WHERE j.build_name = ?`

	insertJobSQL = `
		INSERT INTO jobs (
			build_name, name, branch, commit_hash, os, rust_version, ci_url,
			all_passed, upload_time, upload_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	deleteJobSQL = `DELETE FROM jobs WHERE build_name = ? AND name = ?`

	testColumns = `
		name, job_name, build_name, position, passed, screenshot,
		content_type, COALESCE(LENGTH(image), 0), image IS NOT NULL
	`
	listTestsSQL = `SELECT ` + testColumns + ` FROM tests WHERE build_name = ? AND job_name = ? ORDER BY position`
	getTestSQL   = `SELECT ` + testColumns + ` FROM tests WHERE build_name = ? AND job_name = ? AND name = ?`

	insertTestSQL = `
		INSERT INTO tests (
			build_name, job_name, name, position, passed, screenshot, content_type, image
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	getArtifactSQL = `
		SELECT screenshot, content_type, image
		FROM tests
		WHERE build_name = ? AND job_name = ? AND name = ? AND image IS NOT NULL
	`
)

// Store implements the storage.Repository interface using SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at dsn and migrates its schema.
// dsn is a file path or a "file:" URI; ":memory:" gives a private in-memory database.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", withConnParams(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	logger.Info("SQLite store opened", slog.String("dsn", dsn))

	return &Store{db: db, logger: logger}, nil
}

// withConnParams adds the per-connection pragmas to dsn. They have to travel in
// the DSN because database/sql opens connections lazily. Write transactions take
// the lock up front so concurrent uploads queue on busy_timeout instead of
// failing on lock upgrade.
func withConnParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join([]string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}, "&")
}

// Close closes the database.
func (s *Store) Close() error {
	s.logger.Info("Closing sqlite storage")
	return s.db.Close()
}

// EnsureBuild creates the build if it is missing.
func (s *Store) EnsureBuild(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertBuildSQL, name)
	if err != nil {
		return false, storage.Failure("insert build", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Failure("insert build", err)
	}
	return n > 0, nil
}

// GetBuild returns the build with its jobs.
func (s *Store) GetBuild(ctx context.Context, name string) (*models.Build, error) {
	build := &models.Build{}
	err := s.db.QueryRowContext(ctx, getBuildSQL, name).Scan(&build.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %q: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Failure("query build", err)
	}

	jobs, err := s.queryJobs(ctx, listJobsSQL, name)
	if err != nil {
		return nil, err
	}
	storage.SortJobs(jobs, storage.NaturalAsc)
	build.Jobs = jobs
	build.JobCount = len(jobs)
	for _, j := range jobs {
		if !j.AllPassed {
			build.FailedJobs++
		}
	}
	return build, nil
}

// ListBuilds returns all builds with their job counters.
func (s *Store) ListBuilds(ctx context.Context, order storage.Order) ([]models.Build, error) {
	rows, err := s.db.QueryContext(ctx, listBuildsSQL)
	if err != nil {
		return nil, storage.Failure("list builds", err)
	}
	defer rows.Close()

	builds := []models.Build{}
	for rows.Next() {
		var b models.Build
		if err := rows.Scan(&b.Name, &b.JobCount, &b.FailedJobs); err != nil {
			return nil, storage.Failure("scan build", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("iterate builds", err)
	}
	storage.SortBuilds(builds, order)
	return builds, nil
}

// DeleteBuild removes a build; foreign keys cascade to jobs and tests.
func (s *Store) DeleteBuild(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, deleteBuildSQL, name)
	if err != nil {
		return storage.Failure("delete build", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("build %q: %w", name, storage.ErrNotFound)
	}
	s.logger.Info("Deleted build", slog.String("build", name))
	return nil
}

// GetJob returns a job with its tests.
func (s *Store) GetJob(ctx context.Context, build, job string) (*models.Job, error) {
	jobs, err := s.queryJobs(ctx, getJobSQL, build, job)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %q in build %q: %w", job, build, storage.ErrNotFound)
	}
	j := &jobs[0]

	rows, err := s.db.QueryContext(ctx, listTestsSQL, build, job)
	if err != nil {
		return nil, storage.Failure("list tests", err)
	}
	defer rows.Close()
	j.Tests = []models.Test{}
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		j.Tests = append(j.Tests, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("iterate tests", err)
	}
	return j, nil
}

// ListJobs returns the jobs of an existing build.
func (s *Store) ListJobs(ctx context.Context, build string, order storage.Order) ([]models.Job, error) {
	var name string
	err := s.db.QueryRowContext(ctx, getBuildSQL, build).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %q: %w", build, storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Failure("query build", err)
	}

	jobs, err := s.queryJobs(ctx, listJobsSQL, build)
	if err != nil {
		return nil, err
	}
	storage.SortJobs(jobs, order)
	return jobs, nil
}

// ReplaceJob ensures the build, drops the previous job and inserts the new one
// in a single transaction.
func (s *Store) ReplaceJob(ctx context.Context, job *models.Job) (storage.ReplaceResult, error) {
	var result storage.ReplaceResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, storage.Failure("begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertBuildSQL, job.BuildName)
	if err != nil {
		return result, storage.Failure("insert build", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		result.BuildCreated = true
	}

	res, err = tx.ExecContext(ctx, deleteJobSQL, job.BuildName, job.Name)
	if err != nil {
		return result, storage.Failure("delete previous job", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		result.Replaced = true
	}

	_, err = tx.ExecContext(ctx, insertJobSQL,
		job.BuildName, job.Name, job.Branch, job.Commit, job.OS, job.RustVersion, job.CIURL,
		job.AllPassed, job.UploadTime.UnixMicro(), job.UploadID,
	)
	if err != nil {
		return result, storage.Failure("insert job", err)
	}

	for _, t := range job.Tests {
		var contentType sql.NullString
		var image []byte
		if t.Artifact != nil {
			contentType = sql.NullString{String: t.Artifact.ContentType, Valid: true}
			image = t.Artifact.Content
			if image == nil {
				image = []byte{}
			}
		}
		_, err = tx.ExecContext(ctx, insertTestSQL,
			job.BuildName, job.Name, t.Name, t.Position, t.Passed, t.Screenshot, contentType, image,
		)
		if err != nil {
			return result, storage.Failure(fmt.Sprintf("insert test %q", t.Name), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return result, storage.Failure("commit job", err)
	}
	s.logger.Info("Stored job",
		slog.String("build", job.BuildName),
		slog.String("job", job.Name),
		slog.Int("tests", len(job.Tests)),
		slog.Bool("replaced", result.Replaced),
	)
	return result, nil
}

// DeleteJob removes a job; foreign keys cascade to its tests.
func (s *Store) DeleteJob(ctx context.Context, build, job string) error {
	res, err := s.db.ExecContext(ctx, deleteJobSQL, build, job)
	if err != nil {
		return storage.Failure("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q in build %q: %w", job, build, storage.ErrNotFound)
	}
	s.logger.Info("Deleted job", slog.String("build", build), slog.String("job", job))
	return nil
}

// GetTest returns one test without its screenshot bytes.
func (s *Store) GetTest(ctx context.Context, build, job, test string) (*models.Test, error) {
	t, err := scanTest(s.db.QueryRowContext(ctx, getTestSQL, build, job, test))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test %q of job %q in build %q: %w", test, job, build, storage.ErrNotFound)
	}
	return t, err
}

// GetArtifact returns the screenshot bytes of a test.
func (s *Store) GetArtifact(ctx context.Context, build, job, test string) (*models.Artifact, error) {
	var filename string
	var contentType sql.NullString
	var image []byte
	err := s.db.QueryRowContext(ctx, getArtifactSQL, build, job, test).Scan(&filename, &contentType, &image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact of test %q of job %q in build %q: %w", test, job, build, storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Failure("query artifact", err)
	}
	return &models.Artifact{
		Filename:    filename,
		ContentType: contentType.String,
		Size:        int64(len(image)),
		Content:     io.NopCloser(bytes.NewReader(image)),
	}, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Failure("query jobs", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		var j models.Job
		var uploadTime int64
		err := rows.Scan(
			&j.Name, &j.BuildName, &j.Branch, &j.Commit, &j.OS, &j.RustVersion, &j.CIURL,
			&j.AllPassed, &uploadTime, &j.UploadID, &j.TestCount, &j.FailedTests,
		)
		if err != nil {
			return nil, storage.Failure("scan job", err)
		}
		j.UploadTime = time.UnixMicro(uploadTime).UTC()
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("iterate jobs", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (*models.Test, error) {
	var t models.Test
	var contentType sql.NullString
	err := row.Scan(
		&t.Name, &t.JobName, &t.BuildName, &t.Position, &t.Passed, &t.Screenshot,
		&contentType, &t.ArtifactSize, &t.HasArtifact,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storage.Failure("scan test", err)
	}
	t.ContentType = contentType.String
	return &t, nil
}
