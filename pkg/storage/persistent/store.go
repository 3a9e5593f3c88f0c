package persistent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/storage"

	"github.com/jackc/pgx/v5"         // Import pgx directly for Rows handling
	"github.com/jackc/pgx/v5/pgxpool" // Using pgx pool
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

// Ensure Store implements storage.Repository interface at compile time
var _ storage.Repository = (*Store)(nil)

const (
	// Max concurrent MinIO requests per job
	objectConcurrency = 4

	schemaSQL = `
		CREATE TABLE IF NOT EXISTS builds (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS jobs (
			build_name TEXT NOT NULL REFERENCES builds(name) ON DELETE CASCADE,
			name TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			commit_hash TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			rust_version TEXT NOT NULL DEFAULT '',
			ci_url TEXT NOT NULL DEFAULT '',
			all_passed BOOLEAN NOT NULL,
			upload_time TIMESTAMPTZ NOT NULL,
			upload_id TEXT NOT NULL,
			PRIMARY KEY (build_name, name)
		);
		CREATE TABLE IF NOT EXISTS tests (
			build_name TEXT NOT NULL,
			job_name TEXT NOT NULL,
			name TEXT NOT NULL,
			position INT NOT NULL,
			passed BOOLEAN NOT NULL,
			screenshot TEXT NOT NULL DEFAULT '',
			artifact_key TEXT,           -- MinIO object, NULL when no screenshot was uploaded
			content_type TEXT,
			artifact_size BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (build_name, job_name, name),
			FOREIGN KEY (build_name, job_name) REFERENCES jobs(build_name, name) ON DELETE CASCADE
		);
	`

	insertBuildSQL = `INSERT INTO builds (name) VALUES ($1) ON CONFLICT (name) DO NOTHING;`
	getBuildSQL    = `SELECT name FROM builds WHERE name = $1;`
	deleteBuildSQL = `DELETE FROM builds WHERE name = $1;`

	listBuildsSQL = `
		SELECT b.name,
		       COUNT(j.name),
		       COUNT(j.name) FILTER (WHERE NOT j.all_passed)
		FROM builds b
		LEFT JOIN jobs j ON j.build_name = b.name
		GROUP BY b.name;
	`

	jobColumns = `
		j.name, j.build_name, j.branch, j.commit_hash, j.os, j.rust_version, j.ci_url,
		j.all_passed, j.upload_time, j.upload_id,
		(SELECT COUNT(*) FROM tests t WHERE t.build_name = j.build_name AND t.job_name = j.name),
		(SELECT COUNT(*) FROM tests t WHERE t.build_name = j.build_name AND t.job_name = j.name AND NOT t.passed)
	`
	getJobSQL   = `SELECT ` + jobColumns + ` FROM jobs j WHERE j.build_name = $1 AND j.name = $2;`
	listJobsSQL = `SELECT ` + jobColumns + ` FROM jobs j WHERE j.build_name = $1;`

	insertJobSQL = `
		INSERT INTO jobs (
			build_name, name, branch, commit_hash, os, rust_version, ci_url,
			all_passed, upload_time, upload_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	deleteJobSQL = `DELETE FROM jobs WHERE build_name = $1 AND name = $2;`

	testColumns = `
		name, job_name, build_name, position, passed, screenshot,
		content_type, artifact_size, artifact_key IS NOT NULL
	`
	listTestsSQL = `SELECT ` + testColumns + ` FROM tests WHERE build_name = $1 AND job_name = $2 ORDER BY position;`
	getTestSQL   = `SELECT ` + testColumns + ` FROM tests WHERE build_name = $1 AND job_name = $2 AND name = $3;`

	insertTestSQL = `
		INSERT INTO tests (
			build_name, job_name, name, position, passed, screenshot,
			artifact_key, content_type, artifact_size
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	getArtifactSQL = `
		SELECT screenshot, content_type, artifact_key, artifact_size
		FROM tests
		WHERE build_name = $1 AND job_name = $2 AND name = $3 AND artifact_key IS NOT NULL;
	`
	// Keys of every artifact that a job or build delete is about to orphan.
	jobArtifactKeysSQL = `
		SELECT artifact_key FROM tests
		WHERE build_name = $1 AND job_name = $2 AND artifact_key IS NOT NULL;
	`
	buildArtifactKeysSQL = `
		SELECT artifact_key FROM tests
		WHERE build_name = $1 AND artifact_key IS NOT NULL;
	`
)

// Store implements the storage.Repository interface using PostgreSQL and MinIO.
type Store struct {
	db          *pgxpool.Pool // PostgreSQL connection pool
	minioClient *minio.Client // MinIO client
	bucketName  string        // MinIO bucket name
	logger      *slog.Logger
}

// NewStore creates a new persistent store instance.
func NewStore(pgDSN, minioEndpoint, minioAccessKey, minioSecretKey, bucketName string, useSSL bool, logger *slog.Logger) (*Store, error) {
	// --- Connect to PostgreSQL ---
	dbpool, err := pgxpool.New(context.Background(), pgDSN)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := dbpool.Ping(context.Background()); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := dbpool.Exec(context.Background(), schemaSQL); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to migrate schema: %w", err)
	}
	logger.Info("PostgreSQL connection pool established")

	// --- Connect to MinIO ---
	minioClient, err := minio.New(minioEndpoint, &minio.Options{Creds: credentials.NewStaticV4(minioAccessKey, minioSecretKey, ""), Secure: useSSL})
	if err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	logger.Info("MinIO client initialized", slog.String("endpoint", minioEndpoint))

	// --- Ensure MinIO Bucket Exists ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := minioClient.BucketExists(ctx, bucketName)
	if err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("failed to check MinIO bucket '%s': %w", bucketName, err)
	}
	if !exists {
		if err := minioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("failed to make MinIO bucket '%s': %w", bucketName, err)
		}
		logger.Info("Successfully created MinIO bucket", slog.String("bucket", bucketName))
	} else {
		logger.Info("MinIO bucket already exists", slog.String("bucket", bucketName))
	}

	return &Store{db: dbpool, minioClient: minioClient, bucketName: bucketName, logger: logger}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.logger.Info("Closing persistent storage connections")
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// objectKey names the MinIO object of a test screenshot. The upload id keeps
// each ingestion's objects apart so a replacement never overwrites live data.
func objectKey(build, job, uploadID string, position int) string {
	return path.Join(build, job, uploadID, strconv.Itoa(position))
}

// EnsureBuild creates the build if it is missing.
func (s *Store) EnsureBuild(ctx context.Context, name string) (bool, error) {
	tag, err := s.db.Exec(ctx, insertBuildSQL, name)
	if err != nil {
		return false, storage.Failure("insert build", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetBuild returns the build with its jobs.
func (s *Store) GetBuild(ctx context.Context, name string) (*models.Build, error) {
	build := &models.Build{}
	err := s.db.QueryRow(ctx, getBuildSQL, name).Scan(&build.Name)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.db.Query(ctx, listBuildsSQL)
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

// DeleteBuild removes a build, its rows cascade and its objects are removed after commit.
func (s *Store) DeleteBuild(ctx context.Context, name string) error {
	var keys []string
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		if keys, err = collectKeys(ctx, tx, buildArtifactKeysSQL, name); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, deleteBuildSQL, name)
		if err != nil {
			return storage.Failure("delete build", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("build %q: %w", name, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return wrapTxError("delete build", err)
	}
	s.removeObjects(ctx, keys)
	s.logger.Info("Deleted build", slog.String("build", name), slog.Int("artifacts", len(keys)))
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

	rows, err := s.db.Query(ctx, listTestsSQL, build, job)
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
	err := s.db.QueryRow(ctx, getBuildSQL, build).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
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

// ReplaceJob uploads the new screenshots under a fresh prefix, swaps the rows in
// one transaction and only then removes the previous generation's objects.
func (s *Store) ReplaceJob(ctx context.Context, job *models.Job) (storage.ReplaceResult, error) {
	var result storage.ReplaceResult
	logger := s.logger.With(slog.String("build", job.BuildName), slog.String("job", job.Name), slog.String("upload_id", job.UploadID))

	keys, err := s.uploadArtifacts(ctx, job)
	if err != nil {
		s.removeObjects(context.WithoutCancel(ctx), keys)
		return result, err
	}

	var oldKeys []string
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertBuildSQL, job.BuildName)
		if err != nil {
			return storage.Failure("insert build", err)
		}
		result.BuildCreated = tag.RowsAffected() > 0

		if oldKeys, err = collectKeys(ctx, tx, jobArtifactKeysSQL, job.BuildName, job.Name); err != nil {
			return err
		}
		tag, err = tx.Exec(ctx, deleteJobSQL, job.BuildName, job.Name)
		if err != nil {
			return storage.Failure("delete previous job", err)
		}
		result.Replaced = tag.RowsAffected() > 0

		batch := &pgx.Batch{}
		batch.Queue(insertJobSQL,
			job.BuildName, job.Name, job.Branch, job.Commit, job.OS, job.RustVersion, job.CIURL,
			job.AllPassed, job.UploadTime, job.UploadID,
		)
		for i, t := range job.Tests {
			var key, contentType *string
			var size int64
			if t.Artifact != nil {
				key, contentType = &keys[i], &t.Artifact.ContentType
				size = int64(len(t.Artifact.Content))
			}
			batch.Queue(insertTestSQL,
				job.BuildName, job.Name, t.Name, t.Position, t.Passed, t.Screenshot, key, contentType, size,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return storage.Failure("insert job", err)
		}
		return nil
	})
	if err != nil {
		s.removeObjects(context.WithoutCancel(ctx), compact(keys))
		return storage.ReplaceResult{}, wrapTxError("replace job", err)
	}

	s.removeObjects(context.WithoutCancel(ctx), oldKeys)
	logger.Info("Stored job",
		slog.Int("tests", len(job.Tests)),
		slog.Bool("build_created", result.BuildCreated),
		slog.Bool("replaced", result.Replaced),
	)
	return result, nil
}

// DeleteJob removes a job, its rows cascade and its objects are removed after commit.
func (s *Store) DeleteJob(ctx context.Context, build, job string) error {
	var keys []string
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		if keys, err = collectKeys(ctx, tx, jobArtifactKeysSQL, build, job); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, deleteJobSQL, build, job)
		if err != nil {
			return storage.Failure("delete job", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %q in build %q: %w", job, build, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return wrapTxError("delete job", err)
	}
	s.removeObjects(ctx, keys)
	s.logger.Info("Deleted job", slog.String("build", build), slog.String("job", job), slog.Int("artifacts", len(keys)))
	return nil
}

// GetTest returns one test without its screenshot.
func (s *Store) GetTest(ctx context.Context, build, job, test string) (*models.Test, error) {
	t, err := scanTest(s.db.QueryRow(ctx, getTestSQL, build, job, test))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("test %q of job %q in build %q: %w", test, job, build, storage.ErrNotFound)
	}
	return t, err
}

// GetArtifact opens the screenshot object of a test.
func (s *Store) GetArtifact(ctx context.Context, build, job, test string) (*models.Artifact, error) {
	var filename, key string
	var contentType *string
	var size int64
	err := s.db.QueryRow(ctx, getArtifactSQL, build, job, test).Scan(&filename, &contentType, &key, &size)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("artifact of test %q of job %q in build %q: %w", test, job, build, storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Failure("query artifact", err)
	}

	obj, err := s.minioClient.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, storage.Failure("get artifact object", err)
	}
	// GetObject is lazy, Stat surfaces a missing object
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			s.logger.Warn("Artifact row without object", slog.String("key", key))
			return nil, fmt.Errorf("artifact object %q: %w", key, storage.ErrNotFound)
		}
		return nil, storage.Failure("stat artifact object", err)
	}

	art := &models.Artifact{Filename: filename, Size: info.Size, Content: obj}
	if contentType != nil {
		art.ContentType = *contentType
	}
	return art, nil
}

// uploadArtifacts stores the screenshot of every test that has one. The returned
// slice is indexed like job.Tests; entries without a screenshot are empty. On
// error it still returns the keys that may have been written.
func (s *Store) uploadArtifacts(ctx context.Context, job *models.Job) ([]string, error) {
	keys := make([]string, len(job.Tests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(objectConcurrency)
	for i, t := range job.Tests {
		if t.Artifact == nil {
			continue
		}
		key := objectKey(job.BuildName, job.Name, job.UploadID, t.Position)
		keys[i] = key
		artifact := t.Artifact
		g.Go(func() error {
			_, err := s.minioClient.PutObject(gctx, s.bucketName, key,
				bytes.NewReader(artifact.Content), int64(len(artifact.Content)),
				minio.PutObjectOptions{ContentType: artifact.ContentType},
			)
			if err != nil {
				return storage.Failure(fmt.Sprintf("upload artifact '%s'", key), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return compact(keys), err
	}
	return keys, nil
}

// removeObjects deletes objects that are no longer referenced. Failures only
// leave orphaned objects behind, so they are logged and not returned.
func (s *Store) removeObjects(ctx context.Context, keys []string) {
	var g errgroup.Group
	g.SetLimit(objectConcurrency)
	for _, key := range keys {
		if key == "" {
			continue
		}
		key := key
		g.Go(func() error {
			if err := s.minioClient.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
				s.logger.Error("Failed to remove artifact object", slog.String("key", key), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.Failure("query jobs", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		var j models.Job
		err := rows.Scan(
			&j.Name, &j.BuildName, &j.Branch, &j.Commit, &j.OS, &j.RustVersion, &j.CIURL,
			&j.AllPassed, &j.UploadTime, &j.UploadID, &j.TestCount, &j.FailedTests,
		)
		if err != nil {
			return nil, storage.Failure("scan job", err)
		}
		j.UploadTime = j.UploadTime.UTC()
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("iterate jobs", err)
	}
	return jobs, nil
}

func scanTest(row pgx.Row) (*models.Test, error) {
	var t models.Test
	var contentType *string
	err := row.Scan(
		&t.Name, &t.JobName, &t.BuildName, &t.Position, &t.Passed, &t.Screenshot,
		&contentType, &t.ArtifactSize, &t.HasArtifact,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storage.Failure("scan test", err)
	}
	if contentType != nil {
		t.ContentType = *contentType
	}
	return &t, nil
}

func collectKeys(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.Failure("query artifact keys", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storage.Failure("collect artifact keys", err)
	}
	return keys, nil
}

// wrapTxError keeps already classified errors and marks the rest (begin and
// commit failures) as storage failures.
func wrapTxError(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrStorageFailure) {
		return err
	}
	return storage.Failure(op, err)
}

func compact(keys []string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
