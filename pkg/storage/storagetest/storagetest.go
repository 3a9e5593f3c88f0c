// Package storagetest holds behaviour tests shared by every storage.Repository
// implementation.
package storagetest

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/storage"
)

// NewJob returns a job with one test per name. Tests whose name is in withShot
// get a PNG artifact whose content is the test name.
func NewJob(build, job string, passed map[string]bool, withShot ...string) *models.Job {
	shots := map[string]bool{}
	for _, s := range withShot {
		shots[s] = true
	}

	j := &models.Job{
		Name:        job,
		BuildName:   build,
		Branch:      "master",
		Commit:      "0123abcd",
		OS:          "linux",
		RustVersion: "stable",
		CIURL:       "https://ci.example/" + build,
		AllPassed:   true,
		UploadTime:  time.Now().UTC().Truncate(time.Microsecond),
		UploadID:    uuid.NewString(),
	}
	names := make([]string, 0, len(passed))
	for name := range passed {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		t := models.Test{
			Name:       name,
			JobName:    job,
			BuildName:  build,
			Position:   i,
			Passed:     passed[name],
			Screenshot: name + ".png",
		}
		if shots[name] {
			t.Artifact = &models.ArtifactData{ContentType: "image/png", Content: []byte(name)}
		}
		if !t.Passed {
			j.AllPassed = false
		}
		j.Tests = append(j.Tests, t)
	}
	return j
}

// Run exercises repo against the Repository contract. newRepo must return an
// empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	ctx := context.Background()

	t.Run("EnsureBuildIsIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		created, err := repo.EnsureBuild(ctx, "7")
		require.NoError(t, err)
		assert.True(t, created)

		created, err = repo.EnsureBuild(ctx, "7")
		require.NoError(t, err)
		assert.False(t, created)

		builds, err := repo.ListBuilds(ctx, storage.Unordered)
		require.NoError(t, err)
		assert.Len(t, builds, 1)
	})

	t.Run("MissingEntitiesAreNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetBuild(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.ListJobs(ctx, "nope", storage.NaturalAsc)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetJob(ctx, "nope", "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetTest(ctx, "nope", "nope", "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetArtifact(ctx, "nope", "nope", "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.DeleteBuild(ctx, "nope"), storage.ErrNotFound)
		assert.ErrorIs(t, repo.DeleteJob(ctx, "nope", "nope"), storage.ErrNotFound)
	})

	t.Run("ReplaceJobStoresJobAndTests", func(t *testing.T) {
		repo := newRepo(t)
		job := NewJob("12", "12.1", map[string]bool{"a": true, "b": false}, "a")

		res, err := repo.ReplaceJob(ctx, job)
		require.NoError(t, err)
		assert.True(t, res.BuildCreated)
		assert.False(t, res.Replaced)

		got, err := repo.GetJob(ctx, "12", "12.1")
		require.NoError(t, err)
		assert.Equal(t, job.Branch, got.Branch)
		assert.Equal(t, job.Commit, got.Commit)
		assert.Equal(t, job.OS, got.OS)
		assert.Equal(t, job.RustVersion, got.RustVersion)
		assert.Equal(t, job.CIURL, got.CIURL)
		assert.Equal(t, job.UploadID, got.UploadID)
		assert.True(t, job.UploadTime.Equal(got.UploadTime))
		assert.False(t, got.AllPassed)
		assert.Equal(t, 2, got.TestCount)
		assert.Equal(t, 1, got.FailedTests)

		require.Len(t, got.Tests, 2)
		assert.Equal(t, "a", got.Tests[0].Name)
		assert.True(t, got.Tests[0].Passed)
		assert.True(t, got.Tests[0].HasArtifact)
		assert.Equal(t, int64(1), got.Tests[0].ArtifactSize)
		assert.Equal(t, "b", got.Tests[1].Name)
		assert.False(t, got.Tests[1].Passed)
		assert.False(t, got.Tests[1].HasArtifact)
		assert.Equal(t, "b.png", got.Tests[1].Screenshot)
	})

	t.Run("ArtifactsRoundTrip", func(t *testing.T) {
		repo := newRepo(t)
		job := NewJob("1", "1.1", map[string]bool{"a": true, "b": true}, "a")
		_, err := repo.ReplaceJob(ctx, job)
		require.NoError(t, err)

		art, err := repo.GetArtifact(ctx, "1", "1.1", "a")
		require.NoError(t, err)
		defer art.Content.Close()
		content, err := io.ReadAll(art.Content)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), content)
		assert.Equal(t, "a.png", art.Filename)
		assert.Equal(t, "image/png", art.ContentType)
		assert.Equal(t, int64(1), art.Size)

		_, err = repo.GetArtifact(ctx, "1", "1.1", "b")
		assert.ErrorIs(t, err, storage.ErrNotFound, "test without upload has no artifact")

		test, err := repo.GetTest(ctx, "1", "1.1", "b")
		require.NoError(t, err)
		assert.False(t, test.HasArtifact)
	})

	t.Run("ReplaceJobDropsPreviousTests", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.ReplaceJob(ctx, NewJob("B", "J", map[string]bool{"old1": true, "old2": false}, "old1"))
		require.NoError(t, err)

		res, err := repo.ReplaceJob(ctx, NewJob("B", "J", map[string]bool{"new": true}, "new"))
		require.NoError(t, err)
		assert.False(t, res.BuildCreated)
		assert.True(t, res.Replaced)

		got, err := repo.GetJob(ctx, "B", "J")
		require.NoError(t, err)
		require.Len(t, got.Tests, 1)
		assert.Equal(t, "new", got.Tests[0].Name)
		assert.True(t, got.AllPassed)

		_, err = repo.GetTest(ctx, "B", "J", "old1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetArtifact(ctx, "B", "J", "old1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		jobs, err := repo.ListJobs(ctx, "B", storage.NaturalAsc)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("ListingsAreNaturallySorted", func(t *testing.T) {
		repo := newRepo(t)
		for _, b := range []string{"9", "10", "2"} {
			for _, j := range []string{b + ".10", b + ".2", b + ".1"} {
				_, err := repo.ReplaceJob(ctx, NewJob(b, j, map[string]bool{"t": j != "10.2"}))
				require.NoError(t, err)
			}
		}

		builds, err := repo.ListBuilds(ctx, storage.NaturalDesc)
		require.NoError(t, err)
		require.Len(t, builds, 3)
		assert.Equal(t, []string{"10", "9", "2"}, []string{builds[0].Name, builds[1].Name, builds[2].Name})
		assert.Equal(t, 3, builds[0].JobCount)
		assert.Equal(t, 1, builds[0].FailedJobs)
		assert.Equal(t, 0, builds[1].FailedJobs)

		jobs, err := repo.ListJobs(ctx, "10", storage.NaturalAsc)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{"10.1", "10.2", "10.10"}, []string{jobs[0].Name, jobs[1].Name, jobs[2].Name})
		assert.Empty(t, jobs[0].Tests, "listing does not load tests")
		assert.Equal(t, 1, jobs[0].TestCount)

		build, err := repo.GetBuild(ctx, "10")
		require.NoError(t, err)
		require.Len(t, build.Jobs, 3)
		assert.Equal(t, "10.10", build.Jobs[2].Name)
		assert.Equal(t, 1, build.FailedJobs)
	})

	t.Run("DeleteJobCascades", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.ReplaceJob(ctx, NewJob("B", "J1", map[string]bool{"a": true}, "a"))
		require.NoError(t, err)
		_, err = repo.ReplaceJob(ctx, NewJob("B", "J2", map[string]bool{"a": true}, "a"))
		require.NoError(t, err)

		require.NoError(t, repo.DeleteJob(ctx, "B", "J1"))

		_, err = repo.GetJob(ctx, "B", "J1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetArtifact(ctx, "B", "J1", "a")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.GetArtifact(ctx, "B", "J2", "a")
		assert.NoError(t, err, "sibling job untouched")
	})

	t.Run("DeleteBuildCascades", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.ReplaceJob(ctx, NewJob("B", "J", map[string]bool{"a": true}, "a"))
		require.NoError(t, err)
		_, err = repo.ReplaceJob(ctx, NewJob("C", "J", map[string]bool{"a": true}, "a"))
		require.NoError(t, err)

		require.NoError(t, repo.DeleteBuild(ctx, "B"))

		_, err = repo.GetBuild(ctx, "B")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetJob(ctx, "B", "J")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetTest(ctx, "B", "J", "a")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.GetJob(ctx, "C", "J")
		assert.NoError(t, err, "other build untouched")

		// the name is free again
		res, err := repo.ReplaceJob(ctx, NewJob("B", "J", map[string]bool{}))
		require.NoError(t, err)
		assert.True(t, res.BuildCreated)
	})

	t.Run("LongNamesRoundTrip", func(t *testing.T) {
		repo := newRepo(t)
		build, job, test := strings.Repeat("b", 300), strings.Repeat("j", 300), strings.Repeat("t", 300)
		_, err := repo.ReplaceJob(ctx, NewJob(build, job, map[string]bool{test: true}, test))
		require.NoError(t, err)

		got, err := repo.GetTest(ctx, build, job, test)
		require.NoError(t, err)
		assert.Equal(t, test+".png", got.Screenshot)
		assert.True(t, got.HasArtifact)

		art, err := repo.GetArtifact(ctx, build, job, test)
		require.NoError(t, err)
		art.Content.Close()
		assert.Equal(t, test+".png", art.Filename)
	})

	t.Run("JobWithoutTests", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.ReplaceJob(ctx, NewJob("E", "empty", map[string]bool{}))
		require.NoError(t, err)

		got, err := repo.GetJob(ctx, "E", "empty")
		require.NoError(t, err)
		assert.True(t, got.AllPassed)
		assert.Empty(t, got.Tests)
		assert.Equal(t, 0, got.TestCount)
	})
}
