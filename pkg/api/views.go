package api

import (
	"net/url"
	"time"

	"github.com/Kingdread/Eltrur/pkg/ingest"
	"github.com/Kingdread/Eltrur/pkg/models"
)

type buildListView struct {
	Builds []buildSummaryView `json:"builds"`
}

type buildSummaryView struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	JobCount   int    `json:"job_count"`
	FailedJobs int    `json:"failed_jobs"`
}

type buildView struct {
	buildSummaryView
	Jobs []jobSummaryView `json:"jobs"`
}

type jobSummaryView struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Branch      string    `json:"branch"`
	Commit      string    `json:"commit"`
	OS          string    `json:"os"`
	RustVersion string    `json:"rust_version"`
	CIURL       string    `json:"ci_url"`
	AllPassed   bool      `json:"all_passed"`
	UploadTime  time.Time `json:"upload_time"`
	TestCount   int       `json:"test_count"`
	FailedTests int       `json:"failed_tests"`
}

type jobView struct {
	jobSummaryView
	Build    string     `json:"build"`
	BuildURL string     `json:"build_url"`
	Tests    []testView `json:"tests"`
}

type testView struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Screenshot string `json:"screenshot"`
	ImageURL   string `json:"image_url,omitempty"` // Set only when the screenshot was uploaded
}

func buildPath(build string) string {
	return "/build/" + url.PathEscape(build)
}

func imagePath(build, job, test string) string {
	return ingest.JobPath(build, job) + "/image/" + url.PathEscape(test)
}

func newBuildSummaryView(b models.Build) buildSummaryView {
	return buildSummaryView{
		Name:       b.Name,
		URL:        buildPath(b.Name),
		JobCount:   b.JobCount,
		FailedJobs: b.FailedJobs,
	}
}

func newBuildView(b *models.Build) buildView {
	view := buildView{buildSummaryView: newBuildSummaryView(*b), Jobs: make([]jobSummaryView, len(b.Jobs))}
	for i, j := range b.Jobs {
		view.Jobs[i] = newJobSummaryView(j)
	}
	return view
}

func newJobSummaryView(j models.Job) jobSummaryView {
	return jobSummaryView{
		Name:        j.Name,
		URL:         ingest.JobPath(j.BuildName, j.Name),
		Branch:      j.Branch,
		Commit:      j.Commit,
		OS:          j.OS,
		RustVersion: j.RustVersion,
		CIURL:       j.CIURL,
		AllPassed:   j.AllPassed,
		UploadTime:  j.UploadTime,
		TestCount:   j.TestCount,
		FailedTests: j.FailedTests,
	}
}

func newJobView(j *models.Job) jobView {
	view := jobView{
		jobSummaryView: newJobSummaryView(*j),
		Build:          j.BuildName,
		BuildURL:       buildPath(j.BuildName),
		Tests:          make([]testView, len(j.Tests)),
	}
	for i, t := range j.Tests {
		view.Tests[i] = testView{Name: t.Name, Passed: t.Passed, Screenshot: t.Screenshot}
		if t.HasArtifact {
			view.Tests[i].ImageURL = imagePath(j.BuildName, j.Name, t.Name)
		}
	}
	return view
}
