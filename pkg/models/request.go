package models

import (
	"fmt"
	"strings"
)

// Multipart form field names of an upload.
const (
	FieldKey         = "key"
	FieldReport      = "report"
	FieldShots       = "shots"
	FieldBranch      = "branch"
	FieldCommit      = "commit"
	FieldBuild       = "build"
	FieldJob         = "job"
	FieldOS          = "os"
	FieldRustVersion = "rust-version"
	FieldURL         = "url"
)

// MetadataFields lists the metadata fields every upload must carry.
var MetadataFields = []string{
	FieldBranch, FieldCommit, FieldBuild, FieldJob, FieldOS, FieldRustVersion, FieldURL,
}

// UploadRequest is the job metadata sent with a report.
type UploadRequest struct {
	Branch      string `json:"branch"`
	Commit      string `json:"commit"`
	Build       string `json:"build"`
	Job         string `json:"job"`
	OS          string `json:"os"`
	RustVersion string `json:"rust_version"`
	URL         string `json:"url"`
}

// MissingFieldsError names form fields that were absent from an upload.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// UploadRequestFromForm builds an UploadRequest from form values. Every field in
// MetadataFields must be present; only build and job must also be non-empty.
func UploadRequestFromForm(values map[string][]string) (UploadRequest, error) {
	var missing []string
	get := func(field string) string {
		v, ok := values[field]
		if !ok || len(v) == 0 {
			missing = append(missing, field)
			return ""
		}
		return v[0]
	}

	req := UploadRequest{
		Branch:      get(FieldBranch),
		Commit:      get(FieldCommit),
		Build:       get(FieldBuild),
		Job:         get(FieldJob),
		OS:          get(FieldOS),
		RustVersion: get(FieldRustVersion),
		URL:         get(FieldURL),
	}
	if len(missing) > 0 {
		return req, &MissingFieldsError{Fields: missing}
	}
	return req, req.Validate()
}

// Validate checks that the request names a usable build and job.
func (r UploadRequest) Validate() error {
	var missing []string
	if SanitizeName(r.Build) == "" {
		missing = append(missing, FieldBuild)
	}
	if SanitizeName(r.Job) == "" {
		missing = append(missing, FieldJob)
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}
