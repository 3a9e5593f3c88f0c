package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/report"
)

// pendingUpload is a validated report with the screenshots found on disk.
type pendingUpload struct {
	fields  map[string]string
	report  []byte
	shots   []string // paths of screenshots to attach
	missing []string // declared screenshots that do not exist
}

// prepareUpload reads and checks the report locally so a malformed report
// fails before anything is sent.
func prepareUpload(flags *uploadFlags) (*pendingUpload, error) {
	data, err := os.ReadFile(flags.report)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	records, err := report.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flags.report, err)
	}

	up := &pendingUpload{
		fields: map[string]string{
			models.FieldKey:         flags.key,
			models.FieldBranch:      flags.branch,
			models.FieldCommit:      flags.commit,
			models.FieldBuild:       flags.build,
			models.FieldJob:         flags.job,
			models.FieldOS:          flags.os,
			models.FieldRustVersion: flags.rustVersion,
			models.FieldURL:         flags.url,
		},
		report: data,
	}

	seen := make(map[string]bool)
	for _, r := range records {
		if r.Screenshot == "" || seen[r.Screenshot] {
			continue
		}
		seen[r.Screenshot] = true
		p := filepath.Join(flags.shotsDir, r.Screenshot)
		info, err := os.Stat(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			up.missing = append(up.missing, r.Screenshot)
		case err != nil:
			return nil, fmt.Errorf("checking screenshot: %w", err)
		case info.IsDir():
			up.missing = append(up.missing, r.Screenshot)
		default:
			up.shots = append(up.shots, p)
		}
	}
	return up, nil
}

// body renders the multipart form the server's /upload route expects.
func (u *pendingUpload) body() (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, name := range append([]string{models.FieldKey}, models.MetadataFields...) {
		if err := writer.WriteField(name, u.fields[name]); err != nil {
			return nil, "", fmt.Errorf("failed to write form field '%s': %w", name, err)
		}
	}

	part, err := writer.CreateFormFile(models.FieldReport, "report.txt")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file 'report': %w", err)
	}
	if _, err := part.Write(u.report); err != nil {
		return nil, "", fmt.Errorf("failed to write report: %w", err)
	}

	for _, p := range u.shots {
		if err := attachFile(writer, p); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func attachFile(writer *multipart.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open screenshot %s: %w", path, err)
	}
	defer file.Close()

	// Sniff the type so the server has something better than octet-stream
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read screenshot %s: %w", path, err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		models.FieldShots, escapeQuotes(filepath.Base(path))))
	h.Set("Content-Type", http.DetectContentType(head[:n]))

	part, err := writer.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create form file for %s: %w", path, err)
	}
	if _, err := part.Write(head[:n]); err != nil {
		return fmt.Errorf("failed to copy screenshot %s: %w", path, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy screenshot %s: %w", path, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// send posts the upload and returns the job path reported by the server.
func (u *pendingUpload) send(ctx context.Context, client *http.Client, server string) (string, error) {
	body, contentType, err := u.body()
	if err != nil {
		return "", err
	}

	url := trimSlash(server) + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return strings.TrimSpace(string(respBody)), nil
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}
