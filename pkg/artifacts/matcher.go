// Package artifacts pairs uploaded screenshot files with the screenshot
// filenames declared in a parsed report.
package artifacts

import (
	"github.com/Kingdread/Eltrur/pkg/report"
)

const defaultContentType = "application/octet-stream"

// Upload is one file part received alongside a report.
type Upload struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Matches is the outcome of Match.
type Matches struct {
	// ByFilename holds the chosen upload for every declared filename that had one.
	ByFilename map[string]Upload
	// Discarded lists uploaded filenames that no record declared, in upload order.
	Discarded []string
}

// For returns the upload matched to a record, if any.
func (m Matches) For(r report.Record) (Upload, bool) {
	u, ok := m.ByFilename[r.Screenshot]
	return u, ok
}

// Match associates uploads with records by exact, byte-for-byte filename
// equality. Uploads that match no record are discarded rather than rejected.
//
// When several uploads share a filename the last one in upload order wins.
// When several records declare the same filename they all share its upload.
// An empty declared filename never matches.
func Match(records []report.Record, uploads []Upload) Matches {
	declared := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.Screenshot != "" {
			declared[r.Screenshot] = struct{}{}
		}
	}

	m := Matches{ByFilename: make(map[string]Upload, len(declared))}
	for _, u := range uploads {
		if _, ok := declared[u.Filename]; !ok {
			m.Discarded = append(m.Discarded, u.Filename)
			continue
		}
		if u.ContentType == "" {
			u.ContentType = defaultContentType
		}
		m.ByFilename[u.Filename] = u
	}
	return m
}
