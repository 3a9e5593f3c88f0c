// Package report parses the line-oriented test report uploaded by CI jobs.
//
// Every non-empty line has the form
//
//	<test-name>/<status>/<screenshot-filename>
//
// where status is "ok" or "fail". Fields are taken verbatim; a "/" inside a
// field cannot be expressed.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	StatusPassed = "ok"
	StatusFailed = "fail"

	fieldSeparator = "/"
	fieldCount     = 3
)

// ErrBadReport is returned for any grammar violation. The whole report is
// rejected; Parse never returns a partial result.
var ErrBadReport = errors.New("bad report")

// Record is the outcome of one test as declared by one report line.
type Record struct {
	TestName   string `json:"test"`
	Passed     bool   `json:"passed"`
	Screenshot string `json:"screenshot"`
}

// Parse converts a report into records in line order. Blank lines are skipped
// and a single trailing carriage return is dropped from each line.
func Parse(data []byte) ([]Record, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: report is not valid UTF-8", ErrBadReport)
	}

	var records []Record
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		record, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %s", ErrBadReport, i+1, err.Error())
		}
		records = append(records, record)
	}
	return records, nil
}

func parseLine(line string) (Record, error) {
	fields := strings.Split(line, fieldSeparator)
	if len(fields) != fieldCount {
		return Record{}, fmt.Errorf("expected %d %q-separated fields, got %d", fieldCount, fieldSeparator, len(fields))
	}

	var passed bool
	switch fields[1] {
	case StatusPassed:
		passed = true
	case StatusFailed:
		passed = false
	default:
		return Record{}, fmt.Errorf("unknown status %q (want %q or %q)", fields[1], StatusPassed, StatusFailed)
	}

	return Record{TestName: fields[0], Passed: passed, Screenshot: fields[2]}, nil
}

// Format renders records in the report grammar, one line per record.
func Format(records []Record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		status := StatusFailed
		if r.Passed {
			status = StatusPassed
		}
		buf.WriteString(r.TestName)
		buf.WriteString(fieldSeparator)
		buf.WriteString(status)
		buf.WriteString(fieldSeparator)
		buf.WriteString(r.Screenshot)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// AllPassed is the logical AND over every record; it is true for no records.
func AllPassed(records []Record) bool {
	for _, r := range records {
		if !r.Passed {
			return false
		}
	}
	return true
}
