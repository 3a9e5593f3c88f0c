package natsort

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		in   string
		want []Token
	}{
		{"", []Token{{Text: ""}}},
		{"job", []Token{{Text: "job"}}},
		{"10", []Token{{Text: ""}, {Text: "10", Numeric: true}}},
		{"job-10", []Token{{Text: "job-"}, {Text: "10", Numeric: true}}},
		{"a1b22c", []Token{{Text: "a"}, {Text: "1", Numeric: true}, {Text: "b"}, {Text: "22", Numeric: true}, {Text: "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Key(tt.in)); diff != "" {
				t.Errorf("Key(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"embedded numbers", []string{"x10", "x9", "x2"}, []string{"x2", "x9", "x10"}},
		{"jobs", []string{"job-10", "job-2", "job-1"}, []string{"job-1", "job-2", "job-10"}},
		{"builds", []string{"build-10", "build-9"}, []string{"build-9", "build-10"}},
		{"prefix first", []string{"ab", "a", "a1"}, []string{"a", "a1", "ab"}},
		{"numbers before text at same position", []string{"b", "1", "a"}, []string{"1", "a", "b"}},
		{"huge numbers", []string{"v123456789012345678901234567890", "v99"}, []string{"v99", "v123456789012345678901234567890"}},
		{"leading zeros", []string{"a1", "a01", "a002"}, []string{"a01", "a1", "a002"}},
		{"multi part versions", []string{"1.10.0", "1.2.10", "1.2.9"}, []string{"1.2.9", "1.2.10", "1.10.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := append([]string(nil), tt.in...)
			Strings(got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringsDesc(t *testing.T) {
	got := []string{"2", "10", "9", "100"}
	StringsDesc(got)
	assert.Equal(t, []string{"100", "10", "9", "2"}, got)
}

func TestCompareTotalOrder(t *testing.T) {
	names := []string{"", "a", "a1", "a01", "a2", "a10", "b", "1", "01", "10", "x-3-y", "x-3-z", "x-20"}
	for _, a := range names {
		assert.Equal(t, 0, Compare(a, a), "reflexive for %q", a)
		for _, b := range names {
			ab, ba := Compare(a, b), Compare(b, a)
			assert.Equal(t, -ab, ba, "antisymmetric for %q, %q", a, b)
			if a != b {
				assert.NotZero(t, ab, "distinct names %q and %q must not tie", a, b)
			}
			for _, c := range names {
				if ab < 0 && Compare(b, c) < 0 {
					assert.Negative(t, Compare(a, c), "transitive for %q < %q < %q", a, b, c)
				}
			}
		}
	}
}
