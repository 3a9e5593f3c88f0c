package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kingdread/Eltrur/pkg/report"
)

func TestMatch(t *testing.T) {
	records := []report.Record{
		{TestName: "a", Passed: true, Screenshot: "a.png"},
		{TestName: "b", Passed: false, Screenshot: "b.png"},
	}
	uploads := []Upload{
		{Filename: "a.png", ContentType: "image/png", Content: []byte("A")},
		{Filename: "c.png", ContentType: "image/png", Content: []byte("C")},
	}

	m := Match(records, uploads)

	a, ok := m.For(records[0])
	require.True(t, ok)
	assert.Equal(t, []byte("A"), a.Content)

	_, ok = m.For(records[1])
	assert.False(t, ok, "b.png was never uploaded")

	assert.Equal(t, []string{"c.png"}, m.Discarded)
	assert.NotContains(t, m.ByFilename, "c.png")
}

func TestMatchLastUploadWins(t *testing.T) {
	records := []report.Record{{TestName: "a", Screenshot: "a.png"}}
	uploads := []Upload{
		{Filename: "a.png", Content: []byte("first")},
		{Filename: "a.png", Content: []byte("second")},
	}

	u, ok := Match(records, uploads).For(records[0])
	require.True(t, ok)
	assert.Equal(t, []byte("second"), u.Content)
	assert.Equal(t, defaultContentType, u.ContentType)
}

func TestMatchIsExact(t *testing.T) {
	records := []report.Record{{TestName: "a", Screenshot: "A.png"}}
	uploads := []Upload{{Filename: "a.png"}, {Filename: "A.png "}}

	m := Match(records, uploads)
	assert.Empty(t, m.ByFilename)
	assert.Equal(t, []string{"a.png", "A.png "}, m.Discarded)
}

func TestMatchSharedFilename(t *testing.T) {
	records := []report.Record{
		{TestName: "x", Screenshot: "shared.png"},
		{TestName: "y", Screenshot: "shared.png"},
	}
	m := Match(records, []Upload{{Filename: "shared.png", Content: []byte("S")}})

	for _, r := range records {
		u, ok := m.For(r)
		require.True(t, ok, r.TestName)
		assert.Equal(t, []byte("S"), u.Content)
	}
}

func TestMatchEmptyDeclaredFilename(t *testing.T) {
	records := []report.Record{{TestName: "x", Screenshot: ""}}
	m := Match(records, []Upload{{Filename: ""}})

	_, ok := m.For(records[0])
	assert.False(t, ok)
	assert.Equal(t, []string{""}, m.Discarded)
}
