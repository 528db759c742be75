package docstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Count int
}

func TestReadMissingDocument(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))
	var doc sample
	found, err := s.Read(&doc)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, s.Exists())
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	s := New(path)
	require.NoError(t, s.Write(sample{Name: "a", Count: 2}))

	var doc sample
	found, err := s.Read(&doc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sample{Name: "a", Count: 2}, doc)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestReadToleratesBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bom.json")
	require.NoError(t, os.WriteFile(path, []byte("\xef\xbb\xbf{\"Name\":\"x\",\"Count\":1}"), 0600))

	var doc sample
	found, err := New(path).Read(&doc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "x", doc.Name)
}

func TestUpdateTreatsCorruptDocumentAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	s := New(path)

	err := Update(s, func(doc *sample, found bool) error {
		assert.False(t, found)
		assert.Equal(t, sample{}, *doc)
		doc.Count++
		return nil
	})
	require.NoError(t, err)

	var doc sample
	_, err = s.Read(&doc)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Count)
}

func TestUpdateWithKeepsSeedForAbsentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Name":"x"}`), 0600))
	s := New(path)

	seed := func() sample { return sample{Name: "seed", Count: 7} }
	err := UpdateWith(s, seed, func(doc *sample, found bool) error {
		assert.True(t, found)
		assert.Equal(t, sample{Name: "x", Count: 7}, *doc)
		return nil
	})
	require.NoError(t, err)

	var doc sample
	_, err = s.Read(&doc)
	require.NoError(t, err)
	assert.Equal(t, 7, doc.Count)
}

func TestUpdateSkipWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path)

	err := Update(s, func(doc *sample, found bool) error {
		return ErrSkipWrite
	})
	require.NoError(t, err)
	assert.False(t, s.Exists())
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "doc.json"))
	require.NoError(t, s.Remove())
	require.NoError(t, s.Write(sample{Name: "b"}))
	require.NoError(t, s.Remove())
	assert.False(t, s.Exists())
}

func TestParseTimeLayouts(t *testing.T) {
	cases := []string{
		"2024-03-01T10:20:30Z",
		"2024-03-01T10:20:30+02:00",
		"2024-03-01 10:20:30",
		"2024-03-01T10:20:30",
		"03/01/2024 10:20:30",
	}
	for _, tc := range cases {
		t.Run(tc, func(t *testing.T) {
			parsed, ok := ParseTime(tc)
			require.True(t, ok)
			assert.Equal(t, 2024, parsed.Year())
			assert.Equal(t, time.March, parsed.Month())
			assert.Equal(t, 1, parsed.Day())
		})
	}

	_, ok := ParseTime("yesterday")
	assert.False(t, ok)
	_, ok = ParseTime("")
	assert.False(t, ok)
}

func TestFormatTimeRoundTrips(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	parsed, ok := ParseTime(FormatTime(now))
	require.True(t, ok)
	assert.True(t, now.Equal(parsed))
}
