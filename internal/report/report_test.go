package report

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleReport() Report {
	ts := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	records := []Record{
		{Timestamp: ts, PackageName: "Git.Git", Version: "2.45.0", PreviousVersion: "2.44.0", Source: "Winget", Operation: "Upgrade", Success: true, ComputerName: "PC1", UserName: "admin"},
		{Timestamp: ts.Add(time.Minute), PackageName: "7zip", Version: "24.0", PreviousVersion: "23.1", Source: "Chocolatey", Operation: "Upgrade", Success: false, ErrorMessage: "exit code 1", ComputerName: "PC1", UserName: "admin"},
		{Timestamp: ts.Add(2 * time.Minute), PackageName: "<script>", Version: "1", PreviousVersion: "Unknown", Source: "Winget", Operation: "Install", Success: true},
	}
	return Report{
		Title:       "Update history",
		GeneratedAt: ts.Add(time.Hour),
		Days:        7,
		Host:        HostInfo{Hostname: "PC1", Platform: "windows"},
		Summary:     Summarize(records),
		Records:     records,
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"HTML": FormatHTML, "csv": FormatCSV, "txt": FormatText, "yml": FormatYAML,
		"Parquet": FormatParquet, "db": FormatSQLite, "json": FormatJSON,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xlsx")
	assert.Error(t, err)
	assert.Equal(t, ".txt", FormatText.Extension())
	assert.Equal(t, ".db", FormatSQLite.Extension())
	assert.Equal(t, ".html", FormatHTML.Extension())
}

func TestSummarize(t *testing.T) {
	s := sampleReport().Summary
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 66.67, s.SuccessRate, 0.01)
	require.Len(t, s.BySource, 2)
	assert.Equal(t, SourceSummary{Source: "Chocolatey", Total: 1, Failed: 1}, s.BySource[0])
	assert.Equal(t, SourceSummary{Source: "Winget", Total: 2, Succeeded: 2}, s.BySource[1])

	empty := Summarize(nil)
	assert.Zero(t, empty.SuccessRate)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, sampleReport()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "Git.Git", rows[1][1])
	assert.Equal(t, "false", rows[2][6])
	assert.Equal(t, "exit code 1", rows[2][7])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sampleReport()))

	var decoded struct {
		Title   string `json:"title"`
		Records []struct {
			PackageName string `json:"PackageName"`
			Success     bool   `json:"Success"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "Update history", decoded.Title)
	require.Len(t, decoded.Records, 3)
	assert.False(t, decoded.Records[1].Success)
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatYAML, sampleReport()))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "Update history", decoded["title"])
	records, ok := decoded["records"].([]any)
	require.True(t, ok)
	assert.Len(t, records, 3)
}

func TestWriteHTMLEscapes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatHTML, sampleReport()))

	out := buf.String()
	assert.Contains(t, out, "<title>Update history</title>")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.NotContains(t, out, "<td><script>")
	assert.Contains(t, out, `class="failed"`)
	assert.Contains(t, out, "Success rate: 66.7%")
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatText, sampleReport()))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Update history\n"))
	assert.Contains(t, out, "Git.Git")
	assert.Contains(t, out, "Failed: 1")
	assert.Contains(t, out, "last 7 days")
}

func TestWriteFileParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "history.parquet")
	require.NoError(t, WriteFile(path, FormatParquet, sampleReport()))

	rows, err := parquet.ReadFile[parquetRecord](path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "7zip", rows[1].PackageName)
	require.NotNil(t, rows[1].ErrorMessage)
	assert.Equal(t, "exit code 1", *rows[1].ErrorMessage)
	assert.Nil(t, rows[0].ErrorMessage)
}

func TestWriteFileSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))
	require.NoError(t, WriteFile(path, FormatSQLite, sampleReport()))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var total, failed int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) FROM history`).Scan(&total, &failed))
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, failed)

	var title string
	require.NoError(t, db.QueryRow(`SELECT title FROM report`).Scan(&title))
	assert.Equal(t, "Update history", title)
}

func TestWriteSQLiteToStreamFails(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, FormatSQLite, sampleReport()))
}
