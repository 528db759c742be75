// Package report renders history records to files in several formats.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("report")

// Format is an output format.
type Format string

const (
	FormatHTML    Format = "html"
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatText    Format = "text"
	FormatYAML    Format = "yaml"
	FormatParquet Format = "parquet"
	FormatSQLite  Format = "sqlite"
)

// Formats lists every supported format.
var Formats = []Format{FormatHTML, FormatCSV, FormatJSON, FormatText, FormatYAML, FormatParquet, FormatSQLite}

// ParseFormat accepts a format name case-insensitively. "txt", "yml" and
// "db" are accepted as aliases.
func ParseFormat(s string) (Format, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "txt":
		return FormatText, nil
	case "yml":
		return FormatYAML, nil
	case "db", "sqlite3":
		return FormatSQLite, nil
	default:
		for _, f := range Formats {
			if string(f) == v {
				return f, nil
			}
		}
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// Extension returns the conventional file extension for f.
func (f Format) Extension() string {
	switch f {
	case FormatText:
		return ".txt"
	case FormatSQLite:
		return ".db"
	default:
		return "." + string(f)
	}
}

// Record is one history row.
type Record struct {
	Timestamp       time.Time `json:"Timestamp" yaml:"timestamp"`
	PackageName     string    `json:"PackageName" yaml:"packageName"`
	Version         string    `json:"Version" yaml:"version"`
	PreviousVersion string    `json:"PreviousVersion" yaml:"previousVersion"`
	Source          string    `json:"Source" yaml:"source"`
	Operation       string    `json:"Operation" yaml:"operation"`
	Success         bool      `json:"Success" yaml:"success"`
	ErrorMessage    string    `json:"ErrorMessage" yaml:"errorMessage,omitempty"`
	ComputerName    string    `json:"ComputerName" yaml:"computerName"`
	UserName        string    `json:"UserName" yaml:"userName"`
}

// Status is "Success" or "Failed".
func (r Record) Status() string {
	if r.Success {
		return "Success"
	}
	return "Failed"
}

// HostInfo identifies the machine a report was generated on.
type HostInfo struct {
	Hostname        string `json:"hostname" yaml:"hostname"`
	Platform        string `json:"platform" yaml:"platform"`
	PlatformVersion string `json:"platformVersion" yaml:"platformVersion"`
	KernelVersion   string `json:"kernelVersion" yaml:"kernelVersion"`
}

// CollectHost reads host facts, falling back to os.Hostname on error.
func CollectHost() HostInfo {
	info, err := host.Info()
	if err != nil {
		log.Debug("host info unavailable", logging.KeyError, err.Error())
		name, _ := os.Hostname()
		return HostInfo{Hostname: name, Platform: runtime.GOOS}
	}
	return HostInfo{
		Hostname:        info.Hostname,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
	}
}

// SourceSummary counts outcomes for one source.
type SourceSummary struct {
	Source    string `json:"source" yaml:"source"`
	Total     int    `json:"total" yaml:"total"`
	Succeeded int    `json:"succeeded" yaml:"succeeded"`
	Failed    int    `json:"failed" yaml:"failed"`
}

// Summary aggregates a report.
type Summary struct {
	Total       int             `json:"total" yaml:"total"`
	Succeeded   int             `json:"succeeded" yaml:"succeeded"`
	Failed      int             `json:"failed" yaml:"failed"`
	SuccessRate float64         `json:"successRate" yaml:"successRate"`
	BySource    []SourceSummary `json:"bySource" yaml:"bySource"`
}

// Summarize counts records overall and per source, sources sorted by name.
func Summarize(records []Record) Summary {
	var s Summary
	per := make(map[string]*SourceSummary)
	for _, r := range records {
		s.Total++
		ss, ok := per[r.Source]
		if !ok {
			ss = &SourceSummary{Source: r.Source}
			per[r.Source] = ss
		}
		ss.Total++
		if r.Success {
			s.Succeeded++
			ss.Succeeded++
		} else {
			s.Failed++
			ss.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total) * 100
	}
	for _, ss := range per {
		s.BySource = append(s.BySource, *ss)
	}
	sort.Slice(s.BySource, func(i, j int) bool { return s.BySource[i].Source < s.BySource[j].Source })
	return s
}

// Report is the rendered document.
type Report struct {
	Title       string    `json:"title" yaml:"title"`
	GeneratedAt time.Time `json:"generatedAt" yaml:"generatedAt"`
	Days        int       `json:"days" yaml:"days"`
	Host        HostInfo  `json:"host" yaml:"host"`
	Summary     Summary   `json:"summary" yaml:"summary"`
	Records     []Record  `json:"records" yaml:"records"`
}

// New builds a report over records.
func New(title string, days int, records []Record, generatedAt time.Time) Report {
	return Report{
		Title:       title,
		GeneratedAt: generatedAt,
		Days:        days,
		Host:        CollectHost(),
		Summary:     Summarize(records),
		Records:     records,
	}
}

// Write renders r to w. Parquet and SQLite need a file; use WriteFile.
func Write(w io.Writer, format Format, r Report) error {
	switch format {
	case FormatHTML:
		return writeHTML(w, r)
	case FormatCSV:
		return writeCSV(w, r.Records)
	case FormatJSON:
		return writeJSON(w, r)
	case FormatText:
		return writeText(w, r)
	case FormatYAML:
		return writeYAML(w, r)
	case FormatParquet:
		return writeParquet(w, r.Records)
	case FormatSQLite:
		return fmt.Errorf("sqlite reports must be written to a file")
	}
	return fmt.Errorf("unknown report format %q", format)
}

// WriteFile renders r to path, creating parent directories. An existing file
// is replaced.
func WriteFile(path string, format Format, r Report) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if format == FormatSQLite {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("replace %s: %w", path, err)
		}
		return writeSQLite(path, r)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Write(f, format, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("render %s report: %w", format, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	log.Info("report written", "path", path, "format", string(format), "records", len(r.Records))
	return nil
}
