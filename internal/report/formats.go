package report

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

var csvHeader = []string{
	"Timestamp", "PackageName", "Version", "PreviousVersion", "Source",
	"Operation", "Success", "ErrorMessage", "ComputerName", "UserName",
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func writeCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			formatTimestamp(r.Timestamp), r.PackageName, r.Version, r.PreviousVersion, r.Source,
			r.Operation, strconv.FormatBool(r.Success), r.ErrorMessage, r.ComputerName, r.UserName,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func writeYAML(w io.Writer, r Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

func writeText(w io.Writer, r Report) error {
	fmt.Fprintf(w, "%s\n", r.Title)
	fmt.Fprintf(w, "Generated: %s  Host: %s", r.GeneratedAt.Format("2006-01-02 15:04:05"), r.Host.Hostname)
	if r.Days > 0 {
		fmt.Fprintf(w, "  Period: last %d days", r.Days)
	}
	fmt.Fprintf(w, "\nTotal: %d  Succeeded: %d  Failed: %d  Success rate: %.1f%%\n\n",
		r.Summary.Total, r.Summary.Succeeded, r.Summary.Failed, r.Summary.SuccessRate)

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Timestamp", "Package", "Source", "Operation", "Version", "Previous", "Status", "Error"})
	data := make([][]string, 0, len(r.Records))
	for _, rec := range r.Records {
		data = append(data, []string{
			rec.Timestamp.Format("2006-01-02 15:04"),
			rec.PackageName,
			rec.Source,
			rec.Operation,
			rec.Version,
			rec.PreviousVersion,
			rec.Status(),
			rec.ErrorMessage,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.Format("2006-01-02 15:04:05") },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Segoe UI, Arial, sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; font-size: 0.9em; }
th { background: #f0f0f0; }
tr.failed td { background: #fde8e8; }
.summary span { margin-right: 2em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Generated {{ts .GeneratedAt}} on {{.Host.Hostname}}{{if .Host.Platform}} ({{.Host.Platform}} {{.Host.PlatformVersion}}){{end}}{{if .Days}}, last {{.Days}} days{{end}}.</p>
<p class="summary"><span>Total: {{.Summary.Total}}</span><span>Succeeded: {{.Summary.Succeeded}}</span><span>Failed: {{.Summary.Failed}}</span><span>Success rate: {{printf "%.1f" .Summary.SuccessRate}}%</span></p>
{{if .Summary.BySource}}<h2>By source</h2>
<table>
<tr><th>Source</th><th>Total</th><th>Succeeded</th><th>Failed</th></tr>
{{range .Summary.BySource}}<tr><td>{{.Source}}</td><td>{{.Total}}</td><td>{{.Succeeded}}</td><td>{{.Failed}}</td></tr>
{{end}}</table>{{end}}
<h2>Operations</h2>
<table>
<tr><th>Timestamp</th><th>Package</th><th>Source</th><th>Operation</th><th>Version</th><th>Previous</th><th>Status</th><th>Error</th><th>Computer</th><th>User</th></tr>
{{range .Records}}<tr{{if not .Success}} class="failed"{{end}}><td>{{ts .Timestamp}}</td><td>{{.PackageName}}</td><td>{{.Source}}</td><td>{{.Operation}}</td><td>{{.Version}}</td><td>{{.PreviousVersion}}</td><td>{{.Status}}</td><td>{{.ErrorMessage}}</td><td>{{.ComputerName}}</td><td>{{.UserName}}</td></tr>
{{end}}</table>
</body>
</html>
`))

func writeHTML(w io.Writer, r Report) error {
	return htmlTemplate.Execute(w, r)
}

// parquetRecord is the columnar layout of a Record.
type parquetRecord struct {
	Timestamp       time.Time `parquet:"timestamp,snappy"`
	PackageName     string    `parquet:"package_name,snappy"`
	Version         string    `parquet:"version,snappy"`
	PreviousVersion string    `parquet:"previous_version,snappy"`
	Source          string    `parquet:"source,snappy"`
	Operation       string    `parquet:"operation,snappy"`
	Success         bool      `parquet:"success,snappy"`
	ErrorMessage    *string   `parquet:"error_message,optional,snappy"`
	ComputerName    string    `parquet:"computer_name,snappy"`
	UserName        string    `parquet:"user_name,snappy"`
}

func writeParquet(w io.Writer, records []Record) error {
	rows := make([]parquetRecord, 0, len(records))
	for _, r := range records {
		row := parquetRecord{
			Timestamp:       r.Timestamp,
			PackageName:     r.PackageName,
			Version:         r.Version,
			PreviousVersion: r.PreviousVersion,
			Source:          r.Source,
			Operation:       r.Operation,
			Success:         r.Success,
			ComputerName:    r.ComputerName,
			UserName:        r.UserName,
		}
		if r.ErrorMessage != "" {
			msg := r.ErrorMessage
			row.ErrorMessage = &msg
		}
		rows = append(rows, row)
	}

	writer := parquet.NewGenericWriter[parquetRecord](w)
	if _, err := writer.Write(rows); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	return writer.Close()
}

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp        TEXT NOT NULL,
	package_name     TEXT NOT NULL,
	version          TEXT,
	previous_version TEXT,
	source           TEXT NOT NULL,
	operation        TEXT NOT NULL,
	success          INTEGER NOT NULL,
	error_message    TEXT,
	computer_name    TEXT,
	user_name        TEXT
)`

const createReportTable = `
CREATE TABLE IF NOT EXISTS report (
	title        TEXT,
	generated_at TEXT,
	days         INTEGER,
	hostname     TEXT,
	total        INTEGER,
	succeeded    INTEGER,
	failed       INTEGER
)`

func writeSQLite(path string, r Report) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite report %q: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createHistoryTable, createReportTable} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create sqlite schema: %w", err)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO report (title, generated_at, days, hostname, total, succeeded, failed) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Title, formatTimestamp(r.GeneratedAt), r.Days, r.Host.Hostname,
		r.Summary.Total, r.Summary.Succeeded, r.Summary.Failed); err != nil {
		return fmt.Errorf("insert report row: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO history (timestamp, package_name, version, previous_version, source, operation, success, error_message, computer_name, user_name) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range r.Records {
		if _, err := stmt.Exec(formatTimestamp(rec.Timestamp), rec.PackageName, rec.Version, rec.PreviousVersion,
			rec.Source, rec.Operation, rec.Success, rec.ErrorMessage, rec.ComputerName, rec.UserName); err != nil {
			return fmt.Errorf("insert history row %s: %w", rec.PackageName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite report: %w", err)
	}
	log.Info("report written", "path", path, "format", string(FormatSQLite), "records", len(r.Records))
	return nil
}
