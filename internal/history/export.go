package history

import (
	"fmt"

	"github.com/breeze-rmm/winpatch/internal/report"
)

// Records converts entries to report rows. Unparseable timestamps become the
// zero time.
func Records(entries []Entry) []report.Record {
	out := make([]report.Record, 0, len(entries))
	for _, e := range entries {
		ts, _ := e.Time()
		out = append(out, report.Record{
			Timestamp:       ts,
			PackageName:     e.PackageName,
			Version:         e.Version,
			PreviousVersion: e.PreviousVersion,
			Source:          string(e.Source),
			Operation:       string(e.Operation),
			Success:         e.Success,
			ErrorMessage:    e.ErrorMessage,
			ComputerName:    e.ComputerName,
			UserName:        e.UserName,
		})
	}
	return out
}

// ExportReport writes the entries of the last days days to outputPath.
// Nothing is written and ErrNoEntries is returned when no entry matches.
func (l *Ledger) ExportReport(format report.Format, outputPath string, days int) error {
	entries := l.Query(Filter{Days: days})
	if len(entries) == 0 {
		return ErrNoEntries
	}
	rep := report.New("Software update history", days, Records(entries), l.now())
	if err := report.WriteFile(outputPath, format, rep); err != nil {
		return fmt.Errorf("export history: %w", err)
	}
	return nil
}
