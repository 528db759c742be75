package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/history"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/report"
)

var (
	histPackage   string
	histSource    string
	histOperation string
	histDays      int
	histFailed    bool
	histSucceeded bool
	histOutput    string

	pruneDays int

	exportFormat string
	exportOutput string
	exportDays   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and maintain the update history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List history entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := history.Filter{PackageName: histPackage, Days: histDays}
		if histSource != "" {
			src, err := patching.ParseSource(histSource)
			if err != nil {
				return err
			}
			f.Source = src
		}
		if histOperation != "" {
			op, err := history.ParseOperation(histOperation)
			if err != nil {
				return err
			}
			f.Operation = op
		}
		switch {
		case histFailed:
			f.Success = history.Failed()
		case histSucceeded:
			f.Success = history.Succeeded()
		}

		entries := newLedger().Query(f)
		out := cmd.OutOrStdout()
		format := histOutput
		if outputJSON {
			format = "json"
		}

		switch format {
		case "json":
			return printJSON(out, entries)
		case "csv":
			w := csv.NewWriter(out)
			_ = w.Write([]string{"Timestamp", "PackageName", "Version", "PreviousVersion", "Source", "Operation", "Success", "ErrorMessage"})
			for _, e := range entries {
				_ = w.Write([]string{e.Timestamp, e.PackageName, e.Version, e.PreviousVersion, string(e.Source), string(e.Operation), strconv.FormatBool(e.Success), e.ErrorMessage})
			}
			w.Flush()
			return w.Error()
		case "", "table":
		default:
			return fmt.Errorf("unknown output %q (use table, json or csv)", histOutput)
		}

		if len(entries) == 0 {
			fmt.Fprintln(out, "No history entries match.")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{e.Timestamp, e.PackageName, string(e.Source), string(e.Operation), e.PreviousVersion, e.Version, statusLabel(e.Success), e.ErrorMessage})
		}
		if err := renderTable(out, []string{"Timestamp", "Package", "Source", "Operation", "From", "To", "Status", "Error"}, rows); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d entries\n", len(entries))
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove entries older than the retention period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		days := pruneDays
		if days == 0 {
			days = cfg.History.RetentionDays
		}
		removed, err := newLedger().Prune(days)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries older than %d days.\n", removed, days)
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export history as html, csv, json, text, yaml, parquet or sqlite",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := report.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		path := exportOutput
		if path == "" {
			path = "winpatch-history" + format.Extension()
		}
		err = newLedger().ExportReport(format, path, exportDays)
		if errors.Is(err, history.ErrNoEntries) {
			fmt.Fprintf(cmd.OutOrStdout(), "No history entries in the last %d days, nothing exported.\n", exportDays)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s report to %s\n", format, path)
		return nil
	},
}

func init() {
	lf := historyListCmd.Flags()
	lf.StringVarP(&histPackage, "package", "p", "", "package name glob, e.g. 'Mozilla.*'")
	lf.StringVarP(&histSource, "source", "s", "", "filter by source")
	lf.StringVar(&histOperation, "operation", "", "filter by operation (Install, Upgrade, Uninstall, Rollback, Scan)")
	lf.IntVarP(&histDays, "days", "d", 0, "only entries from the last N days")
	lf.BoolVar(&histFailed, "failed", false, "only failed entries")
	lf.BoolVar(&histSucceeded, "succeeded", false, "only successful entries")
	lf.StringVarP(&histOutput, "output", "o", "table", "table, json or csv")
	historyListCmd.MarkFlagsMutuallyExclusive("failed", "succeeded")

	historyPruneCmd.Flags().IntVarP(&pruneDays, "days", "d", 0, "retention in days (default from config)")

	ef := historyExportCmd.Flags()
	ef.StringVarP(&exportFormat, "format", "f", "html", "html, csv, json, text, yaml, parquet or sqlite")
	ef.StringVarP(&exportOutput, "output", "o", "", "output file")
	ef.IntVarP(&exportDays, "days", "d", 30, "include the last N days")

	historyCmd.AddCommand(historyListCmd, historyPruneCmd, historyExportCmd)
	rootCmd.AddCommand(historyCmd)
}
