package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/orchestrator"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/privilege"
)

var (
	updateSources        []string
	updateAll            bool
	updateDifferential   bool
	updateDryRun         bool
	updateSkipValidation bool
	updateSkipSecurity   bool
	updateNoRestorePoint bool
	updateReport         bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Upgrade packages from the configured sources",
	Long: `Scan each source, skip packages whose version is unchanged since the last
run (unless --all), order the rest by priority tier, upgrade them one by one and
validate every upgrade.`,
	RunE: runUpdate,
}

func init() {
	f := updateCmd.Flags()
	f.StringSliceVarP(&updateSources, "source", "s", nil, "sources to update (Store, Winget, Chocolatey); default is all configured")
	f.BoolVar(&updateAll, "all", false, "upgrade every available package, ignoring the version cache")
	f.BoolVar(&updateDifferential, "differential", false, "only upgrade packages whose version changed since the last run")
	f.BoolVar(&updateDryRun, "dry-run", false, "list what would be upgraded without changing anything")
	f.BoolVar(&updateSkipValidation, "skip-validation", false, "skip post-update version and health checks")
	f.BoolVar(&updateSkipSecurity, "skip-security", false, "skip hash and signature checks")
	f.BoolVar(&updateNoRestorePoint, "no-restore-point", false, "do not create a system restore point")
	f.BoolVar(&updateReport, "report", false, "write a history report after the run")
	updateCmd.MarkFlagsMutuallyExclusive("all", "differential")

	rootCmd.AddCommand(updateCmd)
}

func parseSourceFlags(values []string) ([]patching.Source, error) {
	var flat []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				flat = append(flat, part)
			}
		}
	}
	return patching.ParseSources(flat)
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	if !updateDryRun {
		if err := privilege.Check("update"); err != nil {
			return err
		}
	}
	ids, err := parseSourceFlags(updateSources)
	if err != nil {
		return err
	}

	opts := orchestrator.UpdateOptions{
		Sources:        ids,
		DryRun:         updateDryRun,
		SkipValidation: updateSkipValidation,
		SkipSecurity:   updateSkipSecurity,
		NoRestorePoint: updateNoRestorePoint,
		Report:         updateReport,
	}
	switch {
	case updateAll:
		v := false
		opts.Differential = &v
	case updateDifferential:
		v := true
		opts.Differential = &v
	}

	if opts.NoRestorePoint && cfg.Preflight.CreateRestorePoint && !opts.DryRun {
		ok, err := confirm("Skip the system restore point?", "Upgrades cannot be undone with System Restore.")
		if err != nil {
			return err
		}
		if !ok {
			return errAborted
		}
	}

	o, auditLog, err := newOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer auditLog.Close()

	summary, runErr := o.Update(cmd.Context(), opts)
	out := cmd.OutOrStdout()
	if outputJSON {
		if err := printJSON(out, summary); err != nil {
			return err
		}
	} else if err := printSummary(out, summary); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if summary.HasFailures() {
		return errRunFailed
	}
	return nil
}

func printSummary(w io.Writer, s *orchestrator.RunSummary) error {
	var rows [][]string
	for _, src := range s.Sources {
		if src.Error != "" {
			rows = append(rows, []string{string(src.Source), "-", "-", "-", "-", "-", failColor.Sprint("SCAN FAILED"), src.Error})
		}
		for _, p := range src.Packages {
			status := statusLabel(p.Success)
			if p.Skipped {
				status = warnColor.Sprint("DRY RUN")
			}
			rows = append(rows, []string{
				string(p.Source),
				p.Name,
				tierLabel(p.Tier),
				p.Change,
				orDash(p.PreviousVersion),
				orDash(p.Version),
				status,
				p.Error,
			})
		}
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "Everything is up to date.")
	} else if err := renderTable(w, []string{"Source", "Package", "Tier", "Change", "From", "To", "Status", "Error"}, rows); err != nil {
		return err
	}

	attempted, succeeded, failed, skipped := s.Totals()
	fmt.Fprintf(w, "\nRun %s: %d attempted, %s, %s, %d skipped\n",
		s.RunID, attempted,
		okColor.Sprintf("%d succeeded", succeeded),
		failColor.Sprintf("%d failed", failed),
		skipped)
	for _, c := range s.Health {
		fmt.Fprintf(w, "  %-12s %s %s\n", c.Name, healthLabel(c.Status), c.Message)
	}
	if s.RestorePoint {
		fmt.Fprintln(w, "Restore point created.")
	}
	if s.ReportPath != "" {
		fmt.Fprintf(w, "Report: %s\n", s.ReportPath)
	}
	if s.PublishedTo != "" {
		fmt.Fprintf(w, "Published: %s\n", s.PublishedTo)
	}
	return nil
}
