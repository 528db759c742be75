package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/orchestrator"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/privilege"
)

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

var doctorCmd = &cobra.Command{
	Use:         "doctor",
	Short:       "Diagnose dependencies, pre-flight conditions and local state",
	Annotations: map[string]string{tolerateInvalidConfig: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		checks := runDoctor()
		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, checks); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(checks))
			for _, c := range checks {
				rows = append(rows, []string{c.Name, statusLabel(c.OK), c.Detail})
			}
			if err := renderTable(out, []string{"Check", "Status", "Detail"}, rows); err != nil {
				return err
			}
		}
		failed := 0
		for _, c := range checks {
			if !c.OK {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d checks failed", failed)
		}
		return nil
	},
}

func runDoctor() []doctorCheck {
	var checks []doctorCheck
	add := func(name string, ok bool, detail string) {
		checks = append(checks, doctorCheck{Name: name, OK: ok, Detail: detail})
	}

	path := config.UsedConfigFile(cfgFile)
	if path == "" {
		path = "defaults"
	}
	add("config", !cfgResult.HasFatals(), fmt.Sprintf("%s (%d errors, %d warnings)", path, len(cfgResult.Fatals), len(cfgResult.Warnings)))

	elevated := privilege.IsElevated()
	detail := "running elevated"
	if !elevated {
		detail = "not elevated; update, rollback and bootstrap will refuse to run"
	}
	add("elevation", elevated, detail)

	sources, err := patching.ParseSources(cfg.Sources)
	if err != nil {
		add("sources", false, err.Error())
	}
	for _, src := range sources {
		if err := patching.CheckDependency(src); err != nil {
			add("dependency "+string(src), false, err.Error())
			continue
		}
		add("dependency "+string(src), true, patching.CommandFor(src)+" found")
	}

	pf := patching.RunPreflight(orchestrator.PreflightOptions(cfg))
	for _, c := range pf.Checks {
		add("preflight "+c.Name, c.Passed, c.Message)
	}
	for _, w := range pf.Warnings {
		add("preflight warning", true, w)
	}

	stats := newCache().Statistics()
	cacheDetail := strconv.Itoa(stats.Total) + " packages"
	if !stats.LastUpdated.IsZero() {
		cacheDetail += fmt.Sprintf(", updated %.1f days ago", stats.AgeDays)
	}
	add("cache", true, cacheDetail)

	add("history", true, fmt.Sprintf("%d entries in %s", len(newLedger().All()), cfg.HistoryPath()))

	if cfg.AuditEnabled {
		n, err := audit.Verify(cfg.AuditPath())
		switch {
		case errors.Is(err, os.ErrNotExist):
			add("audit chain", true, "no audit trail yet")
		case err != nil:
			add("audit chain", false, err.Error())
		default:
			add("audit chain", true, fmt.Sprintf("%d entries verified", n))
		}
	}
	return checks
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
