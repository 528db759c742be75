package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/breeze-rmm/winpatch/internal/health"
	"github.com/breeze-rmm/winpatch/internal/priority"
)

var (
	criticalColor = color.New(color.FgRed, color.Bold)
	highColor     = color.New(color.FgYellow, color.Bold)
	lowColor      = color.New(color.FgCyan)
	deferredColor = color.New(color.FgHiBlack)

	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
)

// errAborted is returned when the user declines a confirmation prompt.
var errAborted = errors.New("aborted")

func setupColor() {
	if noColorFlag || os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func tierLabel(t priority.Tier) string {
	switch t {
	case priority.TierCritical:
		return criticalColor.Sprint(t)
	case priority.TierHigh:
		return highColor.Sprint(t)
	case priority.TierLow:
		return lowColor.Sprint(t)
	case priority.TierDeferred:
		return deferredColor.Sprint(t)
	}
	return string(t)
}

func statusLabel(ok bool) string {
	if ok {
		return okColor.Sprint("OK")
	}
	return failColor.Sprint("FAILED")
}

func healthLabel(s health.Status) string {
	switch s {
	case health.Healthy:
		return okColor.Sprint(s)
	case health.Degraded:
		return warnColor.Sprint(s)
	case health.Unhealthy:
		return failColor.Sprint(s)
	}
	return string(s)
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks a yes/no question. --yes answers yes; without a terminal the
// answer is no.
func confirm(title, description string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("%s: confirmation required, rerun with --yes", title)
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
