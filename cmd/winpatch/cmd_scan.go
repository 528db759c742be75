package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	scanSources      []string
	scanDifferential bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List available upgrades with tier and change classification",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ids, err := parseSourceFlags(scanSources)
		if err != nil {
			return err
		}
		o, auditLog, err := newOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		defer auditLog.Close()

		results, scanErr := o.Scan(cmd.Context(), ids, scanDifferential)
		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, results); err != nil {
				return err
			}
			return scanErr
		}

		var rows [][]string
		for _, r := range results {
			if r.Err != nil {
				rows = append(rows, []string{string(r.Source), "-", "-", "-", "-", "-", failColor.Sprint(r.Err.Error())})
				continue
			}
			for i, c := range r.Candidates {
				rows = append(rows, []string{
					string(r.Source),
					strconv.Itoa(i + 1),
					c.Upgrade.Key(),
					tierLabel(c.Tier),
					c.Change,
					orDash(c.Upgrade.Version),
					orDash(c.Upgrade.AvailableVersion),
				})
			}
		}
		if len(rows) == 0 {
			fmt.Fprintln(out, "No upgrades available.")
			return scanErr
		}
		if err := renderTable(out, []string{"Source", "#", "Package", "Tier", "Change", "Installed", "Available"}, rows); err != nil {
			return err
		}
		return scanErr
	},
}

func init() {
	scanCmd.Flags().StringSliceVarP(&scanSources, "source", "s", nil, "sources to scan; default is all configured")
	scanCmd.Flags().BoolVar(&scanDifferential, "differential", false, "hide packages whose version is unchanged since the last run")
	rootCmd.AddCommand(scanCmd)
}
