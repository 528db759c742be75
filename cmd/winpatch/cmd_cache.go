package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/docstore"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

var cacheSource string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the version cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List cached package versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sources := patching.AllSources
		if cacheSource != "" {
			src, err := patching.ParseSource(cacheSource)
			if err != nil {
				return err
			}
			sources = []patching.Source{src}
		}
		doc := newCache().Load()
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), doc)
		}

		var rows [][]string
		for _, src := range sources {
			for _, e := range doc.Entries(src) {
				rows = append(rows, []string{string(src), e.Name, e.Version, e.LastUpdated})
			}
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "The cache is empty.")
			return nil
		}
		return renderTable(cmd.OutOrStdout(), []string{"Source", "Package", "Version", "Last updated"}, rows)
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache age and size",
	RunE: func(cmd *cobra.Command, _ []string) error {
		stats := newCache().Statistics()
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, stats)
		}
		fmt.Fprintf(out, "Path:         %s\n", stats.Path)
		if !stats.LastUpdated.IsZero() {
			fmt.Fprintf(out, "Last updated: %s (%.1f hours / %.1f days ago)\n",
				docstore.FormatTime(stats.LastUpdated), stats.AgeHours, stats.AgeDays)
		}
		rows := make([][]string, 0, len(stats.PerSource)+1)
		for _, src := range stats.Sources() {
			rows = append(rows, []string{src, strconv.Itoa(stats.PerSource[src])})
		}
		rows = append(rows, []string{"Total", strconv.Itoa(stats.Total)})
		return renderTable(out, []string{"Source", "Packages"}, rows)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear one source or the whole cache",
	Long:  "Clearing the cache makes the next differential update treat every package as new.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newCache()
		what := "the whole version cache"
		var src patching.Source
		if cacheSource != "" {
			var err error
			if src, err = patching.ParseSource(cacheSource); err != nil {
				return err
			}
			what = "the " + string(src) + " cache"
		}

		ok, err := confirm("Clear "+what+"?", "The next update will upgrade every available package.")
		if err != nil {
			return err
		}
		if !ok {
			return errAborted
		}

		if src != "" {
			err = c.Clear(src)
		} else {
			err = c.ClearAll()
		}
		if err != nil {
			return err
		}

		auditLog := openAudit()
		defer auditLog.Close()
		auditLog.Log(audit.EventCacheClear, "", map[string]any{"source": string(src)})

		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s.\n", what)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{cacheShowCmd, cacheClearCmd} {
		c.Flags().StringVarP(&cacheSource, "source", "s", "", "limit to one source")
	}
	cacheCmd.AddCommand(cacheShowCmd, cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
