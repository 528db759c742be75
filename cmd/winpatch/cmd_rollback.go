package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/orchestrator"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/privilege"
)

var (
	rbSource  string
	rbVersion string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <package>...",
	Short: "Reinstall the previous version of one or more packages",
	Long: `Reinstall the version recorded before the last successful upgrade, or the
version given with --version. Rollbacks do not touch the version cache.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := privilege.Check(cmd.Name()); err != nil {
			return err
		}
		src, err := patching.ParseSource(rbSource)
		if err != nil {
			return err
		}
		if rbVersion != "" && len(args) > 1 {
			return errors.New("--version applies to a single package")
		}

		ok, err := confirm(
			fmt.Sprintf("Roll back %s from %s?", strings.Join(args, ", "), src),
			"The selected packages will be reinstalled at an older version.")
		if err != nil {
			return err
		}
		if !ok {
			return errAborted
		}

		o, auditLog, err := newOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		defer auditLog.Close()

		reqs := make([]orchestrator.RollbackRequest, len(args))
		for i, name := range args {
			reqs[i] = orchestrator.RollbackRequest{PackageName: name, Source: src, Version: rbVersion}
		}
		results, rbErr := o.RollbackAll(cmd.Context(), reqs)

		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, results); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{string(r.Source), r.Name, orDash(r.PreviousVersion), orDash(r.Version), statusLabel(r.Success), r.Error})
			}
			if err := renderTable(out, []string{"Source", "Package", "From", "To", "Status", "Error"}, rows); err != nil {
				return err
			}
		}
		if rbErr != nil {
			log.Error("rollback finished with failures", logging.KeyError, rbErr.Error())
			return errRunFailed
		}
		return nil
	},
}

func init() {
	rollbackCmd.Flags().StringVarP(&rbSource, "source", "s", "", "package source")
	rollbackCmd.Flags().StringVar(&rbVersion, "version", "", "version to install instead of the recorded previous version")
	_ = rollbackCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(rollbackCmd)
}
