package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/bootstrap"
	"github.com/breeze-rmm/winpatch/internal/executor"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/privilege"
)

var (
	bootSources []string
	bootCheck   bool
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Install missing package manager CLIs (winget, choco)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sources, err := parseSourceFlags(bootSources)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			if sources, err = patching.ParseSources(cfg.Sources); err != nil {
				return err
			}
		}

		opts := bootstrap.OptionsFromConfig(cfg.Bootstrap)
		opts.AutoInstall = !bootCheck
		opts.FailOnMissingDependency = true
		if opts.AutoInstall {
			if err := privilege.Check(cmd.Name()); err != nil {
				return err
			}
		}

		statuses, bootErr := bootstrap.New(opts, executor.Exec).EnsureSources(cmd.Context(), sources)

		auditLog := openAudit()
		defer auditLog.Close()
		type statusView struct {
			Source    string `json:"source"`
			Command   string `json:"command"`
			Present   bool   `json:"present"`
			Installed bool   `json:"installed"`
			Error     string `json:"error,omitempty"`
		}
		views := make([]statusView, 0, len(statuses))
		rows := make([][]string, 0, len(statuses))
		for _, st := range statuses {
			if st.Installed {
				auditLog.Log(audit.EventBootstrap, "", map[string]any{"source": string(st.Source), "command": st.Command})
			}
			note := ""
			switch {
			case st.Installed:
				note = "installed"
			case st.Err != nil:
				note = st.Err.Error()
			}
			v := statusView{Source: string(st.Source), Command: st.Command, Present: st.Present, Installed: st.Installed}
			if st.Err != nil {
				v.Error = st.Err.Error()
			}
			views = append(views, v)
			rows = append(rows, []string{string(st.Source), st.Command, statusLabel(st.Present), note})
		}

		if outputJSON {
			if err := printJSON(cmd.OutOrStdout(), views); err != nil {
				return err
			}
		} else if err := renderTable(cmd.OutOrStdout(), []string{"Source", "Command", "Present", "Note"}, rows); err != nil {
			return err
		}
		if bootErr != nil {
			return fmt.Errorf("missing dependencies: %w", bootErr)
		}
		return nil
	},
}

func init() {
	bootstrapCmd.Flags().StringSliceVarP(&bootSources, "source", "s", nil, "sources to check (default: configured sources)")
	bootstrapCmd.Flags().BoolVar(&bootCheck, "check", false, "only report; do not install")
	rootCmd.AddCommand(bootstrapCmd)
}
