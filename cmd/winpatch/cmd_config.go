package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/winpatch/internal/config"
)

var (
	showSecrets bool
	initForce   bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration",
	Annotations: map[string]string{tolerateInvalidConfig: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings := cfg.Settings(!showSecrets)
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), settings)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configValidateCmd = &cobra.Command{
	Use:         "validate",
	Short:       "Report configuration errors and clamped values",
	Annotations: map[string]string{tolerateInvalidConfig: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		path := config.UsedConfigFile(cfgFile)
		if path == "" {
			path = "(defaults)"
		}
		fmt.Fprintf(out, "Config: %s\n", path)
		for _, err := range cfgResult.Fatals {
			fmt.Fprintln(out, failColor.Sprint("error:   ")+err.Error())
		}
		for _, err := range cfgResult.Warnings {
			fmt.Fprintln(out, warnColor.Sprint("warning: ")+err.Error())
		}
		if cfgResult.HasFatals() {
			return fmt.Errorf("%d configuration errors", len(cfgResult.Fatals))
		}
		fmt.Fprintln(out, okColor.Sprint("Configuration is valid."))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default configuration file",
	Annotations: map[string]string{tolerateInvalidConfig: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultFile()
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.SaveTo(config.Default(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print credentials unmasked")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
