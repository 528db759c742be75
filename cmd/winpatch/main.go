package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/logging"
)

var (
	version = "0.1.0"

	cfgFile     string
	logLevel    string
	assumeYes   bool
	outputJSON  bool
	noColorFlag bool

	cfg        *config.Config
	cfgResult  config.ValidationResult
	transcript io.Closer
)

// tolerateInvalidConfig marks commands that run with fatal config errors so
// they can report them.
const tolerateInvalidConfig = "tolerate-invalid-config"

var rootCmd = &cobra.Command{
	Use:   "winpatch",
	Short: "Windows software update automation",
	Long: `winpatch keeps Microsoft Store, winget and Chocolatey packages up to date.
It skips packages whose version has not changed since the last run, orders
upgrades by priority tier, validates every upgrade and records the outcome.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if transcript != nil {
			_ = transcript.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "winpatch v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is winpatch.yaml in the config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmation prompts")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// errRunFailed marks a run that completed with package failures.
var errRunFailed = errors.New("one or more packages failed")

func exitCode(err error) int {
	if errors.Is(err, errRunFailed) {
		return 2
	}
	return 1
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd == versionCmd {
		return nil
	}
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	cfgResult = cfg.ValidateTiered()
	var out io.Writer = os.Stderr
	w, closer, terr := logging.OpenTranscript(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, os.Stderr)
	if terr == nil {
		out, transcript = w, closer
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	if terr != nil {
		log.Warn("transcript disabled", "path", cfg.LogFile, logging.KeyError, terr.Error())
	}

	setupColor()
	for _, w := range cfgResult.Warnings {
		log.Warn("config", logging.KeyError, w.Error())
	}
	if cfgResult.HasFatals() && cmd.Annotations[tolerateInvalidConfig] == "" {
		return fmt.Errorf("invalid configuration: %w", cfgResult.Err())
	}
	return nil
}

var log = logging.L("cli")
