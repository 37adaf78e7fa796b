package main

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/boombust/internal/domain"
)

const (
	appName = "boombust"
	version = "v1.2.0"
)

// Process exit codes. run-all distinguishes partial from total failure so
// cron wrappers can page on the right one.
const (
	exitFailure   = 1
	exitConfig    = 2
	exitPartial   = 3
	exitAllFailed = 4
)

// exitError carries a specific process exit code through cobra's error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Credit-cycle indicator collector",
		Version: version,
		Long: `boombust collects slow-moving credit-cycle indicators — corporate bond
issuance, BDC discounts to NAV, private-credit fund marks, and bank
loan-loss provisions — validates and cross-checks each reading, persists
the history, and raises alerts when configured thresholds are crossed.

One-shot collection for cron:

  boombust run bond_issuance weekly_total
  boombust run-all

Long-running mode with the cadence scheduler and HTTP surface:

  boombust serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			applyLogLevel(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "config/boombust.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the log level (trace|debug|info|warn|error)")

	runCmd := &cobra.Command{
		Use:   "run <source> <metric>",
		Short: "Run a single collection immediately",
		Long:  "Execute one collector end to end (fetch, validate, persist, alert) and exit",
		Args:  cobra.ExactArgs(2),
		RunE:  runRun,
	}

	runAllCmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every configured collection once",
		Long:  "Execute all collectors concurrently and exit non-zero when any of them fail",
		RunE:  runRunAll,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cadence scheduler and HTTP surface",
		Long:  "Start every collection on its native cadence plus the HTTP server (/health, /metrics, on-demand runs) until interrupted",
		RunE:  runServe,
	}

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate configuration and alert rules",
		Long:  "Load the configuration and the alert rule file, validate both, and print the redacted effective config",
		RunE:  runValidateConfig,
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runAllCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented process exit codes.
func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	if domain.KindOf(err) == domain.KindConfig {
		return exitConfig
	}
	return exitFailure
}

// applyLogLevel applies --log-level before any command logic runs. The
// config file's level is layered later, once the file is loaded, and only
// when the flag was not set.
func applyLogLevel(cmd *cobra.Command) {
	raw, _ := cmd.Flags().GetString("log-level")
	if raw == "" {
		return
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		log.Warn().Str("log_level", raw).Msg("Unknown log level, keeping default")
		return
	}
	zerolog.SetGlobalLevel(level)
}
