package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "braincanary"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Progressive rollout controller for generative model applications",
		Version: version,
		Long: `braincanary shifts traffic between a baseline and a canary variant in
staged steps, watching evaluation scores and rolling back automatically
when the canary regresses.

Run 'braincanary serve' to start the controller, then drive rollouts
with the client subcommands (start, status, promote, rollback, ...).`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			setLogLevel(level)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newPromoteCmd(),
		newRollbackCmd(),
		newHistoryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
