// Package cli implements the artemis command line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/redmage123/artemis-sub002/slogger"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "artemis",
	Short: "Artemis runs supervised multi-stage pipelines",
	Long: `Artemis executes multi-stage pipelines defined in YAML or JSON files,
supervising every stage with health monitoring, circuit breaking, retry
with backoff, and checkpoint-based resume.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level to use (debug, info, warn, error)")
}

func newLogger() slogger.Logger {
	return slogger.New(slogger.LevelFromString(logLevel))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
