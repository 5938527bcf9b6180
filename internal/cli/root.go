// Package cli wires the modqueue binary: the worker loops, the HTTP server
// and the liveness probe.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "modqueue",
	Short:         "Persistent priority job queue fanning platform events out to modules",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(workerCmd, serverCmd, healthcheckCmd)
}

func baseHandler() slog.Handler {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
}
