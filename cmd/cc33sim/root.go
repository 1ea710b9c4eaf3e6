package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cc33sim",
	Short: "CC33xx control plane simulator",
	Long: `cc33sim drives the CC33xx host control plane against an in-memory
firmware model.

  run     boot the device, run a YAML scenario and record a trace
  decode  print a trace recorded by run`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level: trace, debug, info, warn, error")
}

func newLogger() (*slog.Logger, error) {
	var lvl slog.Level
	switch logLevel {
	case "trace":
		lvl = slog.LevelDebug - 1
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", logLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})), nil
}
