// Package main is the entry point for the dray CLI
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/dray/internal/config"
)

// exitError carries a non-zero exit status without an error message
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dray",
		Short: "Build dependency graphs of tasks to completion",
		Long: `Dray drives root tasks and the dependencies they discover to completion.

Tasks are declared in a TOML workflow file. Command tasks run a shell command
and are complete once their output exists; file tasks are external and are
complete once a path appears. Incomplete external tasks are retried under a
bounded retry and disable policy.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", os.Getenv("DRAY_CONFIG"), "Config file (TOML, YAML or JSON)")
	flags.String(config.KeyHistoryURL, "", "Build history database (sqlite://path or postgres://...)")
	flags.String(config.KeyLogLevel, "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.String(config.KeyLogFormat, "text", "Log format (text or json)")
	flags.String(config.KeyLogFile, "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(
		buildCmd(),
		historyCmd(),
		configCmd(),
	)
	return rootCmd
}

// loadConfig builds the effective configuration for cmd, with changed
// flags taking precedence over the environment and the config file
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path, cmd.Flags())
}
