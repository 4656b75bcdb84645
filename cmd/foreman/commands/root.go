// Package commands implements the foreman CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/config"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Task coordination for mixed human and agent teams",
	Long: `Foreman coordinates parallel work across human developers and
autonomous coding agents: it queues tasks, matches them to workers by
skill and capacity, and hands out exclusive file locks so no two tasks
collide on the same source files.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Config file path (default ~/.config/foreman/foreman.yaml)")
}

// loadConfig loads the config honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(configPathFlag)
}
