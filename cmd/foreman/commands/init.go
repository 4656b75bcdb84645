package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/config"
)

var initForceFlag bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long:  `Write a starter config with defaults to the config path (or --config).`,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForceFlag, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPathFlag
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil && !initForceFlag {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	dataDir := config.DefaultDataDir()
	cfg := &config.Config{
		DataDir: dataDir,
		Locks: config.LocksConfig{
			Dir:   filepath.Join(dataDir, "locks"),
			Lease: time.Hour,
		},
		Workers: config.WorkersConfig{
			StaleThreshold: 10 * time.Minute,
		},
		Sweep: config.SweepConfig{
			Cron: "*/5 * * * *",
		},
		Log: config.LogConfig{
			Level:         "info",
			Format:        "json",
			Path:          filepath.Join(dataDir, "logs"),
			RetentionDays: 14,
		},
		DB: config.DBConfig{
			Path: filepath.Join(dataDir, "foreman.db"),
		},
	}

	if err := config.Write(cfg, path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote config to %s\n", path)
	return nil
}
