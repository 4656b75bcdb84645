package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/db"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator state",
	Long:  `Summarize lock state on disk and the most recent task activity.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lm, err := openLockManager()
	if err != nil {
		return err
	}
	stats := lm.Stats()
	fmt.Printf("Locks: %d active, %d expired (%s)\n", stats.Active, stats.Expired, cfg.Locks.Dir)

	if running, pid := isDaemonRunning(cfg); running {
		fmt.Printf("Daemon: running (pid %d)\n", pid)
	} else {
		fmt.Println("Daemon: not running")
	}

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = database.Close() }()

	recent, err := db.NewJournal(database).RecentTransitions(5)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Println("Recent activity: none")
		return nil
	}

	fmt.Println("Recent activity:")
	for _, tr := range recent {
		fmt.Printf("  %s  %s -> %s  %s\n",
			tr.OccurredAt.Format("2006-01-02 15:04"), tr.TaskID, tr.ToStatus, tr.WorkerID)
	}
	return nil
}
