package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/db"
	"github.com/marcus/foreman/internal/locks"
	"github.com/marcus/foreman/internal/logging"
	"github.com/marcus/foreman/internal/orchestrator"
	"github.com/marcus/foreman/internal/registry"
	"github.com/marcus/foreman/internal/scheduler"
)

const (
	pidFileName = "foreman.pid"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the foreman background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the foreman daemon as a background process.

The daemon restores lock state from disk, runs the periodic maintenance
sweep (expired lock reclamation and stale worker recovery), and watches
the lock directory for out-of-band changes.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running foreman daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check if the foreman daemon is running and show status information.`,
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// pidFilePath returns the path to the PID file.
func pidFilePath(cfg *config.Config) string {
	dir := cfg.DataDir
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	return filepath.Join(dir, pidFileName)
}

// writePidFile writes the current process PID to the PID file.
func writePidFile(cfg *config.Config) error {
	path := pidFilePath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPidFile reads the PID from the PID file.
func readPidFile(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(pidFilePath(cfg))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// removePidFile removes the PID file.
func removePidFile(cfg *config.Config) error {
	return os.Remove(pidFilePath(cfg))
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; send signal 0 to check if alive
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// isDaemonRunning checks if the daemon is currently running.
func isDaemonRunning(cfg *config.Config) (bool, int) {
	pid, err := readPidFile(cfg)
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if running, pid := isDaemonRunning(cfg); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cfg)
	}

	// Daemonize: start a new process with --foreground flag
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	childArgs := []string{"daemon", "start", "--foreground"}
	if configPathFlag != "" {
		childArgs = append(childArgs, "--config", configPathFlag)
	}
	daemonProc := exec.Command(executable, childArgs...)
	daemonProc.Stdout = nil
	daemonProc.Stderr = nil
	daemonProc.Stdin = nil
	// Detach from parent process group
	daemonProc.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := daemonProc.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("daemon started (pid %d)\n", daemonProc.Process.Pid)
	return nil
}

func runDaemonLoop(cfg *config.Config) error {
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("daemon")

	if err := writePidFile(cfg); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile(cfg) }()

	log.Info("daemon starting")

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = database.Close() }()

	lm, err := locks.NewManager(cfg.Locks.Dir, locks.WithLease(cfg.Locks.Lease))
	if err != nil {
		return fmt.Errorf("init lock manager: %w", err)
	}
	restored, err := lm.LoadFromDisk()
	if err != nil {
		return fmt.Errorf("restore locks: %w", err)
	}
	if restored > 0 {
		log.Infof("restored %d locks from disk", restored)
	}

	// The registry and orchestrator live in this process only. Until the
	// daemon grows an API for registering workers and claiming tasks,
	// other processes coordinate through the lock records on disk; the
	// sweep and the watcher below cover that surface.
	reg := registry.New()
	journal := db.NewJournal(database)
	orch, err := orchestrator.New(lm, reg, orchestrator.WithJournal(journal))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	// Set up context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	sched := scheduler.New()
	sweep := scheduler.NewMaintenance(lm, reg, orch, cfg.Workers.StaleThreshold)
	sweep.Events = journal
	if err := sched.AddCron(cfg.Sweep.Cron, "maintenance", sweep.Run); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	sched.Start()

	// Surface lock records written or removed by other processes.
	go func() {
		err := lm.Watch(ctx, func(ch locks.Change) {
			log.InfoEvent().
				Str("record", ch.Record).
				Str("kind", string(ch.Kind)).
				Msg("Lock record changed on disk")
		})
		if err != nil && ctx.Err() == nil {
			log.Errorf("lock watcher: %v", err)
		}
	}()

	log.InfoEvent().
		Str("sweep", cfg.Sweep.Cron).
		Dur("lease", cfg.Locks.Lease).
		Dur("stale_threshold", cfg.Workers.StaleThreshold).
		Msg("Daemon running")

	<-ctx.Done()

	sched.Stop()
	log.Info("daemon stopped")
	return nil
}

func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:         cfg.Log.Level,
		Path:          cfg.Log.Path,
		Format:        cfg.Log.Format,
		RetentionDays: cfg.Log.RetentionDays,
	})
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := isDaemonRunning(cfg)
	if !running {
		// Check if PID file exists but process is dead
		if _, err := readPidFile(cfg); err == nil {
			_ = removePidFile(cfg)
			fmt.Println("daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Println("daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	fmt.Printf("stopping daemon (pid %d)...\n", pid)

	// Wait for process to exit (with timeout)
	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			fmt.Println("daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile(cfg)
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Println("daemon stopped")
				_ = removePidFile(cfg)
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := isDaemonRunning(cfg)
	if !running {
		fmt.Println("Status: not running")
		return nil
	}

	fmt.Printf("Status: running\n")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("Sweep: cron %s\n", cfg.Sweep.Cron)
	fmt.Printf("Lease: %s\n", cfg.Locks.Lease)
	fmt.Printf("PID file: %s\n", pidFilePath(cfg))
	return nil
}
