package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/db"
	"github.com/marcus/foreman/internal/planner"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work with tasks",
	Long:  `Build task plans from work items and inspect task history.`,
}

var (
	planIssueFlag int
	planDescFlag  string
	planFilesFlag []string
)

var taskPlanCmd = &cobra.Command{
	Use:   "plan <title>",
	Short: "Expand a work item into a task plan",
	Long: `Expand a work item into the standard analyze / implement / verify /
review task sequence and print it as JSON. The output can be reviewed
or fed to whatever submits tasks to a running coordinator.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskPlan,
}

var historyLimitFlag int

var taskHistoryCmd = &cobra.Command{
	Use:   "history [task-id]",
	Short: "Show recorded task transitions",
	Long: `Show the transition history recorded in the audit database, either
for one task or the most recent transitions across all tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTaskHistory,
}

func init() {
	taskPlanCmd.Flags().IntVar(&planIssueFlag, "issue", 0, "Issue number the work item came from")
	taskPlanCmd.Flags().StringVar(&planDescFlag, "description", "", "Work item description")
	taskPlanCmd.Flags().StringSliceVar(&planFilesFlag, "file", nil, "File the implement step will modify (repeatable)")
	taskHistoryCmd.Flags().IntVar(&historyLimitFlag, "limit", 20, "Max transitions to show")
	taskCmd.AddCommand(taskPlanCmd)
	taskCmd.AddCommand(taskHistoryCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskPlan(cmd *cobra.Command, args []string) error {
	item := planner.WorkItem{
		IssueNumber: planIssueFlag,
		Title:       strings.Join(args, " "),
		Description: planDescFlag,
		Files:       planFilesFlag,
	}

	plan, err := planner.BuildPlan(item)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

func runTaskHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = database.Close() }()

	journal := db.NewJournal(database)

	var transitions []db.Transition
	if len(args) == 1 {
		transitions, err = journal.TransitionsForTask(args[0])
	} else {
		transitions, err = journal.RecentTransitions(historyLimitFlag)
	}
	if err != nil {
		return err
	}

	if len(transitions) == 0 {
		fmt.Println("no recorded transitions")
		return nil
	}

	fmt.Printf("%-24s %-20s %-12s %-12s %-14s %s\n", "TIME", "TASK", "FROM", "TO", "WORKER", "REASON")
	for _, tr := range transitions {
		from := tr.FromStatus
		if from == "" {
			from = "-"
		}
		fmt.Printf("%-24s %-20s %-12s %-12s %-14s %s\n",
			tr.OccurredAt.Format("2006-01-02 15:04:05"), tr.TaskID, from, tr.ToStatus, tr.WorkerID, tr.Reason)
	}
	return nil
}
