// Package planner expands an incoming work item (typically an issue
// handed over by a tracker integration) into the standard sequence of
// orchestrator tasks: analyze, implement, verify, review. Each step
// depends on the previous one so the orchestrator's dependency gating
// enforces the order.
package planner

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/marcus/foreman/internal/orchestrator"
)

// WorkItem is the external unit of work a plan is built from.
type WorkItem struct {
	IssueNumber int      `json:"issue_number"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// BuildPlan turns a work item into four chained tasks. Only the
// implement step touches the item's files; analysis, verification, and
// review read the tree without reserving it.
func BuildPlan(item WorkItem) ([]*orchestrator.Task, error) {
	if strings.TrimSpace(item.Title) == "" {
		return nil, fmt.Errorf("work item title is required")
	}

	id := func(step string) string {
		return fmt.Sprintf("issue-%d-%s-%s", item.IssueNumber, step, uuid.NewString()[:8])
	}

	analyze := &orchestrator.Task{
		ID:             id("analyze"),
		Kind:           orchestrator.KindIssue,
		Title:          "Analyze issue context",
		Description:    fmt.Sprintf("Review the problem statement for %q", item.Title),
		Priority:       1,
		RequiredSkills: []string{"analyze"},
	}
	implement := &orchestrator.Task{
		ID:             id("implement"),
		Kind:           orchestrator.KindChangeProposal,
		Title:          "Implement solution",
		Description:    "Generate code changes to satisfy the requirements",
		Priority:       2,
		Dependencies:   []string{analyze.ID},
		RequiredSkills: []string{"codegen"},
		Files:          append([]string(nil), item.Files...),
	}
	verify := &orchestrator.Task{
		ID:             id("verify"),
		Kind:           orchestrator.KindTest,
		Title:          "Run verification suite",
		Description:    "Execute unit and integration tests",
		Priority:       3,
		Dependencies:   []string{implement.ID},
		RequiredSkills: []string{"test"},
	}
	review := &orchestrator.Task{
		ID:             id("review"),
		Kind:           orchestrator.KindDoc,
		Title:          "Review code changes",
		Description:    "Perform automated review of the generated changes",
		Priority:       4,
		Dependencies:   []string{verify.ID},
		RequiredSkills: []string{"review"},
	}

	return []*orchestrator.Task{analyze, implement, verify, review}, nil
}

// Submit builds a plan and enqueues every task on the orchestrator.
// All-or-nothing is not attempted here: tasks gate on their
// predecessors, so a partially submitted plan simply stays blocked.
func Submit(o *orchestrator.Orchestrator, item WorkItem) ([]*orchestrator.Task, error) {
	plan, err := BuildPlan(item)
	if err != nil {
		return nil, err
	}
	for _, t := range plan {
		if err := o.AddTask(t); err != nil {
			return nil, fmt.Errorf("submitting plan for issue %d: %w", item.IssueNumber, err)
		}
	}
	return plan, nil
}
