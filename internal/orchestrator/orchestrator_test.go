package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcus/foreman/internal/clock"
	"github.com/marcus/foreman/internal/locks"
	"github.com/marcus/foreman/internal/registry"
)

func newTestCore(t *testing.T) (*Orchestrator, *registry.Registry, *locks.Manager, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	lm, err := locks.NewManager(t.TempDir(), locks.WithClock(fake))
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	reg := registry.New(registry.WithClock(fake))
	o, err := New(lm, reg, WithClock(fake))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return o, reg, lm, fake
}

func newTask(id string, priority int, files ...string) *Task {
	return &Task{
		ID:       id,
		Kind:     KindChangeProposal,
		Title:    "task " + id,
		Priority: priority,
		Files:    files,
	}
}

func TestAddTaskValidation(t *testing.T) {
	o, _, _, _ := newTestCore(t)

	if err := o.AddTask(nil); err == nil {
		t.Error("AddTask(nil) should fail")
	}
	if err := o.AddTask(&Task{ID: "t1", Title: "x", Kind: "mystery", Priority: 1}); err == nil {
		t.Error("AddTask with unknown kind should fail")
	}
	if err := o.AddTask(&Task{ID: "t1", Title: "x", Kind: KindDoc, Priority: 9}); err == nil {
		t.Error("AddTask with out-of-range priority should fail")
	}

	if err := o.AddTask(newTask("t1", 3)); err != nil {
		t.Fatalf("AddTask() error: %v", err)
	}
	if err := o.AddTask(newTask("t1", 3)); !errors.Is(err, ErrTaskExists) {
		t.Errorf("duplicate AddTask error = %v, want ErrTaskExists", err)
	}
}

func TestAvailableTasksOrdering(t *testing.T) {
	o, _, _, fake := newTestCore(t)

	o.AddTask(newTask("low", 4))
	fake.Advance(time.Second)
	o.AddTask(newTask("high-old", 1))
	fake.Advance(time.Second)
	o.AddTask(newTask("high-new", 1))
	fake.Advance(time.Second)
	o.AddTask(newTask("mid", 2))

	got := o.AvailableTasks(nil)
	want := []string{"high-old", "high-new", "mid", "low"}
	if len(got) != len(want) {
		t.Fatalf("available = %d tasks, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("available[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestAvailableTasksSkillFilter(t *testing.T) {
	o, _, _, _ := newTestCore(t)

	easy := newTask("easy", 2)
	o.AddTask(easy)
	hard := newTask("hard", 1)
	hard.RequiredSkills = []string{"codegen", "review"}
	o.AddTask(hard)

	got := o.AvailableTasks([]string{"codegen"})
	if len(got) != 1 || got[0].ID != "easy" {
		t.Fatalf("available = %+v, want just easy", got)
	}

	got = o.AvailableTasks([]string{"codegen", "review", "docs"})
	if len(got) != 2 {
		t.Fatalf("available = %d tasks, want 2", len(got))
	}
}

func TestDependencyGating(t *testing.T) {
	o, reg, _, _ := newTestCore(t)
	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)

	o.AddTask(newTask("t1", 1, "a.go"))
	t2 := newTask("t2", 1, "b.go")
	t2.Dependencies = []string{"t1"}
	o.AddTask(t2)

	// t2 is gated while t1 is anything but completed.
	if got := o.AvailableTasks(nil); len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("available = %+v, want just t1", got)
	}
	res, err := o.Claim(w.ID, "t2")
	if err != nil || res.Claimed {
		t.Fatalf("Claim(t2) = %+v, %v; want unclaimed result", res, err)
	}

	mustClaim(t, o, w.ID, "t1")
	if got := o.AvailableTasks(nil); len(got) != 0 {
		t.Fatalf("available with t1 claimed = %+v, want none", got)
	}
	if err := o.Start(w.ID, "t1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := o.Complete("t1", true); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	got := o.AvailableTasks(nil)
	if len(got) != 1 || got[0].ID != "t2" {
		t.Fatalf("available after t1 completes = %+v, want t2", got)
	}

	// A failed dependency keeps the dependent gated.
	t3 := newTask("t3", 1)
	o.AddTask(t3)
	t4 := newTask("t4", 1)
	t4.Dependencies = []string{"t3"}
	o.AddTask(t4)
	mustClaim(t, o, w.ID, "t3")
	o.Start(w.ID, "t3")
	o.Complete("t3", false)
	for _, a := range o.AvailableTasks(nil) {
		if a.ID == "t4" {
			t.Error("t4 available despite failed dependency")
		}
	}
}

func mustClaim(t *testing.T, o *Orchestrator, workerID, taskID string) {
	t.Helper()
	res, err := o.Claim(workerID, taskID)
	if err != nil {
		t.Fatalf("Claim(%s) error: %v", taskID, err)
	}
	if !res.Claimed {
		t.Fatalf("Claim(%s) not claimed: %s", taskID, res.Reason)
	}
}

func TestClaimLifecycle(t *testing.T) {
	o, reg, lm, _ := newTestCore(t)
	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)

	o.AddTask(newTask("t1", 1, "a.go", "b.go"))
	mustClaim(t, o, w.ID, "t1")

	got, _ := o.Get("t1")
	if got.Status != StatusClaimed || got.AssignedWorker != w.ID || got.ClaimedAt == nil {
		t.Fatalf("claimed task = %+v", got)
	}
	if held := lm.HeldBy("t1"); len(held) != 2 {
		t.Errorf("locks held by t1 = %v, want a.go and b.go", held)
	}
	if reged, _ := reg.Get(w.ID); len(reged.CurrentTasks) != 1 {
		t.Error("worker slot not reserved after claim")
	}

	if err := o.Start(w.ID, "t1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	got, _ = o.Get("t1")
	if got.Status != StatusInProgress || got.StartedAt == nil {
		t.Fatalf("started task = %+v", got)
	}

	if err := o.Complete("t1", true); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	got, _ = o.Get("t1")
	if got.Status != StatusCompleted || got.AssignedWorker != "" || got.CompletedAt == nil {
		t.Fatalf("completed task = %+v", got)
	}
	if held := lm.HeldBy("t1"); len(held) != 0 {
		t.Errorf("locks survived completion: %v", held)
	}
	if reged, _ := reg.Get(w.ID); len(reged.CurrentTasks) != 0 {
		t.Error("worker slot not freed after completion")
	}
}

func TestClaimContentionResults(t *testing.T) {
	o, reg, _, _ := newTestCore(t)
	a, _ := reg.Register("a", registry.KindAgent, nil, 0)
	b, _ := reg.Register("b", registry.KindAgent, nil, 0)

	o.AddTask(newTask("t1", 1, "shared.go"))
	o.AddTask(newTask("t2", 1, "shared.go"))
	mustClaim(t, o, a.ID, "t1")

	// File conflict is a result naming the owner, not an error.
	res, err := o.Claim(b.ID, "t2")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if res.Claimed {
		t.Fatal("overlapping claim succeeded")
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].TaskID != "t1" {
		t.Fatalf("conflicts = %+v, want lock owned by t1", res.Conflicts)
	}

	// Worker at capacity is also a result, and the locks taken during
	// the attempt are unwound.
	solo, _ := reg.Register("solo", registry.KindAgent, nil, 1)
	o.AddTask(newTask("t3", 1, "c.go"))
	o.AddTask(newTask("t4", 1, "d.go"))
	mustClaim(t, o, solo.ID, "t3")
	res, err = o.Claim(solo.ID, "t4")
	if err != nil || res.Claimed {
		t.Fatalf("Claim over capacity = %+v, %v; want unclaimed result", res, err)
	}
	mustClaim(t, o, b.ID, "t4")
}

func TestClaimUnknowns(t *testing.T) {
	o, reg, _, _ := newTestCore(t)
	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)
	o.AddTask(newTask("t1", 1))

	if _, err := o.Claim(w.ID, "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Claim(ghost) error = %v, want ErrTaskNotFound", err)
	}
	if _, err := o.Claim("agent-deadbeef", "t1"); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("Claim by unknown worker error = %v, want ErrWorkerNotFound", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	o, reg, _, _ := newTestCore(t)
	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)

	o.AddTask(newTask("t1", 1))

	// start before claim
	var ite *InvalidTransitionError
	err := o.Start(w.ID, "t1")
	if !errors.As(err, &ite) || ite.From != StatusPending {
		t.Errorf("Start on pending = %v, want InvalidTransitionError from pending", err)
	}
	// complete before start
	if err := o.Complete("t1", true); !errors.As(err, &ite) {
		t.Errorf("Complete on pending = %v, want InvalidTransitionError", err)
	}
	// release on pending
	if err := o.Release("t1", "test"); !errors.As(err, &ite) {
		t.Errorf("Release on pending = %v, want InvalidTransitionError", err)
	}

	mustClaim(t, o, w.ID, "t1")
	// double claim
	if _, err := o.Claim(w.ID, "t1"); !errors.As(err, &ite) {
		t.Errorf("second Claim = %v, want InvalidTransitionError", err)
	}
	// start by non-assignee
	stranger, _ := reg.Register("stranger", registry.KindAgent, nil, 0)
	if err := o.Start(stranger.ID, "t1"); !errors.Is(err, ErrNotAssignee) {
		t.Errorf("Start by non-assignee = %v, want ErrNotAssignee", err)
	}

	o.Start(w.ID, "t1")
	o.Complete("t1", true)
	// anything after terminal
	if err := o.Release("t1", "test"); !errors.As(err, &ite) {
		t.Errorf("Release on completed = %v, want InvalidTransitionError", err)
	}
}

func TestReleaseRequeues(t *testing.T) {
	o, reg, lm, _ := newTestCore(t)
	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)

	o.AddTask(newTask("t1", 1, "a.go"))
	mustClaim(t, o, w.ID, "t1")
	o.Start(w.ID, "t1")

	if err := o.Release("t1", "worker stalled"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	got, _ := o.Get("t1")
	if got.Status != StatusPending || got.AssignedWorker != "" || got.ClaimedAt != nil || got.StartedAt != nil {
		t.Fatalf("released task = %+v", got)
	}
	if held := lm.HeldBy("t1"); len(held) != 0 {
		t.Errorf("locks survived release: %v", held)
	}
	if reged, _ := reg.Get(w.ID); len(reged.CurrentTasks) != 0 {
		t.Error("worker still holds released task")
	}

	// Claimable again, by anyone.
	other, _ := reg.Register("other", registry.KindAgent, nil, 0)
	mustClaim(t, o, other.ID, "t1")
}

func TestReleaseWorkerTasks(t *testing.T) {
	o, reg, _, _ := newTestCore(t)
	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)
	bystander, _ := reg.Register("bystander", registry.KindAgent, nil, 0)

	o.AddTask(newTask("t1", 1, "a.go"))
	o.AddTask(newTask("t2", 1, "b.go"))
	o.AddTask(newTask("t3", 1, "c.go"))
	mustClaim(t, o, w.ID, "t1")
	mustClaim(t, o, w.ID, "t2")
	o.Start(w.ID, "t2")
	mustClaim(t, o, bystander.ID, "t3")

	released := o.ReleaseWorkerTasks(w.ID, "worker offline")
	if len(released) != 2 {
		t.Fatalf("released = %v, want t1 and t2", released)
	}
	for _, id := range []string{"t1", "t2"} {
		got, _ := o.Get(id)
		if got.Status != StatusPending {
			t.Errorf("task %s status = %s, want pending", id, got.Status)
		}
	}
	got, _ := o.Get("t3")
	if got.Status != StatusClaimed || got.AssignedWorker != bystander.ID {
		t.Errorf("bystander task disturbed: %+v", got)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	o, reg, _, _ := newTestCore(t)

	o.AddTask(newTask("t1", 1, "a.go"))

	const n = 8
	var ids [n]string
	for i := 0; i < n; i++ {
		w, _ := reg.Register(fmt.Sprintf("w%d", i), registry.KindAgent, nil, 0)
		ids[i] = w.ID
	}

	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			res, err := o.Claim(workerID, "t1")
			if err != nil {
				var ite *InvalidTransitionError
				if !errors.As(err, &ite) {
					t.Errorf("Claim() error: %v", err)
				}
				return
			}
			if res.Claimed {
				wins <- workerID
			}
		}(ids[i])
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	got, _ := o.Get("t1")
	if got.AssignedWorker != winners[0] {
		t.Errorf("assigned worker = %s, want winner %s", got.AssignedWorker, winners[0])
	}
}

// The end-to-end scenario: two equally skilled capacity-1 workers race
// for one task; one wins, the loser sees the winner's lock, and after
// completion the file is free.
func TestEndToEndContention(t *testing.T) {
	o, reg, lm, _ := newTestCore(t)
	a, _ := reg.Register("a", registry.KindHuman, []string{"codegen"}, 1)
	b, _ := reg.Register("b", registry.KindAgent, []string{"codegen"}, 1)

	task := newTask("t1", 1, "a.ts")
	task.RequiredSkills = []string{"codegen"}
	o.AddTask(task)

	for _, w := range []*registry.Worker{a, b} {
		avail := o.AvailableTasks(w.Skills)
		if len(avail) != 1 || avail[0].ID != "t1" {
			t.Fatalf("available for %s = %+v", w.ID, avail)
		}
	}

	resA, errA := o.Claim(a.ID, "t1")
	var resB *ClaimResult
	var errB error
	if resA != nil && resA.Claimed {
		resB, errB = o.Claim(b.ID, "t1")
	} else {
		t.Fatalf("first claim failed: %+v, %v", resA, errA)
	}

	// The loser's claim fails as an invalid transition since the task
	// already left pending; a lock probe names the owner.
	var ite *InvalidTransitionError
	if !errors.As(errB, &ite) {
		t.Fatalf("loser claim = %+v, %v; want InvalidTransitionError", resB, errB)
	}
	conflicts := lm.Conflicts([]string{"a.ts"})
	if len(conflicts) != 1 || conflicts[0].TaskID != "t1" {
		t.Fatalf("conflicts = %+v, want lock held by t1", conflicts)
	}

	if err := o.Start(a.ID, "t1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := o.Complete("t1", true); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got := lm.Conflicts([]string{"a.ts"}); len(got) != 0 {
		t.Errorf("a.ts still locked after completion: %+v", got)
	}
	got, _ := o.Get("t1")
	if got.Status != StatusCompleted {
		t.Errorf("final status = %s, want completed", got.Status)
	}
}

func TestEventsAndJournal(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	lm, _ := locks.NewManager(t.TempDir(), locks.WithClock(fake))
	reg := registry.New(registry.WithClock(fake))

	var events []Event
	journal := &memJournal{}
	o, err := New(lm, reg,
		WithClock(fake),
		WithJournal(journal),
		WithEventHandler(func(e Event) { events = append(events, e) }),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)
	o.AddTask(newTask("t1", 1, "a.go"))
	mustClaim(t, o, w.ID, "t1")
	o.Start(w.ID, "t1")
	o.Complete("t1", true)

	wantTypes := []EventType{EventTaskAdded, EventTaskClaimed, EventTaskStarted, EventTaskCompleted}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d].Type = %d, want %d", i, events[i].Type, want)
		}
	}

	if len(journal.entries) != 4 {
		t.Fatalf("journal entries = %d, want 4", len(journal.entries))
	}
	last := journal.entries[len(journal.entries)-1]
	if last.from != StatusInProgress || last.to != StatusCompleted {
		t.Errorf("last journal entry = %+v", last)
	}
}

type journalEntry struct {
	taskID   string
	from, to Status
	workerID string
	reason   string
}

type memJournal struct {
	mu      sync.Mutex
	entries []journalEntry
	fail    bool
}

func (j *memJournal) RecordTransition(taskID string, from, to Status, workerID, reason string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("journal unavailable")
	}
	j.entries = append(j.entries, journalEntry{taskID, from, to, workerID, reason})
	return nil
}

func TestJournalFailureDoesNotBlock(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	lm, _ := locks.NewManager(t.TempDir(), locks.WithClock(fake))
	reg := registry.New(registry.WithClock(fake))
	o, _ := New(lm, reg, WithClock(fake), WithJournal(&memJournal{fail: true}))

	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)
	if err := o.AddTask(newTask("t1", 1)); err != nil {
		t.Fatalf("AddTask() error: %v", err)
	}
	mustClaim(t, o, w.ID, "t1")
}

func TestStatsCounts(t *testing.T) {
	o, reg, _, _ := newTestCore(t)
	w, _ := reg.Register("builder", registry.KindAgent, nil, 0)

	for i := 1; i <= 5; i++ {
		o.AddTask(newTask(fmt.Sprintf("t%d", i), 1))
	}
	mustClaim(t, o, w.ID, "t1")
	mustClaim(t, o, w.ID, "t2")
	o.Start(w.ID, "t2")
	mustClaim(t, o, w.ID, "t3")
	o.Start(w.ID, "t3")
	o.Complete("t3", true)
	mustClaim(t, o, w.ID, "t4")
	o.Start(w.ID, "t4")
	o.Complete("t4", false)

	s := o.Stats()
	want := Stats{Total: 5, Pending: 1, Claimed: 1, InProgress: 1, Completed: 1, Failed: 1}
	if s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
}
