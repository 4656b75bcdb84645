package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/marcus/foreman/internal/clock"
)

func TestRegisterDefaults(t *testing.T) {
	r := New()

	human, err := r.Register("marcus", KindHuman, []string{"review"}, 0)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if human.MaxTasks != DefaultHumanCapacity {
		t.Errorf("human capacity = %d, want %d", human.MaxTasks, DefaultHumanCapacity)
	}
	if !strings.HasPrefix(human.ID, "human-") {
		t.Errorf("human id = %q, want human- prefix", human.ID)
	}
	if human.Status != StatusIdle {
		t.Errorf("status = %s, want idle", human.Status)
	}

	agent, err := r.Register("builder", KindAgent, []string{"codegen"}, 0)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if agent.MaxTasks != DefaultAgentCapacity {
		t.Errorf("agent capacity = %d, want %d", agent.MaxTasks, DefaultAgentCapacity)
	}
	if !strings.HasPrefix(agent.ID, "agent-") {
		t.Errorf("agent id = %q, want agent- prefix", agent.ID)
	}

	custom, err := r.Register("solo", KindAgent, nil, 1)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if custom.MaxTasks != 1 {
		t.Errorf("custom capacity = %d, want 1", custom.MaxTasks)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	if _, err := r.Register("", KindHuman, nil, 0); err == nil {
		t.Error("Register with empty name should fail")
	}
	if _, err := r.Register("x", Kind("robot"), nil, 0); err == nil {
		t.Error("Register with unknown kind should fail")
	}
}

func TestUnregisterRefusedWhileBusy(t *testing.T) {
	r := New()
	w, _ := r.Register("builder", KindAgent, nil, 0)

	if !r.AssignTask(w.ID, "task-1") {
		t.Fatal("AssignTask failed")
	}
	if r.Unregister(w.ID) {
		t.Error("Unregister should be refused while tasks are assigned")
	}
	if _, ok := r.Get(w.ID); !ok {
		t.Fatal("worker removed despite refusal")
	}

	r.UnassignTask(w.ID, "task-1")
	if !r.Unregister(w.ID) {
		t.Error("Unregister should succeed once idle")
	}
	if _, ok := r.Get(w.ID); ok {
		t.Error("worker still present after unregister")
	}
	if r.Unregister("agent-deadbeef") {
		t.Error("Unregister of unknown worker should return false")
	}
}

func TestAssignUnassignStatusFlips(t *testing.T) {
	r := New()
	w, _ := r.Register("builder", KindAgent, nil, 2)

	r.AssignTask(w.ID, "task-1")
	got, _ := r.Get(w.ID)
	if got.Status != StatusWorking {
		t.Errorf("status after assign = %s, want working", got.Status)
	}

	r.AssignTask(w.ID, "task-2")
	if r.AssignTask(w.ID, "task-3") {
		t.Error("AssignTask over capacity should fail")
	}
	got, _ = r.Get(w.ID)
	if len(got.CurrentTasks) != 2 {
		t.Errorf("current tasks = %d, want 2", len(got.CurrentTasks))
	}

	r.UnassignTask(w.ID, "task-1")
	got, _ = r.Get(w.ID)
	if got.Status != StatusWorking {
		t.Errorf("status with one task left = %s, want working", got.Status)
	}

	r.UnassignTask(w.ID, "task-2")
	got, _ = r.Get(w.ID)
	if got.Status != StatusIdle {
		t.Errorf("status with no tasks = %s, want idle", got.Status)
	}

	if r.UnassignTask(w.ID, "task-9") {
		t.Error("UnassignTask of unheld task should return false")
	}
}

func TestFindBestWorkerRanking(t *testing.T) {
	r := New()

	// Not eligible: missing a required skill.
	r.Register("docs-only", KindHuman, []string{"docs"}, 0)
	// Eligible generalist with a light load.
	gen, _ := r.Register("generalist", KindAgent, []string{"codegen", "test"}, 5)
	// Eligible specialist with the larger skill set wins the tie.
	spec, _ := r.Register("specialist", KindAgent, []string{"codegen", "test", "review"}, 5)

	best := r.FindBestWorker([]string{"codegen", "test"})
	if best == nil || best.ID != spec.ID {
		t.Fatalf("best = %+v, want specialist %s", best, spec.ID)
	}

	// Load the specialist; with equal skills the lighter worker wins.
	twin, _ := r.Register("twin", KindAgent, []string{"codegen", "test", "review"}, 5)
	r.AssignTask(spec.ID, "task-1")
	best = r.FindBestWorker([]string{"codegen", "test"})
	if best == nil || best.ID != twin.ID {
		t.Fatalf("best = %+v, want least-loaded twin %s", best, twin.ID)
	}

	// Fill everyone with matching skills; nothing qualifies.
	for i := 0; i < 5; i++ {
		r.AssignTask(spec.ID, "s")
		r.AssignTask(twin.ID, "t")
		r.AssignTask(gen.ID, "g")
	}
	if got := r.FindBestWorker([]string{"codegen", "test"}); got != nil {
		t.Errorf("best with all at capacity = %+v, want nil", got)
	}

	if got := r.FindBestWorker([]string{"deploy"}); got != nil {
		t.Errorf("best for unknown skill = %+v, want nil", got)
	}
}

func TestFindBestWorkerSkipsOffline(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r := New(WithClock(fake))

	a, _ := r.Register("a", KindAgent, []string{"codegen"}, 0)
	fake.Advance(5 * time.Minute)
	b, _ := r.Register("b", KindAgent, []string{"codegen"}, 0)

	fake.Advance(6 * time.Minute)
	stale := r.CheckStale(DefaultStaleThreshold)
	if len(stale) != 1 || stale[0].ID != a.ID {
		t.Fatalf("stale = %+v, want just %s", stale, a.ID)
	}

	best := r.FindBestWorker([]string{"codegen"})
	if best == nil || best.ID != b.ID {
		t.Fatalf("best = %+v, want online worker %s", best, b.ID)
	}
}

func TestCheckStaleAndHeartbeatRecovery(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r := New(WithClock(fake))

	w, _ := r.Register("builder", KindAgent, nil, 0)
	r.AssignTask(w.ID, "task-1")

	fake.Advance(11 * time.Minute)
	stale := r.CheckStale(0)
	if len(stale) != 1 {
		t.Fatalf("stale count = %d, want 1", len(stale))
	}
	got, _ := r.Get(w.ID)
	if got.Status != StatusOffline {
		t.Errorf("status = %s, want offline", got.Status)
	}
	if len(got.CurrentTasks) != 1 {
		t.Errorf("CheckStale unassigned tasks; got %d, want 1 still held", len(got.CurrentTasks))
	}

	// Already-offline workers are not reported twice.
	fake.Advance(time.Minute)
	if again := r.CheckStale(0); len(again) != 0 {
		t.Errorf("second sweep reported %d workers, want 0", len(again))
	}

	if !r.Heartbeat(w.ID) {
		t.Fatal("Heartbeat failed")
	}
	got, _ = r.Get(w.ID)
	if got.Status != StatusWorking {
		t.Errorf("status after heartbeat = %s, want working", got.Status)
	}
	if r.Heartbeat("agent-deadbeef") {
		t.Error("Heartbeat for unknown worker should return false")
	}
}

func TestStats(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r := New(WithClock(fake))

	a, _ := r.Register("a", KindAgent, nil, 0)
	r.Register("b", KindHuman, nil, 0)
	r.Register("c", KindAgent, nil, 0)

	r.AssignTask(a.ID, "task-1")
	r.AssignTask(a.ID, "task-2")

	// a heartbeats just before the sweep; b and c go stale.
	fake.Advance(11 * time.Minute)
	r.Heartbeat(a.ID)
	stale := r.CheckStale(0)
	if len(stale) != 2 {
		t.Fatalf("stale count = %d, want 2", len(stale))
	}

	s := r.Stats()
	if s.Total != 3 || s.Working != 1 || s.Offline != 2 || s.Idle != 0 {
		t.Errorf("stats = %+v, want total=3 working=1 offline=2", s)
	}
	if s.Capacity != DefaultAgentCapacity*2+DefaultHumanCapacity {
		t.Errorf("capacity = %d, want %d", s.Capacity, DefaultAgentCapacity*2+DefaultHumanCapacity)
	}
	if s.Load != 2 {
		t.Errorf("load = %d, want 2", s.Load)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	w, _ := r.Register("builder", KindAgent, []string{"codegen"}, 0)

	got, _ := r.Get(w.ID)
	got.Skills[0] = "mutated"
	got.CurrentTasks = append(got.CurrentTasks, "task-x")

	fresh, _ := r.Get(w.ID)
	if fresh.Skills[0] != "codegen" {
		t.Error("Get exposed internal skill slice")
	}
	if len(fresh.CurrentTasks) != 0 {
		t.Error("Get exposed internal task slice")
	}
}
