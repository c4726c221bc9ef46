package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/supervisor"
)

// writeFakeSupervisor drops a shell script standing in for the agent binary.
func writeFakeSupervisor(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-supervisor")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const sleepyScript = `trap 'exit 0' TERM
sleep 10 &
wait $!
`

func newTestGoals(t *testing.T) *store.GoalStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st.Goals()
}

func createGoal(t *testing.T, goals *store.GoalStore, status string) *store.Goal {
	t.Helper()
	g := &store.Goal{Name: "g-" + status, GoalState: `{"done":true}`, Status: status}
	if err := goals.Create(g); err != nil {
		t.Fatal(err)
	}
	return g
}

func newTestOrchestrator(t *testing.T, goals *store.GoalStore, script string) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Goals:        goals,
		SelfPath:     writeFakeSupervisor(t, script),
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPhaseFor(t *testing.T) {
	cases := []struct {
		status string
		want   supervisor.Phase
	}{
		{store.GoalStatusPending, supervisor.PhasePlan},
		{store.GoalStatusActive, supervisor.PhaseExecute},
		{store.GoalStatusPaused, supervisor.PhaseExecute},
	}
	for _, c := range cases {
		if got := PhaseFor(&store.Goal{Status: c.status}); got != c.want {
			t.Errorf("PhaseFor(%s) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestSpawnRecordsPIDAndRejectsDuplicate(t *testing.T) {
	goals := newTestGoals(t)
	g := createGoal(t, goals, store.GoalStatusActive)
	o := newTestOrchestrator(t, goals, sleepyScript)
	defer o.shutdown()

	pid, err := o.SpawnSupervisor(g)
	if err != nil {
		t.Fatalf("SpawnSupervisor() error = %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
	stored, _ := goals.Get(g.ID)
	if stored.SupervisorPID != pid {
		t.Fatalf("stored pid = %d, want %d", stored.SupervisorPID, pid)
	}
	if stored.SupervisorStartedAt == 0 {
		t.Fatal("started_at not recorded")
	}
	if len(o.RunningSupervisors()) != 1 {
		t.Fatalf("running = %v", o.RunningSupervisors())
	}

	if _, err := o.SpawnSupervisor(g); err == nil {
		t.Fatal("duplicate spawn accepted")
	}
}

func TestReapClearsExitedSupervisor(t *testing.T) {
	goals := newTestGoals(t)
	g := createGoal(t, goals, store.GoalStatusActive)
	o := newTestOrchestrator(t, goals, "exit 0\n")

	if _, err := o.SpawnSupervisor(g); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "supervisor reaped", func() bool { return o.Reap() > 0 })

	stored, _ := goals.Get(g.ID)
	if stored.SupervisorPID != 0 {
		t.Fatalf("pid not cleared: %d", stored.SupervisorPID)
	}
	if len(o.RunningSupervisors()) != 0 {
		t.Fatalf("running = %v after reap", o.RunningSupervisors())
	}
}

func TestKillSupervisorPausesGoal(t *testing.T) {
	goals := newTestGoals(t)
	g := createGoal(t, goals, store.GoalStatusActive)
	o := newTestOrchestrator(t, goals, sleepyScript)

	if _, err := o.SpawnSupervisor(g); err != nil {
		t.Fatal(err)
	}
	if err := o.KillSupervisor(g.ID); err != nil {
		t.Fatalf("KillSupervisor() error = %v", err)
	}

	stored, _ := goals.Get(g.ID)
	if stored.SupervisorPID != 0 {
		t.Fatalf("pid not cleared: %d", stored.SupervisorPID)
	}
	if stored.Status != store.GoalStatusPaused {
		t.Fatalf("status = %q, want paused", stored.Status)
	}

	if err := o.KillSupervisor(g.ID); err == nil {
		t.Fatal("kill with no supervisor accepted")
	}
}

func TestClearStaleRemovesDeadPIDs(t *testing.T) {
	goals := newTestGoals(t)
	g := createGoal(t, goals, store.GoalStatusActive)
	// A pid from a previous boot that no longer exists.
	if err := goals.UpdateSupervisor(g.ID, 1<<22-1, time.Now().Unix()); err != nil {
		t.Fatal(err)
	}
	live := createGoal(t, goals, store.GoalStatusActive)
	if err := goals.UpdateSupervisor(live.ID, os.Getpid(), time.Now().Unix()); err != nil {
		t.Fatal(err)
	}

	o := newTestOrchestrator(t, goals, sleepyScript)
	cleared, err := o.ClearStale()
	if err != nil {
		t.Fatalf("ClearStale() error = %v", err)
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}
	stored, _ := goals.Get(g.ID)
	if stored.SupervisorPID != 0 {
		t.Fatal("stale pid survived")
	}
	kept, _ := goals.Get(live.ID)
	if kept.SupervisorPID != os.Getpid() {
		t.Fatal("live pid cleared")
	}
}

func TestRespawnDeadSkipsSettledGoals(t *testing.T) {
	goals := newTestGoals(t)
	pending := createGoal(t, goals, store.GoalStatusPending)
	active := createGoal(t, goals, store.GoalStatusActive)
	paused := createGoal(t, goals, store.GoalStatusPaused)
	completed := createGoal(t, goals, store.GoalStatusCompleted)

	o := newTestOrchestrator(t, goals, sleepyScript)
	defer o.shutdown()

	spawned, err := o.RespawnDead()
	if err != nil {
		t.Fatalf("RespawnDead() error = %v", err)
	}
	if spawned != 2 {
		t.Fatalf("spawned = %d, want 2", spawned)
	}
	for _, g := range []*store.Goal{pending, active} {
		stored, _ := goals.Get(g.ID)
		if stored.SupervisorPID == 0 {
			t.Errorf("goal %s got no supervisor", stored.Name)
		}
	}
	for _, g := range []*store.Goal{paused, completed} {
		stored, _ := goals.Get(g.ID)
		if stored.SupervisorPID != 0 {
			t.Errorf("goal %s wrongly got a supervisor", stored.Name)
		}
	}

	// Second pass is a no-op while supervisors live.
	spawned, err = o.RespawnDead()
	if err != nil || spawned != 0 {
		t.Fatalf("second pass spawned = %d, err = %v", spawned, err)
	}
}

func TestRunSpawnsAndTearsDown(t *testing.T) {
	goals := newTestGoals(t)
	g := createGoal(t, goals, store.GoalStatusActive)
	o := newTestOrchestrator(t, goals, sleepyScript)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, "supervisor spawned by run loop", func() bool {
		stored, err := goals.Get(g.ID)
		return err == nil && stored.SupervisorPID > 0
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not stop")
	}

	stored, _ := goals.Get(g.ID)
	if stored.SupervisorPID != 0 {
		t.Fatalf("pid not cleared on shutdown: %d", stored.SupervisorPID)
	}
	if !pidAlive(os.Getpid()) {
		t.Fatal("pidAlive(self) = false")
	}
}
