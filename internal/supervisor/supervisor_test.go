package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/workqueue"
)

// fakeSession scripts the conversation: each call pops the next error and
// optionally mutates persisted state, standing in for tool calls the model
// would make.
type fakeSession struct {
	processCalls  []string
	continueCalls []string
	errs          []error
	onTurn        []func()
}

func (f *fakeSession) next() error {
	i := len(f.processCalls) + len(f.continueCalls) - 1
	if i < len(f.onTurn) && f.onTurn[i] != nil {
		f.onTurn[i]()
	}
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func (f *fakeSession) ProcessMessage(_ context.Context, text string) error {
	f.processCalls = append(f.processCalls, text)
	return f.next()
}

func (f *fakeSession) Continue(_ context.Context, notice string) error {
	f.continueCalls = append(f.continueCalls, notice)
	return f.next()
}

type fixture struct {
	goals   *store.GoalStore
	actions *store.ActionStore
	queueDB string
	goal    *store.Goal
}

func newFixture(t *testing.T, goalState, worldState string) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	g := &store.Goal{
		Name:       "test goal",
		GoalState:  goalState,
		WorldState: worldState,
		Status:     store.GoalStatusActive,
	}
	if err := st.Goals().Create(g); err != nil {
		t.Fatalf("Create goal: %v", err)
	}
	return &fixture{
		goals:   st.Goals(),
		actions: st.Actions(),
		queueDB: filepath.Join(dir, "queue.db"),
		goal:    g,
	}
}

func newTestSupervisor(t *testing.T, f *fixture, sess Conversation) *Supervisor {
	t.Helper()
	s, err := New(Options{
		Goals:       f.goals,
		Actions:     f.actions,
		QueueDBPath: f.queueDB,
		Session:     sess,
		WaitTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestPlanPhaseCompletesAndActivatesGoal(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	if err := f.goals.UpdateStatus(f.goal.ID, store.GoalStatusPending); err != nil {
		t.Fatal(err)
	}

	sess := &fakeSession{onTurn: []func(){func() {
		// The model stores a plan and creates an action during the turn.
		if err := f.goals.UpdatePlanDocument(f.goal.ID, "1. do the thing"); err != nil {
			t.Fatal(err)
		}
		if err := f.actions.Create(&store.Action{GoalID: f.goal.ID, Description: "do the thing"}); err != nil {
			t.Fatal(err)
		}
	}}}
	s := newTestSupervisor(t, f, sess)

	outcome, err := s.Run(context.Background(), f.goal.ID, PhasePlan)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != OutcomeComplete {
		t.Fatalf("outcome = %q, want complete", outcome)
	}
	g, _ := f.goals.Get(f.goal.ID)
	if g.Status != store.GoalStatusActive {
		t.Fatalf("goal status = %q, want active after planning", g.Status)
	}
	if len(sess.processCalls) != 1 || !strings.Contains(sess.processCalls[0], "PLANNING phase") {
		t.Fatalf("initial instruction = %q", sess.processCalls)
	}
}

func TestPlanPhaseNeedsBothPlanAndActions(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	if err := f.goals.UpdateStatus(f.goal.ID, store.GoalStatusPending); err != nil {
		t.Fatal(err)
	}
	if err := f.goals.UpdatePlanDocument(f.goal.ID, "a plan with no actions"); err != nil {
		t.Fatal(err)
	}
	s := newTestSupervisor(t, f, &fakeSession{})

	done, err := s.phaseComplete(f.goal.ID, PhasePlan)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("plan phase complete without actions")
	}
	g, _ := f.goals.Get(f.goal.ID)
	if g.Status != store.GoalStatusPending {
		t.Fatalf("goal status = %q, want still pending", g.Status)
	}
}

func TestExecutePhaseCompletesWhenCriteriaSatisfied(t *testing.T) {
	f := newFixture(t, `{"built":true,"tested":true}`, `{"built":true}`)

	sess := &fakeSession{onTurn: []func(){func() {
		if err := f.goals.UpdateWorldState(f.goal.ID, `{"built":true,"tested":true}`); err != nil {
			t.Fatal(err)
		}
	}}}
	s := newTestSupervisor(t, f, sess)

	outcome, err := s.Run(context.Background(), f.goal.ID, PhaseExecute)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != OutcomeComplete {
		t.Fatalf("outcome = %q, want complete", outcome)
	}
	g, _ := f.goals.Get(f.goal.ID)
	if g.Status != store.GoalStatusCompleted {
		t.Fatalf("goal status = %q, want completed", g.Status)
	}
	if !strings.Contains(sess.processCalls[0], "EXECUTION phase") {
		t.Fatalf("initial instruction = %q", sess.processCalls[0])
	}
}

func TestContextExhaustionPersistsSummary(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	exhausted := errors.Join(llm.ErrContextExhausted, errors.New("prompt is too long"))
	s := newTestSupervisor(t, f, &fakeSession{errs: []error{exhausted}})

	outcome, err := s.Run(context.Background(), f.goal.ID, PhaseExecute)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != OutcomeContextExhausted {
		t.Fatalf("outcome = %q, want context_exhausted", outcome)
	}
	g, _ := f.goals.Get(f.goal.ID)
	if g.Summary != "Context full during execution, respawn needed" {
		t.Fatalf("summary = %q", g.Summary)
	}
	if g.Status != store.GoalStatusActive {
		t.Fatalf("goal status = %q, exhaustion must stay resumable", g.Status)
	}
}

func TestPlanPhaseExhaustionSummary(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	exhausted := errors.Join(llm.ErrContextExhausted, errors.New("context window"))
	s := newTestSupervisor(t, f, &fakeSession{errs: []error{exhausted}})

	outcome, err := s.Run(context.Background(), f.goal.ID, PhasePlan)
	if err != nil || outcome != OutcomeContextExhausted {
		t.Fatalf("outcome = %q, err = %v", outcome, err)
	}
	g, _ := f.goals.Get(f.goal.ID)
	if g.Summary != "Context full during planning, respawn needed" {
		t.Fatalf("summary = %q", g.Summary)
	}
}

func TestInitialTurnHardFailure(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	s := newTestSupervisor(t, f, &fakeSession{errs: []error{errors.New("api key rejected")}})

	outcome, err := s.Run(context.Background(), f.goal.ID, PhaseExecute)
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("outcome = %q, err = %v, want hard failure", outcome, err)
	}
}

func TestShutdownOutcomeOnCancel(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	s := newTestSupervisor(t, f, &fakeSession{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	outcome, err := s.Run(ctx, f.goal.ID, PhaseExecute)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome != OutcomeShutdown {
		t.Fatalf("outcome = %q, want shutdown", outcome)
	}
	g, _ := f.goals.Get(f.goal.ID)
	if g.Status != store.GoalStatusActive {
		t.Fatalf("goal status = %q, shutdown must not settle the goal", g.Status)
	}
}

func TestUnknownGoalFails(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	s := newTestSupervisor(t, f, &fakeSession{})
	outcome, err := s.Run(context.Background(), "nope", PhaseExecute)
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("outcome = %q, err = %v", outcome, err)
	}
}

func TestRecoverOrphansPropagatesSettledWork(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	g, _ := f.goals.Get(f.goal.ID)
	q, err := workqueue.Open(f.queueDB, g.QueueName)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	mkRunning := func(desc, itemID string) *store.Action {
		a := &store.Action{GoalID: f.goal.ID, Description: desc}
		if err := f.actions.Create(a); err != nil {
			t.Fatal(err)
		}
		if err := f.actions.UpdateStatus(a.ID, store.ActionStatusRunning, ""); err != nil {
			t.Fatal(err)
		}
		if itemID != "" {
			if err := f.actions.SetWorkItem(a.ID, itemID); err != nil {
				t.Fatal(err)
			}
		}
		return a
	}

	// Completed work item: the worker finished while no supervisor watched.
	doneID, err := q.Enqueue("finish the report", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	claimAndComplete(t, q, doneID, "report written")
	completed := mkRunning("finish the report", doneID)

	// Failed work item.
	failID, err := q.Enqueue("flaky step", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	claimAndFail(t, q, failID, "worker crashed")
	failed := mkRunning("flaky step", failID)

	// Running action with no work item at all.
	ghost := mkRunning("never enqueued", "")

	// Actively held item: leave the action running. Claimed before the
	// unclaimed fixture exists so the claim cannot grab the wrong item.
	heldID, err := q.Enqueue("in progress", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	claimOnly(t, q, heldID)
	held := mkRunning("in progress", heldID)

	// Unclaimed item: action demotes so a fresh dispatch can happen.
	pendingID, err := q.Enqueue("waiting step", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	unclaimed := mkRunning("waiting step", pendingID)

	s := newTestSupervisor(t, f, &fakeSession{})
	if err := s.RecoverOrphans(f.goal.ID); err != nil {
		t.Fatalf("RecoverOrphans() error = %v", err)
	}

	want := map[string]struct {
		status string
		result string
	}{
		completed.ID: {store.ActionStatusCompleted, "report written"},
		failed.ID:    {store.ActionStatusFailed, "worker crashed"},
		ghost.ID:     {store.ActionStatusPending, ""},
		unclaimed.ID: {store.ActionStatusPending, ""},
		held.ID:      {store.ActionStatusRunning, ""},
	}
	for id, w := range want {
		a, err := f.actions.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if a.Status != w.status {
			t.Errorf("action %q status = %q, want %q", a.Description, a.Status, w.status)
		}
		if w.result != "" && a.Result != w.result {
			t.Errorf("action %q result = %q, want %q", a.Description, a.Result, w.result)
		}
	}

	// Recovery is idempotent.
	if err := s.RecoverOrphans(f.goal.ID); err != nil {
		t.Fatalf("second RecoverOrphans() error = %v", err)
	}
	a, _ := f.actions.Get(completed.ID)
	if a.Status != store.ActionStatusCompleted {
		t.Fatalf("recovered action regressed to %q", a.Status)
	}
}

func TestConsecutiveContinuationFailuresAreTerminal(t *testing.T) {
	f := newFixture(t, `{"done":true}`, `{}`)
	const agentID = "supervisor-under-test"

	msgs, err := notify.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer msgs.Close()
	poller, err := notify.NewPoller(msgs, agentID, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	poller.Start()
	defer poller.Close()

	// Keep messages flowing so every loop iteration has a notification to
	// fold in; each continuation turn fails.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			if _, err := msgs.SendDirect("worker-1", agentID, "progress update", 0); err != nil {
				return
			}
		}
	}()

	s, err := New(Options{
		Goals:       f.goals,
		Actions:     f.actions,
		QueueDBPath: f.queueDB,
		Session:     &failingContinueSession{},
		Poller:      poller,
		Messages:    msgs,
		AgentID:     agentID,
		WaitTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := s.Run(ctx, f.goal.ID, PhaseExecute)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %q (err = %v), want failed after repeated continuation errors", outcome, err)
	}
	if err == nil || !strings.Contains(err.Error(), "consecutive") {
		t.Fatalf("error = %v, want consecutive-failure error", err)
	}
}

type failingContinueSession struct{}

func (failingContinueSession) ProcessMessage(context.Context, string) error { return nil }
func (failingContinueSession) Continue(context.Context, string) error {
	return errors.New("backend unavailable")
}

func TestParsePhase(t *testing.T) {
	cases := []struct {
		in      string
		want    Phase
		wantErr bool
	}{
		{"plan", PhasePlan, false},
		{"EXECUTE", PhaseExecute, false},
		{" execute ", PhaseExecute, false},
		{"", "", true},
		{"deploy", "", true},
	}
	for _, c := range cases {
		got, err := ParsePhase(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParsePhase(%q) error = %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParsePhase(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPhaseMessageCarriesState(t *testing.T) {
	f := newFixture(t, `{"built":true,"tested":true}`, `{"built":true}`)
	if err := f.goals.UpdatePlanDocument(f.goal.ID, "step one then step two"); err != nil {
		t.Fatal(err)
	}
	if err := f.goals.UpdateSummary(f.goal.ID, "resumed after restart"); err != nil {
		t.Fatal(err)
	}
	s := newTestSupervisor(t, f, &fakeSession{})

	msg, err := s.buildPhaseMessage(f.goal.ID, PhaseExecute)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"1/2 criteria satisfied",
		"step one then step two",
		"resumed after restart",
		"goap_dispatch_action",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("execute message missing %q", want)
		}
	}

	planMsg, err := s.buildPhaseMessage(f.goal.ID, PhasePlan)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(planMsg, "Do not call goap_dispatch_action") {
		t.Error("plan message must forbid dispatch")
	}
}

func claimOnly(t *testing.T, q *workqueue.Queue, id string) {
	t.Helper()
	claimUntil(t, q, id)
}

func claimAndComplete(t *testing.T, q *workqueue.Queue, id, result string) {
	t.Helper()
	claimUntil(t, q, id)
	if err := q.Complete(id, result); err != nil {
		t.Fatal(err)
	}
}

func claimAndFail(t *testing.T, q *workqueue.Queue, id, msg string) {
	t.Helper()
	claimUntil(t, q, id)
	// Exhaust attempts so the item settles as failed instead of re-queuing.
	for {
		if err := q.Fail(id, msg); err != nil {
			t.Fatal(err)
		}
		item, err := q.GetItem(id)
		if err != nil {
			t.Fatal(err)
		}
		if item.Status == workqueue.StatusFailed {
			return
		}
		claimUntil(t, q, id)
	}
}

// claimUntil claims items until the target id is assigned. The queue hands
// out oldest-pending first, so earlier fixtures may be claimed along the way;
// they are completed with a throwaway result to keep the queue moving.
func claimUntil(t *testing.T, q *workqueue.Queue, id string) {
	t.Helper()
	for {
		item, err := q.Claim("test-worker")
		if errors.Is(err, workqueue.ErrEmpty) {
			t.Fatalf("work item %s never claimable", id)
		}
		if err != nil {
			t.Fatal(err)
		}
		if item.ID == id {
			return
		}
		if err := q.Complete(item.ID, "bystander"); err != nil {
			t.Fatal(err)
		}
	}
}
