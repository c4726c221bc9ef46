package goap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/workqueue"
)

// maxResultPreview truncates completed-action results embedded into work
// contexts and tool responses, keeping prompts bounded.
const maxResultPreview = 4000

// WorkerLauncher starts a worker process bound to a queue. Dispatch does
// not wait for it; the worker claims its item on its own schedule.
type WorkerLauncher interface {
	Launch(queueName, role string) error
}

// Engine exposes the planning tool surface over the goal/action stores and
// the work queue.
type Engine struct {
	log      *slog.Logger
	goals    *store.GoalStore
	actions  *store.ActionStore
	queueDB  string
	launcher WorkerLauncher

	// workerCap bounds concurrently running actions per goal.
	workerCap int
}

type EngineOptions struct {
	Logger      *slog.Logger
	Goals       *store.GoalStore
	Actions     *store.ActionStore
	QueueDBPath string
	Launcher    WorkerLauncher
	WorkerCap   int
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Goals == nil || opts.Actions == nil {
		return nil, errors.New("missing stores")
	}
	if strings.TrimSpace(opts.QueueDBPath) == "" {
		return nil, errors.New("missing queue db path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cap := opts.WorkerCap
	if cap <= 0 {
		cap = 3
	}
	return &Engine{
		log:       logger.With("component", "goap"),
		goals:     opts.Goals,
		actions:   opts.Actions,
		queueDB:   opts.QueueDBPath,
		launcher:  opts.Launcher,
		workerCap: cap,
	}, nil
}

// ActionSpec is one entry in a create_actions call.
type ActionSpec struct {
	Description    string   `json:"description"`
	ParentActionID string   `json:"parent_action_id,omitempty"`
	Preconditions  []string `json:"preconditions,omitempty"`
	Effects        []string `json:"effects,omitempty"`
	IsCompound     bool     `json:"is_compound,omitempty"`
	Role           string   `json:"role,omitempty"`
}

// CreateGoal persists a new goal and returns it.
func (e *Engine) CreateGoal(name, description, goalState string) (*store.Goal, error) {
	if strings.TrimSpace(goalState) != "" {
		var probe map[string]any
		if err := json.Unmarshal([]byte(goalState), &probe); err != nil {
			return nil, fmt.Errorf("goal_state must be a JSON object: %w", err)
		}
	}
	g := &store.Goal{Name: name, Description: description, GoalState: goalState}
	if err := e.goals.Create(g); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateActions adds a batch of actions under a goal.
func (e *Engine) CreateActions(goalID string, specs []ActionSpec) ([]*store.Action, error) {
	if _, err := e.goals.Get(goalID); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, errors.New("no actions given")
	}
	created := make([]*store.Action, 0, len(specs))
	for i, spec := range specs {
		pre, err := json.Marshal(spec.Preconditions)
		if err != nil {
			return created, fmt.Errorf("actions[%d]: %w", i, err)
		}
		eff, err := json.Marshal(spec.Effects)
		if err != nil {
			return created, fmt.Errorf("actions[%d]: %w", i, err)
		}
		a := &store.Action{
			GoalID:         goalID,
			ParentActionID: spec.ParentActionID,
			Description:    spec.Description,
			Preconditions:  string(pre),
			Effects:        string(eff),
			IsCompound:     spec.IsCompound,
			Role:           spec.Role,
		}
		if err := e.actions.Create(a); err != nil {
			return created, fmt.Errorf("actions[%d]: %w", i, err)
		}
		created = append(created, a)
	}
	return created, nil
}

// DispatchResult is what dispatch_action reports back to the model.
type DispatchResult struct {
	ActionID   string `json:"action_id"`
	WorkItemID string `json:"work_item_id"`
	QueueName  string `json:"queue_name"`
}

// DispatchAction enqueues one pending primitive action as a work item and
// launches a worker against the goal's queue.
func (e *Engine) DispatchAction(actionID string) (*DispatchResult, error) {
	a, err := e.actions.Get(actionID)
	if err != nil {
		return nil, err
	}
	if a.IsCompound {
		return nil, errors.New("cannot dispatch compound action, decompose it first")
	}
	if a.Status != store.ActionStatusPending {
		return nil, fmt.Errorf("action is %s, not pending", a.Status)
	}

	running, err := e.actions.ListRunning(a.GoalID)
	if err != nil {
		return nil, err
	}
	if len(running) >= e.workerCap {
		return nil, fmt.Errorf("worker capacity reached for this goal (%d)", e.workerCap)
	}

	g, err := e.goals.Get(a.GoalID)
	if err != nil {
		return nil, err
	}

	context, err := e.buildWorkContext(g, a)
	if err != nil {
		return nil, fmt.Errorf("build work context: %w", err)
	}

	q, err := workqueue.Open(e.queueDB, g.QueueName)
	if err != nil {
		return nil, err
	}
	defer q.Close()

	itemID, err := q.Enqueue(a.Description, context, 0)
	if err != nil {
		return nil, err
	}

	if e.launcher != nil {
		if err := e.launcher.Launch(g.QueueName, a.Role); err != nil {
			// Remove the item outright. Fail would re-queue it as pending
			// with attempts remaining, and a retried dispatch would then
			// leave two live items for one action.
			_ = q.Delete(itemID)
			return nil, fmt.Errorf("launch worker: %w", err)
		}
	}

	if err := e.actions.UpdateStatus(a.ID, store.ActionStatusRunning, ""); err != nil {
		return nil, err
	}
	if err := e.actions.SetWorkItem(a.ID, itemID); err != nil {
		return nil, err
	}

	e.log.Info("action dispatched",
		slog.String("goal", g.ID),
		slog.String("action", a.ID),
		slog.String("work_item", itemID),
	)
	return &DispatchResult{ActionID: a.ID, WorkItemID: itemID, QueueName: g.QueueName}, nil
}

// buildWorkContext assembles the JSON context a worker receives: the goal,
// the action, the current world state, and results of completed actions
// whose effects overlap this action's preconditions.
func (e *Engine) buildWorkContext(g *store.Goal, a *store.Action) (string, error) {
	ctx := map[string]any{
		"goal_id": g.ID,
		"goal":    firstNonEmpty(g.Description, g.Name),
		"action":  a.Description,
		"role":    firstNonEmpty(a.Role, "implementation"),
	}
	var world map[string]any
	if err := json.Unmarshal([]byte(g.WorldState), &world); err == nil {
		ctx["world_state"] = world
	}

	var prereqKeys []string
	if a.Preconditions != "" {
		_ = json.Unmarshal([]byte(a.Preconditions), &prereqKeys)
	}
	if len(prereqKeys) > 0 {
		all, err := e.actions.ListByGoal(a.GoalID)
		if err != nil {
			return "", err
		}
		prereqResults := make(map[string]string)
		for _, other := range all {
			if other.Status != store.ActionStatusCompleted || other.Result == "" {
				continue
			}
			var effects []string
			if err := json.Unmarshal([]byte(other.Effects), &effects); err != nil {
				continue
			}
			if overlaps(effects, prereqKeys) {
				prereqResults[other.ID] = truncateResult(other.Result)
			}
		}
		if len(prereqResults) > 0 {
			ctx["prerequisite_results"] = prereqResults
		}
	}

	b, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UpdateWorldState merges boolean assertions into the goal's world state
// and returns the new state JSON.
func (e *Engine) UpdateWorldState(goalID string, assertions map[string]any) (string, error) {
	g, err := e.goals.Get(goalID)
	if err != nil {
		return "", err
	}
	merged, err := MergeAssertions(g.WorldState, assertions)
	if err != nil {
		return "", err
	}
	if err := e.goals.UpdateWorldState(goalID, merged); err != nil {
		return "", err
	}
	return merged, nil
}

// CheckComplete evaluates the completion predicate against stored state.
func (e *Engine) CheckComplete(goalID string) (Progress, error) {
	g, err := e.goals.Get(goalID)
	if err != nil {
		return Progress{}, err
	}
	return CheckProgress(g.GoalState, g.WorldState), nil
}

// ActionResult is one completed action's output.
type ActionResult struct {
	ActionID    string `json:"action_id"`
	Description string `json:"description"`
	Role        string `json:"role,omitempty"`
	Result      string `json:"result"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// GetActionResults returns completed actions' results, optionally filtered
// to specific action ids.
func (e *Engine) GetActionResults(goalID string, actionIDs []string) ([]ActionResult, error) {
	all, err := e.actions.ListByGoal(goalID)
	if err != nil {
		return nil, err
	}
	filter := make(map[string]bool, len(actionIDs))
	for _, id := range actionIDs {
		filter[id] = true
	}

	var out []ActionResult
	for _, a := range all {
		if a.Status != store.ActionStatusCompleted || a.Result == "" {
			continue
		}
		if len(filter) > 0 && !filter[a.ID] {
			continue
		}
		r := ActionResult{ActionID: a.ID, Description: a.Description, Role: a.Role}
		r.Result = truncateResult(a.Result)
		r.Truncated = r.Result != a.Result
		out = append(out, r)
	}
	return out, nil
}

func truncateResult(s string) string {
	if len(s) <= maxResultPreview {
		return s
	}
	return s[:maxResultPreview] + "...[truncated]"
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
