package goap

import (
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/internal/store"
)

// ToolSpec describes one planning tool for the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

func objSchema(props string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{%s},"required":%s}`, props, req))
}

// ToolSpecs lists the planning tools this engine can handle.
func (e *Engine) ToolSpecs() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "goap_create_goal",
			Description: "Create a new goal with named boolean acceptance criteria.",
			Schema: objSchema(`"name":{"type":"string"},"description":{"type":"string"},"goal_state":{"type":"string","description":"JSON object of boolean assertions"}`,
				"name"),
		},
		{
			Name:        "goap_get_goal",
			Description: "Fetch a goal with its goal state, world state and plan.",
			Schema:      objSchema(`"goal_id":{"type":"string"}`, "goal_id"),
		},
		{
			Name:        "goap_set_plan",
			Description: "Store the plan document for a goal.",
			Schema:      objSchema(`"goal_id":{"type":"string"},"plan":{"type":"string"}`, "goal_id", "plan"),
		},
		{
			Name:        "goap_list_actions",
			Description: "List a goal's actions, optionally filtered by status.",
			Schema:      objSchema(`"goal_id":{"type":"string"},"status":{"type":"string"}`, "goal_id"),
		},
		{
			Name:        "goap_create_actions",
			Description: "Add actions under a goal. Compound actions must be decomposed before dispatch.",
			Schema: objSchema(`"goal_id":{"type":"string"},"actions":{"type":"array","items":{"type":"object","properties":{"description":{"type":"string"},"parent_action_id":{"type":"string"},"preconditions":{"type":"array","items":{"type":"string"}},"effects":{"type":"array","items":{"type":"string"}},"is_compound":{"type":"boolean"},"role":{"type":"string"}},"required":["description"]}}`,
				"goal_id", "actions"),
		},
		{
			Name:        "goap_update_action",
			Description: "Set an action's status, optionally with a result or error message.",
			Schema:      objSchema(`"action_id":{"type":"string"},"status":{"type":"string"},"result":{"type":"string"}`, "action_id", "status"),
		},
		{
			Name:        "goap_dispatch_action",
			Description: "Enqueue a pending primitive action as a work item and launch a worker.",
			Schema:      objSchema(`"action_id":{"type":"string"}`, "action_id"),
		},
		{
			Name:        "goap_update_world_state",
			Description: "Merge verified boolean assertions into the goal's world state.",
			Schema:      objSchema(`"goal_id":{"type":"string"},"assertions":{"type":"object"}`, "goal_id", "assertions"),
		},
		{
			Name:        "goap_check_complete",
			Description: "Check the goal's completion predicate against its world state.",
			Schema:      objSchema(`"goal_id":{"type":"string"}`, "goal_id"),
		},
		{
			Name:        "goap_get_action_results",
			Description: "Fetch results of completed actions, optionally filtered by action ids.",
			Schema:      objSchema(`"goal_id":{"type":"string"},"action_ids":{"type":"array","items":{"type":"string"}}`, "goal_id"),
		},
	}
}

// GetGoal returns a goal by id.
func (e *Engine) GetGoal(goalID string) (*store.Goal, error) {
	return e.goals.Get(goalID)
}

// ListActions returns a goal's actions, all or by status.
func (e *Engine) ListActions(goalID, status string) ([]*store.Action, error) {
	if status == "" {
		return e.actions.ListByGoal(goalID)
	}
	return e.actions.ListByGoalStatus(goalID, status)
}

// UpdateAction sets an action's status and result.
func (e *Engine) UpdateAction(actionID, status, result string) error {
	switch status {
	case store.ActionStatusPending, store.ActionStatusRunning,
		store.ActionStatusCompleted, store.ActionStatusFailed, store.ActionStatusSkipped:
	default:
		return fmt.Errorf("unknown action status %q", status)
	}
	return e.actions.UpdateStatus(actionID, status, result)
}

// SetPlan stores the plan document on a goal.
func (e *Engine) SetPlan(goalID, plan string) error {
	return e.goals.UpdatePlanDocument(goalID, plan)
}

type goalView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status"`
	GoalState    string `json:"goal_state"`
	WorldState   string `json:"world_state"`
	PlanDocument string `json:"plan_document,omitempty"`
	Summary      string `json:"summary,omitempty"`
	QueueName    string `json:"queue_name"`
}

type actionView struct {
	ID             string `json:"id"`
	ParentActionID string `json:"parent_action_id,omitempty"`
	Description    string `json:"description"`
	Preconditions  string `json:"preconditions"`
	Effects        string `json:"effects"`
	IsCompound     bool   `json:"is_compound"`
	Status         string `json:"status"`
	Role           string `json:"role,omitempty"`
	WorkItemID     string `json:"work_item_id,omitempty"`
	AttemptCount   int    `json:"attempt_count"`
}

func viewGoal(g *store.Goal) goalView {
	return goalView{
		ID: g.ID, Name: g.Name, Description: g.Description, Status: g.Status,
		GoalState: g.GoalState, WorldState: g.WorldState,
		PlanDocument: g.PlanDocument, Summary: g.Summary, QueueName: g.QueueName,
	}
}

func viewAction(a *store.Action) actionView {
	return actionView{
		ID: a.ID, ParentActionID: a.ParentActionID, Description: a.Description,
		Preconditions: a.Preconditions, Effects: a.Effects, IsCompound: a.IsCompound,
		Status: a.Status, Role: a.Role, WorkItemID: a.WorkItemID, AttemptCount: a.AttemptCount,
	}
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HandleToolCall executes one planning tool call and returns the JSON result
// the model sees. Unknown tools and invalid arguments are errors; the caller
// reports them as tool failures, not crashes.
func (e *Engine) HandleToolCall(name, argsJSON string) (string, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	switch name {
	case "goap_create_goal":
		var args struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			GoalState   string `json:"goal_state"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		g, err := e.CreateGoal(args.Name, args.Description, args.GoalState)
		if err != nil {
			return "", err
		}
		return marshalResult(viewGoal(g))

	case "goap_get_goal":
		args, err := goalIDArg(argsJSON)
		if err != nil {
			return "", err
		}
		g, err := e.GetGoal(args)
		if err != nil {
			return "", err
		}
		return marshalResult(viewGoal(g))

	case "goap_set_plan":
		var args struct {
			GoalID string `json:"goal_id"`
			Plan   string `json:"plan"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		if err := e.SetPlan(args.GoalID, args.Plan); err != nil {
			return "", err
		}
		return marshalResult(map[string]string{"goal_id": args.GoalID, "status": "plan stored"})

	case "goap_list_actions":
		var args struct {
			GoalID string `json:"goal_id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		actions, err := e.ListActions(args.GoalID, args.Status)
		if err != nil {
			return "", err
		}
		views := make([]actionView, 0, len(actions))
		for _, a := range actions {
			views = append(views, viewAction(a))
		}
		return marshalResult(views)

	case "goap_create_actions":
		var args struct {
			GoalID  string       `json:"goal_id"`
			Actions []ActionSpec `json:"actions"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		created, err := e.CreateActions(args.GoalID, args.Actions)
		if err != nil {
			return "", err
		}
		ids := make([]string, 0, len(created))
		for _, a := range created {
			ids = append(ids, a.ID)
		}
		return marshalResult(map[string]any{"created": len(created), "action_ids": ids})

	case "goap_update_action":
		var args struct {
			ActionID string `json:"action_id"`
			Status   string `json:"status"`
			Result   string `json:"result"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		if err := e.UpdateAction(args.ActionID, args.Status, args.Result); err != nil {
			return "", err
		}
		return marshalResult(map[string]string{"action_id": args.ActionID, "status": args.Status})

	case "goap_dispatch_action":
		var args struct {
			ActionID string `json:"action_id"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		res, err := e.DispatchAction(args.ActionID)
		if err != nil {
			return "", err
		}
		return marshalResult(res)

	case "goap_update_world_state":
		var args struct {
			GoalID     string         `json:"goal_id"`
			Assertions map[string]any `json:"assertions"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		merged, err := e.UpdateWorldState(args.GoalID, args.Assertions)
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]string{"world_state": merged})

	case "goap_check_complete":
		goalID, err := goalIDArg(argsJSON)
		if err != nil {
			return "", err
		}
		p, err := e.CheckComplete(goalID)
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{
			"complete":  p.Complete,
			"satisfied": p.Satisfied,
			"total":     p.Total,
			"missing":   p.Missing,
		})

	case "goap_get_action_results":
		var args struct {
			GoalID    string   `json:"goal_id"`
			ActionIDs []string `json:"action_ids"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		results, err := e.GetActionResults(args.GoalID, args.ActionIDs)
		if err != nil {
			return "", err
		}
		return marshalResult(results)

	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func goalIDArg(argsJSON string) (string, error) {
	var args struct {
		GoalID string `json:"goal_id"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", err
	}
	if args.GoalID == "" {
		return "", fmt.Errorf("missing goal_id")
	}
	return args.GoalID, nil
}
