package supervisor

import (
	"fmt"
	"strings"

	"github.com/wardenhq/warden/internal/goap"
	"github.com/wardenhq/warden/internal/store"
)

// buildPhaseMessage composes the opening instruction for one supervision.
// Everything the model needs is restated here from persisted state, because
// a fresh supervision starts with an empty conversation.
func (s *Supervisor) buildPhaseMessage(goalID string, phase Phase) (string, error) {
	g, err := s.goals.Get(goalID)
	if err != nil {
		return "", err
	}
	counts, err := s.actions.CountByStatus(goalID)
	if err != nil {
		return "", err
	}
	progress := goap.CheckProgress(g.GoalState, g.WorldState)

	var b strings.Builder
	fmt.Fprintf(&b, "You are supervising goal %s: %s\n", g.ID, g.Name)
	if g.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", g.Description)
	}
	fmt.Fprintf(&b, "\nGoal state (acceptance criteria): %s\n", g.GoalState)
	fmt.Fprintf(&b, "World state (verified so far): %s\n", g.WorldState)
	fmt.Fprintf(&b, "Progress: %d/%d criteria satisfied\n", progress.Satisfied, progress.Total)
	fmt.Fprintf(&b, "Actions: %d pending, %d running, %d completed, %d failed\n",
		counts[store.ActionStatusPending], counts[store.ActionStatusRunning],
		counts[store.ActionStatusCompleted], counts[store.ActionStatusFailed])
	if g.Summary != "" {
		fmt.Fprintf(&b, "\nPrevious supervisor summary: %s\n", g.Summary)
	}

	switch phase {
	case PhasePlan:
		b.WriteString(planDirections)
	case PhaseExecute:
		if g.PlanDocument != "" {
			fmt.Fprintf(&b, "\nPlan document:\n%s\n", g.PlanDocument)
		}
		b.WriteString(executeDirections)
	}
	return b.String(), nil
}

const planDirections = `
You are in the PLANNING phase. Do not dispatch any work yet.

1. Use goap_get_goal to review the goal and its acceptance criteria
2. Break the goal down into concrete actions with goap_create_actions; mark
   actions that need further decomposition as compound
3. Give each action preconditions (world-state keys it depends on) and
   effects (world-state keys it establishes)
4. Write a plan document describing the approach and store it with
   goap_set_plan
5. Decompose every compound action into primitive children before finishing

Planning is done when the plan document is stored and the goal has at least
one primitive action. Do not call goap_dispatch_action in this phase.
`

const executeDirections = `
You are in the EXECUTION phase. Work the plan until the goal is complete:

1. Check goal progress with goap_check_complete
2. List actions with goap_list_actions and find pending actions whose
   preconditions are satisfied by the world state
3. Dispatch ready actions with goap_dispatch_action; workers report back
   as agent messages
4. When a worker reports completion, verify the claim, then record it with
   goap_update_action and assert the verified effects with
   goap_update_world_state
5. When a worker reports failure, decide whether to retry the action, revise
   it, or mark it failed
6. Repeat until goap_check_complete reports the goal complete

Only update world state for outcomes you have verified. If every action is
settled but criteria remain unsatisfied, create new actions to cover the gap.
`
