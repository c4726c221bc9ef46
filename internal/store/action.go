package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action statuses.
const (
	ActionStatusPending   = "pending"
	ActionStatusRunning   = "running"
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
	ActionStatusSkipped   = "skipped"
)

// Action is one step toward a goal. Compound actions decompose into child
// actions; only primitives are dispatched to workers.
type Action struct {
	ID             string
	GoalID         string
	ParentActionID string
	WorkItemID     string

	Description string
	// Preconditions and Effects are JSON arrays of assertion keys.
	Preconditions string
	Effects       string

	IsCompound bool
	Status     string
	Role       string

	// Result carries the worker's output on completion, or the error text
	// on failure. At most one meaning at a time, selected by Status.
	Result string

	AttemptCount int
	CreatedAt    int64
	UpdatedAt    int64
}

type ActionStore struct {
	db *sql.DB
}

const actionColumns = `id, goal_id, parent_action_id, work_item_id, description, preconditions,
	effects, is_compound, status, role, result, attempt_count, created_at, updated_at`

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	var a Action
	err := row.Scan(&a.ID, &a.GoalID, &a.ParentActionID, &a.WorkItemID, &a.Description,
		&a.Preconditions, &a.Effects, &a.IsCompound, &a.Status, &a.Role,
		&a.Result, &a.AttemptCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (as *ActionStore) Create(a *Action) error {
	if as == nil || a == nil {
		return errors.New("nil action store or action")
	}
	if strings.TrimSpace(a.GoalID) == "" {
		return errors.New("missing goal_id")
	}
	if strings.TrimSpace(a.Description) == "" {
		return errors.New("missing description")
	}
	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	if strings.TrimSpace(a.Preconditions) == "" {
		a.Preconditions = "[]"
	}
	if strings.TrimSpace(a.Effects) == "" {
		a.Effects = "[]"
	}
	if strings.TrimSpace(a.Status) == "" {
		a.Status = ActionStatusPending
	}
	if strings.TrimSpace(a.Role) == "" {
		a.Role = "implementation"
	}
	now := time.Now().Unix()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := as.db.Exec(`INSERT INTO actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.GoalID, a.ParentActionID, a.WorkItemID, a.Description,
		a.Preconditions, a.Effects, a.IsCompound, a.Status, a.Role,
		a.Result, a.AttemptCount, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (as *ActionStore) Get(id string) (*Action, error) {
	if as == nil {
		return nil, errors.New("nil action store")
	}
	row := as.db.QueryRow(`SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (as *ActionStore) ListByGoal(goalID string) ([]*Action, error) {
	return as.queryActions(`SELECT `+actionColumns+` FROM actions WHERE goal_id = ? ORDER BY created_at`, goalID)
}

func (as *ActionStore) ListByGoalStatus(goalID, status string) ([]*Action, error) {
	return as.queryActions(`SELECT `+actionColumns+` FROM actions WHERE goal_id = ? AND status = ? ORDER BY created_at`,
		goalID, status)
}

// ListRunning returns actions dispatched but not yet reconciled; the
// supervisor's orphan recovery walks exactly this set.
func (as *ActionStore) ListRunning(goalID string) ([]*Action, error) {
	return as.ListByGoalStatus(goalID, ActionStatusRunning)
}

func (as *ActionStore) queryActions(query string, args ...any) ([]*Action, error) {
	if as == nil {
		return nil, errors.New("nil action store")
	}
	rows, err := as.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// UpdateStatus transitions an action and stores the worker's result or
// error text alongside it. Empty resultOrError leaves the column untouched.
func (as *ActionStore) UpdateStatus(id, status, resultOrError string) error {
	if as == nil {
		return errors.New("nil action store")
	}
	var (
		res sql.Result
		err error
	)
	if resultOrError == "" {
		res, err = as.db.Exec(`UPDATE actions SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().Unix(), id)
	} else {
		res, err = as.db.Exec(`UPDATE actions SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
			status, resultOrError, time.Now().Unix(), id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetWorkItem links a dispatched action to its queue item and bumps the
// attempt counter.
func (as *ActionStore) SetWorkItem(id, workItemID string) error {
	if as == nil {
		return errors.New("nil action store")
	}
	res, err := as.db.Exec(`UPDATE actions SET work_item_id = ?, attempt_count = attempt_count + 1, updated_at = ? WHERE id = ?`,
		workItemID, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountByStatus returns per-status action counts for one goal, used by the
// supervisor's phase instructions.
func (as *ActionStore) CountByStatus(goalID string) (map[string]int, error) {
	if as == nil {
		return nil, errors.New("nil action store")
	}
	rows, err := as.db.Query(`SELECT status, COUNT(*) FROM actions WHERE goal_id = ? GROUP BY status`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
