package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Goal statuses. A goal starts pending (awaiting a plan), becomes active
// once planned, and ends completed. Paused and failed exist for operator
// intervention and hard failures.
const (
	GoalStatusPending   = "pending"
	GoalStatusActive    = "active"
	GoalStatusPaused    = "paused"
	GoalStatusCompleted = "completed"
	GoalStatusFailed    = "failed"
)

type Goal struct {
	ID          string
	Name        string
	Description string

	// GoalState and WorldState are flat JSON objects of boolean assertions.
	GoalState  string
	WorldState string

	// PlanDocument is written during the PLAN phase.
	PlanDocument string
	// Summary is a short progress note persisted when a phase exits early.
	Summary string

	Status    string
	QueueName string

	SupervisorPID       int
	SupervisorStartedAt int64

	CreatedAt int64
	UpdatedAt int64
}

type GoalStore struct {
	db *sql.DB
}

const goalColumns = `id, name, description, goal_state, world_state, plan_document, summary,
	status, queue_name, supervisor_pid, supervisor_started_at, created_at, updated_at`

func scanGoal(row interface{ Scan(...any) error }) (*Goal, error) {
	var g Goal
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.GoalState, &g.WorldState,
		&g.PlanDocument, &g.Summary, &g.Status, &g.QueueName,
		&g.SupervisorPID, &g.SupervisorStartedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts a new goal. An empty ID gets a fresh UUID; an empty queue
// name derives one from the goal id.
func (gs *GoalStore) Create(g *Goal) error {
	if gs == nil || g == nil {
		return errors.New("nil goal store or goal")
	}
	if strings.TrimSpace(g.Name) == "" {
		return errors.New("missing goal name")
	}
	if strings.TrimSpace(g.ID) == "" {
		g.ID = uuid.NewString()
	}
	if strings.TrimSpace(g.GoalState) == "" {
		g.GoalState = "{}"
	}
	if strings.TrimSpace(g.WorldState) == "" {
		g.WorldState = "{}"
	}
	if strings.TrimSpace(g.Status) == "" {
		g.Status = GoalStatusPending
	}
	if strings.TrimSpace(g.QueueName) == "" {
		g.QueueName = "goal-" + g.ID
	}
	now := time.Now().Unix()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := gs.db.Exec(`INSERT INTO goals (`+goalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.GoalState, g.WorldState, g.PlanDocument,
		g.Summary, g.Status, g.QueueName, g.SupervisorPID, g.SupervisorStartedAt,
		g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (gs *GoalStore) Get(id string) (*Goal, error) {
	if gs == nil {
		return nil, errors.New("nil goal store")
	}
	row := gs.db.QueryRow(`SELECT `+goalColumns+` FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("goal %s: %w", id, ErrNotFound)
	}
	return g, err
}

func (gs *GoalStore) List() ([]*Goal, error) {
	return gs.queryGoals(`SELECT ` + goalColumns + ` FROM goals ORDER BY created_at`)
}

func (gs *GoalStore) ListByStatus(status string) ([]*Goal, error) {
	return gs.queryGoals(`SELECT `+goalColumns+` FROM goals WHERE status = ? ORDER BY created_at`, status)
}

func (gs *GoalStore) queryGoals(query string, args ...any) ([]*Goal, error) {
	if gs == nil {
		return nil, errors.New("nil goal store")
	}
	rows, err := gs.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []*Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (gs *GoalStore) UpdateStatus(id, status string) error {
	return gs.update(id, `UPDATE goals SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().Unix(), id)
}

func (gs *GoalStore) UpdateSummary(id, summary string) error {
	return gs.update(id, `UPDATE goals SET summary = ?, updated_at = ? WHERE id = ?`, summary, time.Now().Unix(), id)
}

func (gs *GoalStore) UpdatePlanDocument(id, doc string) error {
	return gs.update(id, `UPDATE goals SET plan_document = ?, updated_at = ? WHERE id = ?`, doc, time.Now().Unix(), id)
}

func (gs *GoalStore) UpdateWorldState(id, worldState string) error {
	return gs.update(id, `UPDATE goals SET world_state = ?, updated_at = ? WHERE id = ?`, worldState, time.Now().Unix(), id)
}

// UpdateSupervisor records the supervising process for orphan detection.
// Pass pid 0 to clear.
func (gs *GoalStore) UpdateSupervisor(id string, pid int, startedAt int64) error {
	return gs.update(id, `UPDATE goals SET supervisor_pid = ?, supervisor_started_at = ?, updated_at = ? WHERE id = ?`,
		pid, startedAt, time.Now().Unix(), id)
}

func (gs *GoalStore) update(id, query string, args ...any) error {
	if gs == nil {
		return errors.New("nil goal store")
	}
	res, err := gs.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("goal %s: %w", id, ErrNotFound)
	}
	return nil
}
