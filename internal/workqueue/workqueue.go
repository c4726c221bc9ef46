// Package workqueue is the dispatch channel between supervisors and worker
// processes. Items live in a shared SQLite database keyed by queue name;
// claiming is a single UPDATE...RETURNING on the oldest pending item, so
// concurrent workers never double-claim.
package workqueue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// WorkItem statuses.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const defaultMaxAttempts = 3

var (
	ErrNotFound = errors.New("work item not found")
	ErrEmpty    = errors.New("queue empty")
)

type WorkItem struct {
	ID              string
	QueueName       string
	TaskDescription string
	Context         string
	AssignedTo      string
	Status          string
	AttemptCount    int
	MaxAttempts     int
	CreatedAt       int64
	AssignedAt      int64
	CompletedAt     int64
	Result          string
	Error           string
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS work_items (
    id TEXT PRIMARY KEY,
    queue_name TEXT NOT NULL,
    task_description TEXT NOT NULL,
    context TEXT DEFAULT '',
    assigned_to TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    created_at INTEGER NOT NULL,
    assigned_at INTEGER DEFAULT 0,
    completed_at INTEGER DEFAULT 0,
    result TEXT DEFAULT '',
    error TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_work_items_queue_status ON work_items(queue_name, status);
CREATE INDEX IF NOT EXISTS idx_work_items_assigned ON work_items(assigned_to, status);
`

// Queue is one named queue inside the shared database.
type Queue struct {
	name string
	db   *sql.DB
}

// Open connects to (or creates) the queue database and binds a queue name.
func Open(dbPath, name string) (*Queue, error) {
	p := strings.TrimSpace(dbPath)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("missing queue name")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &Queue{name: name, db: db}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *Queue) Name() string {
	if q == nil {
		return ""
	}
	return q.name
}

// Enqueue adds a pending item and returns its id.
func (q *Queue) Enqueue(taskDescription, context string, maxAttempts int) (string, error) {
	if q == nil {
		return "", errors.New("nil queue")
	}
	if strings.TrimSpace(taskDescription) == "" {
		return "", errors.New("missing task description")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	id := uuid.NewString()
	_, err := q.db.Exec(`INSERT INTO work_items
		(id, queue_name, task_description, context, status, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, q.name, taskDescription, context, StatusPending, maxAttempts, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

const itemColumns = `id, queue_name, task_description, context, assigned_to, status,
	attempt_count, max_attempts, created_at, assigned_at, completed_at, result, error`

func scanItem(row interface{ Scan(...any) error }) (*WorkItem, error) {
	var w WorkItem
	err := row.Scan(&w.ID, &w.QueueName, &w.TaskDescription, &w.Context, &w.AssignedTo,
		&w.Status, &w.AttemptCount, &w.MaxAttempts, &w.CreatedAt, &w.AssignedAt,
		&w.CompletedAt, &w.Result, &w.Error)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetItem looks an item up by id within this queue.
func (q *Queue) GetItem(id string) (*WorkItem, error) {
	if q == nil {
		return nil, errors.New("nil queue")
	}
	row := q.db.QueryRow(`SELECT `+itemColumns+` FROM work_items WHERE id = ? AND queue_name = ?`, id, q.name)
	w, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return w, err
}

// Claim assigns the oldest pending item to worker_id and returns it. The
// update and the selection are one statement, so two workers claiming
// concurrently get different items. Returns ErrEmpty when nothing is
// pending.
func (q *Queue) Claim(workerID string) (*WorkItem, error) {
	if q == nil {
		return nil, errors.New("nil queue")
	}
	row := q.db.QueryRow(`UPDATE work_items SET
			assigned_to = ?,
			status = ?,
			attempt_count = attempt_count + 1,
			assigned_at = ?
		WHERE id = (
			SELECT id FROM work_items
			WHERE queue_name = ? AND status = ?
			ORDER BY created_at ASC LIMIT 1
		) RETURNING `+itemColumns,
		workerID, StatusAssigned, time.Now().Unix(), q.name, StatusPending)
	w, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	return w, err
}

// Complete marks an assigned item done with its result.
func (q *Queue) Complete(id, result string) error {
	if q == nil {
		return errors.New("nil queue")
	}
	res, err := q.db.Exec(`UPDATE work_items SET status = ?, completed_at = ?, result = ?
		WHERE id = ? AND queue_name = ?`,
		StatusCompleted, time.Now().Unix(), result, id, q.name)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// Fail records an error. The item returns to pending while attempts remain,
// otherwise it settles as failed.
func (q *Queue) Fail(id, errorMessage string) error {
	if q == nil {
		return errors.New("nil queue")
	}
	var attempts, maxAttempts int
	err := q.db.QueryRow(`SELECT attempt_count, max_attempts FROM work_items
		WHERE id = ? AND queue_name = ?`, id, q.name).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	newStatus := StatusPending
	if attempts >= maxAttempts {
		newStatus = StatusFailed
	}
	res, err := q.db.Exec(`UPDATE work_items SET status = ?, assigned_to = '', error = ?
		WHERE id = ? AND queue_name = ?`,
		newStatus, errorMessage, id, q.name)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// Delete removes an item outright, bypassing the retry budget. Dispatch uses
// it to roll back an enqueue whose worker never launched; Fail would put the
// item back to pending and a later worker would execute stale work.
func (q *Queue) Delete(id string) error {
	if q == nil {
		return errors.New("nil queue")
	}
	res, err := q.db.Exec(`DELETE FROM work_items WHERE id = ? AND queue_name = ?`, id, q.name)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// PendingCount reports how many items are waiting.
func (q *Queue) PendingCount() (int, error) {
	if q == nil {
		return 0, errors.New("nil queue")
	}
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM work_items WHERE queue_name = ? AND status = ?`,
		q.name, StatusPending).Scan(&n)
	return n, err
}

// AssignedCount reports how many items are actively held by workers.
func (q *Queue) AssignedCount() (int, error) {
	if q == nil {
		return 0, errors.New("nil queue")
	}
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM work_items WHERE queue_name = ? AND status = ?`,
		q.name, StatusAssigned).Scan(&n)
	return n, err
}

// Destroy removes every item belonging to this queue.
func (q *Queue) Destroy() error {
	if q == nil {
		return errors.New("nil queue")
	}
	_, err := q.db.Exec(`DELETE FROM work_items WHERE queue_name = ?`, q.name)
	return err
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}
