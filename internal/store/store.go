// Package store persists goals and their action decomposition trees in
// SQLite. One database file holds both tables; connections are capped at one
// because sqlite serializes writers anyway.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS goals (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT DEFAULT '',
    goal_state TEXT DEFAULT '{}',
    world_state TEXT DEFAULT '{}',
    plan_document TEXT DEFAULT '',
    summary TEXT DEFAULT '',
    status TEXT DEFAULT 'pending',
    queue_name TEXT NOT NULL,
    supervisor_pid INTEGER DEFAULT 0,
    supervisor_started_at INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);

CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    goal_id TEXT NOT NULL,
    parent_action_id TEXT DEFAULT '',
    work_item_id TEXT DEFAULT '',
    description TEXT NOT NULL,
    preconditions TEXT DEFAULT '[]',
    effects TEXT DEFAULT '[]',
    is_compound INTEGER DEFAULT 0,
    status TEXT DEFAULT 'pending',
    role TEXT DEFAULT 'implementation',
    result TEXT DEFAULT '',
    attempt_count INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_goal ON actions(goal_id);
CREATE INDEX IF NOT EXISTS idx_actions_goal_status ON actions(goal_id, status);
CREATE INDEX IF NOT EXISTS idx_actions_parent ON actions(parent_action_id);
`

// Store wraps the shared database handle. GoalStore and ActionStore are
// views over it.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Goals() *GoalStore     { return &GoalStore{db: s.db} }
func (s *Store) Actions() *ActionStore { return &ActionStore{db: s.db} }
