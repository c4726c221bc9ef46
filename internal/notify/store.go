// Package notify carries messages between agent processes. Direct messages
// and channel posts live in a shared SQLite database; a background poller
// raises a pipe-readable signal when anything is pending so event loops can
// select on it alongside other descriptors.
package notify

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type DirectMessage struct {
	ID          string
	SenderID    string
	RecipientID string
	Content     string
	CreatedAt   int64
	ReadAt      int64
	ExpiresAt   int64
}

type Channel struct {
	ID           string
	Description  string
	CreatedBy    string
	CreatedAt    int64
	IsPersistent bool
}

type ChannelMessage struct {
	ID        string
	ChannelID string
	SenderID  string
	Content   string
	CreatedAt int64
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS direct_messages (
    id TEXT PRIMARY KEY,
    sender_id TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    read_at INTEGER DEFAULT NULL,
    expires_at INTEGER DEFAULT NULL
);
CREATE TABLE IF NOT EXISTS channels (
    id TEXT PRIMARY KEY,
    description TEXT,
    created_by TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    is_persistent INTEGER DEFAULT 0
);
CREATE TABLE IF NOT EXISTS channel_subscriptions (
    channel_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    subscribed_at INTEGER NOT NULL,
    last_read_at INTEGER DEFAULT 0,
    PRIMARY KEY (channel_id, agent_id),
    FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS channel_messages (
    id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_dm_recipient ON direct_messages(recipient_id, read_at);
CREATE INDEX IF NOT EXISTS idx_dm_expires ON direct_messages(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_cm_channel ON channel_messages(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_subs_agent ON channel_subscriptions(agent_id);
`

// Store is the message database. Safe for concurrent use; the poller
// goroutine and the control loop share one instance.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	p := strings.TrimSpace(dbPath)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init message schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// SendDirect queues a direct message. ttl <= 0 means no expiry.
func (s *Store) SendDirect(senderID, recipientID, content string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}
	if senderID == "" || recipientID == "" {
		return "", errors.New("missing sender or recipient")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := nowMillis()
	var expires any
	if ttl > 0 {
		expires = now + ttl.Milliseconds()
	}
	_, err := s.db.Exec(`INSERT INTO direct_messages
		(id, sender_id, recipient_id, content, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, senderID, recipientID, content, now, expires)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ReceiveDirect returns unread direct messages for an agent, oldest first,
// and marks them read.
func (s *Store) ReceiveDirect(agentID string, max int) ([]DirectMessage, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if max <= 0 {
		max = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, sender_id, recipient_id, content, created_at,
			COALESCE(read_at, 0), COALESCE(expires_at, 0)
		FROM direct_messages
		WHERE recipient_id = ? AND read_at IS NULL
		ORDER BY created_at ASC LIMIT ?`, agentID, max)
	if err != nil {
		return nil, err
	}
	var msgs []DirectMessage
	for rows.Next() {
		var m DirectMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content,
			&m.CreatedAt, &m.ReadAt, &m.ExpiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		if _, err := s.db.Exec(`UPDATE direct_messages SET read_at = ?
			WHERE recipient_id = ? AND read_at IS NULL`, nowMillis(), agentID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// HasPendingDirect reports whether unread direct messages exist for agentID.
func (s *Store) HasPendingDirect(agentID string) (bool, error) {
	if s == nil {
		return false, errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM direct_messages
		WHERE recipient_id = ? AND read_at IS NULL LIMIT 1`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CreateChannel registers a named channel.
func (s *Store) CreateChannel(name, description, creatorID string, persistent bool) error {
	if s == nil {
		return errors.New("nil store")
	}
	if name == "" || creatorID == "" {
		return errors.New("missing channel name or creator")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO channels (id, description, created_by, created_at, is_persistent)
		VALUES (?, ?, ?, ?, ?)`, name, description, creatorID, nowMillis(), persistent)
	return err
}

// Subscribe adds (or refreshes) an agent's channel subscription.
func (s *Store) Subscribe(channelName, agentID string) error {
	if s == nil {
		return errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO channel_subscriptions
		(channel_id, agent_id, subscribed_at, last_read_at) VALUES (?, ?, ?, 0)`,
		channelName, agentID, nowMillis())
	return err
}

// Unsubscribe drops a subscription.
func (s *Store) Unsubscribe(channelName, agentID string) error {
	if s == nil {
		return errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM channel_subscriptions WHERE channel_id = ? AND agent_id = ?`,
		channelName, agentID)
	return err
}

// Publish posts to a channel and returns the message id.
func (s *Store) Publish(channelName, senderID, content string) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO channel_messages (id, channel_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`, id, channelName, senderID, content, nowMillis())
	if err != nil {
		return "", err
	}
	return id, nil
}

// ReceiveChannels returns unread posts across every channel the agent
// subscribes to, oldest first, and advances the read cursors.
func (s *Store) ReceiveChannels(agentID string, max int) ([]ChannelMessage, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if max <= 0 {
		max = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT cm.id, cm.channel_id, cm.sender_id, cm.content, cm.created_at
		FROM channel_messages cm
		JOIN channel_subscriptions cs ON cm.channel_id = cs.channel_id
		WHERE cs.agent_id = ? AND cm.created_at > cs.last_read_at
		ORDER BY cm.created_at ASC LIMIT ?`, agentID, max)
	if err != nil {
		return nil, err
	}
	var msgs []ChannelMessage
	for rows.Next() {
		var m ChannelMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		if _, err := s.db.Exec(`UPDATE channel_subscriptions SET last_read_at = ?
			WHERE agent_id = ?`, nowMillis(), agentID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// HasPendingChannel reports whether any subscribed channel has unread posts.
func (s *Store) HasPendingChannel(agentID string) (bool, error) {
	if s == nil {
		return false, errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM channel_messages cm
		JOIN channel_subscriptions cs ON cm.channel_id = cs.channel_id
		WHERE cs.agent_id = ? AND cm.created_at > cs.last_read_at LIMIT 1`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CleanupExpired deletes direct messages past their expiry.
func (s *Store) CleanupExpired() (int64, error) {
	if s == nil {
		return 0, errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM direct_messages
		WHERE expires_at IS NOT NULL AND expires_at < ?`, nowMillis())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupRead deletes direct messages read longer than grace ago.
func (s *Store) CleanupRead(grace time.Duration) (int64, error) {
	if s == nil {
		return 0, errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := nowMillis() - grace.Milliseconds()
	res, err := s.db.Exec(`DELETE FROM direct_messages
		WHERE read_at IS NOT NULL AND read_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupAgent removes an agent's direct messages and subscriptions, used
// when a subagent is torn down.
func (s *Store) CleanupAgent(agentID string) error {
	if s == nil {
		return errors.New("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM direct_messages WHERE sender_id = ? OR recipient_id = ?`,
		agentID, agentID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM channel_subscriptions WHERE agent_id = ?`, agentID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
