// Package identity holds the process-wide agent identity: who this agent is
// and, when running as a delegated child, who spawned it. It is read from
// multiple initialization paths, so access is serialized.
package identity

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Identity struct {
	mu       sync.RWMutex
	agentID  string
	parentID string
	subagent bool
}

// New returns an identity with a fresh agent id.
func New() *Identity {
	return &Identity{agentID: uuid.NewString()}
}

// FromEnv builds an identity for a child process: the parent's id comes from
// the environment, the child still gets its own fresh id.
func FromEnv(parentID string) *Identity {
	id := New()
	id.parentID = strings.TrimSpace(parentID)
	id.subagent = id.parentID != ""
	return id
}

func (i *Identity) AgentID() string {
	if i == nil {
		return ""
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.agentID
}

func (i *Identity) ParentID() string {
	if i == nil {
		return ""
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.parentID
}

// IsSubagent reports whether this process was spawned as a delegated child.
// A subagent must never spawn further subagents.
func (i *Identity) IsSubagent() bool {
	if i == nil {
		return false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.subagent
}

// MarkSubagent flags this process as a delegated child. Used by the subagent
// entrypoint before any manager is constructed.
func (i *Identity) MarkSubagent(parentID string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.parentID = strings.TrimSpace(parentID)
	i.subagent = true
}

// ShortID returns the first 8 characters of the agent id for log tags.
func (i *Identity) ShortID() string {
	id := i.AgentID()
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
