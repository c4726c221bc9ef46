// Package subagent manages delegated child agent processes: spawning,
// output collection, timeout escalation, exit classification, and proxying
// of their approval requests to the parent's gate.
package subagent

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"os"
	"os/exec"
	"time"

	"github.com/wardenhq/warden/internal/approval"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// maxOutputBytes caps a child's accumulated stdout; bytes past the cap are
// discarded, not buffered.
const maxOutputBytes = 128 << 10

func isTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Subagent is one delegated task: a child process plus its output buffer,
// approval channel and lifecycle status. All mutation happens on the
// manager's control thread.
type Subagent struct {
	ID      string
	Task    string
	Context string

	Status string
	Result string
	Error  string

	StartTime time.Time

	cmd     *exec.Cmd
	outR    *os.File
	output  bytes.Buffer
	channel *approval.Channel

	exited   chan struct{} // closed by the wait goroutine
	exitCode int
	signaled string
}

// ShortID returns the log tag form of the id.
func (s *Subagent) ShortID() string {
	if len(s.ID) > 8 {
		return s.ID[:8]
	}
	return s.ID
}

// Output returns everything drained from the child so far.
func (s *Subagent) Output() string {
	return s.output.String()
}

// newSubagentID produces a 16-hex-char token from a cryptographic source,
// falling back to a time/pid-seeded generator if the source fails.
func newSubagentID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		r := mathrand.New(mathrand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())))
		for i := range b {
			b[i] = byte(r.Intn(256))
		}
	}
	return hex.EncodeToString(b[:])
}

func exitErrorMessage(code int, signaled, output string) string {
	var msg string
	if signaled != "" {
		msg = fmt.Sprintf("subagent killed by signal %s", signaled)
	} else {
		msg = fmt.Sprintf("subagent exited with code %d", code)
	}
	if output != "" {
		msg += ". Output: " + output
	}
	return msg
}
