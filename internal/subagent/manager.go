package subagent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/auditlog"
	"github.com/wardenhq/warden/internal/gate"
)

const (
	// maxSubagentsCeiling is the hard cap regardless of configuration.
	maxSubagentsCeiling = 20
	// timeoutCeiling bounds a single delegation.
	timeoutCeiling = 3600 * time.Second

	// killGracePeriod separates the graceful signal from the forced kill,
	// giving a cooperative child time to flush buffered output.
	killGracePeriod = 2 * time.Second

	statusPollInterval = 100 * time.Millisecond
)

var (
	ErrCapReached  = errors.New("subagent limit reached")
	ErrNestedSpawn = errors.New("subagents cannot spawn subagents")
	ErrNotFound    = errors.New("subagent not found")
)

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger

	// SelfPath is the agent binary to exec for children. Defaults to the
	// current executable.
	SelfPath string

	// MaxSubagents caps the collection size (ceiling 20).
	MaxSubagents int
	// Timeout bounds each child's runtime (ceiling 1h).
	Timeout time.Duration

	// IsSubagentProcess forbids spawning: delegation is depth-1 only.
	IsSubagentProcess bool

	// Gate evaluates proxied approval requests.
	Gate *gate.Gate
	// Audit, when set, records one entry per proxied verdict.
	Audit *auditlog.Store

	// ParentEnv is appended to each child's environment (parent agent id
	// and similar markers).
	ParentEnv []string
}

// Manager owns a bounded, spawn-ordered collection of Subagents. It is not
// safe for concurrent use: every method runs on the single control thread
// that also drives the parent's own turn loop.
type Manager struct {
	log *slog.Logger

	selfPath string
	maxSubs  int
	timeout  time.Duration
	nested   bool

	gate  *gate.Gate
	audit *auditlog.Store
	env   []string

	subs []*Subagent
}

func NewManager(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	selfPath := strings.TrimSpace(opts.SelfPath)
	if selfPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve agent binary: %w", err)
		}
		selfPath = exe
	}

	maxSubs := opts.MaxSubagents
	if maxSubs <= 0 {
		maxSubs = 5
	}
	if maxSubs > maxSubagentsCeiling {
		maxSubs = maxSubagentsCeiling
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if timeout > timeoutCeiling {
		timeout = timeoutCeiling
	}

	return &Manager{
		log:      logger.With("component", "subagent_manager"),
		selfPath: selfPath,
		maxSubs:  maxSubs,
		timeout:  timeout,
		nested:   opts.IsSubagentProcess,
		gate:     opts.Gate,
		audit:    opts.Audit,
		env:      opts.ParentEnv,
	}, nil
}

// Count returns the number of tracked subagents.
func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	return len(m.subs)
}

// RunningCount returns the number of live children.
func (m *Manager) RunningCount() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, s := range m.subs {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Spawn starts a child agent for the given task. Process-creation failure
// is reported synchronously; the collection is unchanged on error.
func (m *Manager) Spawn(task, context string) (string, error) {
	if m == nil {
		return "", errors.New("nil manager")
	}
	if m.nested {
		return "", ErrNestedSpawn
	}
	if len(m.subs) >= m.maxSubs {
		return "", fmt.Errorf("%w (%d)", ErrCapReached, m.maxSubs)
	}
	if strings.TrimSpace(task) == "" {
		return "", errors.New("missing task")
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("create output pipe: %w", err)
	}
	channel, err := approval.NewChannel()
	if err != nil {
		outR.Close()
		outW.Close()
		return "", fmt.Errorf("create approval channel: %w", err)
	}

	args := []string{"subagent", "--task", task}
	if strings.TrimSpace(context) != "" {
		args = append(args, "--context", context)
	}

	cmd := exec.Command(m.selfPath, args...)
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.Stdin = nil
	cmd.ExtraFiles = channel.ChildFiles()
	// ExtraFiles start at fd 3 in the child.
	cmd.Env = append(os.Environ(), channel.ChildEnv(3)...)
	cmd.Env = append(cmd.Env, m.env...)
	// Children get their own process group so kill signals never reach
	// the parent's group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		channel.Close()
		return "", fmt.Errorf("start subagent: %w", err)
	}

	// Parent-side copies of the child's ends must close now, otherwise the
	// output pipe never reaches EOF and the severed-channel invariant on
	// the approval pipes cannot fire.
	outW.Close()
	channel.CloseChildEnds()

	s := &Subagent{
		ID:        newSubagentID(),
		Task:      task,
		Context:   context,
		Status:    StatusRunning,
		StartTime: time.Now(),
		cmd:       cmd,
		outR:      outR,
		channel:   channel,
		exited:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		s.exitCode, s.signaled = classifyExit(cmd, err)
		close(s.exited)
	}()

	m.subs = append(m.subs, s)
	m.log.Info("subagent spawned",
		slog.String("subagent", s.ShortID()),
		slog.Int("pid", cmd.Process.Pid),
	)
	return s.ID, nil
}

func classifyExit(cmd *exec.Cmd, err error) (code int, signaled string) {
	if cmd.ProcessState == nil {
		if err != nil {
			return -1, ""
		}
		return 0, ""
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return cmd.ProcessState.ExitCode(), ""
}

// PollAll advances every running subagent without blocking: drains available
// output, reaps exited children, and escalates timeouts. Returns the number
// of subagents whose status changed.
func (m *Manager) PollAll() int {
	if m == nil {
		return 0
	}
	changes := 0
	for _, s := range m.subs {
		if s.Status != StatusRunning {
			continue
		}

		m.drainAvailable(s)

		select {
		case <-s.exited:
			m.finishExited(s)
			changes++
			continue
		default:
		}

		if time.Since(s.StartTime) > m.timeout {
			m.killTimedOut(s)
			changes++
		}
	}
	return changes
}

// drainAvailable moves any bytes sitting in the output pipe into the
// subagent's buffer without blocking.
func (m *Manager) drainAvailable(s *Subagent) {
	if s.outR == nil {
		return
	}
	if err := s.outR.SetReadDeadline(time.Now()); err != nil {
		return
	}
	defer s.outR.SetReadDeadline(time.Time{})

	chunk := make([]byte, 4096)
	for {
		n, err := s.outR.Read(chunk)
		if n > 0 {
			m.appendOutput(s, chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// drainFinal reads the pipe to EOF after the child has exited. The write
// ends are closed at this point, so EOF is guaranteed; the deadline is a
// backstop only.
func (m *Manager) drainFinal(s *Subagent) {
	if s.outR == nil {
		return
	}
	_ = s.outR.SetReadDeadline(time.Now().Add(time.Second))
	chunk := make([]byte, 4096)
	for {
		n, err := s.outR.Read(chunk)
		if n > 0 {
			m.appendOutput(s, chunk[:n])
		}
		if err != nil {
			break
		}
	}
	s.outR.Close()
	s.outR = nil
}

func (m *Manager) appendOutput(s *Subagent, b []byte) {
	room := maxOutputBytes - s.output.Len()
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	s.output.Write(b)
}

func (m *Manager) finishExited(s *Subagent) {
	m.drainFinal(s)
	s.channel.Close()

	if s.signaled == "" && s.exitCode == 0 {
		s.Status = StatusCompleted
		s.Result = s.Output()
	} else {
		s.Status = StatusFailed
		s.Error = exitErrorMessage(s.exitCode, s.signaled, s.Output())
	}
	m.log.Info("subagent finished",
		slog.String("subagent", s.ShortID()),
		slog.String("status", s.Status),
		slog.Duration("elapsed", time.Since(s.StartTime)),
	)
}

// killTimedOut escalates in two stages so a cooperative child can flush
// buffered output before dying.
func (m *Manager) killTimedOut(s *Subagent) {
	m.log.Warn("subagent timed out",
		slog.String("subagent", s.ShortID()),
		slog.Duration("timeout", m.timeout),
	)
	m.terminateProcess(s)
	m.drainFinal(s)
	s.channel.Close()
	s.Status = StatusTimeout
	s.Error = "subagent execution timed out"
}

// terminateProcess sends SIGTERM, waits the grace period, then SIGKILLs if
// the child is still alive.
func (m *Manager) terminateProcess(s *Subagent) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-s.exited:
		return
	case <-time.After(killGracePeriod):
	}
	_ = s.cmd.Process.Signal(unix.SIGKILL)
	<-s.exited
}

// GetStatus looks a subagent up by id. With wait set it blocks in a bounded
// poll loop until the subagent reaches a terminal status.
func (m *Manager) GetStatus(id string, wait bool) (*Subagent, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	s := m.find(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !wait || isTerminalStatus(s.Status) {
		return s, nil
	}

	// Bounded: PollAll enforces the timeout escalation, so the subagent
	// must reach a terminal state within timeout + grace.
	deadline := time.Now().Add(m.timeout + killGracePeriod + 5*time.Second)
	for !isTerminalStatus(s.Status) && time.Now().Before(deadline) {
		m.PollAll()
		if isTerminalStatus(s.Status) {
			break
		}
		time.Sleep(statusPollInterval)
	}
	return s, nil
}

func (m *Manager) find(id string) *Subagent {
	for _, s := range m.subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Subagents returns the collection in spawn order.
func (m *Manager) Subagents() []*Subagent {
	if m == nil {
		return nil
	}
	return m.subs
}

// ApprovalRequestFDs returns the request descriptors of running subagents
// alongside their collection indexes, for the caller's readiness wait.
func (m *Manager) ApprovalRequestFDs() (fds []int, indexes []int) {
	if m == nil {
		return nil, nil
	}
	for i, s := range m.subs {
		if s.Status != StatusRunning {
			continue
		}
		fd := s.channel.RequestFD()
		if fd < 0 {
			continue
		}
		fds = append(fds, fd)
		indexes = append(indexes, i)
	}
	return fds, indexes
}

// PollApprovalRequests waits up to timeout for any running subagent's
// request channel to become readable and returns its index. Readiness test
// only; the request is consumed by HandleApprovalRequest. Returns -1 when
// nothing is pending.
func (m *Manager) PollApprovalRequests(timeout time.Duration) int {
	fds, indexes := m.ApprovalRequestFDs()
	if len(fds) == 0 {
		return -1
	}
	pollFDs := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollFDs[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	n, err := unix.Poll(pollFDs, int(timeout.Milliseconds()))
	if err != nil || n <= 0 {
		return -1
	}
	for i, pfd := range pollFDs {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			return indexes[i]
		}
	}
	return -1
}

// HandleApprovalRequest consumes the pending request of the subagent at
// index, evaluates it against the gate, writes the verdict back, and audits
// the decision. Protocol violations resolve to a denial on the wire.
func (m *Manager) HandleApprovalRequest(index int) error {
	if m == nil || index < 0 || index >= len(m.subs) {
		return errors.New("invalid subagent index")
	}
	s := m.subs[index]
	req, err := s.channel.ReadRequest()
	if err != nil {
		// Severed or malformed: nothing to answer, the child's own read
		// path degrades to denial.
		m.log.Warn("approval request read failed",
			slog.String("subagent", s.ShortID()),
			slog.String("error", err.Error()),
		)
		return err
	}

	call := gate.ToolCall{Name: req.ToolName, Arguments: req.ArgumentsJSON}
	verdict := gate.VerdictDenied
	if m.gate != nil {
		verdict = m.gate.Evaluate(call)
	}

	resp := &approval.Response{RequestID: req.RequestID, Result: string(verdict)}
	if verdict == gate.VerdictAllowedAlways {
		resp.Pattern = gate.MatchArg(call)
	}
	if err := s.channel.WriteResponse(resp); err != nil {
		m.log.Warn("approval response write failed",
			slog.String("subagent", s.ShortID()),
			slog.String("error", err.Error()),
		)
		return err
	}

	m.log.Info("approval proxied",
		slog.String("subagent", s.ShortID()),
		slog.String("tool", req.ToolName),
		slog.String("verdict", string(verdict)),
	)
	m.audit.Append(auditlog.Entry{
		Tool:       req.ToolName,
		Summary:    req.DisplaySummary,
		Verdict:    string(verdict),
		Source:     "proxy",
		SubagentID: s.ShortID(),
		RequestID:  req.RequestID,
	})
	return nil
}

// Cleanup terminates every still-running subagent and releases all
// resources. Idempotent.
func (m *Manager) Cleanup() {
	if m == nil {
		return
	}
	for _, s := range m.subs {
		if s.Status == StatusRunning {
			m.terminateProcess(s)
			m.drainFinal(s)
			s.Status = StatusFailed
			s.Error = "terminated during cleanup"
		}
		if s.outR != nil {
			s.outR.Close()
			s.outR = nil
		}
		s.channel.Close()
	}
	m.subs = nil
}
