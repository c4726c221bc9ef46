// Package orchestrator is the long-lived daemon that keeps one supervisor
// process alive per goal that needs one. It spawns the agent binary in
// supervise mode, reaps exited supervisors, clears stale pids left by
// crashes, and respawns supervisors for goals that lost theirs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/supervisor"
)

// defaultPollInterval paces the reap/respawn cycle. Supervisors are
// heavyweight; there is no need to notice their exit within milliseconds.
const defaultPollInterval = 5 * time.Second

// killGrace is how long a supervisor gets to exit on SIGTERM before SIGKILL.
const killGrace = 100 * time.Millisecond

type Options struct {
	Logger *slog.Logger
	Goals  *store.GoalStore

	// SelfPath is the binary to spawn in supervise mode. Empty means the
	// current executable.
	SelfPath string
	// ExtraArgs are appended to every supervisor invocation (home dir,
	// model overrides).
	ExtraArgs []string

	PollInterval time.Duration
}

type Orchestrator struct {
	log      *slog.Logger
	goals    *store.GoalStore
	selfPath string
	extra    []string
	interval time.Duration

	mu       sync.Mutex
	children map[string]*child // goal id -> running supervisor
}

// child tracks one spawned supervisor. A waiter goroutine reaps the process
// the moment it exits so it never lingers as a zombie; Reap then observes
// the closed done channel and clears the goal row.
type child struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	waitErr error
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Goals == nil {
		return nil, errors.New("missing goal store")
	}
	self := opts.SelfPath
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own binary: %w", err)
		}
		self = exe
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Orchestrator{
		log:      logger.With("component", "orchestrator"),
		goals:    opts.Goals,
		selfPath: self,
		extra:    trimmedArgs(opts.ExtraArgs),
		interval: interval,
		children: make(map[string]*child),
	}, nil
}

// PhaseFor maps a goal's status to the supervision phase it needs next.
// Unplanned goals get a planning supervisor; everything else executes.
func PhaseFor(g *store.Goal) supervisor.Phase {
	if g.Status == store.GoalStatusPending {
		return supervisor.PhasePlan
	}
	return supervisor.PhaseExecute
}

// SpawnSupervisor starts a supervisor process for the goal and records its
// pid on the goal row. The child gets its own process group so orchestrator
// signals do not fan out to it.
func (o *Orchestrator) SpawnSupervisor(g *store.Goal) (int, error) {
	if g == nil {
		return 0, errors.New("nil goal")
	}
	o.mu.Lock()
	if _, running := o.children[g.ID]; running {
		o.mu.Unlock()
		return 0, fmt.Errorf("goal %s already has a supervisor", g.ID)
	}
	o.mu.Unlock()

	args := []string{"supervise", "--goal", g.ID, "--phase", string(PhaseFor(g))}
	args = append(args, o.extra...)
	cmd := exec.Command(o.selfPath, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn supervisor for goal %s: %w", g.ID, err)
	}
	pid := cmd.Process.Pid
	c := &child{cmd: cmd, pid: pid, done: make(chan struct{})}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	if err := o.goals.UpdateSupervisor(g.ID, pid, time.Now().Unix()); err != nil {
		// The child is already running; kill it rather than leak it.
		_ = cmd.Process.Kill()
		<-c.done
		return 0, err
	}

	o.mu.Lock()
	o.children[g.ID] = c
	o.mu.Unlock()

	o.log.Info("supervisor spawned",
		slog.String("goal", g.ID),
		slog.String("phase", string(PhaseFor(g))),
		slog.Int("pid", pid),
	)
	return pid, nil
}

// Reap collects supervisors we spawned that have since exited and clears
// their pids from the goal rows. Returns how many were reaped.
func (o *Orchestrator) Reap() int {
	o.mu.Lock()
	exited := make(map[string]*child)
	for goalID, c := range o.children {
		if c.exited() {
			exited[goalID] = c
			delete(o.children, goalID)
		}
	}
	o.mu.Unlock()

	for goalID, c := range exited {
		o.log.Info("supervisor exited",
			slog.String("goal", goalID),
			slog.Int("pid", c.pid),
			slog.Bool("clean", c.waitErr == nil),
		)
		if err := o.goals.UpdateSupervisor(goalID, 0, 0); err != nil {
			o.log.Warn("failed to clear supervisor pid", slog.String("error", err.Error()))
		}
	}
	return len(exited)
}

// KillSupervisor stops a goal's supervisor and pauses the goal. SIGTERM
// first; escalate to SIGKILL if it lingers past the grace period.
func (o *Orchestrator) KillSupervisor(goalID string) error {
	g, err := o.goals.Get(goalID)
	if err != nil {
		return err
	}
	if g.SupervisorPID <= 0 {
		return fmt.Errorf("goal %s has no supervisor", goalID)
	}

	pid := g.SupervisorPID
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal supervisor %d: %w", pid, err)
	}
	time.Sleep(killGrace)
	if pidAlive(pid) {
		o.log.Info("supervisor ignored SIGTERM, killing", slog.Int("pid", pid))
		_ = unix.Kill(pid, unix.SIGKILL)
	}

	o.mu.Lock()
	if c, ours := o.children[goalID]; ours {
		<-c.done
		delete(o.children, goalID)
	}
	o.mu.Unlock()

	if err := o.goals.UpdateSupervisor(goalID, 0, 0); err != nil {
		return err
	}
	return o.goals.UpdateStatus(goalID, store.GoalStatusPaused)
}

// ClearStale removes supervisor pids that no longer refer to a live process.
// These are left behind when a supervisor or a previous orchestrator died
// without cleanup.
func (o *Orchestrator) ClearStale() (int, error) {
	goals, err := o.goals.List()
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, g := range goals {
		if g.SupervisorPID <= 0 || pidAlive(g.SupervisorPID) {
			continue
		}
		o.log.Info("clearing stale supervisor pid",
			slog.String("goal", g.ID),
			slog.Int("pid", g.SupervisorPID),
		)
		if err := o.goals.UpdateSupervisor(g.ID, 0, 0); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// RespawnDead starts supervisors for pending and active goals that have
// none. Paused, completed and failed goals are left alone.
func (o *Orchestrator) RespawnDead() (int, error) {
	spawned := 0
	for _, status := range []string{store.GoalStatusPending, store.GoalStatusActive} {
		goals, err := o.goals.ListByStatus(status)
		if err != nil {
			return spawned, err
		}
		for _, g := range goals {
			if g.SupervisorPID > 0 {
				continue
			}
			if _, err := o.SpawnSupervisor(g); err != nil {
				o.log.Warn("respawn failed",
					slog.String("goal", g.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			spawned++
		}
	}
	return spawned, nil
}

// Run drives the reap/respawn cycle until ctx is cancelled, then tears down
// every supervisor it owns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.ClearStale(); err != nil {
		return fmt.Errorf("clear stale supervisors: %w", err)
	}
	o.log.Info("orchestrator started", slog.Duration("interval", o.interval))

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		o.Reap()
		if _, err := o.RespawnDead(); err != nil {
			o.log.Warn("respawn pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// shutdown terminates every supervisor this orchestrator spawned. Goals keep
// their status; the next orchestrator run picks them back up.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	children := make(map[string]*child, len(o.children))
	for id, c := range o.children {
		children[id] = c
	}
	o.children = make(map[string]*child)
	o.mu.Unlock()

	for goalID, c := range children {
		o.log.Info("stopping supervisor", slog.String("goal", goalID), slog.Int("pid", c.pid))
		_ = unix.Kill(c.pid, unix.SIGTERM)
	}
	deadline := time.Now().Add(killGrace)
	for _, c := range children {
		select {
		case <-c.done:
		case <-time.After(time.Until(deadline)):
			_ = c.cmd.Process.Kill()
			<-c.done
		}
	}
	for goalID := range children {
		if err := o.goals.UpdateSupervisor(goalID, 0, 0); err != nil {
			o.log.Warn("failed to clear supervisor pid", slog.String("error", err.Error()))
		}
	}
}

// RunningSupervisors reports the goals with a supervisor owned by this
// orchestrator instance.
func (o *Orchestrator) RunningSupervisors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.children))
	for id := range o.children {
		ids = append(ids, id)
	}
	return ids
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// Fall back to a zero signal when procfs is unreadable.
		return unix.Kill(pid, 0) == nil
	}
	return alive
}

// trimmedArgs normalizes extra args, dropping empties so callers can pass
// optionally-set flags straight through.
func trimmedArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.TrimSpace(a) != "" {
			out = append(out, a)
		}
	}
	return out
}
