// Package supervisor drives one goal through a planning or execution phase:
// it issues LLM turns that exercise the planning tools, waits on subagent
// approval channels and message notifications, and exits when the phase's
// completion predicate holds against persisted state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wardenhq/warden/internal/goap"
	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/subagent"
	"github.com/wardenhq/warden/internal/workqueue"
)

// Phase selects what this supervision is allowed to do. It is supplied by
// the caller, never inferred from conversation state.
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
)

// ParsePhase validates a phase name from the command line.
func ParsePhase(s string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(s))) {
	case PhasePlan:
		return PhasePlan, nil
	case PhaseExecute:
		return PhaseExecute, nil
	default:
		return "", fmt.Errorf("phase must be %q or %q", PhasePlan, PhaseExecute)
	}
}

// Outcome is how a supervision ended. ContextExhausted and Shutdown are not
// failures: the caller may re-invoke with the same goal and phase.
type Outcome string

const (
	OutcomeComplete         Outcome = "complete"
	OutcomeContextExhausted Outcome = "context_exhausted"
	OutcomeFailed           Outcome = "failed"
	OutcomeShutdown         Outcome = "shutdown"
)

// maxConsecutiveErrors bounds how many continuation turns may fail in a row
// before the supervisor gives up on the backend.
const maxConsecutiveErrors = 3

// defaultWaitTimeout is the event-loop readiness timeout. Coarse on purpose:
// the loop re-checks completion and subagent state on every wake.
const defaultWaitTimeout = 5 * time.Second

// Conversation is the LLM session surface the supervisor drives.
type Conversation interface {
	ProcessMessage(ctx context.Context, text string) error
	Continue(ctx context.Context, notice string) error
}

type Options struct {
	Logger      *slog.Logger
	Goals       *store.GoalStore
	Actions     *store.ActionStore
	QueueDBPath string
	Session     Conversation

	// Manager, Poller and Messages are optional; without them the event
	// loop degenerates to a completion-check ticker.
	Manager  *subagent.Manager
	Poller   *notify.Poller
	Messages *notify.Store
	AgentID  string

	WaitTimeout time.Duration
}

type Supervisor struct {
	log         *slog.Logger
	goals       *store.GoalStore
	actions     *store.ActionStore
	queueDB     string
	session     Conversation
	manager     *subagent.Manager
	poller      *notify.Poller
	messages    *notify.Store
	agentID     string
	waitTimeout time.Duration
}

func New(opts Options) (*Supervisor, error) {
	if opts.Goals == nil || opts.Actions == nil {
		return nil, errors.New("missing stores")
	}
	if opts.Session == nil {
		return nil, errors.New("missing session")
	}
	if strings.TrimSpace(opts.QueueDBPath) == "" {
		return nil, errors.New("missing queue db path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	return &Supervisor{
		log:         logger.With("component", "supervisor"),
		goals:       opts.Goals,
		actions:     opts.Actions,
		queueDB:     opts.QueueDBPath,
		session:     opts.Session,
		manager:     opts.Manager,
		poller:      opts.Poller,
		messages:    opts.Messages,
		agentID:     opts.AgentID,
		waitTimeout: timeout,
	}, nil
}

// Run supervises one goal through one phase until the phase completes, the
// context budget is exhausted, errors accumulate, or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, goalID string, phase Phase) (Outcome, error) {
	if _, err := s.goals.Get(goalID); err != nil {
		return OutcomeFailed, err
	}
	s.log.Info("supervision started",
		slog.String("goal", goalID),
		slog.String("phase", string(phase)),
	)

	if phase == PhaseExecute {
		if err := s.RecoverOrphans(goalID); err != nil {
			return OutcomeFailed, fmt.Errorf("recover orphaned actions: %w", err)
		}
	}

	instruction, err := s.buildPhaseMessage(goalID, phase)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("build phase instruction: %w", err)
	}
	if err := s.session.ProcessMessage(ctx, instruction); err != nil {
		if errors.Is(err, llm.ErrContextExhausted) {
			return s.exhausted(goalID, phase)
		}
		return OutcomeFailed, fmt.Errorf("initial turn: %w", err)
	}

	done, err := s.phaseComplete(goalID, phase)
	if err != nil {
		return OutcomeFailed, err
	}
	if done {
		s.log.Info("phase complete after initial turn", slog.String("goal", goalID))
		return OutcomeComplete, nil
	}

	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			s.log.Info("supervision interrupted", slog.String("goal", goalID))
			return OutcomeShutdown, nil
		}

		notifyReady, approvalReady := s.waitForEvents(ctx)

		changes := 0
		if s.manager != nil {
			changes = s.manager.PollAll()
			if changes > 0 {
				s.log.Debug("subagent state changes", slog.Int("count", changes))
			}
			// Approvals are serviced before any further LLM turn so a
			// child never runs an unapproved tool mid-narration.
			for _, idx := range approvalReady {
				if err := s.manager.HandleApprovalRequest(idx); err != nil {
					s.log.Warn("approval handling failed", slog.String("error", err.Error()))
				}
			}
		}

		ranContinuation := false
		if notifyReady {
			if s.poller != nil {
				s.poller.ClearNotification()
			}
			ranContinuation = true
		} else if changes > 0 {
			// The poller may have found the worker's message between its
			// last cycle and this wake; check even without the signal.
			ranContinuation = true
		}
		if ranContinuation {
			err := s.runContinuation(ctx)
			switch {
			case err == nil:
				consecutiveErrors = 0
			case errors.Is(err, llm.ErrContextExhausted):
				return s.exhausted(goalID, phase)
			default:
				consecutiveErrors++
				s.log.Warn("continuation failed",
					slog.Int("consecutive", consecutiveErrors),
					slog.String("error", err.Error()),
				)
				if consecutiveErrors >= maxConsecutiveErrors {
					return OutcomeFailed, fmt.Errorf("%d consecutive continuation failures: %w",
						consecutiveErrors, err)
				}
			}
		}

		done, err := s.phaseComplete(goalID, phase)
		if err != nil {
			return OutcomeFailed, err
		}
		if done {
			s.log.Info("phase complete", slog.String("goal", goalID), slog.String("phase", string(phase)))
			return OutcomeComplete, nil
		}
	}
}

// waitForEvents blocks until the notify pipe or an approval channel is
// readable, the timeout lapses, or ctx is cancelled. Returns whether the
// notify fd fired and which subagent indexes have approval requests ready.
func (s *Supervisor) waitForEvents(ctx context.Context) (notifyReady bool, approvalReady []int) {
	var pollFDs []unix.PollFd
	notifySlot := -1
	if s.poller != nil {
		if fd := s.poller.NotifyFD(); fd >= 0 {
			notifySlot = len(pollFDs)
			pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
	}
	var approvalIndexes []int
	if s.manager != nil {
		fds, indexes := s.manager.ApprovalRequestFDs()
		for i, fd := range fds {
			pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			approvalIndexes = append(approvalIndexes, indexes[i])
		}
	}

	if len(pollFDs) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.waitTimeout):
		}
		return false, nil
	}

	n, err := unix.Poll(pollFDs, int(s.waitTimeout.Milliseconds()))
	if err != nil || n <= 0 {
		return false, nil
	}
	if notifySlot >= 0 && pollFDs[notifySlot].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
		notifyReady = true
	}
	base := 0
	if notifySlot >= 0 {
		base = 1
	}
	for i := base; i < len(pollFDs); i++ {
		if pollFDs[i].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			approvalReady = append(approvalReady, approvalIndexes[i-base])
		}
	}
	return notifyReady, approvalReady
}

// runContinuation folds pending notifications into the conversation and runs
// one continuation turn. An empty bundle is a no-op, not an error.
func (s *Supervisor) runContinuation(ctx context.Context) error {
	if s.messages == nil || s.agentID == "" {
		return nil
	}
	bundle, err := notify.CollectBundle(s.messages, s.agentID)
	if err != nil {
		return fmt.Errorf("collect notifications: %w", err)
	}
	if len(bundle) == 0 {
		return nil
	}
	s.log.Debug("processing incoming messages", slog.Int("count", len(bundle)))
	return s.session.Continue(ctx, notify.FormatForLLM(bundle))
}

// exhausted persists a resume note on the goal and reports the resumable
// outcome.
func (s *Supervisor) exhausted(goalID string, phase Phase) (Outcome, error) {
	note := "Context full during execution, respawn needed"
	if phase == PhasePlan {
		note = "Context full during planning, respawn needed"
	}
	if err := s.goals.UpdateSummary(goalID, note); err != nil {
		s.log.Warn("failed to persist exhaustion summary", slog.String("error", err.Error()))
	}
	s.log.Info("context exhausted", slog.String("goal", goalID), slog.String("phase", string(phase)))
	return OutcomeContextExhausted, nil
}

// phaseComplete evaluates the phase's completion predicate against stored
// state only — never the conversation — and applies the goal's status
// transition when the predicate holds.
func (s *Supervisor) phaseComplete(goalID string, phase Phase) (bool, error) {
	g, err := s.goals.Get(goalID)
	if err != nil {
		return false, err
	}

	switch phase {
	case PhasePlan:
		if strings.TrimSpace(g.PlanDocument) == "" {
			return false, nil
		}
		actions, err := s.actions.ListByGoal(goalID)
		if err != nil {
			return false, err
		}
		if len(actions) == 0 {
			return false, nil
		}
		if g.Status == store.GoalStatusPending {
			if err := s.goals.UpdateStatus(goalID, store.GoalStatusActive); err != nil {
				return false, err
			}
		}
		return true, nil

	case PhaseExecute:
		if g.Status == store.GoalStatusCompleted {
			return true, nil
		}
		if !goap.IsComplete(g.GoalState, g.WorldState) {
			return false, nil
		}
		if err := s.goals.UpdateStatus(goalID, store.GoalStatusCompleted); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown phase %q", phase)
	}
}

// RecoverOrphans reconciles actions left running against the true state of
// their work items. Supervisors restart after crashes and context-budget
// exits; a running action whose work item is gone or settled must not
// strand the goal.
func (s *Supervisor) RecoverOrphans(goalID string) error {
	g, err := s.goals.Get(goalID)
	if err != nil {
		return err
	}
	running, err := s.actions.ListRunning(goalID)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return nil
	}

	q, err := workqueue.Open(s.queueDB, g.QueueName)
	if err != nil {
		return err
	}
	defer q.Close()

	for _, a := range running {
		if a.WorkItemID == "" {
			if err := s.demote(a.ID, "no work item recorded"); err != nil {
				return err
			}
			continue
		}
		item, err := q.GetItem(a.WorkItemID)
		if errors.Is(err, workqueue.ErrNotFound) {
			if err := s.demote(a.ID, "work item missing"); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		switch item.Status {
		case workqueue.StatusPending:
			if err := s.demote(a.ID, "work item unclaimed"); err != nil {
				return err
			}
		case workqueue.StatusCompleted:
			s.log.Info("recovered completed action", slog.String("action", a.ID))
			if err := s.actions.UpdateStatus(a.ID, store.ActionStatusCompleted, item.Result); err != nil {
				return err
			}
		case workqueue.StatusFailed:
			s.log.Info("recovered failed action", slog.String("action", a.ID))
			if err := s.actions.UpdateStatus(a.ID, store.ActionStatusFailed, item.Error); err != nil {
				return err
			}
		case workqueue.StatusAssigned:
			// A worker is actively holding it; leave it running.
		}
	}
	return nil
}

func (s *Supervisor) demote(actionID, reason string) error {
	s.log.Info("demoting orphaned action",
		slog.String("action", actionID),
		slog.String("reason", reason),
	)
	return s.actions.UpdateStatus(actionID, store.ActionStatusPending, "")
}
