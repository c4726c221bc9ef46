// Package worker drains a work queue: claim an item, run it through a fresh
// conversation, settle the item with the model's final answer, repeat until
// the queue is empty. Workers are short-lived processes launched per
// dispatched action.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/workqueue"
)

// fallbackResult stands in when the model produced no final text.
const fallbackResult = "Task completed successfully"

// Conversation is one task's worth of dialogue with the model.
type Conversation interface {
	ProcessMessage(ctx context.Context, text string) error
	LastText() string
}

type Options struct {
	Logger   *slog.Logger
	Queue    *workqueue.Queue
	WorkerID string

	// NewConversation builds a fresh conversation per work item, so one
	// task's context never bleeds into the next.
	NewConversation func() (Conversation, error)

	// Messages, when set, delivers a completion notice to the goal's
	// supervisor after each settled item.
	Messages *notify.Store
}

type Worker struct {
	log      *slog.Logger
	queue    *workqueue.Queue
	workerID string
	newConv  func() (Conversation, error)
	messages *notify.Store
}

// Stats summarizes one queue-draining run.
type Stats struct {
	Processed int
	Failed    int
}

func New(opts Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("missing work queue")
	}
	if strings.TrimSpace(opts.WorkerID) == "" {
		return nil, errors.New("missing worker id")
	}
	if opts.NewConversation == nil {
		return nil, errors.New("missing conversation factory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Worker{
		log:      logger.With("component", "worker", "worker_id", opts.WorkerID),
		queue:    opts.Queue,
		workerID: opts.WorkerID,
		newConv:  opts.NewConversation,
		messages: opts.Messages,
	}, nil
}

// Run claims and processes items until the queue is empty or ctx is
// cancelled. Item failures are settled on the queue and counted, never
// returned; only infrastructure errors abort the run.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		if ctx.Err() != nil {
			w.log.Info("worker interrupted", slog.Int("processed", stats.Processed))
			return stats, nil
		}

		item, err := w.queue.Claim(w.workerID)
		if errors.Is(err, workqueue.ErrEmpty) {
			w.log.Info("queue drained",
				slog.Int("processed", stats.Processed),
				slog.Int("failed", stats.Failed),
			)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("claim work item: %w", err)
		}
		w.log.Info("claimed work item",
			slog.String("item", item.ID),
			slog.String("task", item.TaskDescription),
		)

		result, err := w.processItem(ctx, item)
		if err != nil {
			stats.Failed++
			msg := "task processing failed: " + err.Error()
			if failErr := w.queue.Fail(item.ID, msg); failErr != nil {
				return stats, fmt.Errorf("settle failed item %s: %w", item.ID, failErr)
			}
			w.notifySupervisor(item, "failed", msg)
			continue
		}
		if err := w.queue.Complete(item.ID, result); err != nil {
			return stats, fmt.Errorf("settle completed item %s: %w", item.ID, err)
		}
		stats.Processed++
		w.notifySupervisor(item, "completed", result)
	}
}

func (w *Worker) processItem(ctx context.Context, item *workqueue.WorkItem) (string, error) {
	conv, err := w.newConv()
	if err != nil {
		return "", fmt.Errorf("start conversation: %w", err)
	}
	if err := conv.ProcessMessage(ctx, taskMessage(item)); err != nil {
		return "", err
	}
	if text := conv.LastText(); text != "" {
		return text, nil
	}
	return fallbackResult, nil
}

// taskMessage renders the work item as the opening user message.
func taskMessage(item *workqueue.WorkItem) string {
	if strings.TrimSpace(item.Context) == "" {
		return item.TaskDescription
	}
	return fmt.Sprintf("Context: %s\n\nTask: %s", item.Context, item.TaskDescription)
}

// notifySupervisor sends a best-effort completion notice so the supervising
// agent wakes up without polling the queue.
func (w *Worker) notifySupervisor(item *workqueue.WorkItem, status, detail string) {
	if w.messages == nil {
		return
	}
	goalID := goalIDFromContext(item.Context)
	if goalID == "" {
		return
	}
	content := fmt.Sprintf("Work item %s %s: %s", item.ID, status, detail)
	if _, err := w.messages.SendDirect(w.workerID, notify.SupervisorAgentID(goalID), content, 0); err != nil {
		w.log.Warn("completion notice failed",
			slog.String("item", item.ID),
			slog.String("error", err.Error()),
		)
	}
}

// goalIDFromContext pulls the goal id out of the work context envelope.
func goalIDFromContext(contextJSON string) string {
	var envelope struct {
		GoalID string `json:"goal_id"`
	}
	if err := json.Unmarshal([]byte(contextJSON), &envelope); err != nil {
		return ""
	}
	return envelope.GoalID
}
