package workqueue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, name string) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "work_queues.db"), name)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestClaimOldestFirst(t *testing.T) {
	q := openTestQueue(t, "q1")

	first, err := q.Enqueue("first task", "", 0)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// created_at has second granularity; force distinct ordering.
	time.Sleep(1100 * time.Millisecond)
	if _, err := q.Enqueue("second task", "", 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	item, err := q.Claim("worker-a")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if item.ID != first {
		t.Fatalf("claimed %q, want oldest %q", item.ID, first)
	}
	if item.Status != StatusAssigned || item.AssignedTo != "worker-a" {
		t.Fatalf("claimed item = %s/%s", item.Status, item.AssignedTo)
	}
	if item.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1", item.AttemptCount)
	}
	if item.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d, want default 3", item.MaxAttempts)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	q := openTestQueue(t, "q1")
	if _, err := q.Claim("worker-a"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Claim() error = %v, want ErrEmpty", err)
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work_queues.db")
	qa, err := Open(path, "queue-a")
	if err != nil {
		t.Fatal(err)
	}
	defer qa.Close()
	qb, err := Open(path, "queue-b")
	if err != nil {
		t.Fatal(err)
	}
	defer qb.Close()

	if _, err := qa.Enqueue("a's work", "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := qb.Claim("worker"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Claim() across queues error = %v, want ErrEmpty", err)
	}
}

func TestCompleteStoresResult(t *testing.T) {
	q := openTestQueue(t, "q1")
	id, err := q.Enqueue("do it", "ctx", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim("worker-a"); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(id, "all done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	item, err := q.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != StatusCompleted || item.Result != "all done" {
		t.Fatalf("item = %s/%q", item.Status, item.Result)
	}
	if item.CompletedAt == 0 {
		t.Fatal("completed_at not stamped")
	}
}

func TestFailRetriesUntilAttemptsExhausted(t *testing.T) {
	q := openTestQueue(t, "q1")
	id, err := q.Enqueue("flaky", "", 2)
	if err != nil {
		t.Fatal(err)
	}

	// First attempt: claim + fail -> back to pending.
	if _, err := q.Claim("w"); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(id, "boom 1"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	item, err := q.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != StatusPending {
		t.Fatalf("status after first failure = %s, want pending", item.Status)
	}
	if item.AssignedTo != "" {
		t.Fatalf("assigned_to = %q after failure, want cleared", item.AssignedTo)
	}

	// Second attempt exhausts max_attempts=2 -> failed for good.
	if _, err := q.Claim("w"); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(id, "boom 2"); err != nil {
		t.Fatal(err)
	}
	item, err = q.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != StatusFailed || item.Error != "boom 2" {
		t.Fatalf("item = %s/%q, want failed/boom 2", item.Status, item.Error)
	}

	if _, err := q.Claim("w"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Claim() after exhaustion error = %v, want ErrEmpty", err)
	}
}

func TestCountsAndDestroy(t *testing.T) {
	q := openTestQueue(t, "q1")
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("task", "", 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Claim("w"); err != nil {
		t.Fatal(err)
	}

	pending, err := q.PendingCount()
	if err != nil {
		t.Fatal(err)
	}
	assigned, err := q.AssignedCount()
	if err != nil {
		t.Fatal(err)
	}
	if pending != 2 || assigned != 1 {
		t.Fatalf("counts = %d pending/%d assigned, want 2/1", pending, assigned)
	}

	if err := q.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	pending, err = q.PendingCount()
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Fatalf("pending after destroy = %d, want 0", pending)
	}
}

func TestDeleteBypassesRetryBudget(t *testing.T) {
	q := openTestQueue(t, "q1")
	id, err := q.Enqueue("doomed", "", 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := q.GetItem(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetItem() after delete error = %v, want ErrNotFound", err)
	}
	// Unlike Fail, the item must not resurface as claimable.
	if _, err := q.Claim("w"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Claim() after delete error = %v, want ErrEmpty", err)
	}
	if err := q.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestGetItemUnknown(t *testing.T) {
	q := openTestQueue(t, "q1")
	if _, err := q.GetItem("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetItem() error = %v, want ErrNotFound", err)
	}
}
