package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireStampsPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	if got := HolderPID(path); got != os.Getpid() {
		t.Fatalf("HolderPID() = %d, want %d", got, os.Getpid())
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	// Double release is a no-op.
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}

	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("reacquire error = %v", err)
	}
	_ = again.Release()
}

func TestHolderPIDMissingFile(t *testing.T) {
	if got := HolderPID(filepath.Join(t.TempDir(), "nope.lock")); got != 0 {
		t.Fatalf("HolderPID(missing) = %d", got)
	}
}

func TestAcquireEmptyPath(t *testing.T) {
	if _, err := Acquire(""); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestContendedLock(t *testing.T) {
	// Each Acquire opens its own file description, so flock contention is
	// observable even within one process.
	path := filepath.Join(t.TempDir(), "daemon.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("contended Acquire() error = %v, want ErrAlreadyLocked", err)
	}
}
