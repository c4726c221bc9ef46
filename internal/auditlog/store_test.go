package auditlog

import (
	"strings"
	"testing"
)

func TestAppendAndListNewestFirst(t *testing.T) {
	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s.Append(Entry{Tool: "shell", Verdict: "allowed", SubagentID: "aaaa1111"})
	s.Append(Entry{Tool: "write_file", Verdict: "denied", SubagentID: "bbbb2222"})

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	if entries[0].Tool != "write_file" || entries[1].Tool != "shell" {
		t.Fatalf("List() order = [%s, %s], want newest first", entries[0].Tool, entries[1].Tool)
	}
	if entries[0].CreatedAt == "" {
		t.Fatal("Append did not stamp CreatedAt")
	}
}

func TestRotationKeepsBackups(t *testing.T) {
	s, err := New(Options{StateDir: t.TempDir(), MaxBytes: 256, MaxBackups: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	long := strings.Repeat("x", 128)
	for i := 0; i < 20; i++ {
		s.Append(Entry{Tool: "shell", Summary: long, Verdict: "allowed"})
	}

	entries, err := s.List(1000)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("List() returned no entries after rotation")
	}
	// Active file plus at most 2 backups: entries are bounded, not unbounded.
	if len(entries) >= 20 {
		t.Fatalf("rotation kept all %d entries, expected old backups pruned", len(entries))
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	s.Append(Entry{Tool: "shell"})
	if entries, err := s.List(5); err != nil || entries != nil {
		t.Fatalf("nil store List() = (%v, %v), want (nil, nil)", entries, err)
	}
}
