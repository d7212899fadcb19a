package journal

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *EventJournal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppendRecent(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("event.%d", i)
		if err := j.Append(name, uint16(i), []byte{byte(i)}); err != nil {
			t.Fatalf("Append(%s) error = %v", name, err)
		}
	}

	n, err := j.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Count() = %d, want 5", n)
	}

	entries, err := j.Recent(3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Recent(3) returned %d entries", len(entries))
	}

	// Newest first.
	if entries[0].Name != "event.4" || entries[2].Name != "event.2" {
		t.Errorf("Recent() order: %s .. %s", entries[0].Name, entries[2].Name)
	}
	if entries[0].Version != 4 {
		t.Errorf("Version = %d, want 4", entries[0].Version)
	}
	if !bytes.Equal(entries[0].Payload, []byte{4}) {
		t.Errorf("Payload = %v", entries[0].Payload)
	}
	if entries[0].Timestamp == 0 {
		t.Error("Timestamp not recorded")
	}
}

func TestJournalEmpty(t *testing.T) {
	j := openTestJournal(t)

	n, err := j.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d on empty journal", n)
	}

	entries, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Recent() = %d entries on empty journal", len(entries))
	}
}

func TestJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := j.Append("persisted.event", 1, []byte("data")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j.Close()

	entries, err := j.Recent(1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "persisted.event" {
		t.Errorf("entries after reopen = %v", entries)
	}
}

func TestJournalClosed(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := j.Append("x", 1, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close error = %v, want ErrClosed", err)
	}
	if _, err := j.Recent(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Recent() after Close error = %v, want ErrClosed", err)
	}
	if _, err := j.Count(); !errors.Is(err, ErrClosed) {
		t.Errorf("Count() after Close error = %v, want ErrClosed", err)
	}

	// Double close is a no-op.
	if err := j.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
