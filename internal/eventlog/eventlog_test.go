package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/titan/ralph-orchestrator/internal/events"
)

// Expectations:
//   - Append writes a record that ReadAll can read back unchanged
//   - Multiple appends preserve publish order
func TestLog_AppendThenReadAll_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []Record{
		{Timestamp: time.Now().UTC(), Iteration: 1, Topic: "task.start", Triggered: true, Payload: "p1", RouteOutcome: events.RouteDelivered},
		{Timestamp: time.Now().UTC(), Iteration: 2, Topic: "build.done", Payload: "p2", RouteOutcome: events.RouteUnclaimed},
	}
	for _, r := range want {
		if err := l.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Iteration != want[i].Iteration || got[i].Topic != want[i].Topic {
			t.Errorf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

// Expectations:
//   - ReadAll on an empty file returns zero records and no error
func TestReadAll_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Close()

	got, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}
