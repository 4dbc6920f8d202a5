// Package eventlog implements the append-only, crash-safe record of every
// event ever published in a run.
//
// Design constraints, carried over from the teacher's tasklog.Registry:
//   - The log is the sole owner of file persistence; no other component opens
//     the file directly.
//   - Every write is fsync'd before Append returns, so a write failure always
//     means the record did not survive — Bus.Publish treats that as a fatal
//     condition for the run.
//   - The log is read-only history: Append only ever adds lines; nothing is
//     ever rewritten or truncated.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

// ErrWriteFailed is returned (wrapped) when a record could not be durably
// appended. This is always fatal to the run.
var ErrWriteFailed = errors.New("eventlog: write failed")

// Record is one JSONL line: timestamp, iteration, source hat, topic,
// whether it was the iteration's triggering event, payload, routing
// outcome, and consecutive-block count.
type Record struct {
	Timestamp    time.Time          `json:"ts"`
	Iteration    uint32             `json:"iteration"`
	Hat          events.HatId       `json:"hat,omitempty"`
	Topic        topic.Topic        `json:"topic"`
	Triggered    bool               `json:"triggered"`
	Payload      string             `json:"payload"`
	RouteOutcome events.RouteOutcome `json:"route_outcome"`
	BlockedCount uint32             `json:"blocked_count,omitempty"`
}

// Log is an append-only JSONL sink with an fsync-before-return guarantee.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates (or appends to) the event log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &Log{f: f, path: path}, nil
}

// Append writes one record, fsync-ing before returning. A failure here is
// always reported as ErrWriteFailed, wrapping the underlying cause.
func (l *Log) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrWriteFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrWriteFailed, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Path returns the file path backing this log.
func (l *Log) Path() string { return l.path }

// ReadAll reads every record from the event log at path, in file order. Used
// for replaying a run in tests and by any external diagnostics tool; the
// core itself only ever appends.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return records, fmt.Errorf("eventlog: corrupt record: %w", err)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return records, nil
}
