// Package history is a durable, queryable index of past runs — not
// events — sitting alongside the authoritative EventLog.
//
// Grounded in the teacher's internal/roles/memory.Store: LevelDB-backed,
// async fire-and-forget writes over a buffered channel, a "prefix|id" key
// scheme, and log/slog for open and write diagnostics, the same split
// the teacher keeps between log (bus, roles, dispatcher) and log/slog
// (memory store).
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/titan/ralph-orchestrator/internal/loop"
)

// prefixRun is the only key prefix this store needs: one RunRecord per run,
// keyed "r|<id>". Unlike the teacher's Megram store, there is no secondary
// index to maintain — runs are always listed in full, never queried by tag.
const prefixRun = "r|"

// RunRecord summarizes one completed EventLoop run, written on every
// termination path regardless of reason.
type RunRecord struct {
	ID                string              `json:"id"`
	StartedAt         time.Time           `json:"started_at"`
	Reason            loop.TerminationReason `json:"reason"`
	Iterations        uint32              `json:"iterations"`
	DurationMs        int64               `json:"duration_ms"`
	ScratchpadExisted bool                `json:"scratchpad_existed"`
}

// Store is the LevelDB-backed run-history index.
type Store struct {
	db      *leveldb.DB
	writeCh chan RunRecord
	done    chan struct{}
}

// Open opens (or creates) a LevelDB database at dbPath and starts its
// background writer. dbPath should be a directory; LevelDB creates it if
// absent. Call Close to drain pending writes and release the database.
func Open(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}
	s := &Store{
		db:      db,
		writeCh: make(chan RunRecord, 64),
		done:    make(chan struct{}),
	}
	go s.run()
	slog.Info("history store opened", "path", dbPath)
	return s, nil
}

// Record enqueues a RunRecord for async, non-blocking persistence. Assigns
// an ID if missing. Drops the record with a warning if the write queue is
// saturated, the same backpressure the teacher's memory store applies —
// a lost history entry is a diagnostics gap, never a correctness one, since
// the EventLog remains authoritative.
func (s *Store) Record(r RunRecord) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	select {
	case s.writeCh <- r:
	default:
		slog.Warn("history write queue full, dropping run record", "id", r.ID, "reason", r.Reason)
	}
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	close(s.writeCh)
	<-s.done
	return s.db.Close()
}

func (s *Store) run() {
	defer close(s.done)
	for r := range s.writeCh {
		s.persist(r)
	}
}

func (s *Store) persist(r RunRecord) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("history: marshal run record failed", "id", r.ID, "error", err)
		return
	}
	if err := s.db.Put([]byte(prefixRun+r.ID), data, nil); err != nil {
		slog.Error("history: persist run record failed", "id", r.ID, "error", err)
		return
	}
	slog.Info("history: recorded run", "id", r.ID, "reason", r.Reason, "iterations", r.Iterations)
}

// List returns every RunRecord currently in the store, most-recently-written
// order is not guaranteed (LevelDB iterates lexicographically by key, i.e.
// by ID). Callers that need recency should sort on StartedAt.
func (s *Store) List() ([]RunRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRun)), nil)
	defer iter.Release()

	var out []RunRecord
	for iter.Next() {
		var r RunRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, iter.Error()
}
