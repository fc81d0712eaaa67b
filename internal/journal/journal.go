package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Log kinds. Each kind is written to its own append-only JSONL file.
const (
	KindDecision = "decision"
	KindSignal   = "signal"
	KindTrade    = "trade"
	KindEvent    = "event"
)

var files = map[string]string{
	KindDecision: "decisions.jsonl",
	KindSignal:   "signals.jsonl",
	KindTrade:    "trades.jsonl",
	KindEvent:    "events.jsonl",
}

// Entry is one line of a journal file.
type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Journal appends audit records to per-kind JSONL files and keeps the most
// recent entries of each kind in memory for operator queries.
type Journal struct {
	dir         string
	recentLimit int

	mu     sync.Mutex
	recent map[string][]Entry
	now    func() time.Time
}

// New creates the journal directory if needed.
func New(dir string, recentLimit int) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if recentLimit <= 0 {
		recentLimit = 200
	}
	return &Journal{
		dir:         dir,
		recentLimit: recentLimit,
		recent:      make(map[string][]Entry),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dir returns the directory the journal writes into.
func (j *Journal) Dir() string { return j.dir }

// Append writes one record of the given kind. The in-memory ring is updated
// even when the disk write fails so queries keep working.
func (j *Journal) Append(kind string, data any) error {
	name, ok := files[kind]
	if !ok {
		return fmt.Errorf("unknown journal kind %q", kind)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{Type: kind, Data: payload, Event: j.now()}
	ring := append(j.recent[kind], entry)
	if len(ring) > j.recentLimit {
		ring = ring[len(ring)-j.recentLimit:]
	}
	j.recent[kind] = ring

	return appendLine(filepath.Join(j.dir, name), entry)
}

// Recent returns up to limit entries of a kind, newest last.
func (j *Journal) Recent(kind string, limit int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	ring := j.recent[kind]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]Entry, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

// ReadAll loads every entry of a kind from disk, skipping corrupt lines.
func (j *Journal) ReadAll(kind string) ([]Entry, error) {
	name, ok := files[kind]
	if !ok {
		return nil, fmt.Errorf("unknown journal kind %q", kind)
	}
	return readLines(filepath.Join(j.dir, name))
}

func appendLine(path string, entry Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
