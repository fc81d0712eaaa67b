package portfolio

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/journal"
)

// Store persists portfolio snapshots as a single JSON record replaced
// atomically on every save.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns the persisted snapshot, or false when none exists.
func (s *Store) Load() (Snapshot, bool, error) {
	var snap Snapshot
	ok, err := journal.ReadJSON(s.path, &snap)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if snap.Cash.IsNegative() {
		return Snapshot{}, false, fmt.Errorf("portfolio snapshot %s has negative cash", s.path)
	}
	return snap, true, nil
}

// Open restores the persisted portfolio or starts a fresh one.
func (s *Store) Open(initialCash float64) (*Portfolio, bool, error) {
	snap, ok, err := s.Load()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return New(initialCash), false, nil
	}
	return Restore(snap), true, nil
}

// Save writes the next version of p.
func (s *Store) Save(p *Portfolio, at time.Time) (int64, error) {
	snap := p.Snapshot()
	snap.Version++
	snap.UpdatedAt = at.UTC()
	if err := journal.WriteJSONAtomic(s.path, snap); err != nil {
		return 0, fmt.Errorf("save portfolio: %w", err)
	}
	return p.bumpVersion(at), nil
}
