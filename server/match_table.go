package server

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// MatchTable is a simple aggregation of active matches for bulk queries.
// It holds advisory references only: removing or keeping an entry never
// extends a match's lifetime, the owning sessions do.
type MatchTable struct {
	sync.RWMutex
	matches map[uuid.UUID]*Match
}

func NewMatchTable() *MatchTable {
	return &MatchTable{
		matches: make(map[uuid.UUID]*Match),
	}
}

func (t *MatchTable) Add(m *Match) {
	t.Lock()
	t.matches[m.ID()] = m
	t.Unlock()
}

// Remove evicts a match by id. Removing an absent match is a no-op.
func (t *MatchTable) Remove(m *Match) {
	t.Lock()
	delete(t.matches, m.ID())
	t.Unlock()
}

func (t *MatchTable) Count() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.matches)
}

// List returns an unordered snapshot of the current matches.
func (t *MatchTable) List() []*Match {
	t.RLock()
	defer t.RUnlock()
	list := make([]*Match, 0, len(t.matches))
	for _, m := range t.matches {
		list = append(list, m)
	}
	return list
}
