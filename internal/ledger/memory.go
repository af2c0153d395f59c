package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is the in-process Store used by tests. It enforces the same
// (group_id, ledger_type) uniqueness as the document store.
type MemStore struct {
	mu      sync.Mutex
	entries []*Entry
	slots   map[slotKey]bool
}

type slotKey struct {
	groupID string
	typ     EntryType
}

// NewMemStore returns an empty in-memory ledger store.
func NewMemStore() *MemStore {
	return &MemStore{slots: make(map[slotKey]bool)}
}

// Insert implements Store.
func (s *MemStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := slotKey{e.GroupID, e.Type}
	if s.slots[key] {
		return ErrDuplicateEntry
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	s.slots[key] = true
	return nil
}

// AccountLines implements Store.
func (s *MemStore) AccountLines(_ context.Context, acct Account, asOf time.Time, age time.Duration) ([]Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []Line
	for _, e := range s.entries {
		if e.Timestamp.After(asOf) {
			continue
		}
		if age > 0 && e.Timestamp.Before(asOf.Add(-age)) {
			continue
		}
		signed := e.SignedFor(acct)
		if signed == 0 {
			continue
		}
		lines = append(lines, Line{
			Timestamp:   e.Timestamp,
			Type:        e.Type,
			GroupID:     e.GroupID,
			Amount:      signed,
			Unit:        e.Unit,
			Description: e.Description,
		})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Timestamp.Before(lines[j].Timestamp) })
	return lines, nil
}

// Accounts implements Store.
func (s *MemStore) Accounts(_ context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[Account]bool)
	var out []Account
	for _, e := range s.entries {
		for _, a := range []Account{e.Debit, e.Credit} {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// EntriesForGroup implements Store.
func (s *MemStore) EntriesForGroup(_ context.Context, groupID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.GroupID == groupID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// All returns a copy of the journal in insertion order, for the replay
// and balance-sheet tests.
func (s *MemStore) All() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}
