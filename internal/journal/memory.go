package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

// MemoryStore is an in-process Store used by tests and by the replay
// tooling. It applies the same uniqueness and ordering rules as the
// MongoDB store.
type MemoryStore struct {
	mu          sync.Mutex
	ops         map[opKey]*tracked.Op
	checkpoints map[string]int64
}

type opKey struct {
	groupID string
	kind    tracked.SourceKind
}

// NewMemoryStore returns an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:         make(map[opKey]*tracked.Op),
		checkpoints: make(map[string]int64),
	}
}

func cloneOp(op *tracked.Op) *tracked.Op {
	cp := *op
	cp.Payload = append([]byte(nil), op.Payload...)
	return &cp
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, op *tracked.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opKey{op.GroupID, op.Kind}
	if _, ok := s.ops[key]; ok {
		return ErrDuplicate
	}
	s.ops[key] = cloneOp(op)
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, op *tracked.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opKey{op.GroupID, op.Kind}
	if _, ok := s.ops[key]; !ok {
		return ErrNotFound
	}
	s.ops[key] = cloneOp(op)
	return nil
}

// NextIngested implements Store.
func (s *MemoryStore) NextIngested(_ context.Context) (*tracked.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*tracked.Op
	for _, op := range s.ops {
		if op.State == tracked.StateIngested {
			pending = append(pending, op)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SourceTime.Before(pending[j].SourceTime)
	})
	return cloneOp(pending[0]), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, groupID string, kind tracked.SourceKind) (*tracked.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opKey{groupID, kind}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOp(op), nil
}

// FindGroup implements Store.
func (s *MemoryStore) FindGroup(_ context.Context, groupID string) ([]*tracked.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*tracked.Op
	for key, op := range s.ops {
		if key.groupID == groupID {
			out = append(out, cloneOp(op))
		}
	}
	return out, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, groupID string, kind tracked.SourceKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opKey{groupID, kind}]
	if ok && op.State == tracked.StateRouted {
		op.State = tracked.StateIngested
	}
	return nil
}

// Checkpoint implements Store.
func (s *MemoryStore) Checkpoint(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[name], nil
}

// SetCheckpoint implements Store.
func (s *MemoryStore) SetCheckpoint(_ context.Context, name string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value > s.checkpoints[name] {
		s.checkpoints[name] = value
	}
	return nil
}
