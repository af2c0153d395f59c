package exchange

import (
	"context"
	"sync"
)

// MemoryPendingStore is the in-memory PendingStore used by tests and
// standalone tooling.
type MemoryPendingStore struct {
	mu         sync.Mutex
	rows       map[string]*PendingRebalance
	Executions []*ExecutionRecord
}

// NewMemoryPendingStore builds an empty store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{rows: make(map[string]*PendingRebalance)}
}

func clonePending(row *PendingRebalance) *PendingRebalance {
	cp := *row
	cp.TransactionIDs = append([]string(nil), row.TransactionIDs...)
	return &cp
}

// Get implements PendingStore.
func (s *MemoryPendingStore) Get(ctx context.Context, exchange, base, quote string, dir Direction) (*PendingRebalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pendingID(exchange, base, quote, dir)
	if row, ok := s.rows[id]; ok {
		return clonePending(row), nil
	}
	return &PendingRebalance{
		ID:         id,
		Exchange:   exchange,
		BaseAsset:  base,
		QuoteAsset: quote,
		Direction:  dir,
	}, nil
}

// Save implements PendingStore with the same write-if-unchanged contract
// as the document store.
func (s *MemoryPendingStore) Save(ctx context.Context, row *PendingRebalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.rows[row.ID]
	if exists && current.Version != row.Version {
		return ErrVersionConflict
	}
	if !exists && row.Version != 0 {
		return ErrVersionConflict
	}
	cp := clonePending(row)
	cp.Version = row.Version + 1
	s.rows[row.ID] = cp
	row.Version = cp.Version
	return nil
}

// RecordExecution implements PendingStore.
func (s *MemoryPendingStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Executions = append(s.Executions, rec)
	return nil
}
