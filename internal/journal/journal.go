// Package journal is the durable event journal sitting between the
// watchers and the process router. The document store is the single point
// of serialization: a unique index on (group_id, source_kind) makes replay
// of the same source event a no-op.
package journal

import (
	"context"

	"github.com/pkg/errors"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

// ErrDuplicate is returned by Insert when the (group_id, source_kind) pair
// already exists in the journal.
var ErrDuplicate = errors.New("journal: duplicate tracked op")

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("journal: tracked op not found")

// Store is the persistence interface for tracked ops and watcher resume
// checkpoints. The MongoDB implementation is the production store; the
// in-memory implementation backs the tests.
type Store interface {
	// Insert writes a new op. Returns ErrDuplicate when the same source
	// event was already ingested.
	Insert(ctx context.Context, op *tracked.Op) error

	// Update persists state changes made by the router or a handler.
	Update(ctx context.Context, op *tracked.Op) error

	// NextIngested returns the oldest op still in the Ingested state in
	// source-timestamp order, or ErrNotFound when the queue is drained.
	NextIngested(ctx context.Context) (*tracked.Op, error)

	// Get fetches one op by its exact identity.
	Get(ctx context.Context, groupID string, kind tracked.SourceKind) (*tracked.Op, error)

	// FindGroup returns every op recorded under a group id, any kind.
	FindGroup(ctx context.Context, groupID string) ([]*tracked.Op, error)

	// Release puts a routed op back to Ingested so another worker can
	// retry it after a cancellation.
	Release(ctx context.Context, groupID string, kind tracked.SourceKind) error

	// Checkpoint reads a named watcher resume point (block height, invoice
	// add index, ...). Missing checkpoints read as zero.
	Checkpoint(ctx context.Context, name string) (int64, error)

	// SetCheckpoint advances a named resume point. Values never move
	// backwards.
	SetCheckpoint(ctx context.Context, name string, value int64) error
}

// Checkpoint names shared between the watchers and their entry points.
const (
	CheckpointHiveHead      = "hive_head_block"
	CheckpointInvoiceAdd    = "lnd_invoice_add_index"
	CheckpointInvoiceSettle = "lnd_invoice_settle_index"
	CheckpointPaymentCreate = "lnd_payment_index"
	CheckpointForwardSeenNs = "lnd_forward_seen_ns"
)
