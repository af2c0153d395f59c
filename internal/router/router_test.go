package router

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/config"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/convert"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/hive"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/journal"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

// newTestEngine wires an engine with no policy loader. Flows that reach
// the policy lookup panic, which the router must contain; flows that
// terminate earlier work normally.
func newTestEngine() *convert.Engine {
	cfg := &config.Config{
		HiveServerAccount: "v4vapp",
		LNDNodeAlias:      "voltage",
	}
	led := ledger.New(ledger.NewMemStore(), nil, nil, nil)
	return convert.NewEngine(cfg, led, nil, nil, nil, nil, nil, nil, nil)
}

func insertOp(t *testing.T, store journal.Store, kind tracked.SourceKind, groupID string, payload any) *tracked.Op {
	t.Helper()
	op, err := tracked.New(kind, groupID, time.Now().UTC(), payload)
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), op))
	return op
}

func TestProcessWritesSkippedOutcome(t *testing.T) {
	store := journal.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := New(store, newTestEngine(), nil, metrics)
	ctx := context.Background()

	// The server's own outbound transfer is skipped before any policy
	// lookup.
	op := insertOp(t, store, tracked.SourceHiveTransfer, "100-tx-0",
		hive.TransferOp{From: "v4vapp", To: "alice", Amount: "1.000 HIVE"})

	next, err := store.NextIngested(ctx)
	require.NoError(t, err)
	require.NoError(t, r.process(ctx, next))

	stored, err := store.Get(ctx, op.GroupID, op.Kind)
	require.NoError(t, err)
	assert.Equal(t, tracked.StateSkipped, stored.State)
	assert.Equal(t, "outbound server transfer", stored.LastError)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.Outcomes.WithLabelValues("skipped", "hive_transfer")))
}

func TestProcessWritesProcessedOutcome(t *testing.T) {
	store := journal.NewMemoryStore()
	r := New(store, newTestEngine(), nil, nil)
	ctx := context.Background()

	op := insertOp(t, store, tracked.SourceHiveWitnessReward, "101-tx-0",
		hive.ProducerRewardOp{Producer: "brianoflondon"})

	next, err := store.NextIngested(ctx)
	require.NoError(t, err)
	require.NoError(t, r.process(ctx, next))

	stored, err := store.Get(ctx, op.GroupID, op.Kind)
	require.NoError(t, err)
	assert.Equal(t, tracked.StateProcessed, stored.State)
}

func TestProcessWritesFailedOutcomeWithoutBubbling(t *testing.T) {
	store := journal.NewMemoryStore()
	r := New(store, newTestEngine(), nil, nil)
	ctx := context.Background()

	// A malformed amount fails decoding inside the handler; the typed
	// failure is recorded and process returns nil.
	op := insertOp(t, store, tracked.SourceHiveTransfer, "102-tx-0",
		hive.TransferOp{From: "alice", To: "v4vapp", Amount: "garbage"})

	next, err := store.NextIngested(ctx)
	require.NoError(t, err)
	require.NoError(t, r.process(ctx, next))

	stored, err := store.Get(ctx, op.GroupID, op.Kind)
	require.NoError(t, err)
	assert.Equal(t, tracked.StateFailed, stored.State)
	assert.NotEmpty(t, stored.LastError)
}

func TestProcessContainsHandlerPanic(t *testing.T) {
	store := journal.NewMemoryStore()
	r := New(store, newTestEngine(), nil, nil)
	ctx := context.Background()

	// This flow reaches the nil policy loader and panics. The op must
	// still land in Failed with the panic recorded, and the error must
	// bubble so Run backs off.
	op := insertOp(t, store, tracked.SourceHiveTransfer, "103-tx-0",
		hive.TransferOp{From: "alice", To: "v4vapp", Amount: "25.000 HIVE", Memo: "lnbc1"})

	next, err := store.NextIngested(ctx)
	require.NoError(t, err)
	err = r.process(ctx, next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	stored, err := store.Get(ctx, op.GroupID, op.Kind)
	require.NoError(t, err)
	assert.Equal(t, tracked.StateFailed, stored.State)
	assert.Contains(t, stored.LastError, "panic")
}

func TestProcessWaitsForParentGroup(t *testing.T) {
	store := journal.NewMemoryStore()
	r := New(store, newTestEngine(), nil, nil)
	ctx := context.Background()

	parent := insertOp(t, store, tracked.SourceHiveTransfer, "parent-group",
		hive.TransferOp{From: "v4vapp", To: "alice", Amount: "1.000 HIVE"})

	child, err := tracked.New(tracked.SourceHiveCustomJSON, "child-group", time.Now().UTC(),
		hive.CustomJSONOp{ID: "v4vapp_notification"})
	require.NoError(t, err)
	child.ParentGroupID = parent.GroupID
	require.NoError(t, store.Insert(ctx, child))

	// The parent is not terminal: the child is released back to Ingested.
	require.NoError(t, r.process(ctx, cloneForProcess(t, store, child)))
	stored, err := store.Get(ctx, child.GroupID, child.Kind)
	require.NoError(t, err)
	assert.Equal(t, tracked.StateIngested, stored.State)

	// Drive the parent to a terminal state; the child now runs.
	parentStored, err := store.Get(ctx, parent.GroupID, parent.Kind)
	require.NoError(t, err)
	require.NoError(t, parentStored.Advance(tracked.StateRouted))
	require.NoError(t, parentStored.MarkSkipped("done"))
	require.NoError(t, store.Update(ctx, parentStored))

	require.NoError(t, r.process(ctx, cloneForProcess(t, store, child)))
	stored, err = store.Get(ctx, child.GroupID, child.Kind)
	require.NoError(t, err)
	assert.True(t, stored.State.Terminal())
}

func TestUnknownParentNeverBlocks(t *testing.T) {
	store := journal.NewMemoryStore()
	r := New(store, newTestEngine(), nil, nil)
	ctx := context.Background()

	child, err := tracked.New(tracked.SourceHiveWitnessReward, "orphan-group", time.Now().UTC(),
		hive.ProducerRewardOp{Producer: "brianoflondon"})
	require.NoError(t, err)
	child.ParentGroupID = "never-seen"
	require.NoError(t, store.Insert(ctx, child))

	require.NoError(t, r.process(ctx, cloneForProcess(t, store, child)))
	stored, err := store.Get(ctx, child.GroupID, child.Kind)
	require.NoError(t, err)
	assert.Equal(t, tracked.StateProcessed, stored.State)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := journal.NewMemoryStore()
	r := New(store, newTestEngine(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// cloneForProcess re-reads the op so process sees the stored state, the
// way Run's NextIngested read does.
func cloneForProcess(t *testing.T, store journal.Store, op *tracked.Op) *tracked.Op {
	t.Helper()
	stored, err := store.Get(context.Background(), op.GroupID, op.Kind)
	require.NoError(t, err)
	return stored
}
