package lnd_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/config"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/convert"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/journal"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/lnd"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/policy"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/rates"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/router"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

type staticQuote struct{ q rates.Quote }

func (s staticQuote) FetchQuote(context.Context) (rates.Quote, error) { return s.q, nil }

type defaultPolicy struct{}

func (defaultPolicy) FetchPolicy(context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func newInvoiceWatcher(t *testing.T) (*lnd.Watcher, *journal.MemoryStore) {
	t.Helper()
	store := journal.NewMemoryStore()
	return lnd.NewWatcher(&lnd.Client{Alias: "voltage"}, store, nil, nil), store
}

func TestOpenInvoiceUpdateLeavesJournalUntouched(t *testing.T) {
	ctx := context.Background()
	w, store := newInvoiceWatcher(t)
	rHash := bytes.Repeat([]byte{0xab}, 32)

	err := w.ApplyInvoiceUpdate(ctx, &lnrpc.Invoice{
		RHash:        rHash,
		State:        lnrpc.Invoice_OPEN,
		ValueMsat:    10_000_000,
		Memo:         "alice",
		AddIndex:     7,
		CreationDate: time.Now().Unix(),
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, tracked.LNGroupID(rHash), tracked.SourceLNInvoice)
	assert.ErrorIs(t, err, journal.ErrNotFound,
		"an unsettled invoice must not occupy the journal slot its settlement needs")

	addIdx, err := store.Checkpoint(ctx, journal.CheckpointInvoiceAdd)
	require.NoError(t, err)
	assert.Zero(t, addIdx, "resume must redeliver the invoice until it reaches a terminal state")
}

func TestCanceledInvoiceJournaledTerminal(t *testing.T) {
	ctx := context.Background()
	w, store := newInvoiceWatcher(t)
	rHash := bytes.Repeat([]byte{0xcd}, 32)
	created := time.Now().Add(-time.Minute).Unix()

	require.NoError(t, w.ApplyInvoiceUpdate(ctx, &lnrpc.Invoice{
		RHash: rHash, State: lnrpc.Invoice_OPEN, ValueMsat: 5_000_000,
		AddIndex: 11, CreationDate: created,
	}))
	require.NoError(t, w.ApplyInvoiceUpdate(ctx, &lnrpc.Invoice{
		RHash: rHash, State: lnrpc.Invoice_CANCELED, ValueMsat: 5_000_000,
		AddIndex: 11, CreationDate: created,
	}))

	op, err := store.Get(ctx, tracked.LNGroupID(rHash), tracked.SourceLNInvoice)
	require.NoError(t, err)
	var event lnd.InvoiceEvent
	require.NoError(t, op.DecodePayload(&event))
	assert.True(t, event.Canceled)
	assert.False(t, event.Settled)

	addIdx, err := store.Checkpoint(ctx, journal.CheckpointInvoiceAdd)
	require.NoError(t, err)
	assert.Equal(t, int64(11), addIdx)
	settleIdx, err := store.Checkpoint(ctx, journal.CheckpointInvoiceSettle)
	require.NoError(t, err)
	assert.Zero(t, settleIdx)
}

// An invoice arrives first as an open update, then settles. The
// settlement must flow through the journal to the engine and credit the
// beneficiary named in the memo.
func TestOpenThenSettledInvoiceCreditsBeneficiary(t *testing.T) {
	ctx := context.Background()
	w, store := newInvoiceWatcher(t)
	rHash := bytes.Repeat([]byte{0x5c}, 32)
	created := time.Now().Add(-time.Minute)

	require.NoError(t, w.ApplyInvoiceUpdate(ctx, &lnrpc.Invoice{
		RHash:        rHash,
		State:        lnrpc.Invoice_OPEN,
		ValueMsat:    10_000_000,
		Memo:         "alice",
		AddIndex:     7,
		CreationDate: created.Unix(),
	}))

	cfg := &config.Config{
		HiveServerAccount: "v4vapp",
		HiveServerSub:     "server",
		LNDNodeAlias:      "voltage",
		MessagePrefix:     "v4vapp",
	}
	lstore := ledger.NewMemStore()
	led := ledger.New(lstore, nil, nil, nil)
	quote := rates.Quote{HiveUSD: 0.20, HBDUSD: 1.0, BTCUSD: 100_000}
	ratesSvc := rates.NewService(staticQuote{q: quote}, nil, nil, false)
	policies := policy.NewLoader(defaultPolicy{}, time.Minute, nil)
	engine := convert.NewEngine(cfg, led, ratesSvc, policies, nil, nil, nil, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		_ = router.New(store, engine, nil, nil).Run(runCtx)
	}()
	defer func() {
		cancel()
		<-routerDone
	}()

	require.NoError(t, w.ApplyInvoiceUpdate(ctx, &lnrpc.Invoice{
		RHash:        rHash,
		State:        lnrpc.Invoice_SETTLED,
		ValueMsat:    10_000_000,
		AmtPaidMsat:  10_000_000,
		Memo:         "alice",
		AddIndex:     7,
		SettleIndex:  3,
		CreationDate: created.Unix(),
		SettleDate:   time.Now().Unix(),
	}))

	groupID := tracked.LNGroupID(rHash)
	require.Eventually(t, func() bool {
		op, err := store.Get(ctx, groupID, tracked.SourceLNInvoice)
		return err == nil && op.State == tracked.StateProcessed
	}, 5*time.Second, 20*time.Millisecond, "settlement must reach the engine and complete")

	entries := lstore.All()
	require.Len(t, entries, 3)
	byType := make(map[ledger.EntryType]*ledger.Entry, len(entries))
	for _, e := range entries {
		byType[e.Type] = e
	}
	assert.Equal(t, int64(10_000_000), byType[ledger.TypeDepositLN].Amount)
	assert.Equal(t, int64(10_000_000), byType[ledger.TypeConvSatsToHive].Amount)
	assert.Equal(t, int64(150_000), byType[ledger.TypeFeeConversion].Amount)
	assert.Equal(t, ledger.UserBalance("alice"), byType[ledger.TypeConvSatsToHive].Credit)

	addIdx, err := store.Checkpoint(ctx, journal.CheckpointInvoiceAdd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), addIdx)
	settleIdx, err := store.Checkpoint(ctx, journal.CheckpointInvoiceSettle)
	require.NoError(t, err)
	assert.Equal(t, int64(3), settleIdx)
}
