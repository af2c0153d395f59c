package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

type scriptedAdapter struct {
	name       string
	minQty     decimal.Decimal
	minNot     decimal.Decimal
	minErr     error
	sellResult *OrderResult
	sellErr    error
	buyResult  *OrderResult
	buyErr     error
	sells      []decimal.Decimal
	buys       []decimal.Decimal
	price      decimal.Decimal
	priceErr   error
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) MarketSell(_ context.Context, _ string, qty decimal.Decimal, _ string) (*OrderResult, error) {
	a.sells = append(a.sells, qty)
	return a.sellResult, a.sellErr
}

func (a *scriptedAdapter) MarketBuy(_ context.Context, _ string, quoteQty decimal.Decimal, _ string) (*OrderResult, error) {
	a.buys = append(a.buys, quoteQty)
	return a.buyResult, a.buyErr
}

func (a *scriptedAdapter) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (a *scriptedAdapter) MinOrderRequirements(context.Context, string) (*MinOrder, error) {
	if a.minErr != nil {
		return nil, a.minErr
	}
	return &MinOrder{MinQty: a.minQty, MinNotional: a.minNot}, nil
}

func (a *scriptedAdapter) Price(context.Context, string) (decimal.Decimal, error) {
	return a.price, a.priceErr
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestRebalancer(adapter *scriptedAdapter) (*Rebalancer, *MemoryPendingStore, *ledger.MemStore) {
	store := NewMemoryPendingStore()
	ledStore := ledger.NewMemStore()
	led := ledger.New(ledStore, nil, nil, nil)
	return NewRebalancer(adapter, store, led, "HIVE", "BTC", nil), store, ledStore
}

func TestAddAccumulatesBelowMinimum(t *testing.T) {
	adapter := &scriptedAdapter{name: "binance", minQty: dec("100"), minNot: dec("0.0001")}
	rb, store, _ := newTestRebalancer(adapter)
	ctx := context.Background()

	executed := rb.Add(ctx, Contribution{
		GroupID: "g1", Direction: SellBaseForQuote,
		Qty: dec("25"), QuoteValue: dec("0.00005"),
	})
	assert.False(t, executed)
	assert.Empty(t, adapter.sells)

	row, err := store.Get(ctx, "binance", "HIVE", "BTC", SellBaseForQuote)
	require.NoError(t, err)
	assert.True(t, row.PendingQty.Equal(dec("25")))
	assert.Equal(t, 1, row.TransactionCount)
	assert.Equal(t, []string{"g1"}, row.TransactionIDs)
}

func TestAddExecutesOnceThresholdCleared(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "binance", minQty: dec("100"), minNot: dec("0.0001"),
		sellResult: &OrderResult{
			FilledQty:     dec("120"),
			QuoteReceived: dec("0.00024"),
			AvgPrice:      dec("0.000002"),
			Fee:           dec("0.12"),
			FeeAsset:      "HIVE",
			OrderID:       "o-1",
		},
	}
	rb, store, ledStore := newTestRebalancer(adapter)
	ctx := context.Background()

	require.False(t, rb.Add(ctx, Contribution{
		GroupID: "g1", Direction: SellBaseForQuote,
		Qty: dec("60"), QuoteValue: dec("0.00012"),
	}))
	executed := rb.Add(ctx, Contribution{
		GroupID: "g2", Direction: SellBaseForQuote,
		Qty: dec("60"), QuoteValue: dec("0.00012"),
	})
	assert.True(t, executed)

	// The whole accumulated quantity went to market.
	require.Len(t, adapter.sells, 1)
	assert.True(t, adapter.sells[0].Equal(dec("120")))

	row, err := store.Get(ctx, "binance", "HIVE", "BTC", SellBaseForQuote)
	require.NoError(t, err)
	assert.True(t, row.PendingQty.IsZero())
	assert.Zero(t, row.TransactionCount)
	assert.Empty(t, row.TransactionIDs)
	assert.Equal(t, 1, row.ExecutionCount)
	assert.True(t, row.TotalExecutedQty.Equal(dec("120")))

	require.Len(t, store.Executions, 1)
	assert.Equal(t, "o-1", store.Executions[0].OrderID)

	// Trade and commission are booked: 120 HIVE into exchange holdings,
	// 0.12 HIVE commission out.
	entries := ledStore.All()
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.TypeExchangeConv, entries[0].Type)
	assert.Equal(t, int64(120_000), entries[0].Amount)
	assert.Equal(t, ledger.UnitHive, entries[0].Unit)
	assert.Equal(t, ledger.TypeExchangeFee, entries[1].Type)
	assert.Equal(t, int64(120), entries[1].Amount)
}

func TestPartialFillRemainderCarriesForward(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "binance", minQty: dec("100"), minNot: dec("0"),
		sellResult: &OrderResult{
			FilledQty:     dec("90"),
			QuoteReceived: dec("0.00018"),
			OrderID:       "o-2",
		},
	}
	rb, store, _ := newTestRebalancer(adapter)
	ctx := context.Background()

	executed := rb.Add(ctx, Contribution{
		GroupID: "g1", Direction: SellBaseForQuote,
		Qty: dec("120"), QuoteValue: dec("0.00024"),
	})
	assert.True(t, executed)

	row, err := store.Get(ctx, "binance", "HIVE", "BTC", SellBaseForQuote)
	require.NoError(t, err)
	assert.True(t, row.PendingQty.Equal(dec("30")), "unfilled 30 carries forward, got %s", row.PendingQty)
}

func TestTradeFailureNeverShrinksPending(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "binance", minQty: dec("100"), minNot: dec("0"),
		sellErr: ErrBelowMinimum,
	}
	rb, store, ledStore := newTestRebalancer(adapter)
	ctx := context.Background()

	executed := rb.Add(ctx, Contribution{
		GroupID: "g1", Direction: SellBaseForQuote,
		Qty: dec("150"), QuoteValue: dec("0.0003"),
	})
	assert.False(t, executed)

	// The pending row was saved before the trade attempt and keeps the
	// full amount for the next event.
	row, err := store.Get(ctx, "binance", "HIVE", "BTC", SellBaseForQuote)
	require.NoError(t, err)
	assert.True(t, row.PendingQty.Equal(dec("150")))
	assert.Empty(t, store.Executions)
	assert.Empty(t, ledStore.All())
}

func TestOpposingPoolsNetBeforeTrading(t *testing.T) {
	adapter := &scriptedAdapter{name: "binance", minQty: dec("1000"), minNot: dec("1")}
	rb, store, _ := newTestRebalancer(adapter)
	ctx := context.Background()

	require.False(t, rb.Add(ctx, Contribution{
		GroupID: "sell-1", Direction: SellBaseForQuote,
		Qty: dec("100"), QuoteValue: dec("0.0002"),
	}))
	require.False(t, rb.Add(ctx, Contribution{
		GroupID: "buy-1", Direction: BuyBaseWithQuote,
		Qty: dec("40"), QuoteValue: dec("0.00008"),
	}))

	sell, err := store.Get(ctx, "binance", "HIVE", "BTC", SellBaseForQuote)
	require.NoError(t, err)
	buy, err := store.Get(ctx, "binance", "HIVE", "BTC", BuyBaseWithQuote)
	require.NoError(t, err)

	// The smaller buy side netted to zero; the sell side keeps the
	// residual 60.
	assert.True(t, buy.PendingQty.IsZero())
	assert.True(t, sell.PendingQty.Equal(dec("60")), "got %s", sell.PendingQty)
}

func TestThresholdRefreshFailureUsesCached(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "binance", minQty: dec("100"), minNot: dec("0"),
	}
	rb, store, _ := newTestRebalancer(adapter)
	ctx := context.Background()

	// First contribution caches the thresholds on the row.
	require.False(t, rb.Add(ctx, Contribution{
		GroupID: "g1", Direction: SellBaseForQuote,
		Qty: dec("10"), QuoteValue: dec("0.00002"),
	}))

	adapter.minErr = ErrConnection
	require.False(t, rb.Add(ctx, Contribution{
		GroupID: "g2", Direction: SellBaseForQuote,
		Qty: dec("10"), QuoteValue: dec("0.00002"),
	}))

	row, err := store.Get(ctx, "binance", "HIVE", "BTC", SellBaseForQuote)
	require.NoError(t, err)
	assert.True(t, row.MinQtyThreshold.Equal(dec("100")), "cached threshold survives refresh failure")
	assert.True(t, row.PendingQty.Equal(dec("20")))
}

func TestNonPositiveContributionIgnored(t *testing.T) {
	adapter := &scriptedAdapter{name: "binance"}
	rb, store, _ := newTestRebalancer(adapter)
	ctx := context.Background()

	assert.False(t, rb.Add(ctx, Contribution{GroupID: "g1", Direction: SellBaseForQuote, Qty: decimal.Zero}))
	row, err := store.Get(ctx, "binance", "HIVE", "BTC", SellBaseForQuote)
	require.NoError(t, err)
	assert.Zero(t, row.TransactionCount)
}

func TestBuyDirectionSpendsQuoteValue(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "binance", minQty: dec("50"), minNot: dec("0.0001"),
		buyResult: &OrderResult{
			FilledQty:     dec("60"),
			QuoteReceived: dec("0.00012"),
			OrderID:       "o-3",
		},
	}
	rb, _, _ := newTestRebalancer(adapter)
	ctx := context.Background()

	executed := rb.Add(ctx, Contribution{
		GroupID: "g1", Direction: BuyBaseWithQuote,
		Qty: dec("60"), QuoteValue: dec("0.00012"),
	})
	assert.True(t, executed)
	require.Len(t, adapter.buys, 1)
	assert.True(t, adapter.buys[0].Equal(dec("0.00012")), "buys spend the quote value")
}

func TestBTCCommissionPostsAsMsats(t *testing.T) {
	amount, unit := feeEntryAmount(dec("0.00000100"), "BTC", "HIVE")
	assert.Equal(t, int64(100_000), amount) // 100 sats
	assert.Equal(t, ledger.UnitMsats, unit)

	amount, unit = feeEntryAmount(dec("0.5"), "HIVE", "HIVE")
	assert.Equal(t, int64(500), amount)
	assert.Equal(t, ledger.UnitHive, unit)

	amount, _ = feeEntryAmount(dec("0.01"), "BNB", "HIVE")
	assert.Zero(t, amount, "foreign-asset commission is audit-only")
}
