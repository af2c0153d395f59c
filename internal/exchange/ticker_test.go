package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tickerAdapter struct {
	scriptedAdapter
	prices map[string]decimal.Decimal
	err    error
}

func (a *tickerAdapter) Price(_ context.Context, pair string) (decimal.Decimal, error) {
	if a.err != nil {
		return decimal.Zero, a.err
	}
	return a.prices[pair], nil
}

func TestTickerSourceFetchQuote(t *testing.T) {
	adapter := &tickerAdapter{prices: map[string]decimal.Decimal{
		"HIVEUSDT": dec("0.20"),
		"BTCUSDT":  dec("100000"),
	}}
	src := NewTickerSource(adapter)

	q, err := src.FetchQuote(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.20, q.HiveUSD, 1e-9)
	assert.InDelta(t, 100_000, q.BTCUSD, 1e-6)
	assert.Equal(t, 1.0, q.HBDUSD, "HBD holds the dollar peg")
}

func TestTickerSourceRejectsZeroBTCPrice(t *testing.T) {
	adapter := &tickerAdapter{prices: map[string]decimal.Decimal{
		"HIVEUSDT": dec("0.20"),
	}}
	_, err := NewTickerSource(adapter).FetchQuote(context.Background())
	assert.Error(t, err)
}

func TestTickerSourcePropagatesAdapterError(t *testing.T) {
	adapter := &tickerAdapter{err: ErrConnection}
	_, err := NewTickerSource(adapter).FetchQuote(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}
