package rates

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

// testQuote pins 1 HIVE = 200 sats and 1 HBD = 1000 sats.
func testQuote() Quote {
	return Quote{HiveUSD: 0.20, HBDUSD: 1.0, BTCUSD: 100_000}
}

type countingSource struct {
	quote Quote
	err   error
	calls int
}

func (s *countingSource) FetchQuote(context.Context) (Quote, error) {
	s.calls++
	return s.quote, s.err
}

func TestSatsPerHive(t *testing.T) {
	assert.Equal(t, 200.0, testQuote().SatsPerHive())
	assert.Equal(t, 1000.0, testQuote().SatsPerHBD())
	assert.Zero(t, Quote{HiveUSD: 0.2}.SatsPerHive(), "zero BTC price yields zero, not a division error")
}

func TestCurrentCachesWithinTTL(t *testing.T) {
	source := &countingSource{quote: testQuote()}
	svc := NewService(source, nil, nil, false)
	ctx := context.Background()

	q1, err := svc.Current(ctx)
	require.NoError(t, err)
	q2, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, q1.FetchedAt, q2.FetchedAt)
	assert.False(t, q1.FetchedAt.IsZero())
}

func TestCurrentServesStaleQuoteWhenSourceFails(t *testing.T) {
	source := &countingSource{quote: testQuote()}
	svc := NewService(source, nil, nil, false)
	ctx := context.Background()

	first, err := svc.Current(ctx)
	require.NoError(t, err)

	// Force the cache stale, then break the source.
	svc.mu.Lock()
	svc.cached.FetchedAt = time.Now().Add(-2 * svc.ttl)
	svc.mu.Unlock()
	source.err = errors.New("ticker unreachable")

	stale, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.HiveUSD, stale.HiveUSD)
}

func TestCurrentFailsWithNothingCached(t *testing.T) {
	source := &countingSource{err: errors.New("ticker unreachable")}
	svc := NewService(source, nil, nil, false)
	_, err := svc.Current(context.Background())
	assert.Error(t, err)
}

func TestHiveToMsats(t *testing.T) {
	q := testQuote()
	assert.Equal(t, int64(5_000_000), q.HiveToMsats(25_000, ledger.UnitHive))
	assert.Equal(t, int64(2_000_000), q.HiveToMsats(2_000, ledger.UnitHBD))
	// Msats pass through untouched.
	assert.Equal(t, int64(42), q.HiveToMsats(42, ledger.UnitMsats))
}

func TestMsatsToHive(t *testing.T) {
	q := testQuote()
	assert.Equal(t, int64(49_250), q.MsatsToHive(9_850_000, ledger.UnitHive))
	assert.Equal(t, int64(9_850), q.MsatsToHive(9_850_000, ledger.UnitHBD))
	assert.Equal(t, int64(42), q.MsatsToHive(42, ledger.UnitMsats))
	assert.Zero(t, Quote{}.MsatsToHive(1_000_000, ledger.UnitHive))
}

func TestConvForFreezesAllLegs(t *testing.T) {
	q := testQuote()

	conv := q.ConvFor(25_000, ledger.UnitHive)
	assert.InDelta(t, 25.0, conv.Hive, 1e-9)
	assert.InDelta(t, 5.0, conv.USD, 1e-9)
	assert.InDelta(t, 5.0, conv.HBD, 1e-9)
	assert.Equal(t, int64(5_000_000), conv.MSats)

	conv = q.ConvFor(5_000_000, ledger.UnitMsats)
	assert.InDelta(t, 25.0, conv.Hive, 1e-6)
	assert.InDelta(t, 5.0, conv.USD, 1e-9)
	assert.Equal(t, int64(5_000_000), conv.MSats)
}
