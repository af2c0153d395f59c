package policy

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyBlobUsesDefaults(t *testing.T) {
	p, err := Parse(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.ConvFeePercent)
	assert.Equal(t, int64(100), p.ConvFeeSats)
	assert.Equal(t, int64(100), p.MinInvoiceSats)
	assert.Equal(t, int64(250_000), p.MaxInvoiceSats)
	assert.Equal(t, int64(50_000), p.MaxLNRoutingFeeMsats)
	assert.True(t, p.GatewayHiveToLN)
	assert.True(t, p.GatewayLNToHive)
}

func TestParseOverridesAndStringCoercion(t *testing.T) {
	p, err := Parse(map[string]any{
		"conv_fee_percent":   "1.5",
		"conv_fee_sats":      float64(250),
		"min_invoice_sats":   float64(500),
		"max_invoice_sats":   float64(1_000_000),
		"gateway_hive_to_ln": false,
		"gateway_ln_to_hive": "true",
		"rate_limits": []any{
			map[string]any{"hours": float64(1), "sats": float64(100_000)},
			map[string]any{"hours": float64(0), "sats": float64(5)}, // dropped
		},
		"dynamic_fees": map[string]any{"account": "v4vapp", "permlink": "fees"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.5, p.ConvFeePercent)
	assert.Equal(t, int64(250), p.ConvFeeSats)
	assert.Equal(t, int64(500), p.MinInvoiceSats)
	assert.False(t, p.GatewayHiveToLN)
	assert.True(t, p.GatewayLNToHive)
	require.Len(t, p.RateLimits, 1)
	assert.Equal(t, RateLimit{Hours: 1, Sats: 100_000}, p.RateLimits[0])
	require.NotNil(t, p.DynamicFees)
	assert.Equal(t, "v4vapp", p.DynamicFees.Account)
}

func TestParseRejectsBadBounds(t *testing.T) {
	_, err := Parse(map[string]any{
		"min_invoice_sats": float64(1000),
		"max_invoice_sats": float64(10),
	})
	assert.Error(t, err)

	_, err = Parse(map[string]any{"conv_fee_percent": float64(-1)})
	assert.Error(t, err)
}

type stubSource struct {
	blob  map[string]any
	err   error
	calls int
}

func (s *stubSource) FetchPolicy(context.Context) (map[string]any, error) {
	s.calls++
	return s.blob, s.err
}

func TestLoaderCachesWithinTTL(t *testing.T) {
	source := &stubSource{blob: map[string]any{"conv_fee_sats": float64(42)}}
	loader := NewLoader(source, time.Minute, nil)
	ctx := context.Background()

	p1, err := loader.Get(ctx)
	require.NoError(t, err)
	p2, err := loader.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, int64(42), p1.ConvFeeSats)
}

func TestLoaderServesLastGoodOnFailure(t *testing.T) {
	source := &stubSource{blob: map[string]any{"conv_fee_sats": float64(42)}}
	loader := NewLoader(source, 0, nil) // zero TTL forces a refresh per call

	p1, err := loader.Get(context.Background())
	require.NoError(t, err)

	source.err = errors.New("node unreachable")
	p2, err := loader.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestLoaderFailsWithNoPolicyAtAll(t *testing.T) {
	source := &stubSource{err: errors.New("node unreachable")}
	loader := NewLoader(source, time.Minute, nil)
	_, err := loader.Get(context.Background())
	assert.Error(t, err)
}
