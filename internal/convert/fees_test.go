package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/policy"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		HiveReturnFee:        0.010,
		ConvFeePercent:       0.5,
		ConvFeeSats:          100,
		MinInvoiceSats:       100,
		MaxInvoiceSats:       250_000,
		MaxLNRoutingFeeMsats: 50_000,
		GatewayHiveToLN:      true,
		GatewayLNToHive:      true,
	}
}

func TestConversionFeeMsats(t *testing.T) {
	p := testPolicy()
	// 0.5% of 5,000,000 msats = 25,000; plus 100 sats fixed = 100,000.
	assert.Equal(t, int64(125_000), ConversionFeeMsats(5_000_000, p))

	p.ConvFeePercent = 0
	assert.Equal(t, int64(100_000), ConversionFeeMsats(5_000_000, p))

	p.ConvFeeSats = 0
	assert.Equal(t, int64(0), ConversionFeeMsats(5_000_000, p))
}

func TestWithinInvoiceBoundsInclusive(t *testing.T) {
	p := testPolicy()
	assert.True(t, WithinInvoiceBounds(100_000, p), "exactly min is accepted")
	assert.False(t, WithinInvoiceBounds(99_000, p), "min minus one sat is rejected")
	assert.True(t, WithinInvoiceBounds(250_000_000, p), "exactly max is accepted")
	assert.False(t, WithinInvoiceBounds(250_001_000, p), "max plus one sat is rejected")

	p.MaxInvoiceSats = 0
	assert.True(t, WithinInvoiceBounds(1_000_000_000, p), "zero max means unbounded")
}

func TestReturnFeeMilli(t *testing.T) {
	assert.Equal(t, int64(10), ReturnFeeMilli(testPolicy()))
}

func TestParseMemoInstructionPrecedence(t *testing.T) {
	cases := []struct {
		name string
		memo string
		kind memoKind
	}{
		{"bolt11", "please pay lnbc45u1pnwxyzabc", memoBolt11},
		{"bolt11 uppercase", "LNBC45U1PNWXYZABC", memoBolt11},
		{"bolt11 beats address", "lnbc45u1pnwxyzabc or alice@getalby.com", memoBolt11},
		{"lightning address", "send to alice@getalby.com", memoLNAddress},
		{"address beats keepsats", "alice@getalby.com #sats", memoLNAddress},
		{"keepsats sats", "keep it #sats", memoKeepsats},
		{"keepsats hbd", "#HBD please", memoKeepsats},
		{"keepsats paywithsats", "#paywithsats", memoKeepsats},
		{"plain memo", "thanks for the coffee", memoNone},
		{"empty memo", "", memoNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseMemoInstruction(tc.memo)
			assert.Equal(t, tc.kind, got.kind)
		})
	}
}

func TestParseInvoiceMemo(t *testing.T) {
	beneficiary, delivery := parseInvoiceMemo("alice #hive", "")
	assert.Equal(t, "alice", beneficiary)
	assert.Equal(t, "HIVE", string(delivery))

	beneficiary, delivery = parseInvoiceMemo("brianoflondon #hbd", "")
	assert.Equal(t, "brianoflondon", beneficiary)
	assert.Equal(t, "HBD", string(delivery))

	beneficiary, delivery = parseInvoiceMemo("", "alice")
	assert.Equal(t, "alice", beneficiary)
	assert.Empty(t, string(delivery))

	beneficiary, _ = parseInvoiceMemo("", "")
	assert.Empty(t, beneficiary)
}
