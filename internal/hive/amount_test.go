package hive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("25.000 HIVE")
	require.NoError(t, err)
	assert.Equal(t, int64(25_000), a.Milli)
	assert.Equal(t, ledger.UnitHive, a.Unit)

	a, err = ParseAmount("0.001 HBD")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Milli)
	assert.Equal(t, ledger.UnitHBD, a.Unit)
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "25.000", "25.000 DOGE", "abc HIVE", "1 2 HIVE"} {
		_, err := ParseAmount(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestAmountRoundTrip(t *testing.T) {
	for _, s := range []string{"25.000 HIVE", "0.100 HIVE", "1234.567 HBD", "0.001 HIVE"} {
		a, err := ParseAmount(s)
		require.NoError(t, err)
		assert.Equal(t, s, a.String())
	}
}

func TestFromMilli(t *testing.T) {
	a := FromMilli(24_990, ledger.UnitHive)
	assert.Equal(t, "24.990 HIVE", a.String())
}
