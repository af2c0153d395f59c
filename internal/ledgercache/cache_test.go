package ledgercache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

func TestKeyChangesWithGeneration(t *testing.T) {
	acct := ledger.UserBalance("alice")
	asOf := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	k1 := Key(1, acct, asOf, 0)
	k2 := Key(2, acct, asOf, 0)
	assert.NotEqual(t, k1, k2, "a generation bump orphans every cached key")
	assert.Contains(t, k1, ":v1:")
	assert.Contains(t, k2, ":v2:")
}

func TestKeyIsStableWithinTheMinute(t *testing.T) {
	acct := ledger.UserBalance("alice")
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	assert.Equal(t,
		Key(1, acct, base, 0),
		Key(1, acct, base.Add(40*time.Second), 0),
		"as-of times inside one minute share a key")
	assert.NotEqual(t,
		Key(1, acct, base, 0),
		Key(1, acct, base.Add(2*time.Minute), 0))
}

func TestKeyVariesByAccountAndWindow(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.NotEqual(t,
		Key(1, ledger.UserBalance("alice"), asOf, 0),
		Key(1, ledger.UserBalance("bob"), asOf, 0))
	assert.NotEqual(t,
		Key(1, ledger.UserBalance("alice"), asOf, 0),
		Key(1, ledger.UserBalance("alice"), asOf, 24*time.Hour))
	assert.NotEqual(t,
		Key(1, ledger.TreasuryHive("server"), asOf, 0),
		Key(1, ledger.TreasuryHive("exchange"), asOf, 0))
}
