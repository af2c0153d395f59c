package errorcode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowSuppressesRepeats(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	assert.True(t, m.Allow(ctx, "lnd_connection", "dial failed"))
	assert.False(t, m.Allow(ctx, "lnd_connection", "dial failed"))
	assert.False(t, m.Allow(ctx, "lnd_connection", "dial failed again"))

	// A different code is tracked independently.
	assert.True(t, m.Allow(ctx, "hive_node", "node unreachable"))
}

func TestAllowReAlertsAfterInterval(t *testing.T) {
	m := NewManager(nil, nil)
	m.interval = 10 * time.Millisecond
	ctx := context.Background()

	require.True(t, m.Allow(ctx, "lnd_connection", "dial failed"))
	require.False(t, m.Allow(ctx, "lnd_connection", "dial failed"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.Allow(ctx, "lnd_connection", "still failing"))
}

func TestClearReturnsActiveDuration(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	require.True(t, m.Allow(ctx, "lnd_connection", "dial failed"))
	elapsed, ok := m.Clear(ctx, "lnd_connection")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))

	// Clearing twice, or clearing an unknown code, reports not-found.
	_, ok = m.Clear(ctx, "lnd_connection")
	assert.False(t, ok)
	_, ok = m.Clear(ctx, "never_seen")
	assert.False(t, ok)
}

func TestAllowAfterClearStartsFresh(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	require.True(t, m.Allow(ctx, "router", "loop crashed"))
	_, ok := m.Clear(ctx, "router")
	require.True(t, ok)

	// The next occurrence is a new incident, not a suppressed repeat.
	assert.True(t, m.Allow(ctx, "router", "loop crashed"))
}
