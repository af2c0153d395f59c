package tracked

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundTripsPayload(t *testing.T) {
	type payload struct {
		From   string `json:"from"`
		Amount string `json:"amount"`
	}
	src := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	op, err := New(SourceHiveTransfer, "100-abc-0", src, payload{From: "alice", Amount: "25.000 HIVE"})
	require.NoError(t, err)

	assert.Equal(t, StateIngested, op.State)
	assert.Equal(t, "100-abc-", op.ShortID)
	assert.Equal(t, src, op.SourceTime)
	assert.False(t, op.IngestedTime.IsZero())

	var got payload
	require.NoError(t, op.DecodePayload(&got))
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "25.000 HIVE", got.Amount)
}

func TestStateTransitionsAreMonotonic(t *testing.T) {
	op, err := New(SourceLNInvoice, "deadbeef", time.Now(), nil)
	require.NoError(t, err)

	require.NoError(t, op.Advance(StateRouted))
	assert.False(t, op.State.Terminal())

	require.NoError(t, op.MarkProcessed(42*time.Millisecond))
	assert.True(t, op.State.Terminal())
	assert.Equal(t, 42*time.Millisecond, op.ProcessTime)

	// Terminal states accept no further moves.
	assert.ErrorIs(t, op.Advance(StateRouted), ErrBadTransition)
	assert.ErrorIs(t, op.Advance(StateFailed), ErrBadTransition)
}

func TestBackwardTransitionRejected(t *testing.T) {
	op, err := New(SourceLNPayment, "cafe", time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, op.Advance(StateRouted))
	assert.ErrorIs(t, op.Advance(StateIngested), ErrBadTransition)
	assert.ErrorIs(t, op.Advance("bogus"), ErrBadTransition)
}

func TestMarkFailedAndSkippedRecordReason(t *testing.T) {
	op, _ := New(SourceHiveTransfer, "g1", time.Now(), nil)
	require.NoError(t, op.Advance(StateRouted))
	require.NoError(t, op.MarkFailed(assert.AnError))
	assert.Equal(t, StateFailed, op.State)
	assert.Equal(t, assert.AnError.Error(), op.LastError)

	op2, _ := New(SourceHiveTransfer, "g2", time.Now(), nil)
	require.NoError(t, op2.Advance(StateRouted))
	require.NoError(t, op2.MarkSkipped("gateway disabled"))
	assert.Equal(t, StateSkipped, op2.State)
	assert.Equal(t, "gateway disabled", op2.LastError)
}

func TestHiveGroupIDIsDeterministic(t *testing.T) {
	id := HiveGroupID(89123456, "ab12cd", 2)
	assert.Equal(t, "89123456-ab12cd-2", id)
	assert.Equal(t, id, HiveGroupID(89123456, "ab12cd", 2))
	assert.NotEqual(t, id, HiveGroupID(89123456, "ab12cd", 3))
}

func TestForwardGroupID(t *testing.T) {
	a := ForwardGroupID(700, 800, 5)
	b := ForwardGroupID(700, 800, 5)
	c := ForwardGroupID(700, 800, 6)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32) // 16 bytes hex
}

func TestLNGroupID(t *testing.T) {
	hash := []byte{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "deadbeef", LNGroupID(hash))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "12345678", ShortID("123456789abcdef"))
}

func TestNewGroupIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewGroupID(), NewGroupID())
}
