package hive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedIDs(t *testing.T) {
	ids := TrackedIDs("v4vapp")
	assert.Equal(t, []string{"v4vapp_transfer", "v4vapp_notification"}, ids)
}

func TestTransferEnvelopeRoundTrip(t *testing.T) {
	body, err := EncodeEnvelope(&TransferEnvelope{
		FromAccount: "alice",
		ToAccount:   "bob",
		Memo:        "lunch",
		Sats:        500,
	})
	require.NoError(t, err)

	env, err := DecodeTransferEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "alice", env.FromAccount)
	assert.Equal(t, "bob", env.ToAccount)
	assert.Equal(t, int64(500), env.Sats)
}

func TestDecodeTransferEnvelopeRequiresSender(t *testing.T) {
	_, err := DecodeTransferEnvelope(`{"to_account":"bob","sats":500}`)
	assert.Error(t, err)

	_, err = DecodeTransferEnvelope(`not json`)
	assert.Error(t, err)
}

func TestTransferEnvelopeAmountMsats(t *testing.T) {
	assert.Equal(t, int64(500_000), (&TransferEnvelope{Sats: 500}).AmountMsats())
	// Explicit msats take precedence over the sats field.
	assert.Equal(t, int64(1_234), (&TransferEnvelope{Sats: 500, Msats: 1_234}).AmountMsats())
	assert.Zero(t, (&TransferEnvelope{}).AmountMsats())
}

func TestDecodeNotificationEnvelope(t *testing.T) {
	body, err := EncodeEnvelope(&NotificationEnvelope{
		FromAccount:   "v4vapp",
		ToAccount:     "alice",
		Memo:          "Unknown recipient",
		ParentGroupID: "89000000-tx-a-0",
		Notification:  true,
	})
	require.NoError(t, err)

	env, err := DecodeNotificationEnvelope(body)
	require.NoError(t, err)
	assert.True(t, env.Notification)
	assert.Equal(t, "89000000-tx-a-0", env.ParentGroupID)
}
