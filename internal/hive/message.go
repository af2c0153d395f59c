package hive

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

// Custom-json message kinds, distinguished by the id suffix. The prefix is
// "v4vapp" in production and "v4vapp_dev" in development; the watcher's
// tracked-id list must match.
const (
	transferSuffix     = "_transfer"
	notificationSuffix = "_notification"
)

// TransferID returns the custom-json id for value-carrying messages.
func TransferID(prefix string) string { return prefix + transferSuffix }

// NotificationID returns the custom-json id for informational messages.
func NotificationID(prefix string) string { return prefix + notificationSuffix }

// TrackedIDs lists every custom-json id the watcher should follow for a
// prefix.
func TrackedIDs(prefix string) []string {
	return []string{TransferID(prefix), NotificationID(prefix)}
}

// TransferEnvelope is the body of a <prefix>_transfer message. It carries
// user->server, user->user and server->user value flows. Exactly one of
// the amount fields is set.
type TransferEnvelope struct {
	FromAccount    string `json:"from_account"`
	ToAccount      string `json:"to_account,omitempty"`
	Memo           string `json:"memo"`
	Sats           int64  `json:"sats,omitempty"`
	Msats          int64  `json:"msats,omitempty"`
	Hive           int64  `json:"hive,omitempty"`
	HBD            int64  `json:"hbd,omitempty"`
	InvoiceMessage string `json:"invoice_message,omitempty"`
}

// AmountMsats normalizes the envelope's value to msats.
func (t *TransferEnvelope) AmountMsats() int64 {
	if t.Msats > 0 {
		return t.Msats
	}
	return t.Sats * 1000
}

// NotificationEnvelope is the body of a <prefix>_notification message.
// Informational only; the watcher records it but never acts on it.
type NotificationEnvelope struct {
	FromAccount   string `json:"from_account"`
	ToAccount     string `json:"to_account"`
	Memo          string `json:"memo"`
	Msats         int64  `json:"msats"`
	ParentGroupID string `json:"parent_group_id"`
	Notification  bool   `json:"notification"`
}

// EncodeEnvelope renders an envelope as the custom-json body string.
func EncodeEnvelope(envelope any) (string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Wrap(err, "encode custom-json envelope")
	}
	return string(raw), nil
}

// DecodeTransferEnvelope parses a <prefix>_transfer body.
func DecodeTransferEnvelope(body string) (*TransferEnvelope, error) {
	var env TransferEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, errors.Wrap(err, "decode transfer envelope")
	}
	if env.FromAccount == "" {
		return nil, errors.New("hive: transfer envelope missing from_account")
	}
	return &env, nil
}

// DecodeNotificationEnvelope parses a <prefix>_notification body.
func DecodeNotificationEnvelope(body string) (*NotificationEnvelope, error) {
	var env NotificationEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, errors.Wrap(err, "decode notification envelope")
	}
	return &env, nil
}

// Broadcaster sends outbound on-chain actions. Transaction construction
// and signing are delegated to the implementation; handlers only see this
// interface.
type Broadcaster interface {
	// SendTransfer moves value on chain. The memo must embed the group id
	// so the reply event reattaches to the originating chain.
	SendTransfer(ctx context.Context, from, to string, amount Amount, memo string) (txID string, err error)

	// SendCustomJSON broadcasts a signed custom-json message under the
	// given id.
	SendCustomJSON(ctx context.Context, id string, payload any) (txID string, err error)
}

// Signer produces a signed transaction from an unsigned operation batch.
// Key handling lives entirely behind this interface.
type Signer interface {
	SignOperations(ctx context.Context, ops []any) (signedTx any, err error)
}

// RPCBroadcaster implements Broadcaster on top of the JSON-RPC client and
// an injected Signer.
type RPCBroadcaster struct {
	Client *Client
	Signer Signer
}

// SendTransfer implements Broadcaster.
func (b *RPCBroadcaster) SendTransfer(ctx context.Context, from, to string, amount Amount, memo string) (string, error) {
	op := []any{"transfer", map[string]any{
		"from":   from,
		"to":     to,
		"amount": amount.String(),
		"memo":   memo,
	}}
	signed, err := b.Signer.SignOperations(ctx, []any{op})
	if err != nil {
		return "", errors.Wrap(err, "sign transfer")
	}
	return b.Client.BroadcastTransaction(ctx, signed)
}

// SendCustomJSON implements Broadcaster.
func (b *RPCBroadcaster) SendCustomJSON(ctx context.Context, id string, payload any) (string, error) {
	body, err := EncodeEnvelope(payload)
	if err != nil {
		return "", err
	}
	var from string
	switch env := payload.(type) {
	case *TransferEnvelope:
		from = env.FromAccount
	case *NotificationEnvelope:
		from = env.FromAccount
	default:
		return "", errors.Errorf("hive: unsupported custom-json payload %T", payload)
	}
	op := []any{"custom_json", map[string]any{
		"id":                     id,
		"required_auths":         []string{from},
		"required_posting_auths": []string{},
		"json":                   body,
	}}
	signed, err := b.Signer.SignOperations(ctx, []any{op})
	if err != nil {
		return "", errors.Wrap(err, "sign custom json")
	}
	return b.Client.BroadcastTransaction(ctx, signed)
}

// UnitFromEnvelope maps the envelope's Hive-side amount to a ledger unit
// and milli-amount, when one is present.
func (t *TransferEnvelope) UnitFromEnvelope() (int64, ledger.Unit, bool) {
	if t.Hive > 0 {
		return t.Hive, ledger.UnitHive, true
	}
	if t.HBD > 0 {
		return t.HBD, ledger.UnitHBD, true
	}
	return 0, "", false
}
