// Package tracked defines the normalized event envelope shared by both
// watchers. Every event entering the system from the Hive block stream or
// from the Lightning node is wrapped in an Op identified by a stable group
// id; every downstream effect of the same user intent reuses that id.
package tracked

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SourceKind tags the origin and shape of an Op's payload.
type SourceKind string

const (
	SourceHiveTransfer      SourceKind = "hive_transfer"
	SourceHiveCustomJSON    SourceKind = "hive_custom_json"
	SourceHiveWitnessReward SourceKind = "hive_witness_reward"
	SourceHiveLimitOrder    SourceKind = "hive_limit_order"
	SourceLNInvoice         SourceKind = "ln_invoice"
	SourceLNPayment         SourceKind = "ln_payment"
	SourceLNForward         SourceKind = "ln_forward"
)

// State is the processing state of an Op. Transitions are monotonic along
// Ingested -> Routed -> (Processed | Failed | Skipped).
type State string

const (
	StateIngested  State = "ingested"
	StateRouted    State = "routed"
	StateProcessed State = "processed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

var stateRank = map[State]int{
	StateIngested:  0,
	StateRouted:    1,
	StateProcessed: 2,
	StateFailed:    2,
	StateSkipped:   2,
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return stateRank[s] == 2
}

// ErrBadTransition is returned by Advance for any non-monotonic move.
var ErrBadTransition = errors.New("tracked: invalid state transition")

// Op is one normalized event crossing the ingestion boundary.
type Op struct {
	GroupID       string        `bson:"group_id" json:"group_id"`
	ShortID       string        `bson:"short_id" json:"short_id"`
	Kind          SourceKind    `bson:"source_kind" json:"source_kind"`
	SourceTime    time.Time     `bson:"source_timestamp" json:"source_timestamp"`
	IngestedTime  time.Time     `bson:"ingested_timestamp" json:"ingested_timestamp"`
	State         State         `bson:"state" json:"state"`
	Payload       []byte        `bson:"payload" json:"payload"`
	ParentGroupID string        `bson:"parent_group_id,omitempty" json:"parent_group_id,omitempty"`
	ProcessTime   time.Duration `bson:"process_time,omitempty" json:"process_time,omitempty"`
	LastError     string        `bson:"last_error,omitempty" json:"last_error,omitempty"`
}

// New builds an Op in the Ingested state. The payload is JSON-encoded and
// stored as an opaque blob; the router decodes it by Kind.
func New(kind SourceKind, groupID string, sourceTime time.Time, payload any) (*Op, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal payload for %s", groupID)
	}
	return &Op{
		GroupID:      groupID,
		ShortID:      ShortID(groupID),
		Kind:         kind,
		SourceTime:   sourceTime.UTC(),
		IngestedTime: time.Now().UTC(),
		State:        StateIngested,
		Payload:      raw,
	}, nil
}

// DecodePayload unmarshals the opaque payload blob into dst.
func (op *Op) DecodePayload(dst any) error {
	if err := json.Unmarshal(op.Payload, dst); err != nil {
		return errors.Wrapf(err, "decode %s payload for %s", op.Kind, op.GroupID)
	}
	return nil
}

// Advance moves the Op to a new state, enforcing monotonic transitions.
func (op *Op) Advance(to State) error {
	from := op.State
	if _, ok := stateRank[to]; !ok {
		return errors.Wrapf(ErrBadTransition, "%s -> %q", from, to)
	}
	if from.Terminal() || stateRank[to] <= stateRank[from] {
		return errors.Wrapf(ErrBadTransition, "%s -> %s", from, to)
	}
	op.State = to
	return nil
}

// MarkProcessed finishes the Op successfully, recording how long the
// handler took.
func (op *Op) MarkProcessed(elapsed time.Duration) error {
	if err := op.Advance(StateProcessed); err != nil {
		return err
	}
	op.ProcessTime = elapsed
	return nil
}

// MarkFailed finishes the Op with a preserved error.
func (op *Op) MarkFailed(cause error) error {
	if err := op.Advance(StateFailed); err != nil {
		return err
	}
	op.LastError = cause.Error()
	return nil
}

// MarkSkipped finishes the Op with a business-rejection reason.
func (op *Op) MarkSkipped(reason string) error {
	if err := op.Advance(StateSkipped); err != nil {
		return err
	}
	op.LastError = reason
	return nil
}

// NewGroupID allocates a fresh group id for an operator-originated intent.
// The id is embedded in outgoing memos so replies reattach to the chain.
func NewGroupID() string {
	return uuid.NewString()
}

// HiveGroupID derives a deterministic group id from a Hive operation's
// natural identifier: block height, transaction id and the operation's
// index inside the transaction.
func HiveGroupID(height uint32, txID string, opIndex int) string {
	return fmt.Sprintf("%d-%s-%d", height, txID, opIndex)
}

// LNGroupID derives a deterministic group id from an invoice or payment
// hash.
func LNGroupID(paymentHash []byte) string {
	return hex.EncodeToString(paymentHash)
}

// ForwardGroupID derives a group id for an HTLC forward event, which has no
// payment hash visible to us.
func ForwardGroupID(incomingChanID, outgoingChanID, incomingHTLCID uint64) string {
	raw := fmt.Sprintf("fwd-%d-%d-%d", incomingChanID, outgoingChanID, incomingHTLCID)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// ShortID is the human-readable prefix used in logs and outgoing memos.
func ShortID(groupID string) string {
	if len(groupID) <= 8 {
		return groupID
	}
	return groupID[:8]
}
