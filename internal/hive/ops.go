package hive

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

// TransferOp is an on-chain value transfer.
type TransferOp struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

// CustomJSONOp is a signed custom-json message.
type CustomJSONOp struct {
	ID                   string   `json:"id"`
	RequiredAuths        []string `json:"required_auths"`
	RequiredPostingAuths []string `json:"required_posting_auths"`
	JSON                 string   `json:"json"`
}

// SigningAuthority returns the account whose active key signed the
// message, falling back to the posting authority.
func (op *CustomJSONOp) SigningAuthority() string {
	if len(op.RequiredAuths) > 0 {
		return op.RequiredAuths[0]
	}
	if len(op.RequiredPostingAuths) > 0 {
		return op.RequiredPostingAuths[0]
	}
	return ""
}

// ProducerRewardOp is a witness block reward.
type ProducerRewardOp struct {
	Producer      string `json:"producer"`
	VestingShares string `json:"vesting_shares"`
}

// FillOrderOp is an internal-market order fill.
type FillOrderOp struct {
	CurrentOwner string `json:"current_owner"`
	CurrentPays  string `json:"current_pays"`
	OpenOwner    string `json:"open_owner"`
	OpenPays     string `json:"open_pays"`
}

// ExtractedOp pairs a typed operation with its position in the block,
// which forms the deterministic group id for pure inbound events.
type ExtractedOp struct {
	Kind    tracked.SourceKind
	Height  uint32
	TxID    string
	OpIndex int
	Payload any
}

// GroupID derives the stable id for this operation.
func (e *ExtractedOp) GroupID() string {
	return tracked.HiveGroupID(e.Height, e.TxID, e.OpIndex)
}

// OpFilter selects which operations in a block are interesting.
type OpFilter struct {
	Accounts  map[string]bool // senders or receivers we track
	CustomIDs map[string]bool // tracked custom-json ids
	Witnesses map[string]bool // watched witnesses for producer rewards
}

// NewOpFilter builds a filter from config slices.
func NewOpFilter(accounts, customIDs, witnesses []string) *OpFilter {
	toSet := func(items []string) map[string]bool {
		set := make(map[string]bool, len(items))
		for _, item := range items {
			set[item] = true
		}
		return set
	}
	return &OpFilter{
		Accounts:  toSet(accounts),
		CustomIDs: toSet(customIDs),
		Witnesses: toSet(witnesses),
	}
}

// ExtractOps walks a block and returns every qualifying operation:
// transfers touching a tracked account, custom-json messages with a
// tracked id, witness rewards for a watched witness and internal-market
// fills for a tracked account.
func ExtractOps(block *Block, height uint32, filter *OpFilter) ([]ExtractedOp, error) {
	var out []ExtractedOp
	for txIx, tx := range block.Transactions {
		txID := ""
		if txIx < len(block.TransactionIDs) {
			txID = block.TransactionIDs[txIx]
		}
		for opIx, rawOp := range tx.Operations {
			// Condenser operations are ["name", {body}] pairs.
			var pair []json.RawMessage
			if err := json.Unmarshal(rawOp, &pair); err != nil || len(pair) != 2 {
				return nil, errors.Errorf("hive: malformed operation in tx %s", txID)
			}
			var name string
			if err := json.Unmarshal(pair[0], &name); err != nil {
				return nil, errors.Wrap(err, "decode operation name")
			}

			switch name {
			case "transfer":
				var op TransferOp
				if err := json.Unmarshal(pair[1], &op); err != nil {
					return nil, errors.Wrap(err, "decode transfer")
				}
				if filter.Accounts[op.From] || filter.Accounts[op.To] {
					out = append(out, ExtractedOp{
						Kind: tracked.SourceHiveTransfer, Height: height,
						TxID: txID, OpIndex: opIx, Payload: op,
					})
				}
			case "custom_json":
				var op CustomJSONOp
				if err := json.Unmarshal(pair[1], &op); err != nil {
					return nil, errors.Wrap(err, "decode custom_json")
				}
				if filter.CustomIDs[op.ID] {
					out = append(out, ExtractedOp{
						Kind: tracked.SourceHiveCustomJSON, Height: height,
						TxID: txID, OpIndex: opIx, Payload: op,
					})
				}
			case "producer_reward":
				var op ProducerRewardOp
				if err := json.Unmarshal(pair[1], &op); err != nil {
					return nil, errors.Wrap(err, "decode producer_reward")
				}
				if filter.Witnesses[op.Producer] {
					out = append(out, ExtractedOp{
						Kind: tracked.SourceHiveWitnessReward, Height: height,
						TxID: txID, OpIndex: opIx, Payload: op,
					})
				}
			case "fill_order":
				var op FillOrderOp
				if err := json.Unmarshal(pair[1], &op); err != nil {
					return nil, errors.Wrap(err, "decode fill_order")
				}
				if filter.Accounts[op.CurrentOwner] || filter.Accounts[op.OpenOwner] {
					out = append(out, ExtractedOp{
						Kind: tracked.SourceHiveLimitOrder, Height: height,
						TxID: txID, OpIndex: opIx, Payload: op,
					})
				}
			}
		}
	}
	return out, nil
}
