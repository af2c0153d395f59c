// Package ledger implements the append-only double-entry journal. Every
// business action posts one or more balanced entries under its group id;
// balances are integer sums per native unit and are never mixed across
// units.
package ledger

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// AccountType classifies an account on the balance sheet.
type AccountType string

const (
	Asset     AccountType = "Asset"
	Liability AccountType = "Liability"
	Equity    AccountType = "Equity"
	Revenue   AccountType = "Revenue"
	Expense   AccountType = "Expense"
)

var validAccountTypes = map[AccountType]bool{
	Asset: true, Liability: true, Equity: true, Revenue: true, Expense: true,
}

// Unit is the native currency of an entry. Amounts are integers in the
// smallest unit: millisatoshis for MSATS, 1/1000 of a HIVE or HBD
// otherwise. Conversion to human units happens only at the display
// boundary.
type Unit string

const (
	UnitHive  Unit = "HIVE"
	UnitHBD   Unit = "HBD"
	UnitMsats Unit = "MSATS"
)

var validUnits = map[Unit]bool{UnitHive: true, UnitHBD: true, UnitMsats: true}

// EntryType identifies the ledger slot an entry occupies within its group.
// (group_id, entry type) is unique across the journal.
type EntryType string

const (
	TypeDepositHive      EntryType = "deposit_hive"
	TypeDepositLN        EntryType = "deposit_ln"
	TypeWithdrawHive     EntryType = "withdraw_hive"
	TypeWithdrawLN       EntryType = "withdraw_ln"
	TypeConvHiveToSats   EntryType = "conv_hive_to_sats"
	TypeConvSatsToHive   EntryType = "conv_sats_to_hive"
	TypeConvContra       EntryType = "conv_contra"
	TypeInternalTransfer EntryType = "internal_transfer"
	TypeFeeConversion    EntryType = "fee_conversion"
	TypeFeeLNRouting     EntryType = "fee_ln_routing"
	TypeFeeExpense       EntryType = "fee_expense"
	TypeExchangeConv     EntryType = "exc_conv"
	TypeExchangeFee      EntryType = "exc_fee"
	TypeOwnerLoan        EntryType = "owner_loan"
	TypeReclassifySats   EntryType = "reclassify_sats"
	TypeReclassifyHive   EntryType = "reclassify_hive"
	TypeBalanceAdjNoop   EntryType = "balance_adjustment_noop"
)

var validEntryTypes = map[EntryType]bool{
	TypeDepositHive: true, TypeDepositLN: true, TypeWithdrawHive: true,
	TypeWithdrawLN: true, TypeConvHiveToSats: true, TypeConvSatsToHive: true,
	TypeConvContra: true, TypeInternalTransfer: true, TypeFeeConversion: true,
	TypeFeeLNRouting: true, TypeFeeExpense: true, TypeExchangeConv: true,
	TypeExchangeFee: true, TypeOwnerLoan: true, TypeReclassifySats: true,
	TypeReclassifyHive: true, TypeBalanceAdjNoop: true,
}

// Account is the (type, name, sub) tuple addressing one ledger account.
// Sub distinguishes instances of the same logical account, e.g. the
// customer name under "User Balance" or the node alias under
// "LN Holdings".
type Account struct {
	Type AccountType `bson:"account_type" json:"account_type"`
	Name string      `bson:"name" json:"name"`
	Sub  string      `bson:"sub,omitempty" json:"sub,omitempty"`
}

func (a Account) String() string {
	if a.Sub == "" {
		return fmt.Sprintf("%s:%s", a.Type, a.Name)
	}
	return fmt.Sprintf("%s:%s/%s", a.Type, a.Name, a.Sub)
}

// Well-known accounts used by the conversion engine and the rebalancer.
func TreasuryHive(sub string) Account   { return Account{Asset, "Treasury Hive", sub} }
func UserBalance(user string) Account   { return Account{Liability, "User Balance", user} }
func LNHoldings(node string) Account    { return Account{Asset, "LN Holdings", node} }
func ExternalLNPayments() Account       { return Account{Asset, "External LN Payments", ""} }
func ExchangeHoldings(ex string) Account { return Account{Asset, "Exchange Holdings", ex} }
func ConversionFees() Account           { return Account{Revenue, "Conversion Fees", ""} }
func LNRoutingFees() Account            { return Account{Expense, "LN Routing Fees", ""} }
func ExchangeFees() Account             { return Account{Expense, "Exchange Fees", ""} }
func WitnessRewards() Account           { return Account{Revenue, "Witness Rewards", ""} }
func OwnerCapital() Account             { return Account{Equity, "Owner Capital", ""} }

// Conv is a snapshot of cross-currency rates taken at the moment of
// posting: the entry's value expressed in each currency. Snapshots are
// frozen; reports never re-mark them.
type Conv struct {
	Hive  float64 `bson:"hive" json:"hive"`
	HBD   float64 `bson:"hbd" json:"hbd"`
	MSats int64   `bson:"msats" json:"msats"`
	USD   float64 `bson:"usd" json:"usd"`
}

// Entry is one balanced double-entry row. Amount is debited from the
// debit account and credited to the credit account in the entry's unit.
type Entry struct {
	GroupID     string    `bson:"group_id" json:"group_id"`
	Type        EntryType `bson:"ledger_type" json:"ledger_type"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Description string    `bson:"description" json:"description"`
	Debit       Account   `bson:"debit" json:"debit"`
	Credit      Account   `bson:"credit" json:"credit"`
	Amount      int64     `bson:"amount" json:"amount"`
	Unit        Unit      `bson:"unit" json:"unit"`
	Conv        Conv      `bson:"conv" json:"conv"`
	Notes       string    `bson:"notes,omitempty" json:"notes,omitempty"`
}

// Validate enforces the per-entry invariants before an entry may be
// posted.
func (e *Entry) Validate() error {
	if e.GroupID == "" {
		return errors.New("ledger: entry missing group id")
	}
	if !validEntryTypes[e.Type] {
		return errors.Errorf("ledger: unknown entry type %q", e.Type)
	}
	if !validAccountTypes[e.Debit.Type] || e.Debit.Name == "" {
		return errors.Errorf("ledger: bad debit account %v", e.Debit)
	}
	if !validAccountTypes[e.Credit.Type] || e.Credit.Name == "" {
		return errors.Errorf("ledger: bad credit account %v", e.Credit)
	}
	if e.Amount <= 0 {
		return errors.Errorf("ledger: non-positive amount %d", e.Amount)
	}
	if !validUnits[e.Unit] {
		return errors.Errorf("ledger: unknown unit %q", e.Unit)
	}
	if e.Timestamp.IsZero() {
		return errors.New("ledger: entry missing timestamp")
	}
	return nil
}

// SignedFor returns the entry's contribution to acct's balance in the
// entry's unit: positive when debited, negative when credited, zero when
// the account is not involved.
func (e *Entry) SignedFor(acct Account) int64 {
	switch {
	case e.Debit == acct:
		return e.Amount
	case e.Credit == acct:
		return -e.Amount
	default:
		return 0
	}
}
