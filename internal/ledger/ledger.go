package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDuplicateEntry is returned by Post when (group_id, ledger_type) is
// already occupied. Handlers treat it as "already done" and no-op.
var ErrDuplicateEntry = errors.New("ledger: duplicate entry")

// Line is one row of an account's per-unit history.
type Line struct {
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Type        EntryType `bson:"ledger_type" json:"ledger_type"`
	GroupID     string    `bson:"group_id" json:"group_id"`
	Amount      int64     `bson:"amount" json:"amount"` // signed, debit-positive
	Unit        Unit      `bson:"unit" json:"unit"`
	Description string    `bson:"description" json:"description"`
}

// AccountDetails is the result of a balance query. Totals are signed
// debit-positive sums per unit; NormalTotals flips the sign for accounts
// whose normal balance is a credit (Liability, Equity, Revenue).
type AccountDetails struct {
	Account         Account        `json:"account"`
	Totals          map[Unit]int64 `json:"per_unit_totals"`
	History         []Line         `json:"per_unit_history,omitempty"`
	InProgressMsats int64          `json:"in_progress_msats"`
	AsOf            time.Time      `json:"as_of"`
}

// NormalTotals returns the balance with the account's natural sign.
func (d *AccountDetails) NormalTotals() map[Unit]int64 {
	out := make(map[Unit]int64, len(d.Totals))
	flip := d.Account.Type == Liability || d.Account.Type == Equity || d.Account.Type == Revenue
	for unit, v := range d.Totals {
		if flip {
			v = -v
		}
		out[unit] = v
	}
	return out
}

// Store is the persistence interface for ledger entries.
type Store interface {
	// Insert appends one entry. Returns ErrDuplicateEntry when the
	// (group_id, ledger_type) slot is taken.
	Insert(ctx context.Context, e *Entry) error

	// AccountLines returns the signed history for an account up to asOf,
	// optionally limited to the trailing age window. Zero asOf means now;
	// zero age means unbounded lookback.
	AccountLines(ctx context.Context, acct Account, asOf time.Time, age time.Duration) ([]Line, error)

	// Accounts enumerates every account tuple in use.
	Accounts(ctx context.Context) ([]Account, error)

	// EntriesForGroup returns the entries posted under one group id.
	EntriesForGroup(ctx context.Context, groupID string) ([]*Entry, error)
}

// Invalidator is notified after every successful write so the balance
// cache can bump its generation. A nil hook is allowed.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// InProgressFunc computes the msats currently tied up in unfinished
// operations touching an account. It is always evaluated fresh, even on a
// cache hit.
type InProgressFunc func(ctx context.Context, acct Account) int64

// Ledger validates and posts entries and answers balance queries from the
// store.
type Ledger struct {
	store      Store
	inval      Invalidator
	inProgress InProgressFunc
	logger     *zap.Logger
}

// New builds a Ledger. inval and inProgress may be nil.
func New(store Store, inval Invalidator, inProgress InProgressFunc, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, inval: inval, inProgress: inProgress, logger: logger}
}

// Post validates and atomically appends an entry, then invalidates the
// balance cache.
func (l *Ledger) Post(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := l.store.Insert(ctx, e); err != nil {
		return err
	}
	l.logger.Debug("ledger entry posted",
		zap.String("group_id", e.GroupID),
		zap.String("ledger_type", string(e.Type)),
		zap.Int64("amount", e.Amount),
		zap.String("unit", string(e.Unit)),
		zap.String("debit", e.Debit.String()),
		zap.String("credit", e.Credit.String()),
	)
	if l.inval != nil {
		l.inval.Invalidate(ctx)
	}
	return nil
}

// PostAll posts a batch of entries for one business action. Duplicate
// slots are skipped silently so a replayed action converges on the same
// journal; any other error aborts the batch.
func (l *Ledger) PostAll(ctx context.Context, entries []*Entry) error {
	for _, e := range entries {
		err := l.Post(ctx, e)
		if errors.Is(err, ErrDuplicateEntry) {
			l.logger.Debug("ledger entry already present, skipping",
				zap.String("group_id", e.GroupID),
				zap.String("ledger_type", string(e.Type)),
			)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// BalanceOpts narrows a balance query.
type BalanceOpts struct {
	AsOf        time.Time     // zero = live query
	Age         time.Duration // zero = unbounded lookback
	WithHistory bool
}

// Balance computes an account's per-unit totals directly from the store.
// Read traffic normally goes through the cache layer, which falls back to
// this method on miss or cache failure.
func (l *Ledger) Balance(ctx context.Context, acct Account, opts BalanceOpts) (*AccountDetails, error) {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	lines, err := l.store.AccountLines(ctx, acct, asOf, opts.Age)
	if err != nil {
		return nil, errors.Wrapf(err, "balance %s", acct)
	}
	details := &AccountDetails{
		Account: acct,
		Totals:  make(map[Unit]int64, 3),
		AsOf:    asOf,
	}
	for _, line := range lines {
		details.Totals[line.Unit] += line.Amount
	}
	if opts.WithHistory {
		details.History = lines
	}
	details.InProgressMsats = l.InProgressMsats(ctx, acct)
	return details, nil
}

// InProgressMsats exposes the always-fresh in-flight figure for the cache
// layer.
func (l *Ledger) InProgressMsats(ctx context.Context, acct Account) int64 {
	if l.inProgress == nil {
		return 0
	}
	return l.inProgress(ctx, acct)
}

// ListAccounts enumerates known account tuples.
func (l *Ledger) ListAccounts(ctx context.Context) ([]Account, error) {
	return l.store.Accounts(ctx)
}

// EntriesForGroup returns the entries recorded under one group id, used
// by handlers for idempotency checks and by the reporting layer for
// conversion netting.
func (l *Ledger) EntriesForGroup(ctx context.Context, groupID string) ([]*Entry, error) {
	return l.store.EntriesForGroup(ctx, groupID)
}
