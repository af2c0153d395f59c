package exchange

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

// ErrVersionConflict is returned by Save when another writer touched the
// row since it was read. The caller re-reads and retries.
var ErrVersionConflict = errors.New("exchange: pending row version conflict")

// saveRetries bounds the optimistic-concurrency retry loop.
const saveRetries = 3

// PendingRebalance is the per-(base, quote, direction, exchange)
// accumulator for sub-minimum trade amounts. Decimal fields are stored as
// strings so precision survives the document store.
type PendingRebalance struct {
	ID                   string          `bson:"_id" json:"id"`
	Exchange             string          `bson:"exchange" json:"exchange"`
	BaseAsset            string          `bson:"base_asset" json:"base_asset"`
	QuoteAsset           string          `bson:"quote_asset" json:"quote_asset"`
	Direction            Direction       `bson:"direction" json:"direction"`
	PendingQty           decimal.Decimal `bson:"pending_qty" json:"pending_qty"`
	PendingQuoteValue    decimal.Decimal `bson:"pending_quote_value" json:"pending_quote_value"`
	MinQtyThreshold      decimal.Decimal `bson:"min_qty_threshold" json:"min_qty_threshold"`
	MinNotionalThreshold decimal.Decimal `bson:"min_notional_threshold" json:"min_notional_threshold"`
	TransactionCount     int             `bson:"transaction_count" json:"transaction_count"`
	TransactionIDs       []string        `bson:"transaction_ids" json:"transaction_ids"`
	TotalExecutedQty     decimal.Decimal `bson:"total_executed_qty" json:"total_executed_qty"`
	ExecutionCount       int             `bson:"execution_count" json:"execution_count"`
	UpdatedAt            time.Time       `bson:"updated_at" json:"updated_at"`
	Version              int64           `bson:"version" json:"version"`
}

// Eligible reports whether both exchange minima are cleared.
func (p *PendingRebalance) Eligible() bool {
	if !p.PendingQty.IsPositive() {
		return false
	}
	return p.PendingQty.GreaterThanOrEqual(p.MinQtyThreshold) &&
		p.PendingQuoteValue.GreaterThanOrEqual(p.MinNotionalThreshold)
}

func pendingID(exchange, base, quote string, dir Direction) string {
	return exchange + ":" + base + ":" + quote + ":" + string(dir)
}

// ExecutionRecord is the audit row written after each executed trade.
type ExecutionRecord struct {
	Exchange      string          `bson:"exchange" json:"exchange"`
	Pair          string          `bson:"pair" json:"pair"`
	Direction     Direction       `bson:"direction" json:"direction"`
	RequestedQty  decimal.Decimal `bson:"requested_qty" json:"requested_qty"`
	FilledQty     decimal.Decimal `bson:"filled_qty" json:"filled_qty"`
	QuoteReceived decimal.Decimal `bson:"quote_received" json:"quote_received"`
	AvgPrice      decimal.Decimal `bson:"avg_price" json:"avg_price"`
	Fee           decimal.Decimal `bson:"fee" json:"fee"`
	FeeAsset      string          `bson:"fee_asset,omitempty" json:"fee_asset,omitempty"`
	OrderID       string          `bson:"order_id" json:"order_id"`
	GroupID       string          `bson:"group_id" json:"group_id"`
	ExecutedAt    time.Time       `bson:"executed_at" json:"executed_at"`
}

// PendingStore persists the accumulator rows and the execution audit
// trail.
type PendingStore interface {
	// Get loads one pending row, or a zero-valued fresh row when absent.
	Get(ctx context.Context, exchange, base, quote string, dir Direction) (*PendingRebalance, error)

	// Save writes a row if its stored version still matches
	// row.Version, then increments the version. Returns
	// ErrVersionConflict otherwise.
	Save(ctx context.Context, row *PendingRebalance) error

	// RecordExecution appends one audit row.
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
}

// Contribution is one conversion's addition to a pending pool.
type Contribution struct {
	GroupID    string
	Direction  Direction
	Qty        decimal.Decimal // base units
	QuoteValue decimal.Decimal // estimated quote-asset value
}

// Rebalancer turns accumulated conversion amounts into exchange trades.
// Everything here is best-effort background work: a failure preserves the
// pending rows and never surfaces to the conversion that triggered it.
type Rebalancer struct {
	adapter    Adapter
	store      PendingStore
	ledger     *ledger.Ledger
	logger     *zap.Logger
	baseAsset  string
	quoteAsset string
	pair       string
}

// NewRebalancer builds a Rebalancer trading base against quote on the
// adapter's exchange.
func NewRebalancer(adapter Adapter, store PendingStore, led *ledger.Ledger, baseAsset, quoteAsset string, logger *zap.Logger) *Rebalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rebalancer{
		adapter:    adapter,
		store:      store,
		ledger:     led,
		logger:     logger,
		baseAsset:  baseAsset,
		quoteAsset: quoteAsset,
		pair:       baseAsset + quoteAsset,
	}
}

// Add folds one conversion into the pending pool and executes a trade
// when both minima are cleared. Returns whether a trade executed. Errors
// are fully absorbed: they are logged and the pending row keeps the
// contribution for the next event.
func (r *Rebalancer) Add(ctx context.Context, contrib Contribution) (executed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("rebalancer panic",
				zap.Any("panic", rec),
				zap.String("group_id", contrib.GroupID),
				zap.Bool("notify", true))
			executed = false
		}
	}()
	if !contrib.Qty.IsPositive() {
		return false
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		done, err := r.addOnce(ctx, contrib)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			r.logger.Warn("rebalance deferred",
				zap.String("group_id", contrib.GroupID),
				zap.String("direction", string(contrib.Direction)),
				zap.Error(err))
			return false
		}
		return done
	}
	r.logger.Warn("rebalance contribution lost to contention, absorbed by next event",
		zap.String("group_id", contrib.GroupID))
	return false
}

func (r *Rebalancer) addOnce(ctx context.Context, contrib Contribution) (bool, error) {
	row, err := r.store.Get(ctx, r.adapter.Name(), r.baseAsset, r.quoteAsset, contrib.Direction)
	if err != nil {
		return false, errors.Wrap(err, "load pending row")
	}

	// Threshold refresh is best-effort; on connection error the cached
	// thresholds stand.
	if min, err := r.adapter.MinOrderRequirements(ctx, r.pair); err == nil {
		row.MinQtyThreshold = min.MinQty
		row.MinNotionalThreshold = min.MinNotional
	} else {
		r.logger.Debug("threshold refresh failed, using cached",
			zap.String("pair", r.pair),
			zap.Error(err))
	}

	row.PendingQty = row.PendingQty.Add(contrib.Qty)
	row.PendingQuoteValue = row.PendingQuoteValue.Add(contrib.QuoteValue)
	row.TransactionCount++
	row.TransactionIDs = append(row.TransactionIDs, contrib.GroupID)
	row.UpdatedAt = time.Now().UTC()

	if err := r.net(ctx, row); err != nil {
		return false, err
	}

	if !row.Eligible() {
		if err := r.store.Save(ctx, row); err != nil {
			return false, err
		}
		return false, nil
	}

	// Persist the accumulated state before trading so a crash mid-trade
	// cannot lose the contribution.
	if err := r.store.Save(ctx, row); err != nil {
		return false, err
	}
	return r.execute(ctx, row)
}

// net folds an opposing pending pool into row: the smaller side is
// zeroed and the larger side trades only the residual.
func (r *Rebalancer) net(ctx context.Context, row *PendingRebalance) error {
	opposite, err := r.store.Get(ctx, row.Exchange, row.BaseAsset, row.QuoteAsset, oppositeOf(row.Direction))
	if err != nil {
		return errors.Wrap(err, "load opposing row")
	}
	if !opposite.PendingQty.IsPositive() {
		return nil
	}
	if opposite.PendingQty.GreaterThanOrEqual(row.PendingQty) {
		// The other side dominates; this row nets to zero.
		opposite.PendingQty = opposite.PendingQty.Sub(row.PendingQty)
		opposite.PendingQuoteValue = opposite.PendingQuoteValue.Sub(row.PendingQuoteValue)
		if opposite.PendingQuoteValue.IsNegative() {
			opposite.PendingQuoteValue = decimal.Zero
		}
		row.PendingQty = decimal.Zero
		row.PendingQuoteValue = decimal.Zero
	} else {
		row.PendingQty = row.PendingQty.Sub(opposite.PendingQty)
		row.PendingQuoteValue = row.PendingQuoteValue.Sub(opposite.PendingQuoteValue)
		if row.PendingQuoteValue.IsNegative() {
			row.PendingQuoteValue = decimal.Zero
		}
		opposite.PendingQty = decimal.Zero
		opposite.PendingQuoteValue = decimal.Zero
	}
	opposite.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(ctx, opposite); err != nil {
		return errors.Wrap(err, "save opposing row")
	}
	r.logger.Info("netted opposing rebalance pools",
		zap.String("pair", r.pair),
		zap.String("direction", string(row.Direction)),
		zap.String("residual_qty", row.PendingQty.String()))
	return nil
}

func oppositeOf(dir Direction) Direction {
	if dir == SellBaseForQuote {
		return BuyBaseWithQuote
	}
	return SellBaseForQuote
}

// execute trades the full pending quantity. The pending row is reduced by
// what actually filled; any unfilled remainder carries forward.
func (r *Rebalancer) execute(ctx context.Context, row *PendingRebalance) (bool, error) {
	groupID := tracked.NewGroupID()
	clientID := "rb-" + tracked.ShortID(groupID)

	var result *OrderResult
	var err error
	switch row.Direction {
	case SellBaseForQuote:
		result, err = r.adapter.MarketSell(ctx, r.pair, row.PendingQty, clientID)
	case BuyBaseWithQuote:
		result, err = r.adapter.MarketBuy(ctx, r.pair, row.PendingQuoteValue, clientID)
	default:
		return false, errors.Errorf("exchange: unknown direction %q", row.Direction)
	}
	if err != nil {
		// Rejections and connection failures preserve the pending row as
		// already saved; the next contribution retries naturally.
		return false, errors.Wrapf(err, "%s %s", row.Direction, r.pair)
	}

	executedQty := result.FilledQty
	row.PendingQty = row.PendingQty.Sub(executedQty)
	if row.PendingQty.IsNegative() {
		row.PendingQty = decimal.Zero
	}
	row.PendingQuoteValue = row.PendingQuoteValue.Sub(result.QuoteReceived)
	if row.PendingQuoteValue.IsNegative() || row.PendingQty.IsZero() {
		row.PendingQuoteValue = decimal.Zero
	}
	row.TotalExecutedQty = row.TotalExecutedQty.Add(executedQty)
	row.ExecutionCount++
	row.TransactionIDs = nil
	row.TransactionCount = 0
	row.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(ctx, row); err != nil {
		return false, errors.Wrap(err, "save executed row")
	}

	rec := &ExecutionRecord{
		Exchange:      row.Exchange,
		Pair:          r.pair,
		Direction:     row.Direction,
		RequestedQty:  executedQty.Add(row.PendingQty),
		FilledQty:     result.FilledQty,
		QuoteReceived: result.QuoteReceived,
		AvgPrice:      result.AvgPrice,
		Fee:           result.Fee,
		FeeAsset:      result.FeeAsset,
		OrderID:       result.OrderID,
		GroupID:       groupID,
		ExecutedAt:    time.Now().UTC(),
	}
	if err := r.store.RecordExecution(ctx, rec); err != nil {
		r.logger.Warn("failed to record execution audit row",
			zap.String("order_id", result.OrderID),
			zap.Error(err))
	}

	if err := r.postEntries(ctx, row, result, groupID); err != nil {
		r.logger.Error("trade executed but ledger posting failed",
			zap.String("order_id", result.OrderID),
			zap.String("group_id", groupID),
			zap.Error(err),
			zap.Bool("notify", true))
	}

	r.logger.Info("rebalance trade executed",
		zap.String("pair", r.pair),
		zap.String("direction", string(row.Direction)),
		zap.String("filled_qty", result.FilledQty.String()),
		zap.String("quote_received", result.QuoteReceived.String()),
		zap.String("order_id", result.OrderID),
		zap.Bool("notify", true))
	return true, nil
}

// postEntries books the trade. Treasury inventory moves into exchange
// holdings at the executed price; exchange commission is an expense.
func (r *Rebalancer) postEntries(ctx context.Context, row *PendingRebalance, result *OrderResult, groupID string) error {
	now := time.Now().UTC()
	amount, unit := r.entryAmount(row.Direction, result)
	if amount <= 0 {
		return nil
	}
	entries := []*ledger.Entry{{
		GroupID:     groupID,
		Type:        ledger.TypeExchangeConv,
		Timestamp:   now,
		Description: string(row.Direction) + " " + r.pair + " order " + result.OrderID,
		Debit:       ledger.ExchangeHoldings(row.Exchange),
		Credit:      ledger.TreasuryHive("exchange"),
		Amount:      amount,
		Unit:        unit,
	}}
	if result.Fee.IsPositive() {
		feeAmount, feeUnit := feeEntryAmount(result.Fee, result.FeeAsset, r.baseAsset)
		if feeAmount > 0 {
			entries = append(entries, &ledger.Entry{
				GroupID:     groupID,
				Type:        ledger.TypeExchangeFee,
				Timestamp:   now,
				Description: "commission on order " + result.OrderID,
				Debit:       ledger.ExchangeFees(),
				Credit:      ledger.ExchangeHoldings(row.Exchange),
				Amount:      feeAmount,
				Unit:        feeUnit,
			})
		}
	}
	return r.ledger.PostAll(ctx, entries)
}

// entryAmount converts the traded size to the ledger's smallest integer
// units: milli-HIVE for the base leg of a sell, msats for the BTC
// received side of a buy.
func (r *Rebalancer) entryAmount(dir Direction, result *OrderResult) (int64, ledger.Unit) {
	switch dir {
	case SellBaseForQuote:
		return result.FilledQty.Mul(decimal.NewFromInt(1000)).IntPart(), ledger.UnitHive
	case BuyBaseWithQuote:
		return result.FilledQty.Mul(decimal.NewFromInt(1000)).IntPart(), ledger.UnitHive
	}
	return 0, ledger.UnitHive
}

// feeEntryAmount maps a commission to ledger units. Commissions in the
// base asset post as milli-HIVE; BTC commissions post as msats.
func feeEntryAmount(fee decimal.Decimal, feeAsset, baseAsset string) (int64, ledger.Unit) {
	if feeAsset == "BTC" {
		// BTC -> msats: 1e8 sats per BTC, 1e3 msats per sat.
		return fee.Mul(decimal.NewFromInt(100_000_000_000)).IntPart(), ledger.UnitMsats
	}
	if feeAsset == baseAsset || feeAsset == "" {
		return fee.Mul(decimal.NewFromInt(1000)).IntPart(), ledger.UnitHive
	}
	// Commission in an unrelated asset (e.g. BNB) has no ledger unit;
	// the audit row retains the exact figure.
	return 0, ledger.UnitHive
}
