package convert

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/exchange"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/hive"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/lnd"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/rates"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

var errNoBroadcaster = errors.New("convert: no broadcaster configured")

// hiveAccountRe matches a plausible chain account name inside an invoice
// memo: 3-16 chars, lowercase alphanumeric with internal dots/dashes.
var hiveAccountRe = regexp.MustCompile(`\b([a-z][a-z0-9.-]{2,15})\b`)

// handleInvoice is flow F2: a settled invoice credits the beneficiary
// named in its memo, either as keepsats or as an on-chain transfer.
func (e *Engine) handleInvoice(ctx context.Context, op *tracked.Op) Outcome {
	var event lnd.InvoiceEvent
	if err := op.DecodePayload(&event); err != nil {
		return Failed(err)
	}
	if event.Canceled {
		return Skipped("invoice canceled")
	}
	if !event.Settled {
		return Skipped("invoice not yet settled")
	}
	paidMsats := event.AmtPaidMsat
	if paidMsats <= 0 {
		paidMsats = event.ValueMsats
	}
	if paidMsats <= 0 {
		return Skipped("settled invoice carries no value")
	}

	pol, err := e.policies.Get(ctx)
	if err != nil {
		return Failed(err)
	}
	if !pol.GatewayLNToHive {
		return Skipped("Lightning to Hive gateway is disabled")
	}

	beneficiary, delivery := parseInvoiceMemo(event.Memo, event.KeysendMemo)
	if beneficiary == "" {
		e.logger.Warn("settled invoice names no beneficiary",
			zap.String("group_id", op.GroupID),
			zap.String("memo", event.Memo),
			zap.Bool("notify", true))
		return Skipped("no beneficiary in invoice memo")
	}
	if e.cfg.IsBlocked(beneficiary) {
		return Skipped("beneficiary is on the blocked list")
	}
	if !e.cfg.DevAllowed(beneficiary) {
		e.logger.Debug("dev mode: beneficiary not on allow list, dropping",
			zap.String("beneficiary", beneficiary),
			zap.String("group_id", op.GroupID))
		return Skipped("dev allow list")
	}

	quote, err := e.rates.Current(ctx)
	if err != nil {
		return Failed(err)
	}
	feeMsats := ConversionFeeMsats(paidMsats, pol)
	netMsats := paidMsats - feeMsats
	if netMsats <= 0 {
		return Skipped("payment does not cover the conversion fee")
	}

	now := time.Now().UTC()
	node := event.NodeAlias
	if node == "" {
		node = e.cfg.LNDNodeAlias
	}
	// The fee is taken from the customer balance before the sats are
	// consumed; this ordering is load-bearing, see the fee entry below
	// preceding any payout.
	entries := []*ledger.Entry{
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeDepositLN,
			Timestamp:   now,
			Description: "lightning receipt for " + beneficiary,
			Debit:       ledger.ExternalLNPayments(),
			Credit:      ledger.LNHoldings(node),
			Amount:      paidMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(paidMsats, ledger.UnitMsats),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeConvSatsToHive,
			Timestamp:   now,
			Description: "credit for " + beneficiary,
			Debit:       ledger.LNHoldings(node),
			Credit:      ledger.UserBalance(beneficiary),
			Amount:      paidMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(paidMsats, ledger.UnitMsats),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeFeeConversion,
			Timestamp:   now,
			Description: "conversion fee for " + beneficiary,
			Debit:       ledger.UserBalance(beneficiary),
			Credit:      ledger.ConversionFees(),
			Amount:      feeMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(feeMsats, ledger.UnitMsats),
		},
	}
	if err := e.led.PostAll(ctx, entries); err != nil {
		return Failed(err)
	}

	if delivery == ledger.UnitHive || delivery == ledger.UnitHBD {
		if outcome := e.deliverOnChain(ctx, op, beneficiary, netMsats, delivery, quote); outcome.Kind != KindProcessed {
			return outcome
		}
	}

	e.contribute(ctx, op.GroupID, exchange.BuyBaseWithQuote,
		hive.FromMilli(quote.MsatsToHive(netMsats, ledger.UnitHive), ledger.UnitHive), quote)
	e.logger.Info("lightning deposit credited",
		zap.String("group_id", op.GroupID),
		zap.String("beneficiary", beneficiary),
		zap.Int64("paid_msats", paidMsats),
		zap.Int64("net_msats", netMsats),
		zap.Bool("onchain", delivery != ""),
		zap.Bool("notify", true))
	return Processed()
}

// deliverOnChain sends the net value to the beneficiary's chain account
// and posts the withdrawal plus its offset.
func (e *Engine) deliverOnChain(ctx context.Context, op *tracked.Op, beneficiary string,
	netMsats int64, unit ledger.Unit, quote rates.Quote) Outcome {
	milli := quote.MsatsToHive(netMsats, unit)
	if milli <= 0 {
		return Skipped("converted amount rounds to zero on chain")
	}
	now := time.Now().UTC()
	entries := []*ledger.Entry{
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeWithdrawHive,
			Timestamp:   now,
			Description: "on-chain delivery to " + beneficiary,
			Debit:       ledger.UserBalance(beneficiary),
			Credit:      ledger.TreasuryHive(e.cfg.HiveServerSub),
			Amount:      milli,
			Unit:        unit,
			Conv:        quote.ConvFor(milli, unit),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeConvContra,
			Timestamp:   now,
			Description: "delivery offset for " + beneficiary,
			Debit:       ledger.UserBalance(beneficiary),
			Credit:      ledger.TreasuryHive(e.cfg.HiveServerSub),
			Amount:      netMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(netMsats, ledger.UnitMsats),
		},
		// The conversions sub earmarks the treasury HIVE spent; the
		// rebalancer's buy leg replenishes it.
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeReclassifyHive,
			Timestamp:   now,
			Description: "delivery reclassification for " + beneficiary,
			Debit:       ledger.TreasuryHive("conversions"),
			Credit:      ledger.UserBalance(beneficiary),
			Amount:      milli,
			Unit:        unit,
			Conv:        quote.ConvFor(milli, unit),
		},
	}
	if err := e.led.PostAll(ctx, entries); err != nil {
		return Failed(err)
	}
	if e.broadcast == nil {
		return Failed(errNoBroadcaster)
	}
	memo := "Lightning deposit #" + tracked.ShortID(op.GroupID)
	if _, err := e.broadcast.SendTransfer(ctx, e.cfg.HiveServerAccount, beneficiary,
		hive.FromMilli(milli, unit), memo); err != nil {
		return Failed(err)
	}
	return Processed()
}

// handlePayment books terminal outbound payments observed on the node.
// Payments made by flow F1 already carry these entries; the duplicate
// guard makes this a convergent no-op for them, while payments sent by
// other tooling against the same node get booked here.
func (e *Engine) handlePayment(ctx context.Context, op *tracked.Op) Outcome {
	var event lnd.PaymentEvent
	if err := op.DecodePayload(&event); err != nil {
		return Failed(err)
	}
	switch event.Status {
	case "SUCCEEDED":
	case "FAILED":
		return Skipped("payment failed on the node: " + event.FailureReason)
	default:
		return Skipped("payment not terminal")
	}
	quote, err := e.rates.Current(ctx)
	if err != nil {
		return Failed(err)
	}
	node := event.NodeAlias
	if node == "" {
		node = e.cfg.LNDNodeAlias
	}
	now := time.Now().UTC()
	entries := []*ledger.Entry{{
		GroupID:     op.GroupID,
		Type:        ledger.TypeWithdrawLN,
		Timestamp:   now,
		Description: "outbound payment " + tracked.ShortID(op.GroupID),
		Debit:       ledger.LNHoldings(node),
		Credit:      ledger.ExternalLNPayments(),
		Amount:      event.ValueMsats,
		Unit:        ledger.UnitMsats,
		Conv:        quote.ConvFor(event.ValueMsats, ledger.UnitMsats),
	}}
	if event.FeeMsats > 0 {
		entries = append(entries, &ledger.Entry{
			GroupID:     op.GroupID,
			Type:        ledger.TypeFeeLNRouting,
			Timestamp:   now,
			Description: "routing fee for payment " + tracked.ShortID(op.GroupID),
			Debit:       ledger.LNRoutingFees(),
			Credit:      ledger.LNHoldings(node),
			Amount:      event.FeeMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(event.FeeMsats, ledger.UnitMsats),
		})
	}
	if err := e.led.PostAll(ctx, entries); err != nil {
		return Failed(err)
	}
	return Processed()
}

// handleForward books the routing fee earned on a settled HTLC forward.
// The earned fee credits the routing-fee expense account, netting it
// against fees paid out.
func (e *Engine) handleForward(ctx context.Context, op *tracked.Op) Outcome {
	var event lnd.ForwardEvent
	if err := op.DecodePayload(&event); err != nil {
		return Failed(err)
	}
	if event.FeeMsats <= 0 {
		return Skipped("forward earned no fee")
	}
	quote, err := e.rates.Current(ctx)
	if err != nil {
		return Failed(err)
	}
	node := event.NodeAlias
	if node == "" {
		node = e.cfg.LNDNodeAlias
	}
	err = e.led.PostAll(ctx, []*ledger.Entry{{
		GroupID:     op.GroupID,
		Type:        ledger.TypeFeeLNRouting,
		Timestamp:   time.Now().UTC(),
		Description: "routing fee earned",
		Debit:       ledger.LNHoldings(node),
		Credit:      ledger.LNRoutingFees(),
		Amount:      event.FeeMsats,
		Unit:        ledger.UnitMsats,
		Conv:        quote.ConvFor(event.FeeMsats, ledger.UnitMsats),
	}})
	if err != nil {
		return Failed(err)
	}
	return Processed()
}

// parseInvoiceMemo extracts the beneficiary account and the requested
// on-chain delivery unit. "#hive" or "#hbd" request on-chain delivery;
// the default is a keepsats credit.
func parseInvoiceMemo(memo, keysendMemo string) (beneficiary string, delivery ledger.Unit) {
	text := memo
	if text == "" {
		text = keysendMemo
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "#hive") {
		delivery = ledger.UnitHive
	} else if strings.Contains(lower, "#hbd") {
		delivery = ledger.UnitHBD
	}
	cleaned := strings.NewReplacer("#hive", "", "#hbd", "", "#sats", "").Replace(lower)
	if m := hiveAccountRe.FindString(cleaned); m != "" {
		beneficiary = m
	}
	return beneficiary, delivery
}

func decimalFromMilli(milli int64) decimal.Decimal {
	return decimal.NewFromInt(milli).Div(decimal.NewFromInt(1000))
}

func decimalFromMsats(msats int64) decimal.Decimal {
	// msats -> BTC: 1e3 msats per sat, 1e8 sats per BTC.
	return decimal.NewFromInt(msats).Div(decimal.NewFromInt(100_000_000_000))
}
