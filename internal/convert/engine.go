package convert

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/config"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/exchange"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/hive"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/lnd"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/policy"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/rates"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

// adjustmentMarker triggers the manual-reconciliation backdoor. The match
// is a case-sensitive substring.
const adjustmentMarker = "Balance adjustment"

// OutcomeKind classifies a handler result.
type OutcomeKind string

const (
	KindProcessed OutcomeKind = "processed"
	KindRefunded  OutcomeKind = "refunded"
	KindSkipped   OutcomeKind = "skipped"
	KindFailed    OutcomeKind = "failed"
)

// Outcome is what a handler reports back to the router.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // set for Skipped
	Err    error  // set for Failed
}

func Processed() Outcome            { return Outcome{Kind: KindProcessed} }
func Refunded() Outcome             { return Outcome{Kind: KindRefunded} }
func Skipped(reason string) Outcome { return Outcome{Kind: KindSkipped, Reason: reason} }
func Failed(err error) Outcome      { return Outcome{Kind: KindFailed, Err: err} }

// InvoicePayer is the Lightning surface the engine pays through.
type InvoicePayer interface {
	DecodeInvoice(payReq string) (*lnd.DecodedInvoice, error)
	PayInvoice(ctx context.Context, payReq string, amtMsat, feeLimitMsat int64) (*lnd.PaymentResult, error)
}

// AddressResolver resolves user@host into a BOLT-11 invoice.
type AddressResolver interface {
	Resolve(ctx context.Context, address string, msats int64, comment string) (string, error)
}

// RebalanceSink receives the exchange-side contribution of each
// conversion. Fire-and-forget.
type RebalanceSink interface {
	Add(ctx context.Context, contrib exchange.Contribution) bool
}

// Engine executes the conversion flows. Handlers are pure functions of
// the op plus the current ledger: they detect already-posted entries via
// the duplicate guard and converge on replay.
type Engine struct {
	cfg        *config.Config
	led        *ledger.Ledger
	rates      *rates.Service
	policies   *policy.Loader
	payer      InvoicePayer
	resolver   AddressResolver
	broadcast  hive.Broadcaster
	rebalancer RebalanceSink
	logger     *zap.Logger
}

// NewEngine wires the engine. rebalancer, resolver and broadcast may be
// nil; the flows needing them fail cleanly when they are.
func NewEngine(cfg *config.Config, led *ledger.Ledger,
	ratesSvc *rates.Service, policies *policy.Loader, payer InvoicePayer,
	resolver AddressResolver, broadcast hive.Broadcaster,
	rebalancer RebalanceSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		led:        led,
		rates:      ratesSvc,
		policies:   policies,
		payer:      payer,
		resolver:   resolver,
		broadcast:  broadcast,
		rebalancer: rebalancer,
		logger:     logger,
	}
}

// Handle dispatches one routed op to its flow.
func (e *Engine) Handle(ctx context.Context, op *tracked.Op) Outcome {
	switch op.Kind {
	case tracked.SourceHiveTransfer:
		return e.handleHiveTransfer(ctx, op)
	case tracked.SourceHiveCustomJSON:
		return e.handleCustomJSON(ctx, op)
	case tracked.SourceHiveWitnessReward:
		return e.handleWitnessReward(ctx, op)
	case tracked.SourceHiveLimitOrder:
		return e.handleFillOrder(ctx, op)
	case tracked.SourceLNInvoice:
		return e.handleInvoice(ctx, op)
	case tracked.SourceLNPayment:
		return e.handlePayment(ctx, op)
	case tracked.SourceLNForward:
		return e.handleForward(ctx, op)
	default:
		return Skipped("unhandled source kind " + string(op.Kind))
	}
}

// handleHiveTransfer covers F1 (deposit converted out over Lightning or
// credited as keepsats) and F4 (the balance-adjustment backdoor).
func (e *Engine) handleHiveTransfer(ctx context.Context, op *tracked.Op) Outcome {
	var transfer hive.TransferOp
	if err := op.DecodePayload(&transfer); err != nil {
		return Failed(err)
	}
	amount, err := hive.ParseAmount(transfer.Amount)
	if err != nil {
		return Failed(err)
	}

	if transfer.From == e.cfg.HiveServerAccount {
		// Our own outbound transfer (refund or payout); its entries were
		// posted by the flow that sent it.
		return Skipped("outbound server transfer")
	}
	if transfer.To != e.cfg.HiveServerAccount {
		return Skipped("transfer does not involve the server account")
	}
	if e.cfg.IsBlocked(transfer.From) {
		return Skipped("sender is on the blocked list")
	}
	if !e.cfg.DevAllowed(transfer.From) {
		// Dev-mode whitelist miss is a silent drop, not an error.
		e.logger.Debug("dev mode: sender not on allow list, dropping",
			zap.String("from", transfer.From),
			zap.String("group_id", op.GroupID))
		return Skipped("dev allow list")
	}

	// F4: operator reconciliation marker. Logged, never posted.
	if transfer.From == e.cfg.HiveOperatorAccount && strings.Contains(transfer.Memo, adjustmentMarker) {
		e.logger.Info("balance adjustment transfer observed, no entries posted",
			zap.String("group_id", op.GroupID),
			zap.String("from", transfer.From),
			zap.String("amount", amount.String()),
			zap.String("memo", transfer.Memo),
			zap.Bool("notify", true))
		return Processed()
	}

	pol, err := e.policies.Get(ctx)
	if err != nil {
		return Failed(err)
	}
	if !pol.GatewayHiveToLN {
		return e.skipWithNotice(ctx, op, transfer.From, "Hive to Lightning gateway is disabled")
	}

	quote, err := e.rates.Current(ctx)
	if err != nil {
		return Failed(err)
	}
	grossMsats := quote.HiveToMsats(amount.Milli, amount.Unit)
	if !WithinInvoiceBounds(grossMsats, pol) {
		return e.refund(ctx, op, &transfer, amount, pol,
			"amount outside the allowed conversion range")
	}
	if err := CheckRateLimits(ctx, e.led, transfer.From, grossMsats, pol); err != nil {
		var limited *ErrRateLimited
		if errors.As(err, &limited) {
			return e.refund(ctx, op, &transfer, amount, pol, limited.Error())
		}
		return Failed(err)
	}

	feeMsats := ConversionFeeMsats(grossMsats, pol)
	netMsats := grossMsats - feeMsats
	if netMsats <= 0 {
		return e.refund(ctx, op, &transfer, amount, pol,
			"amount does not cover the conversion fee")
	}

	switch instruction := parseMemoInstruction(transfer.Memo); instruction.kind {
	case memoBolt11:
		return e.payOut(ctx, op, &transfer, amount, quote, pol, grossMsats, feeMsats, instruction.value)
	case memoLNAddress:
		if e.resolver == nil {
			return Failed(errors.New("no lightning address resolver configured"))
		}
		payReq, err := e.resolver.Resolve(ctx, instruction.value, netMsats, transfer.Memo)
		if err != nil {
			if errors.Is(err, lnd.ErrBadLNAddress) {
				return e.refund(ctx, op, &transfer, amount, pol, err.Error())
			}
			return Failed(err)
		}
		return e.payOut(ctx, op, &transfer, amount, quote, pol, grossMsats, feeMsats, payReq)
	case memoKeepsats:
		return e.creditKeepsats(ctx, op, &transfer, amount, quote, grossMsats, feeMsats)
	default:
		return Skipped("no payment instruction in memo")
	}
}

// payOut executes the Lightning leg of F1 and posts the full entry set.
// The deposit-side entries go in before the payment so a crash between
// payment and posting is repaired by replay (duplicate guard).
func (e *Engine) payOut(ctx context.Context, op *tracked.Op, transfer *hive.TransferOp,
	amount hive.Amount, quote rates.Quote, pol *policy.Policy,
	grossMsats, feeMsats int64, payReq string) Outcome {

	invoice, err := e.payer.DecodeInvoice(payReq)
	if err != nil {
		return e.refund(ctx, op, transfer, amount, pol, "invalid invoice: "+err.Error())
	}
	wantMsats := invoice.Msats
	if wantMsats == 0 {
		// Zero-amount invoice: pay the net converted value.
		wantMsats = grossMsats - feeMsats
	}
	if wantMsats > grossMsats-feeMsats {
		return e.refund(ctx, op, transfer, amount, pol,
			"invoice amount exceeds the converted value after fees")
	}
	if !invoice.Expiry.IsZero() && time.Now().After(invoice.Expiry) {
		return e.refund(ctx, op, transfer, amount, pol, "invoice has expired")
	}

	if outcome, done := e.depositAndConvert(ctx, op, transfer, amount, quote, grossMsats, feeMsats); done {
		return outcome
	}

	result, err := e.payer.PayInvoice(ctx, payReq, amountForPay(invoice, wantMsats), pol.MaxLNRoutingFeeMsats)
	if err != nil {
		if errors.Is(err, lnd.ErrPaymentFailed) {
			return e.refundAfterDeposit(ctx, op, transfer, amount, quote, pol, grossMsats, feeMsats, err.Error())
		}
		// Transient or unknown: the payment may still be in flight. Fail
		// the op and let the payment watcher's terminal event reconcile.
		return Failed(err)
	}

	entries := []*ledger.Entry{{
		GroupID:     op.GroupID,
		Type:        ledger.TypeWithdrawLN,
		Timestamp:   time.Now().UTC(),
		Description: "lightning payout for " + transfer.From,
		Debit:       ledger.LNHoldings(e.cfg.LNDNodeAlias),
		Credit:      ledger.ExternalLNPayments(),
		Amount:      result.PaidMsats,
		Unit:        ledger.UnitMsats,
		Conv:        quote.ConvFor(result.PaidMsats, ledger.UnitMsats),
	}}
	if result.FeeMsats > 0 {
		entries = append(entries, &ledger.Entry{
			GroupID:     op.GroupID,
			Type:        ledger.TypeFeeLNRouting,
			Timestamp:   time.Now().UTC(),
			Description: "routing fee for payout " + tracked.ShortID(op.GroupID),
			Debit:       ledger.LNRoutingFees(),
			Credit:      ledger.LNHoldings(e.cfg.LNDNodeAlias),
			Amount:      result.FeeMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(result.FeeMsats, ledger.UnitMsats),
		})
	}
	if err := e.led.PostAll(ctx, entries); err != nil {
		return Failed(err)
	}

	e.contribute(ctx, op.GroupID, exchange.SellBaseForQuote, amount, quote)
	e.logger.Info("hive deposit paid out over lightning",
		zap.String("group_id", op.GroupID),
		zap.String("from", transfer.From),
		zap.String("amount", amount.String()),
		zap.Int64("paid_msats", result.PaidMsats),
		zap.Int64("routing_fee_msats", result.FeeMsats),
		zap.Bool("notify", true))
	return Processed()
}

// amountForPay returns the explicit amount for zero-amount invoices only;
// amount-carrying invoices must not repeat it.
func amountForPay(invoice *lnd.DecodedInvoice, wantMsats int64) int64 {
	if invoice.Msats == 0 {
		return wantMsats
	}
	return 0
}

// depositAndConvert posts the deposit, conversion, fee and contra
// entries shared by every F1 variant. Returns (outcome, true) on error.
func (e *Engine) depositAndConvert(ctx context.Context, op *tracked.Op, transfer *hive.TransferOp,
	amount hive.Amount, quote rates.Quote, grossMsats, feeMsats int64) (Outcome, bool) {
	now := time.Now().UTC()
	entries := []*ledger.Entry{
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeDepositHive,
			Timestamp:   now,
			Description: "deposit from " + transfer.From,
			Debit:       ledger.TreasuryHive(e.cfg.HiveServerSub),
			Credit:      ledger.UserBalance(transfer.From),
			Amount:      amount.Milli,
			Unit:        amount.Unit,
			Conv:        quote.ConvFor(amount.Milli, amount.Unit),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeConvHiveToSats,
			Timestamp:   now,
			Description: "conversion for " + transfer.From,
			Debit:       ledger.UserBalance(transfer.From),
			Credit:      ledger.LNHoldings(e.cfg.LNDNodeAlias),
			Amount:      grossMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(grossMsats, ledger.UnitMsats),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeFeeConversion,
			Timestamp:   now,
			Description: "conversion fee for " + transfer.From,
			Debit:       ledger.UserBalance(transfer.From),
			Credit:      ledger.ConversionFees(),
			Amount:      feeMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(feeMsats, ledger.UnitMsats),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeConvContra,
			Timestamp:   now,
			Description: "conversion offset for " + transfer.From,
			Debit:       ledger.UserBalance(transfer.From),
			Credit:      ledger.TreasuryHive(e.cfg.HiveServerSub),
			Amount:      amount.Milli,
			Unit:        amount.Unit,
			Conv:        quote.ConvFor(amount.Milli, amount.Unit),
		},
	}
	if err := e.led.PostAll(ctx, entries); err != nil {
		return Failed(err), true
	}
	return Outcome{}, false
}

// creditKeepsats is the #sats/#HBD variant of F1: the converted value
// stays on the user's internal balance.
func (e *Engine) creditKeepsats(ctx context.Context, op *tracked.Op, transfer *hive.TransferOp,
	amount hive.Amount, quote rates.Quote, grossMsats, feeMsats int64) Outcome {
	if outcome, done := e.depositAndConvert(ctx, op, transfer, amount, quote, grossMsats, feeMsats); done {
		return outcome
	}
	netMsats := grossMsats - feeMsats
	err := e.led.PostAll(ctx, []*ledger.Entry{{
		GroupID:     op.GroupID,
		Type:        ledger.TypeReclassifySats,
		Timestamp:   time.Now().UTC(),
		Description: "keepsats credit for " + transfer.From,
		Debit:       ledger.LNHoldings(e.cfg.LNDNodeAlias),
		Credit:      ledger.UserBalance(transfer.From),
		Amount:      netMsats,
		Unit:        ledger.UnitMsats,
		Conv:        quote.ConvFor(netMsats, ledger.UnitMsats),
	}})
	if err != nil {
		return Failed(err)
	}
	e.contribute(ctx, op.GroupID, exchange.SellBaseForQuote, amount, quote)
	e.logger.Info("hive deposit credited as keepsats",
		zap.String("group_id", op.GroupID),
		zap.String("from", transfer.From),
		zap.Int64("net_msats", netMsats),
		zap.Bool("notify", true))
	return Processed()
}

// refund returns a rejected deposit to the sender minus the configured
// return fee. No conversion entries exist yet at this point.
func (e *Engine) refund(ctx context.Context, op *tracked.Op, transfer *hive.TransferOp,
	amount hive.Amount, pol *policy.Policy, reason string) Outcome {
	returnMilli := amount.Milli - ReturnFeeMilli(pol)
	if returnMilli <= 0 {
		// Too small to refund; keep it and book the whole amount as a fee.
		e.logger.Warn("deposit below return fee, retained",
			zap.String("group_id", op.GroupID),
			zap.String("from", transfer.From),
			zap.String("reason", reason),
			zap.Bool("notify", true))
		return Skipped(reason)
	}
	if e.broadcast == nil {
		return Failed(errors.New("no broadcaster configured for refund"))
	}
	memo := "Returned: " + reason + " #" + tracked.ShortID(op.GroupID)
	txID, err := e.broadcast.SendTransfer(ctx, e.cfg.HiveServerAccount, transfer.From,
		hive.FromMilli(returnMilli, amount.Unit), memo)
	if err != nil {
		return Failed(errors.Wrap(err, "refund transfer"))
	}
	e.logger.Info("deposit refunded",
		zap.String("group_id", op.GroupID),
		zap.String("from", transfer.From),
		zap.String("reason", reason),
		zap.String("tx_id", txID),
		zap.Bool("notify", true))
	return Refunded()
}

// refundAfterDeposit reverses the economic effect of an already-posted
// deposit whose Lightning leg failed permanently, then sends the value
// back on chain under the same group id.
func (e *Engine) refundAfterDeposit(ctx context.Context, op *tracked.Op, transfer *hive.TransferOp,
	amount hive.Amount, quote rates.Quote, pol *policy.Policy,
	grossMsats, feeMsats int64, reason string) Outcome {
	now := time.Now().UTC()
	reversals := []*ledger.Entry{
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeConvSatsToHive,
			Timestamp:   now,
			Description: "reversal of failed conversion for " + transfer.From,
			Debit:       ledger.LNHoldings(e.cfg.LNDNodeAlias),
			Credit:      ledger.UserBalance(transfer.From),
			Amount:      grossMsats,
			Unit:        ledger.UnitMsats,
			Conv:        quote.ConvFor(grossMsats, ledger.UnitMsats),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeWithdrawHive,
			Timestamp:   now,
			Description: "refund to " + transfer.From,
			Debit:       ledger.UserBalance(transfer.From),
			Credit:      ledger.TreasuryHive(e.cfg.HiveServerSub),
			Amount:      amount.Milli,
			Unit:        amount.Unit,
			Conv:        quote.ConvFor(amount.Milli, amount.Unit),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeReclassifyHive,
			Timestamp:   now,
			Description: "refund offset for " + transfer.From,
			Debit:       ledger.TreasuryHive(e.cfg.HiveServerSub),
			Credit:      ledger.UserBalance(transfer.From),
			Amount:      amount.Milli,
			Unit:        amount.Unit,
			Conv:        quote.ConvFor(amount.Milli, amount.Unit),
		},
	}
	if err := e.led.PostAll(ctx, reversals); err != nil {
		return Failed(err)
	}

	returnMilli := amount.Milli - ReturnFeeMilli(pol)
	if returnMilli <= 0 {
		return Skipped(reason)
	}
	if e.broadcast == nil {
		return Failed(errors.New("no broadcaster configured for refund"))
	}
	memo := "Returned: " + reason + " #" + tracked.ShortID(op.GroupID)
	if _, err := e.broadcast.SendTransfer(ctx, e.cfg.HiveServerAccount, transfer.From,
		hive.FromMilli(returnMilli, amount.Unit), memo); err != nil {
		return Failed(errors.Wrap(err, "refund transfer"))
	}
	e.logger.Warn("lightning leg failed, deposit refunded",
		zap.String("group_id", op.GroupID),
		zap.String("from", transfer.From),
		zap.String("reason", reason),
		zap.Bool("notify", true))
	return Refunded()
}

// contribute hands the conversion's exchange-side quantity to the
// rebalancer. Fire-and-forget: failures stay inside the rebalancer.
func (e *Engine) contribute(ctx context.Context, groupID string, dir exchange.Direction,
	amount hive.Amount, quote rates.Quote) {
	if e.rebalancer == nil {
		return
	}
	conv := quote.ConvFor(amount.Milli, amount.Unit)
	qty := decimalFromMilli(amount.Milli)
	btcValue := decimalFromMsats(conv.MSats)
	go e.rebalancer.Add(context.WithoutCancel(ctx), exchange.Contribution{
		GroupID:    groupID,
		Direction:  dir,
		Qty:        qty,
		QuoteValue: btcValue,
	})
}

// skipWithNotice marks an op skipped and tells the user why via an
// outbound notification message linked to the original group id.
func (e *Engine) skipWithNotice(ctx context.Context, op *tracked.Op, user, reason string) Outcome {
	e.notifyUser(ctx, op.GroupID, user, reason)
	return Skipped(reason)
}

func (e *Engine) notifyUser(ctx context.Context, parentGroupID, user, memo string) {
	if e.broadcast == nil {
		return
	}
	env := &hive.NotificationEnvelope{
		FromAccount:   e.cfg.HiveServerAccount,
		ToAccount:     user,
		Memo:          memo,
		ParentGroupID: parentGroupID,
		Notification:  true,
	}
	if _, err := e.broadcast.SendCustomJSON(ctx, hive.NotificationID(e.cfg.MessagePrefix), env); err != nil {
		e.logger.Warn("failed to send user notification",
			zap.String("parent_group_id", parentGroupID),
			zap.String("to", user),
			zap.Error(err))
	}
}

// Memo discrimination for inbound transfers.

type memoKind int

const (
	memoNone memoKind = iota
	memoBolt11
	memoLNAddress
	memoKeepsats
)

type memoInstruction struct {
	kind  memoKind
	value string
}

var (
	bolt11Re    = regexp.MustCompile(`(?i)\b(lnbc[0-9a-z]+)\b`)
	lnAddressRe = regexp.MustCompile(`\b([a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,})\b`)
)

// parseMemoInstruction picks the payment instruction out of a transfer
// memo: a BOLT-11 invoice wins over a lightning address, which wins over
// the #sats / #HBD keepsats tags.
func parseMemoInstruction(memo string) memoInstruction {
	if m := bolt11Re.FindString(memo); m != "" {
		return memoInstruction{kind: memoBolt11, value: strings.ToLower(m)}
	}
	if m := lnAddressRe.FindString(strings.ToLower(memo)); m != "" {
		return memoInstruction{kind: memoLNAddress, value: m}
	}
	lower := strings.ToLower(memo)
	if strings.Contains(lower, "#sats") || strings.Contains(lower, "#hbd") || strings.Contains(lower, "#paywithsats") {
		return memoInstruction{kind: memoKeepsats}
	}
	return memoInstruction{kind: memoNone}
}
