package convert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/hive"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

// handleCustomJSON covers F3: a signed custom message moving value
// between two internal balances. Notification messages are recorded but
// never acted on.
func (e *Engine) handleCustomJSON(ctx context.Context, op *tracked.Op) Outcome {
	var msg hive.CustomJSONOp
	if err := op.DecodePayload(&msg); err != nil {
		return Failed(err)
	}
	if msg.ID == hive.NotificationID(e.cfg.MessagePrefix) {
		return Skipped("informational notification message")
	}
	if msg.ID != hive.TransferID(e.cfg.MessagePrefix) {
		return Skipped("untracked custom message id " + msg.ID)
	}

	env, err := hive.DecodeTransferEnvelope(msg.JSON)
	if err != nil {
		return Failed(err)
	}
	// The sender inside the envelope must be the account that signed the
	// message on chain; anything else is a spoof attempt.
	if auth := msg.SigningAuthority(); auth != env.FromAccount {
		e.logger.Warn("transfer envelope signer mismatch",
			zap.String("group_id", op.GroupID),
			zap.String("signed_by", auth),
			zap.String("claimed_from", env.FromAccount),
			zap.Bool("notify", true))
		return Skipped("envelope sender does not match signing authority")
	}
	if e.cfg.IsBlocked(env.FromAccount) {
		return Skipped("sender is on the blocked list")
	}
	if !e.cfg.DevAllowed(env.FromAccount) {
		e.logger.Debug("dev mode: sender not on allow list, dropping",
			zap.String("from", env.FromAccount),
			zap.String("group_id", op.GroupID))
		return Skipped("dev allow list")
	}

	msats := env.AmountMsats()
	if msats <= 0 {
		return Skipped("transfer carries no value")
	}
	if env.ToAccount == "" || env.ToAccount == env.FromAccount {
		return e.rejectInternalTransfer(ctx, op, env.FromAccount, "Unknown recipient")
	}

	// Both sides need a registered balance: any ledger history counts as
	// registration.
	recipient, err := e.led.Balance(ctx, ledger.UserBalance(env.ToAccount), ledger.BalanceOpts{WithHistory: true})
	if err != nil {
		return Failed(err)
	}
	if len(recipient.History) == 0 {
		return e.rejectInternalTransfer(ctx, op, env.FromAccount, "Unknown recipient")
	}
	sender, err := e.led.Balance(ctx, ledger.UserBalance(env.FromAccount), ledger.BalanceOpts{})
	if err != nil {
		return Failed(err)
	}
	if sender.NormalTotals()[ledger.UnitMsats] < msats {
		return e.rejectInternalTransfer(ctx, op, env.FromAccount, "Insufficient Keepsats balance")
	}

	quote, err := e.rates.Current(ctx)
	if err != nil {
		return Failed(err)
	}
	err = e.led.PostAll(ctx, []*ledger.Entry{{
		GroupID:     op.GroupID,
		Type:        ledger.TypeInternalTransfer,
		Timestamp:   time.Now().UTC(),
		Description: env.FromAccount + " to " + env.ToAccount + ": " + env.Memo,
		Debit:       ledger.UserBalance(env.FromAccount),
		Credit:      ledger.UserBalance(env.ToAccount),
		Amount:      msats,
		Unit:        ledger.UnitMsats,
		Conv:        quote.ConvFor(msats, ledger.UnitMsats),
	}})
	if err != nil {
		return Failed(err)
	}
	e.logger.Info("internal transfer completed",
		zap.String("group_id", op.GroupID),
		zap.String("from", env.FromAccount),
		zap.String("to", env.ToAccount),
		zap.Int64("msats", msats),
		zap.Bool("notify", true))
	return Processed()
}

// rejectInternalTransfer posts nothing and tells the sender why via an
// outbound notification linked to the original group id.
func (e *Engine) rejectInternalTransfer(ctx context.Context, op *tracked.Op, sender, reason string) Outcome {
	e.notifyUser(ctx, op.GroupID, sender, reason)
	return Skipped(reason)
}

// handleWitnessReward records a watched witness's block reward. Rewards
// accrue as vesting shares, which have no ledger unit until powered
// down, so the event is logged and acknowledged without an entry.
func (e *Engine) handleWitnessReward(ctx context.Context, op *tracked.Op) Outcome {
	var reward hive.ProducerRewardOp
	if err := op.DecodePayload(&reward); err != nil {
		return Failed(err)
	}
	e.logger.Info("witness reward observed",
		zap.String("group_id", op.GroupID),
		zap.String("producer", reward.Producer),
		zap.String("vesting_shares", reward.VestingShares))
	return Processed()
}

// handleFillOrder books an internal-market fill touching the server
// account as an exchange conversion: the paid leg leaves the treasury
// into the internal-market clearing account and the received leg comes
// back.
func (e *Engine) handleFillOrder(ctx context.Context, op *tracked.Op) Outcome {
	var fill hive.FillOrderOp
	if err := op.DecodePayload(&fill); err != nil {
		return Failed(err)
	}
	var paidStr, receivedStr string
	switch e.cfg.HiveServerAccount {
	case fill.CurrentOwner:
		paidStr, receivedStr = fill.CurrentPays, fill.OpenPays
	case fill.OpenOwner:
		paidStr, receivedStr = fill.OpenPays, fill.CurrentPays
	default:
		return Skipped("fill does not involve the server account")
	}
	paid, err := hive.ParseAmount(paidStr)
	if err != nil {
		return Failed(err)
	}
	received, err := hive.ParseAmount(receivedStr)
	if err != nil {
		return Failed(err)
	}
	quote, err := e.rates.Current(ctx)
	if err != nil {
		return Failed(err)
	}
	now := time.Now().UTC()
	err = e.led.PostAll(ctx, []*ledger.Entry{
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeExchangeConv,
			Timestamp:   now,
			Description: "internal market paid " + paid.String(),
			Debit:       ledger.ExchangeHoldings("hive_internal"),
			Credit:      ledger.TreasuryHive(e.cfg.HiveServerSub),
			Amount:      paid.Milli,
			Unit:        paid.Unit,
			Conv:        quote.ConvFor(paid.Milli, paid.Unit),
		},
		{
			GroupID:     op.GroupID,
			Type:        ledger.TypeReclassifyHive,
			Timestamp:   now,
			Description: "internal market received " + received.String(),
			Debit:       ledger.TreasuryHive(e.cfg.HiveServerSub),
			Credit:      ledger.ExchangeHoldings("hive_internal"),
			Amount:      received.Milli,
			Unit:        received.Unit,
			Conv:        quote.ConvFor(received.Milli, received.Unit),
		},
	})
	if err != nil {
		return Failed(err)
	}
	e.logger.Info("internal market fill booked",
		zap.String("group_id", op.GroupID),
		zap.String("paid", paid.String()),
		zap.String("received", received.String()))
	return Processed()
}
