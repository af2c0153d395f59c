package lnd

import (
	"context"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/journal"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// InvoiceEvent is the journal payload for an invoice update.
type InvoiceEvent struct {
	PaymentHash string `json:"payment_hash"`
	PayReq      string `json:"pay_req,omitempty"`
	Memo        string `json:"memo,omitempty"`
	ValueMsats  int64  `json:"value_msats"`
	AmtPaidMsat int64  `json:"amt_paid_msat"`
	Settled     bool   `json:"settled"`
	Canceled    bool   `json:"canceled"`
	AddIndex    uint64 `json:"add_index"`
	SettleIndex uint64 `json:"settle_index,omitempty"`
	KeysendMemo string `json:"keysend_memo,omitempty"`
	NodeAlias   string `json:"node_alias"`
}

// PaymentEvent is the journal payload for an outbound payment update.
type PaymentEvent struct {
	PaymentHash   string `json:"payment_hash"`
	ValueMsats    int64  `json:"value_msats"`
	FeeMsats      int64  `json:"fee_msats"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	PaymentIndex  uint64 `json:"payment_index"`
	Preimage      string `json:"preimage,omitempty"`
	NodeAlias     string `json:"node_alias"`
}

// ForwardEvent is the journal payload for a settled HTLC forward.
type ForwardEvent struct {
	IncomingChanID uint64 `json:"incoming_chan_id"`
	OutgoingChanID uint64 `json:"outgoing_chan_id"`
	IncomingHTLCID uint64 `json:"incoming_htlc_id"`
	OutgoingHTLCID uint64 `json:"outgoing_htlc_id"`
	InMsats        int64  `json:"in_msats"`
	OutMsats       int64  `json:"out_msats"`
	FeeMsats       int64  `json:"fee_msats"`
	TimestampNs    uint64 `json:"timestamp_ns"`
	NodeAlias      string `json:"node_alias"`
}

// WatcherMetrics is the prometheus instrumentation for the node watcher.
type WatcherMetrics struct {
	InvoiceEvents  prometheus.Counter
	PaymentEvents  prometheus.Counter
	ForwardEvents  prometheus.Counter
	StreamRestarts *prometheus.CounterVec
}

// NewWatcherMetrics registers the watcher metrics.
func NewWatcherMetrics(reg prometheus.Registerer) *WatcherMetrics {
	m := &WatcherMetrics{
		InvoiceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnd_watcher_invoice_events_total",
			Help: "Invoice updates received from the node.",
		}),
		PaymentEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnd_watcher_payment_events_total",
			Help: "Payment updates received from the node.",
		}),
		ForwardEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lnd_watcher_forward_events_total",
			Help: "Settled HTLC forwards received from the node.",
		}),
		StreamRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lnd_watcher_stream_restarts_total",
			Help: "Stream reconnects by subscription.",
		}, []string{"stream"}),
	}
	reg.MustRegister(m.InvoiceEvents, m.PaymentEvents, m.ForwardEvents, m.StreamRestarts)
	return m
}

// Watcher runs the node's three event subscriptions and journals the
// events the ledger acts on. Each subscription reconnects independently
// with exponential backoff; resume points are persisted checkpoints so a
// restart replays nothing the node can deduplicate and misses nothing
// the node retains.
type Watcher struct {
	client  *Client
	store   journal.Store
	logger  *zap.Logger
	metrics *WatcherMetrics

	// pendingForwards pairs a forward attempt, which carries the HTLC
	// amounts, with its later settle event, which does not. Keyed by the
	// incoming (channel, htlc) pair. Only touched by the forward loop.
	pendingForwards map[htlcKey]htlcAmounts
}

type htlcKey struct {
	chanID uint64
	htlcID uint64
}

type htlcAmounts struct {
	inMsats        int64
	outMsats       int64
	outgoingChanID uint64
}

// NewWatcher builds a Watcher. metrics may be nil.
func NewWatcher(client *Client, store journal.Store, logger *zap.Logger, metrics *WatcherMetrics) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		client:          client,
		store:           store,
		logger:          logger,
		metrics:         metrics,
		pendingForwards: make(map[htlcKey]htlcAmounts),
	}
}

// Run starts the three subscription loops and blocks until the context
// is cancelled. The first fatal error from any loop tears down the rest.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.logger.Info("lightning watcher connected",
		zap.String("node", w.client.Alias),
		zap.Bool("notify", true))

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	run := func(name string, loop func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- errors.Wrap(err, name)
				cancel()
			}
		}()
	}
	run("invoice stream", w.invoiceLoop)
	run("payment stream", w.paymentLoop)
	run("forward stream", w.forwardLoop)

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// runStream drives one subscription with reconnect-and-backoff. The
// inner function returns when the stream breaks; any error other than
// context cancellation triggers a backoff and a fresh subscribe.
func (w *Watcher) runStream(ctx context.Context, name string, subscribe func(context.Context) error) error {
	backoff := initialBackoff
	for {
		err := subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.metrics != nil {
			w.metrics.StreamRestarts.WithLabelValues(name).Inc()
		}
		w.logger.Warn("lightning stream broke, reconnecting",
			zap.String("stream", name),
			zap.String("node", w.client.Alias),
			zap.Error(err),
			zap.Duration("backoff", backoff))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (w *Watcher) invoiceLoop(ctx context.Context) error {
	return w.runStream(ctx, "invoices", func(ctx context.Context) error {
		addIndex, err := w.store.Checkpoint(ctx, journal.CheckpointInvoiceAdd)
		if err != nil {
			return errors.Wrap(err, "read invoice add checkpoint")
		}
		settleIndex, err := w.store.Checkpoint(ctx, journal.CheckpointInvoiceSettle)
		if err != nil {
			return errors.Wrap(err, "read invoice settle checkpoint")
		}
		// Resuming on both indices makes the node redeliver invoices added
		// or settled since the last journaled terminal state, so a crash
		// between settlement and journaling loses nothing.
		stream, err := w.client.LN.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{
			AddIndex:    uint64(addIndex),
			SettleIndex: uint64(settleIndex),
		})
		if err != nil {
			return err
		}
		for {
			inv, err := stream.Recv()
			if err != nil {
				return err
			}
			if err := w.handleInvoice(ctx, inv); err != nil {
				return err
			}
		}
	})
}

func (w *Watcher) handleInvoice(ctx context.Context, inv *lnrpc.Invoice) error {
	if w.metrics != nil {
		w.metrics.InvoiceEvents.Inc()
	}
	// An open or accepted update would occupy the same (group, kind)
	// journal slot as the settlement that follows it, turning the
	// settlement into a dropped duplicate. Only terminal states are
	// journaled; the resume indices redeliver anything still pending
	// after a reconnect.
	if !terminalInvoice(inv.State) {
		w.logger.Debug("invoice update not terminal, awaiting settlement",
			zap.String("payment_hash", hex.EncodeToString(inv.RHash)),
			zap.Uint64("add_index", inv.AddIndex),
			zap.String("state", inv.State.String()))
		return nil
	}
	event := InvoiceEvent{
		PaymentHash: hex.EncodeToString(inv.RHash),
		PayReq:      inv.PaymentRequest,
		Memo:        inv.Memo,
		ValueMsats:  inv.ValueMsat,
		AmtPaidMsat: inv.AmtPaidMsat,
		Settled:     inv.State == lnrpc.Invoice_SETTLED,
		Canceled:    inv.State == lnrpc.Invoice_CANCELED,
		AddIndex:    inv.AddIndex,
		SettleIndex: inv.SettleIndex,
		KeysendMemo: keysendMemo(inv),
		NodeAlias:   w.client.Alias,
	}
	if err := w.insert(ctx, tracked.SourceLNInvoice, tracked.LNGroupID(inv.RHash), invoiceTime(inv), event); err != nil {
		return err
	}
	if err := w.store.SetCheckpoint(ctx, journal.CheckpointInvoiceAdd, int64(inv.AddIndex)); err != nil {
		w.logger.Warn("failed to persist invoice add checkpoint",
			zap.Uint64("add_index", inv.AddIndex),
			zap.Error(err))
	}
	if inv.State == lnrpc.Invoice_SETTLED {
		if err := w.store.SetCheckpoint(ctx, journal.CheckpointInvoiceSettle, int64(inv.SettleIndex)); err != nil {
			w.logger.Warn("failed to persist invoice settle checkpoint",
				zap.Uint64("settle_index", inv.SettleIndex),
				zap.Error(err))
		}
	}
	return nil
}

func terminalInvoice(state lnrpc.Invoice_InvoiceState) bool {
	return state == lnrpc.Invoice_SETTLED || state == lnrpc.Invoice_CANCELED
}

// keysendMemo extracts the sender message from a keysend custom record
// (type 34349334), the carrier for user-to-user LN messages.
func keysendMemo(inv *lnrpc.Invoice) string {
	for _, htlc := range inv.Htlcs {
		if msg, ok := htlc.CustomRecords[34349334]; ok {
			return string(msg)
		}
	}
	return ""
}

func invoiceTime(inv *lnrpc.Invoice) time.Time {
	if inv.SettleDate > 0 {
		return time.Unix(inv.SettleDate, 0).UTC()
	}
	return time.Unix(inv.CreationDate, 0).UTC()
}

func (w *Watcher) paymentLoop(ctx context.Context) error {
	return w.runStream(ctx, "payments", func(ctx context.Context) error {
		stream, err := w.client.Router.TrackPayments(ctx, &routerrpc.TrackPaymentsRequest{
			NoInflightUpdates: true,
		})
		if err != nil {
			return err
		}
		for {
			payment, err := stream.Recv()
			if err != nil {
				return err
			}
			if err := w.handlePayment(ctx, payment); err != nil {
				return err
			}
		}
	})
}

func (w *Watcher) handlePayment(ctx context.Context, payment *lnrpc.Payment) error {
	lastIndex, err := w.store.Checkpoint(ctx, journal.CheckpointPaymentCreate)
	if err != nil {
		return errors.Wrap(err, "read payment checkpoint")
	}
	// TrackPayments has no resume cursor; already-journaled terminal
	// payments are filtered by index here and deduplicated by the journal
	// regardless.
	if payment.PaymentIndex > 0 && int64(payment.PaymentIndex) <= lastIndex {
		return nil
	}
	event := PaymentEvent{
		PaymentHash:   payment.PaymentHash,
		ValueMsats:    payment.ValueMsat,
		FeeMsats:      payment.FeeMsat,
		Status:        payment.Status.String(),
		FailureReason: payment.FailureReason.String(),
		PaymentIndex:  payment.PaymentIndex,
		Preimage:      payment.PaymentPreimage,
		NodeAlias:     w.client.Alias,
	}
	hash, err := hex.DecodeString(payment.PaymentHash)
	if err != nil {
		return errors.Wrapf(err, "payment hash %q", payment.PaymentHash)
	}
	sourceTime := time.Unix(0, payment.CreationTimeNs).UTC()
	if err := w.insert(ctx, tracked.SourceLNPayment, tracked.LNGroupID(hash), sourceTime, event); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.PaymentEvents.Inc()
	}
	if terminalPayment(payment.Status) {
		if err := w.store.SetCheckpoint(ctx, journal.CheckpointPaymentCreate, int64(payment.PaymentIndex)); err != nil {
			w.logger.Warn("failed to persist payment checkpoint",
				zap.Uint64("payment_index", payment.PaymentIndex),
				zap.Error(err))
		}
	}
	return nil
}

func terminalPayment(status lnrpc.Payment_PaymentStatus) bool {
	return status == lnrpc.Payment_SUCCEEDED || status == lnrpc.Payment_FAILED
}

func (w *Watcher) forwardLoop(ctx context.Context) error {
	return w.runStream(ctx, "forwards", func(ctx context.Context) error {
		seenNs, err := w.store.Checkpoint(ctx, journal.CheckpointForwardSeenNs)
		if err != nil {
			return errors.Wrap(err, "read forward checkpoint")
		}
		stream, err := w.client.Router.SubscribeHtlcEvents(ctx, &routerrpc.SubscribeHtlcEventsRequest{})
		if err != nil {
			return err
		}
		for {
			event, err := stream.Recv()
			if err != nil {
				return err
			}
			if err := w.handleHtlcEvent(ctx, event, uint64(seenNs)); err != nil {
				return err
			}
		}
	})
}

func (w *Watcher) handleHtlcEvent(ctx context.Context, event *routerrpc.HtlcEvent, seenNs uint64) error {
	// Only settled forwards earn routing fees; other HTLC events are
	// node-local noise for the ledger.
	if event.EventType != routerrpc.HtlcEvent_FORWARD {
		return nil
	}
	key := htlcKey{chanID: event.IncomingChannelId, htlcID: event.IncomingHtlcId}

	// The attempt carries the amounts; remember them until settlement.
	if fwdEvt := event.GetForwardEvent(); fwdEvt != nil && fwdEvt.Info != nil {
		w.pendingForwards[key] = htlcAmounts{
			inMsats:        int64(fwdEvt.Info.IncomingAmtMsat),
			outMsats:       int64(fwdEvt.Info.OutgoingAmtMsat),
			outgoingChanID: event.OutgoingChannelId,
		}
		return nil
	}
	if event.GetForwardFailEvent() != nil || event.GetLinkFailEvent() != nil {
		delete(w.pendingForwards, key)
		return nil
	}
	settle := event.GetSettleEvent()
	if settle == nil {
		return nil
	}
	amounts, known := w.pendingForwards[key]
	delete(w.pendingForwards, key)
	if event.TimestampNs <= seenNs {
		return nil
	}
	if !known {
		// Settle for an attempt from before this process started. The
		// amounts are gone; skip rather than post a zero-fee forward.
		w.logger.Debug("settle for unknown forward, skipping",
			zap.Uint64("incoming_chan_id", event.IncomingChannelId),
			zap.Uint64("incoming_htlc_id", event.IncomingHtlcId))
		return nil
	}

	fwd := ForwardEvent{
		IncomingChanID: event.IncomingChannelId,
		OutgoingChanID: amounts.outgoingChanID,
		IncomingHTLCID: event.IncomingHtlcId,
		OutgoingHTLCID: event.OutgoingHtlcId,
		InMsats:        amounts.inMsats,
		OutMsats:       amounts.outMsats,
		FeeMsats:       amounts.inMsats - amounts.outMsats,
		TimestampNs:    event.TimestampNs,
		NodeAlias:      w.client.Alias,
	}
	groupID := tracked.ForwardGroupID(event.IncomingChannelId, amounts.outgoingChanID, event.IncomingHtlcId)
	sourceTime := time.Unix(0, int64(event.TimestampNs)).UTC()
	if err := w.insert(ctx, tracked.SourceLNForward, groupID, sourceTime, fwd); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.ForwardEvents.Inc()
	}
	if err := w.store.SetCheckpoint(ctx, journal.CheckpointForwardSeenNs, int64(event.TimestampNs)); err != nil {
		w.logger.Warn("failed to persist forward checkpoint",
			zap.Uint64("timestamp_ns", event.TimestampNs),
			zap.Error(err))
	}
	return nil
}

// insert journals one event, treating a duplicate as already delivered.
func (w *Watcher) insert(ctx context.Context, kind tracked.SourceKind, groupID string, sourceTime time.Time, payload any) error {
	op, err := tracked.New(kind, groupID, sourceTime, payload)
	if err != nil {
		return err
	}
	err = w.store.Insert(ctx, op)
	if errors.Is(err, journal.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "journal insert")
	}
	w.logger.Info("lightning event ingested",
		zap.String("group_id", op.GroupID),
		zap.String("source_kind", string(kind)),
		zap.String("node", w.client.Alias))
	return nil
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := time.Duration(rand.Float64() * float64(next) * 0.1)
	return next + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
