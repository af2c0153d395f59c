package hive

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/journal"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

const (
	blockInterval  = 3 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	// catchUpLag is the distance behind head, in blocks, past which the
	// watcher switches to bulk catch-up (two hours of three-second
	// blocks).
	catchUpLag = 2 * 60 * 60 / 3

	// tipRetryLimit bounds how long a block missing at the tip is
	// tolerated before the gap is treated as fatal.
	tipRetryLimit = 20

	// catchUpWindow is the bulk catch-up batch size: head polls and
	// checkpoint persists happen once per window.
	catchUpWindow = 100
)

// WatcherMetrics is the prometheus instrumentation for the block watcher.
type WatcherMetrics struct {
	BlocksProcessed prometheus.Counter
	OpsEmitted      prometheus.Counter
	HeadLag         prometheus.Gauge
}

// NewWatcherMetrics registers the watcher metrics.
func NewWatcherMetrics(reg prometheus.Registerer) *WatcherMetrics {
	m := &WatcherMetrics{
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_watcher_blocks_processed_total",
			Help: "Blocks scanned by the hive watcher.",
		}),
		OpsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_watcher_ops_emitted_total",
			Help: "Tracked ops emitted by the hive watcher.",
		}),
		HeadLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_watcher_head_lag_blocks",
			Help: "Distance between the last processed block and the chain head.",
		}),
	}
	reg.MustRegister(m.BlocksProcessed, m.OpsEmitted, m.HeadLag)
	return m
}

// Watcher tails the block stream, extracts qualifying operations and
// writes them to the journal. The journal's uniqueness constraint makes a
// replayed block a no-op, so the watcher can always resume from its
// persisted height.
type Watcher struct {
	client  *Client
	store   journal.Store
	filter  *OpFilter
	logger  *zap.Logger
	metrics *WatcherMetrics
}

// NewWatcher builds a Watcher. metrics may be nil.
func NewWatcher(client *Client, store journal.Store, filter *OpFilter, logger *zap.Logger, metrics *WatcherMetrics) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{client: client, store: store, filter: filter, logger: logger, metrics: metrics}
}

// Run streams blocks until the context is cancelled. The source is the
// source of truth: no events are fabricated, and a gap inside the stream
// (a block that never becomes available behind the tip) is fatal so the
// supervisor restarts from the persisted height.
func (w *Watcher) Run(ctx context.Context) error {
	height, err := w.store.Checkpoint(ctx, journal.CheckpointHiveHead)
	if err != nil {
		return errors.Wrap(err, "read hive checkpoint")
	}
	next := uint32(height) + 1

	backoff := initialBackoff
	tipRetries := 0
	catchingUp := false
	var head uint32
	headStale := catchUpWindow // force a head read on the first pass

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// During catch-up the head is polled once per window instead of
		// per block.
		if headStale >= catchUpWindow || !catchingUp {
			props, err := w.client.DynamicGlobalProperties(ctx)
			if err != nil {
				w.logger.Warn("failed to read chain head, backing off",
					zap.Error(err),
					zap.Duration("backoff", backoff))
				if !sleep(ctx, backoff) {
					return ctx.Err()
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = initialBackoff
			head = props.HeadBlockNumber
			headStale = 0
		}
		headStale++

		if next == 0 || height == 0 && next == 1 {
			// First run with no checkpoint: start from the live head.
			next = head
		}
		if w.metrics != nil && head >= next {
			w.metrics.HeadLag.Set(float64(head - next))
		}

		if next > head {
			// Caught up: a watcher starting at the head emits nothing
			// until a new block arrives.
			if !sleep(ctx, blockInterval) {
				return ctx.Err()
			}
			continue
		}

		lag := head - next
		if lag > catchUpLag && !catchingUp {
			catchingUp = true
			w.logger.Info("hive watcher far behind head, bulk catch-up",
				zap.Uint32("next", next),
				zap.Uint32("head", head),
				zap.Uint32("lag_blocks", lag))
		}
		if lag <= catchUpLag && catchingUp {
			catchingUp = false
			w.logger.Info("hive watcher within two hours of head, resuming normal streaming",
				zap.Uint32("next", next),
				zap.Bool("notify", true))
		}

		block, err := w.client.GetBlock(ctx, next)
		if errors.Is(err, ErrMissingBlock) {
			if next >= head {
				// Missing at the tip: wait for it to be produced.
				tipRetries = 0
				if !sleep(ctx, blockInterval) {
					return ctx.Err()
				}
				continue
			}
			tipRetries++
			if tipRetries > tipRetryLimit {
				w.logger.Error("block missing inside the stream",
					zap.Uint32("height", next),
					zap.Bool("notify", true))
				return errors.Wrapf(ErrMissingBlock, "height %d", next)
			}
			if !sleep(ctx, blockInterval) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			w.logger.Warn("block fetch failed, backing off",
				zap.Uint32("height", next),
				zap.Error(err),
				zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		tipRetries = 0

		if err := w.processBlock(ctx, block, next, catchingUp); err != nil {
			return err
		}

		// Checkpoint per block when streaming, per window when catching
		// up: a restart mid-window re-reads at most one window, and the
		// journal's uniqueness constraint absorbs the replay.
		if !catchingUp || next%catchUpWindow == 0 {
			if err := w.store.SetCheckpoint(ctx, journal.CheckpointHiveHead, int64(next)); err != nil {
				w.logger.Warn("failed to persist hive checkpoint",
					zap.Uint32("height", next),
					zap.Error(err))
			}
		}
		next++
	}
}

func (w *Watcher) processBlock(ctx context.Context, block *Block, height uint32, catchingUp bool) error {
	blockTime, err := block.Time()
	if err != nil {
		return errors.Wrapf(err, "block %d timestamp", height)
	}
	ops, err := ExtractOps(block, height, w.filter)
	if err != nil {
		return errors.Wrapf(err, "extract ops from block %d", height)
	}
	for _, ex := range ops {
		op, err := tracked.New(ex.Kind, ex.GroupID(), blockTime, ex.Payload)
		if err != nil {
			return err
		}
		err = w.store.Insert(ctx, op)
		if errors.Is(err, journal.ErrDuplicate) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "journal insert for block %d", height)
		}
		if w.metrics != nil {
			w.metrics.OpsEmitted.Inc()
		}
		// Catch-up suppresses per-op notifications to avoid flooding the
		// bots with history.
		w.logger.Info("hive op ingested",
			zap.String("group_id", op.GroupID),
			zap.String("source_kind", string(op.Kind)),
			zap.Uint32("height", height),
			zap.Bool("notify", !catchingUp))
	}
	if w.metrics != nil {
		w.metrics.BlocksProcessed.Inc()
	}
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
