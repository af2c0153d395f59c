// Package router is the single-consumer stage between the journal and
// the conversion engine: it drains ops in source-timestamp order, marks
// them Routed, dispatches each to its handler and writes the outcome
// back.
package router

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/convert"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/journal"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/tracked"
)

const (
	// idlePoll paces the loop when the journal is drained.
	idlePoll = 500 * time.Millisecond

	// parentRequeueDelay spaces retries of an op whose parent has not
	// reached a terminal state yet.
	parentRequeueDelay = 2 * time.Second

	// recoverSleep is the pause after an unexpected handler panic before
	// the loop resumes.
	recoverSleep = 5 * time.Second
)

// Metrics is the prometheus instrumentation for the router.
type Metrics struct {
	Outcomes *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewMetrics registers the router metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_outcomes_total",
			Help: "Handler outcomes by kind.",
		}, []string{"outcome", "source_kind"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_handle_duration_seconds",
			Help:    "Time spent in one handler invocation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Outcomes, m.Duration)
	return m
}

// Router drains the journal and drives the conversion engine.
type Router struct {
	store   journal.Store
	engine  *convert.Engine
	logger  *zap.Logger
	metrics *Metrics
}

// New builds a Router. metrics may be nil.
func New(store journal.Store, engine *convert.Engine, logger *zap.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{store: store, engine: engine, logger: logger, metrics: metrics}
}

// Run consumes the journal until the context is cancelled. A handler
// panic marks the op Failed and the loop sleeps briefly before resuming.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		op, err := r.store.NextIngested(ctx)
		if errors.Is(err, journal.ErrNotFound) {
			if !sleep(ctx, idlePoll) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			r.logger.Warn("journal read failed", zap.Error(err))
			if !sleep(ctx, idlePoll) {
				return ctx.Err()
			}
			continue
		}

		if err := r.process(ctx, op); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("router recovering after processing error",
				zap.String("group_id", op.GroupID),
				zap.Error(err),
				zap.Bool("notify", true))
			if !sleep(ctx, recoverSleep) {
				return ctx.Err()
			}
		}
	}
}

// process moves one op through Routed to a terminal state.
func (r *Router) process(ctx context.Context, op *tracked.Op) (err error) {
	if err := op.Advance(tracked.StateRouted); err != nil {
		return err
	}
	if err := r.store.Update(ctx, op); err != nil {
		return errors.Wrap(err, "mark routed")
	}

	// A reply cannot run before its parent is terminal. Put the op back
	// and let a later pass pick it up.
	if op.ParentGroupID != "" {
		ready, err := r.parentTerminal(ctx, op.ParentGroupID)
		if err != nil {
			return err
		}
		if !ready {
			if err := r.store.Release(ctx, op.GroupID, op.Kind); err != nil {
				return errors.Wrap(err, "release for parent wait")
			}
			sleep(ctx, parentRequeueDelay)
			return nil
		}
	}

	started := time.Now()
	outcome, panicked := r.handle(ctx, op)
	elapsed := time.Since(started)
	if r.metrics != nil {
		r.metrics.Outcomes.WithLabelValues(string(outcome.Kind), string(op.Kind)).Inc()
		r.metrics.Duration.Observe(elapsed.Seconds())
	}

	switch outcome.Kind {
	case convert.KindProcessed, convert.KindRefunded:
		if err := op.MarkProcessed(elapsed); err != nil {
			return err
		}
	case convert.KindSkipped:
		if err := op.MarkSkipped(outcome.Reason); err != nil {
			return err
		}
		r.logger.Debug("op skipped",
			zap.String("group_id", op.GroupID),
			zap.String("source_kind", string(op.Kind)),
			zap.String("reason", outcome.Reason))
	case convert.KindFailed:
		if err := op.MarkFailed(outcome.Err); err != nil {
			return err
		}
		r.logger.Error("op failed",
			zap.String("group_id", op.GroupID),
			zap.String("source_kind", string(op.Kind)),
			zap.Error(outcome.Err),
			zap.Bool("notify", true))
	default:
		return errors.Errorf("router: unknown outcome %q", outcome.Kind)
	}

	if err := r.store.Update(ctx, op); err != nil {
		return errors.Wrap(err, "write outcome")
	}
	if panicked {
		// A typed Failed outcome is recorded and the loop moves on; a
		// panic additionally bubbles to the recovery sleep after the
		// journal write so the error is never lost.
		return outcome.Err
	}
	return nil
}

// handle invokes the engine with panic containment: an unexpected panic
// becomes a Failed outcome instead of taking the process down.
func (r *Router) handle(ctx context.Context, op *tracked.Op) (outcome convert.Outcome, panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("group_id", op.GroupID),
				zap.Bool("notify", true))
			outcome = convert.Failed(errors.Errorf("handler panic: %v", rec))
			panicked = true
		}
	}()
	return r.engine.Handle(ctx, op), false
}

// parentTerminal reports whether every op under the parent group id has
// reached a terminal state. An unknown parent never blocks: the link is a
// relation, not an owning reference.
func (r *Router) parentTerminal(ctx context.Context, parentGroupID string) (bool, error) {
	parents, err := r.store.FindGroup(ctx, parentGroupID)
	if err != nil {
		return false, errors.Wrapf(err, "parent lookup %s", parentGroupID)
	}
	if len(parents) == 0 {
		return true, nil
	}
	for _, parent := range parents {
		if !parent.State.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
