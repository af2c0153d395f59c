// Package notify publishes selected log events to out-of-band chat bots.
// The dispatcher owns its send queue; nothing else mutates it. Dispatch
// must never block the log pipeline: before the drain loop is bound to a
// running context, Publish falls back to a synchronous send with a short
// bounded timeout, and every entry point re-binds the loop immediately
// after startup.
package notify

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	maxMessageLen   = 300
	sendAttempts    = 3
	sendBackoffBase = 500 * time.Millisecond
	// unboundSendTimeout caps the blocking fallback used before Bind.
	unboundSendTimeout = 2 * time.Second
	queueDepth         = 256
)

// RetryAfterError is returned by a Transport when the remote end signals
// an explicit wait before the next attempt.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string { return "transport asked to retry after " + e.After.String() }

// Transport delivers one message to one named bot.
type Transport interface {
	Send(ctx context.Context, bot string, text string) error
}

// NopTransport drops every message. Used when no bot is configured.
type NopTransport struct{}

// Send implements Transport.
func (NopTransport) Send(context.Context, string, string) error { return nil }

// Message is one queued notification. Bots lists additional targets past
// the default bot.
type Message struct {
	Text string
	Bots []string
}

// Dispatcher fans messages out to chat bots with rate limiting, retry and
// truncation. It is a process-wide singleton created once at startup.
type Dispatcher struct {
	transport  Transport
	defaultBot string
	logger     *zap.Logger
	limiter    *patternLimiter

	mu       sync.Mutex
	queue    chan Message
	bound    bool
	boundCtx context.Context
}

// NewDispatcher builds an unbound Dispatcher. Call Bind from the entry
// point once the task runtime is up.
func NewDispatcher(transport Transport, defaultBot string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		transport:  transport,
		defaultBot: defaultBot,
		logger:     logger,
		limiter:    newPatternLimiter(),
		queue:      make(chan Message, queueDepth),
	}
}

// Bind (re)points the drain loop at a running context. Safe to call more
// than once: a later Bind supersedes an earlier one whose context was
// cancelled. Every main entry point must call Bind immediately after its
// runtime starts.
func (d *Dispatcher) Bind(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound && d.boundCtx != nil && d.boundCtx.Err() == nil {
		return
	}
	d.bound = true
	d.boundCtx = ctx
	go d.drain(ctx)
}

// Bound reports whether a drain loop is currently attached.
func (d *Dispatcher) Bound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound && d.boundCtx != nil && d.boundCtx.Err() == nil
}

// Publish enqueues a message. When the drain loop is not bound yet the
// message is sent synchronously under a bounded timeout so early-startup
// logging cannot stall the log drain thread indefinitely.
func (d *Dispatcher) Publish(msg Message) {
	if allowed, notice := d.limiter.allow(msg.Text); !allowed {
		if notice != "" {
			msg = Message{Text: notice, Bots: msg.Bots}
		} else {
			return
		}
	}

	if d.Bound() {
		select {
		case d.queue <- msg:
		default:
			d.logger.Warn("notification queue full, dropping message")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unboundSendTimeout)
	defer cancel()
	d.deliver(ctx, msg)
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

// deliver sends to the default bot plus any extra targets, retrying each
// with exponential backoff and honouring explicit retry-after signals.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	text := prepare(msg.Text)
	targets := append([]string{d.defaultBot}, msg.Bots...)
	seen := make(map[string]bool, len(targets))
	for _, bot := range targets {
		if bot == "" || seen[bot] {
			continue
		}
		seen[bot] = true
		d.sendWithRetry(ctx, bot, text)
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, bot, text string) {
	backoff := sendBackoffBase
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		err := d.transport.Send(ctx, bot, text)
		if err == nil {
			return
		}
		wait := backoff
		if ra, ok := err.(*RetryAfterError); ok {
			wait = ra.After
		}
		d.logger.Warn("notification send failed",
			zap.String("bot", bot),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == sendAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff *= 2
	}
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

const ellipsis = "…"

// prepare strips terminal colour codes and truncates long messages. The
// cut point backs up to a rune boundary so a multi-byte character is
// never split, and the ellipsis fits inside the length cap.
func prepare(text string) string {
	text = ansiPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if len(text) > maxMessageLen {
		cut := maxMessageLen - len(ellipsis)
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + ellipsis
	}
	return text
}
