package notify

import (
	"sync"
	"time"
)

const (
	// Messages are identified by their trailing signature so variants of
	// the same alert (differing prefixes, ids) collapse to one pattern.
	signatureLen = 20
	windowLen    = 60 * time.Second
	maxPerWindow = 5
)

// patternLimiter drops repeated messages with the same trailing signature
// once five arrive inside a rolling minute, emitting a single throttling
// notice per burst.
type patternLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	patterns map[string]*patternWindow
}

type patternWindow struct {
	times     []time.Time
	throttled bool
}

func newPatternLimiter() *patternLimiter {
	return &patternLimiter{
		now:      time.Now,
		patterns: make(map[string]*patternWindow),
	}
}

func signature(text string) string {
	if len(text) <= signatureLen {
		return text
	}
	return text[len(text)-signatureLen:]
}

// allow reports whether the message may be sent. When a burst is first
// throttled it returns (false, notice) so the caller can send one
// replacement "throttling" message; further drops return (false, "").
func (l *patternLimiter) allow(text string) (bool, string) {
	sig := signature(text)
	now := l.now()
	cutoff := now.Add(-windowLen)

	l.mu.Lock()
	defer l.mu.Unlock()

	win, ok := l.patterns[sig]
	if !ok {
		win = &patternWindow{}
		l.patterns[sig] = win
	}

	kept := win.times[:0]
	for _, t := range win.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	win.times = kept
	if len(win.times) == 0 {
		win.throttled = false
	}

	if len(win.times) >= maxPerWindow {
		if !win.throttled {
			win.throttled = true
			return false, "throttling repeated messages matching …" + sig
		}
		return false, ""
	}

	win.times = append(win.times, now)
	return true, ""
}
