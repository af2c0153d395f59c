package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/errorcode"
)

const (
	superviseInitialBackoff = 1 * time.Second
	superviseMaxBackoff     = 60 * time.Second

	// healthyRunThreshold is how long a loop must run before a later
	// failure counts as a fresh incident rather than a flap.
	healthyRunThreshold = time.Minute
)

// Supervise restarts a long-running loop until the context is cancelled.
// Restarts back off exponentially; repeated failures of the same loop are
// deduplicated through the error-code manager so the bots see the first
// crash and the eventual recovery, not every flap in between.
func Supervise(ctx context.Context, name string, codes *errorcode.Manager,
	srv *Server, logger *zap.Logger, run func(context.Context) error) {
	backoff := superviseInitialBackoff
	for {
		if srv != nil {
			srv.SetCheck(name, "ok")
		}
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if srv != nil {
			srv.SetCheck(name, "down")
		}

		if time.Since(started) > healthyRunThreshold {
			backoff = superviseInitialBackoff
			if codes != nil {
				codes.Clear(ctx, name)
			}
		}

		wantsNotify := true
		if codes != nil && err != nil {
			wantsNotify = codes.Allow(ctx, name, err.Error())
		}
		logger.Error("loop stopped, restarting",
			zap.String("loop", name),
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Bool("notify", wantsNotify))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > superviseMaxBackoff {
			backoff = superviseMaxBackoff
		}
	}
}
