package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxbridge/voxbridge/pkg/provider/fault"
)

// ConnectSchedule is the delay sequence used for initial upstream connection
// attempts: an immediate try, a fast retry for blips, then spaced retries
// that give a provider time to recover.
var ConnectSchedule = []time.Duration{
	0,
	100 * time.Millisecond,
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

// ResumeSchedule is the delay sequence used for mid-stream reconnection,
// where every attempt extends a user-audible gap. It gives up much sooner
// than ConnectSchedule.
var ResumeSchedule = []time.Duration{
	0,
	100 * time.Millisecond,
	500 * time.Millisecond,
}

// Retry runs fn once per schedule entry, sleeping the entry's delay first.
//
// It stops early when fn succeeds, when the error classifies as
// non-retryable (auth, fatal), or when ctx is cancelled. A RATE_LIMIT error
// with an upstream RetryAfter hint longer than the scheduled delay waits the
// hint instead. The last error is returned after the schedule is exhausted.
func Retry(ctx context.Context, name string, schedule []time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt, delay := range schedule {
		if lastErr != nil {
			if c := fault.Classify(lastErr); c.RetryAfter > delay {
				delay = c.RetryAfter
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		c := fault.Classify(lastErr)
		if !c.Retryable {
			slog.Warn("retry aborted on non-retryable error",
				"name", name,
				"attempt", attempt+1,
				"kind", c.Kind.String(),
				"error", lastErr)
			return lastErr
		}
		if attempt < len(schedule)-1 {
			slog.Debug("retrying after failure",
				"name", name,
				"attempt", attempt+1,
				"kind", c.Kind.String(),
				"error", lastErr)
		}
	}
	return lastErr
}
