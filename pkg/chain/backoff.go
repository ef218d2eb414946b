package chain

import (
	"context"
	"fmt"
	"time"
)

// backoffSchedule bounds retries of upstream calls: the first attempt
// plus one retry per delay, four attempts total.
var backoffSchedule = []time.Duration{
	250 * time.Millisecond,
	750 * time.Millisecond,
	1750 * time.Millisecond,
}

// withRetry runs op with the bounded exponential backoff schedule. The
// final failure is wrapped in ErrUpstreamUnavailable so callers can
// apply the fail-open policy without inspecting transport errors.
func withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt >= len(backoffSchedule) {
			break
		}
		timer := time.NewTimer(backoffSchedule[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}
