package upload

import (
	"context"
	"math/rand"
	"time"
)

// maxBackoff caps the delay between part retries.
const maxBackoff = 30 * time.Second

// backoff returns the delay before retry attempt n (1-based): base doubled
// per attempt, plus up to 25% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return d + time.Duration(rand.Float64()*float64(d)*0.25)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
