// Package retry runs durable-store calls with bounded attempts and exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/metrics"
)

type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// Default is three attempts starting at 100ms.
var Default = Policy{Attempts: 3, Backoff: 100 * time.Millisecond}

// Do calls fn until it succeeds, returns a domain error, or the attempts run out.
// Exhaustion is reported as chaterr.ErrStoreUnavailable wrapping the last error.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || chaterr.IsDomain(err) {
			return err
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		metrics.StoreRetries.WithLabelValues(op).Inc()
		logger.Warnf("%s attempt %d/%d: %v", op, attempt, attempts, err)
		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				attempt = attempts
			}
			backoff *= 2
		}
	}
	metrics.StoreFailures.Inc()
	logger.Errorf("%s gave up: %v", op, err)
	return chaterr.StoreUnavailable(err)
}
