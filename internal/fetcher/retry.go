// Package fetcher holds transport helpers shared by the concrete fetchers.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// DefaultBackoff is the wait after each failed attempt; its length is the attempt count.
var DefaultBackoff = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
}

// Retrying retries every transport failure a bounded number of times.
type Retrying struct {
	next    permit.Fetcher
	backoff []time.Duration
	pause   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

// NewRetrying wraps next. An empty backoff uses DefaultBackoff.
func NewRetrying(next permit.Fetcher, backoff []time.Duration, logger *zap.Logger) *Retrying {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		next:    next,
		backoff: append([]time.Duration(nil), backoff...),
		pause:   sleep,
		logger:  logger,
	}
}

// Fetch tries len(backoff) times, waiting backoff[i] between attempt i and i+1.
// Timeouts, refused connections, bad statuses and other errors are all retried.
func (r *Retrying) Fetch(ctx context.Context, req permit.FetchRequest) (permit.FetchResponse, error) {
	var lastErr error
	for attempt := 0; attempt < len(r.backoff); attempt++ {
		resp, err := r.next.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		fe := permit.Classify(req.URL, 0, err)
		r.logger.Warn("fetch attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(fe.Kind)),
			zap.Error(err),
		)
		if attempt == len(r.backoff)-1 {
			break
		}
		if err := r.pause(ctx, r.backoff[attempt]); err != nil {
			return permit.FetchResponse{}, permit.Classify(req.URL, 0, err)
		}
	}
	return permit.FetchResponse{}, fmt.Errorf("after %d attempts: %w", len(r.backoff), permit.Classify(req.URL, 0, lastErr))
}

// Isolated wraps an isolated session of the underlying fetcher with the same policy.
func (r *Retrying) Isolated() (permit.Fetcher, error) {
	sf, ok := r.next.(permit.SessionFetcher)
	if !ok {
		return nil, fmt.Errorf("fetcher %T cannot isolate sessions", r.next)
	}
	isolated, err := sf.Isolated()
	if err != nil {
		return nil, fmt.Errorf("isolate session: %w", err)
	}
	out := NewRetrying(isolated, r.backoff, r.logger)
	out.pause = r.pause
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
