package upstream

import (
	"context"
	"iter"
	"time"

	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/models"
	"go.uber.org/zap"
)

// RetryPolicy is a fixed-interval retry budget. There is no backoff growth
// and no jitter.
type RetryPolicy struct {
	Enabled  bool
	Count    int
	Interval time.Duration
}

func PolicyFor(ep *models.EndpointPolicy) RetryPolicy {
	return RetryPolicy{
		Enabled:  ep.RetryEnabled,
		Count:    ep.RetryCount,
		Interval: time.Duration(ep.RetryInterval) * time.Second,
	}
}

// MaxAttempts is the initial call plus the configured retries.
func (p RetryPolicy) MaxAttempts() int {
	if !p.Enabled || p.Count <= 0 {
		return 1
	}
	return 1 + p.Count
}

// Attempt is one element of the retry sequence. Number starts at 1.
type Attempt struct {
	Number   int
	Response *Response
	Err      error
}

// Retries is how many attempts preceded this one.
func (a Attempt) Retries() int {
	if a.Number == 0 {
		return 0
	}
	return a.Number - 1
}

// Sleeper suspends the caller between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// ContextSleeper waits on a timer and gives up when ctx is done.
type ContextSleeper struct{}

func (ContextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempts lazily yields one Attempt per call. It stops after the first
// success, once MaxAttempts is reached, or when ctx ends during a wait.
// The interval is waited between failed attempts, never after the last one.
func (c *Caller) Attempts(ctx context.Context, req Request, policy RetryPolicy) iter.Seq[Attempt] {
	return func(yield func(Attempt) bool) {
		max := policy.MaxAttempts()
		for n := 1; n <= max; n++ {
			resp, err := c.Do(ctx, req)
			if !yield(Attempt{Number: n, Response: resp, Err: err}) || err == nil {
				return
			}
			if n == max {
				return
			}

			c.logger.Debug("upstream attempt failed, retrying",
				logging.Attempt(n),
				logging.Upstream(req.URL),
				zap.Error(err))

			if policy.Interval > 0 {
				if c.sleeper.Sleep(ctx, policy.Interval) != nil {
					return
				}
			}
		}
	}
}

// Last drains seq and returns its final element.
func Last(seq iter.Seq[Attempt]) Attempt {
	var last Attempt
	for a := range seq {
		last = a
	}
	return last
}
