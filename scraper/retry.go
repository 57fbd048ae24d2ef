package scraper

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aluiziolira/tululu-scraper/config"
)

// retryPolicy runs an operation up to maxAttempts times, waiting base plus
// a random share of jitter between attempts. Only errRetryable failures are
// retried.
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
	jitter      time.Duration
	metrics     *Metrics
	logger      *zap.Logger

	totalRetries int64
}

func newRetryPolicy(cfg *config.Config, metrics *Metrics, logger *zap.Logger) *retryPolicy {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &retryPolicy{
		maxAttempts: attempts,
		base:        cfg.RetryBackoff,
		jitter:      cfg.RetryJitter,
		metrics:     metrics,
		logger:      logger,
	}
}

// Do calls op until it succeeds, fails permanently or runs out of attempts.
// Exhausted retryable failures come back as ErrTransient.
func (p *retryPolicy) Do(ctx context.Context, rawURL string, op func() error) error {
	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		var retryable errRetryable
		if errors.As(err, &retryable) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&jitterBackOff{base: p.base, jitter: p.jitter}, uint64(p.maxAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		atomic.AddInt64(&p.totalRetries, 1)
		p.metrics.IncRetries()
		p.logger.Warn("retrying request",
			zap.String("url", rawURL),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(wrapped, b, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var retryable errRetryable
	if errors.As(err, &retryable) {
		return ErrTransient{URL: rawURL, Attempts: attempts, Err: retryable.Err}
	}
	return err
}

// TotalRetries returns the number of retries scheduled so far.
func (p *retryPolicy) TotalRetries() int {
	return int(atomic.LoadInt64(&p.totalRetries))
}

// jitterBackOff waits base plus up to jitter before every retry.
type jitterBackOff struct {
	base   time.Duration
	jitter time.Duration
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	delay := b.base
	if b.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(b.jitter)))
	}
	return delay
}

func (b *jitterBackOff) Reset() {}
