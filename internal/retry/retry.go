// Package retry runs storage calls again, with exponential backoff, while they
// fail with transient errors.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/logging"
)

// Policy bounds the retries of one call.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is shared by the repository and the result cache.
var DefaultPolicy = Policy{Attempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls fn until it succeeds, fails with a non-transient error or runs out
// of attempts. An error matching one of passthrough stops the retries and is
// returned unchanged. Any other failure, including cancellation of ctx while
// waiting, is returned as a *logging.OperationError.
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation, requestID string, fn func() error, passthrough ...error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	opLogger := logging.WithOperation(logger, operation, requestID)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if matches(err, passthrough) || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		opLogger.Warn("transient error, retrying", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("backoff", wait))
	})

	switch {
	case err == nil:
		if attempt > 1 {
			opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
		}
		return nil
	case matches(err, passthrough):
		return err
	}
	opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt))
	return logging.NewOperationError(operation, requestID, err)
}

func matches(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a deadline, a network timeout or an error
// that declares itself temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
