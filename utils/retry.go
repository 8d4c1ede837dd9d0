package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how many times an operation is attempted and how long
// to wait between attempts. The zero delay matches a plain immediate retry.
type RetryPolicy struct {
	Attempts   int           `yaml:"attempts"`
	Delay      time.Duration `yaml:"delay"`
	Multiplier float64       `yaml:"multiplier"` // > 1 grows the delay exponentially
}

// DefaultRetryPolicy is three immediate attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3}
}

// Permanent wraps err so Retry stops immediately and returns err unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff
	if p.Delay > 0 && p.Multiplier > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxInterval = p.Delay * time.Duration(1<<uint(attempts))
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retry runs fn until it succeeds, returns a Permanent error, or the attempt
// budget is spent. Only the last error is returned; earlier ones are dropped.
// The number of attempts made is returned alongside.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var (
		result   T
		attempts int
	)

	err := backoff.Retry(func() error {
		attempts++
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, p.backOff(ctx))

	return result, attempts, err
}
