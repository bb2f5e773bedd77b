package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxTries == 0 {
		p.MaxTries = def.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxElapsedTime <= 0 {
		p.MaxElapsedTime = def.MaxElapsedTime
	}
	return p
}

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, or the policy is exhausted.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op(ctx)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(policy.MaxTries),
		backoff.WithMaxElapsedTime(policy.MaxElapsedTime),
	)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
