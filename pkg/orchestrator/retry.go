package orchestrator

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/gateway"
)

// retryTransient runs op with exponential backoff, retrying only
// transient failures (transport errors, 5xx). Validation and 4xx
// failures abort immediately.
func retryTransient(ctx context.Context, cfg config.RetryConfig, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.BaseDelay
	policy.Multiplier = cfg.Factor
	policy.RandomizationFactor = cfg.Jitter
	policy.MaxElapsedTime = 0 // bounded by attempt count and context

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !gateway.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)
	return backoff.Retry(wrapped, b)
}
