package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// runWithRetry executes fn under policy's timeout, retrying transient
// failures with the configured backoff up to maxAttempts (spec.md §4.2:
// "retryable with exponential backoff up to a per-stage limit ... Retries
// occur only on transient failures; input-validation failures are
// terminal"). A circuit-open error from a wrapped dependency call is
// treated as transient like any other — the breaker itself is what makes
// the subsequent attempt fail fast instead of blocking.
func runWithRetry(ctx context.Context, stage StageName, logger *slog.Logger, fn func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	policy := stagePolicies[stage]

	var lastErr error
	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, policy.timeout)
		err := fn(stageCtx)
		cancel()

		if err == nil {
			return nil
		}
		if isTerminal(err) {
			return err
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		lastErr = err
		if attempt == policy.maxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		logger.Warn("stage attempt failed, retrying", "stage", stage, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("pipeline: stage %s exhausted %d attempts: %w", stage, policy.maxAttempts, lastErr)
}

func backoffDelay(policy retryPolicy, attempt int) time.Duration {
	switch policy.kind {
	case backoffExponential:
		return policy.baseDelay * time.Duration(1<<uint(attempt-1))
	default:
		return policy.baseDelay * time.Duration(attempt)
	}
}
