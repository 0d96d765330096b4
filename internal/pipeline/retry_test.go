package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := runWithRetry(context.Background(), StageSearch, nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunWithRetry_RetriesTransientFailureThenSucceeds(t *testing.T) {
	calls := 0
	err := runWithRetry(context.Background(), StageSearch, nil, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunWithRetry_TerminalErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := runWithRetry(context.Background(), StageSearch, nil, func(ctx context.Context) error {
		calls++
		return Terminal(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, isTerminal(err))
}

func TestRunWithRetry_ExhaustsConfiguredAttempts(t *testing.T) {
	calls := 0
	err := runWithRetry(context.Background(), StageSanitize, nil, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, stagePolicies[StageSanitize].maxAttempts, calls)
}

func TestRunWithRetry_ContextCancelledDuringBackoffReturnsPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := runWithRetry(ctx, StageVerify, nil, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, calls, 1)
}

func TestBackoffDelay_ExponentialDoubles(t *testing.T) {
	p := retryPolicy{baseDelay: 1 * time.Second, kind: backoffExponential}
	assert.Equal(t, 1*time.Second, backoffDelay(p, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(p, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(p, 3))
}

func TestBackoffDelay_LinearScales(t *testing.T) {
	p := retryPolicy{baseDelay: 3 * time.Second, kind: backoffLinear}
	assert.Equal(t, 3*time.Second, backoffDelay(p, 1))
	assert.Equal(t, 6*time.Second, backoffDelay(p, 2))
	assert.Equal(t, 9*time.Second, backoffDelay(p, 3))
}
