package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/chartflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"task fault", schema.NewError(schema.ErrCodeTaskFault, "boom"), true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"store error", schema.NewError(schema.ErrCodeStore, "locked"), true},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad config"), false},
		{"graph config", schema.NewError(schema.ErrCodeGraphConfig, "no edge"), false},
		{"assert failed", schema.NewError(schema.ErrCodeAssertFailed, "nope"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"wrapped flow error", errors.Join(errors.New("outer"), schema.NewError(schema.ErrCodeTaskFault, "inner")), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"plain timeout text", errors.New("operation timeout"), true},
		{"unknown error", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, time.Second},
		{"none", &schema.RetryPolicy{Max: 3, Backoff: "none", Delay: "5s"}, 2, 0},
		{"unset without delay", &schema.RetryPolicy{Max: 3}, 1, 0},
		{"unset with delay", &schema.RetryPolicy{Max: 3, Delay: "2s"}, 4, 2 * time.Second},
		{"constant", &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "500ms"}, 5, 500 * time.Millisecond},
		{"linear first", &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "1s"}, 0, time.Second},
		{"linear third", &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "1s"}, 2, 3 * time.Second},
		{"exponential first", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "1s"}, 0, time.Second},
		{"exponential fourth", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "1s"}, 3, 8 * time.Second},
		{"exponential capped", &schema.RetryPolicy{Max: 10, Backoff: "exponential", Delay: "1s", MaxDelay: "5s"}, 6, 5 * time.Second},
		{"constant default delay", &schema.RetryPolicy{Max: 3, Backoff: "constant"}, 0, time.Second},
		{"bad delay falls back", &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "soon"}, 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	t.Run("zero delay returns immediately", func(t *testing.T) {
		require.NoError(t, WaitForBackoff(context.Background(), 0))
	})

	t.Run("waits the delay", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("cancelled context wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WaitForBackoff(ctx, time.Minute)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, defaultMaxRetries, maxAttempts(nil))
	assert.Equal(t, defaultMaxRetries, maxAttempts(&schema.RetryPolicy{}))
	assert.Equal(t, 7, maxAttempts(&schema.RetryPolicy{Max: 7}))
}
