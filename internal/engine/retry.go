package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/chartflow/pkg/schema"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// IsRetryableError reports whether a node fault is worth another attempt.
// Context cancellation is never retryable; a deadline on a single attempt
// is. Structured errors answer for themselves, everything else falls back
// to transport heuristics.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"timeout",
		"too many requests",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before the given retry attempt
// (0-based) under the node's policy. A nil policy or an unparsable delay
// means the default constant delay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return defaultRetryDelay
	}

	base := defaultRetryDelay
	if policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil {
			base = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case "none":
		return 0
	case "constant":
		delay = base
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "exponential":
		delay = base * (1 << attempt)
	default:
		// Unset means no backoff unless an explicit delay was given.
		if policy.Delay == "" {
			return 0
		}
		delay = base
	}

	if policy.MaxDelay != "" {
		if ceil, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > ceil {
			delay = ceil
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or until the context ends.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxAttempts returns the retry bound for a node: the policy's Max when
// set, otherwise the engine default.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy != nil && policy.Max > 0 {
		return policy.Max
	}
	return defaultMaxRetries
}
