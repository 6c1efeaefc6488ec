// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errDial = errors.New("dial tcp: no response")

func TestRPCExponentialBackoff_ShouldRetry(t *testing.T) {
	policy := NewRPCExponentialBackoff().WithMaxRetries(3)
	ctx := context.Background()

	assert.True(t, policy.ShouldRetry(ctx, errDial, 0))
	assert.True(t, policy.ShouldRetry(ctx, errDial, 2))
	assert.False(t, policy.ShouldRetry(ctx, errDial, 3), "attempt at MaxRetries stops")
	assert.False(t, policy.ShouldRetry(ctx, nil, 0), "nil error never retries")
}

func TestRPCExponentialBackoff_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := NewRPCExponentialBackoff()
	assert.False(t, policy.ShouldRetry(ctx, errDial, 0))
}

func TestRPCExponentialBackoff_WaitTime(t *testing.T) {
	policy := NewRPCExponentialBackoff().
		WithMinWaitTime(1 * time.Second).
		WithMaxWaitTime(4 * time.Second).
		WithBackoffFactor(2.0).
		WithJitter(false)

	assert.Equal(t, 1*time.Second, policy.WaitTime(0))
	assert.Equal(t, 2*time.Second, policy.WaitTime(2))
	assert.Equal(t, 4*time.Second, policy.WaitTime(10), "capped at max wait")
}

func TestFixedDelay(t *testing.T) {
	policy := NewFixedDelay(2, 500*time.Millisecond)
	ctx := context.Background()

	assert.True(t, policy.ShouldRetry(ctx, errDial, 0))
	assert.True(t, policy.ShouldRetry(ctx, errDial, 1))
	assert.False(t, policy.ShouldRetry(ctx, errDial, 2))
	assert.Equal(t, 500*time.Millisecond, policy.WaitTime(0))
	assert.Equal(t, 500*time.Millisecond, policy.WaitTime(5))
}

func TestFixedDelay_Unbounded(t *testing.T) {
	// maxRetries <= 0 means retry indefinitely, as the agent's retry
	// queue does for AgentRequests with retry=true.
	policy := NewFixedDelay(0, time.Second)
	assert.True(t, policy.ShouldRetry(context.Background(), errDial, 1000))
}

func TestNoRetry(t *testing.T) {
	policy := NewNoRetry()
	assert.False(t, policy.ShouldRetry(context.Background(), errDial, 0))
	assert.Equal(t, time.Duration(0), policy.WaitTime(0))
	assert.Equal(t, 0, policy.MaxRetries())
}

func TestRetryHelper(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), NewConstantBackoff(time.Millisecond, 3), func() error {
		attempts++
		if attempts < 3 {
			return errDial
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHelper_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), NewConstantBackoff(time.Millisecond, 2), func() error {
		attempts++
		return errDial
	})
	assert.ErrorIs(t, err, errDial)
	assert.Equal(t, 2, attempts)
}
