// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndCategory(t *testing.T) {
	err := New(ErrorCodeNodesBusy, "no nodes available")
	require.NotNil(t, err)
	assert.Equal(t, CategoryTransient, err.Category)
	assert.True(t, err.Retryable)
	assert.Equal(t, "[NODES_BUSY] no nodes available", err.Error())
}

func TestCategoryOf(t *testing.T) {
	cases := map[ErrorCode]ErrorCategory{
		ErrorCodeNodeConfigUnavailable: CategoryConfiguration,
		ErrorCodeAccessDenied:          CategoryPolicy,
		ErrorCodeValidationFailed:      CategoryStructural,
		ErrorCodeEpilogFailed:          CategoryNodeFault,
		ErrorCodeAlreadyDone:           CategoryAlreadyDone,
		ErrorCodeNetworkTimeout:        CategoryNetwork,
		ErrorCode("bogus"):             CategoryUnknown,
	}
	for code, want := range cases {
		assert.Equal(t, want, categoryOf(code), "code=%s", code)
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
}

func TestWrapContextErrors(t *testing.T) {
	ce := Wrap(context.Canceled)
	require.NotNil(t, ce)
	assert.Equal(t, ErrorCodeContextCanceled, ce.Code)

	ce = Wrap(context.DeadlineExceeded)
	require.NotNil(t, ce)
	assert.Equal(t, ErrorCodeDeadlineExceeded, ce.Code)
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestWrapNetworkTimeout(t *testing.T) {
	var netErr net.Error = fakeTimeoutErr{}
	ce := Wrap(netErr)
	require.NotNil(t, ce)
	assert.Equal(t, ErrorCodeNetworkTimeout, ce.Code)
	assert.True(t, ce.IsRetryable())
}

func TestIsNoRespond(t *testing.T) {
	assert.True(t, IsNoRespond(context.DeadlineExceeded))
	assert.True(t, IsNoRespond(fakeTimeoutErr{}))
	assert.False(t, IsNoRespond(New(ErrorCodeValidationFailed, "bad request")))
}

func TestWrapAlreadyCoreError(t *testing.T) {
	original := New(ErrorCodeNodeFail, "node down")
	assert.Same(t, original, Wrap(original))
}

func TestWrapWithCausePreservesUnwrap(t *testing.T) {
	cause := &net.OpError{Op: "dial", Err: context.DeadlineExceeded}
	ce := NewWithCause(ErrorCodeNetworkTimeout, "dial failed", cause)
	assert.Equal(t, cause, ce.Unwrap())
}

func TestCoreErrorIs(t *testing.T) {
	a := New(ErrorCodeNoRespond, "timed out")
	b := New(ErrorCodeNoRespond, "different message")
	assert.True(t, a.Is(b))

	c := New(ErrorCodeAlready, "in progress")
	assert.False(t, a.Is(c))
}

func TestValidationError(t *testing.T) {
	ve := NewValidationError(ErrorCodeValidationFailed, "min_nodes must be positive", "min_nodes", -1)
	require.NotNil(t, ve)
	assert.Equal(t, "min_nodes", ve.Field)
	assert.Equal(t, -1, ve.Value)
	assert.Equal(t, CategoryStructural, ve.Category)
}

func TestTimestampIsRecent(t *testing.T) {
	err := New(ErrorCodeUnknown, "x")
	assert.WithinDuration(t, time.Now(), err.Timestamp, time.Second)
}
