// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	stderrors "errors"
	"net"
)

// Wrap converts a generic error (typically the result of an RPC
// send/recv) into a structured CoreError. The Agent's per-target worker
// calls this to decide whether a slot should classify as NO_RESPOND
// (transport failure / deadline expiry) or DONE-with-error.
func Wrap(err error) *CoreError {
	if err == nil {
		return nil
	}

	var coreErr *CoreError
	if stderrors.As(err, &coreErr) {
		return coreErr
	}

	if stderrors.Is(err, context.Canceled) {
		return NewWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(ErrorCodeDeadlineExceeded, "operation timed out", err)
	}

	if netErr := classifyNetworkError(err); netErr != nil {
		return netErr
	}

	return NewWithCause(ErrorCodeUnknown, err.Error(), err)
}

// classifyNetworkError identifies network-transport failures. Both a
// timeout and a plain connection failure classify to NO_RESPOND
// territory.
func classifyNetworkError(err error) *CoreError {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) {
		return NewWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(ErrorCodeDeadlineExceeded, "operation deadline exceeded", err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewWithCause(ErrorCodeNetworkTimeout, "network operation timed out", err)
		}
		return NewWithCause(ErrorCodeConnectionRefused, "network operation failed", err)
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return NewWithCause(ErrorCodeConnectionRefused, "network operation failed", err)
	}

	return nil
}

// IsNoRespond reports whether err should drive a ThreadSlot to NO_RESP.
func IsNoRespond(err error) bool {
	ce := Wrap(err)
	if ce == nil {
		return false
	}
	switch ce.Code {
	case ErrorCodeNetworkTimeout, ErrorCodeConnectionRefused, ErrorCodeDeadlineExceeded, ErrorCodeContextCanceled:
		return true
	default:
		return false
	}
}
