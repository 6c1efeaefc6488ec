// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package ctldtypes

import "time"

// CheckpointRecord is the per-step checkpoint state. A
// non-zero TimeStamp is the single-operation lock: a second CREATE/VACATE
// fails with ALREADY until every task has replied. The timeout firing
// delivers the fallback signal but does not clear TimeStamp.
type CheckpointRecord struct {
	Disabled   int32
	TimeStamp  time.Time // zero value means "no operation in flight"
	ReplyCount int32
	TaskCount  int32
	Replied    []bool

	WaitTime time.Duration
	SigDone  int32 // 0 means none

	ErrorCode int32
	ErrorMsg  string
}

// InFlight reports whether a checkpoint operation is currently running.
func (c *CheckpointRecord) InFlight() bool { return !c.TimeStamp.IsZero() }
