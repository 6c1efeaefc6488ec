// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
)

// RetryQueue is the Agent's FIFO of (AgentRequest, last_attempt_time).
// New enqueues from the dispatch protocol
// are appended; external producers may prepend via PrependUrgent. The
// queue has its own mutex, independent of the LockDomain.
type RetryQueue struct {
	mu      sync.Mutex
	entries []*ctldtypes.AgentRequest
}

// NewRetryQueue returns an empty RetryQueue.
func NewRetryQueue() *RetryQueue { return &RetryQueue{} }

// Enqueue appends an entry (the normal, non-urgent path).
func (q *RetryQueue) Enqueue(req *ctldtypes.AgentRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, req)
}

// PrependUrgent inserts an entry at the head of the queue, for external
// producers that need priority redispatch.
func (q *RetryQueue) PrependUrgent(req *ctldtypes.AgentRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]*ctldtypes.AgentRequest{req}, q.entries...)
}

// Len reports the queue depth.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain removes and discards every entry without dispatching, for
// shutdown.
func (q *RetryQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// popReady removes and returns the head entry if it has waited at least
// minWait since LastAttempt, else returns nil without mutating the
// queue.
func (q *RetryQueue) popReady(minWait time.Duration) *ctldtypes.AgentRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	head := q.entries[0]
	if time.Since(head.LastAttempt) < minWait {
		return nil
	}
	q.entries = q.entries[1:]
	return head
}

// AgentRetry implements agent_retry(min_wait): pops the
// head entry iff now - last_attempt >= min_wait and spawns a fresh
// AgentRun for it. Returns true if a redispatch was triggered.
func (a *Agent) AgentRetry(ctx context.Context, minWait time.Duration) bool {
	req := a.retry.popReady(minWait)
	if req == nil {
		return false
	}
	go func() {
		if err := a.Dispatch(ctx, req); err != nil {
			a.logger.Warn("agent retry dispatch failed", "msg_type", req.MsgType.String(), "error", err.Error())
		}
	}()
	return true
}

// QueueRequest is the external-producer enqueue path; urgent requests
// bypass the normal dispatch-triggered enqueue and go straight to the
// retry queue's head so the next AgentRetry tick picks them up first.
func (a *Agent) QueueRequest(req *ctldtypes.AgentRequest, urgent bool) {
	if urgent {
		a.retry.PrependUrgent(req)
		return
	}
	a.retry.Enqueue(req)
}
