// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"time"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/locks"
)

// watchdog polls run's slots every cfg.WatchdogPoll until all are
// terminal, then performs the reply-application phase under a single
// write-lock acquisition. It closes allDone
// when finished so Dispatch can return.
func (a *Agent) watchdog(runID string, run *AgentRun, allDone chan<- struct{}) {
	defer close(allDone)

	ticker := time.NewTicker(a.cfg.WatchdogPoll)
	defer ticker.Stop()

	for {
		if a.allTerminal(run) {
			break
		}
		select {
		case <-ticker.C:
			a.logger.Debug("agent watchdog tick", "run_id", runID, "msg_type", run.Request.MsgType.String())
		case <-a.shutdown:
			a.markRemainingNoResp(run)
			return
		}
	}

	a.applyReplies(runID, run)
}

func (a *Agent) allTerminal(run *AgentRun) bool {
	for _, s := range run.Slots {
		if !s.getState().terminal() {
			return false
		}
	}
	return true
}

func (a *Agent) markRemainingNoResp(run *AgentRun) {
	for _, s := range run.Slots {
		if !s.getState().terminal() {
			s.setState(SlotNoResp)
		}
	}
}

// applyReplies is the watchdog's reply-application phase:
// runs under {-, W, W, -} (AgentReplyApplication), mutating
// NodeTable/JobTable in a single critical section.
func (a *Agent) applyReplies(runID string, run *AgentRun) {
	held := a.locks.Lock(locks.AgentReplyApplication())
	defer held.Release()

	var noRespNodes []int
	var failedNodes []struct {
		idx    int
		reason string
	}
	progress := false

	for _, s := range run.Slots {
		switch s.getState() {
		case SlotNoResp:
			noRespNodes = append(noRespNodes, s.NodeIdx)
			progress = true
		case SlotDone:
			if s.NodeIdx >= 0 {
				if n := a.nodes.Get(s.NodeIdx); n != nil {
					n.LastResponse = time.Now()
				}
			}
			progress = true
		case SlotFailed:
			reason := failureReason(run.Request.MsgType)
			failedNodes = append(failedNodes, struct {
				idx    int
				reason string
			}{s.NodeIdx, reason})
			progress = true
		}
	}

	for _, idx := range noRespNodes {
		if idx < 0 {
			continue
		}
		n := a.nodes.Get(idx)
		if n == nil {
			continue
		}
		n.SetFlag(ctldtypes.NodeFlagNoRespond)
		if n.BaseState != ctldtypes.NodeDown && !n.LastResponse.IsZero() &&
			time.Since(n.LastResponse) >= a.cfg.SlurmdTimeout {
			a.nodes.SetDown(idx, "Not responding")
		} else {
			a.nodes.Recompute(idx)
		}
	}

	for _, f := range failedNodes {
		if f.idx < 0 {
			continue
		}
		if a.hooks.SetNodeDown != nil {
			a.hooks.SetNodeDown(f.idx, f.reason)
		} else {
			a.nodes.SetDown(f.idx, f.reason)
		}
	}

	if run.Request.MsgType == ctldtypes.MsgBatchJobLaunch && len(noRespNodes) > 0 {
		if lp, ok := run.Request.Payload.(ctldtypes.LaunchPayload); ok && a.hooks.RequeueJob != nil {
			a.hooks.RequeueJob(lp.JobID)
		}
	}

	if len(noRespNodes) > 0 && run.Request.Retry {
		a.enqueueRetryForNonResponding(run, noRespNodes)
	}

	if run.Request.MsgType == ctldtypes.MsgPing {
		a.pingEnd()
	}

	if progress && a.hooks.WakeScheduler != nil {
		a.hooks.WakeScheduler()
	}

	a.logger.Debug("agent run applied", "run_id", runID,
		"no_resp", len(noRespNodes), "failed", len(failedNodes))
}

func failureReason(msgType ctldtypes.MessageType) string {
	switch msgType {
	case ctldtypes.MsgBatchJobLaunch:
		return "prolog failure"
	default:
		return "epilog failure"
	}
}

// enqueueRetryForNonResponding builds a fresh AgentRequest containing
// only the non-responding targets, stamps last_attempt, and appends it
// to the retry queue.
func (a *Agent) enqueueRetryForNonResponding(run *AgentRun, noRespNodes []int) {
	var names []string
	for _, s := range run.Slots {
		if s.getState() == SlotNoResp {
			names = append(names, s.TargetName)
		}
	}
	if len(names) == 0 {
		return
	}
	fresh := &ctldtypes.AgentRequest{
		MsgType:         run.Request.MsgType,
		TargetNames:     names,
		Retry:           run.Request.Retry,
		ProtocolVersion: run.Request.ProtocolVersion,
		RUID:            run.Request.RUID,
		Payload:         run.Request.Payload,
		LastAttempt:     time.Now(),
	}
	a.retry.Enqueue(fresh)
	a.collector.RecordRetry(run.Request.MsgType.String())
}

// PingBegin/pingEnd implement the ping/response counter:
// is_ping_done <=> counter = 0.
func (a *Agent) PingBegin() {
	a.pingMu.Lock()
	a.pingCounter++
	a.pingMu.Unlock()
}

func (a *Agent) pingEnd() {
	a.pingMu.Lock()
	if a.pingCounter > 0 {
		a.pingCounter--
	}
	a.pingMu.Unlock()
}

// IsPingDone reports whether every outstanding ping sweep has completed.
func (a *Agent) IsPingDone() bool {
	a.pingMu.Lock()
	defer a.pingMu.Unlock()
	return a.pingCounter == 0
}

// RetryQueueLen reports the retry queue's current depth, mostly for
// tests and the admin HTTP surface.
func (a *Agent) RetryQueueLen() int { return a.retry.Len() }
