// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package killcoord implements the Kill Coordinator: the
// deallocate path that tears down a terminating job's node allocation,
// the periodic re-kill sweep that retries nodes still owing an epilog,
// the epilog-completion callback that releases nodes one at a time, and
// orphan detection for jobs a worker reports that the JobTable no longer
// knows about.
package killcoord

import (
	"sync"
	"time"

	"github.com/jontk/slurmctld-core/internal/bitmap"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/jobtable"
	"github.com/jontk/slurmctld-core/internal/locks"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/internal/plugin"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
	"github.com/jontk/slurmctld-core/pkg/logging"
)

// AgentDispatcher is the seam the coordinator uses to hand off
// TERMINATE_JOB / KILL_TIMELIMIT AgentRequests, kept as an interface
// (rather than importing package agent directly) so the coordinator
// stays testable without a live Agent.
type AgentDispatcher interface {
	QueueRequest(req *ctldtypes.AgentRequest, urgent bool)
}

// Coordinator is the Kill Coordinator.
type Coordinator struct {
	jobs    *jobtable.Table
	nodes   *nodetable.Table
	locks   *locks.Domain
	plugins *plugin.Dispatcher
	agent   AgentDispatcher

	// frontEnd models gateway topologies where exactly one node
	// receives all job RPCs, so the deallocate path restricts
	// its AgentRequest target to the job's first allocated node.
	frontEnd bool

	wakeScheduler func()
	logger        logging.Logger

	mu          sync.Mutex
	killMsgType map[int32]ctldtypes.MessageType // jobID -> original kill message type, for re-kill
	reKillSeen  map[int32]bool                  // jobID -> already logged at INFO for this completing episode
}

// New constructs a Coordinator.
func New(jobs *jobtable.Table, nodes *nodetable.Table, dom *locks.Domain, plugins *plugin.Dispatcher,
	agent AgentDispatcher, frontEnd bool, wakeScheduler func(), logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Coordinator{
		jobs:          jobs,
		nodes:         nodes,
		locks:         dom,
		plugins:       plugins,
		agent:         agent,
		frontEnd:      frontEnd,
		wakeScheduler: wakeScheduler,
		logger:        logger,
		killMsgType:   make(map[int32]ctldtypes.MessageType),
		reKillSeen:    make(map[int32]bool),
	}
}

// Deallocate tears down a terminating job's allocation: run the select
// back-end's job_fini, move each live node to COMPLETING, and queue one
// TERMINATE_JOB (or KILL_TIMELIMIT) covering every allocated node.
func (c *Coordinator) Deallocate(jobID int32, timeout, wasSuspended bool) error {
	held := c.locks.Lock(locks.KillCoordinator())
	defer held.Release()

	job := c.jobs.Get(jobID)
	if job == nil {
		return coreerrors.New(coreerrors.ErrorCodeInvalidJobID, "deallocate: unknown job id")
	}

	if err := c.plugins.JobFini(job); err != nil {
		c.logger.Warn("select plugin job_fini failed", "job_id", jobID, "error", err.Error())
	}

	targets := allocIndices(job)
	if c.frontEnd && len(targets) > 1 {
		targets = targets[:1]
	}

	// No nodes left to signal: nothing will ever send an epilog, so the
	// job completes right here rather than queueing an empty request.
	if len(targets) == 0 {
		job.Completing = false
		job.LastJobUpdate = time.Now()
		jobtable.ClearSteps(job)
		if c.wakeScheduler != nil {
			c.wakeScheduler()
		}
		return nil
	}

	allWereDown := true
	for _, idx := range targets {
		n := c.nodes.Get(idx)
		if n == nil || n.BaseState != ctldtypes.NodeDown {
			allWereDown = false
		}
	}

	for _, idx := range targets {
		c.nodes.MakeComp(idx, wasSuspended)
	}

	job.Completing = true
	job.LastJobUpdate = time.Now()

	if allWereDown {
		job.Completing = false
		jobtable.ClearSteps(job)
		if c.wakeScheduler != nil {
			c.wakeScheduler()
		}
		return nil
	}

	msgType := ctldtypes.MsgTerminateJob
	if timeout {
		msgType = ctldtypes.MsgKillTimelimit
	}
	c.mu.Lock()
	c.killMsgType[jobID] = msgType
	c.mu.Unlock()

	names := c.nodes.Names(indicesToBitmap(targets, c.nodes.Len()))
	c.agent.QueueRequest(&ctldtypes.AgentRequest{
		MsgType:     msgType,
		TargetNames: names,
		Retry:       true,
		Payload:     ctldtypes.KillPayload{JobID: jobID, Timeout: timeout},
	}, false)

	return nil
}

// ReKillSweep is called once per scheduler tick and retries every job
// still COMPLETING.
func (c *Coordinator) ReKillSweep() {
	for _, job := range c.jobs.Completing() {
		c.reKillOne(job)
	}
}

func (c *Coordinator) reKillOne(job *ctldtypes.Job) {
	held := c.locks.Lock(locks.KillCoordinator())
	defer held.Release()

	if job.AllocNodes == nil || job.AllocNodes.IsEmpty() {
		job.Completing = false
		jobtable.ClearSteps(job)
		return
	}

	var remaining []int
	for _, idx := range job.AllocNodes.Indices() {
		n := c.nodes.Get(idx)
		if n == nil {
			job.AllocNodes.Clear(idx)
			continue
		}
		switch {
		case n.BaseState == ctldtypes.NodeDown:
			// Synthesize a local completion: the node will never reply.
			job.AllocNodes.Clear(idx)
		case n.HasFlag(ctldtypes.NodeFlagNoRespond):
			// Skip; retried via the node-respond machinery.
		default:
			remaining = append(remaining, idx)
		}
	}

	if job.AllocNodes.Count() == 0 {
		job.Completing = false
		jobtable.ClearSteps(job)
		c.clearReKillSeen(job.JobID)
		if c.wakeScheduler != nil {
			c.wakeScheduler()
		}
		return
	}
	if len(remaining) == 0 {
		return
	}

	first := c.markReKillSeen(job.JobID)
	if first {
		c.logger.Info("re-kill: first retry for completing job", "job_id", job.JobID, "nodes_remaining", len(remaining))
	} else {
		c.logger.Debug("re-kill: retrying completing job", "job_id", job.JobID, "nodes_remaining", len(remaining))
	}

	msgType := ctldtypes.MsgTerminateJob
	c.mu.Lock()
	if mt, ok := c.killMsgType[job.JobID]; ok {
		msgType = mt
	}
	c.mu.Unlock()

	names := c.nodes.Names(indicesToBitmap(remaining, c.nodes.Len()))
	c.agent.QueueRequest(&ctldtypes.AgentRequest{
		MsgType:     msgType,
		TargetNames: names,
		Retry:       true,
		Payload:     ctldtypes.KillPayload{JobID: job.JobID},
	}, false)
}

// markReKillSeen records the first re-kill for a job and reports whether
// this call was that first one.
func (c *Coordinator) markReKillSeen(jobID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reKillSeen[jobID] {
		return false
	}
	c.reKillSeen[jobID] = true
	return true
}

func (c *Coordinator) clearReKillSeen(jobID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reKillSeen, jobID)
	delete(c.killMsgType, jobID)
}

// EpilogComplete handles a worker's epilog-complete report for one
// (job, node) pair. It reports whether the job is now fully complete
// (no allocated nodes remain).
func (c *Coordinator) EpilogComplete(jobID int32, nodeName string, rc int32) (bool, error) {
	held := c.locks.Lock(locks.KillCoordinator())
	defer held.Release()

	idx, ok := c.nodes.Lookup(nodeName)
	if !ok {
		return false, coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "epilog complete: unknown node")
	}

	if rc != 0 {
		c.nodes.SetDown(idx, "Epilog error")
		job := c.jobs.Get(jobID)
		return job != nil && job.AllocNodes != nil && job.AllocNodes.Count() == 0, nil
	}

	c.nodes.MakeIdle(idx)

	job := c.jobs.Get(jobID)
	if job == nil {
		return true, nil
	}
	if job.AllocNodes != nil {
		job.AllocNodes.Clear(idx)
	}
	if job.AllocNodes == nil || job.AllocNodes.Count() == 0 {
		job.Completing = false
		jobtable.ClearSteps(job)
		c.clearReKillSeen(jobID)
		if c.wakeScheduler != nil {
			c.wakeScheduler()
		}
		return true, nil
	}
	return false, nil
}

// TimeLimitSweep walks every running job and deallocates those past their
// end time, transitioning them to TIMEOUT with the COMPLETING bit set and
// sending KILL_TIMELIMIT instead of TERMINATE_JOB, so an expired job
// ends up in TIMEOUT with the COMPLETING bit set until its nodes ack.
func (c *Coordinator) TimeLimitSweep(now time.Time) {
	var expired []int32
	for _, job := range c.jobs.All() {
		if job.State != ctldtypes.JobRunning || job.EndTime.IsZero() {
			continue
		}
		if now.After(job.EndTime) {
			expired = append(expired, job.JobID)
		}
	}
	for _, id := range expired {
		func() {
			held := c.locks.Lock(locks.KillCoordinator())
			defer held.Release()
			job := c.jobs.Get(id)
			if job == nil || job.State != ctldtypes.JobRunning {
				return
			}
			job.State = ctldtypes.JobTimeout
		}()
		if err := c.Deallocate(id, true, false); err != nil {
			c.logger.Warn("time-limit deallocate failed", "job_id", id, "error", err.Error())
		}
	}
}

// HandleOrphan covers orphan detection: when a worker
// reports a job/step the JobTable does not know about, target only that
// node with a TERMINATE_JOB, using the Agent's normal retry machinery.
func (c *Coordinator) HandleOrphan(jobID int32, nodeName string) {
	if c.jobs.Get(jobID) != nil {
		return
	}
	c.agent.QueueRequest(&ctldtypes.AgentRequest{
		MsgType:     ctldtypes.MsgTerminateJob,
		TargetNames: []string{nodeName},
		Retry:       true,
		Payload:     ctldtypes.KillPayload{JobID: jobID},
	}, false)
}

func allocIndices(job *ctldtypes.Job) []int {
	if job.AllocNodes == nil {
		return nil
	}
	return job.AllocNodes.Indices()
}

func indicesToBitmap(indices []int, universe int) *bitmap.Bitmap {
	b := bitmap.New(universe)
	for _, i := range indices {
		b.Set(i)
	}
	return b
}
