// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the controller's bounded-parallelism RPC
// dispatcher: it fans one AgentRequest out to N targets, applies a
// per-target watchdog deadline, classifies replies, and feeds the
// outcome back into NodeTable/JobTable under the LockDomain.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/jobtable"
	"github.com/jontk/slurmctld-core/internal/locks"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/pkg/config"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
	"github.com/jontk/slurmctld-core/pkg/logging"
	"github.com/jontk/slurmctld-core/pkg/metrics"
)

// SlotState is a ThreadSlot's lifecycle state.
type SlotState int

const (
	SlotNew SlotState = iota
	SlotActive
	SlotDone
	SlotNoResp
	SlotFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotNew:
		return "NEW"
	case SlotActive:
		return "ACTIVE"
	case SlotDone:
		return "DONE"
	case SlotNoResp:
		return "NO_RESP"
	case SlotFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s SlotState) terminal() bool { return s == SlotDone || s == SlotNoResp || s == SlotFailed }

// Transport sends one RPC to a target address and returns the worker's
// observed reply code. Wire framing, connection management, and any
// dial-level retry live behind this seam.
type Transport interface {
	Send(ctx context.Context, addr string, req *ctldtypes.AgentRequest) (ReplyCode, error)
}

// ThreadSlot is the per-target state cell within an AgentRun.
type ThreadSlot struct {
	mu sync.Mutex

	TargetName string
	TargetAddr string
	NodeIdx    int // -1 if the target could not be resolved to a node

	State SlotState

	StartTime time.Time
	// While the slot is ACTIVE, Deadline holds the absolute send
	// deadline; once terminal, Duration holds the elapsed send time.
	Deadline time.Time
	Duration time.Duration

	ReplyCode ReplyCode
	Err       error
}

func (s *ThreadSlot) setState(st SlotState) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
}

func (s *ThreadSlot) getState() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Hooks are the side effects the reply-application phase triggers beyond
// NodeTable/JobTable mutation, kept as injected callbacks so package
// agent never imports the Kill Coordinator or scheduler packages
// directly.
type Hooks struct {
	// WakeScheduler requests a scheduler pass; called at most once per
	// reply-application phase that made progress.
	WakeScheduler func()
	// RequeueJob treats a job as completed-with-retryable-error with no
	// nodes held, invoked when a BATCH_JOB_LAUNCH target never responds.
	RequeueJob func(jobID int32)
	// SyntheticEpilogComplete is invoked when a kill-type reply is
	// KILL_JOB_ALREADY_COMPLETE: synthesize a local epilog-complete event
	// for (jobID, nodeIdx).
	SyntheticEpilogComplete func(jobID int32, nodeIdx int)
	// JobCompletedWithFailure synthesizes a "job completed with failure"
	// event for a batch launch that failed outright (a reply other than
	// SUCCESS that was not a non-response). A kill RPC answered
	// KILL_JOB_FAILED does not invoke it; that slot is classified FAILED
	// and its node goes DOWN through SetNodeDown.
	JobCompletedWithFailure func(jobID int32)
	// SetNodeDown marks a node DOWN with a failure reason, used for
	// PROLOG_FAILED/EPILOG_FAILED classification.
	SetNodeDown func(nodeIdx int, reason string)
}

// Agent is the dispatcher: the bounded-parallelism gate, the retry
// queue, and the tables/locks it applies replies against.
type Agent struct {
	cfg       *config.Config
	transport Transport
	nodes     *nodetable.Table
	jobs      *jobtable.Table
	locks     *locks.Domain
	hooks     Hooks
	logger    logging.Logger
	collector metrics.Collector

	retry *RetryQueue

	pingMu      sync.Mutex
	pingCounter int

	shutdown chan struct{}
	once     sync.Once
}

// New constructs an Agent.
func New(cfg *config.Config, transport Transport, nodes *nodetable.Table, jobs *jobtable.Table, dom *locks.Domain, hooks Hooks, logger logging.Logger, collector metrics.Collector) *Agent {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.GetDefaultCollector()
	}
	return &Agent{
		cfg:       cfg,
		transport: transport,
		nodes:     nodes,
		jobs:      jobs,
		locks:     dom,
		hooks:     hooks,
		logger:    logger,
		collector: collector,
		retry:     NewRetryQueue(),
		shutdown:  make(chan struct{}),
	}
}

// Shutdown signals every in-flight watchdog/worker to stop within one
// poll interval and drains the retry queue without dispatching.
func (a *Agent) Shutdown() {
	a.once.Do(func() {
		close(a.shutdown)
		a.retry.Drain()
	})
}

// Target is one resolved dispatch destination.
type Target struct {
	Name string
	Addr string
	Idx  int // NodeTable index, or -1 if unresolved
}

// resolveTargets builds the Target list from an AgentRequest's
// explicit-address-list or hostset form.
func (a *Agent) resolveTargets(req *ctldtypes.AgentRequest) []Target {
	var targets []Target
	if req.HostsetExpr != "" {
		names := splitHostset(req.HostsetExpr)
		for _, name := range names {
			idx, ok := a.nodes.Lookup(name)
			var n *ctldtypes.Node
			if ok {
				n = a.nodes.Get(idx)
			}
			addr := ""
			if n != nil {
				addr = n.Address
			}
			if n == nil {
				idx = -1
			}
			targets = append(targets, Target{Name: name, Addr: addr, Idx: idx})
		}
		return targets
	}
	for i, name := range req.TargetNames {
		idx := -1
		addr := ""
		if resolved, ok := a.nodes.Lookup(name); ok {
			idx = resolved
			if n := a.nodes.Get(idx); n != nil {
				addr = n.Address
			}
		}
		if addr == "" && i < len(req.TargetAddrs) {
			addr = req.TargetAddrs[i]
		}
		targets = append(targets, Target{Name: name, Addr: addr, Idx: idx})
	}
	if len(req.TargetNames) == 0 {
		for _, addr := range req.TargetAddrs {
			targets = append(targets, Target{Addr: addr, Idx: -1})
		}
	}
	return targets
}

func splitHostset(expr string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(expr); i++ {
		if i == len(expr) || expr[i] == ',' {
			if i > start {
				out = append(out, expr[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Dispatch runs the full fan-out protocol for req: validate, build
// slots, start the watchdog, launch bounded-parallel per-target workers,
// join the watchdog, and return once the reply-application phase has
// completed.
func (a *Agent) Dispatch(ctx context.Context, req *ctldtypes.AgentRequest) error {
	if err := a.validate(req); err != nil {
		return err
	}

	targets := a.resolveTargets(req)
	if len(targets) == 0 {
		return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "agent request resolved to zero targets")
	}

	run := &AgentRun{
		Request: req,
		Slots:   make([]*ThreadSlot, len(targets)),
		sem:     make(chan struct{}, capOrMin1(a.cfg.AgentThreadCap)),
	}
	for i, tgt := range targets {
		run.Slots[i] = &ThreadSlot{TargetName: tgt.Name, TargetAddr: tgt.Addr, NodeIdx: tgt.Idx, State: SlotNew}
	}

	a.collector.RecordDispatch(req.MsgType.String())

	runID := uuid.New().String()
	allDone := make(chan struct{})

	go a.watchdog(runID, run, allDone)

	var wg sync.WaitGroup
	for _, slot := range run.Slots {
		select {
		case <-a.shutdown:
			slot.setState(SlotNoResp)
			continue
		case run.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(s *ThreadSlot) {
			defer wg.Done()
			defer func() { <-run.sem }()
			a.runWorker(ctx, req, s)
		}(slot)
	}
	wg.Wait()
	<-allDone

	return nil
}

func capOrMin1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (a *Agent) validate(req *ctldtypes.AgentRequest) error {
	if req == nil {
		return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "nil agent request")
	}
	if req.HostsetExpr == "" && len(req.TargetNames) == 0 && len(req.TargetAddrs) == 0 {
		return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "agent request has no targets")
	}
	switch req.MsgType {
	case ctldtypes.MsgPing, ctldtypes.MsgNodeRegistrationStatus, ctldtypes.MsgHealthCheck,
		ctldtypes.MsgReconfigure, ctldtypes.MsgShutdown, ctldtypes.MsgBatchJobLaunch,
		ctldtypes.MsgSignalTasks, ctldtypes.MsgKillTasks, ctldtypes.MsgCheckpointTasks,
		ctldtypes.MsgTerminateJob, ctldtypes.MsgKillTimelimit, ctldtypes.MsgUpdateJobTime,
		ctldtypes.MsgReconfigureSackd, ctldtypes.MsgResourceAllocation, ctldtypes.MsgSrunPing,
		ctldtypes.MsgSrunTimeout, ctldtypes.MsgSrunNodeFail:
		return nil
	default:
		return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "unrecognized message type")
	}
}

// AgentRun holds one fan-out's full state.
type AgentRun struct {
	Request *ctldtypes.AgentRequest
	Slots   []*ThreadSlot
	sem     chan struct{}
}

// runWorker is the per-target worker: marks the slot active, sends the
// RPC, receives the reply unless the message type is one-way, classifies
// it, and marks a terminal state.
func (a *Agent) runWorker(ctx context.Context, req *ctldtypes.AgentRequest, slot *ThreadSlot) {
	start := time.Now()
	deadline := start.Add(a.cfg.CommandTimeout)

	slot.mu.Lock()
	slot.State = SlotActive
	slot.StartTime = start
	slot.Deadline = deadline
	slot.mu.Unlock()

	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// One-way messages are still sent; only the reply is skipped, so any
	// code the transport reports for them is discarded.
	rc, err := a.transport.Send(rctx, slot.TargetAddr, req)
	if req.MsgType.IsOneWay() && err == nil {
		rc = RCSuccess
	}

	state := Classify(req.MsgType, rc, err)

	slot.mu.Lock()
	slot.State = state
	slot.ReplyCode = rc
	slot.Err = err
	slot.Duration = time.Since(start)
	slot.mu.Unlock()

	a.collector.RecordReply(req.MsgType.String(), state.String(), slot.Duration)

	// Immediate synthesized events that don't wait for the
	// reply-application phase: a kill answered KILL_JOB_ALREADY_COMPLETE
	// becomes a local epilog-complete plus a scheduler wake, and a failed
	// batch launch becomes a local job-completed-with-failure.
	if isKillType(req.MsgType) && rc == RCKillJobAlreadyComplete {
		if kp, ok := req.Payload.(ctldtypes.KillPayload); ok && a.hooks.SyntheticEpilogComplete != nil {
			a.hooks.SyntheticEpilogComplete(kp.JobID, slot.NodeIdx)
		}
		if a.hooks.WakeScheduler != nil {
			a.hooks.WakeScheduler()
		}
	}
	if req.MsgType == ctldtypes.MsgBatchJobLaunch && rc != RCSuccess && state != SlotNoResp {
		if lp, ok := req.Payload.(ctldtypes.LaunchPayload); ok && a.hooks.JobCompletedWithFailure != nil {
			a.hooks.JobCompletedWithFailure(lp.JobID)
		}
	}
}

func isKillType(m ctldtypes.MessageType) bool {
	return m == ctldtypes.MsgTerminateJob || m == ctldtypes.MsgKillTimelimit || m == ctldtypes.MsgKillTasks
}
