// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package ping implements the liveness sweep: a rolling window over the
// NodeTable, advanced one tick at a time, that either requests a fresh
// registration, marks an unresponsive node DOWN, or sends a ping
// depending on how stale the node's last response is. The overlap guard
// counter lives in internal/agent (PingBegin/IsPingDone) since it
// protects that package's run lifecycle.
package ping

import (
	"strings"
	"sync"
	"time"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/locks"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/pkg/config"
	"github.com/jontk/slurmctld-core/pkg/logging"
)

// Dispatcher is the seam used to enqueue registration/ping/health-check
// AgentRequests, satisfied by internal/agent.Agent.
type Dispatcher interface {
	QueueRequest(req *ctldtypes.AgentRequest, urgent bool)
}

// Counter is the ping_begin/ping_end overlap guard, satisfied by
// internal/agent.Agent.
type Counter interface {
	PingBegin()
	IsPingDone() bool
}

// Sweeper holds the rolling-window cursor and full-cycle counter used to
// force a registration request on every node periodically.
type Sweeper struct {
	nodes      *nodetable.Table
	dom        *locks.Domain
	cfg        *config.Config
	dispatcher Dispatcher
	counter    Counter
	logger     logging.Logger

	mu     sync.Mutex
	cursor int
	cycles int
}

// New constructs a Sweeper.
func New(nodes *nodetable.Table, dom *locks.Domain, cfg *config.Config, dispatcher Dispatcher, counter Counter, logger logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Sweeper{nodes: nodes, dom: dom, cfg: cfg, dispatcher: dispatcher, counter: counter, logger: logger}
}

// Tick advances the rolling window by one tree_width-sized slice and
// applies the register/mark-down/ping decision rules to every node in
// that slice.
func (s *Sweeper) Tick() {
	held := s.dom.Lock(locks.Ping())
	defer held.Release()

	all := s.nodes.All()
	total := len(all)
	if total == 0 {
		return
	}

	width := s.cfg.TreeWidth
	if width > total || width <= 0 {
		width = total
	}

	s.mu.Lock()
	start := s.cursor % total
	wrapped := start+width >= total
	s.cursor = (start + width) % total
	forceReg := false
	if wrapped {
		s.cycles++
		if s.cfg.MaxRegFrequency > 0 && s.cycles%s.cfg.MaxRegFrequency == 0 {
			forceReg = true
		}
	}
	s.mu.Unlock()

	now := time.Now()
	var regTargets, pingTargets, downNames []string

	for _, idx := range windowIndices(start, width, total) {
		n := all[idx]
		if n.BaseState == ctldtypes.NodeFuture || n.BaseState == ctldtypes.NodePowerSave {
			continue
		}
		switch {
		case n.LastResponse.IsZero() || n.BaseState == ctldtypes.NodeUnknown || forceReg:
			regTargets = append(regTargets, n.Name)
		case now.Sub(n.LastResponse) >= s.cfg.SlurmdTimeout && n.BaseState != ctldtypes.NodeDown:
			s.nodes.SetDown(idx, "Not responding")
			downNames = append(downNames, n.Name)
		case now.Sub(n.LastResponse) >= s.cfg.SlurmdTimeout/3 &&
			!n.HasFlag(ctldtypes.NodeFlagNoRespond) && n.BaseState != ctldtypes.NodeDown:
			pingTargets = append(pingTargets, n.Name)
		}
	}

	if len(downNames) > 0 {
		s.logger.Warn("ping sweep: nodes not responding", "nodes", strings.Join(downNames, ","))
	}
	if len(regTargets) > 0 {
		s.dispatcher.QueueRequest(&ctldtypes.AgentRequest{
			MsgType:     ctldtypes.MsgNodeRegistrationStatus,
			TargetNames: regTargets,
			Payload:     ctldtypes.RegistrationPayload{},
		}, false)
	}
	if len(pingTargets) > 0 {
		s.counter.PingBegin()
		s.dispatcher.QueueRequest(&ctldtypes.AgentRequest{
			MsgType:     ctldtypes.MsgPing,
			TargetNames: pingTargets,
			Payload:     ctldtypes.PingPayload{},
		}, false)
	}
}

// HealthCheck sends a HEALTH_CHECK AgentRequest to every non-DOWN,
// non-FUTURE node, independent of the rolling window.
func (s *Sweeper) HealthCheck() {
	held := s.dom.Lock(locks.Ping())
	defer held.Release()

	var targets []string
	for _, n := range s.nodes.All() {
		if n.BaseState != ctldtypes.NodeDown && n.BaseState != ctldtypes.NodeFuture {
			targets = append(targets, n.Name)
		}
	}
	if len(targets) == 0 {
		return
	}
	s.dispatcher.QueueRequest(&ctldtypes.AgentRequest{
		MsgType:     ctldtypes.MsgHealthCheck,
		TargetNames: targets,
		Payload:     ctldtypes.PingPayload{},
	}, false)
}

// windowIndices returns the width indices starting at start, wrapping
// around the table of size total.
func windowIndices(start, width, total int) []int {
	out := make([]int, 0, width)
	for i := 0; i < width; i++ {
		out = append(out, (start+i)%total)
	}
	return out
}
