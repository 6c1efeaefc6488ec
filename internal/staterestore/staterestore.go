// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package staterestore consumes job_state and node_state snapshots at
// startup. The on-disk format and its file shuffling are
// out of scope; what lives here is the consuming side's obligation:
// replay every decoded record into the NodeTable/JobTable, tolerate a
// truncated or version-mismatched stream by keeping whatever decoded
// cleanly, and re-derive the three node bitmaps afterwards.
package staterestore

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/jontk/slurmctld-core/internal/bitmap"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/jobtable"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/pkg/logging"
)

// NodeSource yields decoded node records from a node_state snapshot.
// Next returns io.EOF when the stream ends cleanly; any other error means
// the remainder of the stream could not be decoded.
type NodeSource interface {
	Next() (*ctldtypes.Node, error)
}

// JobSource yields decoded job records from a job_state snapshot, with
// the same termination contract as NodeSource.
type JobSource interface {
	Next() (*ctldtypes.Job, error)
}

// Restorer replays snapshot records into the authoritative tables. It
// runs before any service loop starts, so it takes no domain locks.
type Restorer struct {
	nodes  *nodetable.Table
	jobs   *jobtable.Table
	logger logging.Logger
}

// New constructs a Restorer.
func New(nodes *nodetable.Table, jobs *jobtable.Table, logger logging.Logger) *Restorer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Restorer{nodes: nodes, jobs: jobs, logger: logger}
}

// RestoreNodes drains src into the NodeTable and returns how many records
// were restored. Registration through Table.Add re-derives the avail/
// idle/share bitmaps for each node as it lands.
func (r *Restorer) RestoreNodes(src NodeSource) int {
	count := 0
	for {
		n, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("incomplete checkpoint", "stream", "node_state", "restored", count, "error", err.Error())
			}
			return count
		}
		// An ALLOCATED or COMPLETING node restored with no running or
		// completing jobs counted on it comes back as IDLE; RestoreJobs
		// re-derives counters and states from the restored jobs.
		if n.BaseState == ctldtypes.NodeAllocated || n.BaseState == ctldtypes.NodeCompleting {
			if n.RunJobCnt == 0 && n.CompJobCnt == 0 {
				n.BaseState = ctldtypes.NodeIdle
			}
		}
		r.nodes.Add(n)
		count++
	}
}

// RestoreJobs drains src into the JobTable and returns how many records
// were restored. Allocated-node bitmaps are rebuilt against the freshly
// restored NodeTable from each job's compact node string, and per-node
// run/comp counters are re-derived so the state/counter invariants hold without
// trusting counter values that predate the restart.
func (r *Restorer) RestoreJobs(src JobSource) int {
	count := 0
	for {
		j, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("incomplete checkpoint", "stream", "job_state", "restored", count, "error", err.Error())
			}
			break
		}
		r.rebindAllocation(j)
		if addErr := r.jobs.Add(j); addErr != nil {
			r.logger.Warn("job restore skipped", "job_id", j.JobID, "error", addErr.Error())
			continue
		}
		count++
	}
	r.rederiveCounters()
	return count
}

// rebindAllocation rebuilds a job's allocated-node bitmap from its
// canonical compact string, dropping nodes the restored NodeTable no
// longer knows.
func (r *Restorer) rebindAllocation(j *ctldtypes.Job) {
	if j.AllocNodeStr == "" {
		j.AllocNodes = bitmap.New(r.nodes.Len())
		return
	}
	j.AllocNodes = r.nodes.Resolve(splitNames(j.AllocNodeStr))
}

// rederiveCounters recomputes every node's run/comp counters from the
// restored jobs, then re-derives the bitmaps.
func (r *Restorer) rederiveCounters() {
	all := r.nodes.All()
	for _, n := range all {
		n.RunJobCnt = 0
		n.CompJobCnt = 0
	}
	for _, j := range r.jobs.All() {
		if j.AllocNodes == nil {
			continue
		}
		for _, idx := range j.AllocNodes.Indices() {
			n := r.nodes.Get(idx)
			if n == nil {
				continue
			}
			switch {
			case j.Completing:
				n.CompJobCnt++
				if n.BaseState == ctldtypes.NodeIdle || n.BaseState == ctldtypes.NodeAllocated {
					n.BaseState = ctldtypes.NodeCompleting
				}
			case j.State == ctldtypes.JobRunning || j.State == ctldtypes.JobSuspended:
				n.RunJobCnt++
				if n.BaseState == ctldtypes.NodeIdle || n.BaseState == ctldtypes.NodeUnknown {
					n.BaseState = ctldtypes.NodeAllocated
				}
			}
		}
	}
	for i := range all {
		r.nodes.Recompute(i)
	}
}

func splitNames(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SliceNodeSource adapts an already-decoded record slice to NodeSource,
// optionally ending with a non-EOF error to model a truncated stream.
type SliceNodeSource struct {
	Records []*ctldtypes.Node
	Err     error
	pos     int
}

func (s *SliceNodeSource) Next() (*ctldtypes.Node, error) {
	if s.pos >= len(s.Records) {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	n := s.Records[s.pos]
	s.pos++
	return n, nil
}

// SliceJobSource is the JobSource counterpart of SliceNodeSource.
type SliceJobSource struct {
	Records []*ctldtypes.Job
	Err     error
	pos     int
}

func (s *SliceJobSource) Next() (*ctldtypes.Job, error) {
	if s.pos >= len(s.Records) {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	j := s.Records[s.pos]
	s.pos++
	return j, nil
}

// StaleNodeCutoff marks nodes whose LastResponse predates cutoff as
// UNKNOWN so the first ping sweep requests a fresh registration rather
// than trusting pre-restart liveness.
func (r *Restorer) StaleNodeCutoff(cutoff time.Time) {
	all := r.nodes.All()
	for i, n := range all {
		if n.BaseState == ctldtypes.NodeDown || n.BaseState == ctldtypes.NodeFuture {
			continue
		}
		if !n.LastResponse.IsZero() && n.LastResponse.Before(cutoff) {
			n.BaseState = ctldtypes.NodeUnknown
			n.LastResponse = time.Time{}
			r.nodes.Recompute(i)
		}
	}
}
