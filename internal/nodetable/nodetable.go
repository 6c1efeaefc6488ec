// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package nodetable holds the controller's authoritative NodeTable: a
// name-indexed store of Node records plus the three derived bitmaps
// (avail, idle, share) that every other component reads.
package nodetable

import (
	"sync"

	"github.com/jontk/slurmctld-core/internal/bitmap"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/pkg/metrics"
)

// Table is the authoritative node store. All mutation must happen with
// the caller already holding the LockDomain's node-write lock; Table
// itself only adds the bookkeeping mutex needed for the name index, it
// is not a substitute for LockDomain.
type Table struct {
	mu sync.RWMutex

	byIndex []*ctldtypes.Node
	byName  map[string]int

	avail *bitmap.Bitmap
	idle  *bitmap.Bitmap
	share *bitmap.Bitmap

	collector metrics.Collector
}

// New returns an empty Table.
func New(collector metrics.Collector) *Table {
	if collector == nil {
		collector = metrics.GetDefaultCollector()
	}
	return &Table{
		byName:    make(map[string]int),
		avail:     bitmap.New(0),
		idle:      bitmap.New(0),
		share:     bitmap.New(0),
		collector: collector,
	}
}

// Len returns the number of nodes registered.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIndex)
}

// Add registers a new node and returns its table index. The caller must
// already hold the node-table write lock. Growing the table
// reallocates the derived bitmaps, matching the connection pool's
// double-checked-locking growth pattern generalized to a fixed-index
// table instead of a map of live connections.
func (t *Table) Add(n *ctldtypes.Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.byName[n.Name]; ok {
		t.byIndex[idx] = n
		t.recomputeLocked(idx)
		return idx
	}

	idx := len(t.byIndex)
	t.byIndex = append(t.byIndex, n)
	t.byName[n.Name] = idx
	t.growBitmaps(idx + 1)
	t.recomputeLocked(idx)
	return idx
}

// growBitmaps reallocates the derived bitmaps to hold n entries,
// preserving existing membership.
func (t *Table) growBitmaps(n int) {
	t.avail = growBitmap(t.avail, n)
	t.idle = growBitmap(t.idle, n)
	t.share = growBitmap(t.share, n)
}

func growBitmap(old *bitmap.Bitmap, n int) *bitmap.Bitmap {
	next := bitmap.New(n)
	for _, i := range old.Indices() {
		next.Set(i)
	}
	return next
}

// Lookup resolves a node name to its table index. ok is false if the name
// is unknown.
func (t *Table) Lookup(name string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byName[name]
	return idx, ok
}

// Get returns the node at idx, or nil if out of range.
func (t *Table) Get(idx int) *ctldtypes.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.byIndex) {
		return nil
	}
	return t.byIndex[idx]
}

// GetByName returns the node named name, or nil if unknown.
func (t *Table) GetByName(name string) *ctldtypes.Node {
	idx, ok := t.Lookup(name)
	if !ok {
		return nil
	}
	return t.Get(idx)
}

// Resolve maps a list of node names to a bitmap of table indices. State
// restore uses it to rebuild a job's allocated-node bitmap from its
// node-name string.
func (t *Table) Resolve(names []string) *bitmap.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := bitmap.New(len(t.byIndex))
	for _, name := range names {
		if idx, ok := t.byName[name]; ok {
			b.Set(idx)
		}
	}
	return b
}

// Names returns the node names set in b, in index order.
func (t *Table) Names(b *bitmap.Bitmap) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, b.Count())
	for _, idx := range b.Indices() {
		if idx < len(t.byIndex) {
			out = append(out, t.byIndex[idx].Name)
		}
	}
	return out
}

// Avail returns a clone of the avail (schedulable-nodes) bitmap.
func (t *Table) Avail() *bitmap.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.avail.Clone()
}

// Idle returns a clone of the idle bitmap (no jobs running/completing).
func (t *Table) Idle() *bitmap.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.idle.Clone()
}

// Share returns a clone of the share bitmap (shareable nodes).
func (t *Table) Share() *bitmap.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.share.Clone()
}

// Recompute re-derives the three bitmaps for idx from its current
// state; they are strictly functions of the per-node state. Callers
// must hold the node write lock; this is invoked after every state
// transition in the same critical section that performed it.
func (t *Table) Recompute(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recomputeLocked(idx)
}

func (t *Table) recomputeLocked(idx int) {
	n := t.byIndex[idx]

	avail := n.BaseState != ctldtypes.NodeDown &&
		n.BaseState != ctldtypes.NodeDrained &&
		n.BaseState != ctldtypes.NodeDraining
	setBit(t.avail, idx, avail)

	idle := n.RunJobCnt == 0 && n.CompJobCnt == 0 &&
		(n.BaseState == ctldtypes.NodeIdle || n.BaseState == ctldtypes.NodeUnknown)
	setBit(t.idle, idx, idle)

	shareable := avail && n.BaseState != ctldtypes.NodeDown
	setBit(t.share, idx, shareable)

	t.collector.RecordNodeTransition(n.BaseState.String())
}

func setBit(b *bitmap.Bitmap, idx int, v bool) {
	if v {
		b.Set(idx)
	} else {
		b.Clear(idx)
	}
}

// SetDown transitions a node to DOWN with a reason, the common path used
// by the Agent's reply-application phase and the ping sweep. Callers
// must hold the node write lock.
func (t *Table) SetDown(idx int, reason string) {
	t.mu.RLock()
	n := t.byIndex[idx]
	t.mu.RUnlock()

	n.BaseState = ctldtypes.NodeDown
	n.Reason = reason
	t.Recompute(idx)
}

// MakeComp applies the per-node transition the Kill Coordinator's
// deallocate path performs: decrement run_job_cnt
// unless the job was already suspended, and unless the node is DOWN or
// NO_RESPOND, increment comp_job_cnt and, if the node was ALLOCATED,
// move it to COMPLETING.
func (t *Table) MakeComp(idx int, wasSuspended bool) {
	t.mu.RLock()
	n := t.byIndex[idx]
	t.mu.RUnlock()

	if !wasSuspended && n.RunJobCnt > 0 {
		n.RunJobCnt--
	}
	if n.BaseState != ctldtypes.NodeDown && !n.HasFlag(ctldtypes.NodeFlagNoRespond) {
		n.CompJobCnt++
		if n.BaseState == ctldtypes.NodeAllocated {
			n.BaseState = ctldtypes.NodeCompleting
		}
	}
	t.Recompute(idx)
}

// MakeIdle applies the per-node transition an epilog-complete callback
// performs: decrement comp_job_cnt and, if
// both counters reach zero and the node was DRAINING, move to DRAINED;
// otherwise move to IDLE (unless DOWN, which epilog completion never
// reopens).
func (t *Table) MakeIdle(idx int) {
	t.mu.RLock()
	n := t.byIndex[idx]
	t.mu.RUnlock()

	if n.CompJobCnt > 0 {
		n.CompJobCnt--
	}
	if n.BaseState == ctldtypes.NodeDown {
		t.Recompute(idx)
		return
	}
	if n.RunJobCnt == 0 && n.CompJobCnt == 0 {
		if n.BaseState == ctldtypes.NodeDraining {
			n.BaseState = ctldtypes.NodeDrained
		} else {
			n.BaseState = ctldtypes.NodeIdle
		}
	}
	t.Recompute(idx)
}

// All returns every node in the table (index order), for iteration by the
// Selector and ping sweep.
func (t *Table) All() []*ctldtypes.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ctldtypes.Node, len(t.byIndex))
	copy(out, t.byIndex)
	return out
}

// FeatureBitmap returns a bitmap of nodes carrying the given feature tag.
func (t *Table) FeatureBitmap(feature string) *bitmap.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := bitmap.New(len(t.byIndex))
	for i, n := range t.byIndex {
		for _, f := range n.Features {
			if f == feature {
				b.Set(i)
				break
			}
		}
	}
	return b
}
