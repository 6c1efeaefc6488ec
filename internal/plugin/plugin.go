// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package plugin implements the plugin dispatcher: an indirection layer
// over the checkpoint, burst-buffer, and select back-ends, each modeled
// as a vtable of named functions rather than a dynamically-loaded shared
// object, with return codes combined across plugins by worst-result
// semantics.
package plugin

import (
	"sort"
	"sync"
	"time"

	"github.com/jontk/slurmctld-core/internal/bitmap"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
)

// SelectPlugin is the node-selection back-end's contract: the "can this
// placement actually run" test and the begin/fini lifecycle hooks.
type SelectPlugin interface {
	// JobTest reports whether candidate is a workable placement for job.
	// minNodes/contiguous mirror the job's effective request after
	// feature-count pre-accumulation.
	JobTest(job *ctldtypes.Job, candidate *bitmap.Bitmap, minNodes int32, contiguous bool) (bool, error)
	// JobBegin commits a placement.
	JobBegin(job *ctldtypes.Job, nodes *bitmap.Bitmap) error
	// JobFini releases back-end bookkeeping for a terminating job.
	JobFini(job *ctldtypes.Job) error
	// PartiallyIdle returns the bitmap of nodes with free CPU slices
	// under consumable-resources accounting.
	PartiallyIdle() *bitmap.Bitmap
}

// CheckpointPlugin is the checkpoint back-end's contract.
type CheckpointPlugin interface {
	SendCheckpointRPC(node string, jobID, stepID int32, op string) error
}

// BurstBufferPlugin is the burst-buffer back-end's contract.
type BurstBufferPlugin interface {
	// TryStageIn is invoked against jobs with burst-buffer specs whose
	// projected start is within the staging horizon.
	TryStageIn(job *ctldtypes.Job) error
	// BuildHetJobScript and XlateBB2TresStr are pure string transforms.
	BuildHetJobScript(job *ctldtypes.Job) string
	XlateBB2TresStr(spec string) string
}

// stagingHorizonHours bounds how far out a pending job's projected start
// may be for TryStageIn to still consider it.
const stagingHorizonHours = 10

// Dispatcher holds every plugin registered for each class and forwards
// calls to all of them, combining the errors of plugins of the same
// class with combineErr. A context-lock guards
// plugin-list mutation; it is not held across a plugin call.
type Dispatcher struct {
	mu sync.RWMutex

	selectPlugins []SelectPlugin
	ckptPlugins   []CheckpointPlugin
	bbPlugins     []BurstBufferPlugin
}

// New returns an empty Dispatcher.
func New() *Dispatcher { return &Dispatcher{} }

// RegisterSelect loads a select plugin.
func (d *Dispatcher) RegisterSelect(p SelectPlugin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selectPlugins = append(d.selectPlugins, p)
}

// RegisterCheckpoint loads a checkpoint plugin.
func (d *Dispatcher) RegisterCheckpoint(p CheckpointPlugin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ckptPlugins = append(d.ckptPlugins, p)
}

// RegisterBurstBuffer loads a burst-buffer plugin.
func (d *Dispatcher) RegisterBurstBuffer(p BurstBufferPlugin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bbPlugins = append(d.bbPlugins, p)
}

// snapshot copies the plugin slices under the context-lock so calls
// themselves never hold it.
func (d *Dispatcher) selectSnapshot() []SelectPlugin {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]SelectPlugin, len(d.selectPlugins))
	copy(out, d.selectPlugins)
	return out
}

func (d *Dispatcher) ckptSnapshot() []CheckpointPlugin {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]CheckpointPlugin, len(d.ckptPlugins))
	copy(out, d.ckptPlugins)
	return out
}

func (d *Dispatcher) bbSnapshot() []BurstBufferPlugin {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]BurstBufferPlugin, len(d.bbPlugins))
	copy(out, d.bbPlugins)
	return out
}

// JobTest dispatches to every loaded select plugin and returns true only
// if every one of them agrees the placement works; a context-init
// failure on any plugin surfaces SLURM_ERROR-equivalent.
func (d *Dispatcher) JobTest(job *ctldtypes.Job, candidate *bitmap.Bitmap, minNodes int32, contiguous bool) (bool, error) {
	plugins := d.selectSnapshot()
	if len(plugins) == 0 {
		return true, nil
	}
	ok := true
	var worst error
	for _, p := range plugins {
		thisOK, err := p.JobTest(job, candidate, minNodes, contiguous)
		if err != nil {
			worst = combineErr(worst, err)
			continue
		}
		ok = ok && thisOK
	}
	if worst != nil {
		return false, worst
	}
	return ok, nil
}

// JobBegin dispatches JobBegin to every loaded select plugin.
func (d *Dispatcher) JobBegin(job *ctldtypes.Job, nodes *bitmap.Bitmap) error {
	var worst error
	for _, p := range d.selectSnapshot() {
		if err := p.JobBegin(job, nodes); err != nil {
			worst = combineErr(worst, err)
		}
	}
	return worst
}

// JobFini dispatches JobFini to every loaded select plugin. It is called
// even when the job is already complete; plugin implementations are
// assumed to be defensive about that, and this dispatcher adds no
// liveness guard.
func (d *Dispatcher) JobFini(job *ctldtypes.Job) error {
	var worst error
	for _, p := range d.selectSnapshot() {
		if err := p.JobFini(job); err != nil {
			worst = combineErr(worst, err)
		}
	}
	return worst
}

// PartiallyIdle unions the partially-idle bitmap every loaded select
// plugin reports.
func (d *Dispatcher) PartiallyIdle() *bitmap.Bitmap {
	plugins := d.selectSnapshot()
	if len(plugins) == 0 {
		return nil
	}
	var result *bitmap.Bitmap
	for _, p := range plugins {
		b := p.PartiallyIdle()
		if b == nil {
			continue
		}
		if result == nil {
			result = b
		} else {
			result = result.Clone().Or(b)
		}
	}
	return result
}

// SendCheckpointRPC dispatches to every loaded checkpoint plugin.
func (d *Dispatcher) SendCheckpointRPC(node string, jobID, stepID int32, op string) error {
	var worst error
	for _, p := range d.ckptSnapshot() {
		if err := p.SendCheckpointRPC(node, jobID, stepID, op); err != nil {
			worst = combineErr(worst, err)
		}
	}
	return worst
}

// StageInCandidates filters pending jobs down to those with burst-buffer
// specs whose projected start falls within the staging horizon, sorts
// them by projected start, and invokes TryStageIn on each.
// Returns the jobs that staged successfully.
func (d *Dispatcher) StageInCandidates(jobs []*ctldtypes.Job, now time.Time) []*ctldtypes.Job {
	plugins := d.bbSnapshot()
	if len(plugins) == 0 {
		return nil
	}

	horizon := now.Add(stagingHorizonHours * time.Hour)
	var candidates []*ctldtypes.Job
	for _, job := range jobs {
		if job.State != ctldtypes.JobPending || job.BurstBuffer == "" {
			continue
		}
		projected := job.StartTime
		if projected.IsZero() {
			projected = now
		}
		if projected.After(horizon) {
			continue
		}
		candidates = append(candidates, job)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].StartTime.Before(candidates[j].StartTime)
	})

	var staged []*ctldtypes.Job
	for _, job := range candidates {
		ok := true
		for _, p := range plugins {
			if err := p.TryStageIn(job); err != nil {
				ok = false
				break
			}
		}
		if ok {
			staged = append(staged, job)
		}
	}
	return staged
}

func combineErr(worst, next error) error {
	if worst == nil {
		return next
	}
	// A single failure is returned as is. Once a second plugin fails, the
	// result is a generic SLURM_ERROR-equivalent (UNKNOWN) error wrapping
	// the latest failure; errors are not ranked by specificity and the
	// earlier error is not kept.
	return coreerrors.NewWithCause(coreerrors.ErrorCodeUnknown, "plugin dispatch error", next)
}
