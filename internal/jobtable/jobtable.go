// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobtable holds the controller's authoritative JobTable: job
// and step records, a hashed id index, and the monotonically-advancing
// job-id sequence that skips ids still in use and wraps below a reserved
// "no-alloc" band.
package jobtable

import (
	"sync"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
)

// noAllocBand is the reserved low range of job ids the sequence never
// assigns.
const noAllocBand int32 = 1

// maxJobID bounds the id sequence before it wraps.
const maxJobID int32 = 1 << 30

// Table is the authoritative job store. Callers must hold the
// LockDomain's job-write lock for any mutating method.
type Table struct {
	mu sync.RWMutex

	byID map[int32]*ctldtypes.Job
	next int32
}

// New returns an empty Table with the id sequence starting just above the
// reserved no-alloc band.
func New() *Table {
	return &Table{
		byID: make(map[int32]*ctldtypes.Job),
		next: noAllocBand + 1,
	}
}

// NextID returns the next unused job id, advancing the sequence and
// skipping any id still present in the table, wrapping below maxJobID
// back to just above the reserved band.
func (t *Table) NextID() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := int32(0); i < maxJobID; i++ {
		candidate := t.next
		t.next++
		if t.next >= maxJobID {
			t.next = noAllocBand + 1
		}
		if _, inUse := t.byID[candidate]; !inUse {
			return candidate
		}
	}
	// Every id in range is in use; the caller's submission will fail
	// downstream when Add rejects the duplicate.
	return t.next
}

// Add inserts a new job, returning ErrorCodeDuplicateJobID if the id is
// already present.
func (t *Table) Add(j *ctldtypes.Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[j.JobID]; exists {
		return coreerrors.New(coreerrors.ErrorCodeDuplicateJobID, "job id already in use")
	}
	t.byID[j.JobID] = j
	return nil
}

// Get returns the job by id, or nil if unknown.
func (t *Table) Get(id int32) *ctldtypes.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// Remove deletes a job record entirely (used only for cancelled-before-
// start submissions; completed jobs are normally retained in their
// terminal state for query purposes).
func (t *Table) Remove(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// All returns every job in the table, for the re-kill sweep and queries.
func (t *Table) All() []*ctldtypes.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ctldtypes.Job, 0, len(t.byID))
	for _, j := range t.byID {
		out = append(out, j)
	}
	return out
}

// Pending returns every job currently in JobPending state, the
// Selector's scheduling candidate pool.
func (t *Table) Pending() []*ctldtypes.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ctldtypes.Job, 0)
	for _, j := range t.byID {
		if j.State == ctldtypes.JobPending {
			out = append(out, j)
		}
	}
	return out
}

// Completing returns every job whose COMPLETING bit is set, the Kill
// Coordinator's re-kill sweep candidate pool.
func (t *Table) Completing() []*ctldtypes.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ctldtypes.Job, 0)
	for _, j := range t.byID {
		if j.Completing {
			out = append(out, j)
		}
	}
	return out
}

// ValidateTransition checks that moving a job from its current state to
// next is a transition the job state machine permits.
func ValidateTransition(from, next ctldtypes.JobState) error {
	if from == next {
		return nil
	}
	allowed := map[ctldtypes.JobState][]ctldtypes.JobState{
		ctldtypes.JobPending:   {ctldtypes.JobRunning, ctldtypes.JobCancelled, ctldtypes.JobFailed},
		ctldtypes.JobRunning:   {ctldtypes.JobSuspended, ctldtypes.JobComplete, ctldtypes.JobFailed, ctldtypes.JobTimeout, ctldtypes.JobNodeFail, ctldtypes.JobCancelled},
		ctldtypes.JobSuspended: {ctldtypes.JobRunning, ctldtypes.JobCancelled},
	}
	for _, ok := range allowed[from] {
		if ok == next {
			return nil
		}
	}
	if from.IsTerminal() {
		return coreerrors.New(coreerrors.ErrorCodeValidationFailed, "job already in a terminal state")
	}
	return coreerrors.NewValidationError(coreerrors.ErrorCodeValidationFailed,
		"illegal job state transition", "state", next.String())
}

// AddStep appends a step to a job after validating it does not collide
// with an existing step id.
func AddStep(j *ctldtypes.Job, s *ctldtypes.Step) error {
	for _, existing := range j.Steps {
		if existing.StepID == s.StepID {
			return coreerrors.NewValidationError(coreerrors.ErrorCodeValidationFailed,
				"step id already in use on this job", "step_id", s.StepID)
		}
	}
	s.JobID = j.JobID
	j.Steps = append(j.Steps, s)
	return nil
}

// RemoveStep deletes a step by id, as the epilog-complete and deallocate
// paths do once a job finishes.
func RemoveStep(j *ctldtypes.Job, stepID int32) {
	out := j.Steps[:0]
	for _, s := range j.Steps {
		if s.StepID != stepID {
			out = append(out, s)
		}
	}
	j.Steps = out
}

// ClearSteps removes every step from the job.
func ClearSteps(j *ctldtypes.Job) {
	j.Steps = nil
}

// GetStep finds a step by id, or nil.
func GetStep(j *ctldtypes.Job, stepID int32) *ctldtypes.Step {
	for _, s := range j.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}
