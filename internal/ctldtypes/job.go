// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package ctldtypes

import (
	"time"

	"github.com/jontk/slurmctld-core/internal/bitmap"
)

// JobState is the job state machine. COMPLETING is modeled as a
// separate bit (Job.Completing) composable with any terminal state: a
// job stays COMPLETE|COMPLETING until every node releases it.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSuspended
	JobComplete
	JobFailed
	JobTimeout
	JobNodeFail
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobSuspended:
		return "SUSPENDED"
	case JobComplete:
		return "COMPLETE"
	case JobFailed:
		return "FAILED"
	case JobTimeout:
		return "TIMEOUT"
	case JobNodeFail:
		return "NODE_FAIL"
	case JobCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of the job's terminal states.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobComplete, JobFailed, JobTimeout, JobNodeFail, JobCancelled:
		return true
	default:
		return false
	}
}

// CPULayout is the run-length encoding of per-node CPU counts:
// CPUsPerNode[i] repeated CPUCountReps[i] times, covering the allocated
// node list in order.
type CPULayout struct {
	CPUsPerNode  []int32
	CPUCountReps []int32
}

// WaitReason enumerates why a PENDING job has not started, for
// introspection.
type WaitReason int

const (
	WaitReasonNone WaitReason = iota
	WaitReasonResources
	WaitReasonPriority
	WaitReasonDependency
	WaitReasonPartitionDown
	WaitReasonHeld
	WaitReasonBeginTime
	WaitReasonNodeConfig
)

// JobDetails carries the scheduling request portion of a job.
type JobDetails struct {
	MinProcs   int32
	MinMemory  int64
	MinTmpDisk int64
	MinNodes   int32
	MaxNodes   int32
	NumProcs   int32
	Contiguous bool
	Shared     SharedMode

	RequiredNodes *bitmap.Bitmap
	RequiredList  []string
	ExcludedNodes *bitmap.Bitmap
	ExcludedList  []string

	FeatureExpr string // raw feature expression (see internal/feature)

	Script           string
	Environment      map[string]string
	WorkingDirectory string
	StdIn            string
	StdOut           string
	StdErr           string

	WaitReason WaitReason
}

// Step is a child activity of a running job.
type Step struct {
	StepID   int32
	JobID    int32
	Nodes    *bitmap.Bitmap // subset of the job's allocated nodes
	TaskCnt  int32
	Layout   CPULayout
	Cyclic   bool
	Ckpt     CheckpointRecord
}

// Job is the unit of allocation.
type Job struct {
	JobID int32
	Name  string

	// MailUser is where mail-path notifications for this job go; empty
	// disables them.
	MailUser string

	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time

	UserID    int32
	GroupID   int32
	GroupName string
	Partition string

	Priority  int32
	TimeLimit int32 // minutes; 0 means partition default, -1 unlimited

	Details JobDetails

	State      JobState
	Completing bool // the composable COMPLETING bit

	BatchFlag bool

	AllocNodes   *bitmap.Bitmap
	AllocNodeStr string
	CPULayout    CPULayout
	NodeAddrs    []string

	Steps []*Step

	// BurstBuffer is the job's burst-buffer specification string; empty
	// means the job carries none and the stage-in path skips it.
	BurstBuffer string

	LastJobUpdate time.Time
}
