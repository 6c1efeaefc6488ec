// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint implements the per-step checkpoint state machine:
// ABLE/DISABLE/ENABLE/CREATE/VACATE/RESTART/ERROR against
// a step's CheckpointRecord, the task-completion callback that resolves
// an in-flight operation, and the background timeout loop that delivers
// a fallback signal when a step's tasks never all reply. The state
// machine's background loop uses the same ticker idiom as the agent
// watchdog.
package checkpoint

import (
	"context"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/jobtable"
	"github.com/jontk/slurmctld-core/internal/plugin"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
	"github.com/jontk/slurmctld-core/pkg/logging"
)

// State is the derived state ABLE reports for a step's checkpoint record.
type State int

const (
	StateIdle State = iota
	StateInFlight
	StateRefused
)

// Fallback signal numbers delivered by the timeout loop; kept as plain
// ints rather than importing syscall since the Agent only ever carries
// them onward inside a SignalStepPayload.
const (
	SigTerm  int32 = 15
	SigWinch int32 = 28
)

// Dispatcher is the seam used to send a fallback/sig_done signal and is
// satisfied by internal/agent.Agent.
type Dispatcher interface {
	QueueRequest(req *ctldtypes.AgentRequest, urgent bool)
}

// CompletionHook runs the post-completion script once every task has
// replied, detached from the controller process so it can never leave a
// zombie behind.
type CompletionHook func(jobID, stepID int32, errorCode int32, imageDir string)

// ScriptHook builds a CompletionHook that execs path with
// (job_id, step_id, error_code, image_dir) as arguments, detached from
// the controller so a slow or hung script cannot block the caller.
func ScriptHook(path string) CompletionHook {
	return func(jobID, stepID int32, errorCode int32, imageDir string) {
		cmd := exec.Command(path,
			strconv.FormatInt(int64(jobID), 10),
			strconv.FormatInt(int64(stepID), 10),
			strconv.FormatInt(int64(errorCode), 10),
			imageDir)
		// Start, then reap in a background goroutine: the caller never
		// blocks on a slow or hung hook, and an exited script is waited
		// for so it never lingers as a zombie.
		if err := cmd.Start(); err == nil {
			go func() { _ = cmd.Wait() }()
		}
	}
}

type timeoutEntry struct {
	jobID, stepID  int32
	deadline       time.Time
	fallbackSignal int32
	nodeList       []string
}

// Manager owns the checkpoint timeout FIFO and dispatches checkpoint
// RPCs through the select plugin. Per-step CheckpointRecord fields are
// guarded by mu, a per-step-state mutex held outside any LockDomain
// acquisition.
type Manager struct {
	mu sync.Mutex

	jobs       *jobtable.Table
	plugins    *plugin.Dispatcher
	dispatcher Dispatcher
	hook       CompletionHook
	logger     logging.Logger

	timeoutMu sync.Mutex
	timeouts  []*timeoutEntry
}

// New constructs a Manager. hook may be nil to skip the post-completion
// script entirely.
func New(jobs *jobtable.Table, plugins *plugin.Dispatcher, dispatcher Dispatcher, hook CompletionHook, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Manager{jobs: jobs, plugins: plugins, dispatcher: dispatcher, hook: hook, logger: logger}
}

// Able reports the derived state of a step's checkpoint record, plus the
// in-flight timestamp when applicable, for callers that poll.
func (m *Manager) Able(job *ctldtypes.Job, stepID int32) (State, time.Time, error) {
	step := jobtable.GetStep(job, stepID)
	if step == nil {
		return StateRefused, time.Time{}, coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint able: unknown step")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if step.Ckpt.Disabled > 0 {
		return StateRefused, time.Time{}, nil
	}
	if !step.Ckpt.InFlight() {
		return StateIdle, time.Time{}, nil
	}
	return StateInFlight, step.Ckpt.TimeStamp, nil
}

// Disable increments the step's disabled count.
func (m *Manager) Disable(job *ctldtypes.Job, stepID int32) error {
	step := jobtable.GetStep(job, stepID)
	if step == nil {
		return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint disable: unknown step")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	step.Ckpt.Disabled++
	return nil
}

// Enable decrements the step's disabled count, floored at zero.
func (m *Manager) Enable(job *ctldtypes.Job, stepID int32) error {
	step := jobtable.GetStep(job, stepID)
	if step == nil {
		return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint enable: unknown step")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if step.Ckpt.Disabled > 0 {
		step.Ckpt.Disabled--
	}
	return nil
}

// Create begins a CREATE checkpoint operation against every node in
// nodeList.
func (m *Manager) Create(job *ctldtypes.Job, stepID int32, waitTime time.Duration, sigDone int32, nodeList []string) error {
	return m.begin(job, stepID, "CREATE", SigWinch, waitTime, sigDone, nodeList)
}

// Vacate begins a VACATE checkpoint operation against every node in
// nodeList.
func (m *Manager) Vacate(job *ctldtypes.Job, stepID int32, waitTime time.Duration, sigDone int32, nodeList []string) error {
	return m.begin(job, stepID, "VACATE", SigTerm, waitTime, sigDone, nodeList)
}

func (m *Manager) begin(job *ctldtypes.Job, stepID int32, op string, fallbackSignal int32, waitTime time.Duration, sigDone int32, nodeList []string) error {
	step := jobtable.GetStep(job, stepID)
	if step == nil {
		return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint "+op+": unknown step")
	}

	m.mu.Lock()
	if step.Ckpt.Disabled > 0 {
		m.mu.Unlock()
		return coreerrors.New(coreerrors.ErrorCodeAlready, "checkpoint disabled for this step")
	}
	if step.Ckpt.InFlight() {
		m.mu.Unlock()
		return coreerrors.New(coreerrors.ErrorCodeAlready, "checkpoint already in flight for this step")
	}

	taskCount := step.TaskCnt
	step.Ckpt.TimeStamp = time.Now()
	step.Ckpt.ReplyCount = 0
	step.Ckpt.TaskCount = taskCount
	step.Ckpt.Replied = make([]bool, taskCount)
	step.Ckpt.WaitTime = waitTime
	step.Ckpt.SigDone = sigDone
	step.Ckpt.ErrorCode = 0
	step.Ckpt.ErrorMsg = ""
	deadline := step.Ckpt.TimeStamp.Add(waitTime)
	m.mu.Unlock()

	var worst error
	for _, node := range nodeList {
		if err := m.plugins.SendCheckpointRPC(node, job.JobID, stepID, op); err != nil {
			worst = err
			m.logger.Warn("checkpoint rpc failed", "job_id", job.JobID, "step_id", stepID, "node", node, "error", err.Error())
		}
	}

	m.timeoutMu.Lock()
	m.timeouts = append(m.timeouts, &timeoutEntry{
		jobID: job.JobID, stepID: stepID, deadline: deadline,
		fallbackSignal: fallbackSignal, nodeList: append([]string(nil), nodeList...),
	})
	m.timeoutMu.Unlock()

	return worst
}

// Restart is always refused.
func (m *Manager) Restart(job *ctldtypes.Job, stepID int32) error {
	return coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint restart is not supported")
}

// Error returns the stored error code/message for a step's last
// checkpoint operation.
func (m *Manager) Error(job *ctldtypes.Job, stepID int32) (int32, string, error) {
	step := jobtable.GetStep(job, stepID)
	if step == nil {
		return 0, "", coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint error: unknown step")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return step.Ckpt.ErrorCode, step.Ckpt.ErrorMsg, nil
}

// TaskComplete resolves one task's reply against the step's in-flight
// checkpoint operation.
func (m *Manager) TaskComplete(job *ctldtypes.Job, stepID, taskID int32, eventTime time.Time, rc int32, msg string) (bool, error) {
	step := jobtable.GetStep(job, stepID)
	if step == nil {
		return false, coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint task complete: unknown step")
	}

	m.mu.Lock()
	if !eventTime.Equal(step.Ckpt.TimeStamp) {
		m.mu.Unlock()
		return false, coreerrors.New(coreerrors.ErrorCodeAlreadyDone, "checkpoint operation already resolved")
	}
	if taskID < 0 || taskID >= step.Ckpt.TaskCount || step.Ckpt.Replied[taskID] {
		m.mu.Unlock()
		return false, coreerrors.New(coreerrors.ErrorCodeInvalidRequest, "checkpoint task complete: invalid or duplicate task id")
	}

	step.Ckpt.Replied[taskID] = true
	if rc > step.Ckpt.ErrorCode {
		step.Ckpt.ErrorCode = rc
		step.Ckpt.ErrorMsg = msg
	}
	step.Ckpt.ReplyCount++

	if step.Ckpt.ReplyCount < step.Ckpt.TaskCount {
		m.mu.Unlock()
		return false, nil
	}

	errorCode := step.Ckpt.ErrorCode
	sigDone := step.Ckpt.SigDone
	step.Ckpt.Replied = nil
	step.Ckpt.TimeStamp = time.Time{}
	m.mu.Unlock()

	m.dequeue(job.JobID, stepID)

	if sigDone != 0 {
		m.dispatcher.QueueRequest(&ctldtypes.AgentRequest{
			MsgType:     ctldtypes.MsgSignalTasks,
			HostsetExpr: job.AllocNodeStr,
			Payload:     ctldtypes.SignalStepPayload{JobID: job.JobID, StepID: stepID, Signal: sigDone},
		}, false)
	}
	if m.hook != nil {
		go m.hook(job.JobID, stepID, errorCode, "")
	}
	return true, nil
}

func (m *Manager) dequeue(jobID, stepID int32) {
	m.timeoutMu.Lock()
	defer m.timeoutMu.Unlock()
	out := m.timeouts[:0]
	for _, e := range m.timeouts {
		if e.jobID != jobID || e.stepID != stepID {
			out = append(out, e)
		}
	}
	m.timeouts = out
}

// RunTimeouts runs the background timeout loop until ctx is cancelled,
// checking the FIFO once per second and delivering the fallback signal
// for any entry whose deadline has passed.
func (m *Manager) RunTimeouts(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.fireExpired(now)
		}
	}
}

func (m *Manager) fireExpired(now time.Time) {
	m.timeoutMu.Lock()
	var fired []*timeoutEntry
	remaining := m.timeouts[:0]
	for _, e := range m.timeouts {
		if now.After(e.deadline) {
			fired = append(fired, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	m.timeouts = remaining
	m.timeoutMu.Unlock()

	for _, e := range fired {
		m.dispatcher.QueueRequest(&ctldtypes.AgentRequest{
			MsgType:     ctldtypes.MsgSignalTasks,
			TargetNames: e.nodeList,
			Payload:     ctldtypes.SignalStepPayload{JobID: e.jobID, StepID: e.stepID, Signal: e.fallbackSignal},
		}, false)
		m.logger.Info("checkpoint timeout fired", "job_id", e.jobID, "step_id", e.stepID, "signal", e.fallbackSignal)
	}
}
