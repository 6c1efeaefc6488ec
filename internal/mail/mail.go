// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package mail implements the controller's one-shot mail path: given a
// job and a reason, fork/wait a configured external mailer program.
// Notify never takes or requires a domain lock, so it is safe to call
// from inside or outside any LockDomain acquisition.
package mail

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/pkg/logging"
	"github.com/jontk/slurmctld-core/pkg/retry"
)

// mailRetryBudget bounds how long Notify keeps retrying a flaky mail
// program before giving up; mail delivery is best-effort, unlike the
// Agent's retry queue, which retries indefinitely.
const mailRetryBudget = 10 * time.Second

// Reason is the set of events that can trigger a mail notification.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBegin
	ReasonEnd
	ReasonFail
	ReasonRequeue
	ReasonStageOut
	ReasonTimeLimit90
	ReasonTimeLimit80
	ReasonTimeLimit50
)

func (r Reason) String() string {
	switch r {
	case ReasonBegin:
		return "Began"
	case ReasonEnd:
		return "Ended"
	case ReasonFail:
		return "Failed"
	case ReasonRequeue:
		return "Requeued"
	case ReasonStageOut:
		return "Staged Out"
	case ReasonTimeLimit90:
		return "Reached 90% of time limit"
	case ReasonTimeLimit80:
		return "Reached 80% of time limit"
	case ReasonTimeLimit50:
		return "Reached 50% of time limit"
	default:
		return "Unknown"
	}
}

// Mailer sends job notifications through an external mail program.
// Prog empty disables the mailer entirely (Notify becomes a no-op).
type Mailer struct {
	prog   string
	logger logging.Logger

	// run executes the built command; overridable in tests, defaults to
	// (*exec.Cmd).Run, which is itself a straightforward fork/wait.
	run func(*exec.Cmd) error

	// backoff governs send's retry spacing; overridable in tests so they
	// don't have to wait out a real multi-second backoff.
	backoff retry.BackoffStrategy
}

// New constructs a Mailer around the given mail program path (typically
// "/usr/bin/mail" or similar).
func New(prog string, logger logging.Logger) *Mailer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Mailer{
		prog:    prog,
		logger:  logger,
		run:     func(c *exec.Cmd) error { return c.Run() },
		backoff: retry.NewConstantBackoff(2*time.Second, 3),
	}
}

// Notify delivers a one-shot notification for job/reason to recipient.
// It spawns the mailer and waits for it in its own goroutine so the
// caller never blocks on mail delivery; a missing program or empty
// recipient is a silent no-op.
func (m *Mailer) Notify(job *ctldtypes.Job, reason Reason, recipient string) {
	if m.prog == "" || recipient == "" {
		return
	}
	go m.send(job, reason, recipient)
}

// send invokes the mail program, retrying a handful of times with a
// constant backoff on transient fork/exec failure before logging and
// giving up; a fresh *exec.Cmd is built per attempt since a Cmd cannot be
// reused once Run has been called.
func (m *Mailer) send(job *ctldtypes.Job, reason Reason, recipient string) {
	ctx, cancel := context.WithTimeout(context.Background(), mailRetryBudget)
	defer cancel()

	err := retry.Retry(ctx, m.backoff, func() error {
		cmd := exec.Command(m.prog, "-s", subject(job, reason), recipient)
		cmd.Stdin = strings.NewReader(body(job, reason))
		return m.run(cmd)
	})
	if err != nil {
		m.logger.Warn("mail notify failed", "job_id", job.JobID, "reason", reason.String(), "error", err.Error())
	}
}

func subject(job *ctldtypes.Job, reason Reason) string {
	return fmt.Sprintf("Slurm Job_id=%d %s", job.JobID, reason.String())
}

func body(job *ctldtypes.Job, reason Reason) string {
	return fmt.Sprintf("Job_id=%d Name=%s Partition=%s State=%s\n", job.JobID, job.Name, job.Partition, job.State.String())
}
