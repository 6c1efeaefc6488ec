// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command slurmctld-core assembles NodeTable, JobTable, LockDomain,
// Agent, Selector, KillCoordinator, Ping sweep, Checkpoint manager,
// PluginDispatcher, and the supplemental admin HTTP / event stream
// surfaces into one running controller process. Plugin loading,
// configuration-file parsing, and CLI flag handling are explicitly out
// of scope, so this entrypoint reads tunables from the
// environment only (pkg/config) and never loads a plugin from disk;
// callers that need real checkpoint/burst-buffer/select back-ends
// register them on the *plugin.Dispatcher before Run is reached.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jontk/slurmctld-core/internal/agent"
	"github.com/jontk/slurmctld-core/internal/checkpoint"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/jobtable"
	"github.com/jontk/slurmctld-core/internal/killcoord"
	"github.com/jontk/slurmctld-core/internal/locks"
	"github.com/jontk/slurmctld-core/internal/mail"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/internal/ping"
	"github.com/jontk/slurmctld-core/internal/plugin"
	"github.com/jontk/slurmctld-core/internal/selector"
	"github.com/jontk/slurmctld-core/internal/staterestore"
	"github.com/jontk/slurmctld-core/internal/transport/adminhttp"
	"github.com/jontk/slurmctld-core/internal/transport/eventstream"
	"github.com/jontk/slurmctld-core/pkg/config"
	"github.com/jontk/slurmctld-core/pkg/logging"
	"github.com/jontk/slurmctld-core/pkg/metrics"
)

// demoTransport discards every RPC and reports success immediately,
// since the wire encoding of RPCs is a deployment concern, not this
// binary's: its purpose is to demonstrate the control-plane
// wiring, not ship a worker-daemon protocol implementation. A real
// deployment supplies its own agent.Transport that actually talks to
// slurmd over the network.
type demoTransport struct {
	logger logging.Logger
}

func (t demoTransport) Send(ctx context.Context, addr string, req *ctldtypes.AgentRequest) (agent.ReplyCode, error) {
	t.logger.Debug("demo transport send", "addr", addr, "msg_type", req.MsgType.String())
	return agent.RCSuccess, nil
}

func main() {
	cfg := config.NewDefault()
	cfg.Load()
	if err := cfg.Validate(); err != nil {
		os.Exit(exitWithError("invalid configuration", err))
	}

	logLevel := logging.DefaultConfig()
	if cfg.Debug {
		logLevel.Level = -4 // slog.LevelDebug
	}
	logger := logging.NewLogger(logLevel)
	collector := metrics.NewInMemoryCollector()
	metrics.SetDefaultCollector(collector)

	nodes := nodetable.New(collector)
	jobs := jobtable.New()
	dom := locks.NewDomain()
	plugins := plugin.New()
	mailer := mail.New(cfg.MailProg, logger)

	// A real deployment feeds decoded job_state/node_state snapshot
	// records here before any loop starts; with no snapshot the restorer
	// simply leaves both tables empty.
	restorer := staterestore.New(nodes, jobs, logger)
	restorer.RestoreNodes(&staterestore.SliceNodeSource{})
	restorer.RestoreJobs(&staterestore.SliceJobSource{})

	events := eventstream.New(logger)

	// kc is wired after ag exists (killcoord.New needs an AgentDispatcher),
	// but ag's hooks need to call into kc on epilog events, so the hook
	// closures below reference kc through this forward-declared pointer
	// and nil-check it; by the time any request actually completes, kc
	// has been assigned.
	var kc *killcoord.Coordinator

	hooks := agent.Hooks{
		WakeScheduler: func() { logger.Debug("scheduler wake requested") },
		RequeueJob: func(jobID int32) {
			// Treat as completed with a retryable error, node_cnt = 0:
			// back to PENDING with priority untouched.
			j := jobs.Get(jobID)
			if j == nil {
				return
			}
			j.State = ctldtypes.JobPending
			j.Completing = false
			j.AllocNodes = nil
			j.AllocNodeStr = ""
			logger.Info("requeueing job after non-response", "job_id", jobID)
		},
		SyntheticEpilogComplete: func(jobID int32, nodeIdx int) {
			if kc == nil {
				return
			}
			if n := nodes.Get(nodeIdx); n != nil {
				if _, err := kc.EpilogComplete(jobID, n.Name, 0); err != nil {
					logger.Warn("synthetic epilog complete failed", "job_id", jobID, "error", err)
				}
			}
		},
		JobCompletedWithFailure: func(jobID int32) {
			logger.Info("job completed with failure", "job_id", jobID)
			if j := jobs.Get(jobID); j != nil {
				mailer.Notify(j, mail.ReasonFail, j.MailUser)
			}
		},
		SetNodeDown: func(nodeIdx int, reason string) {
			nodes.SetDown(nodeIdx, reason)
			if n := nodes.Get(nodeIdx); n != nil {
				events.PublishNodeState(n.Name, n.BaseState.String(), reason)
			}
		},
	}
	ag := agent.New(cfg, demoTransport{logger: logger}, nodes, jobs, dom, hooks, logger, collector)
	defer ag.Shutdown()

	kc = killcoord.New(jobs, nodes, dom, plugins, ag, false, func() {
		logger.Debug("scheduler wake requested")
	}, logger)

	sel := selector.New(nodes, plugins, false)
	partitions := map[string]*ctldtypes.Partition{
		"batch": {Name: "batch", MinNodes: 1, MaxNodes: 1 << 20, StateUp: true, Shared: ctldtypes.SharedNo, Nodes: nodes.Avail()},
	}
	scheduleOnce := func() {
		held := dom.Lock(locks.SelectorCommit())
		defer held.Release()
		for _, job := range jobs.Pending() {
			part := partitions[job.Partition]
			if part == nil {
				continue
			}
			if _, err := sel.SelectNodes(job, part, false, false); err != nil {
				logger.Debug("job still pending", "job_id", job.JobID, "error", err)
			}
		}
	}

	var hook checkpoint.CompletionHook
	if cfg.CkptCompleteScript != "" {
		hook = checkpoint.ScriptHook(cfg.CkptCompleteScript)
	}
	ckpt := checkpoint.New(jobs, plugins, ag, hook, logger)

	sweeper := ping.New(nodes, dom, cfg, ag, ag, logger)

	admin := adminhttp.New(nodes, jobs, dom, collector, ag, logger)

	mux := http.NewServeMux()
	mux.Handle("/", admin.Handler())
	mux.Handle("/events", events)

	addr := cfg.AdminAddr
	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("admin http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server failed", "error", err)
		}
	}()

	go runLoop(ctx, cfg.WatchdogPoll, logger, "scheduler", scheduleOnce)
	go runLoop(ctx, cfg.WatchdogPoll, logger, "ping-sweep", sweeper.Tick)
	go runLoop(ctx, cfg.WatchdogPoll*5, logger, "health-check", sweeper.HealthCheck)
	go runLoop(ctx, 2*time.Second, logger, "re-kill-sweep", kc.ReKillSweep)
	go runLoop(ctx, 30*time.Second, logger, "time-limit-sweep", func() {
		kc.TimeLimitSweep(time.Now())
	})
	go runLoop(ctx, cfg.RetryMinWait, logger, "retry-queue", func() {
		ag.AgentRetry(ctx, cfg.RetryMinWait)
	})
	go ckpt.RunTimeouts(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runLoop ticks fn every interval until ctx is cancelled. Ticks log at
// Debug only, so the steady-state loops stay quiet in normal operation.
func runLoop(ctx context.Context, interval time.Duration, logger logging.Logger, name string, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("tick", "loop", name)
			fn()
		}
	}
}

func exitWithError(msg string, err error) int {
	os.Stderr.WriteString(msg + ": " + err.Error() + "\n")
	return 1
}
