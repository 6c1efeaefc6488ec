// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package adminhttp exposes a small HTTP surface over controller state:
// per-node and per-job summaries, dispatcher statistics, job submission,
// and an admin trigger for the RECONFIGURE_SACKD fan-out to login
// nodes.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jontk/slurmctld-core/internal/agent"
	"github.com/jontk/slurmctld-core/internal/common"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/jobtable"
	"github.com/jontk/slurmctld-core/internal/locks"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/internal/selector"
	"github.com/jontk/slurmctld-core/pkg/logging"
	"github.com/jontk/slurmctld-core/pkg/metrics"
)

// Server holds the dependencies the admin HTTP handlers operate on. Every
// handler takes the matching LockDomain lock for the duration of its
// critical section; the only direct mutation is job submission inserting
// a new PENDING record, everything else (allocation, completion,
// deallocation) stays the Agent/Selector/Kill Coordinator's job.
type Server struct {
	nodes     *nodetable.Table
	jobs      *jobtable.Table
	locks     *locks.Domain
	collector metrics.Collector
	agent     *agent.Agent
	logger    logging.Logger

	router *mux.Router
}

// New builds a Server and wires its routes onto a fresh mux.Router.
func New(nodes *nodetable.Table, jobs *jobtable.Table, dom *locks.Domain, collector metrics.Collector, ag *agent.Agent, logger logging.Logger) *Server {
	if collector == nil {
		collector = metrics.GetDefaultCollector()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	s := &Server{
		nodes:     nodes,
		jobs:      jobs,
		locks:     dom,
		collector: collector,
		agent:     ag,
		logger:    logger,
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/{name}", s.handleNode).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	s.router.HandleFunc("/reconfigure-sackd", s.handleReconfigureSackd).Methods(http.MethodPost)
	return s
}

// Handler returns the http.Handler to mount, e.g. in an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

type nodeSummary struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	State      string `json:"state"`
	NoRespond  bool   `json:"no_respond"`
	RunJobCnt  int32  `json:"run_job_cnt"`
	CompJobCnt int32  `json:"comp_job_cnt"`
	Reason     string `json:"reason,omitempty"`
}

func summarizeNode(n *ctldtypes.Node) nodeSummary {
	return nodeSummary{
		Name:       n.Name,
		Address:    n.Address,
		State:      n.BaseState.String(),
		NoRespond:  n.HasFlag(ctldtypes.NodeFlagNoRespond),
		RunJobCnt:  n.RunJobCnt,
		CompJobCnt: n.CompJobCnt,
		Reason:     n.Reason,
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	held := s.locks.Lock(locks.Set{Node: locks.Read})
	defer held.Release()

	out := make([]nodeSummary, 0, s.nodes.Len())
	for i := 0; i < s.nodes.Len(); i++ {
		if n := s.nodes.Get(i); n != nil {
			out = append(out, summarizeNode(n))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	held := s.locks.Lock(locks.Set{Node: locks.Read})
	n := s.nodes.GetByName(name)
	held.Release()

	if n == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown node"})
		return
	}
	writeJSON(w, http.StatusOK, summarizeNode(n))
}

type jobSummary struct {
	JobID      int32  `json:"job_id"`
	State      string `json:"state"`
	Completing bool   `json:"completing"`
	Partition  string `json:"partition"`
	AllocNodes string `json:"alloc_nodes"`
}

func summarizeJob(j *ctldtypes.Job) jobSummary {
	return jobSummary{
		JobID:      j.JobID,
		State:      j.State.String(),
		Completing: j.Completing,
		Partition:  j.Partition,
		AllocNodes: j.AllocNodeStr,
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	held := s.locks.Lock(locks.Set{Job: locks.Read})
	jobs := s.jobs.All()
	held.Release()

	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, summarizeJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

// submitJobRequest is the wire shape for a job submission. MinMemory is a
// free-form spec string ("4096", "4096M", "4G", "1T", ...) rather than a
// plain integer, matching how an operator would type a memory request on
// a command line; it is parsed with internal/common.ParseMemory's unit
// table.
type submitJobRequest struct {
	Name      string `json:"name"`
	UserID    int32  `json:"user_id"`
	GroupID   int32  `json:"group_id"`
	MailUser  string `json:"mail_user"`
	Partition string `json:"partition"`
	Priority  int32  `json:"priority"`
	MinProcs  int32  `json:"min_procs"`
	MinMemory string `json:"min_memory"`
	MinNodes  int32  `json:"min_nodes"`
	MaxNodes  int32  `json:"max_nodes"`
	Feature   string `json:"feature"`
	Script    string `json:"script"`
	// Immediate asks for allocation now or not at all; it is refused
	// outright when a higher-priority job already waits in the same
	// partition.
	Immediate bool `json:"immediate"`
}

// handleSubmitJob accepts a new job submission, assigns it the next job
// id, and inserts it into the JobTable in PENDING state. It does not run
// the
// Selector itself; the job becomes visible to the next scheduler pass.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed submission"})
		return
	}
	if req.Partition == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "partition is required"})
		return
	}

	minMemMB, err := common.ParseMemory(req.MinMemory)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid min_memory: " + err.Error()})
		return
	}

	job := &ctldtypes.Job{
		JobID:      s.jobs.NextID(),
		Name:       req.Name,
		MailUser:   req.MailUser,
		SubmitTime: time.Now(),
		UserID:     req.UserID,
		GroupID:    req.GroupID,
		Partition:  req.Partition,
		Priority:   req.Priority,
		State:      ctldtypes.JobPending,
		Details: ctldtypes.JobDetails{
			MinProcs:    req.MinProcs,
			MinMemory:   minMemMB,
			MinNodes:    req.MinNodes,
			MaxNodes:    req.MaxNodes,
			FeatureExpr: req.Feature,
			Script:      req.Script,
			WaitReason:  ctldtypes.WaitReasonResources,
		},
	}

	held := s.locks.Lock(locks.Set{Job: locks.Write})
	if req.Immediate {
		err = selector.CheckTopPriority(job, s.jobs.Pending())
	}
	if err == nil {
		err = s.jobs.Add(job)
	}
	held.Release()
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, summarizeJob(job))
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := strconv.ParseInt(id, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	jobID := int32(v)

	held := s.locks.Lock(locks.Set{Job: locks.Read})
	j := s.jobs.Get(jobID)
	held.Release()

	if j == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}
	writeJSON(w, http.StatusOK, summarizeJob(j))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.GetStats())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

// handleReconfigureSackd triggers a RECONFIGURE_SACKD fan-out to every
// node currently known to the NodeTable, pushing refreshed config to
// login nodes.
func (s *Server) handleReconfigureSackd(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no agent configured"})
		return
	}

	held := s.locks.Lock(locks.Set{Node: locks.Read})
	names := make([]string, 0, s.nodes.Len())
	for i := 0; i < s.nodes.Len(); i++ {
		if n := s.nodes.Get(i); n != nil {
			names = append(names, n.Name)
		}
	}
	held.Release()

	req := &ctldtypes.AgentRequest{
		MsgType:     ctldtypes.MsgReconfigureSackd,
		TargetNames: names,
		Retry:       true,
	}
	if err := s.agent.Dispatch(r.Context(), req); err != nil {
		s.logger.Warn("reconfigure-sackd dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched", "targets": strconv.Itoa(len(names))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
