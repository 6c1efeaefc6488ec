// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package selector implements the node selector: the feature-aware,
// weight-ordered, set-accumulating placement algorithm behind
// SelectNodes. It answers not only "which nodes now?" but also "could
// this job ever run?" and "could it run if busy nodes were free?".
package selector

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jontk/slurmctld-core/internal/bitmap"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/feature"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/internal/plugin"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
)

// Selector answers SelectNodes(job, testOnly).
type Selector struct {
	nodes               *nodetable.Table
	plugins             *plugin.Dispatcher
	consumableResources bool
}

// New constructs a Selector.
func New(nodes *nodetable.Table, plugins *plugin.Dispatcher, consumableResources bool) *Selector {
	return &Selector{nodes: nodes, plugins: plugins, consumableResources: consumableResources}
}

// nodeSet is a configuration-equivalence class of nodes: every member
// shares CPU/memory/disk and
// the controller never needs to distinguish between them for placement
// purposes beyond weight and feature membership.
type nodeSet struct {
	indices     []int
	cpusPerNode int32
	weight      int32
	features    map[string]bool
}

// buildNodeSets groups the partition's member nodes into configuration-
// equivalence classes, intersected with the partition's bitmap and the
// inverse of the job's excluded nodes. Fast-schedule mode (the default
// here) prunes entire configurations failing the request's minima up
// front.
func (s *Selector) buildNodeSets(part *ctldtypes.Partition, job *ctldtypes.Job) []*nodeSet {
	groups := map[string]*nodeSet{}
	nodes := s.nodes.All()

	excluded := job.Details.ExcludedNodes

	for i, n := range nodes {
		if part != nil && part.Nodes != nil && !part.Nodes.IsSet(i) {
			continue
		}
		if excluded != nil && excluded.IsSet(i) {
			continue
		}
		if n.CPUs < job.Details.MinProcs || n.RealMemory < job.Details.MinMemory || n.TmpDisk < job.Details.MinTmpDisk {
			continue // fast-schedule: declared capacity fails minima
		}

		key := groupKey(n)
		g, ok := groups[key]
		if !ok {
			feats := map[string]bool{}
			for _, f := range n.Features {
				feats[f] = true
			}
			g = &nodeSet{cpusPerNode: n.CPUs, weight: n.Weight, features: feats}
			groups[key] = g
		}
		g.indices = append(g.indices, i)
	}

	out := make([]*nodeSet, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	// Weight order is stable across identical inputs: sets of equal
	// weight are ordered by their lowest node index, not by map order.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight < out[j].weight
		}
		return out[i].indices[0] < out[j].indices[0]
	})
	return out
}

func groupKey(n *ctldtypes.Node) string {
	return strconv.FormatInt(int64(n.CPUs), 10) + "/" +
		strconv.FormatInt(n.RealMemory, 10) + "/" +
		strconv.FormatInt(n.TmpDisk, 10) + "/" +
		strconv.FormatInt(int64(n.Weight), 10) + "/" +
		strings.Join(n.Features, ",")
}

func (g *nodeSet) bitmap(universe int) *bitmap.Bitmap {
	b := bitmap.New(universe)
	for _, i := range g.indices {
		b.Set(i)
	}
	return b
}

func unionOfSets(sets []*nodeSet, universe int) *bitmap.Bitmap {
	u := bitmap.New(universe)
	for _, g := range sets {
		for _, i := range g.indices {
			u.Set(i)
		}
	}
	return u
}

// resolveShared resolves the effective sharing decision from the
// consumable-resources mode, the partition policy, and the user request.
func resolveShared(consumableResources bool, partShared ctldtypes.SharedMode, userShared ctldtypes.SharedMode) bool {
	if consumableResources {
		if partShared == ctldtypes.SharedNo || userShared == ctldtypes.SharedNo {
			return false
		}
		return true
	}
	switch partShared {
	case ctldtypes.SharedForce:
		return true
	case ctldtypes.SharedNo:
		return false
	case ctldtypes.SharedYes:
		return userShared == ctldtypes.SharedYes
	default:
		return false
	}
}

// gatePartition applies the partition-level admission checks before any
// node-set work happens.
func gatePartition(job *ctldtypes.Job, part *ctldtypes.Partition, isSuperUser bool) error {
	if part == nil {
		return coreerrors.New(coreerrors.ErrorCodeInvalidPartitionName, "unknown partition")
	}
	if !part.StateUp {
		job.Details.WaitReason = ctldtypes.WaitReasonPartitionDown
		return coreerrors.New(coreerrors.ErrorCodePartConfigUnavailable, "partition is down")
	}
	if job.Priority == 0 {
		job.Details.WaitReason = ctldtypes.WaitReasonHeld
		return coreerrors.New(coreerrors.ErrorCodeJobHeld, "job priority is zero")
	}
	if part.RootOnly && !isSuperUser {
		return coreerrors.New(coreerrors.ErrorCodeAccessDenied, "partition is restricted to the super-user")
	}
	if !part.AllowsGroup(job.GroupName) {
		return coreerrors.New(coreerrors.ErrorCodeMissingRequiredPartGrp, "job's group is not permitted on this partition")
	}
	if !isSuperUser {
		if part.MaxNodes > 0 && job.Details.MaxNodes > part.MaxNodes {
			job.Priority = 1
			job.LastJobUpdate = time.Now()
			return coreerrors.New(coreerrors.ErrorCodePartConfigUnavailable, "requested node count exceeds partition limit")
		}
		if part.MaxTime > 0 && job.TimeLimit > part.MaxTime {
			job.Priority = 1
			job.LastJobUpdate = time.Now()
			return coreerrors.New(coreerrors.ErrorCodePartConfigUnavailable, "requested time limit exceeds partition limit")
		}
	}
	return nil
}

// accumulateFeatureCounts handles *count feature requirements: for each
// one, narrow the candidate pool to nodes with that feature and assign
// `count` of them, distinct across every counted requirement in the
// expression. A single greedy, feature-at-a-time pick can strand a later
// requirement on a node a prior requirement already claimed even though
// a valid assignment exists, so counted requirements are expanded into
// slots and solved as bipartite matching (Kuhn's algorithm: one
// augmenting-path search per slot) instead.
func (s *Selector) accumulateFeatureCounts(reqs []feature.FeatureReq, avail *bitmap.Bitmap) (*bitmap.Bitmap, []feature.FeatureReq, error) {
	var slotFeature []string
	var remaining []feature.FeatureReq
	for _, r := range reqs {
		if r.Count <= 0 {
			remaining = append(remaining, r)
			continue
		}
		for i := 0; i < r.Count; i++ {
			slotFeature = append(slotFeature, r.Name)
		}
	}
	if len(slotFeature) == 0 {
		return bitmap.New(avail.Len()), remaining, nil
	}

	candidates := map[string][]int{}
	for _, name := range slotFeature {
		if _, ok := candidates[name]; !ok {
			candidates[name] = s.nodes.FeatureBitmap(name).And(avail.Clone()).Indices()
		}
	}

	matchOfNode := map[int]int{}
	var tryAugment func(slotIdx int, visited map[int]bool) bool
	tryAugment = func(slotIdx int, visited map[int]bool) bool {
		for _, node := range candidates[slotFeature[slotIdx]] {
			if visited[node] {
				continue
			}
			visited[node] = true
			owner, taken := matchOfNode[node]
			if !taken || tryAugment(owner, visited) {
				matchOfNode[node] = slotIdx
				return true
			}
		}
		return false
	}

	for i := range slotFeature {
		if !tryAugment(i, map[int]bool{}) {
			return nil, nil, coreerrors.New(coreerrors.ErrorCodeNodeConfigUnavailable,
				"insufficient distinct nodes for feature count "+slotFeature[i])
		}
	}

	picked := bitmap.New(avail.Len())
	for node := range matchOfNode {
		picked.Set(node)
	}
	return picked, remaining, nil
}

// Result is what SelectNodes returns on success.
type Result struct {
	Nodes       *bitmap.Bitmap
	FeatureBits uint32
}

// SelectNodes runs the full placement pipeline: partition gate, node-set
// construction, required-node containment, sharing decision, feature
// accumulation, the main picker, feasibility probes, and (unless
// testOnly) the commit.
func (s *Selector) SelectNodes(job *ctldtypes.Job, part *ctldtypes.Partition, testOnly bool, isSuperUser bool) (*Result, error) {
	if err := gatePartition(job, part, isSuperUser); err != nil {
		return nil, err
	}

	sets := s.buildNodeSets(part, job)
	if len(sets) == 0 {
		return nil, coreerrors.New(coreerrors.ErrorCodeNodeConfigUnavailable, "no configuration satisfies the request")
	}

	universe := s.nodes.Len()
	union := unionOfSets(sets, universe)

	if job.Details.RequiredNodes != nil && !job.Details.RequiredNodes.IsSubsetOf(union) {
		return nil, coreerrors.New(coreerrors.ErrorCodeNodeConfigUnavailable, "required nodes outside available configuration")
	}

	shared := resolveShared(s.consumableResources, part.Shared, job.Details.Shared)

	var expr *feature.Expression
	if job.Details.FeatureExpr != "" {
		var err error
		expr, err = feature.Parse(job.Details.FeatureExpr)
		if err != nil {
			return nil, err
		}
	} else {
		expr = &feature.Expression{}
	}
	alts := expr.Alternatives()
	if len(alts) == 0 {
		alts = []feature.Alternative{{}}
	}

	origRequired := job.Details.RequiredNodes

	avail := s.nodes.Avail()
	idle := s.nodes.Idle()
	shareBM := s.nodes.Share()

	var runnableAvail, runnableEver bool

	for _, alt := range alts {
		accumulated, remaining, err := s.accumulateFeatureCounts(alt.Required, avail)
		if err != nil {
			continue
		}
		effectiveMin := job.Details.MinNodes
		if c := int32(accumulated.Count()); c > 0 && c < effectiveMin {
			effectiveMin -= c
		}
		required := origRequired
		if required == nil {
			required = bitmap.New(universe)
		}
		required = required.Clone().Or(accumulated)

		var pickPool *bitmap.Bitmap
		if shared {
			pickPool = chooseSharingPool(avail, idle, shareBM, s.plugins)
		} else {
			pickPool = avail.Clone().And(idle)
		}

		candidate, ok := s.pickBestNodes(sets, pickPool, required, remaining, effectiveMin)
		if !ok {
			continue
		}
		candidate = candidate.Clone().Or(accumulated)
		runnableAvail = true

		okTest, err := s.plugins.JobTest(job, candidate, job.Details.MinNodes, job.Details.Contiguous)
		if err != nil {
			return nil, coreerrors.NewWithCause(coreerrors.ErrorCodeNodesBusy, "placement test failed", err)
		}
		if !okTest {
			continue
		}

		if !testOnly {
			if err := s.commit(job, part, candidate); err != nil {
				return nil, err
			}
		}
		job.Details.WaitReason = ctldtypes.WaitReasonNone
		return &Result{Nodes: candidate, FeatureBits: alt.BitMask}, nil
	}

	// Feasibility probe: could this ever run, ignoring current state?
	fullCandidate, ok := s.pickBestNodes(sets, union, origRequired, nil, job.Details.MinNodes)
	if ok {
		if okTest, _ := s.plugins.JobTest(job, fullCandidate, job.Details.MinNodes, job.Details.Contiguous); okTest {
			runnableEver = true
		}
	}

	switch {
	case !runnableAvail && !runnableEver:
		job.Details.WaitReason = ctldtypes.WaitReasonNodeConfig
		return nil, coreerrors.New(coreerrors.ErrorCodeNodeConfigUnavailable, "no arrangement of configured nodes can ever satisfy this request")
	case runnableAvail && !runnableEver:
		job.Details.WaitReason = ctldtypes.WaitReasonPartitionDown
		return nil, coreerrors.New(coreerrors.ErrorCodePartConfigUnavailable, "partition configuration cannot satisfy this request")
	default:
		job.Details.WaitReason = ctldtypes.WaitReasonResources
		return nil, coreerrors.New(coreerrors.ErrorCodeNodesBusy, "resources exist but are not available now")
	}
}

// chooseSharingPool returns the single pool used when the job shares
// nodes: idle nodes plus shareable nodes, widened by the plugins'
// partially-idle hint, all limited to avail. Nodes are not split by
// load (no-load, one job, two or more jobs); the caller tries placement
// once against this whole pool.
func chooseSharingPool(avail, idle, share *bitmap.Bitmap, plugins *plugin.Dispatcher) *bitmap.Bitmap {
	pool := avail.Clone().And(idle)
	pool = pool.Clone().Or(avail.Clone().And(share))
	if plugins != nil {
		if partial := plugins.PartiallyIdle(); partial != nil {
			pool = pool.Clone().Or(avail.Clone().And(partial))
		}
	}
	return pool
}

// pickBestNodes accumulates node-sets in weight order, intersected with
// pool and filtered to nodes carrying every plain feature requirement,
// until the node-count threshold is met and required nodes are
// contained. The job's total CPU count is not checked here.
func (s *Selector) pickBestNodes(sets []*nodeSet, pool, required *bitmap.Bitmap, plainFeatures []feature.FeatureReq, minNodes int32) (*bitmap.Bitmap, bool) {
	universe := pool.Len()
	candidate := bitmap.New(universe)
	if required != nil {
		candidate = required.Clone().And(pool)
	}

	for _, g := range sets {
		if !matchesFeatures(g, plainFeatures) {
			continue
		}
		setBM := g.bitmap(universe).And(pool.Clone())
		candidate = candidate.Clone().Or(setBM)

		if meetsThreshold(candidate, required, minNodes) {
			return candidate, true
		}
	}

	if meetsThreshold(candidate, required, minNodes) {
		return candidate, true
	}
	return candidate, false
}

// matchesFeatures evaluates the alternative's plain feature requirements
// against one node-set, folding AND/OR left-to-right so "fs1|fs2"
// admits a set carrying either feature rather than demanding both.
func matchesFeatures(g *nodeSet, reqs []feature.FeatureReq) bool {
	return feature.Satisfies(reqs, func(name string) bool { return g.features[name] })
}

func meetsThreshold(candidate, required *bitmap.Bitmap, minNodes int32) bool {
	if int32(candidate.Count()) < minNodes {
		return false
	}
	if required != nil && !required.IsSubsetOf(candidate) {
		return false
	}
	return true
}

// commit finalizes a successful placement: back-end begin, node list
// string, CPU run-length layout, address vectors, RUNNING transition,
// and start/end times.
func (s *Selector) commit(job *ctldtypes.Job, part *ctldtypes.Partition, nodes *bitmap.Bitmap) error {
	if err := s.plugins.JobBegin(job, nodes); err != nil {
		return coreerrors.NewWithCause(coreerrors.ErrorCodeNodesBusy, "select plugin refused placement", err)
	}

	names := s.nodes.Names(nodes)
	job.AllocNodes = nodes
	job.AllocNodeStr = strings.Join(names, ",")
	job.NodeAddrs = make([]string, 0, len(names))
	for _, n := range names {
		if node := s.nodes.GetByName(n); node != nil {
			job.NodeAddrs = append(job.NodeAddrs, node.Address)
		}
	}

	layout := ctldtypes.CPULayout{}
	for _, idx := range nodes.Indices() {
		n := s.nodes.Get(idx)
		if n == nil {
			continue
		}
		if l := len(layout.CPUsPerNode); l > 0 && layout.CPUsPerNode[l-1] == n.CPUs {
			layout.CPUCountReps[l-1]++
		} else {
			layout.CPUsPerNode = append(layout.CPUsPerNode, n.CPUs)
			layout.CPUCountReps = append(layout.CPUCountReps, 1)
		}
	}
	job.CPULayout = layout

	job.State = ctldtypes.JobRunning
	job.StartTime = time.Now()

	limit := job.TimeLimit
	if limit <= 0 && part != nil {
		limit = part.MaxTime
	}
	if limit <= 0 {
		job.EndTime = job.StartTime.AddDate(1, 0, 0) // no usable limit: cap at start + 1 year
	} else {
		job.EndTime = job.StartTime.Add(time.Duration(limit) * time.Minute)
	}

	for _, idx := range nodes.Indices() {
		n := s.nodes.Get(idx)
		if n == nil {
			continue
		}
		n.RunJobCnt++
		n.BaseState = ctldtypes.NodeAllocated
		s.nodes.Recompute(idx)
	}

	return nil
}

// CheckTopPriority guards an immediate submission against queue-jumping:
// if any other pending job in the same partition carries a higher
// priority, the immediate job must wait its turn.
func CheckTopPriority(job *ctldtypes.Job, pending []*ctldtypes.Job) error {
	for _, other := range pending {
		if other.JobID == job.JobID || other.Partition != job.Partition {
			continue
		}
		if other.Priority > job.Priority {
			return coreerrors.New(coreerrors.ErrorCodeNotTopPriority, "a higher-priority job is queued ahead")
		}
	}
	return nil
}
