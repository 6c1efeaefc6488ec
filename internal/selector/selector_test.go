// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"testing"

	"github.com/jontk/slurmctld-core/internal/bitmap"
	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/internal/plugin"
	coreerrors "github.com/jontk/slurmctld-core/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, nodes ...*ctldtypes.Node) *nodetable.Table {
	t.Helper()
	tb := nodetable.New(nil)
	for _, n := range nodes {
		tb.Add(n)
	}
	return tb
}

func partitionOf(tb *nodetable.Table) *ctldtypes.Partition {
	all := tb.All()
	b := bitmap.New(len(all))
	for i := range all {
		b.Set(i)
	}
	return &ctldtypes.Partition{Name: "default", StateUp: true, Nodes: b}
}

func idleNode(name string, cpus int32, features ...string) *ctldtypes.Node {
	return &ctldtypes.Node{
		Name:       name,
		Address:    name + ":6818",
		CPUs:       cpus,
		RealMemory: 1024,
		TmpDisk:    0,
		Features:   features,
		BaseState:  ctldtypes.NodeIdle,
	}
}

func TestSelectNodesBasicPlacement(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4), idleNode("n1", 4))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	job := &ctldtypes.Job{
		Priority: 1,
		Details:  ctldtypes.JobDetails{MinNodes: 1, MinProcs: 2},
	}
	res, err := sel.SelectNodes(job, part, false, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Nodes.Count(), 1)
	assert.Equal(t, ctldtypes.JobRunning, job.State)
	assert.NotEmpty(t, job.AllocNodeStr)
}

// TestSelectNodesFeatureCountDistinctNodes exercises the feature-count
// accumulation scenario: a job requires two distinct nodes carrying
// "gpu*1" and "ssd*1" respectively, and a single node carrying both
// features must not be double-counted.
func TestSelectNodesFeatureCountDistinctNodes(t *testing.T) {
	tb := buildTable(t,
		idleNode("n0", 4, "gpu", "ssd"),
		idleNode("n1", 4, "gpu"),
	)
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	job := &ctldtypes.Job{
		Priority: 1,
		Details: ctldtypes.JobDetails{
			MinNodes:    2,
			FeatureExpr: "gpu*1&ssd*1",
		},
	}
	res, err := sel.SelectNodes(job, part, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Nodes.Count())
}

// TestSelectNodesFeatureCountInsufficientDistinctNodes mirrors the same
// scenario but with only one node able to satisfy either feature, which
// must fail rather than silently reuse that node for both counts.
func TestSelectNodesFeatureCountInsufficientDistinctNodes(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4, "gpu", "ssd"))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	job := &ctldtypes.Job{
		Priority: 1,
		Details: ctldtypes.JobDetails{
			MinNodes:    2,
			FeatureExpr: "gpu*1&ssd*1",
		},
	}
	_, err := sel.SelectNodes(job, part, true, false)
	assert.Error(t, err)
}

// TestSelectNodesXORAlternatives exercises the bracketed-XOR expansion:
// the job accepts either "haswell" or "skylake" nodes, and a partition
// with only skylake nodes must still satisfy it via the second
// alternative.
func TestSelectNodesXORAlternatives(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4, "skylake"))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	job := &ctldtypes.Job{
		Priority: 1,
		Details: ctldtypes.JobDetails{
			MinNodes:    1,
			FeatureExpr: "[haswell|skylake]",
		},
	}
	res, err := sel.SelectNodes(job, part, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Nodes.Count())
}

func TestSelectNodesPartitionDownRejected(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)
	part.StateUp = false

	job := &ctldtypes.Job{Priority: 1, Details: ctldtypes.JobDetails{MinNodes: 1}}
	_, err := sel.SelectNodes(job, part, true, false)
	assert.Error(t, err)
}

func TestSelectNodesRequiredNodesHonored(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4), idleNode("n1", 4))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	idx, ok := tb.Lookup("n1")
	require.True(t, ok)
	req := bitmap.New(tb.Len())
	req.Set(idx)

	job := &ctldtypes.Job{
		Priority: 1,
		Details:  ctldtypes.JobDetails{MinNodes: 1, RequiredNodes: req},
	}
	res, err := sel.SelectNodes(job, part, true, false)
	require.NoError(t, err)
	assert.True(t, res.Nodes.IsSet(idx))
}

func TestSelectNodesInsufficientCapacityReportsNodesBusy(t *testing.T) {
	n0 := idleNode("n0", 4)
	n0.RunJobCnt = 1
	n0.BaseState = ctldtypes.NodeAllocated
	tb := buildTable(t, n0)
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	job := &ctldtypes.Job{Priority: 1, Details: ctldtypes.JobDetails{MinNodes: 1}}
	_, err := sel.SelectNodes(job, part, true, false)
	require.Error(t, err)
	var ce *coreerrors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, coreerrors.ErrorCodeNodesBusy, ce.Code)
}

func TestSelectNodesRootOnlyPartitionDeniesNonSuperUser(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)
	part.RootOnly = true

	job := &ctldtypes.Job{
		Priority: 1,
		Details:  ctldtypes.JobDetails{MinNodes: 1},
	}
	_, err := sel.SelectNodes(job, part, true, false)
	require.Error(t, err)
	var ce *coreerrors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, coreerrors.ErrorCodeAccessDenied, ce.Code)

	_, err = sel.SelectNodes(job, part, true, true)
	assert.NoError(t, err)
}

func TestSelectNodesGroupRestrictionEnforced(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)
	part.AllowGroups = []string{"hpc"}

	job := &ctldtypes.Job{
		Priority:  1,
		GroupName: "students",
		Details:   ctldtypes.JobDetails{MinNodes: 1},
	}
	_, err := sel.SelectNodes(job, part, true, false)
	require.Error(t, err)
	var ce *coreerrors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, coreerrors.ErrorCodeMissingRequiredPartGrp, ce.Code)

	job.GroupName = "hpc"
	_, err = sel.SelectNodes(job, part, true, false)
	assert.NoError(t, err)
}

func TestSelectNodesSetsWaitReason(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	held := &ctldtypes.Job{Priority: 0, Details: ctldtypes.JobDetails{MinNodes: 1}}
	_, err := sel.SelectNodes(held, part, true, false)
	require.Error(t, err)
	assert.Equal(t, ctldtypes.WaitReasonHeld, held.Details.WaitReason)

	ok := &ctldtypes.Job{Priority: 1, Details: ctldtypes.JobDetails{MinNodes: 1, WaitReason: ctldtypes.WaitReasonResources}}
	_, err = sel.SelectNodes(ok, part, true, false)
	require.NoError(t, err)
	assert.Equal(t, ctldtypes.WaitReasonNone, ok.Details.WaitReason)
}

func TestCheckTopPriority(t *testing.T) {
	job := &ctldtypes.Job{JobID: 2, Priority: 5, Partition: "batch"}
	pending := []*ctldtypes.Job{
		{JobID: 1, Priority: 9, Partition: "batch"},
	}
	err := CheckTopPriority(job, pending)
	require.Error(t, err)
	var ce *coreerrors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, coreerrors.ErrorCodeNotTopPriority, ce.Code)

	// A higher-priority job in a different partition does not block.
	pending[0].Partition = "debug"
	assert.NoError(t, CheckTopPriority(job, pending))
}

// TestSelectNodesTopLevelOrFeature exercises a bare top-level "|": a job
// asking for "fs1|fs2" must place on a node carrying either feature, not
// demand both on one node.
func TestSelectNodesTopLevelOrFeature(t *testing.T) {
	tb := buildTable(t, idleNode("n0", 4, "fs2"))
	sel := New(tb, plugin.New(), false)
	part := partitionOf(tb)

	job := &ctldtypes.Job{
		Priority: 1,
		Details: ctldtypes.JobDetails{
			MinNodes:    1,
			FeatureExpr: "fs1|fs2",
		},
	}
	res, err := sel.SelectNodes(job, part, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Nodes.Count())

	neither := &ctldtypes.Job{
		Priority: 1,
		Details: ctldtypes.JobDetails{
			MinNodes:    1,
			FeatureExpr: "fs3|fs4",
		},
	}
	_, err = sel.SelectNodes(neither, part, true, false)
	assert.Error(t, err)
}
