// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package nodetable

import (
	"testing"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable() *Table { return New(nil) }

func TestAddAndLookup(t *testing.T) {
	tb := newTestTable()
	idx := tb.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeIdle})
	assert.Equal(t, 0, idx)

	got, ok := tb.Lookup("n0")
	require.True(t, ok)
	assert.Equal(t, 0, got)

	_, ok = tb.Lookup("missing")
	assert.False(t, ok)
}

func TestDerivedBitmapsIdle(t *testing.T) {
	tb := newTestTable()
	tb.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeIdle})
	tb.Add(&ctldtypes.Node{Name: "n1", BaseState: ctldtypes.NodeDown})

	assert.True(t, tb.Idle().IsSet(0))
	assert.False(t, tb.Idle().IsSet(1))
	assert.True(t, tb.Avail().IsSet(0))
	assert.False(t, tb.Avail().IsSet(1))
}

func TestMakeCompThenMakeIdle(t *testing.T) {
	tb := newTestTable()
	tb.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeAllocated, RunJobCnt: 1})

	tb.MakeComp(0, false)
	n := tb.Get(0)
	assert.Equal(t, int32(0), n.RunJobCnt)
	assert.Equal(t, int32(1), n.CompJobCnt)
	assert.Equal(t, ctldtypes.NodeCompleting, n.BaseState)

	tb.MakeIdle(0)
	n = tb.Get(0)
	assert.Equal(t, int32(0), n.CompJobCnt)
	assert.Equal(t, ctldtypes.NodeIdle, n.BaseState)
	assert.True(t, tb.Idle().IsSet(0))
}

func TestMakeIdleDrainingBecomesDrained(t *testing.T) {
	tb := newTestTable()
	tb.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeDraining, CompJobCnt: 1})
	tb.MakeIdle(0)
	assert.Equal(t, ctldtypes.NodeDrained, tb.Get(0).BaseState)
}

func TestMakeIdleNeverReopensDown(t *testing.T) {
	tb := newTestTable()
	tb.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeDown, CompJobCnt: 1})
	tb.MakeIdle(0)
	assert.Equal(t, ctldtypes.NodeDown, tb.Get(0).BaseState)
}

func TestSetDown(t *testing.T) {
	tb := newTestTable()
	tb.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeIdle})
	tb.SetDown(0, "Not responding")
	n := tb.Get(0)
	assert.Equal(t, ctldtypes.NodeDown, n.BaseState)
	assert.Equal(t, "Not responding", n.Reason)
	assert.False(t, tb.Avail().IsSet(0))
}

func TestResolveAndNames(t *testing.T) {
	tb := newTestTable()
	tb.Add(&ctldtypes.Node{Name: "n0"})
	tb.Add(&ctldtypes.Node{Name: "n1"})
	tb.Add(&ctldtypes.Node{Name: "n2"})

	b := tb.Resolve([]string{"n0", "n2", "missing"})
	assert.True(t, b.IsSet(0))
	assert.False(t, b.IsSet(1))
	assert.True(t, b.IsSet(2))

	names := tb.Names(b)
	assert.ElementsMatch(t, []string{"n0", "n2"}, names)
}

func TestFeatureBitmap(t *testing.T) {
	tb := newTestTable()
	tb.Add(&ctldtypes.Node{Name: "n0", Features: []string{"gpu", "fast"}})
	tb.Add(&ctldtypes.Node{Name: "n1", Features: []string{"gpu"}})
	tb.Add(&ctldtypes.Node{Name: "n2", Features: []string{"fast"}})

	gpu := tb.FeatureBitmap("gpu")
	assert.True(t, gpu.IsSet(0))
	assert.True(t, gpu.IsSet(1))
	assert.False(t, gpu.IsSet(2))
}
