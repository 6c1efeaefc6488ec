// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package ping

import (
	"testing"
	"time"

	"github.com/jontk/slurmctld-core/internal/ctldtypes"
	"github.com/jontk/slurmctld-core/internal/locks"
	"github.com/jontk/slurmctld-core/internal/nodetable"
	"github.com/jontk/slurmctld-core/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	requests []*ctldtypes.AgentRequest
}

func (f *fakeDispatcher) QueueRequest(req *ctldtypes.AgentRequest, urgent bool) {
	f.requests = append(f.requests, req)
}

type fakeCounter struct {
	begins int
}

func (f *fakeCounter) PingBegin()       { f.begins++ }
func (f *fakeCounter) IsPingDone() bool { return f.begins == 0 }

func testConfig() *config.Config {
	return &config.Config{
		TreeWidth:       2,
		MaxRegFrequency: 3,
		SlurmdTimeout:   30 * time.Minute,
	}
}

func TestTickRequestsRegistrationForUnknownNode(t *testing.T) {
	nt := nodetable.New(nil)
	nt.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeUnknown})
	dom := locks.NewDomain()
	disp := &fakeDispatcher{}
	counter := &fakeCounter{}
	s := New(nt, dom, testConfig(), disp, counter, nil)

	s.Tick()

	require.Len(t, disp.requests, 1)
	assert.Equal(t, ctldtypes.MsgNodeRegistrationStatus, disp.requests[0].MsgType)
	assert.Equal(t, []string{"n0"}, disp.requests[0].TargetNames)
}

func TestTickMarksStaleNodeDown(t *testing.T) {
	nt := nodetable.New(nil)
	nt.Add(&ctldtypes.Node{
		Name:         "n0",
		BaseState:    ctldtypes.NodeIdle,
		LastResponse: time.Now().Add(-time.Hour),
	})
	dom := locks.NewDomain()
	disp := &fakeDispatcher{}
	s := New(nt, dom, testConfig(), disp, &fakeCounter{}, nil)

	s.Tick()

	assert.Equal(t, ctldtypes.NodeDown, nt.GetByName("n0").BaseState)
	assert.Empty(t, disp.requests)
}

func TestTickPingsNodeApproachingTimeout(t *testing.T) {
	nt := nodetable.New(nil)
	cfg := testConfig()
	nt.Add(&ctldtypes.Node{
		Name:         "n0",
		BaseState:    ctldtypes.NodeIdle,
		LastResponse: time.Now().Add(-cfg.SlurmdTimeout / 2),
	})
	dom := locks.NewDomain()
	disp := &fakeDispatcher{}
	counter := &fakeCounter{}
	s := New(nt, dom, cfg, disp, counter, nil)

	s.Tick()

	require.Len(t, disp.requests, 1)
	assert.Equal(t, ctldtypes.MsgPing, disp.requests[0].MsgType)
	assert.Equal(t, 1, counter.begins)
}

func TestTickSkipsFutureAndPowerSaveNodes(t *testing.T) {
	nt := nodetable.New(nil)
	nt.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeFuture})
	nt.Add(&ctldtypes.Node{Name: "n1", BaseState: ctldtypes.NodePowerSave})
	dom := locks.NewDomain()
	disp := &fakeDispatcher{}
	s := New(nt, dom, testConfig(), disp, &fakeCounter{}, nil)

	s.Tick()

	assert.Empty(t, disp.requests)
}

func TestTickWindowWrapsAcrossTable(t *testing.T) {
	nt := nodetable.New(nil)
	for _, name := range []string{"n0", "n1", "n2", "n3", "n5"} {
		nt.Add(&ctldtypes.Node{Name: name, BaseState: ctldtypes.NodeIdle, LastResponse: time.Now()})
	}
	dom := locks.NewDomain()
	cfg := testConfig()
	s := New(nt, dom, cfg, &fakeDispatcher{}, &fakeCounter{}, nil)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		s.Tick()
		seen[s.cursor] = true
	}
	// 5 nodes, width 2: the cursor goes 2, 4, then wraps past the end to 1.
	assert.Equal(t, map[int]bool{2: true, 4: true, 1: true}, seen)
}

func TestHealthCheckTargetsNonDownNonFuture(t *testing.T) {
	nt := nodetable.New(nil)
	nt.Add(&ctldtypes.Node{Name: "n0", BaseState: ctldtypes.NodeIdle})
	nt.Add(&ctldtypes.Node{Name: "n1", BaseState: ctldtypes.NodeDown})
	nt.Add(&ctldtypes.Node{Name: "n2", BaseState: ctldtypes.NodeFuture})
	dom := locks.NewDomain()
	disp := &fakeDispatcher{}
	s := New(nt, dom, testConfig(), disp, &fakeCounter{}, nil)

	s.HealthCheck()

	require.Len(t, disp.requests, 1)
	assert.Equal(t, ctldtypes.MsgHealthCheck, disp.requests[0].MsgType)
	assert.Equal(t, []string{"n0"}, disp.requests[0].TargetNames)
}
