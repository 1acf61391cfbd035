package elector

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []msg.StateUpdate
}

func (f *fakeSender) SendStateUpdate(_ types.Endpoint, s msg.StateUpdate) { f.sent = append(f.sent, s) }

func nodeId(b byte) types.NodeId {
	var u [16]byte
	u[15] = b
	return types.NodeId(u)
}

func cfg() Config {
	return Config{
		MasterDeadTime:          5 * time.Second,
		InitialPromotionDelay:   0,
		FailurePromotionTimeout: time.Minute,
		ForgetTerminalAfter:     30 * time.Minute,
	}
}

func report(name string, state types.State, mode types.RunnerMode) msg.HealthReport {
	return msg.HealthReport{Name: name, State: state, Mode: mode}
}

func TestElectsHighestUptimeCandidate(t *testing.T) {
	s := &fakeSender{}
	e := New(uuid.New(), cfg(), s, time.Unix(0, 0))
	now := time.Unix(100, 0)

	a, b := nodeId(1), nodeId(2)
	ep := types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	e.HandleHealthReport(a, ep, report("a", types.StateLive, types.Active), now)
	e.HandleHealthReport(b, ep, report("b", types.StateLive, types.Active), now)
	e.runners[a].Uptime = 10 * time.Second
	e.runners[b].Uptime = 50 * time.Second

	e.Tick(now, true)
	assert.Equal(t, b, e.MasterId())
}

func TestManualPromoteOverridesElection(t *testing.T) {
	s := &fakeSender{}
	e := New(uuid.New(), cfg(), s, time.Unix(0, 0))
	now := time.Unix(100, 0)

	a, b := nodeId(1), nodeId(2)
	ep := types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	e.HandleHealthReport(a, ep, report("a", types.StateLive, types.Active), now)
	e.HandleHealthReport(b, ep, report("b", types.StateLive, types.Active), now)
	e.runners[b].Uptime = 999 * time.Second

	require.True(t, e.Promote("a"))
	e.Tick(now, true)
	assert.Equal(t, a, e.MasterId())
}

func TestNoQuorumBlocksElection(t *testing.T) {
	s := &fakeSender{}
	e := New(uuid.New(), cfg(), s, time.Unix(0, 0))
	now := time.Unix(100, 0)

	a := nodeId(1)
	ep := types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	e.HandleHealthReport(a, ep, report("a", types.StateLive, types.Active), now)

	e.Tick(now, false)
	assert.Equal(t, types.NilNodeId, e.MasterId())
}

func TestFailedServiceRunnerRecordedInFailureLog(t *testing.T) {
	s := &fakeSender{}
	e := New(uuid.New(), cfg(), s, time.Unix(0, 0))
	now := time.Unix(100, 0)

	a := nodeId(1)
	ep := types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	r := report("a", types.StateLive, types.Active)
	r.Services = []msg.ServiceReport{{Name: "web", Failed: true}}
	e.HandleHealthReport(a, ep, r, now)

	e.Tick(now, true)
	failures := e.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "a", failures[0].Name)
}

func TestDemoteEntersManualModeAndClearsMaster(t *testing.T) {
	s := &fakeSender{}
	e := New(uuid.New(), cfg(), s, time.Unix(0, 0))
	now := time.Unix(100, 0)

	a := nodeId(1)
	ep := types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	e.HandleHealthReport(a, ep, report("a", types.StateLive, types.Active), now)
	e.Tick(now, true)
	require.Equal(t, a, e.MasterId())

	e.Demote()
	e.Tick(now, true)
	assert.Equal(t, types.NilNodeId, e.MasterId())
}
