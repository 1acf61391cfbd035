package nexus

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/ward/pkg/config"
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNexus(t *testing.T) *Nexus {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Port = 0 // ephemeral
	cfg.Node.Runner = false
	cfg.Cluster.Password = "secret"

	n, err := New(cfg, types.NewNodeId(), "test-node")
	require.NoError(t, err)
	t.Cleanup(func() { n.tr.Close() })
	return n
}

func TestDispatchLocal(t *testing.T) {
	n := testNexus(t)

	resp := n.dispatch(msg.Request{Cmd: "local"}, time.Now())

	assert.Equal(t, "test-node", resp.Values["name"].S)
	assert.Equal(t, n.selfId, resp.Values["id"].U)
	assert.False(t, resp.Values["runner"].B)
}

func TestDispatchReconfigureSetsReloadFlag(t *testing.T) {
	n := testNexus(t)

	resp := n.dispatch(msg.Request{Cmd: "reconfigure"}, time.Now())

	assert.True(t, resp.Values["ok"].B)
	assert.True(t, n.ReloadRequested())
	assert.False(t, n.ReloadRequested(), "flag reads once")
}

func TestDispatchUnknownCommand(t *testing.T) {
	n := testNexus(t)

	resp := n.dispatch(msg.Request{Cmd: "frobnicate"}, time.Now())

	assert.Contains(t, resp.Values["error"].S, "unknown command")
}

func TestElectorCommandsErrorWithoutElector(t *testing.T) {
	n := testNexus(t)

	resp := n.dispatch(msg.Request{Cmd: "promote", Args: []string{"alpha"}}, time.Now())

	assert.Equal(t, "no elector available", resp.Values["error"].S)
}

func TestTargetedCommandRedirectsToKnownNode(t *testing.T) {
	n := testNexus(t)
	now := time.Now()

	peer := types.NewNodeId()
	from := types.Endpoint{IP: net.IPv4(10, 0, 0, 7), Port: 4510}
	n.cluster.Handle(peer, from, msg.Heartbeat{Name: "gamma"}, now)

	resp := n.dispatch(msg.Request{Cmd: "start", Args: []string{"gamma"}}, now)

	assert.Equal(t, from.String(), resp.Values["redirect"].S)
	assert.Equal(t, "gamma", resp.Values["node"].S)
}

func TestTargetedCommandUnknownNode(t *testing.T) {
	n := testNexus(t)

	resp := n.dispatch(msg.Request{Cmd: "stop", Args: []string{"nobody"}}, time.Now())

	assert.Contains(t, resp.Values["error"].S, "unknown node")
}

func TestAcceptSequenceGate(t *testing.T) {
	n := testNexus(t)
	sender := uuid.New()

	first := inbound{hdr: msg.Header{SenderId: sender, Seq: 5}}
	assert.True(t, n.accept(first))

	dup := inbound{hdr: msg.Header{SenderId: sender, Seq: 5}}
	assert.False(t, n.accept(dup))

	older := inbound{hdr: msg.Header{SenderId: sender, Seq: 3}}
	assert.False(t, n.accept(older))

	newer := inbound{hdr: msg.Header{SenderId: sender, Seq: 6}}
	assert.True(t, n.accept(newer))
}

func TestRestartDetectionResetsSequence(t *testing.T) {
	n := testNexus(t)
	sender := uuid.New()

	up := inbound{
		hdr:   msg.Header{SenderId: sender, Seq: 100},
		state: &msg.StateUpdate{Uptime: 50000},
	}
	require.True(t, n.accept(up))

	// A restarted elector starts over with a low sequence number and a
	// low uptime; the gate must accept it.
	restarted := inbound{
		hdr:   msg.Header{SenderId: sender, Seq: 2},
		state: &msg.StateUpdate{Uptime: 1000},
	}
	assert.True(t, n.accept(restarted))

	next := inbound{
		hdr:   msg.Header{SenderId: sender, Seq: 3},
		state: &msg.StateUpdate{Uptime: 2000},
	}
	assert.True(t, n.accept(next))
}

func TestQuorumCountsSelf(t *testing.T) {
	n := testNexus(t)
	n.cfg.Cluster.Quorum = 2
	assert.False(t, n.hasQuorum())

	n.cluster.Handle(types.NewNodeId(), types.Endpoint{IP: net.IPv4(10, 0, 0, 8), Port: 4510}, msg.Heartbeat{Name: "b"}, time.Now())
	assert.True(t, n.hasQuorum())
}
