package cluster

import (
	"testing"
	"time"

	"github.com/cuemby/ward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []OutgoingHeartbeat
}

func (f *fakeSender) SendHeartbeat(o OutgoingHeartbeat) { f.sent = append(f.sent, o) }

func idOf(b byte) types.NodeId {
	var u [16]byte
	u[15] = b
	return types.NodeId(u)
}

func TestUncontestedNodeBecomesLeaderAfterLimitTicks(t *testing.T) {
	s := &fakeSender{}
	c := New(idOf(1), "a", true, s)
	now := time.Unix(0, 0)

	// Limit ticks as Servant, then Limit ticks as Candidate.
	for i := 1; i < 2*Limit; i++ {
		c.Update(now)
		if i < Limit {
			assert.Equal(t, types.Servant, c.Mode())
		} else {
			assert.Equal(t, types.Candidate, c.Mode())
		}
	}
	c.Update(now)
	assert.Equal(t, types.Leader, c.Mode())
}

func TestHigherIdWinsElection(t *testing.T) {
	s := &fakeSender{}
	c := New(idOf(1), "low", true, s)
	now := time.Unix(0, 0)

	// Drive self into Candidate.
	for i := 0; i < Limit; i++ {
		c.Update(now)
	}
	require.Equal(t, types.Candidate, c.Mode())

	// A heartbeat from a higher id claiming leadership forces a step-down.
	c.Handle(idOf(2), types.Endpoint{}, Heartbeat{Name: "high", Flags: types.FlagLeader | types.FlagElector}, now)
	assert.Equal(t, types.Servant, c.Mode())
	assert.Equal(t, idOf(2), c.leaderId)
}

func TestLowerIdHeartbeatDoesNotDemoteLeader(t *testing.T) {
	s := &fakeSender{}
	c := New(idOf(9), "leader", true, s)
	now := time.Unix(0, 0)
	for i := 0; i < 2*Limit; i++ {
		c.Update(now)
	}
	require.Equal(t, types.Leader, c.Mode())

	c.Handle(idOf(1), types.Endpoint{}, Heartbeat{Name: "low", Flags: types.FlagLeader}, now)
	assert.Equal(t, types.Leader, c.Mode())
}

func TestPeerTableMergeKeepsRicherName(t *testing.T) {
	s := &fakeSender{}
	c := New(idOf(1), "self", false, s)
	now := time.Unix(0, 0)
	peer := idOf(2)

	c.Handle(peer, types.Endpoint{IP: []byte{10, 0, 0, 1}, Port: 100}, Heartbeat{Name: "node-b"}, now)
	c.Handle(peer, types.Endpoint{IP: []byte{10, 0, 0, 2}, Port: 100}, Heartbeat{Name: ""}, now)

	nodes := c.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-b", nodes[0].Name)
}

func TestStalePeersArePruned(t *testing.T) {
	s := &fakeSender{}
	c := New(idOf(1), "self", false, s)
	start := time.Unix(0, 0)
	c.Handle(idOf(2), types.Endpoint{}, Heartbeat{Name: "b"}, start)
	require.Len(t, c.Nodes(), 1)

	c.Update(start.Add(10 * time.Second))
	assert.Len(t, c.Nodes(), 0)
}

func TestEmbeddedSelfEntryIsIgnored(t *testing.T) {
	s := &fakeSender{}
	self := idOf(1)
	c := New(self, "self", false, s)
	now := time.Unix(0, 0)

	c.Handle(idOf(9), types.Endpoint{}, Heartbeat{
		Name:     "leader",
		Flags:    types.FlagLeader,
		HasState: true,
		Nodes: []HeartbeatNode{
			{Id: self, Name: "self-as-seen-by-leader"},
			{Id: idOf(3), Name: "c"},
		},
	}, now)

	nodes := c.Nodes()
	ids := map[types.NodeId]bool{}
	for _, n := range nodes {
		ids[n.Id] = true
	}
	assert.False(t, ids[self])
	assert.True(t, ids[idOf(3)])
}
