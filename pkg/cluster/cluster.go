// Package cluster implements the gossip-and-elect membership layer:
// every node runs a Servant/Candidate/Leader state machine,
// with the largest node id winning ties, and the current Leader broadcasts
// the authoritative peer table to the rest of the cluster.
package cluster

import (
	"sync"
	"time"

	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/types"
)

// Limit is the number of ticks a node waits before advancing a stage:
// Servant->Candidate after Limit ticks with no higher-id leader heartbeat,
// Candidate->Leader after Limit ticks uncontested.
const Limit = 4

// defaultPruneAfter is how long a peer is kept after its last heartbeat before
// being dropped from the table.
const defaultPruneAfter = 5 * time.Second

// Cluster owns the peer table and the local node's election state.
type Cluster struct {
	mu sync.Mutex

	selfId         types.NodeId
	selfName       string
	electorCapable bool
	runnerCapable  bool

	mode types.ClusterMode
	tick int64

	leaderId           types.NodeId
	leaderLastSeenTick int64
	candidateSinceTick int64

	electorId types.NodeId
	masterId  types.NodeId

	nodes       map[types.NodeId]*types.ClusterNode
	pruneAfter  time.Duration
	maintenance bool

	sender Sender

	onUp          func()
	onDown        func()
	onStateChange func()
}

// New constructs a Cluster for a node that is not yet participating
// (starts as Servant). electorCapable gates whether this node may ever
// advance past Servant.
func New(selfId types.NodeId, selfName string, electorCapable bool, sender Sender) *Cluster {
	return &Cluster{
		selfId:         selfId,
		selfName:       selfName,
		electorCapable: electorCapable,
		mode:           types.Servant,
		nodes:          make(map[types.NodeId]*types.ClusterNode),
		pruneAfter:     defaultPruneAfter,
		sender:         sender,
	}
}

// SetCallbacks registers the three observer hooks.
func (c *Cluster) SetCallbacks(onUp, onDown, onStateChange func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUp, c.onDown, c.onStateChange = onUp, onDown, onStateChange
}

// SetRunnerFlag marks this node as carrying a runner in its advertised
// flags.
func (c *Cluster) SetRunnerFlag(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runnerCapable = on
}

// SetKnownElector lets a node running an embedded elector instance (i.e.
// this node is the cluster Leader) publish its own id as the elector of
// record in its outgoing heartbeats.
func (c *Cluster) SetKnownElector(id types.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.electorId = id
}

// SetKnownMaster lets a node running an embedded elector instance publish
// that elector's current master choice in its outgoing heartbeats.
func (c *Cluster) SetKnownMaster(id types.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masterId = id
}

// SetMaintenance toggles the maintenance flag advertised in this node's
// leader heartbeats.
func (c *Cluster) SetMaintenance(m bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maintenance = m
}

func (c *Cluster) Mode() types.ClusterMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Cluster) ElectorId() types.NodeId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.electorId
}

func (c *Cluster) MasterId() types.NodeId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterId
}

// Nodes returns a snapshot copy of the peer table. Self is not a peer
// and never appears in it.
func (c *Cluster) Nodes() []types.ClusterNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ClusterNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, *n)
	}
	return out
}

// FindNode returns a copy of the peer with the given id.
func (c *Cluster) FindNode(id types.NodeId) (types.ClusterNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return *n, true
	}
	return types.ClusterNode{}, false
}

// FindByName returns a copy of the peer with the given display name.
func (c *Cluster) FindByName(name string) (types.ClusterNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.Name == name {
			return *n, true
		}
	}
	return types.ClusterNode{}, false
}

// greater implements the tie-break rule: the larger UUID wins.
func greater(a, b types.NodeId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// Handle processes one inbound heartbeat from senderId, observed arriving
// from the network address `from` (which may differ from any endpoint the
// sender advertises about itself, e.g. across NAT).
func (c *Cluster) Handle(senderId types.NodeId, from types.Endpoint, hb Heartbeat, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.upsertPeer(senderId, from, hb.Name, hb.Flags, now)

	if hb.Flags.Has(types.FlagElector) && c.electorId != senderId {
		c.electorId = senderId
		c.notifyStateChange()
	}

	isLeaderHb := hb.Flags.Has(types.FlagLeader)
	if hb.HasState {
		c.mergeEmbeddedNodes(hb.Nodes)
		if hb.Elector != types.NilNodeId && c.electorId != hb.Elector {
			c.electorId = hb.Elector
			c.notifyStateChange()
		}
		if hb.Master != types.NilNodeId && c.masterId != hb.Master {
			c.masterId = hb.Master
			c.notifyStateChange()
		}
	}

	if !isLeaderHb || !greater(senderId, c.selfId) {
		return
	}

	switch c.mode {
	case types.Servant:
		c.leaderId = senderId
		c.leaderLastSeenTick = c.tick
		c.replyToLeader(from)
	case types.Candidate, types.Leader:
		c.stepDownToServant(senderId, from)
	}
}

func (c *Cluster) replyToLeader(to types.Endpoint) {
	c.sender.SendHeartbeat(OutgoingHeartbeat{
		Msg:    Heartbeat{Name: c.selfName, Flags: c.selfFlags()},
		Target: to,
	})
}

func (c *Cluster) stepDownToServant(newLeader types.NodeId, from types.Endpoint) {
	wasLeader := c.mode == types.Leader
	c.mode = types.Servant
	c.leaderId = newLeader
	c.leaderLastSeenTick = c.tick
	if wasLeader {
		log.Logger.Info().Str("new_leader", newLeader.String()).Msg("cluster: stepping down, higher id observed")
		if c.onDown != nil {
			c.onDown()
		}
	}
	c.replyToLeader(from)
}

func (c *Cluster) selfFlags() types.NodeFlags {
	f := types.NodeFlags(0)
	if c.electorCapable {
		f |= types.FlagElector
	}
	if c.runnerCapable {
		f |= types.FlagRunner
	}
	// Candidates claim leadership too: that is how two candidates find
	// out about each other and collapse to the larger id.
	if c.mode == types.Leader || c.mode == types.Candidate {
		f |= types.FlagLeader
	}
	return f
}

// Update advances the tick counter and runs one round of the per-mode
// state machine. Call this on a fixed interval.
func (c *Cluster) Update(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	c.pruneStalePeers(now)

	switch c.mode {
	case types.Servant:
		if c.electorCapable && c.tick-c.leaderLastSeenTick >= Limit {
			c.mode = types.Candidate
			c.candidateSinceTick = c.tick
			log.Logger.Info().Msg("cluster: no leader heard from, becoming candidate")
		}
	case types.Candidate:
		c.broadcast(now)
		if c.tick-c.candidateSinceTick >= Limit {
			c.mode = types.Leader
			log.Logger.Info().Msg("cluster: uncontested, becoming leader")
			if c.onUp != nil {
				c.onUp()
			}
		}
	case types.Leader:
		c.broadcast(now)
	}
}

func (c *Cluster) broadcast(now time.Time) {
	hb := Heartbeat{Name: c.selfName, Flags: c.selfFlags(), Maintenance: c.maintenance}
	if c.mode == types.Leader {
		hb.HasState = true
		hb.Elector = c.electorId
		hb.Master = c.masterId
		hb.Nodes = c.snapshotForBroadcast(now)
	}
	peers := make([]types.Endpoint, 0, len(c.nodes))
	for _, n := range c.nodes {
		if ep, ok := n.Endpoints.Preferred(); ok {
			peers = append(peers, ep)
		}
	}
	c.sender.SendHeartbeat(OutgoingHeartbeat{Msg: hb, Broadcast: true, Peers: peers})
}

func (c *Cluster) snapshotForBroadcast(now time.Time) []HeartbeatNode {
	out := make([]HeartbeatNode, 0, len(c.nodes)+1)
	out = append(out, HeartbeatNode{Id: c.selfId, Name: c.selfName, LastSeen: now, Flags: c.selfFlags()})
	for id, n := range c.nodes {
		out = append(out, HeartbeatNode{Id: id, Name: n.Name, LastSeen: n.LastSeen, Flags: n.Flags, Endpoints: n.Endpoints})
	}
	return out
}

// upsertPeer inserts or updates senderId's entry in the peer table.
func (c *Cluster) upsertPeer(id types.NodeId, from types.Endpoint, name string, flags types.NodeFlags, now time.Time) {
	n, ok := c.nodes[id]
	if !ok {
		n = &types.ClusterNode{Id: id}
		c.nodes[id] = n
	}
	// Keep the richer existing name if the incoming record doesn't carry one.
	if name != "" {
		n.Name = name
	}
	n.Flags = flags
	n.LastSeen = now
	n.Endpoints.Insert(from)
}

// mergeEmbeddedNodes absorbs a Leader's embedded peer list. The leader's
// own entry carries no endpoints; its reachable address was already taken
// from the observed UDP source in upsertPeer, which always beats whatever
// a relayed entry claims.
func (c *Cluster) mergeEmbeddedNodes(embedded []HeartbeatNode) {
	for _, hn := range embedded {
		if hn.Id == c.selfId {
			continue
		}
		n, ok := c.nodes[hn.Id]
		if !ok {
			n = &types.ClusterNode{Id: hn.Id}
			c.nodes[hn.Id] = n
		}
		if hn.Name != "" {
			n.Name = hn.Name
		}
		n.Flags = hn.Flags
		if hn.LastSeen.After(n.LastSeen) {
			n.LastSeen = hn.LastSeen
		}
		n.Endpoints.Merge(hn.Endpoints)
	}
}

func (c *Cluster) pruneStalePeers(now time.Time) {
	for id, n := range c.nodes {
		if now.Sub(n.LastSeen) > c.pruneAfter {
			delete(c.nodes, id)
		}
	}
}

func (c *Cluster) notifyStateChange() {
	if c.onStateChange != nil {
		c.onStateChange()
	}
}
