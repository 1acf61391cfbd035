package cluster

import (
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
)

// Heartbeat and HeartbeatNode are the cluster layer's view of the wire
// schema defined in pkg/msg.
type Heartbeat = msg.Heartbeat
type HeartbeatNode = msg.HeartbeatNode

// OutgoingHeartbeat is what Cluster asks its Sender to transmit. Peers
// carries the cluster's own snapshot of known peer endpoints for a
// broadcast, so the sender never has to call back into the (locked)
// cluster to enumerate them.
type OutgoingHeartbeat struct {
	Msg       Heartbeat
	Broadcast bool             // true: send to multicast + every known unicast peer
	Peers     []types.Endpoint // broadcast recipients known to the cluster
	Target    types.Endpoint   // set when Broadcast is false: unicast-only reply
}

// Sender is the single registered handler Cluster emits outbound
// heartbeats to.
type Sender interface {
	SendHeartbeat(OutgoingHeartbeat)
}
