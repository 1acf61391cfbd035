package msg

import (
	"time"

	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
)

// HeartbeatNode is one peer entry embedded in a Leader's heartbeat body.
type HeartbeatNode struct {
	Id        types.NodeId
	Name      string
	LastSeen  time.Time
	Flags     types.NodeFlags
	Endpoints types.RecentEndpoints
}

// Heartbeat is the cluster-layer wire message. HasState
// distinguishes a bare Servant/Candidate heartbeat from a Leader's
// heartbeat, which carries the full peer list and current designations.
type Heartbeat struct {
	Name        string
	Flags       types.NodeFlags
	HasState    bool
	Elector     types.NodeId
	Master      types.NodeId
	Maintenance bool
	Nodes       []HeartbeatNode
}

func EncodeHeartbeat(enc *codec.Encoder, hb Heartbeat) error {
	enc.String(hb.Name)
	enc.Int(int32(hb.Flags))
	enc.Bool(hb.HasState)
	if !hb.HasState {
		return nil
	}
	enc.UUID(uuid.UUID(hb.Elector))
	enc.UUID(uuid.UUID(hb.Master))
	enc.Bool(hb.Maintenance)
	enc.Int(int32(len(hb.Nodes)))
	for _, n := range hb.Nodes {
		enc.UUID(uuid.UUID(n.Id))
		enc.String(n.Name)
		enc.Time(n.LastSeen)
		enc.Int(int32(n.Flags))
		if err := EncodeEndpointList(enc, n.Endpoints.All()); err != nil {
			return err
		}
	}
	return nil
}

func DecodeHeartbeat(dec *codec.Decoder) (Heartbeat, error) {
	var hb Heartbeat
	var err error

	if hb.Name, err = dec.String(); err != nil {
		return hb, err
	}
	flags, err := dec.Int()
	if err != nil {
		return hb, err
	}
	hb.Flags = types.NodeFlags(flags)

	if hb.HasState, err = dec.Bool(); err != nil {
		return hb, err
	}
	if !hb.HasState {
		return hb, nil
	}

	elector, err := dec.UUID()
	if err != nil {
		return hb, err
	}
	hb.Elector = types.NodeId(elector)

	master, err := dec.UUID()
	if err != nil {
		return hb, err
	}
	hb.Master = types.NodeId(master)

	if hb.Maintenance, err = dec.Bool(); err != nil {
		return hb, err
	}

	n, err := dec.Int()
	if err != nil {
		return hb, err
	}
	hb.Nodes = make([]HeartbeatNode, 0, n)
	for i := int32(0); i < n; i++ {
		var hn HeartbeatNode
		id, err := dec.UUID()
		if err != nil {
			return hb, err
		}
		hn.Id = types.NodeId(id)
		if hn.Name, err = dec.String(); err != nil {
			return hb, err
		}
		if hn.LastSeen, err = dec.Time(); err != nil {
			return hb, err
		}
		f, err := dec.Int()
		if err != nil {
			return hb, err
		}
		hn.Flags = types.NodeFlags(f)
		eps, err := DecodeEndpointList(dec)
		if err != nil {
			return hb, err
		}
		for _, ep := range eps {
			hn.Endpoints.Insert(ep)
		}
		hb.Nodes = append(hb.Nodes, hn)
	}
	return hb, nil
}
