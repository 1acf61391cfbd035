package msg

import (
	"time"

	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
)

// StateUpdate is the elector->runner periodic wire message.
// MasterId is uuid.Nil when there is currently no master.
type StateUpdate struct {
	Uptime         uint64
	MasterId       types.NodeId
	MasterLastSeen time.Time
	MasterName     string
	MasterEndpoint types.Endpoint
}

func EncodeStateUpdate(enc *codec.Encoder, s StateUpdate) error {
	enc.Uint64(s.Uptime)
	enc.UUID(uuid.UUID(s.MasterId))
	if s.MasterId == types.NilNodeId {
		return nil
	}
	enc.Time(s.MasterLastSeen)
	enc.String(s.MasterName)
	return EncodeEndpoint(enc, s.MasterEndpoint)
}

func DecodeStateUpdate(dec *codec.Decoder) (StateUpdate, error) {
	var s StateUpdate
	var err error

	if s.Uptime, err = dec.Uint64(); err != nil {
		return s, err
	}
	master, err := dec.UUID()
	if err != nil {
		return s, err
	}
	s.MasterId = types.NodeId(master)
	if s.MasterId == types.NilNodeId {
		return s, nil
	}

	if s.MasterLastSeen, err = dec.Time(); err != nil {
		return s, err
	}
	if s.MasterName, err = dec.String(); err != nil {
		return s, err
	}
	if s.MasterEndpoint, err = DecodeEndpoint(dec); err != nil {
		return s, err
	}
	return s, nil
}
