// Package msg defines the wire schema layered on top of the codec:
// the common envelope header every datagram carries, and the five
// message kinds (HeartBeat, HealthReport, StateUpdate, Request,
// Response) that follow it in the same self-describing list.
package msg

import (
	"fmt"

	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
)

// Op identifies the message kind carried after the envelope header.
type Op uint8

const (
	OpHealthReport Op = 0
	OpStateUpdate  Op = 1
	OpRequest      Op = 2
	OpResponse     Op = 3
	OpHeartBeat    Op = 4
)

func (o Op) String() string {
	switch o {
	case OpHealthReport:
		return "HealthReport"
	case OpStateUpdate:
		return "StateUpdate"
	case OpRequest:
		return "Request"
	case OpResponse:
		return "Response"
	case OpHeartBeat:
		return "HeartBeat"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// WireVersion is the 8-bit constant every envelope carries; a mismatch
// causes the receiver to drop the datagram.
const WireVersion uint8 = 1

// ErrVersionMismatch is returned by DecodeHeader when the envelope's
// version does not match WireVersion.
var ErrVersionMismatch = fmt.Errorf("msg: wire version mismatch")

// Header is the fixed tuple prefixing every message body:
// (version, seq, op, cluster_id, sender_id).
type Header struct {
	Version   uint8
	Seq       uint32
	Op        Op
	ClusterId uint8
	SenderId  types.NodeId
}

// EncodeHeader appends the header fields to enc. The caller encodes the
// op-specific body immediately afterward, in the same list. Seq rides
// the auto-narrowing integer encoding like every other header field; a
// wrapped-past-2^31 counter round-trips through the int32 cast.
func EncodeHeader(enc *codec.Encoder, h Header) {
	enc.Int(int32(h.Version))
	enc.Int(int32(h.Seq))
	enc.Int(int32(h.Op))
	enc.Int(int32(h.ClusterId))
	enc.UUID(uuid.UUID(h.SenderId))
}

// DecodeHeader reads the header fields from dec and validates the wire
// version.
func DecodeHeader(dec *codec.Decoder) (Header, error) {
	var h Header
	version, err := dec.Int()
	if err != nil {
		return h, err
	}
	if uint8(version) != WireVersion {
		return h, ErrVersionMismatch
	}
	h.Version = uint8(version)

	seq, err := dec.Int()
	if err != nil {
		return h, err
	}
	h.Seq = uint32(seq)

	op, err := dec.Int()
	if err != nil {
		return h, err
	}
	h.Op = Op(op)

	clusterId, err := dec.Int()
	if err != nil {
		return h, err
	}
	h.ClusterId = uint8(clusterId)

	sender, err := dec.UUID()
	if err != nil {
		return h, err
	}
	h.SenderId = types.NodeId(sender)

	return h, nil
}

// NewEncoder starts a fresh message with its header already written.
func NewEncoder(h Header) *codec.Encoder {
	enc := codec.NewEncoder()
	EncodeHeader(enc, h)
	return enc
}
