package msg

import (
	"fmt"
	"net"

	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/types"
)

// Endpoints are packed as raw bytes: 4-byte IPv4 + 2-byte big-endian port
// (6 bytes total), or 16-byte IPv6 + 2-byte port (18 bytes total).
func EncodeEndpoint(enc *codec.Encoder, ep types.Endpoint) error {
	var raw []byte
	if v4 := ep.IP.To4(); v4 != nil {
		raw = make([]byte, 6)
		copy(raw, v4)
	} else {
		raw = make([]byte, 18)
		copy(raw, ep.IP.To16())
	}
	raw[len(raw)-2] = byte(ep.Port >> 8)
	raw[len(raw)-1] = byte(ep.Port)
	return enc.RawData(raw)
}

func DecodeEndpoint(dec *codec.Decoder) (types.Endpoint, error) {
	raw, err := dec.RawData()
	if err != nil {
		return types.Endpoint{}, err
	}
	switch len(raw) {
	case 6:
		return types.Endpoint{IP: net.IP(raw[:4]), Port: uint16(raw[4])<<8 | uint16(raw[5])}, nil
	case 18:
		return types.Endpoint{IP: net.IP(raw[:16]), Port: uint16(raw[16])<<8 | uint16(raw[17])}, nil
	default:
		return types.Endpoint{}, fmt.Errorf("msg: bad endpoint encoding length %d", len(raw))
	}
}

func EncodeEndpointList(enc *codec.Encoder, eps []types.Endpoint) error {
	enc.BeginList()
	for _, ep := range eps {
		if err := EncodeEndpoint(enc, ep); err != nil {
			return err
		}
	}
	return enc.EndList()
}

func DecodeEndpointList(dec *codec.Decoder) ([]types.Endpoint, error) {
	if err := dec.BeginList(); err != nil {
		return nil, err
	}
	var out []types.Endpoint
	for dec.More() {
		ep, err := DecodeEndpoint(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if err := dec.EndList(); err != nil {
		return nil, err
	}
	return out, nil
}
