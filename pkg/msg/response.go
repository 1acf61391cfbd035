package msg

import (
	"fmt"
	"time"

	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
)

// RPCValue is one value in a Response's key/value map. Exactly one of the
// typed fields is meaningful, selected by Kind.
type RPCValue struct {
	Kind RPCValueKind
	B    bool
	I    int32
	S    string
	U    types.NodeId
	List []string
	Data []byte
	T    time.Time
}

type RPCValueKind uint8

const (
	RPCBool RPCValueKind = iota
	RPCInt
	RPCString
	RPCUUID
	RPCStringList
	RPCBytes
	RPCTime
)

func BoolValue(b bool) RPCValue            { return RPCValue{Kind: RPCBool, B: b} }
func IntValue(i int32) RPCValue            { return RPCValue{Kind: RPCInt, I: i} }
func StringValue(s string) RPCValue        { return RPCValue{Kind: RPCString, S: s} }
func UUIDValue(u types.NodeId) RPCValue    { return RPCValue{Kind: RPCUUID, U: u} }
func StringListValue(l []string) RPCValue  { return RPCValue{Kind: RPCStringList, List: l} }
func BytesValue(b []byte) RPCValue         { return RPCValue{Kind: RPCBytes, Data: b} }
func TimeValue(t time.Time) RPCValue       { return RPCValue{Kind: RPCTime, T: t} }

// Response is the reply wire message: an interleaved key/value
// map of RPCValues.
type Response struct {
	Values map[string]RPCValue
}

func EncodeResponse(enc *codec.Encoder, r Response) error {
	enc.Int(int32(len(r.Values)))
	for k, v := range r.Values {
		enc.String(k)
		if err := encodeRPCValue(enc, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeRPCValue(enc *codec.Encoder, v RPCValue) error {
	switch v.Kind {
	case RPCBool:
		enc.Bool(v.B)
	case RPCInt:
		enc.Int(v.I)
	case RPCString:
		enc.String(v.S)
	case RPCUUID:
		enc.UUID(uuid.UUID(v.U))
	case RPCStringList:
		enc.BeginList()
		for _, s := range v.List {
			enc.String(s)
		}
		return enc.EndList()
	case RPCBytes:
		return enc.RawData(v.Data)
	case RPCTime:
		enc.Time(v.T)
	default:
		return fmt.Errorf("msg: unknown RPCValue kind %d", v.Kind)
	}
	return nil
}

func DecodeResponse(dec *codec.Decoder) (Response, error) {
	r := Response{Values: make(map[string]RPCValue)}
	n, err := dec.Int()
	if err != nil {
		return r, err
	}
	for i := int32(0); i < n; i++ {
		key, err := dec.String()
		if err != nil {
			return r, err
		}
		v, err := decodeRPCValue(dec)
		if err != nil {
			return r, err
		}
		r.Values[key] = v
	}
	return r, nil
}

func decodeRPCValue(dec *codec.Decoder) (RPCValue, error) {
	tag, err := dec.PeekTag()
	if err != nil {
		return RPCValue{}, err
	}
	switch tag {
	case codec.TagBool:
		b, err := dec.Bool()
		return BoolValue(b), err
	case codec.TagSmallInt, codec.TagUint8, codec.TagUint16, codec.TagInt:
		i, err := dec.Int()
		return IntValue(i), err
	case codec.TagUint64:
		u, err := dec.Uint64()
		return IntValue(int32(u)), err
	case codec.TagString, codec.TagSmallString:
		s, err := dec.String()
		return StringValue(s), err
	case codec.TagUUID, codec.TagNilUUID:
		u, err := dec.UUID()
		return UUIDValue(types.NodeId(u)), err
	case codec.TagPosixTime:
		t, err := dec.Time()
		return TimeValue(t), err
	case codec.TagRawData:
		d, err := dec.RawData()
		return BytesValue(d), err
	case codec.TagList, codec.TagBigList:
		if err := dec.BeginList(); err != nil {
			return RPCValue{}, err
		}
		var list []string
		for dec.More() {
			s, err := dec.String()
			if err != nil {
				return RPCValue{}, err
			}
			list = append(list, s)
		}
		if err := dec.EndList(); err != nil {
			return RPCValue{}, err
		}
		return StringListValue(list), nil
	default:
		return RPCValue{}, fmt.Errorf("msg: unsupported RPCValue tag %s", tag)
	}
}
