package msg

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, enc *codec.Encoder) *codec.Decoder {
	t.Helper()
	b, err := enc.Bytes()
	require.NoError(t, err)
	dec, err := codec.NewDecoder(b)
	require.NoError(t, err)
	return dec
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: WireVersion, Seq: 42, Op: OpHeartBeat, ClusterId: 3, SenderId: types.NewNodeId()}
	enc := NewEncoder(h)
	dec := decode(t, enc)

	got, err := DecodeHeader(dec)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderVersionMismatchRejected(t *testing.T) {
	enc := codec.NewEncoder()
	enc.Int(int32(WireVersion + 1))
	enc.Uint64(1)
	enc.Int(int32(OpHeartBeat))
	enc.Int(0)
	enc.UUID(uuid.New())
	dec := decode(t, enc)

	_, err := DecodeHeader(dec)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := Heartbeat{Name: "node-a", Flags: types.FlagElector}
	enc := codec.NewEncoder()
	require.NoError(t, EncodeHeartbeat(enc, hb))
	dec := decode(t, enc)

	got, err := DecodeHeartbeat(dec)
	require.NoError(t, err)
	require.Equal(t, hb.Name, got.Name)
	require.False(t, got.HasState)
}

func TestHeartbeatWithStateRoundTrip(t *testing.T) {
	self := types.NewNodeId()
	hb := Heartbeat{
		Name:        "leader",
		Flags:       types.FlagLeader | types.FlagElector,
		HasState:    true,
		Elector:     self,
		Master:      types.NewNodeId(),
		Maintenance: true,
		Nodes: []HeartbeatNode{
			{Id: self, Name: "leader", LastSeen: time.Unix(1000, 0).UTC()},
		},
	}
	ep := types.Endpoint{IP: net.IPv4(10, 0, 0, 5), Port: 4510}
	hb.Nodes[0].Endpoints.Insert(ep)

	enc := codec.NewEncoder()
	require.NoError(t, EncodeHeartbeat(enc, hb))
	dec := decode(t, enc)

	got, err := DecodeHeartbeat(dec)
	require.NoError(t, err)
	require.True(t, got.HasState)
	require.Equal(t, hb.Elector, got.Elector)
	require.Equal(t, hb.Master, got.Master)
	require.True(t, got.Maintenance)
	require.Len(t, got.Nodes, 1)
	gotEp, ok := got.Nodes[0].Endpoints.Preferred()
	require.True(t, ok)
	require.Equal(t, ep.Port, gotEp.Port)
	require.True(t, ep.IP.Equal(gotEp.IP))
}

func TestHealthReportRoundTrip(t *testing.T) {
	r := HealthReport{
		Name:          "runner-1",
		Uptime:        1234,
		State:         types.StateMaster,
		Mode:          types.Active,
		ServiceAction: types.ActionStart,
		Services: []ServiceReport{
			{Name: "web", Event: "start", State: types.SvcStarted},
			{Name: "db", Event: "status", State: types.SvcFailed, Failed: true},
		},
	}
	enc := codec.NewEncoder()
	EncodeHealthReport(enc, r)
	dec := decode(t, enc)

	got, err := DecodeHealthReport(dec)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestStateUpdateNoMasterRoundTrip(t *testing.T) {
	s := StateUpdate{Uptime: 99}
	enc := codec.NewEncoder()
	require.NoError(t, EncodeStateUpdate(enc, s))
	dec := decode(t, enc)

	got, err := DecodeStateUpdate(dec)
	require.NoError(t, err)
	require.Equal(t, types.NilNodeId, got.MasterId)
}

func TestStateUpdateWithMasterRoundTrip(t *testing.T) {
	s := StateUpdate{
		Uptime:         99,
		MasterId:       types.NewNodeId(),
		MasterLastSeen: time.Unix(500, 0).UTC(),
		MasterName:     "master-1",
		MasterEndpoint: types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 4510},
	}
	enc := codec.NewEncoder()
	require.NoError(t, EncodeStateUpdate(enc, s))
	dec := decode(t, enc)

	got, err := DecodeStateUpdate(dec)
	require.NoError(t, err)
	require.Equal(t, s.MasterId, got.MasterId)
	require.Equal(t, s.MasterName, got.MasterName)
}

func TestRequestRoundTrip(t *testing.T) {
	r := Request{Cmd: "promote", Args: []string{"node-b"}}
	enc := codec.NewEncoder()
	require.NoError(t, EncodeRequest(enc, r))
	dec := decode(t, enc)

	got, err := DecodeRequest(dec)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestResponseRoundTrip(t *testing.T) {
	r := Response{Values: map[string]RPCValue{
		"ok":       BoolValue(true),
		"count":    IntValue(7),
		"name":     StringValue("node-a"),
		"id":       UUIDValue(types.NewNodeId()),
		"services": StringListValue([]string{"web", "db"}),
	}}
	enc := codec.NewEncoder()
	require.NoError(t, EncodeResponse(enc, r))
	dec := decode(t, enc)

	got, err := DecodeResponse(dec)
	require.NoError(t, err)
	require.Equal(t, r.Values["ok"], got.Values["ok"])
	require.Equal(t, r.Values["count"], got.Values["count"])
	require.Equal(t, r.Values["name"], got.Values["name"])
	require.Equal(t, r.Values["id"], got.Values["id"])
	require.Equal(t, r.Values["services"], got.Values["services"])
}
