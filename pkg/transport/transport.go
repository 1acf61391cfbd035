// Package transport owns the single UDP socket each node binds:
// port-increment fallback when the configured port is busy,
// SO_REUSEADDR so a restarting node can rebind immediately, optional
// multicast group membership, and the frame encode/decode boundary.
package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/cuemby/ward/pkg/frame"
	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/types"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// maxPortAttempts bounds the port-increment fallback.
const maxPortAttempts = 1000

// recvBufSize is sized above MaxWireMessage with headroom.
const recvBufSize = 65536

// Inbound is one decoded datagram delivered to the caller.
type Inbound struct {
	From    types.Endpoint
	Payload []byte
}

// Transport owns the bound socket and the cluster password used to
// encode/decode every frame that crosses it.
type Transport struct {
	conn     net.PacketConn
	ipv4pc   *ipv4.PacketConn
	ipv6pc   *ipv6.PacketConn
	password string
	bound    types.Endpoint
	group    types.Endpoint
	hasGroup bool
}

// Listen binds a UDP socket starting at port, falling back to port+1,
// port+2, ... up to port+maxPortAttempts when the port is already in use. If
// group is non-zero, the socket also joins that multicast group on every
// available interface.
func Listen(port uint16, group *types.Endpoint, password string) (*Transport, error) {
	lc := net.ListenConfig{Control: setReuseAddr}

	var conn net.PacketConn
	var err error
	var bound uint16
	for attempt := 0; attempt <= maxPortAttempts; attempt++ {
		candidate := port + uint16(attempt)
		conn, err = lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", candidate))
		if err == nil {
			bound = candidate
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("transport: no free port found starting at %d: %w", port, err)
	}
	if bound != port {
		log.Logger.Warn().Uint16("requested", port).Uint16("bound", bound).Msg("transport: configured port busy, fell back")
	}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		bound = uint16(udpAddr.Port)
	}

	t := &Transport{
		conn:     conn,
		password: password,
		bound:    types.Endpoint{IP: net.IPv4zero, Port: bound},
	}

	if group != nil && !group.IsZero() {
		if err := t.joinGroup(*group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: join multicast group %s: %w", group, err)
		}
		t.group = *group
		t.hasGroup = true
	}

	return t, nil
}

func (t *Transport) joinGroup(group types.Endpoint) error {
	if group.IP.To4() != nil {
		pc := ipv4.NewPacketConn(t.conn)
		ifaces, err := multicastInterfaces()
		if err != nil {
			return err
		}
		joined := false
		for _, ifi := range ifaces {
			if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err == nil {
				joined = true
			}
		}
		if !joined {
			if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
				return err
			}
		}
		_ = pc.SetMulticastLoopback(true)
		t.ipv4pc = pc
		return nil
	}

	pc := ipv6.NewPacketConn(t.conn)
	ifaces, err := multicastInterfaces()
	if err != nil {
		return err
	}
	joined := false
	for _, ifi := range ifaces {
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err == nil {
			joined = true
		}
	}
	if !joined {
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
			return err
		}
	}
	_ = pc.SetMulticastLoopback(true)
	t.ipv6pc = pc
	return nil
}

func multicastInterfaces() ([]*net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []*net.Interface
	for i := range all {
		ifi := all[i]
		if ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagUp != 0 {
			out = append(out, &ifi)
		}
	}
	return out, nil
}

// LocalPort is the port the socket ended up bound to, after any
// port-increment fallback.
func (t *Transport) LocalPort() uint16 { return t.bound.Port }

// Send encodes and encrypts payload and sends it unicast to ep.
func (t *Transport) Send(ep types.Endpoint, payload []byte) error {
	wire, err := frame.Encode(payload, t.password)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(wire, ep.UDPAddr())
	return err
}

// SendMulticast sends payload to the joined multicast group. It is a
// no-op when no group was joined.
func (t *Transport) SendMulticast(payload []byte) error {
	if !t.hasGroup {
		return nil
	}
	return t.Send(t.group, payload)
}

// Recv blocks for the next inbound datagram, decodes its frame, and
// returns the plaintext payload. Datagrams that fail frame decoding (bad
// size or length, failed inflate) are dropped (logged at debug level) and
// Recv transparently waits for the next one. The frame carries no
// authenticator, so a datagram encrypted under another password is not
// detected here: it is returned as garbage. Returned payloads keep the
// frame's zero padding.
func (t *Transport) Recv() (Inbound, error) {
	buf := make([]byte, recvBufSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			return Inbound{}, err
		}
		from, err := endpointOf(addr)
		if err != nil {
			continue
		}
		payload, err := frame.Decode(buf[:n], t.password)
		if err != nil {
			log.Logger.Debug().Err(err).Str("from", from.String()).Msg("transport: dropping undecodable datagram")
			continue
		}
		return Inbound{From: from, Payload: payload}, nil
	}
}

func endpointOf(addr net.Addr) (types.Endpoint, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return types.Endpoint{}, fmt.Errorf("transport: unexpected address type %T", addr)
	}
	return types.Endpoint{IP: udpAddr.IP, Port: uint16(udpAddr.Port)}, nil
}

// Close releases the socket.
func (t *Transport) Close() error { return t.conn.Close() }

func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
