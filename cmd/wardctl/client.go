package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/frame"
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
)

// ErrTimeout is returned when no response arrives within the configured
// wait.
var ErrTimeout = errors.New("timed out waiting for response")

// maxRedirects bounds redirect chasing; one hop is the normal case.
const maxRedirects = 3

// Client sends one Request datagram at a time and waits for the matching
// Response, following redirect replies to the named node.
type Client struct {
	selfId    types.NodeId
	clusterId uint8
	password  string
	timeout   time.Duration
	seq       uint32
}

func NewClient(clusterId uint8, password string, timeout time.Duration) *Client {
	return &Client{
		selfId:    types.NewNodeId(),
		clusterId: clusterId,
		password:  password,
		timeout:   timeout,
	}
}

// Call sends cmd to ep and follows redirects. It returns the final
// response and the endpoint that produced it.
func (c *Client) Call(ep types.Endpoint, cmd string, args []string) (msg.Response, types.Endpoint, error) {
	for hop := 0; ; hop++ {
		resp, err := c.callOne(ep, cmd, args)
		if err != nil {
			return msg.Response{}, ep, err
		}
		redirect, ok := resp.Values["redirect"]
		if !ok {
			return resp, ep, nil
		}
		if hop >= maxRedirects {
			return msg.Response{}, ep, fmt.Errorf("too many redirects (last to %s)", redirect.S)
		}
		next, err := types.ParseEndpoint(redirect.S)
		if err != nil {
			return msg.Response{}, ep, fmt.Errorf("bad redirect endpoint %q: %w", redirect.S, err)
		}
		ep = next
	}
}

func (c *Client) callOne(ep types.Endpoint, cmd string, args []string) (msg.Response, error) {
	conn, err := net.DialUDP("udp", nil, ep.UDPAddr())
	if err != nil {
		return msg.Response{}, err
	}
	defer conn.Close()

	c.seq++
	enc := msg.NewEncoder(msg.Header{
		Version:   msg.WireVersion,
		Seq:       c.seq,
		Op:        msg.OpRequest,
		ClusterId: c.clusterId,
		SenderId:  c.selfId,
	})
	if err := msg.EncodeRequest(enc, msg.Request{Cmd: cmd, Args: args}); err != nil {
		return msg.Response{}, err
	}
	payload, err := enc.Bytes()
	if err != nil {
		return msg.Response{}, err
	}
	wire, err := frame.Encode(payload, c.password)
	if err != nil {
		return msg.Response{}, err
	}
	if _, err := conn.Write(wire); err != nil {
		return msg.Response{}, err
	}

	deadline := time.Now().Add(c.timeout)
	buf := make([]byte, 65536)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return msg.Response{}, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return msg.Response{}, ErrTimeout
			}
			return msg.Response{}, err
		}

		plain, err := frame.Decode(buf[:n], c.password)
		if err != nil {
			continue // not for us
		}
		dec, err := codec.NewDecoder(plain)
		if err != nil {
			continue
		}
		hdr, err := msg.DecodeHeader(dec)
		if err != nil || hdr.ClusterId != c.clusterId || hdr.Op != msg.OpResponse {
			continue
		}
		return msg.DecodeResponse(dec)
	}
}
