// Package nexus is ward's composition root: it owns the UDP
// transport, the cluster membership layer, and, depending on the node's
// configured roles, a runner with its service supervisor and an elector
// instance that comes and goes with cluster leadership. All inbound
// datagrams funnel through here and are routed by message kind; all
// outbound messages are stamped with this node's header and sequence
// number on the way out.
package nexus

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ward/pkg/cluster"
	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/config"
	"github.com/cuemby/ward/pkg/elector"
	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/metrics"
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/runner"
	"github.com/cuemby/ward/pkg/seqfilter"
	"github.com/cuemby/ward/pkg/supervisor"
	"github.com/cuemby/ward/pkg/transport"
	"github.com/cuemby/ward/pkg/types"
)

// inboundQueueSize bounds the decoded-message queue between the receive
// goroutine and Update. Overflow drops, like any other lossy UDP stage.
const inboundQueueSize = 256

// inbound is one fully decoded datagram waiting to be routed.
type inbound struct {
	from      types.Endpoint
	hdr       msg.Header
	heartbeat *msg.Heartbeat
	health    *msg.HealthReport
	state     *msg.StateUpdate
	request   *msg.Request
	response  *msg.Response
}

// Nexus wires the transport, cluster layer, elector and runner together
// and runs the cooperative main loop.
type Nexus struct {
	cfg      *config.Config
	selfId   types.NodeId
	selfName string

	tr      *transport.Transport
	cluster *cluster.Cluster
	filter  *seqfilter.Filter

	super *supervisor.Supervisor
	run   *runner.Runner

	mu        sync.Mutex
	elec      *elector.Elector
	electorOn bool

	wantElector atomic.Bool
	reload      atomic.Bool

	links []types.Endpoint // unicast peers from the transport string

	seq atomic.Uint32

	inbound chan inbound

	// restart detection baselines, keyed by sender
	lastUptime map[types.NodeId]uint64

	lastClusterTick time.Time
	lastElectorTick time.Time
	lastRunnerTick  time.Time

	// OnResponse, when set, receives decoded Response messages instead of
	// the default debug log; when nil, responses are only logged.
	OnResponse func(from types.Endpoint, r msg.Response)
}

// New builds a Nexus from a loaded configuration: binds the socket,
// parses the transport string into links, and constructs the cluster
// layer plus (if configured) the runner and its supervisor. The elector
// is not created here; it follows cluster leadership.
func New(cfg *config.Config, selfId types.NodeId, selfName string) (*Nexus, error) {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	var group *types.Endpoint
	var links []types.Endpoint
	for _, ep := range endpoints {
		if ep.IP.IsMulticast() {
			g := ep
			group = &g
			continue
		}
		links = append(links, ep)
	}

	tr, err := transport.Listen(cfg.Node.Port, group, cfg.Cluster.Password)
	if err != nil {
		return nil, err
	}
	metrics.RegisterComponent("transport", true, "")

	n := &Nexus{
		cfg:        cfg,
		selfId:     selfId,
		selfName:   selfName,
		tr:         tr,
		filter:     seqfilter.New(),
		links:      links,
		inbound:    make(chan inbound, inboundQueueSize),
		lastUptime: make(map[types.NodeId]uint64),
	}

	n.cluster = cluster.New(selfId, selfName, cfg.Node.Elector, n)
	n.cluster.SetCallbacks(n.onLeaderUp, n.onLeaderDown, nil)
	n.cluster.SetMaintenance(cfg.Node.Maintenance)
	n.cluster.SetRunnerFlag(cfg.Node.Runner)
	metrics.RegisterComponent("cluster", true, "")

	if cfg.Node.Runner {
		super, err := supervisor.New(supervisor.Config{
			Folder:     cfg.Service.Folder,
			WorkingDir: cfg.Service.WorkingDir,
			Timeouts: supervisor.TimeoutConfig{
				Start:   cfg.Service.StartTimeout,
				Stop:    cfg.Service.StopTimeout,
				Status:  cfg.Service.StatusTimeout,
				Promote: cfg.Service.PromoteTimeout,
				Demote:  cfg.Service.DemoteTimeout,
				Failed:  cfg.Service.FailedTimeout,
			},
			StatusInterval: cfg.Time.StatusInterval,
		}, n)
		if err != nil {
			tr.Close()
			return nil, err
		}
		n.super = super
		n.run = runner.New(selfId, selfName, runner.Config{
			ElectorLostTime:       cfg.Time.ElectorLostTime,
			ElectorGoneTime:       cfg.Time.ElectorGoneTime,
			QuorumDemoteTime:      cfg.Time.QuorumDemoteTime,
			AutoRecoverTime:       cfg.Time.AutoRecoverTime,
			AutoRecoverCap:        cfg.Service.AutoRecover,
			AutoRecoverWaitFactor: cfg.Service.AutoRecoverWaitFactor,
			FailcountResetTime:    cfg.Time.FailcountReset,
		}, n, super, time.Now())
		metrics.RegisterComponent("runner", true, "")
		metrics.RegisterComponent("supervisor", true, "")
	}

	return n, nil
}

// LocalPort is the UDP port the transport ended up bound to.
func (n *Nexus) LocalPort() uint16 { return n.tr.LocalPort() }

// ReloadRequested reports and clears the reconfigure flag set via RPC.
func (n *Nexus) ReloadRequested() bool { return n.reload.Swap(false) }

// onLeaderUp and onLeaderDown run inside the cluster layer's lock, so
// they only flag the change; Update applies it.
func (n *Nexus) onLeaderUp()   { n.wantElector.Store(true) }
func (n *Nexus) onLeaderDown() { n.wantElector.Store(false) }

func (n *Nexus) applyElectorRole(now time.Time) {
	want := n.wantElector.Load()

	n.mu.Lock()
	defer n.mu.Unlock()

	if want && !n.electorOn {
		log.Logger.Info().Msg("nexus: cluster leadership gained, starting elector")
		n.elec = elector.New(n.selfId, elector.Config{
			MasterDeadTime:          n.cfg.Time.MasterDeadTime,
			InitialPromotionDelay:   n.cfg.Time.InitialPromotionDelay,
			FailurePromotionTimeout: n.cfg.Time.FailurePromotionTimeout,
			ForgetTerminalAfter:     n.cfg.Time.ForgetDisconnectedRunners,
		}, n, now)
		n.elec.SetMaintenance(n.cfg.Node.Maintenance)
		n.electorOn = true
		n.cluster.SetKnownElector(n.selfId)
	} else if !want && n.electorOn {
		log.Logger.Info().Msg("nexus: cluster leadership lost, stopping elector")
		n.elec = nil
		n.electorOn = false
		n.cluster.SetKnownElector(types.NilNodeId)
	}
}

func (n *Nexus) currentElector() (*elector.Elector, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.elec, n.electorOn
}

// hasQuorum counts visible peers plus self against the configured
// quorum; zero means always true.
func (n *Nexus) hasQuorum() bool {
	q := n.cfg.Cluster.Quorum
	if q <= 0 {
		return true
	}
	return len(n.cluster.Nodes())+1 >= q
}

// recvLoop runs until the transport closes, decoding datagrams into the
// inbound queue.
func (n *Nexus) recvLoop() {
	for {
		in, err := n.tr.Recv()
		if err != nil {
			return // socket closed
		}
		m, ok := n.decode(in)
		if !ok {
			continue
		}
		select {
		case n.inbound <- m:
		default:
			metrics.DatagramsDroppedTotal.WithLabelValues("queue_full").Inc()
		}
	}
}

func (n *Nexus) decode(in transport.Inbound) (inbound, bool) {
	dec, err := codec.NewDecoder(in.Payload)
	if err != nil {
		metrics.DatagramsDroppedTotal.WithLabelValues("codec").Inc()
		return inbound{}, false
	}
	hdr, err := msg.DecodeHeader(dec)
	if err != nil {
		reason := "header"
		if err == msg.ErrVersionMismatch {
			reason = "version"
		}
		metrics.DatagramsDroppedTotal.WithLabelValues(reason).Inc()
		log.Logger.Debug().Err(err).Str("from", in.From.String()).Msg("nexus: dropping datagram with bad header")
		return inbound{}, false
	}
	if hdr.ClusterId != n.cfg.Cluster.Id {
		metrics.DatagramsDroppedTotal.WithLabelValues("cluster_id").Inc()
		return inbound{}, false
	}
	if hdr.SenderId == n.selfId {
		// multicast loopback of our own datagrams
		return inbound{}, false
	}

	m := inbound{from: in.From, hdr: hdr}
	switch hdr.Op {
	case msg.OpHeartBeat:
		hb, err := msg.DecodeHeartbeat(dec)
		if err != nil {
			break
		}
		m.heartbeat = &hb
		return m, true
	case msg.OpHealthReport:
		hr, err := msg.DecodeHealthReport(dec)
		if err != nil {
			break
		}
		m.health = &hr
		return m, true
	case msg.OpStateUpdate:
		su, err := msg.DecodeStateUpdate(dec)
		if err != nil {
			break
		}
		m.state = &su
		return m, true
	case msg.OpRequest:
		req, err := msg.DecodeRequest(dec)
		if err != nil {
			break
		}
		m.request = &req
		return m, true
	case msg.OpResponse:
		resp, err := msg.DecodeResponse(dec)
		if err != nil {
			break
		}
		m.response = &resp
		return m, true
	}
	metrics.DatagramsDroppedTotal.WithLabelValues("body").Inc()
	log.Logger.Debug().Str("from", in.From.String()).Str("op", hdr.Op.String()).Msg("nexus: dropping undecodable message body")
	return inbound{}, false
}

// Update drains the inbound queue and runs every component's periodic
// tick that has come due. It is the single point where component state
// advances.
func (n *Nexus) Update(now time.Time) {
	n.applyElectorRole(now)

drain:
	for {
		select {
		case m := <-n.inbound:
			n.route(m, now)
		default:
			break drain
		}
	}

	if now.Sub(n.lastClusterTick) >= n.cfg.Time.ClusterUpdateInterval {
		n.lastClusterTick = now
		if elec, on := n.currentElector(); on {
			n.cluster.SetKnownMaster(elec.MasterId())
		}
		n.cluster.Update(now)
		n.applyElectorRole(now)
	}

	if elec, on := n.currentElector(); on && now.Sub(n.lastElectorTick) >= n.cfg.Time.ElectorTickInterval {
		n.lastElectorTick = now
		elec.Tick(now, n.hasQuorum())
	}

	if n.run != nil {
		n.super.SetRunnerState(n.run.State())
		n.super.Tick(now)
		if now.Sub(n.lastRunnerTick) >= n.cfg.Time.RunnerTickInterval {
			n.lastRunnerTick = now
			n.seedElectorEndpoint(now)
			n.run.Tick(now, n.hasQuorum())
		}
	}
}

// seedElectorEndpoint tells the runner where the cluster's current
// elector lives, so HealthReports flow before the first StateUpdate
// arrives.
func (n *Nexus) seedElectorEndpoint(now time.Time) {
	electorId := n.cluster.ElectorId()
	if electorId == types.NilNodeId {
		return
	}
	if electorId == n.selfId {
		n.run.SetElectorEndpoint(types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: n.tr.LocalPort()}, now)
		return
	}
	if node, ok := n.cluster.FindNode(electorId); ok {
		if ep, ok := node.Endpoints.Preferred(); ok {
			n.run.SetElectorEndpoint(ep, now)
		}
	}
}

// accept applies the per-sender sequence gate, with the restart exception:
// a sender whose reported uptime went backwards gets its baseline reset.
func (n *Nexus) accept(m inbound) bool {
	var uptime uint64
	hasUptime := false
	switch {
	case m.health != nil:
		uptime, hasUptime = m.health.Uptime, true
	case m.state != nil:
		uptime, hasUptime = m.state.Uptime, true
	}

	if hasUptime {
		if last, ok := n.lastUptime[m.hdr.SenderId]; ok && uptime < last {
			log.Logger.Warn().Str("sender", m.hdr.SenderId.String()).Msg("nexus: sender restart detected, resetting sequence")
			n.filter.Reset(m.hdr.SenderId, m.hdr.Seq)
			n.lastUptime[m.hdr.SenderId] = uptime
			return true
		}
		n.lastUptime[m.hdr.SenderId] = uptime
	}

	if !n.filter.Check(m.hdr.SenderId, m.hdr.Seq) {
		metrics.DatagramsDroppedTotal.WithLabelValues("sequence").Inc()
		return false
	}
	return true
}

func (n *Nexus) route(m inbound, now time.Time) {
	if !n.accept(m) {
		return
	}
	metrics.DatagramsReceivedTotal.WithLabelValues(m.hdr.Op.String()).Inc()

	switch {
	case m.heartbeat != nil:
		n.cluster.Handle(m.hdr.SenderId, m.from, *m.heartbeat, now)
	case m.health != nil:
		if elec, on := n.currentElector(); on {
			elec.HandleHealthReport(m.hdr.SenderId, m.from, *m.health, now)
		}
	case m.state != nil:
		if m.state.MasterId != types.NilNodeId {
			n.cluster.SetKnownMaster(m.state.MasterId)
		}
		if n.run != nil {
			n.run.HandleStateUpdate(m.from, *m.state, now)
		}
	case m.request != nil:
		resp := n.dispatch(*m.request, now)
		n.sendResponse(m.from, resp)
	case m.response != nil:
		if n.OnResponse != nil {
			n.OnResponse(m.from, *m.response)
		} else {
			log.Logger.Debug().Str("from", m.from.String()).Msg("nexus: unsolicited response")
		}
	}
}

// nextSeq hands out this node's strictly increasing datagram sequence.
func (n *Nexus) nextSeq() uint32 { return n.seq.Add(1) }

func (n *Nexus) send(op msg.Op, to types.Endpoint, encode func(*codec.Encoder) error) {
	payload, ok := n.encodeMessage(op, encode)
	if !ok {
		return
	}
	if err := n.tr.Send(to, payload); err != nil {
		log.Logger.Debug().Err(err).Str("to", to.String()).Msg("nexus: send failed")
		return
	}
	metrics.DatagramsSentTotal.WithLabelValues(op.String()).Inc()
}

func (n *Nexus) encodeMessage(op msg.Op, encode func(*codec.Encoder) error) ([]byte, bool) {
	hdr := msg.Header{
		Version:   msg.WireVersion,
		Seq:       n.nextSeq(),
		Op:        op,
		ClusterId: n.cfg.Cluster.Id,
		SenderId:  n.selfId,
	}
	enc := msg.NewEncoder(hdr)
	if err := encode(enc); err != nil {
		log.Logger.Error().Err(err).Str("op", op.String()).Msg("nexus: encode failed")
		return nil, false
	}
	payload, err := enc.Bytes()
	if err != nil {
		log.Logger.Error().Err(err).Str("op", op.String()).Msg("nexus: encode failed")
		return nil, false
	}
	return payload, true
}

// SendHeartbeat implements cluster.Sender. Broadcasts go to the multicast
// group plus every unicast link and known peer; replies go to one target.
func (n *Nexus) SendHeartbeat(o cluster.OutgoingHeartbeat) {
	payload, ok := n.encodeMessage(msg.OpHeartBeat, func(enc *codec.Encoder) error {
		return msg.EncodeHeartbeat(enc, o.Msg)
	})
	if !ok {
		return
	}

	if !o.Broadcast {
		if err := n.tr.Send(o.Target, payload); err == nil {
			metrics.DatagramsSentTotal.WithLabelValues(msg.OpHeartBeat.String()).Inc()
		}
		return
	}

	_ = n.tr.SendMulticast(payload)
	seen := map[string]bool{}
	for _, ep := range n.links {
		seen[ep.String()] = true
		if err := n.tr.Send(ep, payload); err == nil {
			metrics.DatagramsSentTotal.WithLabelValues(msg.OpHeartBeat.String()).Inc()
		}
	}
	for _, ep := range o.Peers {
		if seen[ep.String()] {
			continue
		}
		seen[ep.String()] = true
		if err := n.tr.Send(ep, payload); err == nil {
			metrics.DatagramsSentTotal.WithLabelValues(msg.OpHeartBeat.String()).Inc()
		}
	}
}

// SendStateUpdate implements elector.Sender.
func (n *Nexus) SendStateUpdate(to types.Endpoint, s msg.StateUpdate) {
	n.send(msg.OpStateUpdate, to, func(enc *codec.Encoder) error {
		return msg.EncodeStateUpdate(enc, s)
	})
}

// SendHealthReport implements runner.Sender.
func (n *Nexus) SendHealthReport(to types.Endpoint, r msg.HealthReport) {
	n.send(msg.OpHealthReport, to, func(enc *codec.Encoder) error {
		msg.EncodeHealthReport(enc, r)
		return nil
	})
}

func (n *Nexus) sendResponse(to types.Endpoint, r msg.Response) {
	n.send(msg.OpResponse, to, func(enc *codec.Encoder) error {
		return msg.EncodeResponse(enc, r)
	})
}

// Forward implements supervisor.LogSink: child process output lands in
// the main log, attributed to its service.
func (n *Nexus) Forward(service, stream, line string) {
	l := log.WithService(service)
	l.Info().Str("stream", stream).Msg(line)
}

// MetricsSnapshot implements metrics.Source.
func (n *Nexus) MetricsSnapshot() metrics.Snapshot {
	snap := metrics.Snapshot{
		Peers:         len(n.cluster.Nodes()) + 1,
		ClusterLeader: n.cluster.Mode() == types.Leader,
		HasQuorum:     n.hasQuorum(),
	}
	if elec, on := n.currentElector(); on {
		snap.ElectorActive = true
		snap.HasMaster = elec.MasterId() != types.NilNodeId
		snap.RunnerStates = make(map[string]int)
		for _, rr := range elec.Runners() {
			snap.RunnerStates[rr.State.String()]++
		}
	}
	if n.run != nil {
		snap.RunnerActive = true
		snap.RunnerState = int(n.run.State())
		for _, s := range n.super.Services() {
			snap.Services = append(snap.Services, metrics.ServiceSample{
				Name:   s.Name,
				State:  int(s.State),
				Failed: s.Failed,
			})
		}
	}
	return snap
}

// Run drives the cooperative main loop until ctx is cancelled: poll the
// inbound queue and tick components, then sleep.
func (n *Nexus) Run(ctx context.Context) {
	go n.recvLoop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return
		default:
		}
		n.Update(time.Now())
		time.Sleep(n.cfg.Time.MainloopSleepTime)
	}
}

// shutdown drives local services down before releasing the socket: the
// runner goes passive so the elector stops considering it, services are
// demoted then stopped, and a final report tells the elector what
// happened.
func (n *Nexus) shutdown() {
	if n.run != nil {
		n.run.SetPassive()
		n.run.Stop()
		n.super.Shutdown()
		n.run.Tick(time.Now(), n.hasQuorum())
	}
	n.tr.Close()
}
