// Package runner implements the per-node service-runner state
// machine: it reports health to the current elector, obeys the
// elector's StateUpdate directives, and applies recovery backoff when its
// service set reports a failure.
package runner

import (
	"math"
	"sync"
	"time"

	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/metrics"
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
)

// Config collects the timing thresholds driving the runner's timeouts and
// recovery backoff.
type Config struct {
	ElectorLostTime       time.Duration
	ElectorGoneTime       time.Duration
	QuorumDemoteTime      time.Duration
	AutoRecoverTime       time.Duration
	AutoRecoverCap        int
	AutoRecoverWaitFactor int
	FailcountResetTime    time.Duration
}

// Sender delivers one HealthReport to the current elector.
type Sender interface {
	SendHealthReport(to types.Endpoint, r msg.HealthReport)
}

// Supervisor is the subset of the service supervisor the runner consults
// each tick to derive its own state.
type Supervisor interface {
	Services() []types.ServiceInfo
	Promotable() bool
	TargetAction() types.ServiceAction
	SetTarget(action types.ServiceAction)
	ClearFailures()
}

// Runner owns one node's runner-side state machine.
type Runner struct {
	mu sync.Mutex

	selfId types.NodeId
	name   string
	cfg    Config
	sender Sender
	super  Supervisor

	startedAt time.Time
	state     types.State
	mode      types.RunnerMode
	enabled   bool
	maintenance bool

	lastTransition  time.Time
	lastElectorSeen time.Time
	electorEndpoint types.Endpoint

	failCount     int
	lastFailureAt time.Time

	quorumLostSince time.Time
}

func New(selfId types.NodeId, name string, cfg Config, sender Sender, super Supervisor, now time.Time) *Runner {
	return &Runner{
		selfId:         selfId,
		name:           name,
		cfg:            cfg,
		sender:         sender,
		super:          super,
		startedAt:      now,
		state:          types.StateDisconnected,
		mode:           types.Active,
		enabled:        true,
		lastTransition: now,
	}
}

func (r *Runner) State() types.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Runner) FailCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failCount
}

// SetPassive makes the runner ineligible for promotion, used during
// graceful shutdown so the elector does not pick a node that is on its
// way out.
func (r *Runner) SetPassive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = types.Passive
}

// SetElectorEndpoint seeds the HealthReport destination from the cluster
// layer's elector designation. Only applied while no live elector has
// spoken directly: a recent StateUpdate's source address always wins.
func (r *Runner) SetElectorEndpoint(ep types.Endpoint, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.electorEndpoint.IsZero() || now.Sub(r.lastElectorSeen) >= r.cfg.ElectorLostTime {
		r.electorEndpoint = ep
	}
}

func (r *Runner) transition(to types.State, now time.Time) {
	if to == r.state {
		return
	}
	log.Logger.Info().Str("runner", r.name).Str("from", r.state.String()).Str("to", to.String()).Msg("runner: state transition")
	r.driveServices(r.state, to)
	r.state = to
	r.lastTransition = now
}

// driveServices retargets the supervisor on a state transition: entering
// a lower state stops or demotes, entering a higher one starts or
// promotes.
func (r *Runner) driveServices(from, to types.State) {
	if r.super == nil {
		return
	}
	switch to {
	case types.StateDisconnected, types.StateStopped:
		if from > types.StateStopped {
			r.super.SetTarget(types.ActionStop)
		}
	case types.StateLive, types.StateSlave:
		if from > types.StateSlave {
			r.super.SetTarget(types.ActionDemote)
		} else if from > types.StateFailed {
			r.super.SetTarget(types.ActionStart)
		}
	case types.StateMaster:
		if from > types.StateFailed {
			r.super.SetTarget(types.ActionPromote)
		}
	case types.StateFailed:
		r.super.SetTarget(types.ActionFail)
	}
}

// Start/Stop toggle the enabled flag (RPC `start`/`stop`).
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
}

func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
}

// Recover clears the failcount and failure flag (RPC `recover`).
func (r *Runner) Recover() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCount = 0
	if r.super != nil {
		r.super.ClearFailures()
	}
	if r.state == types.StateFailed {
		r.transition(types.StateDisconnected, time.Now())
	}
}

func (r *Runner) SetMaintenance(m bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maintenance = m
}

// HandleStateUpdate applies one StateUpdate from the elector. Sequence discipline is enforced upstream by the
// Nexus's shared sequence filter before this is called.
func (r *Runner) HandleStateUpdate(from types.Endpoint, s msg.StateUpdate, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastElectorSeen = now
	r.electorEndpoint = from

	switch {
	case !r.enabled && r.state != types.StateFailed && r.state != types.StateStopped:
		r.transition(types.StateStopped, now)
	case s.MasterId == r.selfId && r.state >= types.StateStopped:
		if r.state < types.StateLive {
			r.transition(types.StateLive, now)
		} else {
			r.transition(types.StateMaster, now)
		}
	case s.MasterId != types.NilNodeId && s.MasterId != r.selfId && r.state > types.StateSlave:
		r.transition(types.StateSlave, now)
	case r.state == types.StateLive || r.state == types.StateSlave:
		// stay
	case r.state >= types.StateDisconnected:
		r.transition(types.StateLive, now)
	}
}

// Tick runs timeouts, recovery backoff and the service verdict, then
// sends a HealthReport to the current elector endpoint (none is sent
// while no elector endpoint is known).
func (r *Runner) Tick(now time.Time, hasQuorum bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.applyTimeouts(now, hasQuorum)
	r.applyRecoveryBackoff(now)
	r.applyServiceVerdict(now)
	r.emit(now)
}

func (r *Runner) applyTimeouts(now time.Time, hasQuorum bool) {
	if !r.lastElectorSeen.IsZero() {
		lost := now.Sub(r.lastElectorSeen)
		if lost >= r.cfg.ElectorLostTime {
			log.Logger.Warn().Str("runner", r.name).Msg("runner: elector unseen past elector_lost_time")
		}
		if lost >= r.cfg.ElectorGoneTime && r.state == types.StateMaster {
			r.transition(types.StateSlave, now)
		}
	}

	if !hasQuorum {
		if r.quorumLostSince.IsZero() {
			r.quorumLostSince = now
		}
	} else {
		r.quorumLostSince = time.Time{}
	}
	if r.state == types.StateMaster && !r.quorumLostSince.IsZero() && now.Sub(r.quorumLostSince) >= r.cfg.QuorumDemoteTime {
		r.transition(types.StateSlave, now)
	}
}

func (r *Runner) applyRecoveryBackoff(now time.Time) {
	if r.state != types.StateFailed {
		if !r.lastFailureAt.IsZero() && now.Sub(r.lastFailureAt) > r.cfg.FailcountResetTime {
			r.failCount = 0
		}
		return
	}
	if r.failCount >= r.cfg.AutoRecoverCap {
		return
	}
	factor := math.Pow(float64(clampFactor(r.cfg.AutoRecoverWaitFactor)), float64(r.failCount))
	wait := time.Duration(float64(r.cfg.AutoRecoverTime) * factor)
	if now.Sub(r.lastTransition) > wait {
		r.failCount++
		r.lastFailureAt = now
		metrics.RunnerRecoveriesTotal.Inc()
		if r.super != nil {
			r.super.ClearFailures()
		}
		r.transition(types.StateDisconnected, now)
	}
}

func clampFactor(f int) int {
	if f < 1 {
		return 1
	}
	if f > 8 {
		return 8
	}
	return f
}

func (r *Runner) applyServiceVerdict(now time.Time) {
	if r.super == nil {
		return
	}
	services := r.super.Services()
	anyFailed := false
	for _, s := range services {
		if s.Failed {
			anyFailed = true
			break
		}
	}
	switch {
	case anyFailed:
		r.transition(types.StateFailed, now)
	case r.state == types.StateLive && r.super.Promotable():
		r.transition(types.StateSlave, now)
	case r.state > types.StateLive && !r.super.Promotable():
		r.transition(types.StateLive, now)
	}
}

func (r *Runner) emit(now time.Time) {
	if r.electorEndpoint.IsZero() {
		return
	}
	report := msg.HealthReport{
		Name:        r.name,
		Uptime:      uint64(now.Sub(r.startedAt) / time.Millisecond),
		State:       r.state,
		Mode:        r.mode,
		Maintenance: r.maintenance,
	}
	if r.super != nil {
		report.ServiceAction = r.super.TargetAction()
		for _, s := range r.super.Services() {
			report.Services = append(report.Services, msg.ServiceReport{Name: s.Name, Event: s.Event, State: s.State, Failed: s.Failed})
		}
	}
	r.sender.SendHealthReport(r.electorEndpoint, report)
}
