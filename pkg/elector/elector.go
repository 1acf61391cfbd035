// Package elector implements the master-selection pipeline a cluster
// Leader runs over the runner pool: health sweeps, quorum
// checks, candidate selection, and the StateUpdate broadcast that tells
// every runner who the current master is.
package elector

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/metrics"
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
)

// Config collects the timing thresholds the tick pipeline is driven by.
type Config struct {
	MasterDeadTime          time.Duration
	InitialPromotionDelay   time.Duration
	FailurePromotionTimeout time.Duration
	ForgetTerminalAfter     time.Duration
}

// Sender delivers one StateUpdate to a specific runner endpoint.
type Sender interface {
	SendStateUpdate(to types.Endpoint, s msg.StateUpdate)
}

// Elector owns the runner table (as seen from the elector's side) and the
// current master selection.
type Elector struct {
	mu sync.Mutex

	selfId    types.NodeId
	cfg       Config
	startedAt time.Time
	sender    Sender

	runners map[types.NodeId]*types.RunnerRecord

	masterId     types.NodeId
	manual       bool
	manualTarget types.NodeId
	maintenance  bool

	failures []types.FailureRecord
}

func New(selfId types.NodeId, cfg Config, sender Sender, now time.Time) *Elector {
	return &Elector{
		selfId:    selfId,
		cfg:       cfg,
		startedAt: now,
		sender:    sender,
		runners:   make(map[types.NodeId]*types.RunnerRecord),
	}
}

// HandleHealthReport absorbs one runner's periodic HealthReport.
func (e *Elector) HandleHealthReport(from types.NodeId, ep types.Endpoint, r msg.HealthReport, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rr, ok := e.runners[from]
	if !ok {
		rr = &types.RunnerRecord{Id: from}
		e.runners[from] = rr
	}
	rr.Name = r.Name
	rr.Endpoints.Insert(ep)
	rr.LastSeen = now
	rr.Uptime = time.Duration(r.Uptime) * time.Millisecond
	rr.State = r.State
	rr.Mode = r.Mode
	rr.Maintenance = r.Maintenance
	rr.Action = r.ServiceAction
	rr.Services = rr.Services[:0]
	for _, s := range r.Services {
		rr.Services = append(rr.Services, types.ServiceInfo{Name: s.Name, Event: s.Event, State: s.State, Failed: s.Failed})
	}
}

func (e *Elector) MasterId() types.NodeId {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.masterId
}

func (e *Elector) Manual() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manual
}

func (e *Elector) Uptime(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.startedAt)
}

// Runners returns a snapshot copy of the runner table.
func (e *Elector) Runners() []types.RunnerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.RunnerRecord, 0, len(e.runners))
	for _, rr := range e.runners {
		out = append(out, *rr)
	}
	return out
}

// FindRunner resolves a search string to a runner record, for RPC
// redirects. Name matches are tried before id matches.
func (e *Elector) FindRunner(nameOrId string) (types.RunnerRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rr := e.findRunner(nameOrId)
	if rr == nil {
		return types.RunnerRecord{}, false
	}
	return *rr, true
}

func (e *Elector) Failures() []types.FailureRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.FailureRecord, len(e.failures))
	copy(out, e.failures)
	return out
}

// Promote sets a manual target master by name or id (RPC `promote`).
// Leaves manual mode so the target is acted on at the next tick.
func (e *Elector) Promote(nameOrId string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rr := e.findRunner(nameOrId)
	if rr == nil {
		return false
	}
	e.manualTarget = rr.Id
	e.manual = false
	return true
}

// Demote enters manual mode and clears the current master (RPC `demote`).
func (e *Elector) Demote() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manual = true
	e.masterId = types.NilNodeId
}

// Elect leaves manual mode, allowing automatic election to resume (RPC
// `elect`).
func (e *Elector) Elect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manual = false
	e.manualTarget = types.NilNodeId
}

func (e *Elector) SetMaintenance(m bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maintenance = m
}

// findRunner looks up by name first, then by id string, matching the
// Nexus RPC auto-redirect convention. Among several records
// with the same name (a restarted runner leaves a stale record behind
// until it is forgotten), the one in the highest runner state wins.
func (e *Elector) findRunner(nameOrId string) *types.RunnerRecord {
	var best *types.RunnerRecord
	for _, rr := range e.runners {
		if rr.Name == nameOrId && (best == nil || rr.State > best.State) {
			best = rr
		}
	}
	if best != nil {
		return best
	}
	for _, rr := range e.runners {
		if rr.Id.String() == nameOrId && (best == nil || rr.State > best.State) {
			best = rr
		}
	}
	return best
}

// Tick runs the full pipeline once and broadcasts the resulting
// StateUpdate to every known runner. hasQuorum comes from the owning
// cluster layer.
func (e *Elector) Tick(now time.Time, hasQuorum bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ElectorTickDuration)

	e.rePromoteExisting(now)
	e.healthSweep(now, hasQuorum)
	e.masterHealth(hasQuorum)
	e.elect(now, hasQuorum)
	e.forgetAncient(now)
	e.emit(now)
}

func (e *Elector) rePromoteExisting(now time.Time) {
	if e.masterId != types.NilNodeId || e.manualTarget != types.NilNodeId || e.manual {
		return
	}
	for id, rr := range e.runners {
		if rr.State > types.StateSlave {
			e.masterId = id
			return
		}
	}
}

func (e *Elector) healthSweep(now time.Time, hasQuorum bool) {
	upLongEnough := now.Sub(e.startedAt) > e.cfg.InitialPromotionDelay
	for id, rr := range e.runners {
		if !rr.Alive(e.cfg.MasterDeadTime, now) && upLongEnough {
			rr.State = types.StateDisconnected
		}
		if rr.FailedService() {
			if rr.State != types.StateFailed {
				e.recordFailure(id, rr.Name, now)
			}
			rr.State = types.StateFailed
			rr.LastFailed = now
		}
	}
}

func (e *Elector) recordFailure(id types.NodeId, name string, now time.Time) {
	e.failures = append(e.failures, types.FailureRecord{Time: now, Name: name, Id: id})
	if len(e.failures) > types.MaxFailureRecords {
		e.failures = e.failures[len(e.failures)-types.MaxFailureRecords:]
	}
	metrics.ElectorFailuresTotal.Inc()
	log.Logger.Warn().Str("runner", name).Msg("elector: runner reported a failed service")
}

func (e *Elector) masterHealth(hasQuorum bool) {
	if e.masterId == types.NilNodeId {
		return
	}
	rr, ok := e.runners[e.masterId]
	if !ok {
		e.masterId = types.NilNodeId
		return
	}
	if rr.State <= types.StateStopped || rr.Mode != types.Active || !hasQuorum {
		e.masterId = types.NilNodeId
	}
}

func (e *Elector) elect(now time.Time, hasQuorum bool) {
	if e.anyPromotedOrPromoting() || len(e.runners) == 0 || e.masterId != types.NilNodeId ||
		e.manual || !hasQuorum || now.Sub(e.startedAt) < e.cfg.InitialPromotionDelay {
		return
	}

	if e.manualTarget != types.NilNodeId {
		rr, ok := e.runners[e.manualTarget]
		if ok && rr.Electable(now, e.cfg.FailurePromotionTimeout) {
			e.masterId = e.manualTarget
			return
		}
		e.manualTarget = types.NilNodeId
	}

	candidates := e.collectCandidates(now, true)
	if len(candidates) == 0 {
		candidates = e.collectCandidates(now, false)
	}
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Uptime != candidates[j].Uptime {
			return candidates[i].Uptime > candidates[j].Uptime
		}
		return candidates[i].LastSeen.Before(candidates[j].LastSeen)
	})

	for _, c := range candidates {
		if c.PromotedService() {
			e.masterId = c.Id
			return
		}
	}
	e.masterId = candidates[0].Id
}

func (e *Elector) anyPromotedOrPromoting() bool {
	for _, rr := range e.runners {
		if rr.PromotedService() {
			return true
		}
	}
	return false
}

func (e *Elector) collectCandidates(now time.Time, enforceFailureAge bool) []*types.RunnerRecord {
	timeout := e.cfg.FailurePromotionTimeout
	if !enforceFailureAge {
		timeout = 0
	}
	var out []*types.RunnerRecord
	for _, rr := range e.runners {
		if rr.Electable(now, timeout) {
			out = append(out, rr)
		}
	}
	return out
}

func (e *Elector) forgetAncient(now time.Time) {
	for id, rr := range e.runners {
		if rr.State <= types.StateDisconnected && now.Sub(rr.LastSeen) >= e.cfg.ForgetTerminalAfter {
			delete(e.runners, id)
		}
	}
}

func (e *Elector) emit(now time.Time) {
	var update msg.StateUpdate
	update.Uptime = uint64(now.Sub(e.startedAt) / time.Millisecond)
	if e.masterId != types.NilNodeId {
		if m, ok := e.runners[e.masterId]; ok {
			update.MasterId = e.masterId
			update.MasterLastSeen = m.LastSeen
			update.MasterName = m.Name
			if ep, ok := m.Endpoints.Preferred(); ok {
				update.MasterEndpoint = ep
			}
		}
	}
	for _, rr := range e.runners {
		if ep, ok := rr.Endpoints.Preferred(); ok {
			e.sender.SendStateUpdate(ep, update)
		}
	}
}
