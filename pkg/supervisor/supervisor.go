// Package supervisor drives one node's directory of service scripts
// through a per-service state machine: launching
// start/stop/status/promote/demote/failed scripts, enforcing priority
// ordering between services, and reporting a summary back to the runner.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/metrics"
	"github.com/cuemby/ward/pkg/types"
)

// TimeoutConfig gives the per-event script timeout.
type TimeoutConfig struct {
	Start   time.Duration
	Stop    time.Duration
	Status  time.Duration
	Promote time.Duration
	Demote  time.Duration
	Failed  time.Duration
}

// Config configures one Supervisor instance.
type Config struct {
	Folder         string
	WorkingDir     string
	Timeouts       TimeoutConfig
	StatusInterval time.Duration
}

// LogSink receives one forwarded line of a child's stdout/stderr.
type LogSink interface {
	Forward(service, stream, line string)
}

type completion struct {
	svc      *Service
	event    string
	exitCode int
	killed   bool
}

// Supervisor owns the discovered service set and the single,
// supervisor-wide target action the runner drives it towards.
type Supervisor struct {
	mu       sync.Mutex
	cfg      Config
	services []*Service
	target   types.ServiceAction

	lastStatusCheck time.Time
	runnerState     types.State
	sink            LogSink

	completions chan completion
}

func New(cfg Config, sink LogSink) (*Supervisor, error) {
	services, err := Discover(cfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("supervisor: discover %s: %w", cfg.Folder, err)
	}
	return &Supervisor{
		cfg:         cfg,
		services:    services,
		target:      types.ActionStop,
		sink:        sink,
		completions: make(chan completion, 64),
	}, nil
}

// SetTarget changes the supervisor-wide target action (runner calls
// start/stop/promote/demote/fail land here).
func (s *Supervisor) SetTarget(action types.ServiceAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = action
}

func (s *Supervisor) TargetAction() types.ServiceAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// SetRunnerState feeds the current runner state into the environment
// injected into child scripts.
func (s *Supervisor) SetRunnerState(st types.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runnerState = st
}

// Services returns the wire-level summary of every tracked service.
func (s *Supervisor) Services() []types.ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ServiceInfo, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, types.ServiceInfo{Name: svc.Name, Event: svc.event, State: svc.State, Failed: svc.Failed})
	}
	return out
}

// ClearFailures resets every failed service back to Stopped so the
// normal start path can retry it (runner auto-recovery and the `recover`
// RPC land here).
func (s *Supervisor) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.Failed {
			svc.Failed = false
			svc.State = types.SvcStopped
		}
	}
}

// Promotable reports whether the service set is ready for promotion:
// nothing failed and every enabled service at least Started. Vacuously
// true with no services.
func (s *Supervisor) Promotable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.Disabled {
			continue
		}
		if svc.Failed || svc.State < types.SvcStarted {
			return false
		}
	}
	return true
}

// Tick drains finished child processes and drives every service one step
// closer to the current target, respecting priority ordering.
func (s *Supervisor) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainCompletions(now)

	statusDue := now.Sub(s.lastStatusCheck) >= s.cfg.StatusInterval
	if statusDue {
		s.lastStatusCheck = now
	}

	for _, svc := range s.services {
		if svc.Disabled {
			continue
		}
		if svc.running != nil {
			s.maybeOverride(svc)
			continue // already busy with a script
		}
		if resolvedStates(s.target, svc.State) {
			if statusDue {
				s.maybeRunStatus(svc, now)
			}
			continue
		}
		if svc.Failed {
			continue // a failed service waits for ClearFailures
		}
		if !s.priorityAllows(svc, s.target) {
			continue
		}
		s.advance(svc, now)
	}
}

// priorityAllows enforces priority ordering: a higher-priority
// (lower NN) service may not start/promote until every lower-priority
// service is at least Started/Promoted; a lower-priority service may not
// stop/demote while any higher-priority service is still above
// Stopped/Started. This is a pairwise check across the whole service set,
// not just against adjacent neighbors.
func (s *Supervisor) priorityAllows(svc *Service, action types.ServiceAction) bool {
	if svc.Priority < 0 {
		return true
	}
	switch action {
	case types.ActionStart:
		for _, other := range s.services {
			if other.Priority > svc.Priority && other.State < types.SvcStarted {
				return false
			}
		}
	case types.ActionPromote:
		for _, other := range s.services {
			if other.Priority > svc.Priority && other.State != types.SvcPromoted {
				return false
			}
		}
	case types.ActionStop:
		for _, other := range s.services {
			if other.Priority < svc.Priority && other.State > types.SvcStopped {
				return false
			}
		}
	case types.ActionDemote:
		for _, other := range s.services {
			if other.Priority < svc.Priority && other.State > types.SvcStarted {
				return false
			}
		}
	}
	return true
}

func (s *Supervisor) advance(svc *Service, now time.Time) {
	event, transitional, success := eventFor(s.target)

	if !svc.hasScript(event) {
		svc.State = success
		svc.event = event
		return
	}

	svc.State = transitional
	svc.event = event
	s.launch(svc, event, timeoutFor(s.cfg.Timeouts, event), now)
}

// maybeOverride kills an in-flight start script when the target has
// flipped to Stop or Fail while the service is still Starting, instead of
// waiting out a potentially long start timeout.
func (s *Supervisor) maybeOverride(svc *Service) {
	if svc.State != types.SvcStarting {
		return
	}
	if s.target != types.ActionStop && s.target != types.ActionFail {
		return
	}
	svc.overrideStop = true
	s.kill(svc)
	svc.State = types.SvcStopping
}

func (s *Supervisor) maybeRunStatus(svc *Service, now time.Time) {
	// Single-script services receive "status" as argv[1] like any other
	// event; directory services need an actual status executable.
	if !svc.hasScript("status") {
		return
	}
	svc.event = "status"
	s.launch(svc, "status", s.cfg.Timeouts.Status, now)
}

func (s *Supervisor) launch(svc *Service, event string, timeout time.Duration, now time.Time) {
	path, arg := svc.scriptPath(event)
	args := []string{}
	if arg != "" {
		args = append(args, arg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("WARD_IS_PROMOTED=%d", boolToInt(s.target == types.ActionPromote)),
		fmt.Sprintf("WARD_STATE=%s", s.runnerState.String()),
	)

	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		cancel()
		log.Logger.Warn().Err(err).Str("service", svc.Name).Str("event", event).Msg("supervisor: failed to launch script")
		svc.State = types.SvcFailed
		svc.Failed = true
		metrics.ServiceScriptFailuresTotal.WithLabelValues(svc.Name, event).Inc()
		return
	}

	svc.running = cmd
	svc.started = now

	if s.sink != nil {
		go forwardLines(s.sink, svc.Name, "stdout", stdout)
		go forwardLines(s.sink, svc.Name, "stderr", stderr)
	}

	go func() {
		err := cmd.Wait()
		cancel()
		killed := ctx.Err() == context.DeadlineExceeded
		code := exitCode(err)
		s.completions <- completion{svc: svc, event: event, exitCode: code, killed: killed}
	}()
}

func (s *Supervisor) kill(svc *Service) {
	if svc.running == nil || svc.running.Process == nil {
		return
	}
	_ = svc.running.Process.Kill()
}

func (s *Supervisor) drainCompletions(now time.Time) {
	for {
		select {
		case c := <-s.completions:
			s.applyCompletion(c, now)
		default:
			return
		}
	}
}

func (s *Supervisor) applyCompletion(c completion, now time.Time) {
	svc := c.svc
	override := svc.overrideStop
	svc.running = nil
	svc.overrideStop = false

	if !svc.started.IsZero() {
		metrics.ServiceScriptDuration.WithLabelValues(c.event).Observe(now.Sub(svc.started).Seconds())
	}

	if c.event == "status" {
		switch c.exitCode {
		case 90:
			svc.State = types.SvcPromoted
		case 91:
			svc.State = types.SvcStarted
		case 92:
			svc.State = types.SvcStopped
		case 0:
			// no state change
		default:
			svc.State = types.SvcFailed
			svc.Failed = true
			metrics.ServiceScriptFailuresTotal.WithLabelValues(svc.Name, c.event).Inc()
		}
		return
	}

	if c.killed && !override {
		svc.State = types.SvcFailed
		svc.Failed = true
		metrics.ServiceScriptFailuresTotal.WithLabelValues(svc.Name, c.event).Inc()
		log.Logger.Warn().Str("service", svc.Name).Str("event", c.event).Msg("supervisor: script timed out, killed")
		return
	}

	if override {
		// The start script was killed by a target flip to Stop or Fail.
		// Pretend the start finished so the next tick drives the normal
		// stop/fail path, including its script's cleanup.
		svc.State = types.SvcStarted
		svc.Failed = false
		return
	}

	_, _, success := eventFor(s.target)
	if c.exitCode == 0 {
		svc.State = success
		svc.Failed = false
		return
	}
	svc.State = types.SvcFailed
	svc.Failed = true
	metrics.ServiceScriptFailuresTotal.WithLabelValues(svc.Name, c.event).Inc()
}

// shutdownKillCap is the global bound on the stop phase of a graceful
// shutdown; anything still running past it is SIGKILLed.
const shutdownKillCap = 360 * time.Second

// demoteSettleCap bounds how long shutdown waits for demotion before
// moving on to stopping everything.
const demoteSettleCap = 60 * time.Second

// Shutdown drives every service down in order: demote, wait for the
// demotions to resolve, then stop, wait again, and finally kill whatever
// is still running.
func (s *Supervisor) Shutdown() {
	s.SetTarget(types.ActionDemote)
	s.settle(demoteSettleCap, func(st types.ServiceState) bool {
		return st <= types.SvcStarted
	})

	s.SetTarget(types.ActionStop)
	s.settle(shutdownKillCap, func(st types.ServiceState) bool {
		return st == types.SvcStopped || st == types.SvcFailed
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.running != nil {
			log.Logger.Warn().Str("service", svc.Name).Msg("supervisor: still running at shutdown cap, killing")
			s.kill(svc)
		}
	}
}

// settle ticks the supervisor until every enabled service satisfies done
// or the deadline passes.
func (s *Supervisor) settle(limit time.Duration, done func(types.ServiceState) bool) {
	deadline := time.Now().Add(limit)
	for {
		now := time.Now()
		s.Tick(now)

		s.mu.Lock()
		settled := true
		for _, svc := range s.services {
			if svc.Disabled {
				continue
			}
			if !done(svc.State) || svc.running != nil {
				settled = false
				break
			}
		}
		s.mu.Unlock()

		if settled || now.After(deadline) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func forwardLines(sink LogSink, service, stream string, r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		sink.Forward(service, stream, scanner.Text())
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
