package supervisor

import (
	"os/exec"
	"time"

	"github.com/cuemby/ward/pkg/types"
)

// Service is one entry under the services folder: either a directory of
// named scripts or a single executable file.
type Service struct {
	Name         string
	Priority     int // -1 = unprioritized
	Path         string
	SingleScript bool
	Scripts      map[string]string // event -> executable path, directory form only
	Disabled     bool

	State  types.ServiceState
	Failed bool

	target       types.ServiceAction
	running      *exec.Cmd
	started      time.Time
	event        string
	overrideStop bool // current run was killed by a stop/fail override, not a failure
}

// hasScript reports whether this service can run the named event.
func (s *Service) hasScript(event string) bool {
	if s.SingleScript {
		return true
	}
	_, ok := s.Scripts[event]
	return ok
}

// scriptPath returns the executable to run for event, and the argv[1] to
// pass it (single-script services receive the event name as an arg;
// directory-form services have one executable per event and need none).
func (s *Service) scriptPath(event string) (path string, arg string) {
	if s.SingleScript {
		return s.Path, event
	}
	return s.Scripts[event], ""
}

// resolvedStates lists, for a given target action, the ServiceState
// values that already satisfy it: a service in one of these needs no
// further action this tick.
func resolvedStates(action types.ServiceAction, state types.ServiceState) bool {
	switch action {
	case types.ActionFail:
		return state == types.SvcFailed
	case types.ActionStop:
		return state == types.SvcFailed || state == types.SvcStopped
	case types.ActionStart:
		return state > types.SvcStarting
	case types.ActionDemote:
		return state < types.SvcDemoting
	case types.ActionPromote:
		return state == types.SvcPromoted
	default:
		return true
	}
}

// eventFor maps a target action to the script event name, the
// in-progress state to enter while the script runs, and the state to
// settle into on success.
func eventFor(action types.ServiceAction) (event string, transitional, success types.ServiceState) {
	switch action {
	case types.ActionStop:
		return "stop", types.SvcStopping, types.SvcStopped
	case types.ActionStart:
		return "start", types.SvcStarting, types.SvcStarted
	case types.ActionDemote:
		return "demote", types.SvcDemoting, types.SvcStarted
	case types.ActionPromote:
		return "promote", types.SvcPromoting, types.SvcPromoted
	default:
		return "failed", types.SvcFailing, types.SvcFailed
	}
}

func timeoutFor(cfg TimeoutConfig, event string) time.Duration {
	switch event {
	case "start":
		return cfg.Start
	case "stop":
		return cfg.Stop
	case "status":
		return cfg.Status
	case "promote":
		return cfg.Promote
	case "demote":
		return cfg.Demote
	default:
		return cfg.Failed
	}
}
