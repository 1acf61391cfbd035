// Package types holds the domain model shared across ward's coordination
// packages: node identity, endpoints, cluster membership records, runner
// and service state machines.
package types

import (
	"time"

	"github.com/google/uuid"
)

// NodeId identifies a node for the lifetime of one process. It is not
// stable across restarts. The nil UUID means "unknown".
type NodeId = uuid.UUID

// NilNodeId is the reserved "unknown" node id.
var NilNodeId = uuid.Nil

// NewNodeId generates a fresh random node id.
func NewNodeId() NodeId {
	return uuid.New()
}

// ParseNodeId parses the canonical string form of a node id.
func ParseNodeId(s string) (NodeId, error) {
	return uuid.Parse(s)
}

// NodeFlags is a bitset carried in heartbeats describing a node's current
// roles.
type NodeFlags uint8

const (
	FlagElector NodeFlags = 1 << iota
	FlagRunner
	FlagLeader
	FlagFailed
)

func (f NodeFlags) Has(bit NodeFlags) bool { return f&bit != 0 }

func (f NodeFlags) String() string {
	s := ""
	if f.Has(FlagElector) {
		s += "E"
	}
	if f.Has(FlagRunner) {
		s += "R"
	}
	if f.Has(FlagLeader) {
		s += "L"
	}
	if f.Has(FlagFailed) {
		s += "F"
	}
	if s == "" {
		return "-"
	}
	return s
}

// ClusterMode is the per-node role in the elector-selection state
// machine: every node starts a Servant, may become a Candidate, and at
// most one settles as Leader.
type ClusterMode int

const (
	Servant ClusterMode = iota
	Candidate
	Leader
)

func (m ClusterMode) String() string {
	switch m {
	case Servant:
		return "Servant"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// RunnerMode controls whether a runner is eligible to become master.
type RunnerMode int

const (
	Active RunnerMode = iota
	Passive
)

func (m RunnerMode) String() string {
	if m == Passive {
		return "Passive"
	}
	return "Active"
}

// State is the runner-level state machine.
type State int

const (
	StateFailed State = iota
	StateDisconnected
	StateStopped
	StateLive
	StateSlave
	StateMaster
)

func (s State) String() string {
	switch s {
	case StateFailed:
		return "Failed"
	case StateDisconnected:
		return "Disconnected"
	case StateStopped:
		return "Stopped"
	case StateLive:
		return "Live"
	case StateSlave:
		return "Slave"
	case StateMaster:
		return "Master"
	default:
		return "Unknown"
	}
}

// ServiceAction is the supervisor-wide target action a runner drives its
// services towards.
type ServiceAction int

const (
	ActionFail ServiceAction = iota
	ActionStop
	ActionStart
	ActionDemote
	ActionPromote
)

func (a ServiceAction) String() string {
	switch a {
	case ActionFail:
		return "fail"
	case ActionStop:
		return "stop"
	case ActionStart:
		return "start"
	case ActionDemote:
		return "demote"
	case ActionPromote:
		return "promote"
	default:
		return "unknown"
	}
}

// ServiceState is a single service's state machine. Ordinal
// order matters: comparisons like "> Started" are used throughout the
// elector, runner and supervisor.
type ServiceState int

const (
	SvcFailed ServiceState = iota
	SvcFailing
	SvcStopped
	SvcStopping
	SvcStarting
	SvcStarted
	SvcDemoting
	SvcPromoting
	SvcPromoted
)

func (s ServiceState) String() string {
	switch s {
	case SvcFailed:
		return "Failed"
	case SvcFailing:
		return "Failing"
	case SvcStopped:
		return "Stopped"
	case SvcStopping:
		return "Stopping"
	case SvcStarting:
		return "Starting"
	case SvcStarted:
		return "Started"
	case SvcDemoting:
		return "Demoting"
	case SvcPromoting:
		return "Promoting"
	case SvcPromoted:
		return "Promoted"
	default:
		return "Unknown"
	}
}

// ServiceInfo is the wire-level summary of one service, as carried in a
// HealthReport.
type ServiceInfo struct {
	Name   string
	Event  string
	State  ServiceState
	Failed bool
}

// ClusterNode is a peer as known to the membership layer.
type ClusterNode struct {
	Id        NodeId
	Name      string
	Endpoints RecentEndpoints
	Flags     NodeFlags
	LastSeen  time.Time
}

// RunnerRecord is held only by the elector: everything it knows about one
// runner in the cluster.
type RunnerRecord struct {
	Id         NodeId
	Name       string
	Endpoints  RecentEndpoints
	LastSeen   time.Time
	LastFailed time.Time
	Uptime     time.Duration
	State      State
	Mode       RunnerMode
	Maintenance bool
	Action     ServiceAction
	Services   []ServiceInfo
}

// Alive reports whether the runner has been seen within masterDeadTime of
// now.
func (r *RunnerRecord) Alive(masterDeadTime time.Duration, now time.Time) bool {
	return now.Sub(r.LastSeen) <= masterDeadTime
}

// Electable reports whether the runner is currently a valid promotion
// candidate, ignoring the failure-age cutoff when promotionTimeout is 0.
func (r *RunnerRecord) Electable(now time.Time, promotionTimeout time.Duration) bool {
	if r.State <= StateStopped {
		return false
	}
	if r.Mode == Passive {
		return false
	}
	if promotionTimeout > 0 && !r.LastFailed.IsZero() && now.Sub(r.LastFailed) <= promotionTimeout {
		return false
	}
	return true
}

// PromotedService reports whether any tracked service is at or beyond
// Demoting (i.e. actively promoted or being promoted/demoted).
func (r *RunnerRecord) PromotedService() bool {
	for _, s := range r.Services {
		if s.State >= SvcDemoting {
			return true
		}
	}
	return false
}

// FailedService reports whether any tracked service is flagged failed.
func (r *RunnerRecord) FailedService() bool {
	for _, s := range r.Services {
		if s.Failed {
			return true
		}
	}
	return false
}

// FailureRecord is one entry in the elector's bounded failure log.
type FailureRecord struct {
	Time time.Time
	Name string
	Id   NodeId
}

// MaxFailureRecords bounds the elector's in-memory failure ring buffer.
const MaxFailureRecords = 10
