package runner

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	reports []msg.HealthReport
}

func (f *fakeSender) SendHealthReport(_ types.Endpoint, r msg.HealthReport) { f.reports = append(f.reports, r) }

type fakeSupervisor struct {
	services     []types.ServiceInfo
	promotable   bool
	targetAction types.ServiceAction
}

func (s *fakeSupervisor) Services() []types.ServiceInfo       { return s.services }
func (s *fakeSupervisor) Promotable() bool                    { return s.promotable }
func (s *fakeSupervisor) TargetAction() types.ServiceAction    { return s.targetAction }
func (s *fakeSupervisor) SetTarget(a types.ServiceAction)      { s.targetAction = a }

func (s *fakeSupervisor) ClearFailures() {
	for i := range s.services {
		s.services[i].Failed = false
	}
}

func testConfig() Config {
	return Config{
		ElectorLostTime:       5 * time.Second,
		ElectorGoneTime:       15 * time.Second,
		QuorumDemoteTime:      10 * time.Second,
		AutoRecoverTime:       time.Second,
		AutoRecoverCap:        5,
		AutoRecoverWaitFactor: 2,
		FailcountResetTime:    time.Minute,
	}
}

func ep() types.Endpoint { return types.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1} }

func TestElectorNamingSelfAsMasterPromotes(t *testing.T) {
	id := uuid.New()
	s := &fakeSender{}
	r := New(id, "r1", testConfig(), s, &fakeSupervisor{}, time.Unix(0, 0))
	now := time.Unix(10, 0)

	r.HandleStateUpdate(ep(), msg.StateUpdate{MasterId: id}, now)
	require.Equal(t, types.StateLive, r.State())

	r.HandleStateUpdate(ep(), msg.StateUpdate{MasterId: id}, now)
	assert.Equal(t, types.StateMaster, r.State())
}

func TestElectorNamingOtherDemotesToSlave(t *testing.T) {
	self, other := uuid.New(), uuid.New()
	s := &fakeSender{}
	r := New(self, "r1", testConfig(), s, &fakeSupervisor{}, time.Unix(0, 0))
	now := time.Unix(10, 0)

	r.HandleStateUpdate(ep(), msg.StateUpdate{MasterId: self}, now)
	r.HandleStateUpdate(ep(), msg.StateUpdate{MasterId: self}, now)
	require.Equal(t, types.StateMaster, r.State())

	r.HandleStateUpdate(ep(), msg.StateUpdate{MasterId: other}, now)
	assert.Equal(t, types.StateSlave, r.State())
}

func TestQuorumLostDemotesMasterAfterGrace(t *testing.T) {
	self := uuid.New()
	s := &fakeSender{}
	r := New(self, "r1", testConfig(), s, &fakeSupervisor{promotable: true}, time.Unix(0, 0))
	now := time.Unix(10, 0)
	r.HandleStateUpdate(ep(), msg.StateUpdate{MasterId: self}, now)
	r.HandleStateUpdate(ep(), msg.StateUpdate{MasterId: self}, now)
	require.Equal(t, types.StateMaster, r.State())

	r.Tick(now, false)
	assert.Equal(t, types.StateMaster, r.State(), "should not demote before grace elapses")

	r.Tick(now.Add(11*time.Second), false)
	assert.Equal(t, types.StateSlave, r.State())
}

func TestFailedServiceMarksFailed(t *testing.T) {
	self := uuid.New()
	s := &fakeSender{}
	super := &fakeSupervisor{services: []types.ServiceInfo{{Name: "web", Failed: true}}}
	r := New(self, "r1", testConfig(), s, super, time.Unix(0, 0))
	now := time.Unix(10, 0)

	r.Tick(now, true)
	assert.Equal(t, types.StateFailed, r.State())
}

func TestRecoverClearsFailureAfterBackoff(t *testing.T) {
	self := uuid.New()
	s := &fakeSender{}
	super := &fakeSupervisor{services: []types.ServiceInfo{{Name: "web", Failed: true}}}
	r := New(self, "r1", testConfig(), s, super, time.Unix(0, 0))
	now := time.Unix(10, 0)
	r.Tick(now, true)
	require.Equal(t, types.StateFailed, r.State())

	super.services[0].Failed = false
	r.Tick(now.Add(2*time.Second), true)
	assert.Equal(t, types.StateDisconnected, r.State())
}

func TestAutoRecoverBackoffDoubles(t *testing.T) {
	self := uuid.New()
	s := &fakeSender{}
	super := &fakeSupervisor{services: []types.ServiceInfo{{Name: "web", Failed: true}}}
	r := New(self, "r1", testConfig(), s, super, time.Unix(0, 0))
	now := time.Unix(10, 0)
	r.Tick(now, true)
	require.Equal(t, types.StateFailed, r.State())

	// First recovery waits the base auto_recover_time.
	r.Tick(now.Add(900*time.Millisecond), true)
	require.Equal(t, types.StateFailed, r.State())
	r.Tick(now.Add(1100*time.Millisecond), true)
	require.Equal(t, types.StateDisconnected, r.State())

	// Fail again: the second gap doubles.
	super.services[0].Failed = true
	fail2 := now.Add(2 * time.Second)
	r.Tick(fail2, true)
	require.Equal(t, types.StateFailed, r.State())

	r.Tick(fail2.Add(1500*time.Millisecond), true)
	assert.Equal(t, types.StateFailed, r.State(), "second recovery must wait factor times longer")
	r.Tick(fail2.Add(2100*time.Millisecond), true)
	assert.Equal(t, types.StateDisconnected, r.State())
}

func TestRecoverRPCClearsFailcount(t *testing.T) {
	self := uuid.New()
	s := &fakeSender{}
	r := New(self, "r1", testConfig(), s, &fakeSupervisor{}, time.Unix(0, 0))
	r.state = types.StateFailed
	r.failCount = 3
	r.Recover()
	assert.Equal(t, 0, r.failCount)
	assert.Equal(t, types.StateDisconnected, r.State())
}
