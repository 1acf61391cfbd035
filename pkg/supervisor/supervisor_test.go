package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/ward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, path string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func quietCfg() Config {
	return Config{
		Timeouts: TimeoutConfig{
			Start: time.Second, Stop: time.Second, Status: time.Second,
			Promote: time.Second, Demote: time.Second, Failed: time.Second,
		},
		StatusInterval: time.Hour,
	}
}

func TestDiscoverIgnoresDotBackupAndHashNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web.bak"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web~"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "#web#"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "10-web"), 0o755))
	writeScript(t, filepath.Join(dir, "10-web", "start"), "exit 0")

	services, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "web", services[0].Name)
	assert.Equal(t, 10, services[0].Priority)
}

func TestDiscoverSingleExecutableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cron")
	writeScript(t, path, "exit 0")

	services, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.True(t, services[0].SingleScript)
}

func TestSupervisorStartsServiceAndReachesStarted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web"), 0o755))
	writeScript(t, filepath.Join(dir, "web", "start"), "exit 0")

	s, err := New(Config{Folder: dir, Timeouts: quietCfg().Timeouts, StatusInterval: time.Hour}, nil)
	require.NoError(t, err)
	s.SetTarget(types.ActionStart)

	now := time.Unix(0, 0)
	deadline := now.Add(2 * time.Second)
	for now.Before(deadline) {
		s.Tick(now)
		if s.Services()[0].State == types.SvcStarted {
			break
		}
		now = now.Add(10 * time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, types.SvcStarted, s.Services()[0].State)
}

func TestSupervisorMarksFailedOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web"), 0o755))
	writeScript(t, filepath.Join(dir, "web", "start"), "exit 1")

	s, err := New(Config{Folder: dir, Timeouts: quietCfg().Timeouts, StatusInterval: time.Hour}, nil)
	require.NoError(t, err)
	s.SetTarget(types.ActionStart)

	now := time.Unix(0, 0)
	deadline := now.Add(2 * time.Second)
	for now.Before(deadline) {
		s.Tick(now)
		if s.Services()[0].Failed {
			break
		}
		now = now.Add(10 * time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, s.Services()[0].Failed)
	assert.Equal(t, types.SvcFailed, s.Services()[0].State)
}

func TestPromoteScriptSeesPromotedEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web"), 0o755))
	writeScript(t, filepath.Join(dir, "web", "promote"), `echo "$WARD_IS_PROMOTED $WARD_STATE" > env-seen`)

	s, err := New(Config{Folder: dir, WorkingDir: dir, Timeouts: quietCfg().Timeouts, StatusInterval: time.Hour}, nil)
	require.NoError(t, err)
	s.SetRunnerState(types.StateMaster)
	s.SetTarget(types.ActionPromote)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		if s.Services()[0].State == types.SvcPromoted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, types.SvcPromoted, s.Services()[0].State)

	seen, err := os.ReadFile(filepath.Join(dir, "env-seen"))
	require.NoError(t, err)
	assert.Equal(t, "1 Master\n", string(seen))
}

func TestStartStopOverrideKillsInFlightStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web"), 0o755))
	writeScript(t, filepath.Join(dir, "web", "start"), "sleep 5")
	writeScript(t, filepath.Join(dir, "web", "stop"), "touch stop-ran")

	cfg := quietCfg()
	cfg.Timeouts.Start = 10 * time.Second
	s, err := New(Config{Folder: dir, WorkingDir: dir, Timeouts: cfg.Timeouts, StatusInterval: time.Hour}, nil)
	require.NoError(t, err)

	s.SetTarget(types.ActionStart)
	s.Tick(time.Now())
	require.Equal(t, types.SvcStarting, s.Services()[0].State)

	began := time.Now()
	s.SetTarget(types.ActionStop)
	deadline := began.Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		if s.Services()[0].State == types.SvcStopped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, types.SvcStopped, s.Services()[0].State)
	assert.Less(t, time.Since(began), 4*time.Second, "override must not wait out the start script")
	assert.False(t, s.Services()[0].Failed)

	_, err = os.Stat(filepath.Join(dir, "stop-ran"))
	assert.NoError(t, err, "stop script must still run after the override kill")
}

func TestStartFailOverrideKillsInFlightStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web"), 0o755))
	writeScript(t, filepath.Join(dir, "web", "start"), "sleep 5")

	cfg := quietCfg()
	cfg.Timeouts.Start = 10 * time.Second
	s, err := New(Config{Folder: dir, WorkingDir: dir, Timeouts: cfg.Timeouts, StatusInterval: time.Hour}, nil)
	require.NoError(t, err)

	s.SetTarget(types.ActionStart)
	s.Tick(time.Now())
	require.Equal(t, types.SvcStarting, s.Services()[0].State)

	began := time.Now()
	s.SetTarget(types.ActionFail)
	deadline := began.Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		if s.Services()[0].State == types.SvcFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, types.SvcFailed, s.Services()[0].State)
	assert.Less(t, time.Since(began), 4*time.Second, "fail override must not wait out the start script")
}

func TestPriorityGatesLowerPriorityServiceStart(t *testing.T) {
	svcHigh := &Service{Name: "high", Priority: 1, State: types.SvcStopped}
	svcLow := &Service{Name: "low", Priority: 99, State: types.SvcStopped}
	s := &Supervisor{services: []*Service{svcHigh, svcLow}, target: types.ActionStart}

	assert.False(t, s.priorityAllows(svcHigh, types.ActionStart), "high-priority must wait for lower-priority to start first")
	assert.True(t, s.priorityAllows(svcLow, types.ActionStart))
}

func TestPriorityGatesHigherPriorityServiceStop(t *testing.T) {
	svcHigh := &Service{Name: "high", Priority: 1, State: types.SvcStarted}
	svcLow := &Service{Name: "low", Priority: 99, State: types.SvcStarted}
	s := &Supervisor{services: []*Service{svcHigh, svcLow}, target: types.ActionStop}

	assert.False(t, s.priorityAllows(svcLow, types.ActionStop), "lower-priority must wait for higher-priority to stop first")
	assert.True(t, s.priorityAllows(svcHigh, types.ActionStop))
}

func TestResolvedStatesMatchesTargetMap(t *testing.T) {
	assert.True(t, resolvedStates(types.ActionStop, types.SvcStopped))
	assert.True(t, resolvedStates(types.ActionStop, types.SvcFailed))
	assert.False(t, resolvedStates(types.ActionStop, types.SvcStarted))
	assert.True(t, resolvedStates(types.ActionPromote, types.SvcPromoted))
	assert.False(t, resolvedStates(types.ActionPromote, types.SvcStarted))
}
