// Package config loads ward's key-value INFO-style configuration
// file: dotted sections (node.*, cluster.*, service.*, time.*) parsed
// as a flat properties file, with typed defaults overlaid by whatever
// keys the file provides.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/types"
	"github.com/magiconair/properties"
)

// NodeConfig covers node.* keys.
type NodeConfig struct {
	Elector     bool
	Runner      bool
	Port        uint16
	Maintenance bool
	LogLevel    log.Level
}

// ClusterConfig covers cluster.* keys.
type ClusterConfig struct {
	Id        uint8
	Quorum    int
	Password  string
	Transport string // comma/space separated list of peer endpoints
}

// ServiceConfig covers service.* keys.
type ServiceConfig struct {
	Folder                string
	WorkingDir            string
	StartTimeout          time.Duration
	StopTimeout           time.Duration
	StatusTimeout         time.Duration
	PromoteTimeout        time.Duration
	DemoteTimeout         time.Duration
	FailedTimeout         time.Duration
	AutoRecover           int
	AutoRecoverWaitFactor int
}

// TimeConfig covers time.* keys: all the tick intervals and timeout
// thresholds driving the cluster/elector/runner/supervisor state machines.
type TimeConfig struct {
	StatusInterval             time.Duration
	ClusterUpdateInterval      time.Duration
	StateUpdateInterval        time.Duration
	ElectorTickInterval        time.Duration
	RunnerTickInterval         time.Duration
	ElectorLostTime            time.Duration
	ElectorGoneTime            time.Duration
	QuorumDemoteTime           time.Duration
	MainloopSleepTime          time.Duration
	MasterDeadTime             time.Duration
	ElectorStartupTolerance    time.Duration
	InitialPromotionDelay      time.Duration
	AutoRecoverTime            time.Duration
	FailcountReset             time.Duration
	FailurePromotionTimeout    time.Duration
	NodePruneTimeout           time.Duration
	ForgetDisconnectedRunners  time.Duration // REDESIGN: configurable, was hardcoded 30min
}

// Config is the fully parsed, typed configuration.
type Config struct {
	Node    NodeConfig
	Cluster ClusterConfig
	Service ServiceConfig
	Time    TimeConfig
}

// Default returns the built-in defaults applied before a config file is
// overlaid on top, so missing keys keep a sane value.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Elector:  false,
			Runner:   true,
			Port:     types.DefaultPort,
			LogLevel: log.InfoLevel,
		},
		Cluster: ClusterConfig{
			Id:     0,
			Quorum: 0,
		},
		Service: ServiceConfig{
			Folder:                "/etc/ward/services",
			WorkingDir:            "/",
			StartTimeout:          30 * time.Second,
			StopTimeout:           30 * time.Second,
			StatusTimeout:         5 * time.Second,
			PromoteTimeout:        30 * time.Second,
			DemoteTimeout:         30 * time.Second,
			FailedTimeout:         10 * time.Second,
			AutoRecover:           5,
			AutoRecoverWaitFactor: 2,
		},
		Time: TimeConfig{
			StatusInterval:            10 * time.Second,
			ClusterUpdateInterval:     time.Second,
			StateUpdateInterval:       100 * time.Millisecond,
			ElectorTickInterval:       time.Second,
			RunnerTickInterval:        time.Second,
			ElectorLostTime:           5 * time.Second,
			ElectorGoneTime:           15 * time.Second,
			QuorumDemoteTime:          10 * time.Second,
			MainloopSleepTime:         333 * time.Millisecond,
			MasterDeadTime:            5 * time.Second,
			ElectorStartupTolerance:   2 * time.Second,
			InitialPromotionDelay:     10 * time.Second,
			AutoRecoverTime:           10 * time.Second,
			FailcountReset:            5 * time.Minute,
			FailurePromotionTimeout:   60 * time.Second,
			NodePruneTimeout:          5 * time.Second,
			ForgetDisconnectedRunners: 30 * time.Minute,
		},
	}
}

// Load reads path as a properties file and overlays it onto the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for key, value := range props.Map() {
		if err := cfg.apply(key, value); err != nil {
			return nil, fmt.Errorf("config: key %q: %w", key, err)
		}
	}
	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "node.elector":
		return setBool(&c.Node.Elector, value)
	case "node.runner":
		return setBool(&c.Node.Runner, value)
	case "node.port":
		return setPort(&c.Node.Port, value)
	case "node.maintenance":
		return setBool(&c.Node.Maintenance, value)
	case "node.loglevel":
		c.Node.LogLevel = log.Level(value)
		return nil

	case "cluster.id":
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		c.Cluster.Id = uint8(n)
		return nil
	case "cluster.quorum":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Cluster.Quorum = n
		return nil
	case "cluster.password":
		c.Cluster.Password = value
		return nil
	case "cluster.transport":
		c.Cluster.Transport = value
		return nil

	case "service.folder":
		c.Service.Folder = value
		return nil
	case "service.workingdir":
		c.Service.WorkingDir = value
		return nil
	case "service.start_timeout":
		return setDuration(&c.Service.StartTimeout, value)
	case "service.stop_timeout":
		return setDuration(&c.Service.StopTimeout, value)
	case "service.status_timeout":
		return setDuration(&c.Service.StatusTimeout, value)
	case "service.promote_timeout":
		return setDuration(&c.Service.PromoteTimeout, value)
	case "service.demote_timeout":
		return setDuration(&c.Service.DemoteTimeout, value)
	case "service.failed_timeout":
		return setDuration(&c.Service.FailedTimeout, value)
	case "service.auto_recover":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Service.AutoRecover = n
		return nil
	case "service.auto_recover_wait_factor":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Service.AutoRecoverWaitFactor = n
		return nil

	case "time.status_interval":
		return setDuration(&c.Time.StatusInterval, value)
	case "time.cluster_update_interval":
		return setDuration(&c.Time.ClusterUpdateInterval, value)
	case "time.state_update_interval":
		return setDuration(&c.Time.StateUpdateInterval, value)
	case "time.elector_tick_interval":
		return setDuration(&c.Time.ElectorTickInterval, value)
	case "time.runner_tick_interval":
		return setDuration(&c.Time.RunnerTickInterval, value)
	case "time.elector_lost_time":
		return setDuration(&c.Time.ElectorLostTime, value)
	case "time.elector_gone_time":
		return setDuration(&c.Time.ElectorGoneTime, value)
	case "time.quorum_demote_time":
		return setDuration(&c.Time.QuorumDemoteTime, value)
	case "time.mainloop_sleep_time":
		return setDuration(&c.Time.MainloopSleepTime, value)
	case "time.master_dead_time":
		return setDuration(&c.Time.MasterDeadTime, value)
	case "time.elector_startup_tolerance":
		return setDuration(&c.Time.ElectorStartupTolerance, value)
	case "time.initial_promotion_delay":
		return setDuration(&c.Time.InitialPromotionDelay, value)
	case "time.auto_recover_time":
		return setDuration(&c.Time.AutoRecoverTime, value)
	case "time.failcount_reset":
		return setDuration(&c.Time.FailcountReset, value)
	case "time.failure_promotion_timeout":
		return setDuration(&c.Time.FailurePromotionTimeout, value)
	case "time.node_prune_timeout":
		return setDuration(&c.Time.NodePruneTimeout, value)
	case "time.forget_disconnected_runners":
		return setDuration(&c.Time.ForgetDisconnectedRunners, value)

	default:
		log.Logger.Warn().Str("key", key).Msg("config: unknown key, ignoring")
		return nil
	}
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setPort(dst *uint16, value string) error {
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return err
	}
	*dst = uint16(n)
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	d, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// Endpoints parses Cluster.Transport into a list of peer endpoints
// (comma/space separated).
func (c *Config) Endpoints() ([]types.Endpoint, error) {
	fields := strings.FieldsFunc(c.Cluster.Transport, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]types.Endpoint, 0, len(fields))
	for _, f := range fields {
		ep, err := types.ParseEndpoint(f)
		if err != nil {
			return nil, fmt.Errorf("config: transport endpoint %q: %w", f, err)
		}
		out = append(out, ep)
	}
	return out, nil
}
