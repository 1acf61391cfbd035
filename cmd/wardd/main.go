package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/ward/pkg/config"
	"github.com/cuemby/ward/pkg/log"
	"github.com/cuemby/ward/pkg/metrics"
	"github.com/cuemby/ward/pkg/nexus"
	"github.com/cuemby/ward/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configFile  string
	nodeName    string
	debugMode   bool
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wardd",
	Short: "ward cluster coordinator daemon",
	Long: `wardd elects a master among cooperating nodes and supervises the
local service scripts, promoting one node's services to the active role
while the rest stand by.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "file", "f", "", "configuration file")
	rootCmd.PersistentFlags().StringVar(&nodeName, "name", "", "node display name (default: hostname)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address for the metrics/health HTTP listener (disabled when empty)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wardd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func initLogging(cfg *config.Config) {
	level := cfg.Node.LogLevel
	if debugMode {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: false})
}

// restartRequired lists the settings that cannot be applied to a running
// nexus: changing any of them tears the instance down and builds a new
// one.
func restartRequired(old, next *config.Config) bool {
	return old.Node.Port != next.Node.Port ||
		old.Node.Elector != next.Node.Elector ||
		old.Node.Runner != next.Node.Runner ||
		old.Cluster.Id != next.Cluster.Id ||
		old.Cluster.Password != next.Cluster.Password ||
		old.Cluster.Transport != next.Cluster.Transport ||
		old.Service.Folder != next.Service.Folder
}

func run() error {
	metrics.SetVersion(Version)

	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("cannot determine hostname: %w", err)
		}
		nodeName = hostname
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for {
		restart, err := runOnce(cfg, sigs)
		if err != nil {
			return err
		}
		if restart == nil {
			return nil
		}
		log.Logger.Info().Msg("wardd: restarting with new configuration")
		cfg = restart
		initLogging(cfg)
	}
}

// runOnce runs one nexus instance until shutdown or a restart-requiring
// reload. A non-nil config return means "restart with this".
func runOnce(cfg *config.Config, sigs chan os.Signal) (*config.Config, error) {
	// Node ids identify one coordinator incarnation; every (re)start
	// gets a fresh one.
	selfId := types.NewNodeId()
	log.Logger.Info().Str("id", selfId.String()).Str("name", nodeName).Msg("wardd: starting")

	n, err := nexus.New(cfg, selfId, nodeName)
	if err != nil {
		return nil, err
	}
	log.Logger.Info().Uint16("port", n.LocalPort()).Msg("wardd: listening")

	var metricsSrv *http.Server
	var collector *metrics.Collector
	if metricsAddr != "" {
		collector = metrics.NewCollector(n)
		collector.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("wardd: metrics listener failed")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	stop := func() {
		cancel()
		<-done
		if collector != nil {
			collector.Stop()
		}
		if metricsSrv != nil {
			shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
			_ = metricsSrv.Shutdown(shutdownCtx)
			c()
		}
	}

	reloadPoll := time.NewTicker(time.Second)
	defer reloadPoll.Stop()

	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				if next, restart := tryReload(cfg); restart {
					stop()
					return next, nil
				}
				continue
			}
			log.Logger.Info().Str("signal", sig.String()).Msg("wardd: shutting down")
			stop()
			return nil, nil

		case <-reloadPoll.C:
			if !n.ReloadRequested() {
				continue
			}
			if next, restart := tryReload(cfg); restart {
				stop()
				return next, nil
			}

		case <-done:
			return nil, nil
		}
	}
}

// tryReload re-reads the configuration file. A failed parse keeps the
// old settings; a changed restart-requiring setting asks the caller to
// rebuild.
func tryReload(cfg *config.Config) (*config.Config, bool) {
	next, err := loadConfig()
	if err != nil {
		log.Logger.Error().Err(err).Msg("wardd: configuration reload failed, keeping old settings")
		return nil, false
	}
	if restartRequired(cfg, next) {
		return next, true
	}
	// Only logging applies in place; the running nexus keeps reading its
	// own Config unchanged.
	initLogging(next)
	log.Logger.Info().Msg("wardd: configuration reloaded")
	return nil, false
}
