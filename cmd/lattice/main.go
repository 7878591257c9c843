package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/latticewan/lattice/pkg/config"
	"github.com/latticewan/lattice/pkg/coord"
	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/gateway"
	"github.com/latticewan/lattice/pkg/jobs"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/metrics"
	"github.com/latticewan/lattice/pkg/nat"
	"github.com/latticewan/lattice/pkg/pending"
	"github.com/latticewan/lattice/pkg/reconciler"
	"github.com/latticewan/lattice/pkg/registry"
	"github.com/latticewan/lattice/pkg/router"
	"github.com/latticewan/lattice/pkg/storage"
	"github.com/latticewan/lattice/pkg/tunnel"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice - SD-WAN management control plane",
	Long: `Lattice is the management side of an SD-WAN overlay: devices hold a
persistent websocket to one of the management hosts, and the hosts
coordinate through Redis so any of them can address any device.

It allocates tunnel numbers, derives tunnel parameters, drives the
device job queues, and keeps tunnel and route state consistent as
device interfaces come and go.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Lattice version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.Flags().String("config", "/etc/lattice/config.yaml", "Path to config file")
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a management host",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.SetVersion(Version)
		logger := log.WithComponent("main")
		logger.Info().Str("host_id", cfg.HostID).Str("version", Version).Msg("starting management host")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			metrics.RegisterComponent("storage", false, err.Error())
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent("storage", true, "")

		queue, err := jobs.NewBoltQueue(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open job queue: %w", err)
		}
		defer queue.Close()

		cs, err := openCoord(ctx, cfg)
		if err != nil {
			metrics.RegisterComponent("coord", false, err.Error())
			return err
		}
		defer cs.Close()
		metrics.RegisterComponent("coord", true, "")

		notify := events.NewBroker()
		notify.Start()
		defer notify.Stop()

		reg := registry.New(registry.Config{
			HostID:         cfg.HostID,
			PingInterval:   cfg.PingInterval,
			PongBudget:     cfg.PongBudget,
			ConnExpiry:     cfg.ConnExpiry,
			DebounceWindow: cfg.DebounceWindow,
		}, cs, notify)

		rt := router.New(cfg.HostID, reg, cs, cfg.SeqTTL, cfg.SendTimeout)
		reg.SetNotifier(rt)

		limiter := pending.NewChurnLimiter(rate.Limit(cfg.ChurnRate), cfg.ChurnBurst)
		engine := pending.NewEngine(store, notify, limiter)

		broker := jobs.NewBroker(queue, store, notify, cfg.RetryBudget)
		alloc := tunnel.NewAllocator(store, cfg.TunnelRange)
		orch := tunnel.NewOrchestrator(store, queue, alloc, notify)
		orch.RegisterHandlers(broker)

		dispatcher := jobs.NewDispatcher(queue, reg, rt, broker, cfg.SendTimeout)

		if err := rt.Start(ctx, gateway.NewBusBridge(reg)); err != nil {
			return fmt.Errorf("failed to start router: %w", err)
		}
		defer rt.Stop()

		reg.Start()
		defer reg.Stop()

		dispatcher.Start()
		defer dispatcher.Stop()

		gw := gateway.New(gateway.Config{
			ListenAddr: cfg.ListenAddr,
			AuthSecret: cfg.AuthSecret,
		}, store, reg, rt, engine)
		gw.Start()
		metrics.RegisterComponent("gateway", true, "")

		rec := reconciler.New(reconciler.Config{
			OrphanGrace: cfg.OrphanGrace,
		}, store, queue, orch, engine)
		rec.Start()
		defer rec.Stop()

		collector := metrics.NewCollector(store, reg, rt.PendingCount, func() map[string]int {
			return jobCounts(queue)
		})
		collector.Start()
		defer collector.Stop()

		metricsSrv := startMetricsServer(cfg.MetricsAddr)

		probePublicAddress(ctx, cfg, logger)

		logger.Info().Str("listen", cfg.ListenAddr).Str("metrics", cfg.MetricsAddr).Msg("management host running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("gateway shutdown error")
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown error")
		}
		return nil
	},
}

// openCoord picks the coordination store: Redis when configured, the
// in-process store otherwise. A single host works fine on the memory
// store; cross-host routing needs Redis.
func openCoord(ctx context.Context, cfg *config.Config) (coord.Store, error) {
	if cfg.RedisAddr == "" {
		mainLog := log.WithComponent("main")
		mainLog.Warn().Msg("no redis address configured, using in-process coordination store")
		return coord.NewMemoryStore(), nil
	}
	cs, err := coord.NewRedisStore(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return cs, nil
}

func jobCounts(queue jobs.Queue) map[string]int {
	counts := make(map[string]int)
	all, err := queue.ListByState(jobs.StateQueued, jobs.StateRunning, jobs.StateInactive, jobs.StateComplete, jobs.StateFailed)
	if err != nil {
		return counts
	}
	for _, job := range all {
		counts[string(job.State)]++
	}
	return counts
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metricsLog := log.WithComponent("metrics")
			metricsLog.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

// probePublicAddress discovers this host's public address via STUN.
// Devices behind NAT dial back to whatever address the fleet
// advertises, so log what the world sees.
func probePublicAddress(ctx context.Context, cfg *config.Config, logger zerolog.Logger) {
	if len(cfg.STUNServers) == 0 {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mapping, err := nat.Probe(probeCtx, cfg.STUNServers, 5*time.Second)
	if err != nil {
		logger.Warn().Err(err).Msg("public address probe failed")
		return
	}
	logger.Info().Str("public_ip", mapping.IP).Str("public_port", mapping.Port).
		Str("nat", string(mapping.NAT)).Msg("public address discovered")
}
