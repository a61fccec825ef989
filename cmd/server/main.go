// Package main provides the control-plane server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/mitaka8/boombox/internal/app/advancer"
	"github.com/mitaka8/boombox/internal/app/gateway"
	"github.com/mitaka8/boombox/internal/app/persistence"
	"github.com/mitaka8/boombox/internal/app/playback"
	"github.com/mitaka8/boombox/internal/infra/config"
	"github.com/mitaka8/boombox/internal/infra/eventbus"
	"github.com/mitaka8/boombox/internal/infra/logger"
	"github.com/mitaka8/boombox/internal/infra/queuestore"
	"github.com/mitaka8/boombox/internal/infra/snapshot"
	"github.com/mitaka8/boombox/internal/telemetry"
)

var (
	app        = kingpin.New("boombox-server", "boombox playback control plane")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	loggerConfig := logger.Config{Output: "stdout", Level: "info"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// run executes the main server logic. Using a separate function ensures
// defer statements run even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable stores.
	queue, err := queuestore.Open(cfg.Queue.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}

	var snaps snapshot.Store
	switch cfg.Snapshot.Driver {
	case "redis":
		rs, err := snapshot.NewRedisStore(ctx, cfg.Snapshot.RedisAddr, cfg.Snapshot.RedisPass, cfg.Snapshot.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to open redis snapshot store: %w", err)
		}
		defer rs.Close()
		snaps = rs
	default:
		fs, err := snapshot.NewFilesystemStore(cfg.Snapshot.Path)
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		snaps = fs
	}

	// Core state machine and its collaborators.
	pb := playback.NewStore()
	adv := advancer.New(pb, queue)
	persist := persistence.NewManager(pb, snaps, queue, cfg.SnapshotInterval())

	gw := gateway.New(gateway.Config{
		Secret:            []byte(cfg.Auth.Secret),
		AckTimeout:        cfg.AckTimeout(),
		MaxQueue:          cfg.Gateway.MaxQueue,
		ClockSkew:         cfg.ClockSkew(),
		HistoryTTL:        cfg.HistoryTTL(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, pb, adv)

	// Recover before the write-through hook is armed, so restoring state
	// does not immediately rewrite the snapshots being read.
	persist.Recover(ctx, cfg.Tenants)
	pb.OnMutate(func(tenant string, _ playback.State) {
		persist.Flush(ctx, tenant)
	})

	// Initial reconciliation: without it a backlog accumulated while the
	// process was down would wait for the first timer tick.
	for _, tenant := range cfg.Tenants {
		if err := adv.Reconcile(ctx, tenant); err != nil {
			zlog.Warn().Str("tenant", tenant).Err(err).Msg("startup reconcile failed")
		}
	}

	// Background loops.
	go gw.Run(ctx)
	go gw.RunSweeps(ctx)
	go persist.Run(ctx)
	go adv.RunPeriodic(ctx, cfg.AdvancerInterval(), cfg.Tenants, gw.SyncDisplays)
	go runTicker(ctx, pb, cfg.Tenants, cfg.TickInterval())

	// Optional payment-confirmation feed.
	if cfg.NATS.URL != "" {
		sub, err := eventbus.NewPaymentSubscriber(cfg.NATS.URL, cfg.NATS.Subject, zlog.Logger)
		if err != nil {
			zlog.Warn().Err(err).Msg("payment event feed unavailable, continuing without it")
		} else {
			defer sub.Close()
			err = sub.Start(ctx, func(ctx context.Context, ev eventbus.PaymentConfirmed) error {
				if err := queue.Confirm(ctx, ev.RequestID); err != nil {
					return err
				}
				if err := adv.Reconcile(ctx, ev.Tenant); err != nil {
					return err
				}
				gw.SyncDisplays(ev.Tenant)
				return nil
			})
			if err != nil {
				zlog.Warn().Err(err).Msg("payment event subscription failed")
			}
		}
	}

	// HTTP surface: the two websocket endpoints plus health and metrics.
	wsHandler := gateway.NewWSHandler(gw, zlog.Logger)
	r := chi.NewRouter()
	r.Get("/ws/control", wsHandler.HandleControl)
	r.Get("/ws/display", wsHandler.HandleDisplay)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", telemetry.Handler())

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Final snapshot so a clean shutdown loses nothing.
	for _, tenant := range cfg.Tenants {
		persist.Flush(ctx, tenant)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")
	return nil
}

// runTicker advances playback position for every tenant on a fixed
// cadence. Ticks only move position while a tenant is playing.
func runTicker(ctx context.Context, pb *playback.Store, tenants []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	delta := interval.Seconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range tenants {
				pb.Tick(tenant, delta)
			}
		}
	}
}
