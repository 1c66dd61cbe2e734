// The Network Service process: event fabric, registry, policy engine,
// SoftSDN observability, and the REST + WebSocket front doors.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/api"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/config"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/fabric"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/policy"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if !cfg.IsProduction() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	patterns := registry.DefaultPatterns()
	if cfg.PatternsFile != "" {
		loaded, err := registry.LoadPatterns(cfg.PatternsFile)
		if err != nil {
			logger.Error("failed to load auto-contract patterns", "file", cfg.PatternsFile, "error", err)
			os.Exit(1)
		}
		patterns = loaded
	}

	reg := registry.New(cfg.NodeTimeout, patterns, logger)
	policies := policy.NewEngine(logger)
	policies.SeedDefaults()

	rt := router.New(router.Options{
		Registry:        reg,
		Policies:        policies,
		Secret:          cfg.NetworkSecret,
		MaxEventHistory: cfg.MaxEventHistory,
		MaxTraceHistory: cfg.MaxTraceHistory,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Logger:          logger,
	})

	idc := identity.NewClient(cfg.IdentityServiceURL, os.Getenv("SERVICE_KEY"), logger)

	hub := fabric.NewHub(reg, rt, idc, cfg.CORSOrigins, logger)
	rt.SetSink(hub)

	if cfg.RedisAddr != "" {
		if mirror := fabric.NewRedisMirror(cfg.RedisAddr, logger); mirror != nil {
			rt.SetMirror(mirror)
			defer mirror.Close()
		}
	}

	srv := api.NewServer(api.Options{
		Registry:    reg,
		Policies:    policies,
		Router:      rt,
		Identity:    idc,
		Hub:         hub,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Staleness cleanup on the heartbeat interval: the whole node table is
	// the per-tick budget.
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := reg.CleanupStale(); len(removed) > 0 {
					logger.Info("stale nodes evicted", "count", len(removed), "nodes", removed)
					for _, id := range removed {
						hub.BroadcastTopology("network:node:left", map[string]string{"nodeId": id})
					}
				}
				if expired := reg.CleanupExpiredContracts(); len(expired) > 0 {
					logger.Info("expired contracts evicted", "count", len(expired))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("network service listening", "addr", cfg.Addr(), "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	rt.Close()
}
