package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"switchboard/internal/agent"
	"switchboard/internal/api"
	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/logging"
	"switchboard/internal/orchestrator"
	"switchboard/internal/policy"
	"switchboard/internal/registry"
	"switchboard/internal/resource"
	"switchboard/internal/router"
	sqlitestore "switchboard/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.switchboard/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	levelFlag := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	demo := flag.Bool("demo", false, "register in-process demo agents on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Logging.Level = firstNonEmpty(*levelFlag, cfg.Logging.Level, "info")

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, ":8080")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Store.DBPath, "switchboard.db"))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	var sampler orchestrator.Sampler
	var workerSampler agent.Sampler
	if s, err := resource.NewSampler(); err != nil {
		logger.Warn("resource sampling disabled", zap.Error(err))
	} else {
		sampler, workerSampler = s, s
	}

	reg := registry.New()
	effect := domain.PermissionEffect(firstNonEmpty(cfg.Policy.DefaultEffect, string(domain.PermissionEffectAllow)))
	policyEngine := policy.New(store, effect)

	orc := cfg.Orchestrator
	orch := orchestrator.New(store, reg, sampler, orchestrator.Config{
		DispatchInterval:   durationMS(orc.DispatchIntervalMS, time.Second),
		HealthInterval:     durationMS(orc.HealthIntervalMS, 30*time.Second),
		MetricsInterval:    durationMS(orc.MetricsIntervalMS, time.Minute),
		RetentionInterval:  durationMS(orc.RetentionIntervalMS, time.Hour),
		Retention:          time.Duration(intOrDefault(orc.RetentionHours, 7*24)) * time.Hour,
		PerAgentBatch:      intOrDefault(orc.PerAgentBatch, 5),
		DefaultMaxAttempts: intOrDefault(orc.DefaultMaxAttempts, 3),
		DefaultTaskTimeout: durationMS(orc.DefaultTaskTimeoutMS, time.Minute),
		ProbeTimeout:       durationMS(orc.ProbeTimeoutMS, 5*time.Second),
		ProbeConcurrency:   intOrDefault(orc.ProbeConcurrency, 8),
	}, logger)

	rc := cfg.Router
	rt := router.New(store, policyEngine, reg, router.Config{
		MaxTextLength:     intOrDefault(rc.MaxTextLength, 4000),
		DefaultRetryLimit: intOrDefault(rc.DefaultRetryLimit, 3),
		DefaultTTL:        durationMS(rc.DefaultTTLMS, 24*time.Hour),
		RealtimeTimeout:   durationMS(rc.RealtimeTimeoutMS, 5*time.Second),
		RedeliverInterval: durationMS(rc.RedeliverIntervalMS, 5*time.Second),
		SensitiveKeys:     rc.SensitiveKeys,
	}, logger)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	rt.Start(ctx)

	if *demo {
		workers, err := bootstrapDemo(ctx, orch, workerSampler, logger)
		if err != nil {
			logger.Warn("demo bootstrap failed", zap.Error(err))
		}
		defer func() {
			for _, w := range workers {
				w.Close()
			}
		}()
	}

	handler := api.New(orch, rt, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
		Connect: func(endpoint, token string) (registry.Handle, error) {
			return agent.NewRemote(agent.RemoteConfig{
				Endpoint:  endpoint,
				AuthToken: token,
				Logger:    logger,
			})
		},
	}).Handler()

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("switchboard started",
			zap.String("addr", addr),
			zap.String("db", dbPath),
			zap.String("config", cfg.Path),
			zap.String("default_effect", string(effect)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), durationMS(cfg.Server.ShutdownTimeoutMS, 10*time.Second))
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	rt.Stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", zap.Error(err))
	}
	return nil
}

// bootstrapDemo registers one in-process worker per agent type.
func bootstrapDemo(ctx context.Context, orch *orchestrator.Service, sampler agent.Sampler, logger *zap.Logger) ([]*agent.Worker, error) {
	var workers []*agent.Worker
	for _, agentType := range domain.AgentTypes {
		id := "demo-" + string(agentType)
		if _, err := orch.RegisterAgent(ctx, orchestrator.AgentSpec{
			ID:   id,
			Type: agentType,
			Name: "Demo " + strings.ToUpper(string(agentType[:1])) + string(agentType[1:]),
		}); err != nil {
			return workers, fmt.Errorf("register %s: %w", id, err)
		}
		w := agent.NewWorker(id, agent.Builtin(agentType), agent.WorkerOptions{Sampler: sampler, Logger: logger})
		w.Start(ctx, nil)
		if _, err := orch.AttachHandle(ctx, id, w); err != nil {
			w.Close()
			return workers, fmt.Errorf("attach %s: %w", id, err)
		}
		workers = append(workers, w)
	}
	logger.Info("demo agents ready", zap.Int("count", len(workers)))
	return workers, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
