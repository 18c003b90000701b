// Command agentforge serves the agent run API and executes queued agent runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Strob0t/AgentForge/internal/adapter/claude"
	"github.com/Strob0t/AgentForge/internal/adapter/discord"
	"github.com/Strob0t/AgentForge/internal/adapter/fakeagent"
	"github.com/Strob0t/AgentForge/internal/adapter/gitlocal"
	afhttp "github.com/Strob0t/AgentForge/internal/adapter/http"
	afnats "github.com/Strob0t/AgentForge/internal/adapter/nats"
	afotel "github.com/Strob0t/AgentForge/internal/adapter/otel"
	"github.com/Strob0t/AgentForge/internal/adapter/postgres"
	"github.com/Strob0t/AgentForge/internal/adapter/ristretto"
	"github.com/Strob0t/AgentForge/internal/adapter/slack"
	"github.com/Strob0t/AgentForge/internal/adapter/ws"
	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/git"
	"github.com/Strob0t/AgentForge/internal/logger"
	"github.com/Strob0t/AgentForge/internal/middleware"
	"github.com/Strob0t/AgentForge/internal/port/agentdriver"
	"github.com/Strob0t/AgentForge/internal/port/eventsink"
	"github.com/Strob0t/AgentForge/internal/port/notifier"
	"github.com/Strob0t/AgentForge/internal/resilience"
	"github.com/Strob0t/AgentForge/internal/secrets"
	"github.com/Strob0t/AgentForge/internal/service"
)

const (
	shutdownTimeout    = 30 * time.Second
	rateLimitCleanup   = time.Minute
	rateLimitIdleAfter = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"default_agent", cfg.Runtime.DefaultAgent,
		"worker", cfg.Runtime.Worker,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTEL, err := afotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Error("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := afotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	version, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied", "version", version)

	queue, err := afnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	vault, err := secrets.NewVault(secrets.EnvLoader(cfg.APIKeyEnvs()...))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	go reloadSecretsOnHUP(ctx, vault)

	// --- Agent drivers ---

	drivers, err := newRegistry(cfg, vault)
	if err != nil {
		return err
	}

	// --- Services ---

	store := postgres.NewStore(pool)
	var events eventsink.Sink = afnats.NewEventSink(queue, resilience.NewNamedBreaker("nats-events", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	var runNotifier *service.RunNotifier
	if notifiers := newNotifiers(cfg.Notify); len(notifiers) > 0 {
		runNotifier = service.NewRunNotifier(notifiers...)
		events = eventsink.Multi{events, runNotifier}
	}
	gitPool := git.NewPool(cfg.Git.MaxConcurrent)

	runs := service.NewRunService(store, drivers, gitlocal.NewCommitDetector(gitPool), events, nil)
	runs.SetAvailability(service.NewAvailabilityChecker(l1, cfg.Runtime.AvailabilityTTL))
	runs.SetMetrics(metrics)
	runs.SetDrainTimeout(cfg.Runtime.DrainTimeout)
	runs.SetStopWait(cfg.Runtime.StopWait)

	dispatcher := service.NewRunDispatcher(store, queue)
	runs.SetRemoteCanceler(dispatcher)

	var worker *service.RunWorker
	if cfg.Runtime.Worker {
		worker = service.NewRunWorker(runs, queue, cfg.Runtime.MaxConcurrentRuns)
		if err := worker.Start(context.Background()); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		slog.Info("run worker started", "max_concurrent_runs", cfg.Runtime.MaxConcurrentRuns)
	}

	hub := ws.NewHub(cfg.Server.CORSOrigin)
	defer hub.Close()
	cancelForward, err := afnats.ForwardEvents(ctx, queue, hub)
	if err != nil {
		return fmt.Errorf("event forwarding: %w", err)
	}
	defer cancelForward()

	// --- HTTP ---

	opts := afhttp.RouterOptions{
		CORSOrigin: cfg.Server.CORSOrigin,
		Tracing:    afotel.HTTPMiddleware(cfg.OTEL.ServiceName),
		WebSocket:  hub.HandleWS,
	}
	if cfg.Server.RunRate > 0 {
		opts.RunLimiter = middleware.NewRateLimiter(cfg.Server.RunRate, cfg.Server.RunBurst)
		opts.RunLimiter.StartCleanup(ctx, rateLimitCleanup, rateLimitIdleAfter)
	}
	handlers := &afhttp.Handlers{
		Runs:       runs,
		Dispatcher: dispatcher,
		DB:         store,
		Queue:      queue,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           afhttp.NewRouter(handlers, opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Stop requests wait for the run to be finalized.
		WriteTimeout: cfg.Runtime.StopWait + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	if worker != nil {
		if err := worker.Shutdown(shutdownCtx); err != nil {
			slog.Error("worker shutdown failed", "error", err)
		}
	}
	if runNotifier != nil {
		if err := runNotifier.Wait(shutdownCtx); err != nil {
			slog.Warn("pending run notifications dropped", "error", err)
		}
	}
	if err := queue.Drain(); err != nil {
		slog.Error("nats drain failed", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// newRegistry registers the configured agent drivers.
func newRegistry(cfg *config.Config, vault *secrets.Vault) (*agentdriver.Registry, error) {
	drivers := agentdriver.NewRegistry(cfg.Runtime.DefaultAgent)
	driverOpts := claude.Options{
		StopGrace:    cfg.Runtime.StopGrace,
		ProbeTimeout: cfg.Runtime.AvailabilityTimeout,
	}
	for name, agentCfg := range cfg.Agents {
		var d agentdriver.Driver
		switch name {
		case claude.Name:
			d = claude.New(agentCfg, vault, driverOpts)
		case fakeagent.Name:
			d = &fakeagent.Driver{Models: agentCfg.Models, Grace: cfg.Runtime.StopGrace}
		default:
			slog.Warn("no driver implementation for configured agent", "agent", name)
			continue
		}
		if err := drivers.Register(d); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	if _, err := drivers.Resolve(cfg.Runtime.DefaultAgent); err != nil {
		return nil, fmt.Errorf("default agent: %w", err)
	}
	return drivers, nil
}

// newNotifiers returns a notifier per configured webhook.
func newNotifiers(cfg config.Notify) []notifier.Notifier {
	var out []notifier.Notifier
	if cfg.SlackWebhookURL != "" {
		out = append(out, slack.NewNotifier(cfg.SlackWebhookURL))
	}
	if cfg.DiscordWebhookURL != "" {
		out = append(out, discord.NewNotifier(cfg.DiscordWebhookURL))
	}
	return out
}

// reloadSecretsOnHUP re-reads agent API keys from the environment on SIGHUP.
func reloadSecretsOnHUP(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "keys", len(vault.Keys()))
		}
	}
}
