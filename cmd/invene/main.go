// Package main is the entry point for the invene orchestrator.
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

	"github.com/gorilla/mux"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/lightningloop/invene/internal/api"
	"github.com/lightningloop/invene/internal/artifacts"
	"github.com/lightningloop/invene/internal/auth"
	"github.com/lightningloop/invene/internal/config"
	"github.com/lightningloop/invene/internal/driver"
	"github.com/lightningloop/invene/internal/eventlog"
	"github.com/lightningloop/invene/internal/executor"
	"github.com/lightningloop/invene/internal/graphcheck"
	"github.com/lightningloop/invene/internal/graphstore"
	"github.com/lightningloop/invene/internal/interpreter"
	"github.com/lightningloop/invene/internal/profiles"
	"github.com/lightningloop/invene/internal/relay"
	"github.com/lightningloop/invene/internal/tracing"
	"github.com/lightningloop/invene/pkg/types"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)

	logger.Info("starting invene",
		slog.String("port", cfg.Port),
		slog.String("relay_url", cfg.RelayURL),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "invene",
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TraceSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	// Relay client
	relayCfg := relay.Config{
		BaseURL:         cfg.RelayURL,
		ClaimedBy:       cfg.ClaimedBy,
		EventsPerSecond: cfg.EventsPerSecond,
	}
	if cfg.OAuthTokenURL != "" {
		relayCfg.OAuth = &clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
		}
	}
	relayClient := relay.NewClient(relayCfg, logger)
	logger.Info("relay client ready", slog.String("claimed_by", relayClient.ClaimedBy()))

	// Local event mirror
	log := setupEventLog(cfg, logger)
	defer log.Close()

	// Graph topology store
	graphs := setupGraphStore(cfg, logger)
	defer graphs.Close()

	// Agent profile registry
	registry := setupProfiles(cfg, logger)
	defer registry.Close()

	// Artifact store
	store := setupArtifacts(cfg, logger)

	// Graph validation
	checker, err := graphcheck.New()
	if err != nil {
		logger.Error("failed to create graph checker", "error", err)
		os.Exit(1)
	}

	// Driver. The executor picker consults the profile registry per
	// node, so profiles can be changed without a restart.
	var d *driver.Driver
	pick := executorPicker(cfg, registry, store, func() executor.EventSink { return d.Sink() }, logger)

	d = driver.New(relayClient, pick, driver.Config{
		PollInterval: cfg.PollInterval,
		Checker:      checker,
		OnJobClaimed: func(jobCtx context.Context, job *types.Job) {
			if job.TaskGraph != nil {
				if err := graphs.Save(jobCtx, job.TaskGraph); err != nil {
					logger.Warn("failed to store task graph", "error", err, "graph_id", job.GraphID)
				}
			}
			// Mirror the relay's event stream for this graph into the
			// local log so observer surfaces can serve it.
			go func() {
				err := relayClient.Watch(ctx, job.GraphID, 0, func(ev types.ExecutionEvent) error {
					return log.Append(ctx, ev)
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("event mirror stopped", "error", err, "graph_id", job.GraphID)
				}
			}()
		},
	}, logger)

	// Interpreter proxy (optional)
	var gen api.GraphGenerator
	if cfg.InterpreterURL != "" {
		gen = interpreter.NewClient(interpreter.Config{BaseURL: cfg.InterpreterURL}, logger)
	}

	// Local observer API
	handlers := api.NewHandlers(api.Deps{
		Log:       log,
		Jobs:      d,
		Queue:     relayClient,
		Generator: gen,
		Checker:   checker,
		Graphs:    graphs,
		Profiles:  registry,
		Config:    cfg,
		Logger:    logger,
	})

	extra := []mux.MiddlewareFunc{
		auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Handler,
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to create oidc provider", "error", err)
			os.Exit(1)
		}
		extra = append(extra, auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true}).Handler)
	}

	server := api.NewServer(handlers, extra...)

	// WriteTimeout stays zero: SSE responses are long-lived and are
	// bounded by the request context instead.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     server.Router(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Poll loop
	go func() {
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("driver stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func setupEventLog(cfg *config.Config, logger *slog.Logger) eventlog.Log {
	if cfg.EventLogType == "redis" {
		redisLog, err := eventlog.NewRedisLog(&eventlog.RedisConfig{
			URL:         cfg.RedisURL,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TTL:         cfg.EventLogTTL,
			EventMaxLen: cfg.EventMaxLen,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory event log", "error", err)
		} else {
			logger.Info("using Redis event log", slog.String("url", cfg.RedisURL))
			return redisLog
		}
	}
	logger.Info("using in-memory event log")
	return eventlog.NewMemoryLog(&eventlog.Config{EventMaxLen: cfg.EventMaxLen})
}

func setupGraphStore(cfg *config.Config, logger *slog.Logger) graphstore.Store {
	if cfg.EventLogType == "redis" {
		store, err := graphstore.NewRedisStore(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB, cfg.EventLogTTL)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory graph store", "error", err)
		} else {
			return store
		}
	}
	return graphstore.NewMemoryStore()
}

func setupProfiles(cfg *config.Config, logger *slog.Logger) profiles.Registry {
	if cfg.EventLogType == "redis" {
		registry, err := profiles.NewRedisRegistry(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory profile registry", "error", err)
		} else {
			seedProfiles(registry, cfg, logger)
			return registry
		}
	}
	return profiles.NewMemoryRegistryWithDefaults(cfg.AgentCommand, cfg.Actuator, cfg.MaxIterations)
}

// seedProfiles registers the built-in profiles when the shared registry
// doesn't have them yet.
func seedProfiles(registry profiles.Registry, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	defaults := []*profiles.CreateProfileRequest{
		{
			Name:          "default",
			Description:   "Local agent subprocess",
			Mode:          profiles.ModeSubprocess,
			Command:       cfg.AgentCommand,
			MaxIterations: cfg.MaxIterations,
		},
		{
			Name:          "loop",
			Description:   "Remote agent-loop service",
			Mode:          profiles.ModeStream,
			Actuator:      cfg.Actuator,
			MaxIterations: cfg.MaxIterations,
		},
	}
	for _, req := range defaults {
		if exists, err := registry.Exists(ctx, req.Name); err != nil || exists {
			continue
		}
		if _, err := registry.Create(ctx, req); err != nil && !errors.Is(err, profiles.ErrProfileExists) {
			logger.Warn("failed to seed profile", "error", err, "profile", req.Name)
		}
	}
}

func setupArtifacts(cfg *config.Config, logger *slog.Logger) artifacts.Store {
	if cfg.ArtifactStore == "s3" {
		store, err := artifacts.NewS3Store(&artifacts.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      cfg.S3PathPrefix,
		})
		if err != nil {
			logger.Error("failed to create S3 store, falling back to memory artifacts", "error", err)
		} else {
			logger.Info("using S3 artifact store", slog.String("bucket", cfg.S3Bucket))
			return store
		}
	}
	return artifacts.NewMemoryStore()
}

// executorPicker maps a node's agent profile to an executor. Unknown or
// empty profiles fall back to the configured default mode.
func executorPicker(cfg *config.Config, registry profiles.Registry, store artifacts.Store, sink func() executor.EventSink, logger *slog.Logger) driver.ExecutorPicker {
	passthrough := make(map[string]string, len(cfg.EnvPassthrough))
	for _, name := range cfg.EnvPassthrough {
		if val := os.Getenv(name); val != "" {
			passthrough[name] = val
		}
	}

	return func(node types.TaskNode) executor.Executor {
		var prof *profiles.Profile
		if node.Profile != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			p, err := registry.Get(ctx, node.Profile)
			cancel()
			if err != nil {
				logger.Warn("unknown agent profile, using default",
					slog.String("profile", node.Profile),
					slog.String("node_id", node.ID))
			} else {
				prof = p
			}
		}

		mode := profiles.ModeSubprocess
		if cfg.AgentLoopURL != "" {
			mode = profiles.ModeStream
		}
		if prof != nil {
			mode = prof.Mode
		}

		maxIterations := cfg.MaxIterations
		if prof != nil && prof.MaxIterations > 0 {
			maxIterations = prof.MaxIterations
		}

		if mode == profiles.ModeStream && cfg.AgentLoopURL != "" {
			actuator := cfg.Actuator
			if prof != nil && prof.Actuator != "" {
				actuator = prof.Actuator
			}
			return executor.NewStreamExecutor(sink(), executor.StreamConfig{
				BaseURL:       cfg.AgentLoopURL,
				Actuator:      actuator,
				MaxIterations: maxIterations,
			}, logger)
		}

		command := cfg.AgentCommand
		env := passthrough
		if prof != nil {
			if len(prof.Command) > 0 {
				command = prof.Command
			}
			if len(prof.Env) > 0 {
				env = make(map[string]string, len(passthrough)+len(prof.Env))
				for k, v := range passthrough {
					env[k] = v
				}
				for k, v := range prof.Env {
					env[k] = v
				}
			}
		}

		resolve := func(types.TaskNode) []string { return command }
		return executor.NewSubprocessExecutor(sink(), resolve, store, &executor.SubprocessConfig{
			EnvPassthrough: env,
			CWD:            cfg.AgentCWD,
			MaxIterations:  maxIterations,
			ShutdownGrace:  cfg.AgentGrace,
		}, logger)
	}
}
