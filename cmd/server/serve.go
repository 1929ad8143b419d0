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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/promptdev/internal/agent"
	"github.com/ashureev/promptdev/internal/api"
	"github.com/ashureev/promptdev/internal/conversation"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/identity"
	"github.com/ashureev/promptdev/internal/llm"
	"github.com/ashureev/promptdev/internal/metrics"
	"github.com/ashureev/promptdev/internal/middleware"
	"github.com/ashureev/promptdev/internal/probe"
	"github.com/ashureev/promptdev/internal/sentiment"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, supervision feed and gRPC health probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hub := feed.NewHub(64, logger)

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	c, err := buildCore(ctx, cfg, agent.NewAuditingPublisher(hub, conversationLogger), logger)
	if err != nil {
		_ = conversationLogger.Close()
		return err
	}
	defer c.Close()

	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	completer, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("initialize llm: %w", err)
	}
	slog.Info("LLM client initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	var queue agent.SentimentQueue
	var dispatcher *sentiment.Dispatcher
	if cfg.Sentiment.Enabled {
		extractor := sentiment.NewOpenAIExtractor(cfg.Sentiment.APIKey, cfg.Sentiment.BaseURL, cfg.Sentiment.Model, cfg.Sentiment.ContextMessages)
		annotator := sentiment.NewAnnotator(c.store, extractor, cfg.Sentiment.Windows, cfg.Sentiment.ContextMessages, logger)
		dispatcher = sentiment.NewDispatcher(annotator, cfg.Sentiment.Workers, cfg.Sentiment.QueueSize, cfg.Sentiment.Timeout,
			func(res sentiment.Result) {
				m.RecordSentiment(res.Duration, res.Err)
				if res.Err != nil || res.Record == nil {
					return
				}
				hub.Publish(res.Job.Tenant, feed.Event{
					Type:      feed.EventSentiment,
					SessionID: res.Job.Session.ID,
					UserID:    res.Job.Session.UserID,
					Data:      map[string]any{"record": res.Record, "aggregates": res.Aggregates},
				})
			}, logger)
		dispatcher.Start(ctx)
		queue = dispatcher
		slog.Info("Sentiment annotator started", "workers", cfg.Sentiment.Workers, "windows", cfg.Sentiment.Windows)
	} else {
		slog.Info("Sentiment annotation disabled")
	}

	chat := agent.NewService(agent.Deps{
		Builder:   c.assembler,
		LLM:       completer,
		Messages:  c.store,
		Sentiment: queue,
		Feed:      hub,
		Audit:     conversationLogger,
		Metrics:   m,
	}, agent.Config{
		Provider:    cfg.LLM.Provider,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: &cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)

	limiter := agent.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	reaper := conversation.NewReaper(c.store, cfg.Sessions.IdleTTL, cfg.Sessions.ReaperSchedule, m.RecordArchived, logger)
	if err := reaper.Start(ctx); err != nil {
		return err
	}

	// Initialize handlers.
	handler := api.NewHandler(api.Deps{
		Templates:  c.templates,
		Guardrails: c.guardrails,
		Sessions:   c.sessions,
		Assembler:  c.assembler,
		Chat:       chat,
		Memory:     c.store,
		Sentiment:  c.store,
		Feed:       hub,
		Limiter:    limiter,
		Metrics:    m,
		Phrases:    c.profile.Affect,
	}, cfg.FrontendURL, cfg.IsDevelopment(), logger)
	healthHandler := api.NewHealthHandler(c.store, hub, m, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(middleware.Metrics(m))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Tenant-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware())
		handler.RegisterRoutes(r)
	})

	// The feed is a long-lived WebSocket, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	probeServer := probe.New(c.store, 10*time.Second, m, logger)
	go probeServer.Watch(ctx)
	go func() {
		if err := probeServer.ListenAndServe(cfg.GRPCHealthAddr); err != nil {
			slog.Error("gRPC health probe failed", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for shutdown signal.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		slog.Error("Server failed", "error", runErr)
		stop()
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}
	probeServer.Stop()
	if dispatcher != nil {
		dispatcher.Close()
	}
	if err := chat.Close(); err != nil {
		slog.Error("Failed to close conversation logger", "error", err)
	}

	slog.Info("Server stopped successfully")
	return runErr
}
