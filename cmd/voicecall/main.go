package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicecall/internal/agent"
	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/httpapi"
	"github.com/ent0n29/voicecall/internal/logging"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("voicecall exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	providers, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  cfg.OTelServiceName,
		OTLPEndpoint: cfg.OTelEndpoint,
		SampleRate:   cfg.OTelSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Config{
		Backend:     cfg.MemoryBackend,
		DatabaseURL: cfg.DatabaseURL,
		Redis: memory.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		},
		Mongo: memory.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		},
	})
	if err != nil {
		return fmt.Errorf("memory store init: %w", err)
	}
	defer store.Close()

	base, err := agent.NewAdapter(agent.Config{
		Mode:             cfg.AgentMode,
		HTTPURL:          cfg.AgentHTTPURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIModel,
		SystemPrompt:     cfg.SystemPrompt,
		SystemPromptFile: cfg.SystemPromptFile,
		RequestTimeout:   cfg.AgentTimeout,
	})
	if err != nil {
		return fmt.Errorf("agent init: %w", err)
	}
	adapter := agent.NewMemoryAdapter(base, store, cfg.MemoryHistorySize, logger.Named("agent"))

	voices, err := selectVoice(cfg, logger.Named("voice"))
	if err != nil {
		return err
	}
	logger.Info("voice provider selected",
		zap.String("provider", voices.name),
		zap.Bool("failover", voices.failover),
	)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		logger.Info("session expired", zap.String("session_id", s.ID))
	})

	calls, err := call.NewService(call.Deps{
		Recognizer:  voices.recognizer,
		Synthesizer: voices.synthesizer,
		Agent:       adapter,
		Pool:        call.NewTurnPool(cfg.TurnMaxConcurrent),
		Metrics:     metrics,
		Logger:      logger.Named("call"),
		Turn: call.TurnConfig{
			PostDelay:        cfg.TurnPostDelay,
			AgentTimeout:     cfg.TurnAgentTimeout,
			SynthesisTimeout: cfg.TurnSynthesisTimeout,
			Delivery:         call.ParseDeliveryMode(cfg.TurnDeliveryMode),
		},
		Restart:        call.RestartPolicy{MaxAttempts: cfg.RecognizerRestarts},
		OutboundBuffer: cfg.OutboundBuffer,
		SendTimeout:    cfg.OutboundSendTimeout,
		OnTurnStart: func(sessionID, turnID string) {
			_ = sessions.StartTurn(sessionID, turnID)
		},
		OnTurnEnd: func(sessionID string, res call.TurnResult) {
			_ = sessions.EndTurn(sessionID, res.TurnID)
		},
	})
	if err != nil {
		return fmt.Errorf("call service init: %w", err)
	}

	api := httpapi.New(httpapi.Options{
		Config:      cfg,
		Sessions:    sessions,
		Calls:       calls,
		Recognizer:  voices.recognizer,
		Synthesizer: voices.synthesizer,
		Agent:       adapter,
		Memory:      store,
		Metrics:     metrics,
		Logger:      logger.Named("http"),
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sessions.StartJanitor(gctx, 5*time.Second)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		if err := calls.Drain(shutdownCtx); err != nil {
			logger.Warn("turns still running at shutdown", zap.Int("active", calls.Pool().Active()))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
