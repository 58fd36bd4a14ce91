// Package main is the entry point for the API server.
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

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/config"
	"github.com/capitalize-ai/deck-assistant/internal/executor"
	"github.com/capitalize-ai/deck-assistant/internal/handler"
	"github.com/capitalize-ai/deck-assistant/internal/llm"
	natsclient "github.com/capitalize-ai/deck-assistant/internal/nats"
	"github.com/capitalize-ai/deck-assistant/internal/service"
	"github.com/capitalize-ai/deck-assistant/internal/store"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	defer logger.SetGlobal(log)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server")

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "deck-assistant", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	documents, err := store.OpenDocumentStore(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer documents.Close()

	checks := []handler.Check{{Name: "sqlite", Check: documents.Ping}}

	var transcript store.Transcript
	switch cfg.Transcript {
	case config.TranscriptMemory:
		log.Warn("transcript kept in memory; it is lost on restart")
		transcript = store.NewMemory()
	default:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     "deck-assistant",
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient, natsclient.StreamConfig{
			MaxAge:   cfg.NATSStreamMaxAge,
			Replicas: cfg.NATSReplicas,
		})
		if err := streamManager.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		transcript = streamManager
		checks = append(checks, handler.Check{Name: "nats", Check: natsClient.Ping})
	}

	gateway := store.NewComposite(documents, transcript)

	writerCfg := store.WriterConfig{
		QueueSize:       cfg.PersistQueueSize,
		InitialInterval: cfg.PersistInitialInterval,
		MaxInterval:     cfg.PersistMaxInterval,
		MaxElapsedTime:  cfg.PersistMaxElapsed,
		SyncTimeout:     cfg.PersistSyncTimeout,
	}
	execCfg := executor.Config{CacheSize: cfg.DocumentCacheSize}

	var locker executor.Locker = executor.NewLocalLocker()
	if cfg.ExecutorLock == config.LockRedis {
		redisClient, err := executor.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker = executor.NewRedisLocker(redisClient, cfg.LockExpiry, log)
		checks = append(checks, handler.Check{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})

		// Other replicas write the same documents, so every execution reads
		// the store and attempts its write before releasing the lock. A write
		// that fails inline is retried from the queue; until it lands other
		// replicas read the previous version.
		execCfg.CacheSize = 0
		writerCfg.Sync = true
	}

	writer := store.NewWriter(gateway, writerCfg, log)

	exec, err := executor.New(documents, writer, locker, execCfg, log)
	if err != nil {
		return err
	}

	llmClient, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), cfg.LLMAPIKey())
	if err != nil {
		log.Warn("LLM client not configured, turns are disabled", zap.Error(err))
		llmClient = llm.Disabled()
	}

	registry := command.NewRegistry()
	documentSvc := service.NewDocumentService(documents, log)
	sessionSvc := service.NewSessionService(registry, exec, writer, transcript, llmClient, service.SessionConfig{
		Model:     cfg.LLMModel,
		MaxTokens: cfg.LLMMaxTokens,
	}, log)

	router := handler.NewRouter(
		handler.RouterConfig{
			JWTSecret:         cfg.JWTSecret,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			TurnLimitRequests: cfg.TurnLimitRequests,
			AllowedOrigins:    cfg.AllowedOrigins,
			DecideScope:       cfg.DecideScope,
		},
		handler.NewHealthHandler(checks...),
		handler.NewDocumentHandler(documentSvc, log),
		handler.NewSessionHandler(sessionSvc, documentSvc, log),
		log,
	)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = writer.Run(writerCtx)
	}()

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sessionSvc.RunJanitor(gctx, time.Minute, cfg.SessionIdleTimeout)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Drain queued writes only after the last request finished.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 15*time.Second)
	if ferr := writer.Flush(flushCtx); ferr != nil {
		log.Warn("persistence writes still queued at shutdown", zap.Error(ferr))
	}
	cancelFlush()
	stopWriter()
	<-writerDone
	return err
}
