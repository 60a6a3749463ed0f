// pdfchat runs the full appliance in one process: the Redis-backed message
// broker, the ingestion and query orchestrators, and the HTTP gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/broker"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/clients"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/gateway"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/ingest"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/query"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/session"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/storage"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("Service exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg := config.Load()
	logger.Info("Starting pdf-chat appliance",
		zap.String("service", cfg.ServiceName),
		zap.String("redis", cfg.Redis.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := storage.New(cfg.Redis)
	defer func() { _ = store.Close() }()
	if err := store.Ping(ctx); err != nil {
		return err
	}

	b := broker.New(store, broker.ConfigFrom(cfg.ServiceName, cfg.Broker), logger)

	vectors := vectorstore.NewClient(cfg.VectorStore, nil)
	if err := vectors.Connect(ctx); err != nil {
		logger.Warn("Vector store unreachable at startup", zap.Error(err))
	} else if err := vectors.EnsureCollection(ctx); err != nil {
		logger.Warn("Failed to ensure vector collection", zap.Error(err))
	}

	embedder := clients.NewEmbeddingClient(cfg.Embedding, nil)
	llm := clients.NewLLMClient(cfg.LLM, nil)
	extractor := clients.NewExtractorClient(cfg.Ingestion.ExtractorURL, cfg.Ingestion.ExtractorTimeout, nil)

	jobs := ingest.NewJobStore(store, logger)
	pipeline := ingest.NewOrchestrator(jobs, extractor, embedder, vectors, b.Circuits(), cfg, logger)
	pipeline.Register(b)

	sessions := session.NewStore(store, cfg.Session, logger)
	answers := query.NewOrchestrator(sessions, embedder, vectors, llm, b.Circuits(), cfg, logger)

	if err := b.Start(ctx); err != nil {
		return err
	}
	if updates, err := b.Health().Watch(ctx); err != nil {
		logger.Warn("Health watch unavailable", zap.Error(err))
	} else {
		go func() {
			for h := range updates {
				if h.Status != broker.StatusHealthy {
					logger.Warn("Service health degraded",
						zap.String("service", h.Service),
						zap.String("status", string(h.Status)))
				}
			}
		}()
	}
	defer func() {
		if err := b.Stop(); err != nil {
			logger.Warn("Broker stop reported error", zap.Error(err))
		}
	}()

	server := gateway.NewServer(cfg, b, jobs, answers, sessions, cfg.ServiceName, logger)
	if err := server.Run(ctx); err != nil {
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}
