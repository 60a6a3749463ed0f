// Package gateway exposes the HTTP surface: document upload, ingestion
// status, chat, session management and operational stats.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/broker"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/ingest"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/query"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/session"
)

// Server is the HTTP gateway in front of the broker and orchestrators.
type Server struct {
	cfg          *config.Config
	logger       *zap.Logger
	broker       *broker.Broker
	jobs         *ingest.JobStore
	answers      *query.Orchestrator
	sessions     *session.Store
	metrics      *metricsExporter
	engine       *gin.Engine
	ingestTarget string
	httpServer   *http.Server
}

// NewServer wires the gateway. ingestTarget names the service whose broker
// instance consumes pipeline messages.
func NewServer(cfg *config.Config, b *broker.Broker, jobs *ingest.JobStore,
	answers *query.Orchestrator, sessions *session.Store, ingestTarget string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		broker:       b,
		jobs:         jobs,
		answers:      answers,
		sessions:     sessions,
		metrics:      newMetricsExporter(b),
		ingestTarget: ingestTarget,
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(corsMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(s.metrics.httpHandler()))

	r.POST("/upload", s.handleUpload)

	ingestion := r.Group("/ingestion")
	{
		ingestion.GET("/status", s.handleIngestionStatus)
		ingestion.GET("/jobs/:id", s.handleGetJob)
	}

	r.GET("/documents", s.handleListDocuments)

	chat := r.Group("/chat")
	{
		chat.POST("", s.handleChat)
		chat.GET("/sessions/:id", s.handleGetSession)
		chat.DELETE("/sessions/:id", s.handleDeleteSession)
	}

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Host + ":" + s.cfg.Server.Port,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
