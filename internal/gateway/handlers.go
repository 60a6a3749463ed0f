package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/broker"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/ingest"
)

func (s *Server) handleHealth(c *gin.Context) {
	queues, err := s.broker.GetQueueStats(c.Request.Context())
	status := "healthy"
	if err != nil {
		status = "degraded"
		queues = map[string]int64{}
	}

	services, svcErr := s.broker.GetAllServiceHealth(c.Request.Context())
	if svcErr != nil {
		services = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   s.cfg.ServiceName,
		"queues":    queues,
		"services":  services,
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeError(c, fault.InvalidInput("multipart field 'file' is required"))
		return
	}
	if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".pdf") {
		writeError(c, fault.InvalidInput("only PDF files are supported"))
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		writeError(c, fault.InvalidInput("unreadable upload"))
		return
	}
	defer func() { _ = src.Close() }()

	content, err := io.ReadAll(src)
	if err != nil {
		writeError(c, fault.InvalidInput("unreadable upload"))
		return
	}
	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(s.cfg.Server.UploadDir, 0o755); err != nil {
		writeError(c, fault.BackendUnavailable("failed to store upload", err))
		return
	}
	filePath := filepath.Join(s.cfg.Server.UploadDir, contentHash+"_"+filepath.Base(fileHeader.Filename))
	if err := os.WriteFile(filePath, content, 0o644); err != nil {
		writeError(c, fault.BackendUnavailable("failed to store upload", err))
		return
	}

	job, existing, err := s.jobs.Create(c.Request.Context(), fileHeader.Filename, contentHash, int64(len(content)), filePath)
	if err != nil {
		writeError(c, err)
		return
	}
	if existing {
		c.JSON(http.StatusOK, gin.H{
			"message":  "document already queued",
			"job_id":   job.ID,
			"filename": job.Filename,
			"status":   job.Status,
		})
		return
	}

	if _, err := s.broker.Publish(c.Request.Context(), s.ingestTarget, ingest.TaskType,
		map[string]interface{}{"job_id": job.ID},
		broker.WithPriority(broker.PriorityNormal)); err != nil {
		s.logger.Error("Failed to queue ingestion", zap.String("job_id", job.ID), zap.Error(err))
		_ = s.jobs.Fail(c.Request.Context(), job.ID, err.Error())
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":  "upload received, processing queued",
		"job_id":   job.ID,
		"filename": job.Filename,
		"status":   ingest.StatusQueued,
	})
}

func (s *Server) handleIngestionStatus(c *gin.Context) {
	stats, err := s.jobs.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	queues, err := s.broker.GetQueueStats(c.Request.Context())
	if err != nil {
		queues = map[string]int64{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": stats, "queues": queues})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListDocuments(c *gin.Context) {
	jobs, err := s.jobs.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": jobs, "count": len(jobs)})
}

type chatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fault.InvalidInput("message is required"))
		return
	}

	resp, err := s.answers.Answer(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	history, err := s.sessions.Recent(c.Request.Context(), id, s.cfg.Session.ConversationCap)
	if err != nil {
		history = nil
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "history": history})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleStats(c *gin.Context) {
	queues, err := s.broker.GetQueueStats(c.Request.Context())
	if err != nil {
		queues = map[string]int64{}
	}
	jobStats, err := s.jobs.Stats(c.Request.Context())
	if err != nil {
		jobStats = nil
	}
	c.JSON(http.StatusOK, gin.H{
		"broker":   s.broker.Metrics(),
		"circuits": s.broker.Circuits().States(),
		"queues":   queues,
		"jobs":     jobStats,
	})
}

// writeError maps fault kinds onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindInvalidInput:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindBackendUnavailable, fault.KindShuttingDown:
		status = http.StatusServiceUnavailable
	case fault.KindUpstreamFailure:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": fault.KindOf(err)})
}
