package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/broker"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/clients"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/vectorstore"
)

// TaskType is the broker message type that triggers pipeline processing.
const TaskType = "ingest.process"

// Dependency names for circuit accounting. Embedding and vector-store rows
// are shared with the query path, so failures on either side open the same
// breaker.
const (
	depExtractor   = "extractor"
	depEmbedding   = "embedding"
	depVectorStore = "vector-store"
)

// Extractor decodes a stored PDF into per-page text.
type Extractor interface {
	Extract(ctx context.Context, filePath string) (*clients.ExtractResult, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*clients.EmbedResult, error)
}

// VectorWriter upserts points into a vector collection.
type VectorWriter interface {
	UpsertPoints(ctx context.Context, collection string, points []vectorstore.Point) error
}

// Orchestrator drives one PDF through extract, chunk, embed and store,
// updating the job record at each milestone.
type Orchestrator struct {
	jobs       *JobStore
	extractor  Extractor
	embedder   Embedder
	vectors    VectorWriter
	circuits   *broker.CircuitRegistry
	collection string
	batchSize  int
	maxWorkers int
	chunkSize  int
	overlap    int
	archiveDir string
	logger     *zap.Logger
}

// NewOrchestrator wires the ingestion pipeline. circuits may be nil when no
// broker is attached; outbound calls then proceed unguarded.
func NewOrchestrator(jobs *JobStore, extractor Extractor, embedder Embedder, vectors VectorWriter,
	circuits *broker.CircuitRegistry, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.Embedding.BatchSize
	if batchSize < 1 {
		batchSize = 32
	}
	maxWorkers := cfg.Ingestion.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Orchestrator{
		jobs:       jobs,
		extractor:  extractor,
		embedder:   embedder,
		vectors:    vectors,
		circuits:   circuits,
		collection: cfg.VectorStore.Collection,
		batchSize:  batchSize,
		maxWorkers: maxWorkers,
		chunkSize:  cfg.Ingestion.ChunkSize,
		overlap:    cfg.Ingestion.ChunkOverlap,
		archiveDir: cfg.Server.ArchiveDir,
		logger:     logger,
	}
}

// Register subscribes the orchestrator to pipeline messages. Retryable
// stage errors are returned so the broker's retry policy re-delivers the
// run; unretryable ones are acknowledged, since the job record already
// carries the failure and re-running cannot change the outcome.
func (o *Orchestrator) Register(b *broker.Broker) {
	b.RegisterHandler(TaskType, func(ctx context.Context, msg *broker.Message) error {
		var payload struct {
			JobID string `json:"job_id"`
		}
		if err := broker.DecodePayload(msg, &payload); err != nil || payload.JobID == "" {
			o.logger.Warn("Dropping pipeline message without job_id",
				zap.String("message_id", msg.ID))
			return nil
		}
		err := o.Process(ctx, payload.JobID)
		if err != nil && !fault.IsRetryable(err) {
			o.logger.Warn("Pipeline failure is not retryable, acknowledging",
				zap.String("job_id", payload.JobID),
				zap.Error(err))
			return nil
		}
		return err
	})
}

// Process runs the pipeline for one job to a terminal state. Retryable
// stage failures mark the job failed and are returned to the caller; a
// later retry that succeeds overwrites the record with completed.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusCompleted {
		o.logger.Info("Job already completed, skipping", zap.String("job_id", jobID))
		return nil
	}

	if err := o.jobs.SetProcessing(ctx, jobID); err != nil {
		return err
	}

	extraction, err := broker.Guard(o.circuits, depExtractor, func() (*clients.ExtractResult, error) {
		return o.extractor.Extract(ctx, job.FilePath)
	})
	if err != nil {
		return o.fail(ctx, jobID, err)
	}
	if err := o.jobs.SetExtracted(ctx, jobID, extraction.Metadata.Pages); err != nil {
		return err
	}

	chunks, err := CreateChunks(extraction.TextContent, o.chunkSize, o.overlap)
	if err != nil {
		return o.fail(ctx, jobID, err)
	}
	if len(chunks) == 0 {
		err := fault.InvalidInput(ErrNoText)
		_ = o.jobs.Fail(ctx, jobID, ErrNoText)
		return err
	}
	for i := range chunks {
		chunks[i].JobID = jobID
	}
	if err := o.jobs.SetChunked(ctx, jobID, len(chunks)); err != nil {
		return err
	}

	vectors, err := o.embedChunks(ctx, chunks)
	if err != nil {
		return o.fail(ctx, jobID, err)
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, chunk := range chunks {
		points[i] = vectorstore.Point{
			ID:     chunk.ID,
			Vector: vectors[i],
			Payload: map[string]interface{}{
				"text":     chunk.Text,
				"pages":    chunk.PageSpan,
				"length":   chunk.Length,
				"job_id":   jobID,
				"metadata": extraction.Metadata,
			},
		}
	}
	err = broker.GuardErr(o.circuits, depVectorStore, func() error {
		return o.vectors.UpsertPoints(ctx, o.collection, points)
	})
	if err != nil {
		return o.fail(ctx, jobID, err)
	}

	if err := o.jobs.Complete(ctx, jobID, len(points)); err != nil {
		return err
	}

	o.archive(jobID, job.FilePath)

	o.logger.Info("Ingestion completed",
		zap.String("job_id", jobID),
		zap.Int("pages", extraction.Metadata.Pages),
		zap.Int("chunks", len(chunks)))
	return nil
}

// embedChunks requests vectors in batches, bounded by maxWorkers, and
// returns them in chunk order.
func (o *Orchestrator) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxWorkers)

	for start := 0; start < len(chunks); start += o.batchSize {
		start := start
		end := start + o.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		g.Go(func() error {
			texts := make([]string, end-start)
			for i := start; i < end; i++ {
				texts[i-start] = chunks[i].Text
			}
			result, err := broker.Guard(o.circuits, depEmbedding, func() (*clients.EmbedResult, error) {
				return o.embedder.Embed(gctx, texts)
			})
			if err != nil {
				return err
			}
			if len(result.Embeddings) != len(texts) {
				return fault.Upstream("embedding",
					fmt.Sprintf("batch returned %d vectors for %d texts", len(result.Embeddings), len(texts)), nil)
			}
			for i := range result.Embeddings {
				vectors[start+i] = result.Embeddings[i]
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) error {
	if err := o.jobs.Fail(ctx, jobID, cause.Error()); err != nil {
		o.logger.Warn("Failed to record job failure",
			zap.String("job_id", jobID), zap.Error(err))
	}
	return cause
}

// archive moves the processed upload aside. Failures are logged, never
// surfaced: the job outcome is already recorded.
func (o *Orchestrator) archive(jobID, filePath string) {
	if filePath == "" || o.archiveDir == "" {
		return
	}
	if err := os.MkdirAll(o.archiveDir, 0o755); err != nil {
		o.logger.Warn("Failed to create archive dir", zap.Error(err))
		return
	}
	dest := filepath.Join(o.archiveDir, jobID+"_"+filepath.Base(filePath))
	if err := os.Rename(filePath, dest); err != nil {
		o.logger.Warn("Failed to archive upload",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.logger.Debug("Upload archived", zap.String("path", dest))
}
