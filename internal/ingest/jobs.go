package ingest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/storage"
)

// Job lifecycle states.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNoText is the job error recorded when a document yields no
// extractable text.
const ErrNoText = "no_text"

const (
	jobKeyPrefix = "pdf_job:"
	jobIndexKey  = "pdf_job_index"
)

// Job is the lifecycle record for one end-to-end PDF processing flow.
type Job struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	ContentHash   string    `json:"content_hash"`
	Bytes         int64     `json:"bytes"`
	Status        string    `json:"status"`
	Progress      int       `json:"progress"`
	Pages         int       `json:"pages,omitempty"`
	Chunks        int       `json:"chunks,omitempty"`
	VectorsStored int       `json:"vectors_stored,omitempty"`
	Error         string    `json:"error,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// JobStore persists ingestion jobs as hashes keyed by job id, with a
// content-hash index for idempotent resubmission.
type JobStore struct {
	store  *storage.Client
	logger *zap.Logger
}

// NewJobStore creates a job store over the shared backend.
func NewJobStore(store *storage.Client, logger *zap.Logger) *JobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStore{store: store, logger: logger}
}

// Create registers a new queued job. When a job for the same content hash
// exists and has not reached a terminal state, that job is returned instead
// and the second return value is true.
func (s *JobStore) Create(ctx context.Context, filename, contentHash string, size int64, filePath string) (*Job, bool, error) {
	if filename == "" || contentHash == "" {
		return nil, false, fault.InvalidInput("filename and content hash are required")
	}

	if existingID, err := s.store.HashGet(ctx, jobIndexKey, contentHash); err == nil && existingID != "" {
		if existing, err := s.Get(ctx, existingID); err == nil && !existing.Terminal() {
			s.logger.Info("Reusing in-flight job for duplicate upload",
				zap.String("job_id", existing.ID),
				zap.String("content_hash", contentHash))
			return existing, true, nil
		}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New().String(),
		Filename:    filename,
		ContentHash: contentHash,
		Bytes:       size,
		Status:      StatusQueued,
		Progress:    0,
		FilePath:    filePath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.write(ctx, job); err != nil {
		return nil, false, err
	}
	if err := s.store.HashSet(ctx, jobIndexKey, map[string]interface{}{contentHash: job.ID}); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// Get loads one job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.store.HashGetAll(ctx, jobKeyPrefix+id)
	if err != nil {
		return nil, fault.BackendUnavailable("failed to load job", err)
	}
	if len(fields) == 0 {
		return nil, fault.NotFound("ingestion job", id)
	}
	return jobFromFields(fields), nil
}

// SetProcessing marks the job picked up by the pipeline.
func (s *JobStore) SetProcessing(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":   StatusProcessing,
		"progress": 10,
	})
}

// SetExtracted records the page count after text extraction.
func (s *JobStore) SetExtracted(ctx context.Context, id string, pages int) error {
	return s.update(ctx, id, map[string]interface{}{
		"progress": 30,
		"pages":    pages,
	})
}

// SetChunked records the chunk count after segmentation.
func (s *JobStore) SetChunked(ctx context.Context, id string, chunks int) error {
	return s.update(ctx, id, map[string]interface{}{
		"progress": 50,
		"chunks":   chunks,
	})
}

// Complete marks the job finished with the number of vectors stored.
func (s *JobStore) Complete(ctx context.Context, id string, vectorsStored int) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":         StatusCompleted,
		"progress":       100,
		"vectors_stored": vectorsStored,
		"error":          "",
	})
}

// Fail marks the job failed with the last error attached.
func (s *JobStore) Fail(ctx context.Context, id, errMsg string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status": StatusFailed,
		"error":  errMsg,
	})
}

// List returns all known jobs, newest first.
func (s *JobStore) List(ctx context.Context) ([]Job, error) {
	keys, err := s.store.Keys(ctx, jobKeyPrefix+"*")
	if err != nil {
		return nil, fault.BackendUnavailable("failed to scan jobs", err)
	}

	jobs := make([]Job, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.HashGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		job := jobFromFields(fields)
		if job.ID == "" {
			job.ID = strings.TrimPrefix(key, jobKeyPrefix)
		}
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// Stats returns the number of jobs per status.
func (s *JobStore) Stats(ctx context.Context) (map[string]int, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := map[string]int{
		StatusQueued:     0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, job := range jobs {
		stats[job.Status]++
	}
	return stats, nil
}

func (s *JobStore) write(ctx context.Context, job *Job) error {
	fields := map[string]interface{}{
		"id":           job.ID,
		"filename":     job.Filename,
		"content_hash": job.ContentHash,
		"bytes":        job.Bytes,
		"status":       job.Status,
		"progress":     job.Progress,
		"file_path":    job.FilePath,
		"created_at":   job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := s.store.HashSet(ctx, jobKeyPrefix+job.ID, fields); err != nil {
		return fault.BackendUnavailable("failed to persist job", err)
	}
	return nil
}

func (s *JobStore) update(ctx context.Context, id string, fields map[string]interface{}) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.store.HashSet(ctx, jobKeyPrefix+id, fields); err != nil {
		return fault.BackendUnavailable("failed to update job", err)
	}
	return nil
}

func jobFromFields(fields map[string]string) *Job {
	job := &Job{
		ID:          fields["id"],
		Filename:    fields["filename"],
		ContentHash: fields["content_hash"],
		Status:      fields["status"],
		Error:       fields["error"],
		FilePath:    fields["file_path"],
	}
	job.Bytes, _ = strconv.ParseInt(fields["bytes"], 10, 64)
	job.Progress, _ = strconv.Atoi(fields["progress"])
	job.Pages, _ = strconv.Atoi(fields["pages"])
	job.Chunks, _ = strconv.Atoi(fields["chunks"])
	job.VectorsStored, _ = strconv.Atoi(fields["vectors_stored"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return job
}
