package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/broker"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/clients"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/session"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/vectorstore"
)

// Apology texts returned instead of raw upstream errors.
const (
	apologyGeneration = "I apologize, but I'm having trouble generating a response right now. Please try again."
	apologyRetrieval  = "I apologize, but I encountered an error while processing your request. Please try again."
)

// Dependency names for circuit accounting.
const (
	depEmbedding   = "embedding"
	depVectorStore = "vector-store"
	depLLM         = "llm"
)

// Embedder turns the query string into a vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*clients.EmbedResult, error)
}

// Searcher runs similarity search over the chunk collection.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64) ([]vectorstore.ScoredPoint, error)
}

// Generator produces the final completion.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*clients.GenerateResult, error)
}

// Response is the user-facing answer to one query.
type Response struct {
	SessionID      string  `json:"session_id"`
	Response       string  `json:"response"`
	ContextUsed    int     `json:"context_used"`
	ContextSources [][]int `json:"context_sources"`
	Model          string  `json:"model"`
	ProcessingTime float64 `json:"processing_time"`
}

// Orchestrator produces grounded responses on behalf of a session.
type Orchestrator struct {
	sessions   *session.Store
	embedder   Embedder
	searcher   Searcher
	generator  Generator
	circuits   *broker.CircuitRegistry
	collection string
	limit      int
	threshold  float64
	maxContext int
	maxTokens  int
	temp       float64
	logger     *zap.Logger
}

// NewOrchestrator wires the query pipeline. circuits may be nil when no
// broker is attached; outbound calls then proceed unguarded.
func NewOrchestrator(sessions *session.Store, embedder Embedder, searcher Searcher, generator Generator,
	circuits *broker.CircuitRegistry, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sessions:   sessions,
		embedder:   embedder,
		searcher:   searcher,
		generator:  generator,
		circuits:   circuits,
		collection: cfg.VectorStore.Collection,
		limit:      cfg.Query.MaxSearchResults,
		threshold:  cfg.Query.SimilarityThreshold,
		maxContext: cfg.Query.MaxContextLength,
		maxTokens:  cfg.LLM.MaxTokens,
		temp:       cfg.LLM.Temperature,
		logger:     logger,
	}
}

// Answer runs one query end to end. Upstream failures never surface raw:
// the caller always receives a well-typed apology with context_used = 0.
// Only invalid input and session-store faults propagate as errors.
func (o *Orchestrator) Answer(ctx context.Context, sessionID, question string) (*Response, error) {
	if question == "" {
		return nil, fault.InvalidInput("query is empty")
	}

	sess, err := o.sessions.Create(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}

	start := time.Now()

	hits, err := o.retrieve(ctx, question)
	if err != nil {
		o.logger.Warn("Context retrieval failed", zap.Error(err))
		return o.finish(ctx, sess.ID, question, apologyRetrieval, nil, "unknown", start), nil
	}

	sections := BuildSections(hits, o.threshold)
	prompt := BuildPrompt(question, sections, o.maxContext)

	result, err := o.generate(ctx, prompt)
	if err != nil {
		o.logger.Warn("Generation failed", zap.Error(err))
		return o.finish(ctx, sess.ID, question, apologyGeneration, nil, "unknown", start), nil
	}

	return o.finish(ctx, sess.ID, question, result.Response, sections, result.Model, start), nil
}

// retrieve embeds the question and searches the chunk collection.
func (o *Orchestrator) retrieve(ctx context.Context, question string) ([]vectorstore.ScoredPoint, error) {
	embedResult, err := broker.Guard(o.circuits, depEmbedding, func() (*clients.EmbedResult, error) {
		return o.embedder.Embed(ctx, []string{question})
	})
	if err != nil {
		return nil, err
	}
	if len(embedResult.Embeddings) == 0 {
		return nil, fault.Upstream(depEmbedding, "no vector returned for query", nil)
	}

	return broker.Guard(o.circuits, depVectorStore, func() ([]vectorstore.ScoredPoint, error) {
		return o.searcher.Search(ctx, o.collection, embedResult.Embeddings[0], o.limit, o.threshold)
	})
}

func (o *Orchestrator) generate(ctx context.Context, prompt string) (*clients.GenerateResult, error) {
	return broker.Guard(o.circuits, depLLM, func() (*clients.GenerateResult, error) {
		return o.generator.Generate(ctx, prompt, o.maxTokens, o.temp)
	})
}

// finish records the exchange in the conversation history and shapes the
// response. History failures are logged, never surfaced: the answer is
// already produced.
func (o *Orchestrator) finish(ctx context.Context, sessionID, question, answer string,
	sections []ContextSection, model string, start time.Time) *Response {

	elapsed := time.Since(start).Seconds()
	sources := make([][]int, len(sections))
	for i, section := range sections {
		sources[i] = section.Pages
	}

	entry := session.Entry{
		Timestamp:         time.Now().UTC(),
		UserMessage:       question,
		AssistantResponse: answer,
		ContextUsed:       len(sections),
		ProcessingTime:    elapsed,
	}
	if err := o.sessions.Append(ctx, sessionID, entry); err != nil {
		o.logger.Warn("Failed to append conversation entry",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.sessions.Touch(ctx, sessionID); err != nil {
		o.logger.Warn("Failed to touch session",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	return &Response{
		SessionID:      sessionID,
		Response:       answer,
		ContextUsed:    len(sections),
		ContextSources: sources,
		Model:          model,
		ProcessingTime: elapsed,
	}
}
