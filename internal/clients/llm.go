package clients

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
)

const llmService = "llm"

// GenerateResult is the LLM's response to one generation request.
type GenerateResult struct {
	Response       string `json:"response"`
	Model          string `json:"model"`
	PromptTokens   int    `json:"prompt_tokens"`
	ResponseTokens int    `json:"response_tokens"`
}

// ChatMessage is one turn in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMClient talks to the generation server.
type LLMClient struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewLLMClient creates an LLM client.
func NewLLMClient(cfg config.LLMConfig, logger *logrus.Logger) *LLMClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &LLMClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Generate produces a completion for a single prompt.
func (c *LLMClient) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*GenerateResult, error) {
	if prompt == "" {
		return nil, fault.InvalidInput("prompt is empty")
	}
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	reqBody := map[string]interface{}{
		"prompt":      prompt,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if c.cfg.Model != "" {
		reqBody["model"] = c.cfg.Model
	}

	respBody, err := doJSON(ctx, c.httpClient, llmService, c.cfg.BaseURL,
		http.MethodPost, "/generate", reqBody)
	if err != nil {
		return nil, err
	}

	var result GenerateResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fault.Upstream(llmService, "failed to parse response", err)
	}

	c.logger.WithFields(logrus.Fields{
		"model":           result.Model,
		"prompt_tokens":   result.PromptTokens,
		"response_tokens": result.ResponseTokens,
	}).Debug("Generation complete")
	return &result, nil
}

// Chat produces a completion for a multi-turn conversation.
func (c *LLMClient) Chat(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float64) (*GenerateResult, error) {
	if len(messages) == 0 {
		return nil, fault.InvalidInput("messages list is empty")
	}
	for _, m := range messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return nil, fault.InvalidInput("role must be one of user, assistant, system")
		}
	}
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	reqBody := map[string]interface{}{
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if c.cfg.Model != "" {
		reqBody["model"] = c.cfg.Model
	}

	respBody, err := doJSON(ctx, c.httpClient, llmService, c.cfg.BaseURL,
		http.MethodPost, "/chat", reqBody)
	if err != nil {
		return nil, err
	}

	var result GenerateResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fault.Upstream(llmService, "failed to parse response", err)
	}
	return &result, nil
}
