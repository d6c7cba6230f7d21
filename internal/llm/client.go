// Package llm wraps the OpenAI-compatible chat API behind a small client
// interface so the planner oracle, quick replies and run summaries share one
// transport and tests can swap in a mock.
package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"crewhub/internal/logging"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single completion call.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
	// JSONMode asks the provider to constrain output to a JSON object.
	JSONMode bool
}

// Client represents any chat-completion provider.
type Client interface {
	// Complete sends messages and returns the assistant's text.
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)

	// Model returns the default model identifier.
	Model() string
}

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type openAIClient struct {
	api    *openai.Client
	model  string
	logger logging.Logger
}

// NewClient constructs a Client talking to an OpenAI-compatible endpoint.
func NewClient(cfg Config, logger logging.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key required")
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &openAIClient{
		api:    openai.NewClientWithConfig(apiCfg),
		model:  cfg.Model,
		logger: logging.OrNop(logger),
	}, nil
}

func (c *openAIClient) Model() string {
	return c.model
}

func (c *openAIClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Warn("completion failed: model=%s err=%v", model, err)
		return "", fmt.Errorf("llm completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm completion: empty choice list")
	}
	return resp.Choices[0].Message.Content, nil
}
