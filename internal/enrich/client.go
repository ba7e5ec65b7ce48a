package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// LLM completes a prompt. Implementations must be safe for concurrent use.
type LLM interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// ErrLLMUnavailable reports that no model is configured.
var ErrLLMUnavailable = errors.New("llm unavailable")

const llmCallTimeout = 60 * time.Second

// AnthropicClient calls the Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient builds a client; returns nil when no API key is set so
// callers fall back to pattern extraction. baseURL overrides the API endpoint
// and is normally empty.
func NewAnthropicClient(apiKey, model, baseURL string) *AnthropicClient {
	if apiKey == "" {
		return nil
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(llmCallTimeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Complete sends one user message and returns the concatenated text blocks.
func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	if c == nil {
		return "", ErrLLMUnavailable
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm call: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("llm returned no text content")
	}
	return text, nil
}
