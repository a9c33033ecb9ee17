// Package llm wraps an OpenAI-compatible chat completion API as a text classifier.
package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// DefaultMaxTokens keeps the answer to a single word.
const DefaultMaxTokens = 5

const systemPrompt = "You label website visits for a personal time tracker. Reply with one word."

// ErrNoChoices is returned when the API answers without any completion.
var ErrNoChoices = errors.New("llm: completion returned no choices")

// ClientConfig configures Client.
type ClientConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Client sends classification prompts to the chat completion endpoint.
type Client struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewClient constructs a Client, applying defaults for empty fields.
func NewClient(cfg ClientConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		client:    openai.NewClientWithConfig(oc),
		model:     model,
		maxTokens: maxTokens,
	}
}

// ClassifyText returns the model's raw answer to prompt.
func (c *Client) ClassifyText(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
