package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAINarrator writes prose with an OpenAI-compatible chat completion API.
type OpenAINarrator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAINarrator creates a narrator. An empty baseURL uses the OpenAI default.
func NewOpenAINarrator(apiKey, baseURL, model string) *OpenAINarrator {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAINarrator{
		client:      openai.NewClientWithConfig(config),
		model:       model,
		maxTokens:   120,
		temperature: 0.8,
	}
}

// Narrate sends one chat completion per request.
func (n *OpenAINarrator) Narrate(ctx context.Context, req Request) (string, error) {
	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt()},
		},
		MaxTokens:   n.maxTokens,
		Temperature: n.temperature,
		User:        req.ThreadID,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion %s: %w", req.ID, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("chat completion returned empty text")
	}
	return text, nil
}
