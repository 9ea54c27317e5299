package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicModel backs a ChatWorker with Anthropic's Messages API.
// Safe for concurrent use after creation.
type AnthropicModel struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicModel creates a backend for the given API key and model.
func NewAnthropicModel(apiKey, model string) *AnthropicModel {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicModel{
		client:    &client,
		model:     model,
		maxTokens: 4096,
	}
}

// Name returns the provider identifier.
func (m *AnthropicModel) Name() string {
	return "anthropic"
}

// Complete sends one exchange and returns the concatenated text blocks.
func (m *AnthropicModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: m.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", errors.New("anthropic: empty response")
	}
	return text, nil
}
