package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleModel backs a ChatWorker with Google's Gemini API.
type GoogleModel struct {
	client *genai.Client
	model  string
}

// NewGoogleModel creates a backend for the given API key and model.
// The client holds a connection and should be closed when done.
func NewGoogleModel(ctx context.Context, apiKey, model string) (*GoogleModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &GoogleModel{client: client, model: model}, nil
}

// Name returns the provider identifier.
func (m *GoogleModel) Name() string {
	return "google"
}

// Close releases the underlying client connection.
func (m *GoogleModel) Close() error {
	return m.client.Close()
}

// Complete sends one exchange and returns the concatenated text parts of
// the first candidate.
func (m *GoogleModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	model := m.client.GenerativeModel(m.model)
	model.ResponseMIMEType = "application/json"
	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("google: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("google: empty response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	if text == "" {
		return "", errors.New("google: no text in response")
	}
	return text, nil
}
