package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatModel is the minimal surface of a chat-completion backend: one
// system-plus-user exchange returning raw text.
type ChatModel interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

// ChatWorker adapts a ChatModel to the Worker contract by asking the
// model to reply with a JSON object and decoding it into a Result.
type ChatWorker struct {
	model ChatModel
}

// NewChatWorker wraps a chat backend.
func NewChatWorker(model ChatModel) *ChatWorker {
	return &ChatWorker{model: model}
}

// Invoke sends the prompt to the model and parses the reply. The model
// is instructed to answer in JSON; replies wrapped in markdown code
// fences are unwrapped before decoding.
func (w *ChatWorker) Invoke(ctx context.Context, kind, system, prompt string) (Result, error) {
	instructions := system
	if instructions != "" {
		instructions += "\n\n"
	}
	instructions += `Respond with a single JSON object: {"verdict": string, "feedback": string, "summary": string, "issues": [string], "data": object}. Omit fields you have nothing for.`

	raw, err := w.model.Complete(ctx, instructions, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("%s via %s: %w", kind, w.model.Name(), err)
	}

	var res Result
	if err := json.Unmarshal([]byte(stripFences(raw)), &res); err != nil {
		return Result{}, fmt.Errorf("%s via %s: decode reply: %w", kind, w.model.Name(), err)
	}
	return res, nil
}

// stripFences removes a surrounding markdown code fence, with or without
// a language tag, so fenced JSON replies still decode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
