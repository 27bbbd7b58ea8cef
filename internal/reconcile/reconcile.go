// Package reconcile merges two versions of a text value with a language
// model. Callers treat every error as "reconciler unavailable" and fall back.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var ErrUnavailable = errors.New("reconciler unavailable")

// Reconciler merges an existing value with a proposed one into a single text.
type Reconciler interface {
	Reconcile(ctx context.Context, existing, proposed string) (string, error)
}

const systemPrompt = `You maintain short memory notes about a learner.
Merge the EXISTING notes with the PROPOSED notes into one set of notes.
Keep every distinct fact, drop exact or near duplicates, prefer the proposed
wording when the two disagree, and keep the line-per-fact layout.
Reply with the merged notes only, no commentary.`

type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds a chat-completions reconciler. baseURL may point at any
// OpenAI-compatible endpoint; empty keeps the default.
func NewOpenAI(apiKey, model, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (o *OpenAI) Reconcile(ctx context.Context, existing, proposed string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("EXISTING:\n%s\n\nPROPOSED:\n%s", existing, proposed)},
		},
		MaxTokens:   1024,
		Temperature: 0,
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	merged := strings.TrimSpace(resp.Choices[0].Message.Content)
	if merged == "" {
		return "", fmt.Errorf("%w: blank completion", ErrUnavailable)
	}
	return merged, nil
}

// Func adapts a plain function to Reconciler.
type Func func(ctx context.Context, existing, proposed string) (string, error)

func (f Func) Reconcile(ctx context.Context, existing, proposed string) (string, error) {
	return f(ctx, existing, proposed)
}
