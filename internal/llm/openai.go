package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/vocab"
)

// OpenAIBackend is the primary hosted structured-output backend.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	system string
	logger *slog.Logger
}

func NewOpenAIBackend(apiKey, model string, v *vocab.Vocab, logger *slog.Logger) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("primary model not configured, defaulting", "model", model)
	}
	return &OpenAIBackend{
		client: openai.NewClient(apiKey),
		model:  model,
		system: SystemInstruction(v),
		logger: logger,
	}
}

func (b *OpenAIBackend) Name() string { return "openai:" + b.model }

// GenerateSpec issues one structured-output chat completion. No internal
// retries; classification of failures is the whole contract.
func (b *OpenAIBackend) GenerateSpec(ctx context.Context, req Request) (*animspec.Spec, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: b.system},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	}
	for _, diag := range req.RepairContext {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: RepairMessage(diag),
		})
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "animation_spec",
				Schema: json.RawMessage(animspec.JSONSchema),
				Strict: false,
			},
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindLLMUnavailable, "model returned no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, apperr.New(apperr.KindLLMRefused, "model refused the request")
	}

	spec, perr := ParseSpec(choice.Message.Content)
	if perr != nil {
		return nil, apperr.Wrap(apperr.KindLLMMalformed, perr, "parse model output")
	}
	return spec, nil
}

func (b *OpenAIBackend) Health(ctx context.Context) Health {
	start := time.Now()
	_, err := b.client.ListModels(ctx)
	return Health{OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindLLMTimeout, err, "model call timed out")
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return apperr.Wrap(apperr.KindLLMRateLimited, err, "model rate limited")
		case apiErr.HTTPStatusCode >= 500:
			return apperr.Wrap(apperr.KindLLMUnavailable, err, "model unavailable")
		}
	}
	return apperr.Wrap(apperr.KindLLMUnavailable, err, "model call failed")
}
