package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mathviz/internal/animspec"
	"mathviz/internal/apperr"
	"mathviz/internal/vocab"
)

// LocalBackend is the fallback: a hand-rolled client against any
// OpenAI-compatible chat-completions endpoint, typically a local model
// server. It speaks the same wire shape as the primary so the orchestrator
// treats the two uniformly.
type LocalBackend struct {
	httpClient *http.Client
	baseURL    string
	model      string
	system     string
	logger     *slog.Logger
}

func NewLocalBackend(baseURL, model string, v *vocab.Vocab, logger *slog.Logger) *LocalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBackend{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		system:     SystemInstruction(v),
		logger:     logger,
	}
}

func (b *LocalBackend) Name() string { return "local:" + b.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Stream         bool          `json:"stream"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (b *LocalBackend) GenerateSpec(ctx context.Context, req Request) (*animspec.Spec, error) {
	messages := []chatMessage{
		{Role: "system", Content: b.system},
		{Role: "user", Content: req.Prompt},
	}
	for _, diag := range req.RepairContext {
		messages = append(messages, chatMessage{Role: "user", Content: RepairMessage(diag)})
	}

	payload, err := json.Marshal(chatRequest{
		Model:          b.model,
		Messages:       messages,
		Stream:         false,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, apperr.Wrap(apperr.KindLLMTimeout, err, "local model timed out")
		}
		return nil, apperr.Wrap(apperr.KindLLMUnavailable, err, "local model unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLLMUnavailable, err, "read local model response")
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.New(apperr.KindLLMRateLimited, "local model rate limited")
	case resp.StatusCode >= 500:
		return nil, apperr.New(apperr.KindLLMUnavailable, "local model returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.New(apperr.KindLLMUnavailable, "local model returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindLLMMalformed, &MalformedError{Raw: string(body), Diag: err.Error()}, "decode chat response")
	}
	if len(parsed.Choices) == 0 {
		return nil, apperr.New(apperr.KindLLMUnavailable, "local model returned no choices")
	}

	spec, perr := ParseSpec(parsed.Choices[0].Message.Content)
	if perr != nil {
		return nil, apperr.Wrap(apperr.KindLLMMalformed, perr, "parse model output")
	}
	return spec, nil
}

func (b *LocalBackend) Health(ctx context.Context) Health {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/models", nil)
	if err != nil {
		return Health{}
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Health{LatencyMS: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()
	return Health{OK: resp.StatusCode == http.StatusOK, LatencyMS: time.Since(start).Milliseconds()}
}
