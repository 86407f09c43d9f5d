package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eposlab/epos/internal/config"
	"github.com/eposlab/epos/internal/httpkit"
	"github.com/eposlab/epos/internal/prompts"
)

// Fixed sampling parameters for every generation call. These are part of
// the backend request contract and are not configurable per call.
const (
	topP          = 0.9
	repeatPenalty = 1.15
)

// requestTimeout covers local models loading from disk, which can take
// minutes on the first call.
const requestTimeout = 5 * time.Minute

// Backend talks to an OpenAI-compatible local inference server. The
// primary path is the completions endpoint (raw text continuation); on
// any completions failure it silently falls back to the chat endpoint
// with a fixed system instruction.
type Backend struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	model string
}

// NewBackend creates a client for the inference server at baseURL.
func NewBackend(baseURL string, logger *slog.Logger) *Backend {
	return &Backend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(requestTimeout),
		logger:     logger.With("component", "llm"),
	}
}

// ModelName returns the model discovered by CheckConnection.
func (b *Backend) ModelName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CheckConnection queries /v1/models and records the first loaded
// model's name for subsequent requests.
func (b *Backend) CheckConnection(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/models", nil)
	if err != nil {
		return "", fmt.Errorf("create models request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	var models modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return "", fmt.Errorf("decode models response: %w", err)
	}
	if len(models.Data) == 0 {
		return "", fmt.Errorf("no model loaded on backend")
	}

	b.mu.Lock()
	b.model = models.Data[0].ID
	b.mu.Unlock()

	return models.Data[0].ID, nil
}

// Generate produces a continuation of prompt. Completions first, chat
// fallback on any completions failure.
func (b *Backend) Generate(ctx context.Context, prompt string, opts Options) (string, int, error) {
	text, tokens, err := b.complete(ctx, prompt, opts)
	if err == nil {
		return text, tokens, nil
	}
	b.logger.Debug("completions failed, falling back to chat", "error", err)
	return b.chatFallback(ctx, prompt, opts)
}

type completionRequest struct {
	Prompt        string  `json:"prompt"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	Stream        bool    `json:"stream"`
	Model         string  `json:"model,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (b *Backend) complete(ctx context.Context, prompt string, opts Options) (string, int, error) {
	payload := completionRequest{
		Prompt:        prompt,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		TopP:          topP,
		RepeatPenalty: repeatPenalty,
		Stream:        false,
		Model:         b.ModelName(),
	}

	var parsed completionResponse
	if err := b.post(ctx, "/v1/completions", payload, &parsed); err != nil {
		return "", 0, err
	}
	if len(parsed.Choices) == 0 {
		return "", 0, fmt.Errorf("completions response has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Text), parsed.Usage.CompletionTokens, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float64       `json:"temperature"`
	TopP          float64       `json:"top_p"`
	RepeatPenalty float64       `json:"repeat_penalty"`
	Stream        bool          `json:"stream"`
	Model         string        `json:"model,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (b *Backend) chatFallback(ctx context.Context, prompt string, opts Options) (string, int, error) {
	payload := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ChatFallbackSystem},
			{Role: "user", Content: prompt},
		},
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		TopP:          topP,
		RepeatPenalty: repeatPenalty,
		Stream:        false,
		Model:         b.ModelName(),
	}

	var parsed chatResponse
	if err := b.post(ctx, "/v1/chat/completions", payload, &parsed); err != nil {
		return "", 0, err
	}
	if len(parsed.Choices) == 0 {
		return "", 0, fmt.Errorf("chat response has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), parsed.Usage.CompletionTokens, nil
}

func (b *Backend) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	b.logger.Log(ctx, config.LevelTrace, "backend request", "path", path, "bytes", len(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend error %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
