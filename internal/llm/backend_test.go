package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateUsesCompletionsEndpoint(t *testing.T) {
	var gotReq completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"text": "  generated text \n"}},
			"usage":   map[string]any{"completion_tokens": 42},
		})
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, slog.New(slog.DiscardHandler))
	text, tokens, err := b.Generate(context.Background(), "prompt here", Options{MaxTokens: 256, Temperature: 0.85})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "generated text" {
		t.Errorf("text = %q, want trimmed %q", text, "generated text")
	}
	if tokens != 42 {
		t.Errorf("tokens = %d, want 42", tokens)
	}
	if gotReq.TopP != 0.9 || gotReq.RepeatPenalty != 1.15 || gotReq.Stream {
		t.Errorf("fixed sampling params wrong: %+v", gotReq)
	}
	if gotReq.MaxTokens != 256 || gotReq.Temperature != 0.85 {
		t.Errorf("per-call params wrong: %+v", gotReq)
	}
}

func TestGenerateFallsBackToChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/completions":
			http.Error(w, "not supported", http.StatusNotFound)
		case "/v1/chat/completions":
			var req chatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode chat request: %v", err)
			}
			if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
				t.Errorf("chat messages = %+v, want system + user", req.Messages)
			}
			if req.Messages[1].Content != "prompt here" {
				t.Errorf("user content = %q", req.Messages[1].Content)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]any{"content": "chat text"}}},
				"usage":   map[string]any{"completion_tokens": 7},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, slog.New(slog.DiscardHandler))
	text, tokens, err := b.Generate(context.Background(), "prompt here", Options{MaxTokens: 512, Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "chat text" || tokens != 7 {
		t.Errorf("got (%q, %d), want (chat text, 7)", text, tokens)
	}
}

func TestCheckConnectionDiscoversModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "qwen3-8b"}},
		})
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, slog.New(slog.DiscardHandler))
	model, err := b.CheckConnection(context.Background())
	if err != nil {
		t.Fatalf("CheckConnection: %v", err)
	}
	if model != "qwen3-8b" || b.ModelName() != "qwen3-8b" {
		t.Errorf("model = %q / %q, want qwen3-8b", model, b.ModelName())
	}
}

func TestCheckConnectionNoModelLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, slog.New(slog.DiscardHandler))
	if _, err := b.CheckConnection(context.Background()); err == nil {
		t.Error("CheckConnection succeeded with no model loaded, want error")
	}
}
