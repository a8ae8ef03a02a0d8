package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGeminiShapesRequestAndParsesParts(t *testing.T) {
	var capturedPath string
	var captured geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		if got := r.URL.Query().Get("key"); got != "gem-key" {
			t.Errorf("key = %q, want gem-key", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{{"text": "part one "}, {"text": "part two"}}},
			}},
			"usageMetadata": map[string]any{"promptTokenCount": 7, "candidatesTokenCount": 3},
		})
	}))
	defer server.Close()

	provider, err := New(Options{
		Provider:   ProviderGemini,
		BaseURL:    server.URL,
		APIKey:     "gem-key",
		Model:      "gemini-1.5-pro",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	resp, err := provider.Complete(context.Background(), Request{System: "sys", Prompt: "diff the plans"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(capturedPath, "models/gemini-1.5-pro:generateContent") {
		t.Fatalf("path = %q", capturedPath)
	}
	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) != 1 {
		t.Fatalf("system instruction not shaped: %+v", captured.SystemInstruction)
	}
	if resp.Text != "part one part two" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 3 {
		t.Fatalf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestGeminiMapsAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "overloaded"}})
	}))
	defer server.Close()

	provider, err := New(Options{Provider: ProviderGemini, BaseURL: server.URL, APIKey: "k", Model: "m", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = provider.Complete(context.Background(), Request{Prompt: "p"})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if !provErr.Transient || provErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected provider error: %+v", provErr)
	}
}
