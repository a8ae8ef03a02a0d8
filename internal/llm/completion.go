// Package llm defines the completion collaborator contract the analysis
// stages suspend on, plus the HTTP providers shipped with adrsynth. The
// engine never retries a completion; retry policy belongs to the provider
// or its caller.
package llm

import (
	"context"
	"fmt"
)

// ProviderName identifies a supported completion provider.
type ProviderName string

const (
	ProviderOpenAI ProviderName = "openai"
	ProviderGroq   ProviderName = "groq"
	ProviderGemini ProviderName = "gemini"
)

// Params tunes a single completion call.
type Params struct {
	Model       string
	Temperature float64
	// MaxTokens caps the generation when positive; zero keeps the provider default.
	MaxTokens int
}

// Request carries one completion invocation.
type Request struct {
	System string
	Prompt string
	Params Params
}

// Response carries the generated text plus provider accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Completion is the contract stages call at their suspension point.
type Completion interface {
	Name() ProviderName
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProviderError describes a provider-side completion failure.
type ProviderError struct {
	Provider  ProviderName
	Status    int
	Message   string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm: %s returned %d: %s", e.Provider, e.Status, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("llm: %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("llm: %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrUnknownProvider is returned when the configured provider is unsupported.
var ErrUnknownProvider = fmt.Errorf("llm: unknown provider")

// ErrMissingAPIKey is returned when the provider key env variable is empty.
var ErrMissingAPIKey = fmt.Errorf("llm: missing API key")

func transientStatus(status int) bool {
	return status == 429 || status >= 500
}
