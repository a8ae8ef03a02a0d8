package llm

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nvidales/adrsynth/internal/config"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"
	geminiBaseURL = "https://generativelanguage.googleapis.com"

	defaultCallTimeout = 2 * time.Minute
)

// Options configures a provider directly, bypassing project config.
type Options struct {
	Provider    ProviderName
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	HTTPClient  *http.Client
}

// NewFromConfig builds the configured completion provider.
func NewFromConfig(cfg *config.Config) (Completion, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm: missing config")
	}
	opts := Options{
		Provider:    ProviderName(cfg.Project.LLM.Provider),
		BaseURL:     cfg.Project.LLM.BaseURL,
		APIKey:      cfg.APIKey(),
		Model:       cfg.Project.LLM.Model,
		Temperature: cfg.Project.LLM.Temperature,
	}
	return New(opts)
}

// New builds a completion provider from explicit options.
func New(opts Options) (Completion, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, opts.Provider)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	switch opts.Provider {
	case ProviderOpenAI, "":
		base := opts.BaseURL
		if base == "" {
			base = openAIBaseURL
		}
		return newChatCompletions(ProviderOpenAI, base, opts, client), nil
	case ProviderGroq:
		base := opts.BaseURL
		if base == "" {
			base = groqBaseURL
		}
		return newChatCompletions(ProviderGroq, base, opts, client), nil
	case ProviderGemini:
		base := opts.BaseURL
		if base == "" {
			base = geminiBaseURL
		}
		return newGemini(base, opts, client), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.Provider)
	}
}
