package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Gemini speaks the generativelanguage REST shape.
type Gemini struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func newGemini(baseURL string, opts Options, client *http.Client) *Gemini {
	return &Gemini{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		temperature: opts.Temperature,
		client:      client,
	}
}

// Name returns the provider identifier.
func (g *Gemini) Name() ProviderName {
	return ProviderGemini
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one generateContent round trip.
func (g *Gemini) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Params.Model
	if model == "" {
		model = g.model
	}
	temperature := req.Params.Temperature
	if temperature == 0 {
		temperature = g.temperature
	}
	payload := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	payload.GenerationConfig.Temperature = temperature
	payload.GenerationConfig.MaxOutputTokens = req.Params.MaxTokens
	if req.System != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, &ProviderError{Provider: ProviderGemini, Message: "encode request", Err: err}
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, &ProviderError{Provider: ProviderGemini, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, &ProviderError{Provider: ProviderGemini, Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &ProviderError{Provider: ProviderGemini, Message: "read response", Transient: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr geminiErrorResponse
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return Response{}, &ProviderError{
			Provider:  ProviderGemini,
			Status:    resp.StatusCode,
			Message:   message,
			Transient: transientStatus(resp.StatusCode),
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, &ProviderError{Provider: ProviderGemini, Message: "decode response", Err: err}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Response{}, &ProviderError{Provider: ProviderGemini, Message: "response carried no candidates"}
	}
	var builder strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		builder.WriteString(part.Text)
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return Response{}, &ProviderError{Provider: ProviderGemini, Message: "response carried empty content"}
	}
	return Response{
		Text:         text,
		Model:        model,
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}, nil
}

var _ Completion = (*Gemini)(nil)
