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

// ChatCompletions speaks the OpenAI chat-completions wire shape, which both
// OpenAI and Groq expose.
type ChatCompletions struct {
	name        ProviderName
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func newChatCompletions(name ProviderName, baseURL string, opts Options, client *http.Client) *ChatCompletions {
	return &ChatCompletions{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		temperature: opts.Temperature,
		client:      client,
	}
}

// Name returns the provider identifier.
func (c *ChatCompletions) Name() ProviderName {
	return c.name
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one chat completion round trip.
func (c *ChatCompletions) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Params.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Params.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	payload := chatRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   req.Params.MaxTokens,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, &ProviderError{Provider: c.name, Message: "encode request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, &ProviderError{Provider: c.name, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, &ProviderError{Provider: c.name, Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &ProviderError{Provider: c.name, Message: "read response", Transient: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr chatErrorResponse
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return Response{}, &ProviderError{
			Provider:  c.name,
			Status:    resp.StatusCode,
			Message:   message,
			Transient: transientStatus(resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, &ProviderError{Provider: c.name, Message: "decode response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return Response{}, &ProviderError{Provider: c.name, Message: "response carried no choices"}
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return Response{}, &ProviderError{Provider: c.name, Message: "response carried empty content"}
	}
	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return Response{
		Text:         text,
		Model:        respModel,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

var _ Completion = (*ChatCompletions)(nil)

// String aids logging.
func (c *ChatCompletions) String() string {
	return fmt.Sprintf("%s(%s)", c.name, c.model)
}
