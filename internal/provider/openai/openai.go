// Package openai is an adapter for any endpoint speaking the OpenAI chat
// completions protocol: OpenAI itself, Azure-style proxies, vLLM and Ollama's
// /v1 surface.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/httputil"
	"github.com/felipepmaragno/model-arbiter/internal/provider"
)

const (
	Type           = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"

	maxErrorBody = 4 << 10
)

type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(name, apiKey, baseURL string, client *http.Client) *Provider {
	if name == "" {
		name = Type
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Factory builds an adapter for the provider registry. Without
// Settings.Timeout the dispatch deadline is the only bound on a call.
func Factory(_ context.Context, s provider.Settings) (provider.Adapter, error) {
	cfg := httputil.DefaultConfig()
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	return New(s.Name, s.APIKey, s.BaseURL, httputil.NewClient(cfg)), nil
}

func (p *Provider) Name() string {
	return p.name
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) SendCompletion(ctx context.Context, c domain.Candidate, req domain.CompletionRequest, timeout time.Duration) (*domain.CompletionResponse, error) {
	ctx, cancel := provider.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(toChatRequest(c.ModelID, req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrProviderError, p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %w", domain.ErrProviderError, p.name, err)
	}

	out := &domain.CompletionResponse{
		ID:       chat.ID,
		ModelID:  c.ModelID,
		Provider: p.name,
		Usage: domain.Usage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
		},
		Latency: time.Since(start),
	}
	if len(chat.Choices) > 0 {
		out.Content = chat.Choices[0].Message.Content
		out.StopReason = chat.Choices[0].FinishReason
	}
	return out, nil
}

func toChatRequest(model string, req domain.CompletionRequest) chatRequest {
	cr := chatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return cr
}

func statusError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := fmt.Sprintf("%s: status=%d body=%s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", provider.ErrInvalidRequest, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", provider.ErrAuthFailed, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

func (p *Provider) EstimateCost(model domain.ModelCatalogEntry, inputTokens, outputTokens int) float64 {
	return provider.ListPrice(model, inputTokens, outputTokens)
}

func (p *Provider) CheckHealth(ctx context.Context) provider.HealthStatus {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return provider.HealthUnknown
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.HealthUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.HealthUnhealthy
	}
	return provider.HealthHealthy
}
