package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/agentmgr/internal/registry"
)

// OpenAIProvider dispatches to OpenAI-compatible chat completion APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, VLLM, etc.)
type OpenAIProvider struct {
	name        string
	apiKey      string
	apiBase     string
	chatPath    string
	client      *http.Client
	retryConfig RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:        name,
		apiKey:      apiKey,
		apiBase:     strings.TrimRight(apiBase, "/"),
		chatPath:    "/chat/completions",
		client:      &http.Client{},
		retryConfig: DefaultRetryConfig(),
	}
}

// WithChatPath returns the provider with a custom completions path
// (e.g. "/text/chatcompletion_v2" for MiniMax native API).
func (p *OpenAIProvider) WithChatPath(path string) *OpenAIProvider {
	p.chatPath = path
	return p
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{
		TokenCounting:   true,
		Streaming:       false,
		Billing:         BillingPerToken,
		ConcurrencySafe: true,
		Protocol:        "openai-chat",
	}
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, agent registry.Config, prompt string, maxTokens int) (*Completion, error) {
	body := openAIRequest{
		Model:     agent.Model,
		Messages:  []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	}

	// per-agent endpoint overrides the provider-wide base
	base := p.apiBase
	if agent.Endpoint != "" {
		base = strings.TrimRight(agent.Endpoint, "/")
	}

	return RetryDo(ctx, p.retryConfig, func() (*Completion, error) {
		respBody, err := p.doRequest(ctx, base, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var oaiResp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&oaiResp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		if len(oaiResp.Choices) == 0 {
			return nil, fmt.Errorf("%s: response has no choices", p.name)
		}

		comp := &Completion{
			Content: oaiResp.Choices[0].Message.Content,
			Model:   oaiResp.Model,
		}
		if oaiResp.Usage != nil {
			comp.Tokens = oaiResp.Usage.TotalTokens
		}
		return comp, nil
	})
}

func (p *OpenAIProvider) doRequest(ctx context.Context, base string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", base+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}
