package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/normanking/ashley/internal/tokens"
)

// OpenAIProvider implements Provider and StreamingProvider against any
// OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	// Endpoint is the API base URL.
	Endpoint string
	// APIKey authenticates requests.
	APIKey string
	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// NewOpenAIProvider creates a provider with defaults applied.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &OpenAIProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Available checks if the API key is configured.
func (p *OpenAIProvider) Available() bool { return p.apiKey != "" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

// buildRequest flattens typed content blocks to the wire shape. Media
// references are passed through as their URL text; this endpoint family
// accepts them inline.
func (p *OpenAIProvider) buildRequest(req *ChatRequest, stream bool) openAIChatRequest {
	out := openAIChatRequest{
		Model:            req.Model,
		MaxTokens:        req.Params.MaxOutputTokens,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		PresencePenalty:  req.Params.PresencePenalty,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		Stream:           stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, msg := range req.Messages {
		var b strings.Builder
		for _, block := range msg.Content {
			if block.Text != "" {
				b.WriteString(block.Text)
			} else if block.URL != "" {
				b.WriteString(block.URL)
			}
		}
		out.Messages = append(out.Messages, openAIMessage{Role: msg.Role, Content: b.String()})
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, body interface{}) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// Chat sends a synchronous completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	return &ChatResponse{
		Text:         parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		Usage:        tokens.Usage{PromptTokens: parsed.Usage.PromptTokens, CompletionTokens: parsed.Usage.CompletionTokens},
		Duration:     time.Since(start),
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// ChatStream sends a streaming completion request, invoking onFragment for
// each content delta. The response body is always drained or closed before
// return, including early error paths.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest, onFragment func(string)) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		aggregate    strings.Builder
		usage        openAIUsage
		model        string
		finishReason string
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if aggregate.Len()+len(choice.Delta.Content) > MaxStreamedResponseSize {
					return nil, fmt.Errorf("streamed response exceeds %d bytes", MaxStreamedResponseSize)
				}
				aggregate.WriteString(choice.Delta.Content)
				onFragment(choice.Delta.Content)
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	return &ChatResponse{
		Text:         aggregate.String(),
		Model:        model,
		Usage:        tokens.Usage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens},
		Duration:     time.Since(start),
		FinishReason: finishReason,
	}, nil
}
