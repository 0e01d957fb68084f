package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 120 * time.Second
	maxErrorBodyLen    = 2000
)

// endpoint is everything needed to reach one OpenAI-compatible
// /chat/completions URL.
type endpoint struct {
	provider     string
	apiBase      string
	defaultModel string
	proxy        string
	auth         AuthStrategy
	headers      map[string]string
}

type chatCompletionsClient struct {
	ep   endpoint
	http *http.Client
}

func newChatCompletionsClient(ep endpoint) (*chatCompletionsClient, error) {
	ep.apiBase = strings.TrimRight(strings.TrimSpace(ep.apiBase), "/")
	if ep.apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", ep.provider)
	}
	if ep.auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", ep.provider)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	if proxy := strings.TrimSpace(ep.proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", ep.provider, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	headers := make(map[string]string, len(ep.headers))
	for k, v := range ep.headers {
		if k, v = strings.TrimSpace(k), strings.TrimSpace(v); k != "" && v != "" {
			headers[k] = v
		}
	}
	ep.headers = headers
	return &chatCompletionsClient{ep: ep, http: client}, nil
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

func (c *chatCompletionsClient) Chat(ctx context.Context, req ChatRequest) (*LLMResponse, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.ep.defaultModel
	}
	payload, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.ep.provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ep.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.ep.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.ep.auth.Apply(ctx, httpReq); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", c.ep.provider, err)
	}
	for k, v := range c.ep.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: c.ep.provider, Op: "send request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Provider: c.ep.provider, Op: "read response", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &GatewayError{Provider: c.ep.provider, Status: resp.StatusCode, Body: string(body)}
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", c.ep.provider, err)
	}
	out := &LLMResponse{FinishReason: "stop", Usage: decoded.Usage}
	if len(decoded.Choices) > 0 {
		out.Content = contentText(decoded.Choices[0].Message.Content)
		out.FinishReason = decoded.Choices[0].FinishReason
	}
	return out, nil
}

func (c *chatCompletionsClient) GetDefaultModel() string {
	return c.ep.defaultModel
}

// contentText accepts either a plain string or an array of content parts and
// returns the concatenated text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		} else {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

// extractAPIError pulls the human-readable message out of an error body.
func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, msg := range []string{payload.Error.Message, payload.Message} {
			if msg = strings.TrimSpace(msg); msg != "" {
				return msg
			}
		}
	}
	if len(trimmed) > maxErrorBodyLen {
		return trimmed[:maxErrorBodyLen] + "..."
	}
	return trimmed
}
