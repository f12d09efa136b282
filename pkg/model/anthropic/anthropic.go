// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anthropic implements model.LLM on the Anthropic Messages API. It
// is the kernel's ephemeral-style caching provider: when the caller asks
// for caching, the system prompt is sent as a content block carrying a
// cache_control marker, and the response's cache_read token count reports
// the hit.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/httpclient"
	"github.com/basalt-run/kernel/pkg/model"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	betaThinking     = "interleaved-thinking-2025-05-14"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second

	// The API requires temperature 1 when thinking is on.
	thinkingTemperature = 1.0
)

// Config configures the Anthropic client.
type Config struct {
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    *float64
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	EnableThinking bool
	ThinkingBudget int
}

// Client is an Anthropic LLM on the Messages API.
type Client struct {
	httpClient     *httpclient.Client
	apiKey         string
	baseURL        string
	model          string
	maxTokens      int
	temperature    *float64
	enableThinking bool
	thinkingBudget int
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	budget := cfg.ThinkingBudget
	if budget == 0 {
		budget = 10000
	}

	return &Client{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		model:          modelName,
		maxTokens:      maxTokens,
		temperature:    cfg.Temperature,
		enableThinking: cfg.EnableThinking,
		thinkingBudget: budget,
	}, nil
}

func (c *Client) Name() string             { return c.model }
func (c *Client) Provider() model.Provider { return model.ProviderAnthropic }
func (c *Client) Close() error             { return nil }

// GenerateContent implements model.LLM.
func (c *Client) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	if stream {
		return c.generateStream(ctx, req)
	}
	return func(yield func(*model.Response, error) bool) {
		resp, err := c.generate(ctx, req)
		yield(resp, err)
	}
}

func (c *Client) generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parseResponse(&apiResp), nil
}

// generateStream reads the Messages API SSE stream, yielding text and
// thinking deltas as partials and the aggregate last.
func (c *Client) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		resp, err := c.post(ctx, c.buildRequest(req, true))
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		agg := model.NewStreamingAggregator()
		reader := bufio.NewReader(resp.Body)
		thinkingBuffers := make(map[int]string)
		signatures := make(map[int]string)
		finishReason := model.FinishReasonStop
		var usage *model.Usage

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				yield(nil, fmt.Errorf("stream read error: %w", err))
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					for r, err := range agg.ProcessTextDelta(event.Delta.Text) {
						if !yield(r, err) {
							return
						}
					}
				case "thinking_delta":
					thinkingBuffers[event.Index] += event.Delta.Thinking
					for r, err := range agg.ProcessThinkingDelta(event.Delta.Thinking) {
						if !yield(r, err) {
							return
						}
					}
				case "signature_delta":
					signatures[event.Index] += event.Delta.Signature
				}

			case "content_block_stop":
				if content, ok := thinkingBuffers[event.Index]; ok && content != "" {
					agg.ProcessThinkingComplete(content, signatures[event.Index])
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason == "max_tokens" {
					finishReason = model.FinishReasonLength
				}
				if event.Usage != nil {
					usage = &model.Usage{
						PromptTokens:     event.Usage.InputTokens,
						CompletionTokens: event.Usage.OutputTokens,
						TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
					}
				}
			}
		}

		if usage != nil {
			agg.SetUsage(usage)
		}
		agg.SetFinishReason(finishReason)
		if final := agg.Close(); final != nil {
			yield(final, nil)
		}
	}
}

func (c *Client) post(ctx context.Context, apiReq *apiRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if c.enableThinking {
		httpReq.Header.Set("anthropic-beta", betaThinking)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

func (c *Client) buildRequest(req *model.Request, stream bool) *apiRequest {
	thinking := c.enableThinking || (req.Config != nil && req.Config.EnableThinking)

	apiReq := &apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	}
	if thinking {
		apiReq.Temperature = thinkingTemperature
		budget := c.thinkingBudget
		if req.Config != nil && req.Config.ThinkingBudget > 0 {
			budget = req.Config.ThinkingBudget
		}
		apiReq.Thinking = &thinkingSettings{Type: "enabled", BudgetTokens: budget}
	} else if c.temperature != nil {
		apiReq.Temperature = *c.temperature
	}

	// The system prompt is a plain string unless the caller asked for
	// ephemeral caching, which switches it to the content-block form with
	// a cache_control marker so the provider caches the (typically large,
	// stable) prompt across calls.
	if req.SystemInstruction != "" {
		if req.Cache != nil && req.Cache.Ephemeral {
			ttl := ""
			if req.Cache.ExtendTTL {
				ttl = "1h"
			}
			apiReq.System = []apiSystemBlock{{
				Type:         "text",
				Text:         req.SystemInstruction,
				CacheControl: &cacheControl{Type: "ephemeral", TTL: ttl},
			}}
		} else {
			apiReq.System = req.SystemInstruction
		}
	}

	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		role := "user"
		if msg.Role == a2a.MessageRoleAgent {
			role = "assistant"
		}
		if content := convertParts(msg.Parts); len(content) > 0 {
			apiReq.Messages = append(apiReq.Messages, apiMessage{Role: role, Content: content})
		}
	}
	return apiReq
}

func convertParts(parts []a2a.Part) []apiContent {
	var out []apiContent
	for _, part := range parts {
		switch p := part.(type) {
		case a2a.TextPart:
			if p.Text != "" {
				out = append(out, apiContent{Type: "text", Text: p.Text})
			}
		case a2a.FilePart:
			if f, ok := p.File.(a2a.FileBytes); ok && strings.HasPrefix(f.MimeType, "image/") {
				out = append(out, apiContent{
					Type: "image",
					Source: &imageSource{
						Type:      "base64",
						MediaType: f.MimeType,
						Data:      base64.StdEncoding.EncodeToString([]byte(f.Bytes)),
					},
				})
			}
		}
	}
	return out
}

func parseResponse(resp *apiResponse) *model.Response {
	result := &model.Response{
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
		CachedTokens: resp.Usage.CacheReadInputTokens,
		CacheHit:     resp.Usage.CacheReadInputTokens > 0,
		Usage: &model.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if resp.StopReason == "max_tokens" {
		result.FinishReason = model.FinishReasonLength
	}

	var parts []a2a.Part
	for _, content := range resp.Content {
		switch content.Type {
		case "text":
			parts = append(parts, a2a.TextPart{Text: content.Text})
		case "thinking":
			result.Thinking = &model.ThinkingBlock{
				Content:   content.Thinking,
				Signature: content.Signature,
			}
		}
	}
	if len(parts) > 0 {
		result.Content = &model.Content{Parts: parts, Role: a2a.MessageRoleAgent}
	}
	return result
}

// Messages API wire types, reduced to the fields the kernel reads.

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
	// System is a plain string, or []apiSystemBlock when ephemeral
	// caching is requested.
	System   any               `json:"system,omitempty"`
	Thinking *thinkingSettings `json:"thinking,omitempty"`
}

type apiSystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

type thinkingSettings struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type      string       `json:"type"`
	Text      string       `json:"text,omitempty"`
	Source    *imageSource `json:"source,omitempty"`
	Thinking  string       `json:"thinking,omitempty"`
	Signature string       `json:"signature,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiResponse struct {
	ID         string       `json:"id"`
	Content    []apiContent `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      apiUsage     `json:"usage"`
}

type apiUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string    `json:"type"`
	Index int       `json:"index"`
	Delta *apiDelta `json:"delta,omitempty"`
	Usage *apiUsage `json:"usage,omitempty"`
}

type apiDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	Signature  string `json:"signature,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

var _ model.LLM = (*Client)(nil)
