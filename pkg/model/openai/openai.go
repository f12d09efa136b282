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

// Package openai implements model.LLM on OpenAI's Responses API. It is the
// kernel's responses-style caching provider: each response carries a
// server-side id, and passing it back as previous_response_id chains the
// next call onto the provider-held context instead of resending it.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/httpclient"
	"github.com/basalt-run/kernel/pkg/model"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second

	// Thinking-budget boundaries for the effort mapping.
	effortLowMax    = 1024
	effortMediumMax = 8192

	// The API rejects inline images past this size.
	maxImageBytes = 20 * 1024 * 1024
)

// Config configures the OpenAI client.
type Config struct {
	APIKey          string
	Model           string
	MaxTokens       int
	Temperature     *float64
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	EnableReasoning bool
	ReasoningBudget int
}

// Client is an OpenAI LLM on the Responses API.
type Client struct {
	httpClient      *httpclient.Client
	apiKey          string
	baseURL         string
	modelName       string
	maxTokens       int
	temperature     *float64
	enableReasoning bool
	reasoningBudget int
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
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
	budget := cfg.ReasoningBudget
	if budget == 0 {
		budget = effortMediumMax
	}

	return &Client{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		modelName:       modelName,
		maxTokens:       maxTokens,
		temperature:     cfg.Temperature,
		enableReasoning: cfg.EnableReasoning,
		reasoningBudget: budget,
	}, nil
}

func (c *Client) Name() string             { return c.modelName }
func (c *Client) Provider() model.Provider { return model.ProviderOpenAI }
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

	var apiResp responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parseResponse(&apiResp)
}

// generateStream reads the Responses API SSE stream, yielding text and
// reasoning deltas as partial responses and the aggregate last.
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
		var eventType string
		var totalTokens int

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				yield(nil, fmt.Errorf("stream read error: %w", err))
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if bytes.HasPrefix(line, []byte("event: ")) {
				eventType = string(bytes.TrimSpace(line[7:]))
				continue
			}
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}

			var event map[string]any
			if err := json.Unmarshal(line[6:], &event); err != nil {
				slog.Debug("openai: unparseable stream event", "error", err)
				eventType = ""
				continue
			}
			et := eventType
			if et == "" {
				et, _ = event["type"].(string)
			}
			eventType = ""

			switch et {
			case "response.output_text.delta":
				if delta := eventDelta(event); delta != "" {
					for r, err := range agg.ProcessTextDelta(delta) {
						if !yield(r, err) {
							return
						}
					}
				}

			case "response.reasoning_summary_text.delta":
				if delta := eventDelta(event); delta != "" {
					for r, err := range agg.ProcessThinkingDelta(delta) {
						if !yield(r, err) {
							return
						}
					}
				}

			case "response.reasoning_summary_text.done", "response.reasoning_summary_part.done":
				agg.ProcessThinkingComplete("", "")

			case "response.completed":
				if response, ok := event["response"].(map[string]any); ok {
					if usage, ok := response["usage"].(map[string]any); ok {
						if total, ok := usage["total_tokens"].(float64); ok {
							totalTokens = int(total)
						}
					}
				}
			}
		}

		if totalTokens > 0 {
			agg.SetUsage(&model.Usage{TotalTokens: totalTokens})
		}
		if final := agg.Close(); final != nil {
			yield(final, nil)
		}
	}
}

// eventDelta pulls the delta text out of an SSE event, which the API has
// shipped both as a bare string and as an object over time.
func eventDelta(event map[string]any) string {
	if delta, ok := event["delta"].(string); ok {
		return delta
	}
	if deltaObj, ok := event["delta"].(map[string]any); ok {
		if text, ok := deltaObj["text"].(string); ok {
			return text
		}
	}
	if text, ok := event["text"].(string); ok {
		return text
	}
	return ""
}

func (c *Client) post(ctx context.Context, apiReq *responsesRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if bodyBytes, _ := io.ReadAll(resp.Body); len(bodyBytes) > 0 {
				return nil, fmt.Errorf("request failed: %w - response: %s", err, string(bodyBytes))
			}
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

func (c *Client) buildRequest(req *model.Request, stream bool) *responsesRequest {
	reasoning := c.enableReasoning || (req.Config != nil && req.Config.EnableThinking)

	apiReq := &responsesRequest{
		Model:  c.modelName,
		Stream: stream,
	}
	if c.maxTokens > 0 {
		apiReq.MaxOutputTokens = &c.maxTokens
	}
	// Reasoning models reject temperature.
	if !reasoning && !isReasoningModel(c.modelName) && c.temperature != nil {
		apiReq.Temperature = c.temperature
	}
	if reasoning && isReasoningModel(c.modelName) {
		budget := c.reasoningBudget
		if req.Config != nil && req.Config.ThinkingBudget > 0 {
			budget = req.Config.ThinkingBudget
		}
		apiReq.Reasoning = &reasoningConfig{Effort: budgetToEffort(budget), Summary: "auto"}
	}
	if req.SystemInstruction != "" {
		apiReq.Instructions = req.SystemInstruction
	}

	// Chain onto a prior server-side response, or fall back to a stable
	// prompt cache key, per the caller's caching directive.
	if req.Cache != nil {
		apiReq.PreviousResponseID = req.Cache.PreviousResponseID
		apiReq.PromptCacheKey = req.Cache.PromptCacheKey
	}

	if items := convertMessages(req.Messages); len(items) > 0 {
		apiReq.Input = items
	}
	return apiReq
}

func convertMessages(messages []*a2a.Message) []inputItem {
	var items []inputItem
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		role := "user"
		if msg.Role == a2a.MessageRoleAgent {
			role = "assistant"
		}
		if content := convertParts(msg.Parts, role); len(content) > 0 {
			items = append(items, inputItem{Type: "message", Role: role, Content: content})
		}
	}
	return items
}

func convertParts(parts []a2a.Part, role string) []map[string]any {
	textType := "input_text"
	if role == "assistant" {
		textType = "output_text"
	}

	var out []map[string]any
	for _, part := range parts {
		switch p := part.(type) {
		case a2a.TextPart:
			if p.Text != "" {
				out = append(out, map[string]any{"type": textType, "text": p.Text})
			}
		case a2a.FilePart:
			switch f := p.File.(type) {
			case a2a.FileBytes:
				if strings.HasPrefix(f.MimeType, "image/") && len(f.Bytes) <= maxImageBytes {
					url := fmt.Sprintf("data:%s;base64,%s", f.MimeType, base64.StdEncoding.EncodeToString([]byte(f.Bytes)))
					out = append(out, map[string]any{"type": "input_image", "image_url": url})
				}
			case a2a.FileURI:
				if strings.HasPrefix(f.MimeType, "image/") {
					out = append(out, map[string]any{"type": "input_image", "image_url": f.URI})
				}
			}
		}
	}
	return out
}

func parseResponse(resp *responsesResponse) (*model.Response, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if resp.Status != "completed" {
		msg := fmt.Sprintf("response incomplete: status=%s", resp.Status)
		if resp.IncompleteDetails != nil {
			msg += fmt.Sprintf(", reason=%s", resp.IncompleteDetails.Reason)
		}
		return nil, fmt.Errorf("%s", msg)
	}
	if len(resp.Output) == 0 {
		return nil, fmt.Errorf("no output items in response")
	}

	result := &model.Response{
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
		ResponseID:   resp.ID,
		CachedTokens: resp.Usage.InputTokensDetails.CachedTokens,
		Usage: &model.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	result.CacheHit = result.CachedTokens > 0

	var parts []a2a.Part
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			if text := outputText(item); text != "" {
				parts = append(parts, a2a.TextPart{Text: text})
			}
		case "reasoning":
			if thinking := reasoningSummary(item); thinking != "" {
				result.Thinking = &model.ThinkingBlock{Content: thinking}
			}
		}
	}
	if len(parts) > 0 {
		result.Content = &model.Content{Parts: parts, Role: a2a.MessageRoleAgent}
	}
	return result, nil
}

func outputText(item outputItem) string {
	contentArray, ok := item.Content.([]any)
	if !ok {
		return ""
	}
	var text strings.Builder
	for _, part := range contentArray {
		partMap, ok := part.(map[string]any)
		if !ok {
			continue
		}
		if partType, _ := partMap["type"].(string); partType == "output_text" {
			if t, ok := partMap["text"].(string); ok {
				text.WriteString(t)
			}
		}
	}
	return text.String()
}

func reasoningSummary(item outputItem) string {
	var text strings.Builder
	for _, s := range item.Summary {
		if s.Type == "summary_text" && s.Text != "" {
			text.WriteString(s.Text)
			text.WriteString("\n")
		}
	}
	return strings.TrimSpace(text.String())
}

func isReasoningModel(name string) bool {
	lower := strings.ToLower(name)
	if lower == "o1" || lower == "o3" || lower == "o4" || lower == "gpt-5" {
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func budgetToEffort(budget int) string {
	switch {
	case budget <= effortLowMax:
		return "low"
	case budget <= effortMediumMax:
		return "medium"
	default:
		return "high"
	}
}

// Responses API wire types, reduced to the fields the kernel reads.

type responsesRequest struct {
	Model              string           `json:"model"`
	Input              any              `json:"input,omitempty"`
	Instructions       string           `json:"instructions,omitempty"`
	MaxOutputTokens    *int             `json:"max_output_tokens,omitempty"`
	Temperature        *float64         `json:"temperature,omitempty"`
	Reasoning          *reasoningConfig `json:"reasoning,omitempty"`
	Stream             bool             `json:"stream,omitempty"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	PromptCacheKey     string           `json:"prompt_cache_key,omitempty"`
}

type reasoningConfig struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type inputItem struct {
	Type    string           `json:"type"`
	Role    string           `json:"role,omitempty"`
	Content []map[string]any `json:"content,omitempty"`
}

type responsesResponse struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	Error             *apiError          `json:"error,omitempty"`
	IncompleteDetails *incompleteDetails `json:"incomplete_details,omitempty"`
	Output            []outputItem       `json:"output"`
	Usage             apiUsage           `json:"usage"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type incompleteDetails struct {
	Reason string `json:"reason,omitempty"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content any           `json:"content,omitempty"`
	Summary []summaryItem `json:"summary,omitempty"`
}

type summaryItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens        int                `json:"input_tokens"`
	InputTokensDetails inputTokensDetails `json:"input_tokens_details"`
	OutputTokens       int                `json:"output_tokens"`
	TotalTokens        int                `json:"total_tokens"`
}

type inputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

var _ model.LLM = (*Client)(nil)
