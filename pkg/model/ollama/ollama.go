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

// Package ollama implements model.LLM on Ollama's chat API. Ollama has no
// provider-side cache, so it is the kernel's always-miss provider: every
// call reports CacheHit false and the gateway's cache manager attaches no
// directives.
package ollama

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
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2"
	// First request after a model swap can take minutes to load.
	defaultTimeout   = 300 * time.Second
	defaultKeepAlive = "5m"
)

// Config configures the Ollama client.
type Config struct {
	// BaseURL is the Ollama server URL.
	BaseURL string

	// Model is the model name (e.g. "llama3.2", "mistral").
	Model string

	Temperature *float64
	TopP        *float64
	TopK        *int

	// NumPredict limits the number of tokens generated.
	NumPredict *int

	// NumCtx sets the context window size.
	NumCtx *int

	// Seed makes outputs reproducible.
	Seed *int

	// KeepAlive controls how long the model stays loaded.
	KeepAlive string

	Timeout    time.Duration
	MaxRetries int

	// EnableThinking turns on thinking for supported models.
	EnableThinking bool
}

// Client is an Ollama LLM.
type Client struct {
	httpClient     *httpclient.Client
	baseURL        string
	modelName      string
	temperature    *float64
	topP           *float64
	topK           *int
	numPredict     *int
	numCtx         *int
	seed           *int
	keepAlive      string
	enableThinking bool
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = defaultKeepAlive
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &Client{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithBaseDelay(2*time.Second),
		),
		baseURL:        baseURL,
		modelName:      modelName,
		temperature:    cfg.Temperature,
		topP:           cfg.TopP,
		topK:           cfg.TopK,
		numPredict:     cfg.NumPredict,
		numCtx:         cfg.NumCtx,
		seed:           cfg.Seed,
		keepAlive:      keepAlive,
		enableThinking: cfg.EnableThinking,
	}, nil
}

func (c *Client) Name() string             { return c.modelName }
func (c *Client) Provider() model.Provider { return model.ProviderOllama }
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

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parseResponse(&apiResp), nil
}

// generateStream reads Ollama's newline-delimited JSON stream, yielding
// text and thinking deltas as partials and the aggregate last.
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

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}

			if chunk.Message != nil {
				if chunk.Message.Thinking != "" {
					for r, err := range agg.ProcessThinkingDelta(chunk.Message.Thinking) {
						if !yield(r, err) {
							return
						}
					}
				}
				if chunk.Message.Content != "" {
					for r, err := range agg.ProcessTextDelta(chunk.Message.Content) {
						if !yield(r, err) {
							return
						}
					}
				}
			}

			if chunk.Done {
				reason := model.FinishReasonStop
				if chunk.DoneReason == "length" {
					reason = model.FinishReasonLength
				}
				agg.SetFinishReason(reason)
				agg.SetUsage(&model.Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				})
			}
		}

		if final := agg.Close(); final != nil {
			yield(final, nil)
		}
	}
}

func (c *Client) post(ctx context.Context, apiReq *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func (c *Client) buildRequest(req *model.Request, stream bool) *chatRequest {
	apiReq := &chatRequest{
		Model:     c.modelName,
		Stream:    stream,
		KeepAlive: c.keepAlive,
		Think:     c.enableThinking || (req.Config != nil && req.Config.EnableThinking),
	}

	options := make(map[string]any)
	if c.temperature != nil {
		options["temperature"] = *c.temperature
	} else if req.Config != nil && req.Config.Temperature != nil {
		options["temperature"] = *req.Config.Temperature
	}
	if c.topP != nil {
		options["top_p"] = *c.topP
	} else if req.Config != nil && req.Config.TopP != nil {
		options["top_p"] = *req.Config.TopP
	}
	if c.topK != nil {
		options["top_k"] = *c.topK
	} else if req.Config != nil && req.Config.TopK != nil {
		options["top_k"] = *req.Config.TopK
	}
	if c.numPredict != nil {
		options["num_predict"] = *c.numPredict
	} else if req.Config != nil && req.Config.MaxTokens != nil {
		options["num_predict"] = *req.Config.MaxTokens
	}
	if c.numCtx != nil {
		options["num_ctx"] = *c.numCtx
	}
	if c.seed != nil {
		options["seed"] = *c.seed
	}
	if req.Config != nil && len(req.Config.StopSequences) > 0 {
		options["stop"] = req.Config.StopSequences
	}
	if len(options) > 0 {
		apiReq.Options = options
	}

	for _, msg := range req.Messages {
		if m := convertMessage(msg); m != nil {
			apiReq.Messages = append(apiReq.Messages, m)
		}
	}
	if req.SystemInstruction != "" {
		system := &chatMessage{Role: "system", Content: req.SystemInstruction}
		apiReq.Messages = append([]*chatMessage{system}, apiReq.Messages...)
	}
	return apiReq
}

func convertMessage(msg *a2a.Message) *chatMessage {
	if msg == nil {
		return nil
	}
	role := "user"
	if msg.Role == a2a.MessageRoleAgent {
		role = "assistant"
	}

	var textParts []string
	var images []string
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			if p.Text != "" {
				textParts = append(textParts, p.Text)
			}
		case a2a.FilePart:
			if f, ok := p.File.(a2a.FileBytes); ok && strings.HasPrefix(f.MimeType, "image/") {
				images = append(images, base64.StdEncoding.EncodeToString([]byte(f.Bytes)))
			}
		}
	}

	if len(textParts) == 0 && len(images) == 0 {
		return nil
	}
	return &chatMessage{
		Role:    role,
		Content: strings.Join(textParts, "\n"),
		Images:  images,
	}
}

func parseResponse(resp *chatResponse) *model.Response {
	result := &model.Response{
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
	}
	if resp.DoneReason == "length" {
		result.FinishReason = model.FinishReasonLength
	}

	if resp.Message != nil {
		if resp.Message.Thinking != "" {
			result.Thinking = &model.ThinkingBlock{Content: resp.Message.Thinking}
		}
		if resp.Message.Content != "" {
			result.Content = &model.Content{
				Parts: []a2a.Part{a2a.TextPart{Text: resp.Message.Content}},
				Role:  a2a.MessageRoleAgent,
			}
		}
	}

	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		result.Usage = &model.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}
	return result
}

// Chat API wire types, reduced to the fields the kernel reads.

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []*chatMessage `json:"messages"`
	Options   map[string]any `json:"options,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Think     bool           `json:"think,omitempty"`
}

type chatMessage struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	Images   []string `json:"images,omitempty"`
	Thinking string   `json:"thinking,omitempty"`
}

type chatResponse struct {
	Model           string       `json:"model"`
	Message         *chatMessage `json:"message,omitempty"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
}

var _ model.LLM = (*Client)(nil)
