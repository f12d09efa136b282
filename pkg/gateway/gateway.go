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

// Package gateway provides the single entry point every part of the kernel
// uses to talk to an LLM: prompt logging, token accounting, cache-policy
// application, overflow recovery, and metrics. Callers never hold a
// model.LLM directly; they hold a Gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/cache"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/observability"
	"github.com/basalt-run/kernel/pkg/store"
	"github.com/basalt-run/kernel/pkg/utils"
)

// providerStyle maps each supported provider to the caching behavior its
// client implements. Ollama gets StyleNone: it has no provider-side cache.
var providerStyle = map[model.Provider]cache.Style{
	model.ProviderOpenAI:    cache.StyleResponses,
	model.ProviderAnthropic: cache.StyleEphemeral,
	model.ProviderGemini:    cache.StyleImplicit,
	model.ProviderOllama:    cache.StyleNone,
	model.ProviderUnknown:   cache.StyleAutomatic,
}

// TokenSink receives the token totals of every successful call. The agent
// loop's Properties implements it, which is how per-task token budgets see
// gateway traffic.
type TokenSink interface {
	AddTokens(n int)
}

// Gateway wraps a model.LLM with the kernel's ambient concerns.
type Gateway struct {
	llm     model.LLM
	cache   *cache.Manager
	log     *store.Writer
	metrics *observability.Metrics
	tokens  TokenSink
	counter *utils.TokenCounter
}

// Config configures a Gateway.
type Config struct {
	LLM       model.LLM
	Cache     *cache.Manager
	PromptLog *store.Writer
	Metrics   *observability.Metrics
	Tokens    TokenSink
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("gateway: LLM is required")
	}
	// The counter only gates the MinTokens caching decision; models the
	// tokenizer does not know fall back to its cl100k_base default.
	counter, err := utils.NewTokenCounter(cfg.LLM.Name())
	if err != nil {
		counter = nil
	}
	return &Gateway{
		llm:     cfg.LLM,
		cache:   cfg.Cache,
		log:     cfg.PromptLog,
		metrics: cfg.Metrics,
		tokens:  cfg.Tokens,
		counter: counter,
	}, nil
}

// Generate performs a one-shot, non-session LLM call: no cache chaining is
// attempted. Use for one-off calls that need no continuity, e.g. a single
// classification prompt.
func (g *Gateway) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return g.call(ctx, "", req)
}

// GenerateWithSession performs an LLM call that participates in the
// provider's caching for the given (task, call_type) pair, applying
// whichever caching style that provider supports. On an overflow it first
// recreates the session from the stored system prompt and the latest
// message, and if that also overflows, makes one stateless uncached call.
func (g *Gateway) GenerateWithSession(ctx context.Context, taskID string, req *model.Request) (*model.Response, error) {
	return g.call(ctx, taskID, req)
}

func (g *Gateway) call(ctx context.Context, taskID string, req *model.Request) (*model.Response, error) {
	provider := g.llm.Provider()
	style := providerStyle[provider]

	if taskID != "" && g.cache != nil && req.CallType != "" {
		req.Cache = g.cache.Prepare(taskID, req.CallType, style, g.estimateTokens(req))
	}

	start := time.Now()
	resp, err := g.generateOnce(ctx, req)

	if err != nil && taskID != "" && g.cache != nil && isOverflowError(err) {
		// First recovery: drop the overflowed handle and recreate the
		// session from the stored system prompt plus only the current
		// user prompt, so context growth restarts from a fixed base.
		slog.Warn("gateway: context overflow, recreating session", "task_id", taskID, "call_type", req.CallType, "error", err)
		g.cache.Invalidate(taskID, req.CallType)
		retry := *req
		if stored := g.cache.SystemPrompt(taskID, req.CallType); stored != "" {
			retry.SystemInstruction = stored
		}
		if n := len(retry.Messages); n > 1 {
			retry.Messages = retry.Messages[n-1:]
		}
		retry.Cache = g.cache.Prepare(taskID, req.CallType, style, g.estimateTokens(&retry))
		resp, err = g.generateOnce(ctx, &retry)

		if err != nil {
			// Second recovery: fall back to a fully stateless call.
			slog.Warn("gateway: session recreation failed, falling back to stateless call", "task_id", taskID, "error", err)
			retry.Cache = nil
			resp, err = g.generateOnce(ctx, &retry)
		}
		req = &retry
	}

	duration := time.Since(start)
	g.logCall(taskID, req, provider, resp, err, duration)

	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordLLMError(g.llm.Name(), string(provider), classifyError(err))
		}
		if isOverflowError(err) && !errors.Is(err, ErrContextOverflow) {
			err = fmt.Errorf("%w: %v", ErrContextOverflow, err)
		}
		return nil, err
	}

	if g.metrics != nil {
		g.metrics.RecordLLMCall(g.llm.Name(), string(provider), duration)
		if resp.Usage != nil {
			g.metrics.RecordLLMTokens(g.llm.Name(), string(provider), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		if resp.CacheHit {
			g.metrics.RecordCacheHit(string(provider), req.CallType)
		} else {
			g.metrics.RecordCacheMiss(string(provider), req.CallType)
		}
	}

	if g.tokens != nil && resp.Usage != nil {
		g.tokens.AddTokens(resp.Usage.PromptTokens + resp.Usage.CompletionTokens)
	}

	if taskID != "" && g.cache != nil && req.CallType != "" {
		g.cache.Record(taskID, req.CallType, style, resp)
	}

	return resp, nil
}

func (g *Gateway) generateOnce(ctx context.Context, req *model.Request) (*model.Response, error) {
	var final *model.Response
	for resp, err := range g.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return nil, err
		}
		final = resp
	}
	if final == nil {
		return nil, fmt.Errorf("gateway: provider returned no response")
	}
	return final, nil
}

// Stream performs a streaming LLM call, yielding partial responses exactly
// as the underlying model.LLM does. Caching directives are still applied
// from taskID/req.CallType, but overflow recovery is the caller's
// responsibility mid-stream since a partially consumed stream cannot be
// transparently retried.
func (g *Gateway) Stream(ctx context.Context, taskID string, req *model.Request) (string, func(yield func(*model.Response, error) bool)) {
	provider := g.llm.Provider()
	style := providerStyle[provider]

	if taskID != "" && g.cache != nil && req.CallType != "" {
		req.Cache = g.cache.Prepare(taskID, req.CallType, style, g.estimateTokens(req))
	}

	start := time.Now()
	return string(provider), func(yield func(*model.Response, error) bool) {
		var last *model.Response
		for resp, err := range g.llm.GenerateContent(ctx, req, true) {
			if err == nil && !resp.Partial {
				last = resp
			}
			if !yield(resp, err) {
				return
			}
		}

		duration := time.Since(start)
		g.logCall(taskID, req, provider, last, nil, duration)
		if g.metrics != nil && last != nil {
			g.metrics.RecordLLMCall(g.llm.Name(), string(provider), duration)
		}
		if taskID != "" && g.cache != nil && req.CallType != "" && last != nil {
			g.cache.Record(taskID, req.CallType, style, last)
		}
	}
}

func (g *Gateway) logCall(taskID string, req *model.Request, provider model.Provider, resp *model.Response, err error, duration time.Duration) {
	if g.log == nil {
		return
	}

	rec := store.PromptLogRecord{
		EntryType:      store.EntryTypePromptLog,
		Datetime:       time.Now(),
		SessionID:      taskID,
		CallType:       req.CallType,
		Input:          store.PromptInput{SystemPrompt: req.SystemInstruction, UserPrompt: lastUserText(req)},
		Provider:       string(provider),
		Model:          g.llm.Name(),
		Status:         "success",
		DurationMillis: duration.Milliseconds(),
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
	}
	if resp != nil {
		rec.Output = resp.TextContent()
		rec.CacheHit = resp.CacheHit
		rec.CachedTokens = resp.CachedTokens
		if resp.Usage != nil {
			rec.TokenCountInput = resp.Usage.PromptTokens
			rec.TokenCountOutput = resp.Usage.CompletionTokens
		}
	}

	if writeErr := g.log.Append(rec); writeErr != nil {
		slog.Warn("gateway: failed to write prompt log", "error", writeErr)
	}
}

// lastUserText returns the text of the request's final user message, which
// is what the prompt log records as the user prompt.
func lastUserText(req *model.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg == nil || msg.Role != a2a.MessageRoleUser {
			continue
		}
		for _, part := range msg.Parts {
			if tp, ok := part.(a2a.TextPart); ok {
				return tp.Text
			}
		}
	}
	return ""
}

// estimateTokens counts the request's prompt tokens for Prepare's
// MinTokens gate, via the model's tokenizer when one is available and a
// chars/4 approximation otherwise. The gate only needs to distinguish
// "tiny" prompts from everything else, not bill accurately.
func (g *Gateway) estimateTokens(req *model.Request) int {
	var text strings.Builder
	text.WriteString(req.SystemInstruction)
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		for _, part := range msg.Parts {
			if tp, ok := part.(a2a.TextPart); ok {
				text.WriteString(tp.Text)
			}
		}
	}
	if g.counter != nil {
		return g.counter.Count(text.String())
	}
	return utils.EstimateTokens(text.String())
}

// ErrContextOverflow marks a provider rejection caused by the prompt
// exceeding the model's context window. A session call returns it only
// after both recovery paths (session recreation, stateless fallback) have
// also overflowed; a one-shot Generate call returns it at once.
var ErrContextOverflow = errors.New("gateway: context length exceeded")

// isOverflowError matches the context-length rejections providers
// actually emit, e.g. "context_length_exceeded", "prompt is too long",
// and "Input length 300000 exceeds the maximum length 229376".
func isOverflowError(err error) bool {
	if errors.Is(err, ErrContextOverflow) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "input length") ||
		strings.Contains(msg, "exceeds the maximum") ||
		strings.Contains(msg, "maximum length") ||
		strings.Contains(msg, "cache") && (strings.Contains(msg, "expired") || strings.Contains(msg, "not found")) ||
		strings.Contains(msg, "too long") ||
		strings.Contains(msg, "overflow")
}

func classifyError(err error) string {
	if isOverflowError(err) {
		return "overflow"
	}
	return "provider_error"
}
