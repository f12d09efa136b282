// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the provider-agnostic LLM interface the kernel
// builds on. One GenerateContent method covers both modes: non-streaming
// yields exactly one Response, streaming yields partial Responses
// (Partial=true) followed by the Partial=false aggregate the caller
// persists.
//
// The kernel drives capability selection itself (the router asks for JSON
// and validates the answer), so there is no tool-calling surface here:
// a Request is messages plus a system instruction, and a Response is text,
// optional thinking, usage, and cache accounting.
package model

import (
	"context"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
)

// LLM is the interface the gateway wraps. Implementations live under
// pkg/model/<provider>.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// Provider returns the provider type, which the gateway maps to a
	// caching style.
	Provider() Provider

	// GenerateContent produces responses for the given request. With
	// stream=false it yields exactly one Response; with stream=true it
	// yields Partial=true chunks followed by the Partial=false aggregate.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases any resources held by the LLM.
	Close() error
}

// Provider identifies the LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// Request contains the input for an LLM call.
type Request struct {
	// Messages is the conversation history.
	Messages []*a2a.Message

	// Config overrides the client's generation defaults for this call.
	Config *GenerateConfig

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string

	// CallType identifies the call site ("reasoning", "action_selection",
	// ...). Providers that key caching off a stable prefix per call site
	// use it to partition their cache.
	CallType string

	// Cache carries provider-agnostic caching directives. Nil means no
	// caching behavior is requested for this call.
	Cache *CacheOptions
}

// CacheOptions carries the caching directives a Request can attach. Each
// provider client interprets only the fields relevant to its own caching
// style and ignores the rest.
type CacheOptions struct {
	// PreviousResponseID chains this request onto a prior server-side
	// response (OpenAI Responses API style).
	PreviousResponseID string

	// SessionCacheKey names an existing provider-side cache object to
	// reuse or extend (Gemini explicit-cache style).
	SessionCacheKey string

	// Ephemeral marks the system block with a short-lived cache marker
	// rather than naming an object (Anthropic style).
	Ephemeral bool

	// ExtendTTL requests a longer lifetime for the cache entry.
	ExtendTTL bool

	// PromptCacheKey is a caller-computed stable key, typically
	// "{call_type}_{hash}", for providers with no session or response
	// concept that still route repeated prompts to the same partition.
	PromptCacheKey string

	// MinTokens is the prompt size below which caching is not worth the
	// provider's own overhead; callers omit directives under this size.
	MinTokens int
}

// GenerateConfig overrides generation parameters for a single call.
type GenerateConfig struct {
	// Temperature controls randomness (0-2).
	Temperature *float64

	// MaxTokens limits the response length.
	MaxTokens *int

	// TopP controls nucleus sampling.
	TopP *float64

	// TopK controls top-k sampling.
	TopK *int

	// StopSequences terminates generation.
	StopSequences []string

	// EnableThinking turns on extended thinking (model-specific).
	EnableThinking bool

	// ThinkingBudget limits thinking tokens (model-specific).
	ThinkingBudget int
}

// Response contains the result of an LLM call.
type Response struct {
	// Content is the generated content.
	Content *Content

	// Partial marks a streaming chunk; the final aggregate is false.
	Partial bool

	// TurnComplete indicates the model has finished its turn.
	TurnComplete bool

	// Usage statistics.
	Usage *Usage

	// Thinking contains the model's reasoning when enabled.
	Thinking *ThinkingBlock

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason

	// ResponseID is the provider's server-side identifier for this
	// response, when the provider exposes one. Callers pass it back as
	// Request.Cache.PreviousResponseID to chain.
	ResponseID string

	// CacheHit reports whether the provider served part of the prompt
	// from a cache entry. Unsupported by a provider means false.
	CacheHit bool

	// CachedTokens is the portion of Usage.PromptTokens the provider
	// billed at the cached rate, when it reports one.
	CachedTokens int
}

// Content represents the content of a response.
type Content struct {
	// Parts contains the content parts.
	Parts []a2a.Part

	// Role identifies the sender.
	Role a2a.MessageRole
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// ThinkingBlock contains the model's reasoning.
type ThinkingBlock struct {
	// Content is the thinking text.
	Content string

	// Signature is used for multi-turn verification where the provider
	// requires thinking blocks to be echoed back signed.
	Signature string
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop    FinishReason = "stop"
	FinishReasonLength  FinishReason = "length"
	FinishReasonContent FinishReason = "content_filter"
	FinishReasonError   FinishReason = "error"
)

// TextContent extracts the text of a response.
func (r *Response) TextContent() string {
	if r == nil || r.Content == nil {
		return ""
	}
	var text string
	for _, part := range r.Content.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			text += tp.Text
		}
	}
	return text
}

// ToMessage converts a Response to an a2a.Message.
func (r *Response) ToMessage() *a2a.Message {
	if r == nil || r.Content == nil {
		return nil
	}
	return a2a.NewMessage(r.Content.Role, r.Content.Parts...)
}
