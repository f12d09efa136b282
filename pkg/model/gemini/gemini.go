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

// Package gemini implements model.LLM on the google.golang.org/genai SDK.
// It is the kernel's implicit-style caching provider: a caller-created
// cached-content object is named per call via CachedContent, and the
// response's cached token count reports the hit.
package gemini

import (
	"context"
	"fmt"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
	"google.golang.org/genai"

	"github.com/basalt-run/kernel/pkg/model"
)

// Config contains configuration for the Gemini model.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name (e.g. "gemini-2.0-flash").
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0-2).
	Temperature float64

	// TopP controls nucleus sampling.
	TopP float64

	// TopK controls top-k sampling.
	TopK int
}

type geminiModel struct {
	client *genai.Client
	name   string
	config Config
}

// New creates a Gemini model instance.
func New(cfg Config) (model.LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &geminiModel{client: client, name: cfg.Model, config: cfg}, nil
}

func (m *geminiModel) Name() string             { return m.name }
func (m *geminiModel) Provider() model.Provider { return model.ProviderGemini }
func (m *geminiModel) Close() error             { return nil }

// GenerateContent implements model.LLM.
func (m *geminiModel) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	if stream {
		return m.generateStream(ctx, req)
	}
	return func(yield func(*model.Response, error) bool) {
		resp, err := m.generate(ctx, req)
		yield(resp, err)
	}
}

func (m *geminiModel) generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	contents, system := m.buildContents(req)
	genResp, err := m.client.Models.GenerateContent(ctx, m.name, contents, m.buildConfig(req, system))
	if err != nil {
		return nil, fmt.Errorf("Gemini generation failed: %w", err)
	}
	return parseResponse(genResp)
}

// generateStream yields text and thinking deltas as partials and the
// aggregate last. A transition out of thought parts closes the thinking
// block.
func (m *geminiModel) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		contents, system := m.buildContents(req)
		agg := model.NewStreamingAggregator()
		inThinking := false

		for genResp, err := range m.client.Models.GenerateContentStream(ctx, m.name, contents, m.buildConfig(req, system)) {
			if err != nil {
				yield(nil, fmt.Errorf("Gemini streaming error: %w", err))
				return
			}
			if len(genResp.Candidates) == 0 {
				continue
			}
			candidate := genResp.Candidates[0]

			if candidate.FinishReason != "" {
				agg.SetFinishReason(mapFinishReason(candidate.FinishReason))
			}
			if genResp.UsageMetadata != nil {
				agg.SetUsage(&model.Usage{
					PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
				})
			}
			if candidate.Content == nil {
				continue
			}

			for _, part := range candidate.Content.Parts {
				if len(part.ThoughtSignature) > 0 {
					agg.ProcessThinkingComplete(agg.ThinkingText(), string(part.ThoughtSignature))
					inThinking = false
				}
				if part.Text == "" {
					continue
				}
				if part.Thought {
					inThinking = true
					for r, err := range agg.ProcessThinkingDelta(part.Text) {
						if !yield(r, err) {
							return
						}
					}
					continue
				}
				if inThinking && agg.ThinkingText() != "" {
					agg.ProcessThinkingComplete(agg.ThinkingText(), "")
					inThinking = false
				}
				for r, err := range agg.ProcessTextDelta(part.Text) {
					if !yield(r, err) {
						return
					}
				}
			}
		}

		if inThinking && agg.ThinkingText() != "" {
			agg.ProcessThinkingComplete(agg.ThinkingText(), "")
		}
		if final := agg.Close(); final != nil {
			yield(final, nil)
		}
	}
}

func (m *geminiModel) buildContents(req *model.Request) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	if req.SystemInstruction != "" {
		system = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
			Role:  "user",
		}
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		if content := messageToContent(msg); content != nil {
			contents = append(contents, content)
		}
	}
	return contents, system
}

func messageToContent(msg *a2a.Message) *genai.Content {
	if msg == nil {
		return nil
	}

	var parts []*genai.Part
	for _, p := range msg.Parts {
		switch part := p.(type) {
		case a2a.TextPart:
			if part.Text != "" {
				parts = append(parts, &genai.Part{Text: part.Text})
			}
		case a2a.FilePart:
			switch f := part.File.(type) {
			case a2a.FileBytes:
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: f.MimeType, Data: []byte(f.Bytes)},
				})
			case a2a.FileURI:
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{MIMEType: f.MimeType, FileURI: f.URI},
				})
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}

	role := "user"
	if msg.Role == a2a.MessageRoleAgent {
		role = "model"
	}
	return &genai.Content{Parts: parts, Role: role}
}

func (m *geminiModel) buildConfig(req *model.Request, system *genai.Content) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{SystemInstruction: system}

	// When the caller names an existing cached-content object, attach it
	// and drop the redundant system instruction: the cache object already
	// carries it server-side.
	if req.Cache != nil && req.Cache.SessionCacheKey != "" {
		config.CachedContent = req.Cache.SessionCacheKey
		config.SystemInstruction = nil
	}

	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens != nil {
			config.MaxOutputTokens = int32(*cfg.MaxTokens)
		}
		if cfg.TopP != nil {
			config.TopP = genai.Ptr(float32(*cfg.TopP))
		}
		if cfg.TopK != nil {
			config.TopK = genai.Ptr(float32(*cfg.TopK))
		}
		if len(cfg.StopSequences) > 0 {
			config.StopSequences = cfg.StopSequences
		}
		if cfg.EnableThinking {
			thinking := &genai.ThinkingConfig{IncludeThoughts: true}
			if cfg.ThinkingBudget > 0 {
				budget := int32(cfg.ThinkingBudget)
				thinking.ThinkingBudget = &budget
			}
			config.ThinkingConfig = thinking
		}
	}

	if config.Temperature == nil && m.config.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(m.config.Temperature))
	}
	if config.MaxOutputTokens == 0 && m.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.config.MaxTokens)
	}
	return config
}

func parseResponse(genResp *genai.GenerateContentResponse) (*model.Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}
	candidate := genResp.Candidates[0]

	resp := &model.Response{
		TurnComplete: true,
		FinishReason: mapFinishReason(candidate.FinishReason),
	}

	if candidate.Content != nil {
		var parts []a2a.Part
		var thinking string
		var signature string

		for _, part := range candidate.Content.Parts {
			if len(part.ThoughtSignature) > 0 {
				signature = string(part.ThoughtSignature)
			}
			if part.Text == "" {
				continue
			}
			if part.Thought {
				thinking += part.Text
			} else {
				parts = append(parts, a2a.TextPart{Text: part.Text})
			}
		}

		role := a2a.MessageRoleAgent
		if candidate.Content.Role == "user" {
			role = a2a.MessageRoleUser
		}
		resp.Content = &model.Content{Parts: parts, Role: role}
		if thinking != "" {
			resp.Thinking = &model.ThinkingBlock{Content: thinking, Signature: signature}
		}
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = &model.Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
		resp.CachedTokens = int(genResp.UsageMetadata.CachedContentTokenCount)
		resp.CacheHit = resp.CachedTokens > 0
	}
	return resp, nil
}

func mapFinishReason(reason genai.FinishReason) model.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return model.FinishReasonStop
	case genai.FinishReasonMaxTokens:
		return model.FinishReasonLength
	case genai.FinishReasonSafety:
		return model.FinishReasonContent
	default:
		return model.FinishReasonStop
	}
}

var _ model.LLM = (*geminiModel)(nil)
