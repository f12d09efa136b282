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

package model

import (
	"iter"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
)

// StreamingAggregator accumulates streaming deltas into the final
// aggregated Response. Providers feed it deltas as they arrive; each
// Process* call yields the partial Response for real-time display, and
// Close produces the Partial=false aggregate used for persistence.
type StreamingAggregator struct {
	text     strings.Builder
	thinking strings.Builder

	thinkingBlock *ThinkingBlock
	finishReason  FinishReason
	usage         *Usage
	closed        bool
}

// NewStreamingAggregator creates an empty aggregator.
func NewStreamingAggregator() *StreamingAggregator {
	return &StreamingAggregator{}
}

// ProcessTextDelta accumulates a text delta and yields it as a partial
// response.
func (a *StreamingAggregator) ProcessTextDelta(text string) iter.Seq2[*Response, error] {
	a.text.WriteString(text)
	return yieldOne(&Response{
		Partial: true,
		Content: &Content{
			Role:  a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.TextPart{Text: text}},
		},
	})
}

// ProcessThinkingDelta accumulates a thinking delta and yields it as a
// partial response carrying only the thinking fragment.
func (a *StreamingAggregator) ProcessThinkingDelta(text string) iter.Seq2[*Response, error] {
	a.thinking.WriteString(text)
	return yieldOne(&Response{
		Partial:  true,
		Thinking: &ThinkingBlock{Content: text},
	})
}

// ProcessThinkingComplete finalizes the thinking block. An empty content
// uses whatever deltas accumulated so far; signature is kept for
// multi-turn verification.
func (a *StreamingAggregator) ProcessThinkingComplete(content, signature string) {
	if content == "" {
		content = a.thinking.String()
	}
	a.thinkingBlock = &ThinkingBlock{Content: content, Signature: signature}
}

// SetFinishReason records why generation stopped.
func (a *StreamingAggregator) SetFinishReason(reason FinishReason) {
	a.finishReason = reason
}

// SetUsage records the final token usage.
func (a *StreamingAggregator) SetUsage(usage *Usage) {
	a.usage = usage
}

// ThinkingText returns the thinking accumulated so far.
func (a *StreamingAggregator) ThinkingText() string {
	return a.thinking.String()
}

// Close returns the aggregated final response, or nil if Close already
// ran. The aggregate carries the full text, the finished thinking block,
// usage, and Partial=false.
func (a *StreamingAggregator) Close() *Response {
	if a.closed {
		return nil
	}
	a.closed = true

	resp := &Response{
		TurnComplete: true,
		FinishReason: a.finishReason,
		Usage:        a.usage,
	}
	if text := a.text.String(); text != "" {
		resp.Content = &Content{
			Role:  a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.TextPart{Text: text}},
		}
	}
	if a.thinkingBlock != nil {
		resp.Thinking = a.thinkingBlock
	} else if a.thinking.Len() > 0 {
		resp.Thinking = &ThinkingBlock{Content: a.thinking.String()}
	}
	return resp
}

func yieldOne(resp *Response) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		yield(resp, nil)
	}
}
