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

package eventstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/model"
)

const defaultRollupPrompt = `You maintain a running summary of an agent's activity on a task. Fold the
new entries below into the existing summary, keeping it concise while
preserving facts, decisions, and outcomes an agent would need to continue
the task correctly.

Existing summary:
%s

New entries to fold in:
%s

Updated summary:`

// LLMSummarizer implements Summarizer by asking an LLM to roll aged-out
// entries into the existing summary, one call per rollup.
type LLMSummarizer struct {
	llm    model.LLM
	prompt string
}

// NewLLMSummarizer creates a Summarizer backed by llm. An empty prompt uses
// defaultRollupPrompt.
func NewLLMSummarizer(llm model.LLM, prompt string) (*LLMSummarizer, error) {
	if llm == nil {
		return nil, fmt.Errorf("eventstream: LLM is required for summarization")
	}
	if prompt == "" {
		prompt = defaultRollupPrompt
	}
	return &LLMSummarizer{llm: llm, prompt: prompt}, nil
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, previousSummary string, aged []Entry) (string, error) {
	if len(aged) == 0 {
		return previousSummary, nil
	}

	var entries strings.Builder
	for _, e := range aged {
		entries.WriteString(fmt.Sprintf("[%s] %s\n", e.Kind, e.Body))
	}

	prevForPrompt := previousSummary
	if prevForPrompt == "" {
		prevForPrompt = "(none yet)"
	}

	fullPrompt := fmt.Sprintf(s.prompt, prevForPrompt, entries.String())

	req := &model.Request{
		Messages: []*a2a.Message{
			a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: fullPrompt}),
		},
		CallType: "summarize",
	}

	var summary string
	for resp, err := range s.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", fmt.Errorf("eventstream: summarization call failed: %w", err)
		}
		summary += resp.TextContent()
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return previousSummary, nil
	}
	return summary, nil
}

var _ Summarizer = (*LLMSummarizer)(nil)
