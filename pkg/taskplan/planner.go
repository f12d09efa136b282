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

// Package taskplan implements the LLM-backed task planner: prompted
// generation and revision of step lists, with few-shot retrieval of similar
// past task documents to anchor the plan's shape.
package taskplan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/gateway"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/prompt"
	"github.com/basalt-run/kernel/pkg/task"
)

// DocumentSearcher retrieves reference task documents by semantic
// similarity. Implemented by pkg/library; nil disables few-shot retrieval.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, query string, k int) ([]string, error)
}

// Planner implements task.Planner by prompting the LLM Gateway.
type Planner struct {
	gw      *gateway.Gateway
	prompts *prompt.Registry
	docs    DocumentSearcher

	// FewShotK is how many similar task documents are retrieved into the
	// planning prompt. Zero falls back to 1.
	FewShotK int
}

// New creates a Planner.
func New(gw *gateway.Gateway, prompts *prompt.Registry, docs DocumentSearcher) (*Planner, error) {
	if gw == nil {
		return nil, fmt.Errorf("taskplan: gateway is required")
	}
	if prompts == nil {
		return nil, fmt.Errorf("taskplan: prompt registry is required")
	}
	return &Planner{gw: gw, prompts: prompts, docs: docs, FewShotK: 1}, nil
}

// Plan implements task.Planner.
func (p *Planner) Plan(ctx context.Context, name, instruction string) (*task.Plan, error) {
	examples := p.retrieveExamples(ctx, name+"\n\n"+instruction)

	text, err := p.prompts.Render("plan_task", map[string]string{
		"name":        name,
		"instruction": instruction,
		"examples":    examples,
	})
	if err != nil {
		return nil, err
	}

	var plan task.Plan
	req := &model.Request{
		Messages: []*a2a.Message{a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})},
		CallType: "plan",
	}
	if err := p.gw.GenerateJSON(ctx, "", req, &plan); err != nil {
		return nil, fmt.Errorf("taskplan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("taskplan: planner produced no steps")
	}
	return &plan, nil
}

// Update implements task.Planner. Completed steps are re-asserted after
// parsing in case the model rewrote them despite the instruction; the Task
// Manager enforces the same rule again at the write site.
func (p *Planner) Update(ctx context.Context, t task.Task, eventContext string, advanceNext bool) (*task.Plan, error) {
	planJSON, err := json.MarshalIndent(currentPlanView(t), "", "  ")
	if err != nil {
		return nil, err
	}

	advance := ""
	if advanceNext {
		advance = "Mark the step after the last completed one as the next to run."
	}

	text, err := p.prompts.Render("update_plan", map[string]string{
		"name":        t.Name,
		"instruction": t.Instruction,
		"plan":        string(planJSON),
		"events":      orPlaceholder(eventContext, "(none recorded)"),
		"advance":     advance,
	})
	if err != nil {
		return nil, err
	}

	var plan task.Plan
	req := &model.Request{
		Messages: []*a2a.Message{a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})},
		CallType: "plan",
	}
	if err := p.gw.GenerateJSON(ctx, t.ID, req, &plan); err != nil {
		return nil, fmt.Errorf("taskplan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("taskplan: plan update produced no steps")
	}
	for i, s := range t.Steps {
		if s.Status.IsTerminal() && i < len(plan.Steps) {
			plan.Steps[i] = s
		}
	}
	return &plan, nil
}

func (p *Planner) retrieveExamples(ctx context.Context, query string) string {
	if p.docs == nil {
		return ""
	}
	k := p.FewShotK
	if k <= 0 {
		k = 1
	}
	docs, err := p.docs.SearchDocuments(ctx, query, k)
	if err != nil || len(docs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Plans of similar past tasks, for reference:\n")
	for _, d := range docs {
		b.WriteString("---\n")
		b.WriteString(strings.TrimSpace(d))
		b.WriteString("\n")
	}
	return b.String()
}

// currentPlanView is the plan as shown back to the model during an update.
func currentPlanView(t task.Task) task.Plan {
	return task.Plan{
		Goal:         t.Goal,
		InputsParams: t.InputsParams,
		Context:      t.PlanContext,
		Steps:        t.Steps,
	}
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

var _ task.Planner = (*Planner)(nil)
