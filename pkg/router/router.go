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

// Package router selects the next action to run: it assembles a mode-gated
// candidate list from the registry plus semantic search, asks the LLM to
// pick one, and validates the answer against the candidate set with bounded
// re-prompting.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/action"
	"github.com/basalt-run/kernel/pkg/gateway"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/prompt"
)

// Mode determines how the candidate list is assembled.
type Mode int

const (
	// ModeConversation is the non-task mode: a fixed small allowlist of
	// conversational actions.
	ModeConversation Mode = iota

	// ModeTaskCLI is in-task CLI mode: default actions plus semantically
	// similar ones, minus the denylist.
	ModeTaskCLI

	// ModeTaskGUI is in-task GUI mode: only semantically searched
	// actions visible in GUI mode.
	ModeTaskGUI

	// ModeSimpleTask is in-task CLI mode without the todo-management
	// actions.
	ModeSimpleTask
)

// conversationAllowlist is the fixed candidate set outside of tasks.
var conversationAllowlist = []string{
	"send message", "ask question", "start task", "update todos", "end task", "ignore",
}

// taskDenylist is never offered while a task is running.
var taskDenylist = []string{"ignore"}

// todoActions are excluded in simple-task mode.
var todoActions = []string{"update todos"}

// nameValidationRetries bounds the re-prompts after the LLM names an action
// outside the candidate set.
const nameValidationRetries = 3

// ActionSearcher retrieves action names by semantic similarity to a query.
// Implemented by pkg/library; nil disables the semantic half of candidate
// assembly.
type ActionSearcher interface {
	SearchActions(ctx context.Context, query string, k int) ([]string, error)
}

// Selection is the router's decision.
type Selection struct {
	// ActionName names the chosen candidate. Empty is a valid outcome
	// meaning no candidate fits and the caller should create a new
	// action.
	ActionName string `json:"action_name"`

	// Parameters are the arguments the LLM filled in for the action.
	Parameters map[string]any `json:"parameters"`
}

// CreateNew reports whether the router decided no candidate fits.
func (s Selection) CreateNew() bool { return s.ActionName == "" }

// Router picks actions.
type Router struct {
	gw       *gateway.Gateway
	registry *action.Registry
	prompts  *prompt.Registry
	search   ActionSearcher

	// SearchK is how many semantically similar actions augment the
	// candidate list in task modes.
	SearchK int
}

// New creates a Router.
func New(gw *gateway.Gateway, registry *action.Registry, prompts *prompt.Registry, search ActionSearcher) (*Router, error) {
	if gw == nil || registry == nil || prompts == nil {
		return nil, fmt.Errorf("router: gateway, registry, and prompt registry are required")
	}
	return &Router{gw: gw, registry: registry, prompts: prompts, search: search, SearchK: 5}, nil
}

// Route assembles candidates for mode and asks the LLM to choose one for
// query. taskID keys the session cache partition; pass "" outside tasks.
func (r *Router) Route(ctx context.Context, taskID string, mode Mode, query string) (Selection, error) {
	candidates, err := r.Candidates(ctx, mode, query)
	if err != nil {
		return Selection{}, err
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("router: no candidate actions for mode %d", mode)
	}

	callType := gateway.CallTypeActionSelection
	if mode == ModeTaskGUI {
		callType = gateway.CallTypeGUIActionSelection
	}

	text, err := r.prompts.Render("select_action", map[string]string{
		"query":      query,
		"candidates": describeCandidates(candidates),
	})
	if err != nil {
		return Selection{}, err
	}

	valid := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		valid[c.Name()] = true
	}

	userText := text
	var sel Selection
	for attempt := 0; attempt <= nameValidationRetries; attempt++ {
		req := &model.Request{
			Messages: []*a2a.Message{a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: userText})},
			CallType: callType,
		}
		if err := r.gw.GenerateJSON(ctx, taskID, req, &sel); err != nil {
			return Selection{}, err
		}

		if sel.ActionName == "" || valid[sel.ActionName] {
			return sel, nil
		}

		if attempt < nameValidationRetries {
			userText = text + fmt.Sprintf(
				"\n\nYour previous answer named %q, which is not in the candidate list. Choose one of the listed names exactly, or an empty action_name.",
				sel.ActionName)
		}
	}

	return Selection{}, fmt.Errorf("router: model kept naming unknown action %q after %d retries", sel.ActionName, nameValidationRetries)
}

// Candidates assembles the mode-gated candidate list.
func (r *Router) Candidates(ctx context.Context, mode Mode, query string) ([]action.Action, error) {
	switch mode {
	case ModeConversation:
		return r.byNames(conversationAllowlist), nil

	case ModeTaskGUI:
		found, err := r.searchActions(ctx, query)
		if err != nil {
			return nil, err
		}
		return filterVisible(found, action.VisibilityGUI), nil

	case ModeTaskCLI, ModeSimpleTask:
		seen := make(map[string]bool)
		var out []action.Action
		for _, a := range r.registry.List() {
			if visibleInCLI(a.Visibility()) && !seen[a.Name()] {
				seen[a.Name()] = true
				out = append(out, a)
			}
		}
		found, err := r.searchActions(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, a := range found {
			if visibleInCLI(a.Visibility()) && !seen[a.Name()] {
				seen[a.Name()] = true
				out = append(out, a)
			}
		}

		out = exclude(out, taskDenylist)
		if mode == ModeSimpleTask {
			out = exclude(out, todoActions)
		}
		return out, nil
	}
	return nil, fmt.Errorf("router: unknown mode %d", mode)
}

func (r *Router) searchActions(ctx context.Context, query string) ([]action.Action, error) {
	if r.search == nil {
		return nil, nil
	}
	k := r.SearchK
	if k <= 0 {
		k = 5
	}
	names, err := r.search.SearchActions(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("router: action search: %w", err)
	}
	return r.byNames(names), nil
}

// byNames resolves names against the registry, silently skipping unknowns:
// the search index may lag behind the registry after a delete.
func (r *Router) byNames(names []string) []action.Action {
	out := make([]action.Action, 0, len(names))
	for _, n := range names {
		if a, err := r.registry.Get(n); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// visibleInCLI admits an action into CLI task modes. An unset visibility
// means the action never opted into a mode restriction, so it is offered
// everywhere, same as ALL.
func visibleInCLI(v action.Visibility) bool {
	return v == action.VisibilityAll || v == action.VisibilityCLI || v == action.VisibilityNone
}

func filterVisible(actions []action.Action, want action.Visibility) []action.Action {
	out := actions[:0]
	for _, a := range actions {
		switch a.Visibility() {
		case want, action.VisibilityAll, action.VisibilityNone:
			out = append(out, a)
		}
	}
	return out
}

func exclude(actions []action.Action, names []string) []action.Action {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := actions[:0]
	for _, a := range actions {
		if !drop[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

func describeCandidates(candidates []action.Action) string {
	var b strings.Builder
	for _, a := range candidates {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name(), a.Description())
	}
	return b.String()
}
