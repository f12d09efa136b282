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

// Package contextengine composes the system and user prompts every LLM
// call in the kernel starts from. Composition is deterministic and the
// system portion carries no timestamps, so provider prefix caches actually
// hit across calls within a task.
package contextengine

import (
	"strings"
)

// SystemFlags selects which sections the system prompt includes. Flags are
// ordered here exactly as sections render.
type SystemFlags struct {
	RoleInfo            bool
	AgentInfo           bool
	AgentState          bool
	ConversationHistory bool
	EventStream         bool
	TaskState           bool
	Policy              bool // default off to save tokens
	Environment         bool
	BaseInstruction     bool
}

// UserFlags selects which sections the user prompt includes.
type UserFlags struct {
	Query          bool
	ExpectedOutput bool
}

// DefaultSystemFlags is the standard in-task composition.
func DefaultSystemFlags() SystemFlags {
	return SystemFlags{
		RoleInfo:        true,
		AgentInfo:       true,
		AgentState:      true,
		EventStream:     true,
		TaskState:       true,
		Environment:     true,
		BaseInstruction: true,
	}
}

// Snapshot carries the section bodies the caller wants composed. Every
// field is plain text already rendered by its owning component; the engine
// only selects, labels, and orders them.
type Snapshot struct {
	RoleInfo            string
	AgentInfo           string
	AgentState          string
	ConversationHistory string
	EventStream         string
	TaskState           string
	Policy              string
	Environment         string
	BaseInstruction     string

	Query          string
	ExpectedOutput string
}

// Engine composes prompts from flags and snapshots.
type Engine struct {
	System SystemFlags
	User   UserFlags
}

// New creates an Engine with the given flag sets.
func New(system SystemFlags, user UserFlags) *Engine {
	return &Engine{System: system, User: user}
}

// ComposeSystem renders the system prompt. Sections render in a fixed
// order; a section whose flag is off or whose body is empty is omitted
// entirely, never left as a dangling header.
func (e *Engine) ComposeSystem(s Snapshot) string {
	var b promptBuilder
	b.section(e.System.RoleInfo, "Role", s.RoleInfo)
	b.section(e.System.AgentInfo, "Agent", s.AgentInfo)
	b.section(e.System.AgentState, "Agent State", s.AgentState)
	b.section(e.System.ConversationHistory, "Conversation History", s.ConversationHistory)
	b.section(e.System.EventStream, "Event Stream", s.EventStream)
	b.section(e.System.TaskState, "Task State", s.TaskState)
	b.section(e.System.Policy, "Policy", s.Policy)
	b.section(e.System.Environment, "Environment", s.Environment)
	b.section(e.System.BaseInstruction, "Instructions", s.BaseInstruction)
	return b.String()
}

// ComposeUser renders the user prompt.
func (e *Engine) ComposeUser(s Snapshot) string {
	var b promptBuilder
	b.section(e.User.Query, "Query", s.Query)
	b.section(e.User.ExpectedOutput, "Expected Output", s.ExpectedOutput)
	return b.String()
}

type promptBuilder struct {
	b strings.Builder
}

func (p *promptBuilder) section(enabled bool, header, body string) {
	body = strings.TrimSpace(body)
	if !enabled || body == "" {
		return
	}
	if p.b.Len() > 0 {
		p.b.WriteString("\n\n")
	}
	p.b.WriteString("## ")
	p.b.WriteString(header)
	p.b.WriteString("\n")
	p.b.WriteString(body)
}

func (p *promptBuilder) String() string {
	return p.b.String()
}
