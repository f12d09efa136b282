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

package store

import "time"

// Entry type discriminators. Every record in the shared JSONL log carries
// one so readers can demux a single file.
const (
	EntryTypePromptLog     = "prompt_log"
	EntryTypeActionHistory = "action_history"
	EntryTypeTaskLog       = "task_log"
)

// RunRecord is one row of the action execution history: a single
// invocation of an action or divisible sub-step, upserted by RunID (the
// last line per id wins).
type RunRecord struct {
	EntryType  string         `json:"entry_type"`
	RunID      string         `json:"runId"`
	SessionID  string         `json:"sessionId"`
	ParentID   string         `json:"parentId,omitempty"`
	Name       string         `json:"name"`
	ActionType string         `json:"action_type"`
	Status     string         `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    time.Time      `json:"endedAt"`
}

// TaskLogRecord is one row of the task log, upserted by TaskID. Steps is
// left untyped here so the store stays ignorant of the task package's
// step shape.
type TaskLogRecord struct {
	EntryType   string    `json:"entry_type"`
	TaskID      string    `json:"task_id"`
	Name        string    `json:"name"`
	Instruction string    `json:"instruction"`
	Steps       any       `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Status      string    `json:"status"`
	Results     string    `json:"results,omitempty"`
}

// PromptInput is the prompt pair sent on an LLM call.
type PromptInput struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`
}

// PromptLogRecord is one row logged by the LLM Gateway for every
// generate/generate_with_session call.
type PromptLogRecord struct {
	EntryType        string      `json:"entry_type"`
	Datetime         time.Time   `json:"datetime"`
	SessionID        string      `json:"session_id,omitempty"`
	CallType         string      `json:"call_type,omitempty"`
	Input            PromptInput `json:"input"`
	Output           string      `json:"output,omitempty"`
	Provider         string      `json:"provider"`
	Model            string      `json:"model"`
	Status           string      `json:"status"`
	TokenCountInput  int         `json:"token_count_input"`
	TokenCountOutput int         `json:"token_count_output"`
	CachedTokens     int         `json:"cached_tokens,omitempty"`
	CacheHit         bool        `json:"cache_hit,omitempty"`
	DurationMillis   int64       `json:"duration_millis"`
	Error            string      `json:"error,omitempty"`
}
