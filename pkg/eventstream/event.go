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

// Package eventstream implements the bounded, summarized record of what an
// agent has observed and done on a task. It holds a tail of recent entries
// verbatim; once the tail grows past a bound, the oldest entries are folded
// into an LLM-produced head summary, and any entry whose body exceeds a size
// threshold is externalized to disk and replaced in-stream by a
// keyword-bearing pointer.
package eventstream

import (
	"time"
)

// Kind identifies the category of an event stream entry.
type Kind string

const (
	KindActionStart Kind = "action_start"
	KindActionEnd   Kind = "action_end"
	KindTask        Kind = "task"
	KindWarning     Kind = "warning"
	KindError       Kind = "error"
	KindScreen      Kind = "screen"
	KindReasoning   Kind = "agent reasoning"
	KindObservation Kind = "observation"
	KindSystem      Kind = "system"
)

// Severity grades an entry for filtering and display.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// String returns the severity's log-style name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Entry is a single record in the event stream.
type Entry struct {
	// Index is the logical append position assigned by Log. Indices keep
	// growing across summarization; they never reset or repeat.
	Index int

	// Kind categorizes the entry.
	Kind Kind

	// Body is the entry's textual content, or a pointer placeholder if
	// the original content was externalized (see Externalized).
	Body string

	// DisplayBody, when non-empty, is the short UI-facing form of Body.
	DisplayBody string

	// Severity grades the entry.
	Severity Severity

	// Timestamp is when the entry was recorded.
	Timestamp time.Time

	// RepeatCount counts consecutive entries coalesced into this one
	// because they shared the same Kind and Body. Always at least 1.
	RepeatCount int

	// ActionName names the action whose lifecycle this entry records,
	// when one is involved. It also gates externalization: streaming
	// readers are exempt so reading an externalized file does not
	// externalize its own output again.
	ActionName string

	// Externalized is true when Body has been replaced by a pointer and
	// the original content lives in the externalized-content store.
	Externalized bool

	// ExternalRef names the externalized-content file when Externalized
	// is true.
	ExternalRef string

	// Keywords are the terms extracted from the original body, surfaced
	// in the pointer placeholder so the agent can judge relevance
	// without re-reading the full content.
	Keywords []string
}
