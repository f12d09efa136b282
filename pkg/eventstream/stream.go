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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// minSummarizeBuffer is the smallest gap allowed between TailKeep and
// SummarizeAt. Without it a stream configured with TailKeep close to
// SummarizeAt would re-trigger summarization on nearly every Log call.
const minSummarizeBuffer = 5

// Config configures a Stream.
type Config struct {
	// SummarizeAt is the tail length at which a summarization pass is
	// scheduled.
	SummarizeAt int

	// TailKeep is how many of the newest entries stay verbatim in the
	// tail after a summarization pass folds the rest into the head
	// summary. Coerced down so TailKeep+minSummarizeBuffer <= SummarizeAt.
	TailKeep int

	// ExternalizeThreshold is the entry body length (bytes) above which
	// an entry is written to disk and replaced in-stream by a pointer.
	ExternalizeThreshold int

	// ExternalDir is where externalized entry bodies are written, one
	// file per entry. Empty disables externalization entirely.
	ExternalDir string

	// StreamingReaders lists action names exempt from externalization,
	// so an action that is itself reading an externalized file does not
	// get its output externalized recursively. Nil uses the defaults.
	StreamingReaders []string

	// Summarizer produces a running summary of entries folded out of the
	// tail. Nil disables summarization; the tail then grows unbounded,
	// which is only acceptable in tests.
	Summarizer Summarizer
}

var defaultStreamingReaders = []string{"stream read", "grep"}

// Summarizer condenses a run of folded entries plus the previous head
// summary into an updated summary. Implemented by LLMSummarizer; kept as an
// interface so tests can supply a deterministic stub.
type Summarizer interface {
	Summarize(ctx context.Context, previousSummary string, folded []Entry) (string, error)
}

// Stream holds the bounded, summarized event history for a single session.
type Stream struct {
	cfg     Config
	readers map[string]bool

	mu          sync.Mutex
	tail        []Entry
	summary     string
	nextIndex   int
	summarizing bool

	group *errgroup.Group
}

// New creates a Stream. An errgroup supervises the detached summarization
// goroutine so a panic there surfaces through Wait rather than leaking
// silently.
func New(cfg Config) *Stream {
	if cfg.SummarizeAt <= 0 {
		cfg.SummarizeAt = 30
	}
	if cfg.TailKeep <= 0 {
		cfg.TailKeep = 15
	}
	if cfg.TailKeep+minSummarizeBuffer > cfg.SummarizeAt {
		coerced := cfg.SummarizeAt - minSummarizeBuffer
		if coerced < 0 {
			coerced = 0
		}
		slog.Debug("eventstream: tail_keep too close to summarize_at, coercing",
			"tail_keep", cfg.TailKeep, "coerced", coerced, "summarize_at", cfg.SummarizeAt)
		cfg.TailKeep = coerced
	}
	if cfg.ExternalizeThreshold <= 0 {
		cfg.ExternalizeThreshold = 8000
	}

	readers := make(map[string]bool)
	names := cfg.StreamingReaders
	if names == nil {
		names = defaultStreamingReaders
	}
	for _, n := range names {
		readers[n] = true
	}

	return &Stream{cfg: cfg, readers: readers, group: &errgroup.Group{}}
}

// Log records a new entry and returns its logical index. A body larger than
// ExternalizeThreshold is first written to ExternalDir and replaced by a
// pointer naming the file plus extracted keywords, unless the entry's
// action is a streaming reader. Consecutive entries with identical kind and
// body coalesce into the previous entry's RepeatCount rather than appending.
//
// Log never blocks on summarization: when the tail has reached SummarizeAt
// and no pass is in flight, one is scheduled on a detached goroutine. That
// goroutine snapshots the entries to fold under the lock, releases the lock
// for the duration of the LLM call, then reacquires it and drops exactly the
// snapshotted prefix, so entries appended during the call always survive.
func (s *Stream) Log(ctx context.Context, kind Kind, message string, severity Severity, opts ...LogOption) int {
	e := Entry{
		Kind:        kind,
		Body:        message,
		Severity:    severity,
		Timestamp:   time.Now(),
		RepeatCount: 1,
	}
	for _, opt := range opts {
		opt(&e)
	}

	if len(e.Body) > s.cfg.ExternalizeThreshold && s.cfg.ExternalDir != "" && !s.readers[e.ActionName] {
		ref, keywords, err := s.externalize(e)
		if err != nil {
			slog.Warn("eventstream: externalization failed, keeping inline", "error", err)
		} else {
			e.ExternalRef = ref
			e.Keywords = keywords
			e.Externalized = true
			e.Body = pointerPlaceholder(ref, keywords)
		}
	}

	s.mu.Lock()

	if n := len(s.tail); n > 0 {
		last := &s.tail[n-1]
		if last.Kind == e.Kind && last.Body == e.Body {
			last.RepeatCount++
			last.Timestamp = e.Timestamp
			idx := last.Index
			s.mu.Unlock()
			return idx
		}
	}

	e.Index = s.nextIndex
	s.nextIndex++
	s.tail = append(s.tail, e)

	var folded []Entry
	var prevSummary string
	schedule := len(s.tail) >= s.cfg.SummarizeAt && !s.summarizing && s.cfg.Summarizer != nil
	if schedule {
		cutoff := len(s.tail) - s.cfg.TailKeep
		folded = make([]Entry, cutoff)
		copy(folded, s.tail[:cutoff])
		prevSummary = s.summary
		s.summarizing = true
	}
	idx := e.Index
	s.mu.Unlock()

	if schedule {
		s.group.Go(func() error {
			s.runSummarization(ctx, prevSummary, folded)
			return nil
		})
	}

	return idx
}

// LogOption customizes a single Log call.
type LogOption func(*Entry)

// WithDisplayMessage attaches a short UI-facing form of the message.
func WithDisplayMessage(display string) LogOption {
	return func(e *Entry) { e.DisplayBody = display }
}

// WithActionName names the action involved in this entry. Streaming-reader
// actions are exempt from externalization.
func WithActionName(name string) LogOption {
	return func(e *Entry) { e.ActionName = name }
}

// runSummarization performs the LLM call with the stream lock released,
// then folds the snapshotted prefix out of the tail. An error or empty
// result leaves the stream exactly as it was.
func (s *Stream) runSummarization(ctx context.Context, prevSummary string, folded []Entry) {
	defer func() {
		s.mu.Lock()
		s.summarizing = false
		s.mu.Unlock()
	}()

	updated, err := s.cfg.Summarizer.Summarize(ctx, prevSummary, folded)
	if err != nil {
		slog.Warn("eventstream: summarization failed, stream unchanged", "error", err)
		return
	}
	if strings.TrimSpace(updated) == "" {
		slog.Warn("eventstream: summarizer returned empty summary, stream unchanged")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := len(folded)
	if cutoff > len(s.tail) {
		// Clear raced ahead of us; nothing of the snapshot remains.
		return
	}
	s.tail = append([]Entry(nil), s.tail[cutoff:]...)
	s.summary = updated
}

// Wait blocks until any in-flight summarization goroutine has finished.
// Call during shutdown so a session is never torn down mid-summarization.
func (s *Stream) Wait() error {
	return s.group.Wait()
}

// Snapshot returns the current head summary plus a copy of the tail.
func (s *Stream) Snapshot() (summary string, tail []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.tail))
	copy(out, s.tail)
	return s.summary, out
}

// Len returns the current tail length.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tail)
}

// Clear resets both the head summary and the tail.
func (s *Stream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = nil
	s.summary = ""
}

// ToPromptSnapshot renders the stream as a single text block: the head
// summary (when includeSummary is set and one exists) followed by the tail,
// one line per entry in the form "HH:MM:SS [kind]: message", with a "[xN]"
// suffix on coalesced entries.
func (s *Stream) ToPromptSnapshot(includeSummary bool) string {
	summary, tail := s.Snapshot()

	var b strings.Builder
	if includeSummary && summary != "" {
		b.WriteString("Summary of folded event stream:\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	if len(tail) == 0 {
		return strings.TrimSpace(b.String())
	}
	b.WriteString("Recent Event:\n")
	for _, e := range tail {
		b.WriteString(e.Timestamp.Format("15:04:05"))
		b.WriteString(" [")
		b.WriteString(string(e.Kind))
		b.WriteString("]: ")
		b.WriteString(e.Body)
		if e.RepeatCount > 1 {
			fmt.Fprintf(&b, " [x%d]", e.RepeatCount)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func (s *Stream) externalize(e Entry) (ref string, keywords []string, err error) {
	if err := os.MkdirAll(s.cfg.ExternalDir, 0o755); err != nil {
		return "", nil, err
	}

	name := fmt.Sprintf("%s_%s.txt", sanitizeKind(e.Kind), e.Timestamp.Format("20060102T150405.000000000"))
	path := filepath.Join(s.cfg.ExternalDir, name)
	if err := os.WriteFile(path, []byte(e.Body), 0o644); err != nil {
		return "", nil, err
	}

	return name, ExtractKeywords(e.Body, 8), nil
}

func sanitizeKind(k Kind) string {
	return strings.ReplaceAll(string(k), " ", "_")
}

func pointerPlaceholder(ref string, keywords []string) string {
	return fmt.Sprintf("[externalized content: %s] keywords: %s", ref, strings.Join(keywords, ", "))
}
