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

package agentloop

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/basalt-run/kernel/pkg/eventstream"
)

// StreamSet lazily creates and owns one event stream per session. It
// implements task.EventLogger so the Task Manager's lifecycle events land
// in the same stream as everything else.
type StreamSet struct {
	template eventstream.Config

	// ExternalRoot, when set, gives each session's stream its own
	// externalized-content directory under it.
	ExternalRoot string

	mu      sync.Mutex
	streams map[string]*eventstream.Stream
}

// NewStreamSet creates a StreamSet whose per-session streams are built
// from template.
func NewStreamSet(template eventstream.Config, externalRoot string) *StreamSet {
	return &StreamSet{
		template:     template,
		ExternalRoot: externalRoot,
		streams:      make(map[string]*eventstream.Stream),
	}
}

// Get returns the stream for sessionID, creating it on first use.
func (ss *StreamSet) Get(sessionID string) *eventstream.Stream {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.streams[sessionID]; ok {
		return s
	}
	cfg := ss.template
	if ss.ExternalRoot != "" {
		cfg.ExternalDir = filepath.Join(ss.ExternalRoot, sessionID)
	}
	s := eventstream.New(cfg)
	ss.streams[sessionID] = s
	return s
}

// Log implements task.EventLogger.
func (ss *StreamSet) Log(ctx context.Context, sessionID string, kind eventstream.Kind, message string, severity eventstream.Severity) {
	ss.Get(sessionID).Log(ctx, kind, message, severity)
}

// Drop removes a session's stream after its task is torn down.
func (ss *StreamSet) Drop(sessionID string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.streams, sessionID)
}

// Wait blocks until every stream's in-flight summarization has finished.
func (ss *StreamSet) Wait() error {
	ss.mu.Lock()
	streams := make([]*eventstream.Stream, 0, len(ss.streams))
	for _, s := range ss.streams {
		streams = append(streams, s)
	}
	ss.mu.Unlock()

	for _, s := range streams {
		if err := s.Wait(); err != nil {
			return err
		}
	}
	return nil
}
