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

// Package cache owns the per-(task, call_type) LLM caching state: which
// provider-side response/session object a given call site should chain
// onto, and how to recover when the provider reports that object has
// expired or overflowed.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/basalt-run/kernel/pkg/model"
)

// Style identifies which of the four caching behaviors a provider exposes.
// The Manager uses this to decide which CacheOptions fields to populate;
// it never special-cases provider names directly.
type Style string

const (
	// StyleResponses chains via a server-side response id (OpenAI).
	StyleResponses Style = "responses"

	// StyleImplicit uses an explicit, named cache object (Gemini).
	StyleImplicit Style = "implicit"

	// StyleEphemeral marks the system/context block with a short-lived
	// cache marker rather than naming an object (Anthropic).
	StyleEphemeral Style = "ephemeral"

	// StyleAutomatic uses a caller-computed stable prompt cache key with
	// no session object of any kind (generic/OpenAI-compatible).
	StyleAutomatic Style = "automatic"

	// StyleNone disables caching entirely (e.g. Ollama).
	StyleNone Style = "none"
)

// entry is the cache state tracked for one (task, call_type) pair.
type entry struct {
	responseID   string // StyleResponses
	sessionKey   string // StyleImplicit
	systemPrompt string // kept to recreate the session after overflow
	createdAt    time.Time
	ttl          time.Duration
}

func (e *entry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.Sub(e.createdAt) > e.ttl
}

// Manager tracks cache state across calls for a process's lifetime.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	// MinTokens below which caching directives are omitted entirely,
	// since the provider's own caching overhead would exceed the
	// savings for a prompt this small.
	MinTokens int

	// SessionTTL is how long a StyleImplicit session cache entry is
	// considered valid before the Manager treats it as expired and asks
	// the caller to recreate it.
	SessionTTL time.Duration

	// PrefixTTL is the TTL hint attached to StyleEphemeral requests when
	// ExtendTTL is requested.
	PrefixTTL time.Duration
}

// New creates a Manager. Zero-value TTL fields mean "no expiry tracked" for
// that style; callers should set SessionTTL/PrefixTTL from configuration.
func New(minTokens int, sessionTTL, prefixTTL time.Duration) *Manager {
	return &Manager{
		entries:    make(map[string]*entry),
		MinTokens:  minTokens,
		SessionTTL: sessionTTL,
		PrefixTTL:  prefixTTL,
	}
}

func key(taskID, callType string) string {
	return taskID + "\x00" + callType
}

// Prepare returns the CacheOptions to attach to a request for the given
// task/call_type/style, given an estimate of the prompt's token count.
// Estimates below MinTokens yield nil, so the request goes out uncached.
func (m *Manager) Prepare(taskID, callType string, style Style, estimatedTokens int) *model.CacheOptions {
	if style == StyleNone || estimatedTokens < m.MinTokens {
		return nil
	}

	m.mu.Lock()
	e, ok := m.entries[key(taskID, callType)]
	now := time.Now()
	if ok && e.expired(now) {
		e.responseID = ""
		e.sessionKey = ""
		ok = false
	}
	m.mu.Unlock()

	opts := &model.CacheOptions{MinTokens: m.MinTokens}

	switch style {
	case StyleResponses:
		if ok {
			opts.PreviousResponseID = e.responseID
		}
	case StyleImplicit:
		if ok {
			opts.SessionCacheKey = e.sessionKey
		}
	case StyleEphemeral:
		opts.Ephemeral = true
		if m.PrefixTTL > time.Hour {
			opts.ExtendTTL = true
		}
	case StyleAutomatic:
		opts.PromptCacheKey = PromptCacheKey(callType, taskID)
	}

	return opts
}

// Record stores the cache handle a response exposed, so the next call on
// the same (task, call_type) chains onto it.
func (m *Manager) Record(taskID, callType string, style Style, resp *model.Response) {
	if resp == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch style {
	case StyleResponses:
		if resp.ResponseID == "" {
			return
		}
		k := key(taskID, callType)
		if e, ok := m.entries[k]; ok {
			e.responseID = resp.ResponseID
			e.createdAt = time.Now()
			return
		}
		m.entries[k] = &entry{responseID: resp.ResponseID, createdAt: time.Now()}
	case StyleImplicit:
		// Gemini's explicit cache objects are created out-of-band by the
		// caller (not returned on Response); RecordSessionKey is used
		// for this style instead.
	}
}

// RecordSessionKey stores a caller-created StyleImplicit cache object name
// (e.g. returned by the Gemini CachedContent create call) against a
// (task, call_type) pair.
func (m *Manager) RecordSessionKey(taskID, callType, sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(taskID, callType)
	if e, ok := m.entries[k]; ok {
		e.sessionKey = sessionKey
		e.createdAt = time.Now()
		e.ttl = m.SessionTTL
		return
	}
	m.entries[k] = &entry{sessionKey: sessionKey, createdAt: time.Now(), ttl: m.SessionTTL}
}

// RegisterSession stores the system prompt for a (task, call_type) pair
// without issuing any request. The session itself is created lazily by the
// first GenerateWithSession call; the stored prompt is what overflow
// recovery recreates the session from.
func (m *Manager) RegisterSession(taskID, callType, systemPrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(taskID, callType)
	if e, ok := m.entries[k]; ok {
		e.systemPrompt = systemPrompt
		return
	}
	m.entries[k] = &entry{systemPrompt: systemPrompt, createdAt: time.Now()}
}

// SystemPrompt returns the stored system prompt for a (task, call_type)
// pair, or "".
func (m *Manager) SystemPrompt(taskID, callType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key(taskID, callType)]; ok {
		return e.systemPrompt
	}
	return ""
}

// Invalidate drops the provider-side handle for a (task, call_type) pair
// but keeps the stored system prompt, so overflow recovery can recreate the
// session. Called when the provider reports the cached object is gone or
// too large.
func (m *Manager) Invalidate(taskID, callType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key(taskID, callType)]; ok {
		e.responseID = ""
		e.sessionKey = ""
	}
}

// EndSession discards the handle and stored prompt for one
// (task, call_type) pair. Calling it again is a no-op.
func (m *Manager) EndSession(taskID, callType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(taskID, callType))
}

// EndTask discards every session entry belonging to taskID. Idempotent.
func (m *Manager) EndTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := taskID + "\x00"
	for k := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.entries, k)
		}
	}
}

// SessionCount returns the number of live entries, for tests and metrics.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// PromptCacheKey computes the caller-side stable key used by StyleAutomatic
// providers: "{call_type}_{hash(task_id)}".
func PromptCacheKey(callType, taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return callType + "_" + hex.EncodeToString(sum[:8])
}
