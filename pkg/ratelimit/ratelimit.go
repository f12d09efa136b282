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

// Package ratelimit guards the kernel's ingestion surface with windowed
// token and request-count limits, scoped per session or per user, over a
// pluggable store (in-memory by default, SQL when usage must survive
// restarts).
package ratelimit

import (
	"context"
	"time"
)

// Scope selects what a limit identifier refers to. The kernel defaults to
// per-session scoping, which maps one-to-one onto task sessions.
type Scope string

const (
	// ScopeSession applies limits per session.
	ScopeSession Scope = "session"

	// ScopeUser applies limits per user, across sessions.
	ScopeUser Scope = "user"
)

// TimeWindow is a limit's accounting period.
type TimeWindow string

const (
	WindowMinute TimeWindow = "minute"
	WindowHour   TimeWindow = "hour"
	WindowDay    TimeWindow = "day"
	WindowWeek   TimeWindow = "week"
	WindowMonth  TimeWindow = "month"
)

// Duration returns the window's length. A month is approximated at 30
// days.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// LimitType is what a limit counts.
type LimitType string

const (
	// LimitTypeToken tracks LLM token usage.
	LimitTypeToken LimitType = "token"

	// LimitTypeCount tracks request count.
	LimitTypeCount LimitType = "count"
)

// ParseTimeWindow converts a config string to TimeWindow.
func ParseTimeWindow(s string) TimeWindow { return TimeWindow(s) }

// ParseLimitType converts a config string to LimitType.
func ParseLimitType(s string) LimitType { return LimitType(s) }

// ParseScope converts a config string to Scope.
func ParseScope(s string) Scope { return Scope(s) }

// Usage is the state of one limit for one identifier.
type Usage struct {
	LimitType  LimitType  `json:"limit_type"`
	Window     TimeWindow `json:"window"`
	Current    int64      `json:"current"`
	Limit      int64      `json:"limit"`
	WindowEnd  time.Time  `json:"window_end"`
	Remaining  int64      `json:"remaining"`
	Percentage float64    `json:"percentage"`
}

// CheckResult is the outcome of a limit check.
type CheckResult struct {
	// Allowed indicates whether the operation may proceed.
	Allowed bool `json:"allowed"`

	// Reason names the exceeded limit when denied.
	Reason string `json:"reason,omitempty"`

	// Usages holds the state of every configured limit.
	Usages []Usage `json:"usages"`

	// RetryAfter is how long until the earliest exceeded window resets.
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

// GetUsage returns the usage for one limit type and window, or nil.
func (r *CheckResult) GetUsage(limitType LimitType, window TimeWindow) *Usage {
	for i := range r.Usages {
		if r.Usages[i].LimitType == limitType && r.Usages[i].Window == window {
			return &r.Usages[i]
		}
	}
	return nil
}

// RateLimiter is the checking interface. The server middleware calls
// CheckAndRecord once per request. Implementations must be safe for
// concurrent use.
type RateLimiter interface {
	// Check verifies the operation without recording usage.
	Check(ctx context.Context, scope Scope, identifier string) (*CheckResult, error)

	// Record records usage after an operation completed.
	Record(ctx context.Context, scope Scope, identifier string, tokenCount int64, requestCount int64) error

	// CheckAndRecord checks and records atomically.
	CheckAndRecord(ctx context.Context, scope Scope, identifier string, tokenCount int64, requestCount int64) (*CheckResult, error)

	// GetUsage returns the state of every configured limit.
	GetUsage(ctx context.Context, scope Scope, identifier string) ([]Usage, error)

	// Reset clears usage for an identifier.
	Reset(ctx context.Context, scope Scope, identifier string) error

	// ResetExpired removes records whose window ended before the given
	// time; called periodically for cleanup.
	ResetExpired(ctx context.Context, before time.Time) error
}

// Store persists usage counters. Implementations must be safe for
// concurrent use.
type Store interface {
	// GetUsage returns the current amount and window end for one limit,
	// or zero with a fresh window when none exists.
	GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error)

	// IncrementUsage adds amount, starting a new window if the current
	// one has expired.
	IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error)

	// SetUsage overwrites one limit's amount and window.
	SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error

	// DeleteUsage removes every record for an identifier.
	DeleteUsage(ctx context.Context, scope Scope, identifier string) error

	// DeleteExpired removes records whose window ended before the given
	// time.
	DeleteExpired(ctx context.Context, before time.Time) error

	// Close releases store resources.
	Close() error
}

var (
	_ RateLimiter = (*DefaultRateLimiter)(nil)
	_ Store       = (*MemoryStore)(nil)
	_ Store       = (*SQLStore)(nil)
)
