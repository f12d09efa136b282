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

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config holds the limiter's rules.
type Config struct {
	// Enabled controls whether limits are applied at all.
	Enabled bool

	// Limits are the rules, all of which must hold.
	Limits []LimitRule
}

// LimitRule is one windowed ceiling.
type LimitRule struct {
	Type   LimitType
	Window TimeWindow
	Limit  int64
}

// DefaultRateLimiter implements RateLimiter over a pluggable Store. The
// mutex makes CheckAndRecord atomic across the store round trips.
type DefaultRateLimiter struct {
	config *Config
	store  Store
	mu     sync.Mutex
}

// NewRateLimiter creates a limiter.
func NewRateLimiter(cfg *Config, store Store) (*DefaultRateLimiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	for i, limit := range cfg.Limits {
		if limit.Type == "" {
			return nil, fmt.Errorf("limit[%d]: type is required", i)
		}
		if limit.Window == "" {
			return nil, fmt.Errorf("limit[%d]: window is required", i)
		}
		if limit.Limit <= 0 {
			return nil, fmt.Errorf("limit[%d]: limit must be positive", i)
		}
	}
	return &DefaultRateLimiter{config: cfg, store: store}, nil
}

// Check implements RateLimiter.
func (rl *DefaultRateLimiter) Check(ctx context.Context, scope Scope, identifier string) (*CheckResult, error) {
	if !rl.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}
	if identifier == "" {
		return nil, fmt.Errorf("identifier cannot be empty")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.snapshot(ctx, scope, identifier)
}

// Record implements RateLimiter.
func (rl *DefaultRateLimiter) Record(ctx context.Context, scope Scope, identifier string, tokenCount, requestCount int64) error {
	if !rl.config.Enabled {
		return nil
	}
	if identifier == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.record(ctx, scope, identifier, tokenCount, requestCount)
}

// CheckAndRecord implements RateLimiter. Usage is recorded only when the
// check passes, and the returned result reflects the state after
// recording.
func (rl *DefaultRateLimiter) CheckAndRecord(ctx context.Context, scope Scope, identifier string, tokenCount, requestCount int64) (*CheckResult, error) {
	if !rl.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	result, err := rl.snapshot(ctx, scope, identifier)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}

	if err := rl.record(ctx, scope, identifier, tokenCount, requestCount); err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	return rl.snapshot(ctx, scope, identifier)
}

// GetUsage implements RateLimiter.
func (rl *DefaultRateLimiter) GetUsage(ctx context.Context, scope Scope, identifier string) ([]Usage, error) {
	if !rl.config.Enabled {
		return []Usage{}, nil
	}
	if identifier == "" {
		return nil, fmt.Errorf("identifier cannot be empty")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	result, err := rl.snapshot(ctx, scope, identifier)
	if err != nil {
		return nil, err
	}
	return result.Usages, nil
}

// Reset implements RateLimiter.
func (rl *DefaultRateLimiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	if identifier == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.store.DeleteUsage(ctx, scope, identifier)
}

// ResetExpired implements RateLimiter.
func (rl *DefaultRateLimiter) ResetExpired(ctx context.Context, before time.Time) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.store.DeleteExpired(ctx, before)
}

// IsEnabled reports whether limits are applied.
func (rl *DefaultRateLimiter) IsEnabled() bool {
	return rl.config.Enabled
}

// Store returns the underlying store.
func (rl *DefaultRateLimiter) Store() Store {
	return rl.store
}

// snapshot reads every configured limit and evaluates it. An expired
// window reads as zero usage. Exceeded means strictly above the ceiling,
// so a request that lands exactly on the limit still passes.
func (rl *DefaultRateLimiter) snapshot(ctx context.Context, scope Scope, identifier string) (*CheckResult, error) {
	result := &CheckResult{
		Allowed: true,
		Usages:  make([]Usage, 0, len(rl.config.Limits)),
	}

	now := time.Now()
	var earliestRetry *time.Time

	for _, limit := range rl.config.Limits {
		current, windowEnd, err := rl.store.GetUsage(ctx, scope, identifier, limit.Type, limit.Window)
		if err != nil {
			return nil, fmt.Errorf("failed to get usage for %s/%s: %w", limit.Type, limit.Window, err)
		}
		if windowEnd.Before(now) {
			current = 0
			windowEnd = now.Add(limit.Window.Duration())
		}

		remaining := limit.Limit - current
		if remaining < 0 {
			remaining = 0
		}
		result.Usages = append(result.Usages, Usage{
			LimitType:  limit.Type,
			Window:     limit.Window,
			Current:    current,
			Limit:      limit.Limit,
			WindowEnd:  windowEnd,
			Remaining:  remaining,
			Percentage: float64(current) / float64(limit.Limit) * 100,
		})

		if current > limit.Limit {
			result.Allowed = false
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("%s limit exceeded for %s window (%d/%d)",
					limit.Type, limit.Window, current, limit.Limit)
			}
			if earliestRetry == nil || windowEnd.Before(*earliestRetry) {
				end := windowEnd
				earliestRetry = &end
			}
		}
	}

	if !result.Allowed && earliestRetry != nil {
		if wait := time.Until(*earliestRetry); wait > 0 {
			result.RetryAfter = &wait
		}
	}
	return result, nil
}

// record adds the consumed amounts to every matching limit.
func (rl *DefaultRateLimiter) record(ctx context.Context, scope Scope, identifier string, tokenCount, requestCount int64) error {
	for _, limit := range rl.config.Limits {
		var amount int64
		switch limit.Type {
		case LimitTypeToken:
			amount = tokenCount
		case LimitTypeCount:
			amount = requestCount
		}
		if amount <= 0 {
			continue
		}

		if _, _, err := rl.store.IncrementUsage(ctx, scope, identifier, limit.Type, limit.Window, amount); err != nil {
			return fmt.Errorf("failed to increment usage for %s/%s: %w", limit.Type, limit.Window, err)
		}
	}
	return nil
}
