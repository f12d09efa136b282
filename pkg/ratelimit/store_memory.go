// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"sync"
	"time"
)

type usageKey struct {
	Scope      Scope
	Identifier string
	LimitType  LimitType
	Window     TimeWindow
}

type usageRecord struct {
	Amount    int64
	WindowEnd time.Time
}

// MemoryStore keeps usage counters in process memory, which fits the
// kernel's single-process default. SQLStore covers deployments where
// usage must survive restarts.
type MemoryStore struct {
	mu   sync.Mutex
	data map[usageKey]*usageRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[usageKey]*usageRecord)}
}

// GetUsage implements Store. An expired window reads as zero usage with a
// fresh window end.
func (s *MemoryStore) GetUsage(_ context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	record, ok := s.data[usageKey{scope, identifier, limitType, window}]
	if !ok || record.WindowEnd.Before(now) {
		return 0, now.Add(window.Duration()), nil
	}
	return record.Amount, record.WindowEnd, nil
}

// IncrementUsage implements Store, resetting the window first if it has
// expired.
func (s *MemoryStore) IncrementUsage(_ context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := usageKey{scope, identifier, limitType, window}
	record, ok := s.data[key]
	if !ok || record.WindowEnd.Before(now) {
		record = &usageRecord{Amount: amount, WindowEnd: now.Add(window.Duration())}
		s.data[key] = record
		return record.Amount, record.WindowEnd, nil
	}

	record.Amount += amount
	return record.Amount, record.WindowEnd, nil
}

// SetUsage implements Store.
func (s *MemoryStore) SetUsage(_ context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[usageKey{scope, identifier, limitType, window}] = &usageRecord{Amount: amount, WindowEnd: windowEnd}
	return nil
}

// DeleteUsage implements Store.
func (s *MemoryStore) DeleteUsage(_ context.Context, scope Scope, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.data {
		if key.Scope == scope && key.Identifier == identifier {
			delete(s.data, key)
		}
	}
	return nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, record := range s.data {
		if record.WindowEnd.Before(before) {
			delete(s.data, key)
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[usageKey]*usageRecord)
	return nil
}
