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

// Package trigger implements the priority/time-ordered scheduler that feeds
// the agent execution kernel. A Trigger names a task to (re)activate and a
// point in time at which it becomes eligible; Get blocks until the
// earliest-due eligible trigger is ready, Put enqueues or reconciles one.
package trigger

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Priority orders triggers due at (or before) the same instant.
type Priority int

const (
	// PriorityNormal is the default priority for scheduled/periodic work.
	PriorityNormal Priority = 0

	// PriorityHigh is used for externally raised events (user input,
	// webhook callbacks) that should preempt normal scheduling.
	PriorityHigh Priority = 10
)

// Trigger names a task to reactivate and when it becomes eligible.
type Trigger struct {
	// SessionID identifies the task/session this trigger reactivates.
	SessionID string

	// DueAt is the earliest instant this trigger is eligible for dequeue.
	DueAt time.Time

	// Priority breaks ties between triggers with the same DueAt; higher
	// values are dequeued first.
	Priority Priority

	// Reason records why the trigger was raised (for logging/metrics).
	Reason string

	// Payload carries trigger-specific data (e.g. the user message text
	// that raised it) through to the task that consumes it.
	Payload map[string]any

	index int // heap bookkeeping, managed by container/heap
}

// heapQueue implements container/heap.Interface ordered by (DueAt, Priority).
type heapQueue []*Trigger

func (q heapQueue) Len() int { return len(q) }

func (q heapQueue) Less(i, j int) bool {
	if q[i].DueAt.Equal(q[j].DueAt) {
		return q[i].Priority > q[j].Priority
	}
	return q[i].DueAt.Before(q[j].DueAt)
}

func (q heapQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *heapQueue) Push(x any) {
	t := x.(*Trigger)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *heapQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// SessionResolver answers "which in-flight session should this trigger
// adopt?". The Queue consults it on every Put that finds other triggers
// already queued, so a freshly arrived trigger can either keep its own
// session or attach to one in flight. The LLM Gateway-backed
// implementation lives in pkg/gateway.
type SessionResolver interface {
	// ResolveSession returns the session id incoming should be merged
	// into, given the set of session ids currently queued. An empty
	// return means no queued session matches; the trigger keeps its own
	// SessionID.
	ResolveSession(ctx context.Context, incoming *Trigger, candidateSessions []string) (string, error)
}

// Queue is a concurrency-safe, time-ordered, priority-breaking trigger
// scheduler. The zero value is not usable; construct with New.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     heapQueue
	bySession map[string]*Trigger
	resolver  SessionResolver
	closed    bool
}

// New creates an empty Queue. resolver may be nil, in which case Put never
// attempts session reconciliation and always keys by SessionID.
func New(resolver SessionResolver) *Queue {
	q := &Queue{
		bySession: make(map[string]*Trigger),
		resolver:  resolver,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues a trigger. Whenever other triggers are already queued and a
// resolver is configured, Put first asks the resolver which queued session
// the new trigger should adopt, so an arriving trigger can attach to a
// session in flight instead of starting its own. The resolver's answer is
// validated against the queue's own session set before it is trusted: an id
// the queue has never heard of, or a resolver error, falls back to the
// caller-supplied SessionID. If a trigger for the (possibly rewritten)
// session already exists it is merged in place, so a session is never
// represented twice in the queue.
func (q *Queue) Put(ctx context.Context, t *Trigger) error {
	if t == nil {
		return fmt.Errorf("trigger: nil trigger")
	}
	if t.DueAt.IsZero() {
		t.DueAt = time.Now()
	}

	q.mu.Lock()

	sessionID := t.SessionID
	if q.resolver != nil && len(q.bySession) > 0 {
		candidates := make([]string, 0, len(q.bySession))
		for id := range q.bySession {
			candidates = append(candidates, id)
		}
		q.mu.Unlock()

		resolved, err := q.resolver.ResolveSession(ctx, t, candidates)

		q.mu.Lock()
		switch {
		case err != nil:
			slog.Warn("trigger: session resolution failed, keeping caller session", "session_id", sessionID, "error", err)
		case resolved == "" || resolved == sessionID:
			// No match, or the resolver confirmed the caller's session.
		default:
			if _, ok := q.bySession[resolved]; ok {
				sessionID = resolved
			} else {
				slog.Warn("trigger: resolver named a session not present in queue, keeping caller session",
					"resolved_session", resolved, "session_id", sessionID)
			}
		}
	}
	if sessionID == "" {
		q.mu.Unlock()
		return fmt.Errorf("trigger: session id required when no resolver match found")
	}
	t.SessionID = sessionID

	if existing, ok := q.bySession[sessionID]; ok {
		merge(existing, t)
		heap.Fix(&q.items, existing.index)
		q.mu.Unlock()
		q.cond.Broadcast()
		return nil
	}

	heap.Push(&q.items, t)
	q.bySession[sessionID] = t
	q.mu.Unlock()
	q.cond.Broadcast()
	return nil
}

// Get blocks until the earliest-due eligible trigger is ready (its DueAt
// has elapsed), then removes and returns it. Get returns ctx.Err() if ctx
// is cancelled before a trigger becomes eligible, and ErrClosed once
// Close has been called and the queue has drained.
func (q *Queue) Get(ctx context.Context) (*Trigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed && len(q.items) == 0 {
			return nil, ErrClosed
		}

		if len(q.items) == 0 {
			if !q.waitOrCancel(ctx) {
				return nil, ctx.Err()
			}
			continue
		}

		next := q.items[0]
		now := time.Now()
		if next.DueAt.After(now) {
			wait := next.DueAt.Sub(now)
			if !q.waitTimeoutOrCancel(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		popped := heap.Pop(&q.items).(*Trigger)
		delete(q.bySession, popped.SessionID)
		return popped, nil
	}
}

// waitOrCancel releases the lock, blocks on cond, and reacquires the lock.
// It returns false if ctx was cancelled while waiting.
func (q *Queue) waitOrCancel(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	q.cond.Wait()
	close(done)
	return ctx.Err() == nil
}

func (q *Queue) waitTimeoutOrCancel(ctx context.Context, d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	return q.waitOrCancel(ctx)
}

// merge folds incoming into existing: the earlier due time and stronger
// priority win, reasons are joined by a blank line with duplicates dropped
// (first-seen order preserved), and payloads shallow-merge with the
// incoming trigger's values winning.
func merge(existing, incoming *Trigger) {
	if incoming.DueAt.Before(existing.DueAt) {
		existing.DueAt = incoming.DueAt
	}
	if incoming.Priority > existing.Priority {
		existing.Priority = incoming.Priority
	}
	existing.Reason = joinReasons(existing.Reason, incoming.Reason)
	if len(incoming.Payload) > 0 {
		if existing.Payload == nil {
			existing.Payload = make(map[string]any, len(incoming.Payload))
		}
		for k, v := range incoming.Payload {
			existing.Payload[k] = v
		}
	}
}

func joinReasons(reasons ...string) string {
	seen := make(map[string]bool, len(reasons))
	var parts []string
	for _, r := range reasons {
		for _, part := range strings.Split(r, "\n\n") {
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Fire rewrites the due time of sessionID's queued trigger to now, making
// it immediately eligible.
func (q *Queue) Fire(sessionID string) {
	q.mu.Lock()
	t, ok := q.bySession[sessionID]
	if ok {
		t.DueAt = time.Now()
		heap.Fix(&q.items, t.index)
	}
	q.mu.Unlock()
	if ok {
		q.cond.Broadcast()
	}
}

// Clear drops every queued trigger.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.bySession = make(map[string]*Trigger)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Remove drops a queued trigger for sessionID, if one exists. Used when a
// task reaches a terminal state and must stop being rescheduled.
func (q *Queue) Remove(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.bySession[sessionID]
	if !ok {
		return
	}
	heap.Remove(&q.items, t.index)
	delete(q.bySession, sessionID)
}

// RemoveSessions bulk-drops the queued triggers of every listed session.
func (q *Queue) RemoveSessions(sessionIDs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range sessionIDs {
		if t, ok := q.bySession[id]; ok {
			heap.Remove(&q.items, t.index)
			delete(q.bySession, id)
		}
	}
}

// Len returns the number of queued triggers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SessionIDs returns the session ids currently queued, for diagnostics and
// for resolver implementations that want a fresh snapshot outside Put.
func (q *Queue) SessionIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.bySession))
	for id := range q.bySession {
		ids = append(ids, id)
	}
	return ids
}

// Close marks the queue closed. Pending triggers already queued are still
// returned by Get; once drained, Get returns ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// ErrClosed is returned by Get once the queue is closed and drained.
var ErrClosed = fmt.Errorf("trigger: queue closed")
