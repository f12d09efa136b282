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

package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basalt-run/kernel/pkg/observability"
	"github.com/basalt-run/kernel/pkg/store"
)

// Run statuses persisted to the action history.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// subActioned is the optional interface divisible actions implement to
// expose their sequence. CommandAction implements it from its spec.
type subActioned interface {
	SubActions() []string
}

// observed is the optional interface actions with a post-execution check
// implement. The Executor drives the retry policy; the action only knows
// how to run its observer program once.
type observed interface {
	ObserverSpec() *ObserverSpec
}

// Executor runs actions from a Registry: out-of-process via Sandbox,
// divisible actions one sub-action at a time, with per-action observer
// retries and run-history persistence.
type Executor struct {
	Registry *Registry
	History  *store.Writer
	Metrics  *observability.Metrics

	mu       sync.Mutex
	inFlight map[string]*store.RunRecord
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, history *store.Writer, metrics *observability.Metrics) *Executor {
	return &Executor{
		Registry: registry,
		History:  history,
		Metrics:  metrics,
		inFlight: make(map[string]*store.RunRecord),
	}
}

// Run executes the named action and returns its output map. The returned
// output always carries the run id under "action_id". Divisible actions
// run their sub-actions sequentially, threading the same input to each and
// collecting each sub-action's output under its name; every sub-action
// gets its own history row pointing back at the parent run.
func (e *Executor) Run(ctx context.Context, sessionID, parentID, name string, input map[string]any, sandbox *Sandbox) (map[string]any, error) {
	a, err := e.Registry.Get(name)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	rec := &store.RunRecord{
		EntryType:  store.EntryTypeActionHistory,
		RunID:      runID,
		SessionID:  sessionID,
		ParentID:   parentID,
		Name:       name,
		ActionType: actionType(a),
		Status:     StatusRunning,
		Inputs:     input,
		StartedAt:  time.Now(),
	}
	e.trackStart(rec)

	var output map[string]any
	var runErr error
	if sub, ok := a.(subActioned); ok && a.Divisible() && len(sub.SubActions()) > 0 {
		output, runErr = e.runDivisible(ctx, sessionID, runID, sub.SubActions(), input, sandbox)
	} else {
		output, runErr = e.runAtomic(ctx, a, input, sandbox)
	}

	status := StatusSuccess
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
		output = map[string]any{"error": "Action cancelled", "error_code": "cancelled"}
		runErr = nil
	case runErr != nil:
		status = StatusError
		if output == nil {
			output = map[string]any{"error": runErr.Error()}
		}
	}

	if output == nil {
		output = map[string]any{}
	}
	output["action_id"] = runID

	e.trackEnd(rec, status, output)
	e.recordMetrics(name, status, time.Since(rec.StartedAt))
	return output, runErr
}

func (e *Executor) runAtomic(ctx context.Context, a Action, input map[string]any, sandbox *Sandbox) (map[string]any, error) {
	output, err := a.Run(ctx, sandbox, input)
	if err != nil {
		return output, err
	}

	if obs, ok := a.(observed); ok {
		if spec := obs.ObserverSpec(); spec != nil {
			success, message, obsErr := e.observe(ctx, spec, output, sandbox)
			if obsErr != nil {
				return output, fmt.Errorf("%w: %v", ErrObserverFailed, obsErr)
			}
			if output == nil {
				output = map[string]any{}
			}
			output["observation"] = message
			if !success {
				return output, fmt.Errorf("%w: %s", ErrObserverFailed, message)
			}
		}
	}
	return output, nil
}

// observe runs the observer program with the action output on stdin,
// retrying on exceptions and explicit rejections up to MaxRetries
// attempts, sleeping RetryIntervalSec between attempts, bounded overall by
// MaxTotalTimeSec.
func (e *Executor) observe(ctx context.Context, spec *ObserverSpec, output map[string]any, sandbox *Sandbox) (bool, string, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return false, "", err
	}

	maxRetries := spec.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	interval := time.Duration(spec.RetryIntervalSec * float64(time.Second))
	deadline := time.Time{}
	if spec.MaxTotalTimeSec > 0 {
		deadline = time.Now().Add(time.Duration(spec.MaxTotalTimeSec * float64(time.Second)))
	}

	var lastMessage string
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		success, message, obsErr := runObserverOnce(ctx, spec.Body, string(encoded), sandbox)
		if obsErr == nil && success {
			return true, message, nil
		}
		if obsErr != nil {
			lastErr = obsErr
			slog.Warn("action: observer errored", "attempt", attempt, "error", obsErr)
		} else {
			lastMessage = message
			lastErr = nil
		}

		if attempt == maxRetries {
			break
		}
		if !deadline.IsZero() && time.Now().Add(interval).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return false, lastMessage, ctx.Err()
		case <-time.After(interval):
		}
	}

	if lastErr != nil {
		return false, "", lastErr
	}
	return false, lastMessage, nil
}

func runObserverOnce(ctx context.Context, body, stdin string, sandbox *Sandbox) (bool, string, error) {
	result, err := sandbox.ExecShell(ctx, body, stdin)
	if err != nil {
		return false, "", err
	}
	if result.ExitCode != 0 {
		return false, "", fmt.Errorf("observer exited with code %d: %s", result.ExitCode, result.Stderr)
	}

	parsed, err := ParseStdout(result.Stdout)
	if err != nil {
		return false, "", fmt.Errorf("observer output: %w", err)
	}
	success, _ := parsed["success"].(bool)
	message, _ := parsed["message"].(string)
	return success, message, nil
}

func (e *Executor) runDivisible(ctx context.Context, sessionID, parentRunID string, subNames []string, input map[string]any, sandbox *Sandbox) (map[string]any, error) {
	outputs := make(map[string]any, len(subNames))
	for i, sub := range subNames {
		out, err := e.Run(ctx, sessionID, parentRunID, sub, input, sandbox)
		outputs[sub] = out
		if err != nil {
			return outputs, fmt.Errorf("action: sub-action %d/%d (%s) failed: %w", i+1, len(subNames), sub, err)
		}
	}
	return outputs, nil
}

// Shutdown marks every in-flight run cancelled in the history so a crash
// or orderly stop never leaves rows stuck at running.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	records := make([]*store.RunRecord, 0, len(e.inFlight))
	for _, rec := range e.inFlight {
		records = append(records, rec)
	}
	e.mu.Unlock()

	for _, rec := range records {
		e.trackEnd(rec, StatusCancelled, map[string]any{"error": "Action cancelled", "error_code": "cancelled"})
	}
}

func (e *Executor) trackStart(rec *store.RunRecord) {
	e.mu.Lock()
	e.inFlight[rec.RunID] = rec
	e.mu.Unlock()
	e.persist(rec)
}

func (e *Executor) trackEnd(rec *store.RunRecord, status string, outputs map[string]any) {
	e.mu.Lock()
	if _, ok := e.inFlight[rec.RunID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.inFlight, rec.RunID)
	e.mu.Unlock()

	rec.Status = status
	rec.Outputs = outputs
	rec.EndedAt = time.Now()
	e.persist(rec)
}

// persist upserts the record: the history is append-only JSONL, so an
// upsert is a second line with the same run_id and readers take the last.
func (e *Executor) persist(rec *store.RunRecord) {
	if e.History == nil {
		return
	}
	if err := e.History.Append(rec); err != nil {
		slog.Warn("action: failed to write run history", "run_id", rec.RunID, "error", err)
	}
}

func (e *Executor) recordMetrics(name, status string, duration time.Duration) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordActionExecution(name, status, duration)
	if status == StatusError {
		e.Metrics.RecordActionError(name, "execution")
	}
}

func actionType(a Action) string {
	if a.Divisible() {
		return TypeDivisible
	}
	return TypeAtomic
}
