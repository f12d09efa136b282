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

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basalt-run/kernel/pkg/eventstream"
	"github.com/basalt-run/kernel/pkg/store"
	"github.com/basalt-run/kernel/pkg/trigger"
)

// Planner produces and revises a Task's step list. Implemented in
// pkg/taskplan; kept as an interface here so Manager tests can stub it.
type Planner interface {
	// Plan builds the initial plan for a new task.
	Plan(ctx context.Context, name, instruction string) (*Plan, error)

	// Update revises an existing task's plan given a snapshot of recent
	// activity. Steps already completed must be preserved verbatim; the
	// planner may reorder, rewrite, or insert among the rest. advanceNext
	// asks the planner to mark the step after the last completed one as
	// the next to run.
	Update(ctx context.Context, t Task, eventContext string, advanceNext bool) (*Plan, error)
}

// EventLogger receives the task lifecycle events the Manager emits. The
// agent loop's per-session stream set implements this.
type EventLogger interface {
	Log(ctx context.Context, sessionID string, kind eventstream.Kind, message string, severity eventstream.Severity)
}

// ErrTaskActive is returned by CreateTask while another task is running.
var ErrTaskActive = errors.New("task: another task is already active")

// ErrNoActiveTask is returned by operations that require an active task.
var ErrNoActiveTask = errors.New("task: no active task")

// Manager owns the single active Task. Every mutation of a Task happens
// under the Manager's lock; everything handed out is a value copy.
type Manager struct {
	planner   Planner
	workspace string
	queue     *trigger.Queue
	log       *store.Writer
	events    EventLogger

	// onTerminal runs after a task reaches a terminal status, before its
	// triggers are purged. The agent loop uses it to reset budgets.
	onTerminal func(taskID string)

	mu     sync.Mutex
	active *Task
}

// ManagerConfig configures a Manager. Planner and Workspace are required;
// the rest degrade gracefully when nil.
type ManagerConfig struct {
	Planner    Planner
	Workspace  string
	Queue      *trigger.Queue
	TaskLog    *store.Writer
	Events     EventLogger
	OnTerminal func(taskID string)
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Planner == nil {
		return nil, fmt.Errorf("task: planner is required")
	}
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("task: workspace is required")
	}
	return &Manager{
		planner:    cfg.Planner,
		workspace:  cfg.Workspace,
		queue:      cfg.Queue,
		log:        cfg.TaskLog,
		events:     cfg.Events,
		onTerminal: cfg.OnTerminal,
	}, nil
}

// Active returns a snapshot of the active task, or false when none is.
func (m *Manager) Active() (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Task{}, false
	}
	return m.active.Clone(), true
}

// ActiveID returns the active task's id, or "".
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.ID
}

// CreateTask provisions a scratch directory, invokes the planner, and
// registers the result as the single active task. A planner failure still
// yields a task: its plan is a single failed step carrying the diagnostic,
// so the failure is visible in the same place every other outcome is.
func (m *Manager) CreateTask(ctx context.Context, name, instruction string) (string, error) {
	m.mu.Lock()
	if m.active != nil && !m.active.Status.IsTerminal() {
		m.mu.Unlock()
		return "", ErrTaskActive
	}
	m.mu.Unlock()

	id := NewID(name)
	tempDir := filepath.Join(m.workspace, "tmp", id)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("task: provision temp dir: %w", err)
	}

	plan, err := m.planner.Plan(ctx, name, instruction)
	if err != nil {
		slog.Warn("task: planner failed, building fallback plan", "task_id", id, "error", err)
		plan = fallbackPlan(err)
	}

	now := time.Now()
	t := &Task{
		ID:           id,
		Name:         name,
		Instruction:  instruction,
		Goal:         plan.Goal,
		InputsParams: plan.InputsParams,
		PlanContext:  plan.Context,
		Steps:        normalizeSteps(plan.Steps),
		TempDir:      tempDir,
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       StatusRunning,
	}
	promoteFirstPending(t)

	m.mu.Lock()
	m.active = t
	m.mu.Unlock()

	m.persist(t)
	m.logEvent(ctx, id, eventstream.KindTask, fmt.Sprintf("task %q created with %d steps", name, len(t.Steps)))
	return id, nil
}

// UpdateTaskPlan asks the planner to revise the active task's plan against
// eventContext, then rebuilds the step list preserving the task's id and
// temp dir. Completed steps are carried over verbatim even if the planner
// rewrote them. Exactly one step is current afterwards.
func (m *Manager) UpdateTaskPlan(ctx context.Context, eventContext string, advanceNext bool) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoActiveTask
	}
	snapshot := m.active.Clone()
	m.mu.Unlock()

	plan, err := m.planner.Update(ctx, snapshot, eventContext, advanceNext)
	if err != nil {
		return fmt.Errorf("task: plan update: %w", err)
	}

	completed := make(map[int]Step)
	for _, s := range snapshot.Steps {
		if s.Status.IsTerminal() {
			completed[s.Index] = s
		}
	}

	steps := normalizeSteps(plan.Steps)
	for i := range steps {
		if orig, ok := completed[steps[i].Index]; ok {
			steps[i] = orig
			steps[i].Index = i
		}
	}

	m.mu.Lock()
	if m.active == nil || m.active.ID != snapshot.ID {
		m.mu.Unlock()
		return ErrNoActiveTask
	}
	m.active.Steps = steps
	m.active.Goal = plan.Goal
	m.active.PlanContext = plan.Context
	m.active.UpdatedAt = time.Now()
	promoteFirstPending(m.active)
	t := m.active.Clone()
	m.mu.Unlock()

	m.persist(&t)
	m.logEvent(ctx, t.ID, eventstream.KindTask, fmt.Sprintf("task plan updated, now %d steps", len(steps)))
	return nil
}

// StartTask enqueues a trigger for the active task's current step.
func (m *Manager) StartTask(ctx context.Context) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoActiveTask
	}
	id := m.active.ID
	step := m.active.CurrentOrNextStep()
	m.mu.Unlock()

	if step == nil {
		return fmt.Errorf("task: no runnable step in task %s", id)
	}
	if m.queue == nil {
		return nil
	}
	return m.queue.Put(ctx, &trigger.Trigger{
		SessionID: id,
		DueAt:     time.Now(),
		Priority:  trigger.PriorityHigh,
		Reason:    step.ActionInstruction,
	})
}

// StartNextStep finalizes the current step as completed, then either
// promotes the next pending step or, when replan is set, asks the planner
// to revise the remainder first. With no pending step left, the task
// auto-completes.
func (m *Manager) StartNextStep(ctx context.Context, replan bool) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoActiveTask
	}
	if err := m.active.FinalizeCurrentStep(StepCompleted, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	hasPending := m.active.NextPendingStep() != nil
	m.mu.Unlock()

	if !hasPending && !replan {
		return m.MarkCompleted(ctx, "")
	}

	if replan {
		if err := m.UpdateTaskPlan(ctx, "", true); err != nil {
			return err
		}
		m.mu.Lock()
		hasPending = m.active != nil && m.active.NextPendingStep() != nil
		m.mu.Unlock()
		if !hasPending {
			return m.MarkCompleted(ctx, "")
		}
		return nil
	}

	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoActiveTask
	}
	promoteFirstPending(m.active)
	t := m.active.Clone()
	m.mu.Unlock()
	m.persist(&t)
	return nil
}

// MarkCompleted finalizes the active task as completed and cleans up its
// temp dir.
func (m *Manager) MarkCompleted(ctx context.Context, results string) error {
	return m.finish(ctx, StatusCompleted, StepCompleted, results)
}

// MarkError finalizes the active task as errored. The temp dir is
// preserved for debugging.
func (m *Manager) MarkError(ctx context.Context, message string) error {
	return m.finish(ctx, StatusError, StepFailed, message)
}

// MarkCancelled finalizes the active task as cancelled. The temp dir is
// preserved.
func (m *Manager) MarkCancelled(ctx context.Context, message string) error {
	return m.finish(ctx, StatusCancelled, StepCancelled, message)
}

func (m *Manager) finish(ctx context.Context, status Status, stepStatus StepStatus, message string) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoActiveTask
	}
	if m.active.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	_ = m.active.FinalizeCurrentStep(stepStatus, message)
	m.active.Status = status
	m.active.Results = message
	m.active.UpdatedAt = time.Now()
	t := m.active.Clone()
	m.active = nil
	m.mu.Unlock()

	if m.onTerminal != nil {
		m.onTerminal(t.ID)
	}
	if m.queue != nil {
		m.queue.Remove(t.ID)
	}
	m.persist(&t)
	m.logEvent(ctx, t.ID, eventstream.KindTask, fmt.Sprintf("task %s %s", t.ID, status))

	if status == StatusCompleted {
		if err := os.RemoveAll(t.TempDir); err != nil {
			slog.Warn("task: temp dir cleanup failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) persist(t *Task) {
	if m.log == nil {
		return
	}
	rec := store.TaskLogRecord{
		EntryType:   store.EntryTypeTaskLog,
		TaskID:      t.ID,
		Name:        t.Name,
		Instruction: t.Instruction,
		Steps:       t.Steps,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Status:      string(t.Status),
		Results:     t.Results,
	}
	if err := m.log.Append(rec); err != nil {
		slog.Warn("task: failed to persist task log", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) logEvent(ctx context.Context, taskID string, kind eventstream.Kind, message string) {
	if m.events == nil {
		return
	}
	m.events.Log(ctx, taskID, kind, message, eventstream.SeverityInfo)
}

// normalizeSteps reindexes steps and defaults blank statuses to pending.
func normalizeSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Index = i
		if out[i].Status == "" {
			out[i].Status = StepPending
		}
	}
	return out
}

// promoteFirstPending makes the first pending step current when no step is.
func promoteFirstPending(t *Task) {
	if t.CurrentStep() != nil {
		return
	}
	if next := t.NextPendingStep(); next != nil {
		next.Status = StepCurrent
		t.UpdatedAt = time.Now()
	}
}

// fallbackPlan is the minimal plan built when the planner's output could
// not be used: one failed step carrying the diagnostic.
func fallbackPlan(err error) *Plan {
	return &Plan{
		Goal: "planning failed",
		Steps: []Step{{
			Name:           "plan task",
			Description:    "generate an execution plan",
			Status:         StepFailed,
			FailureMessage: err.Error(),
		}},
	}
}
