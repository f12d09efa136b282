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

// Package task holds the kernel's unit of work: a planned, stepwise Task
// with a private scratch directory, and the Manager that owns the single
// active Task's lifecycle. All mutation goes through the Manager; other
// components only ever see value snapshots.
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is a single step's state within a Task's plan.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCurrent   StepStatus = "current"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether a step can no longer change state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Step is one planned unit of work within a Task.
type Step struct {
	Index                 int        `json:"step_index"`
	Name                  string     `json:"step_name"`
	Description           string     `json:"description"`
	ActionInstruction     string     `json:"action_instruction"`
	ValidationInstruction string     `json:"validation_instruction"`
	Status                StepStatus `json:"status"`
	FailureMessage        string     `json:"failure_message,omitempty"`

	// ActiveForm is the present-continuous phrasing of Name generated at
	// plan time, surfaced through the TodoItem projection.
	ActiveForm string `json:"active_form,omitempty"`
}

// TodoStatus is the UI-facing projection of a StepStatus.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is the simplified, UI-facing projection of a Step. There is
// exactly one list of steps per Task; todos are derived from it, never a
// second independent collection.
type TodoItem struct {
	Content    string     `json:"content"`
	ActiveForm string     `json:"active_form"`
	Status     TodoStatus `json:"status"`
}

// Plan is a planner's output: the goal restated, free-form context, and the
// ordered step list.
type Plan struct {
	Goal         string         `json:"goal"`
	InputsParams map[string]any `json:"inputs_params,omitempty"`
	Context      string         `json:"context,omitempty"`
	Steps        []Step         `json:"steps"`
}

// Task is the kernel's unit of work. Fields are exported for serialization;
// mutation outside this package goes through the Manager.
type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Instruction  string         `json:"instruction"`
	Goal         string         `json:"goal,omitempty"`
	InputsParams map[string]any `json:"inputs_params,omitempty"`
	PlanContext  string         `json:"plan_context,omitempty"`
	Steps        []Step         `json:"steps"`
	TempDir      string         `json:"temp_dir"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Status       Status         `json:"status"`
	Results      string         `json:"results,omitempty"`
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// NewID builds a filesystem-safe task id from name plus a random suffix.
func NewID(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "task"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return slug + "-" + suffix
}

// CurrentStep returns the step with status current, or nil.
func (t *Task) CurrentStep() *Step {
	for i := range t.Steps {
		if t.Steps[i].Status == StepCurrent {
			return &t.Steps[i]
		}
	}
	return nil
}

// CurrentOrNextStep returns the current step if one exists, else the first
// pending step, else nil.
func (t *Task) CurrentOrNextStep() *Step {
	if s := t.CurrentStep(); s != nil {
		return s
	}
	for i := range t.Steps {
		if t.Steps[i].Status == StepPending {
			return &t.Steps[i]
		}
	}
	return nil
}

// SetCurrentStep promotes the step at index to current. It enforces the
// single-current invariant at the write site: promoting while another step
// is current, or promoting a non-pending step, is an error rather than a
// logged warning.
func (t *Task) SetCurrentStep(index int) error {
	if index < 0 || index >= len(t.Steps) {
		return fmt.Errorf("task: step index %d out of range", index)
	}
	if cur := t.CurrentStep(); cur != nil && cur.Index != index {
		return fmt.Errorf("task: step %d is already current", cur.Index)
	}
	if t.Steps[index].Status != StepPending && t.Steps[index].Status != StepCurrent {
		return fmt.Errorf("task: step %d is %s, only pending steps may become current", index, t.Steps[index].Status)
	}
	t.Steps[index].Status = StepCurrent
	t.UpdatedAt = time.Now()
	return nil
}

// FinalizeCurrentStep moves the current step to a terminal status. Only the
// current step may be finalized; finalizing with a non-terminal status is
// an error.
func (t *Task) FinalizeCurrentStep(status StepStatus, failureMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("task: %s is not a terminal step status", status)
	}
	cur := t.CurrentStep()
	if cur == nil {
		return nil
	}
	cur.Status = status
	cur.FailureMessage = failureMessage
	t.UpdatedAt = time.Now()
	return nil
}

// NextPendingStep returns the first pending step, or nil.
func (t *Task) NextPendingStep() *Step {
	for i := range t.Steps {
		if t.Steps[i].Status == StepPending {
			return &t.Steps[i]
		}
	}
	return nil
}

// Todos projects the step list into its UI-facing todo form.
func (t *Task) Todos() []TodoItem {
	todos := make([]TodoItem, len(t.Steps))
	for i, s := range t.Steps {
		item := TodoItem{Content: s.Name, ActiveForm: s.ActiveForm}
		switch s.Status {
		case StepCurrent:
			item.Status = TodoInProgress
		case StepCompleted, StepFailed, StepSkipped, StepCancelled:
			item.Status = TodoCompleted
		default:
			item.Status = TodoPending
		}
		todos[i] = item
	}
	return todos
}

// Clone returns a deep value copy, the form handed out to other components.
func (t *Task) Clone() Task {
	out := *t
	out.Steps = make([]Step, len(t.Steps))
	copy(out.Steps, t.Steps)
	if t.InputsParams != nil {
		out.InputsParams = make(map[string]any, len(t.InputsParams))
		for k, v := range t.InputsParams {
			out.InputsParams[k] = v
		}
	}
	return out
}
