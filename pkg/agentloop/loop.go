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

// Package agentloop drives the kernel's react cycle: dequeue a trigger,
// check budgets, reason, route, execute, record, reschedule. One loop
// iteration handles exactly one trigger; the only concurrency behind it is
// the event streams' background summarizer.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/action"
	"github.com/basalt-run/kernel/pkg/contextengine"
	"github.com/basalt-run/kernel/pkg/eventstream"
	"github.com/basalt-run/kernel/pkg/gateway"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/observability"
	"github.com/basalt-run/kernel/pkg/prompt"
	"github.com/basalt-run/kernel/pkg/router"
	"github.com/basalt-run/kernel/pkg/task"
	"github.com/basalt-run/kernel/pkg/trigger"
)

// SessionChat is the session id of user conversation turns, as opposed to
// task ids.
const SessionChat = "chat"

// PriorityFollowUp is the priority of self-scheduled continuation triggers.
const PriorityFollowUp trigger.Priority = 5

// defaultRescheduleDelay is used when an action output names no
// fire_at_delay.
const defaultRescheduleDelay = time.Second

// recoveryDelay spaces the retry trigger enqueued after an iteration error.
const recoveryDelay = 2 * time.Second

// ScreenCapturer grabs the current screen in GUI mode. Implemented by the
// GUI pipeline, which is an external collaborator; nil disables GUI steps.
type ScreenCapturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// ScreenDescriber turns a screenshot into text. Implemented by pkg/vlm.
type ScreenDescriber interface {
	DescribeScreen(ctx context.Context, taskID string, png []byte) (string, error)
}

// reasoning is the parsed shape of the loop's reasoning call.
type reasoning struct {
	Reasoning   string `json:"reasoning"`
	ActionQuery string `json:"action_query"`
}

// Loop is the react() driver.
type Loop struct {
	Queue    *trigger.Queue
	Gateway  *gateway.Gateway
	Router   *router.Router
	Executor *action.Executor
	Tasks    *task.Manager
	Engine   *contextengine.Engine
	Props    *Properties
	Streams  *StreamSet
	Prompts  *prompt.Registry
	Metrics  *observability.Metrics

	// Capturer and Describer enable GUI mode; both nil is plain CLI.
	Capturer  ScreenCapturer
	Describer ScreenDescriber

	// SandboxTimeout bounds each action subprocess.
	SandboxTimeout time.Duration

	// BaseInstruction is the standing system instruction rendered into
	// every reasoning prompt.
	BaseInstruction string
}

// Run consumes triggers until ctx is cancelled or the queue is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		trig, err := l.Queue.Get(ctx)
		if err != nil {
			if errors.Is(err, trigger.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		l.Metrics.RecordTriggerDequeue(time.Since(trig.DueAt), l.Queue.Len())
		l.HandleTrigger(ctx, trig)
	}
}

// HandleTrigger runs one react iteration. Errors never escape: they are
// logged to the session's event stream and answered with a recovery
// trigger so the task can attempt to continue.
func (l *Loop) HandleTrigger(ctx context.Context, trig *trigger.Trigger) {
	stream := l.Streams.Get(trig.SessionID)

	if err := l.iterate(ctx, trig, stream); err != nil {
		slog.Error("agentloop: iteration failed", "session_id", trig.SessionID, "error", err)
		stream.Log(ctx, eventstream.KindError, err.Error(), eventstream.SeverityError,
			eventstream.WithDisplayMessage("The agent hit an error and will retry."))

		if l.taskRunning(trig.SessionID) {
			l.reschedule(ctx, trig.SessionID, "recover from error: "+err.Error(), recoveryDelay, trig.Payload)
		}
	}
}

func (l *Loop) iterate(ctx context.Context, trig *trigger.Trigger, stream *eventstream.Stream) error {
	inTask := trig.SessionID != SessionChat
	if inTask {
		l.Props.SetCurrentTask(trig.SessionID)
	}

	guiMode, _ := trig.Payload["gui_mode"].(bool)

	if guiMode && l.Capturer != nil && l.Describer != nil {
		if err := l.describeScreen(ctx, trig.SessionID, stream); err != nil {
			// A failed screenshot degrades to blind reasoning; it does
			// not abort the iteration.
			stream.Log(ctx, eventstream.KindWarning, "screen capture failed: "+err.Error(), eventstream.SeverityWarn)
		}
	}

	if inTask {
		if budgetErr := l.Props.CheckBudget(); budgetErr != nil {
			stream.Log(ctx, eventstream.KindWarning, budgetErr.Error(), eventstream.SeverityWarn,
				eventstream.WithDisplayMessage("Task stopped: budget exhausted."))
			if err := l.Tasks.MarkCancelled(ctx, budgetErr.Error()); err != nil && !errors.Is(err, task.ErrNoActiveTask) {
				return err
			}
			return nil
		}
		if budgets := l.Props.Budgets(); budgets.NearLimit() {
			stream.Log(ctx, eventstream.KindWarning,
				fmt.Sprintf("budget above %.0f%%: actions %.0f%%, tokens %.0f%%",
					budgetWarnFraction*100, budgets.ActionFraction*100, budgets.TokenFraction*100),
				eventstream.SeverityWarn)
		}
	}

	var query string
	mode := router.ModeConversation
	if inTask && l.taskRunning(trig.SessionID) {
		reason, err := l.reason(ctx, trig, stream, guiMode)
		if err != nil {
			return err
		}
		stream.Log(ctx, eventstream.KindReasoning, reason.Reasoning, eventstream.SeverityDebug)
		query = reason.ActionQuery
		if guiMode {
			mode = router.ModeTaskGUI
		} else {
			mode = router.ModeTaskCLI
		}
	} else {
		query = trig.Reason
	}

	taskID := ""
	if inTask {
		taskID = trig.SessionID
	}

	sel, err := l.Router.Route(ctx, taskID, mode, query)
	if err != nil {
		return err
	}
	if sel.CreateNew() {
		stream.Log(ctx, eventstream.KindWarning,
			"no registered action fits: "+query, eventstream.SeverityWarn,
			eventstream.WithDisplayMessage("The agent needs a capability it does not have."))
		return nil
	}

	output, err := l.execute(ctx, trig, stream, sel)
	if err != nil {
		return err
	}

	if inTask && l.taskRunning(trig.SessionID) {
		delay := rescheduleDelay(output)
		l.reschedule(ctx, trig.SessionID, "continue after "+sel.ActionName, delay, followUpPayload(trig, output))
	}
	return nil
}

// reason asks the LLM what to do next on the current step, composing the
// prompt through the context engine so the system portion stays cacheable.
func (l *Loop) reason(ctx context.Context, trig *trigger.Trigger, stream *eventstream.Stream, guiMode bool) (*reasoning, error) {
	snapshot, ok := l.Tasks.Active()
	if !ok {
		return nil, task.ErrNoActiveTask
	}
	if cur := snapshot.CurrentStep(); cur != nil {
		l.Props.SetCurrentStep(cur.Index)
	}

	system := l.Engine.ComposeSystem(contextengine.Snapshot{
		RoleInfo:        "You are an autonomous agent executing a planned task one action at a time.",
		AgentState:      fmt.Sprintf("actions used: %d, tokens used: %d", l.Props.ActionCount(), l.Props.TokenCount()),
		TaskState:       renderTaskState(snapshot),
		EventStream:     stream.ToPromptSnapshot(true),
		BaseInstruction: l.BaseInstruction,
	})

	callType := gateway.CallTypeReasoning
	if guiMode {
		callType = gateway.CallTypeGUIReasoning
	}
	l.Gateway.CreateSessionCache(trig.SessionID, callType, system)

	userText, err := l.Prompts.Render("reason", map[string]string{
		"context": l.Engine.ComposeUser(contextengine.Snapshot{Query: trig.Reason}),
	})
	if err != nil {
		return nil, err
	}

	var out reasoning
	req := &model.Request{
		SystemInstruction: system,
		Messages:          []*a2a.Message{a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: userText})},
		CallType:          callType,
	}
	if err := l.Gateway.GenerateJSON(ctx, trig.SessionID, req, &out); err != nil {
		return nil, err
	}
	if out.ActionQuery == "" {
		out.ActionQuery = trig.Reason
	}
	return &out, nil
}

func (l *Loop) execute(ctx context.Context, trig *trigger.Trigger, stream *eventstream.Stream, sel router.Selection) (map[string]any, error) {
	stream.Log(ctx, eventstream.KindActionStart, sel.ActionName, eventstream.SeverityInfo,
		eventstream.WithActionName(sel.ActionName))

	sandbox, err := l.sandboxFor(trig.SessionID)
	if err != nil {
		return nil, err
	}

	parentID, _ := trig.Payload["parent_action_id"].(string)
	output, execErr := l.Executor.Run(ctx, trig.SessionID, parentID, sel.ActionName, sel.Parameters, sandbox)
	l.Props.IncrementActions()

	if execErr != nil {
		stream.Log(ctx, eventstream.KindActionEnd,
			fmt.Sprintf("%s failed: %v", sel.ActionName, execErr), eventstream.SeverityError,
			eventstream.WithActionName(sel.ActionName))
		if errors.Is(execErr, action.ErrActionNotFound) {
			return nil, execErr
		}
		// Execution errors are part of the run's output; the loop keeps
		// going and lets the next reasoning call see the failure.
		if output == nil {
			output = map[string]any{"error": execErr.Error()}
		}
		return output, nil
	}

	stream.Log(ctx, eventstream.KindActionEnd, renderOutput(sel.ActionName, output), eventstream.SeverityInfo,
		eventstream.WithActionName(sel.ActionName))
	return output, nil
}

func (l *Loop) describeScreen(ctx context.Context, sessionID string, stream *eventstream.Stream) error {
	png, err := l.Capturer.Capture(ctx)
	if err != nil {
		return err
	}
	desc, err := l.Describer.DescribeScreen(ctx, sessionID, png)
	if err != nil {
		return err
	}
	stream.Log(ctx, eventstream.KindScreen, desc, eventstream.SeverityDebug)
	return nil
}

func (l *Loop) sandboxFor(sessionID string) (*action.Sandbox, error) {
	workDir := ""
	if snapshot, ok := l.Tasks.Active(); ok && snapshot.ID == sessionID {
		workDir = snapshot.TempDir
	}
	if workDir == "" {
		workDir = "."
	}
	return action.NewSandbox(workDir, l.SandboxTimeout)
}

func (l *Loop) taskRunning(sessionID string) bool {
	snapshot, ok := l.Tasks.Active()
	return ok && snapshot.ID == sessionID && snapshot.Status == task.StatusRunning
}

func (l *Loop) reschedule(ctx context.Context, sessionID, reason string, delay time.Duration, payload map[string]any) {
	err := l.Queue.Put(ctx, &trigger.Trigger{
		SessionID: sessionID,
		DueAt:     time.Now().Add(delay),
		Priority:  PriorityFollowUp,
		Reason:    reason,
		Payload:   payload,
	})
	if err != nil {
		slog.Error("agentloop: failed to reschedule", "session_id", sessionID, "error", err)
	}
}

// rescheduleDelay reads fire_at_delay (seconds) from an action's output.
func rescheduleDelay(output map[string]any) time.Duration {
	if output == nil {
		return defaultRescheduleDelay
	}
	switch v := output["fire_at_delay"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultRescheduleDelay
}

func followUpPayload(trig *trigger.Trigger, output map[string]any) map[string]any {
	payload := make(map[string]any, len(trig.Payload)+1)
	for k, v := range trig.Payload {
		payload[k] = v
	}
	if id, ok := output["action_id"].(string); ok && id != "" {
		payload["parent_action_id"] = id
	}
	return payload
}

func renderTaskState(t task.Task) string {
	data, err := json.MarshalIndent(struct {
		Name  string          `json:"name"`
		Goal  string          `json:"goal,omitempty"`
		Todos []task.TodoItem `json:"todos"`
	}{t.Name, t.Goal, t.Todos()}, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

func renderOutput(name string, output map[string]any) string {
	data, err := json.Marshal(output)
	if err != nil {
		return name + " completed"
	}
	return fmt.Sprintf("%s completed: %s", name, data)
}
