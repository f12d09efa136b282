package agentloop

import (
	"context"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/action"
	"github.com/basalt-run/kernel/pkg/contextengine"
	"github.com/basalt-run/kernel/pkg/eventstream"
	"github.com/basalt-run/kernel/pkg/gateway"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/prompt"
	"github.com/basalt-run/kernel/pkg/router"
	"github.com/basalt-run/kernel/pkg/task"
	"github.com/basalt-run/kernel/pkg/trigger"
)

// callTypeLLM answers each call type with a fixed reply, which keeps the
// test independent of how many calls an iteration makes.
type callTypeLLM struct {
	replies map[string]string
	tokens  int
}

func (f *callTypeLLM) Name() string             { return "fake" }
func (f *callTypeLLM) Provider() model.Provider { return model.ProviderOllama }
func (f *callTypeLLM) Close() error             { return nil }

func (f *callTypeLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	reply, ok := f.replies[req.CallType]
	if !ok {
		reply = "{}"
	}
	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{
			Content: &model.Content{Parts: []a2a.Part{a2a.TextPart{Text: reply}}},
			Usage:   &model.Usage{PromptTokens: f.tokens, CompletionTokens: 0},
		}, nil)
	}
}

type scriptedPlanner struct{}

func (scriptedPlanner) Plan(context.Context, string, string) (*task.Plan, error) {
	steps := make([]task.Step, 10)
	for i := range steps {
		steps[i] = task.Step{Name: "step", Description: "do work", ActionInstruction: "run echo"}
	}
	return &task.Plan{Goal: "finish all steps", Steps: steps}, nil
}

func (scriptedPlanner) Update(_ context.Context, t task.Task, _ string, _ bool) (*task.Plan, error) {
	return &task.Plan{Goal: t.Goal, Steps: t.Steps}, nil
}

func newTestLoop(t *testing.T, llm model.LLM, maxActions int) (*Loop, *trigger.Queue, string) {
	t.Helper()

	props := NewProperties(maxActions, 0)
	gw, err := gateway.New(gateway.Config{LLM: llm, Tokens: props})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	registry := action.NewRegistry()
	registry.Register(action.EchoAction{})

	prompts := prompt.NewRegistry("")
	rtr, err := router.New(gw, registry, prompts, nil)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	queue := trigger.New(nil)
	streams := NewStreamSet(eventstream.Config{}, "")

	tasks, err := task.NewManager(task.ManagerConfig{
		Planner:    scriptedPlanner{},
		Workspace:  t.TempDir(),
		Queue:      queue,
		Events:     streams,
		OnTerminal: func(string) { props.ResetBudgets() },
	})
	if err != nil {
		t.Fatalf("task manager: %v", err)
	}

	id, err := tasks.CreateTask(context.Background(), "budget demo", "run until stopped")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	loop := &Loop{
		Queue:          queue,
		Gateway:        gw,
		Router:         rtr,
		Executor:       action.NewExecutor(registry, nil, nil),
		Tasks:          tasks,
		Engine:         contextengine.New(contextengine.DefaultSystemFlags(), contextengine.UserFlags{Query: true}),
		Props:          props,
		Streams:        streams,
		Prompts:        prompts,
		SandboxTimeout: 5 * time.Second,
	}
	return loop, queue, id
}

func standardReplies() map[string]string {
	return map[string]string{
		gateway.CallTypeReasoning:       `{"reasoning": "echo something", "action_query": "echo a message"}`,
		gateway.CallTypeActionSelection: `{"action_name": "echo", "parameters": {"message": "hello"}}`,
	}
}

func TestLoop_ExecutesAndReschedules(t *testing.T) {
	llm := &callTypeLLM{replies: standardReplies()}
	loop, queue, id := newTestLoop(t, llm, 100)

	loop.HandleTrigger(context.Background(), &trigger.Trigger{SessionID: id, DueAt: time.Now(), Reason: "start"})

	if got := loop.Props.ActionCount(); got != 1 {
		t.Fatalf("expected one action executed, got %d", got)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected follow-up trigger enqueued, got %d", queue.Len())
	}

	stream := loop.Streams.Get(id)
	snapshot := stream.ToPromptSnapshot(false)
	if !strings.Contains(snapshot, "[action_start]: echo") {
		t.Fatalf("expected action_start event, got:\n%s", snapshot)
	}
	if !strings.Contains(snapshot, "[action_end]") {
		t.Fatalf("expected action_end event, got:\n%s", snapshot)
	}
}

func TestLoop_BudgetTripCancelsTask(t *testing.T) {
	llm := &callTypeLLM{replies: standardReplies()}
	loop, queue, id := newTestLoop(t, llm, 5)
	ctx := context.Background()

	// Drive iterations; the loop must stop executing at the budget, not
	// run all 10 planned steps.
	for i := 0; i < 8; i++ {
		loop.HandleTrigger(ctx, &trigger.Trigger{SessionID: id, DueAt: time.Now(), Reason: "next"})
		if _, ok := loop.Tasks.Active(); !ok {
			break
		}
	}

	if got := loop.Props.ActionCount(); got > 5 {
		t.Fatalf("loop executed action #%d past the budget of 5", got)
	}
	if _, ok := loop.Tasks.Active(); ok {
		t.Fatal("expected task cancelled once budget was exhausted")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected queued triggers purged on cancellation, got %d", queue.Len())
	}

	stream := loop.Streams.Get(id)
	snapshot := stream.ToPromptSnapshot(false)
	if !strings.Contains(snapshot, "100%") {
		t.Fatalf("expected a budget warning containing 100%%, got:\n%s", snapshot)
	}
}

func TestLoop_TokenBudgetCountsGatewayTraffic(t *testing.T) {
	llm := &callTypeLLM{replies: standardReplies(), tokens: 60_000}
	loop, _, id := newTestLoop(t, llm, 100)
	ctx := context.Background()

	// Each iteration makes two LLM calls at 60k prompt tokens each, so
	// the 100k floor trips after the first iteration.
	loop.HandleTrigger(ctx, &trigger.Trigger{SessionID: id, DueAt: time.Now(), Reason: "start"})
	loop.HandleTrigger(ctx, &trigger.Trigger{SessionID: id, DueAt: time.Now(), Reason: "next"})

	if _, ok := loop.Tasks.Active(); ok {
		t.Fatal("expected task cancelled on token budget")
	}
}

func TestLoop_CreateNewSignalStopsIteration(t *testing.T) {
	replies := standardReplies()
	replies[gateway.CallTypeActionSelection] = `{"action_name": "", "parameters": {}}`
	llm := &callTypeLLM{replies: replies}
	loop, queue, id := newTestLoop(t, llm, 100)

	loop.HandleTrigger(context.Background(), &trigger.Trigger{SessionID: id, DueAt: time.Now(), Reason: "start"})

	if got := loop.Props.ActionCount(); got != 0 {
		t.Fatalf("no action should run on a create-new signal, got %d", got)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected no follow-up on create-new, got %d", queue.Len())
	}
}

func TestProperties_Floors(t *testing.T) {
	p := NewProperties(1, 1)
	b := p.Budgets()
	if b.ActionFraction != 0 || b.TokenFraction != 0 {
		t.Fatalf("unexpected initial budgets: %+v", b)
	}
	for i := 0; i < MinActionsPerTask-1; i++ {
		p.IncrementActions()
	}
	if p.Budgets().Exceeded() {
		t.Fatal("floor of 5 actions must apply despite configured 1")
	}
	p.IncrementActions()
	if !p.Budgets().Exceeded() {
		t.Fatal("expected budget exceeded at the floor")
	}
}

func TestProperties_WarnThreshold(t *testing.T) {
	p := NewProperties(10, 0)
	for i := 0; i < 8; i++ {
		p.IncrementActions()
	}
	b := p.Budgets()
	if !b.NearLimit() || b.Exceeded() {
		t.Fatalf("expected warn-but-continue at 80%%, got %+v", b)
	}
}

func TestProperties_Reset(t *testing.T) {
	p := NewProperties(5, 0)
	p.IncrementActions()
	p.AddTokens(500)
	p.ResetBudgets()
	if p.ActionCount() != 0 || p.TokenCount() != 0 {
		t.Fatal("expected counters zeroed")
	}
}
