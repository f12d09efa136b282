package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func threeSteps() []Step {
	return []Step{
		{Name: "gather inputs", ActiveForm: "Gathering inputs"},
		{Name: "do the work", ActiveForm: "Doing the work"},
		{Name: "verify output", ActiveForm: "Verifying output"},
	}
}

func TestNewID(t *testing.T) {
	id := NewID("Summarize Q3 Report!")
	if !strings.HasPrefix(id, "summarize-q3-report-") {
		t.Fatalf("unexpected slug: %q", id)
	}
	if strings.ContainsAny(id, " /\\:!") {
		t.Fatalf("id not filesystem-safe: %q", id)
	}
	if NewID("x") == NewID("x") {
		t.Fatal("expected random suffix to differ between calls")
	}
}

func TestTask_SingleCurrentInvariant(t *testing.T) {
	tk := &Task{Steps: normalizeSteps(threeSteps())}

	if err := tk.SetCurrentStep(0); err != nil {
		t.Fatalf("first promotion: %v", err)
	}
	if err := tk.SetCurrentStep(1); err == nil {
		t.Fatal("expected error promoting a second step while one is current")
	}

	if err := tk.FinalizeCurrentStep(StepCompleted, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := tk.SetCurrentStep(1); err != nil {
		t.Fatalf("promotion after finalize: %v", err)
	}

	// Only pending steps may become current.
	if err := tk.FinalizeCurrentStep(StepFailed, "boom"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := tk.SetCurrentStep(0); err == nil {
		t.Fatal("expected error promoting a completed step")
	}
}

func TestTask_FinalizeRequiresTerminalStatus(t *testing.T) {
	tk := &Task{Steps: normalizeSteps(threeSteps())}
	_ = tk.SetCurrentStep(0)
	if err := tk.FinalizeCurrentStep(StepPending, ""); err == nil {
		t.Fatal("expected error finalizing with non-terminal status")
	}
}

func TestTask_TodosProjection(t *testing.T) {
	tk := &Task{Steps: normalizeSteps(threeSteps())}
	_ = tk.SetCurrentStep(0)

	todos := tk.Todos()
	if len(todos) != 3 {
		t.Fatalf("expected 3 todos, got %d", len(todos))
	}
	if todos[0].Status != TodoInProgress {
		t.Fatalf("expected in_progress, got %s", todos[0].Status)
	}
	if todos[0].ActiveForm != "Gathering inputs" {
		t.Fatalf("expected active form preserved, got %q", todos[0].ActiveForm)
	}
	if todos[1].Status != TodoPending || todos[2].Status != TodoPending {
		t.Fatal("expected remaining todos pending")
	}
}

func TestTask_CurrentOrNextStep(t *testing.T) {
	tk := &Task{Steps: normalizeSteps(threeSteps())}
	if s := tk.CurrentOrNextStep(); s == nil || s.Index != 0 {
		t.Fatal("expected first pending step when none current")
	}
	_ = tk.SetCurrentStep(1)
	if s := tk.CurrentOrNextStep(); s == nil || s.Index != 1 {
		t.Fatal("expected the current step once one exists")
	}

	for i := range tk.Steps {
		tk.Steps[i].Status = StepCompleted
	}
	if s := tk.CurrentOrNextStep(); s != nil {
		t.Fatalf("expected nil with all steps terminal, got %+v", s)
	}
}

type stubPlanner struct {
	plan    *Plan
	planErr error
	update  *Plan
}

func (p *stubPlanner) Plan(context.Context, string, string) (*Plan, error) {
	return p.plan, p.planErr
}

func (p *stubPlanner) Update(_ context.Context, _ Task, _ string, _ bool) (*Plan, error) {
	return p.update, nil
}

func newTestManager(t *testing.T, p Planner) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{Planner: p, Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestManager_CreateTask(t *testing.T) {
	planner := &stubPlanner{plan: &Plan{Goal: "done when verified", Steps: threeSteps()}}
	m := newTestManager(t, planner)

	id, err := m.CreateTask(context.Background(), "My Task", "do it")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tk, ok := m.Active()
	if !ok {
		t.Fatal("expected active task")
	}
	if tk.ID != id || tk.Status != StatusRunning {
		t.Fatalf("unexpected task: %+v", tk)
	}
	if cur := tk.CurrentStep(); cur == nil || cur.Index != 0 {
		t.Fatal("expected first step promoted to current")
	}
	if _, err := os.Stat(tk.TempDir); err != nil {
		t.Fatalf("expected temp dir provisioned: %v", err)
	}

	if _, err := m.CreateTask(context.Background(), "Second", "no"); !errors.Is(err, ErrTaskActive) {
		t.Fatalf("expected ErrTaskActive, got %v", err)
	}
}

func TestManager_CreateTask_PlannerFailureYieldsFallback(t *testing.T) {
	planner := &stubPlanner{planErr: fmt.Errorf("model returned garbage")}
	m := newTestManager(t, planner)

	if _, err := m.CreateTask(context.Background(), "Broken", "x"); err != nil {
		t.Fatalf("create should absorb planner failure: %v", err)
	}
	tk, _ := m.Active()
	if len(tk.Steps) != 1 || tk.Steps[0].Status != StepFailed {
		t.Fatalf("expected single failed fallback step, got %+v", tk.Steps)
	}
	if !strings.Contains(tk.Steps[0].FailureMessage, "garbage") {
		t.Fatalf("expected diagnostic preserved, got %q", tk.Steps[0].FailureMessage)
	}
}

func TestManager_StartNextStepAdvancesAndAutoCompletes(t *testing.T) {
	planner := &stubPlanner{plan: &Plan{Steps: threeSteps()[:2]}}
	m := newTestManager(t, planner)
	ctx := context.Background()

	_, err := m.CreateTask(ctx, "two step", "x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.StartNextStep(ctx, false); err != nil {
		t.Fatalf("next: %v", err)
	}
	tk, _ := m.Active()
	if tk.Steps[0].Status != StepCompleted {
		t.Fatalf("expected step 0 completed, got %s", tk.Steps[0].Status)
	}
	if cur := tk.CurrentStep(); cur == nil || cur.Index != 1 {
		t.Fatal("expected step 1 promoted")
	}

	if err := m.StartNextStep(ctx, false); err != nil {
		t.Fatalf("final next: %v", err)
	}
	if _, ok := m.Active(); ok {
		t.Fatal("expected task auto-completed and deactivated")
	}
}

func TestManager_UpdatePlanPreservesCompletedSteps(t *testing.T) {
	steps := threeSteps()
	planner := &stubPlanner{plan: &Plan{Steps: steps}}
	m := newTestManager(t, planner)
	ctx := context.Background()

	if _, err := m.CreateTask(ctx, "replan me", "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.StartNextStep(ctx, false); err != nil {
		t.Fatalf("next: %v", err)
	}

	// The planner rewrites everything, including the already-completed
	// step 0; the manager must carry the original through.
	planner.update = &Plan{Steps: []Step{
		{Index: 0, Name: "REWRITTEN", Status: StepPending},
		{Index: 1, Name: "new middle", Status: StepPending},
		{Index: 2, Name: "new tail", Status: StepPending},
	}}
	if err := m.UpdateTaskPlan(ctx, "events...", false); err != nil {
		t.Fatalf("update: %v", err)
	}

	tk, _ := m.Active()
	if tk.Steps[0].Name != "gather inputs" || tk.Steps[0].Status != StepCompleted {
		t.Fatalf("expected completed step preserved verbatim, got %+v", tk.Steps[0])
	}
	if cur := tk.CurrentStep(); cur == nil {
		t.Fatal("expected exactly one current step after update")
	}
}

func TestManager_MarkCompletedCleansTempDir(t *testing.T) {
	planner := &stubPlanner{plan: &Plan{Steps: threeSteps()}}
	m := newTestManager(t, planner)
	ctx := context.Background()

	var terminalID string
	m.onTerminal = func(id string) { terminalID = id }

	id, _ := m.CreateTask(ctx, "cleanup", "x")
	tk, _ := m.Active()

	if err := m.MarkCompleted(ctx, "all good"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if terminalID != id {
		t.Fatalf("expected terminal hook with %s, got %s", id, terminalID)
	}
	if _, err := os.Stat(tk.TempDir); !os.IsNotExist(err) {
		t.Fatal("expected temp dir removed on success")
	}
	if _, ok := m.Active(); ok {
		t.Fatal("expected no active task after completion")
	}
}

func TestManager_MarkErrorPreservesTempDir(t *testing.T) {
	planner := &stubPlanner{plan: &Plan{Steps: threeSteps()}}
	m := newTestManager(t, planner)
	ctx := context.Background()

	_, _ = m.CreateTask(ctx, "fails", "x")
	tk, _ := m.Active()
	marker := filepath.Join(tk.TempDir, "debug.txt")
	if err := os.WriteFile(marker, []byte("state"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	if err := m.MarkError(ctx, "exploded"); err != nil {
		t.Fatalf("error: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatal("expected temp dir preserved on error for debugging")
	}
}
