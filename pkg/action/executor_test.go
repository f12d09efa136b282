package action

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basalt-run/kernel/pkg/store"
)

func newTestSandbox(t *testing.T) *Sandbox {
	sb, err := NewSandbox(filepath.Join(t.TempDir(), "work"), 5*time.Second)
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	return sb
}

func newTestHistory(t *testing.T) (*store.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	w, err := store.Open(path)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

// readHistory returns the latest record per run id, mirroring how upserted
// JSONL is consumed.
func readHistory(t *testing.T, path string) map[string]store.RunRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	out := make(map[string]store.RunRecord)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec store.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("parse history line: %v", err)
		}
		out[rec.RunID] = rec
	}
	return out
}

func TestParseStdout_SalvagesNoisyOutput(t *testing.T) {
	out, err := ParseStdout("\x1b[31mBanner\x1b[0m\n{\"a\":1}\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["a"] != float64(1) {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestParseStdout_TakesLastValue(t *testing.T) {
	out, err := ParseStdout("STARTING\n{\"progress\": 50}\n{\"result\": 42}\nDONE")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["result"] != float64(42) {
		t.Fatalf("expected last JSON value, got %+v", out)
	}
	if _, ok := out["progress"]; ok {
		t.Fatal("earlier JSON value must not leak into the result")
	}
}

func TestParseStdout_BracketsInsideStrings(t *testing.T) {
	out, err := ParseStdout(`{"msg": "see {docs} and [notes]"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["msg"] != "see {docs} and [notes]" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestParseStdout_NoJSON(t *testing.T) {
	if _, err := ParseStdout("just some logs\n"); err == nil {
		t.Fatal("expected error for JSON-free stdout")
	}
}

func TestCommandAction_ParseSalvage(t *testing.T) {
	spec := &Spec{
		Name:        "noisy",
		Description: "prints a banner before its result",
		Body:        `echo STARTING; echo '{"result": 42}'; echo DONE`,
	}
	a, err := NewFromSpec(spec)
	if err != nil {
		t.Fatalf("from spec: %v", err)
	}

	out, err := a.Run(context.Background(), newTestSandbox(t), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["result"] != float64(42) {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestCommandAction_NonZeroExitIsStructured(t *testing.T) {
	spec := &Spec{Name: "boom", Body: `echo oops >&2; exit 3`}
	a, err := NewFromSpec(spec)
	if err != nil {
		t.Fatalf("from spec: %v", err)
	}

	out, err := a.Run(context.Background(), newTestSandbox(t), nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if out["returncode"] != 3 {
		t.Fatalf("expected returncode 3, got %+v", out)
	}
	if out["stderr"] != "oops" {
		t.Fatalf("expected stderr captured, got %+v", out)
	}
}

func TestSpec_RoundTrip(t *testing.T) {
	orig := &Spec{
		Name:        "fetch page",
		Description: "downloads a page",
		Body:        "curl -s \"$URL\"",
		InputSchema: map[string]SchemaField{
			"url": {Type: "string", Description: "page to fetch"},
		},
		Observer: &ObserverSpec{Body: `echo '{"success": true, "message": "ok"}'`, MaxRetries: 2, RetryIntervalSec: 0.5},
		Mode:     "CLI",
	}

	path := filepath.Join(t.TempDir(), "fetch.json")
	if err := SaveSpec(path, orig); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadSpec(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Defaults are filled on load.
	if loaded.Type != TypeAtomic || loaded.ExecutionMode != "sandboxed" {
		t.Fatalf("expected defaults filled, got %+v", loaded)
	}
	loaded.Type = ""
	loaded.ExecutionMode = ""

	origJSON, _ := json.Marshal(orig)
	loadedJSON, _ := json.Marshal(loaded)
	if string(origJSON) != string(loadedJSON) {
		t.Fatalf("round trip changed spec:\n%s\n%s", origJSON, loadedJSON)
	}
}

func TestExecutor_DivisibleCollectsOutputsAndHistory(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"A", "B"} {
		spec := &Spec{Name: name, Body: `echo '{"ok": true, "v": 7}'`}
		a, err := NewFromSpec(spec)
		if err != nil {
			t.Fatalf("from spec: %v", err)
		}
		reg.Register(a)
	}
	parent, err := NewFromSpec(&Spec{Name: "X", Type: TypeDivisible, SubActions: []string{"A", "B"}})
	if err != nil {
		t.Fatalf("parent spec: %v", err)
	}
	reg.Register(parent)

	history, path := newTestHistory(t)
	exec := NewExecutor(reg, history, nil)

	out, err := exec.Run(context.Background(), "sess", "", "X", map[string]any{"n": 1}, newTestSandbox(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, sub := range []string{"A", "B"} {
		subOut, ok := out[sub].(map[string]any)
		if !ok {
			t.Fatalf("expected output for %s, got %+v", sub, out)
		}
		if subOut["ok"] != true || subOut["v"] != float64(7) {
			t.Fatalf("unexpected sub output: %+v", subOut)
		}
	}

	records := readHistory(t, path)
	if len(records) != 3 {
		t.Fatalf("expected 3 history rows (parent + 2 children), got %d", len(records))
	}
	parentID := out["action_id"].(string)
	children := 0
	for _, rec := range records {
		switch rec.RunID {
		case parentID:
			if rec.ActionType != TypeDivisible || rec.Status != StatusSuccess {
				t.Fatalf("unexpected parent row: %+v", rec)
			}
		default:
			children++
			if rec.ParentID != parentID {
				t.Fatalf("child row not linked to parent: %+v", rec)
			}
			if rec.Status != StatusSuccess {
				t.Fatalf("unexpected child status: %+v", rec)
			}
		}
	}
	if children != 2 {
		t.Fatalf("expected 2 child rows, got %d", children)
	}
}

func TestExecutor_ObserverRejectionMarksError(t *testing.T) {
	reg := NewRegistry()
	spec := &Spec{
		Name: "checked",
		Body: `echo '{"done": true}'`,
		Observer: &ObserverSpec{
			Body:       `echo '{"success": false, "message": "file missing"}'`,
			MaxRetries: 2,
		},
	}
	a, err := NewFromSpec(spec)
	if err != nil {
		t.Fatalf("from spec: %v", err)
	}
	reg.Register(a)

	history, path := newTestHistory(t)
	exec := NewExecutor(reg, history, nil)

	out, err := exec.Run(context.Background(), "sess", "", "checked", nil, newTestSandbox(t))
	if !errors.Is(err, ErrObserverFailed) {
		t.Fatalf("expected ErrObserverFailed, got %v", err)
	}
	if out["observation"] != "file missing" {
		t.Fatalf("expected observation merged into output, got %+v", out)
	}

	records := readHistory(t, path)
	rec := records[out["action_id"].(string)]
	if rec.Status != StatusError {
		t.Fatalf("expected history status error, got %s", rec.Status)
	}
}

func TestExecutor_ObserverAcceptanceMergesObservation(t *testing.T) {
	reg := NewRegistry()
	spec := &Spec{
		Name:     "verified",
		Body:     `echo '{"done": true}'`,
		Observer: &ObserverSpec{Body: `echo '{"success": true, "message": "looks good"}'`},
	}
	a, _ := NewFromSpec(spec)
	reg.Register(a)

	exec := NewExecutor(reg, nil, nil)
	out, err := exec.Run(context.Background(), "sess", "", "verified", nil, newTestSandbox(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["observation"] != "looks good" {
		t.Fatalf("expected observation merged, got %+v", out)
	}
}

func TestExecutor_UnknownAction(t *testing.T) {
	exec := NewExecutor(NewRegistry(), nil, nil)
	_, err := exec.Run(context.Background(), "sess", "", "ghost", nil, newTestSandbox(t))
	if !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
}

func TestExecutor_CancellationProducesStructuredOutput(t *testing.T) {
	reg := NewRegistry()
	a, _ := NewFromSpec(&Spec{Name: "slow", Body: `sleep 30; echo '{}'`})
	reg.Register(a)

	history, path := newTestHistory(t)
	exec := NewExecutor(reg, history, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := exec.Run(ctx, "sess", "", "slow", nil, newTestSandbox(t))
	if err != nil {
		t.Fatalf("cancellation must not surface as a bare error, got %v", err)
	}
	if out["error_code"] != "cancelled" {
		t.Fatalf("expected cancelled error code, got %+v", out)
	}

	records := readHistory(t, path)
	rec := records[out["action_id"].(string)]
	if rec.Status != StatusCancelled {
		t.Fatalf("expected history row cancelled, got %s", rec.Status)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(EchoAction{})

	if _, err := reg.Get("echo"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := reg.Get("missing"); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected one action listed")
	}
}
