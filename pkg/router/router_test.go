package router

import (
	"context"
	"iter"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/action"
	"github.com/basalt-run/kernel/pkg/gateway"
	"github.com/basalt-run/kernel/pkg/model"
	"github.com/basalt-run/kernel/pkg/prompt"
)

type scriptedLLM struct {
	replies []string
	calls   int
}

func (f *scriptedLLM) Name() string             { return "fake" }
func (f *scriptedLLM) Provider() model.Provider { return model.ProviderOllama }
func (f *scriptedLLM) Close() error             { return nil }

func (f *scriptedLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	reply := f.replies[len(f.replies)-1]
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{Content: &model.Content{Parts: []a2a.Part{a2a.TextPart{Text: reply}}}}, nil)
	}
}

type namedAction struct {
	name string
	vis  action.Visibility
}

func (a namedAction) Name() string                  { return a.name }
func (a namedAction) Description() string           { return "test action " + a.name }
func (a namedAction) Divisible() bool               { return false }
func (a namedAction) Visibility() action.Visibility { return a.vis }
func (a namedAction) Schema() map[string]any        { return nil }
func (a namedAction) Run(context.Context, *action.Sandbox, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

type stubSearch struct{ names []string }

func (s stubSearch) SearchActions(context.Context, string, int) ([]string, error) {
	return s.names, nil
}

func newTestRouter(t *testing.T, llm model.LLM, search ActionSearcher, actions ...action.Action) *Router {
	t.Helper()
	reg := action.NewRegistry()
	for _, a := range actions {
		reg.Register(a)
	}
	gw, err := gateway.New(gateway.Config{LLM: llm})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	r, err := New(gw, reg, prompt.NewRegistry(""), search)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return r
}

func TestRoute_SelectsValidCandidate(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"action_name": "send message", "parameters": {"text": "hi"}}`}}
	r := newTestRouter(t, llm, nil,
		namedAction{name: "send message", vis: action.VisibilityAll},
		namedAction{name: "ignore", vis: action.VisibilityAll},
	)

	sel, err := r.Route(context.Background(), "", ModeConversation, "greet the user")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if sel.ActionName != "send message" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if sel.Parameters["text"] != "hi" {
		t.Fatalf("expected parameters preserved, got %+v", sel.Parameters)
	}
}

func TestRoute_RetriesOnUnknownName(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"action_name": "made up action", "parameters": {}}`,
		`{"action_name": "send message", "parameters": {}}`,
	}}
	r := newTestRouter(t, llm, nil, namedAction{name: "send message", vis: action.VisibilityAll})

	sel, err := r.Route(context.Background(), "", ModeConversation, "greet")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if sel.ActionName != "send message" {
		t.Fatalf("expected retry to converge, got %+v", sel)
	}
	if llm.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", llm.calls)
	}
}

func TestRoute_FailsAfterPersistentUnknownName(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"action_name": "ghost", "parameters": {}}`}}
	r := newTestRouter(t, llm, nil, namedAction{name: "send message", vis: action.VisibilityAll})

	if _, err := r.Route(context.Background(), "", ModeConversation, "greet"); err == nil {
		t.Fatal("expected error after exhausting name-validation retries")
	}
}

func TestRoute_EmptyNameMeansCreateNew(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"action_name": "", "parameters": {}}`}}
	r := newTestRouter(t, llm, nil, namedAction{name: "send message", vis: action.VisibilityAll})

	sel, err := r.Route(context.Background(), "", ModeConversation, "do something novel")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !sel.CreateNew() {
		t.Fatalf("expected create-new signal, got %+v", sel)
	}
}

func TestCandidates_ConversationAllowlist(t *testing.T) {
	r := newTestRouter(t, &scriptedLLM{replies: []string{"{}"}}, nil,
		namedAction{name: "send message", vis: action.VisibilityAll},
		namedAction{name: "ignore", vis: action.VisibilityAll},
		namedAction{name: "shell", vis: action.VisibilityAll},
	)

	candidates, err := r.Candidates(context.Background(), ModeConversation, "")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	names := nameSet(candidates)
	if !names["send message"] || !names["ignore"] {
		t.Fatalf("expected allowlisted actions, got %v", names)
	}
	if names["shell"] {
		t.Fatal("shell must not appear in conversation mode")
	}
}

func TestCandidates_TaskCLIExcludesDenylistAndGUI(t *testing.T) {
	r := newTestRouter(t, &scriptedLLM{replies: []string{"{}"}}, stubSearch{names: []string{"click button"}},
		namedAction{name: "shell", vis: action.VisibilityAll},
		namedAction{name: "ignore", vis: action.VisibilityAll},
		namedAction{name: "click button", vis: action.VisibilityGUI},
	)

	candidates, err := r.Candidates(context.Background(), ModeTaskCLI, "run a command")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	names := nameSet(candidates)
	if !names["shell"] {
		t.Fatal("expected CLI-visible action present")
	}
	if names["ignore"] {
		t.Fatal("denylisted action must be excluded in task mode")
	}
	if names["click button"] {
		t.Fatal("GUI-only action must be excluded in CLI mode")
	}
}

func TestCandidates_GUIOnlySearchResults(t *testing.T) {
	r := newTestRouter(t, &scriptedLLM{replies: []string{"{}"}}, stubSearch{names: []string{"click button", "shell"}},
		namedAction{name: "shell", vis: action.VisibilityCLI},
		namedAction{name: "click button", vis: action.VisibilityGUI},
	)

	candidates, err := r.Candidates(context.Background(), ModeTaskGUI, "press the button")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	names := nameSet(candidates)
	if !names["click button"] || names["shell"] {
		t.Fatalf("expected only GUI-visible searched actions, got %v", names)
	}
}

func TestCandidates_UnsetModeVisibleEverywhere(t *testing.T) {
	r := newTestRouter(t, &scriptedLLM{replies: []string{"{}"}}, stubSearch{names: []string{"fetch page"}},
		namedAction{name: "fetch page", vis: action.VisibilityNone},
	)

	cli, err := r.Candidates(context.Background(), ModeTaskCLI, "download something")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if !nameSet(cli)["fetch page"] {
		t.Fatal("action with no declared mode must be offered in CLI mode")
	}

	gui, err := r.Candidates(context.Background(), ModeTaskGUI, "download something")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if !nameSet(gui)["fetch page"] {
		t.Fatal("action with no declared mode must be offered in GUI mode")
	}
}

func TestCandidates_SimpleTaskExcludesTodoActions(t *testing.T) {
	r := newTestRouter(t, &scriptedLLM{replies: []string{"{}"}}, nil,
		namedAction{name: "shell", vis: action.VisibilityAll},
		namedAction{name: "update todos", vis: action.VisibilityAll},
	)

	candidates, err := r.Candidates(context.Background(), ModeSimpleTask, "")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	names := nameSet(candidates)
	if names["update todos"] {
		t.Fatal("todo management must be excluded in simple-task mode")
	}
}

func nameSet(actions []action.Action) map[string]bool {
	out := make(map[string]bool, len(actions))
	for _, a := range actions {
		out[a.Name()] = true
	}
	return out
}
