package contextengine

import (
	"strings"
	"testing"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		RoleInfo:        "You are an agent.",
		AgentState:      "actions used: 2",
		EventStream:     "Recent Event:\n12:00:00 [task]: started",
		TaskState:       `{"name": "demo"}`,
		Policy:          "never delete files",
		Environment:     "os: linux",
		BaseInstruction: "work stepwise",
		Query:           "what next?",
		ExpectedOutput:  "JSON",
	}
}

func TestComposeSystem_FlagGating(t *testing.T) {
	e := New(DefaultSystemFlags(), UserFlags{})
	out := e.ComposeSystem(sampleSnapshot())

	for _, want := range []string{"## Role", "## Agent State", "## Event Stream", "## Task State", "## Environment", "## Instructions"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected section %q in system prompt:\n%s", want, out)
		}
	}
	// Policy defaults off to save tokens.
	if strings.Contains(out, "## Policy") {
		t.Fatal("policy section must be off by default")
	}
}

func TestComposeSystem_Deterministic(t *testing.T) {
	e := New(DefaultSystemFlags(), UserFlags{})
	s := sampleSnapshot()
	first := e.ComposeSystem(s)
	for i := 0; i < 10; i++ {
		if e.ComposeSystem(s) != first {
			t.Fatal("system prompt composition must be deterministic")
		}
	}
}

func TestComposeSystem_EmptySectionsOmitted(t *testing.T) {
	e := New(DefaultSystemFlags(), UserFlags{})
	out := e.ComposeSystem(Snapshot{RoleInfo: "role only"})
	if strings.Contains(out, "## Event Stream") {
		t.Fatal("empty sections must not leave dangling headers")
	}
	if !strings.HasPrefix(out, "## Role") {
		t.Fatalf("unexpected composition: %q", out)
	}
}

func TestComposeUser(t *testing.T) {
	e := New(SystemFlags{}, UserFlags{Query: true, ExpectedOutput: true})
	out := e.ComposeUser(sampleSnapshot())
	if !strings.Contains(out, "## Query") || !strings.Contains(out, "## Expected Output") {
		t.Fatalf("expected both user sections, got %q", out)
	}
}
