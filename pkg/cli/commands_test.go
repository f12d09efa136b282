package cli

import (
	"context"
	"strings"
	"testing"
)

func TestDispatch_PlainInputIsNotACommand(t *testing.T) {
	r := NewRegistry(Hooks{})
	_, ok, err := r.Dispatch(context.Background(), "hello there")
	if ok || err != nil {
		t.Fatalf("plain text must pass through, got ok=%v err=%v", ok, err)
	}
}

func TestDispatch_Help(t *testing.T) {
	r := NewRegistry(Hooks{})
	out, ok, err := r.Dispatch(context.Background(), "/help")
	if !ok || err != nil {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	for _, name := range []string{"/exit", "/clear", "/reset", "/menu", "/help"} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected %s listed by /help, got:\n%s", name, out)
		}
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	r := NewRegistry(Hooks{})
	_, ok, err := r.Dispatch(context.Background(), "/frobnicate")
	if !ok || err == nil {
		t.Fatal("expected unknown-command error")
	}
}

func TestDispatch_HookArgs(t *testing.T) {
	var gotArgs string
	r := NewRegistry(Hooks{
		Clear: func(_ context.Context, args string) (string, error) {
			gotArgs = args
			return "cleared", nil
		},
	})

	out, ok, err := r.Dispatch(context.Background(), "/clear session-42")
	if !ok || err != nil {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	if out != "cleared" || gotArgs != "session-42" {
		t.Fatalf("unexpected result %q args %q", out, gotArgs)
	}
}

func TestRegister_AgentExtensible(t *testing.T) {
	r := NewRegistry(Hooks{})
	r.Register(Command{Name: "status", Description: "Show status.", Run: func(context.Context, string) (string, error) {
		return "ok", nil
	}})

	out, ok, err := r.Dispatch(context.Background(), "/status")
	if !ok || err != nil || out != "ok" {
		t.Fatalf("expected registered command to run, got %q ok=%v err=%v", out, ok, err)
	}
}
