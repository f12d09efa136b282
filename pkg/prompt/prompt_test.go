package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistry_EmbeddedDefaults(t *testing.T) {
	r := NewRegistry("")
	for _, name := range []string{"plan_task", "update_plan", "select_action", "reason", "describe_screen"} {
		tmpl, err := r.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if strings.TrimSpace(tmpl) == "" {
			t.Fatalf("template %s is empty", name)
		}
	}
	if _, err := r.Get("no-such-template"); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestRegistry_Render(t *testing.T) {
	r := NewRegistry("")
	out, err := r.Render("select_action", map[string]string{
		"query":      "open the report",
		"candidates": "- open file: opens a file",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "open the report") || !strings.Contains(out, "- open file") {
		t.Fatalf("placeholders not substituted:\n%s", out)
	}
	if strings.Contains(out, "{query}") {
		t.Fatal("placeholder left behind")
	}
}

func TestRegistry_OverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "reason.txt"), []byte("custom {context}"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	r := NewRegistry(dir)
	out, err := r.Render("reason", map[string]string{"context": "X"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "custom X" {
		t.Fatalf("expected override to win, got %q", out)
	}
}
