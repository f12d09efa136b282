package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriter_AppendAndUpsertSemantics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_logs.txt")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	started := time.Now()
	if err := w.Append(RunRecord{RunID: "r1", SessionID: "s1", Name: "echo", Status: "running", StartedAt: started}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(RunRecord{RunID: "r1", SessionID: "s1", Name: "echo", Status: "success", StartedAt: started, EndedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	// Upsert is last-line-wins per run id.
	latest := make(map[string]RunRecord)
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var rec RunRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		latest[rec.RunID] = rec
	}
	if lines != 2 {
		t.Fatalf("expected 2 append-only lines, got %d", lines)
	}
	if latest["r1"].Status != "success" {
		t.Fatalf("expected last record to win, got %q", latest["r1"].Status)
	}
}

func TestWriter_AppendText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.AppendText("first"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.AppendText("second\n"); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Fatalf("unexpected contents: %q", data)
	}
}
