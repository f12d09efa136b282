package cache

import (
	"testing"
	"time"

	"github.com/basalt-run/kernel/pkg/model"
)

func TestManager_ResponsesStyleChaining(t *testing.T) {
	m := New(0, 0, 0)

	opts := m.Prepare("t1", "reasoning", StyleResponses, 1000)
	if opts == nil || opts.PreviousResponseID != "" {
		t.Fatalf("first call must start a fresh chain, got %+v", opts)
	}

	m.Record("t1", "reasoning", StyleResponses, &model.Response{ResponseID: "resp_9"})
	opts = m.Prepare("t1", "reasoning", StyleResponses, 1000)
	if opts.PreviousResponseID != "resp_9" {
		t.Fatalf("expected chaining onto resp_9, got %+v", opts)
	}

	// Call types partition independently.
	opts = m.Prepare("t1", "action_selection", StyleResponses, 1000)
	if opts.PreviousResponseID != "" {
		t.Fatal("call types must not share chains")
	}
}

func TestManager_MinTokensGate(t *testing.T) {
	m := New(500, 0, 0)
	if opts := m.Prepare("t1", "reasoning", StyleResponses, 100); opts != nil {
		t.Fatalf("prompts under the token floor must go uncached, got %+v", opts)
	}
	if opts := m.Prepare("t1", "reasoning", StyleResponses, 600); opts == nil {
		t.Fatal("prompts over the floor must get caching directives")
	}
}

func TestManager_StyleNone(t *testing.T) {
	m := New(0, 0, 0)
	if opts := m.Prepare("t1", "reasoning", StyleNone, 10_000); opts != nil {
		t.Fatalf("StyleNone must never cache, got %+v", opts)
	}
}

func TestManager_AutomaticStyleKey(t *testing.T) {
	m := New(0, 0, 0)
	opts := m.Prepare("t1", "reasoning", StyleAutomatic, 1000)
	if opts.PromptCacheKey == "" {
		t.Fatal("expected a prompt cache key")
	}
	if opts.PromptCacheKey != PromptCacheKey("reasoning", "t1") {
		t.Fatal("prompt cache key must be stable")
	}
	if PromptCacheKey("reasoning", "t1") == PromptCacheKey("reasoning", "t2") {
		t.Fatal("different tasks must route to different partitions")
	}
}

func TestManager_InvalidateKeepsStoredPrompt(t *testing.T) {
	m := New(0, 0, 0)
	m.RegisterSession("t1", "reasoning", "system prompt")
	m.Record("t1", "reasoning", StyleResponses, &model.Response{ResponseID: "resp_1"})

	m.Invalidate("t1", "reasoning")
	if opts := m.Prepare("t1", "reasoning", StyleResponses, 1000); opts.PreviousResponseID != "" {
		t.Fatal("invalidate must drop the handle")
	}
	if m.SystemPrompt("t1", "reasoning") != "system prompt" {
		t.Fatal("invalidate must keep the stored prompt for recreation")
	}
}

func TestManager_EndTask(t *testing.T) {
	m := New(0, 0, 0)
	m.RegisterSession("t1", "reasoning", "a")
	m.RegisterSession("t1", "action_selection", "b")
	m.RegisterSession("t2", "reasoning", "c")

	m.EndTask("t1")
	if m.SessionCount() != 1 {
		t.Fatalf("expected only t2's entry left, got %d", m.SessionCount())
	}
	m.EndTask("t1") // idempotent
	if m.SessionCount() != 1 {
		t.Fatal("second EndTask must be a no-op")
	}
}

func TestManager_SessionExpiry(t *testing.T) {
	m := New(0, time.Millisecond, 0)
	m.RecordSessionKey("t1", "reasoning", "cache-obj-1")
	time.Sleep(5 * time.Millisecond)

	opts := m.Prepare("t1", "reasoning", StyleImplicit, 1000)
	if opts.SessionCacheKey != "" {
		t.Fatal("expired session keys must not be offered")
	}
}

func TestManager_EphemeralExtendTTL(t *testing.T) {
	m := New(0, 0, 2*time.Hour)
	opts := m.Prepare("t1", "reasoning", StyleEphemeral, 1000)
	if !opts.Ephemeral || !opts.ExtendTTL {
		t.Fatalf("expected ephemeral marker with extended TTL, got %+v", opts)
	}
}
