package eventstream

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type stubSummarizer struct {
	mu      sync.Mutex
	calls   int
	release chan struct{} // when non-nil, Summarize blocks until closed
	fail    bool
	empty   bool
}

func (s *stubSummarizer) Summarize(_ context.Context, previousSummary string, folded []Entry) (string, error) {
	s.mu.Lock()
	s.calls++
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if s.fail {
		return "", context.DeadlineExceeded
	}
	if s.empty {
		return "", nil
	}
	return previousSummary + "|folded:" + folded[0].Body, nil
}

func logN(s *Stream, n int, body string) {
	for i := 0; i < n; i++ {
		s.Log(context.Background(), KindObservation, body+string(rune('a'+i%26)), SeverityInfo)
	}
}

func TestStream_SummarizationFoldsTail(t *testing.T) {
	sum := &stubSummarizer{}
	s := New(Config{SummarizeAt: 10, TailKeep: 4, Summarizer: sum})

	logN(s, 10, "entry-")
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	summary, tail := s.Snapshot()
	if len(tail) != 4 {
		t.Fatalf("expected tail of 4 after fold, got %d", len(tail))
	}
	if summary == "" {
		t.Fatal("expected non-empty head summary")
	}
	if sum.calls != 1 {
		t.Fatalf("expected one summarization pass, got %d", sum.calls)
	}
}

func TestStream_LateAppendsSurviveSummarization(t *testing.T) {
	release := make(chan struct{})
	sum := &stubSummarizer{release: release}
	s := New(Config{SummarizeAt: 30, TailKeep: 15, Summarizer: sum})

	logN(s, 30, "early-")

	// The pass is now blocked inside the LLM call with the lock released;
	// these five must land in the tail and survive the fold.
	for i := 0; i < 5; i++ {
		s.Log(context.Background(), KindActionEnd, "late", SeverityInfo, WithActionName("x"))
		s.Log(context.Background(), KindObservation, "late-"+string(rune('a'+i)), SeverityInfo)
	}

	close(release)
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	_, tail := s.Snapshot()
	// 30 logged, cutoff = 30-15 = 15 dropped; 15 kept + the late entries.
	want := 15 + 10
	if len(tail) != want {
		t.Fatalf("expected %d entries after fold, got %d", want, len(tail))
	}
	last := tail[len(tail)-1]
	if !strings.HasPrefix(last.Body, "late") {
		t.Fatalf("expected late entries to be newest, got %q", last.Body)
	}
}

func TestStream_SummarizerErrorLeavesStreamUnchanged(t *testing.T) {
	sum := &stubSummarizer{fail: true}
	s := New(Config{SummarizeAt: 10, TailKeep: 4, Summarizer: sum})

	logN(s, 10, "entry-")
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	summary, tail := s.Snapshot()
	if summary != "" {
		t.Fatalf("expected no summary after failure, got %q", summary)
	}
	if len(tail) != 10 {
		t.Fatalf("expected full tail retained on failure, got %d", len(tail))
	}
}

func TestStream_EmptySummaryLeavesStreamUnchanged(t *testing.T) {
	sum := &stubSummarizer{empty: true}
	s := New(Config{SummarizeAt: 10, TailKeep: 4, Summarizer: sum})

	logN(s, 10, "entry-")
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if s.Len() != 10 {
		t.Fatalf("expected full tail retained on empty summary, got %d", s.Len())
	}
}

func TestStream_TailKeepCoercion(t *testing.T) {
	s := New(Config{SummarizeAt: 10, TailKeep: 9})
	if got := s.cfg.TailKeep; got != 10-minSummarizeBuffer {
		t.Fatalf("expected tail_keep coerced to %d, got %d", 10-minSummarizeBuffer, got)
	}
}

func TestStream_RepeatCoalescing(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	i1 := s.Log(ctx, KindWarning, "disk almost full", SeverityWarn)
	i2 := s.Log(ctx, KindWarning, "disk almost full", SeverityWarn)
	i3 := s.Log(ctx, KindWarning, "disk almost full", SeverityWarn)
	if i1 != i2 || i2 != i3 {
		t.Fatalf("expected coalesced entries to share an index, got %d %d %d", i1, i2, i3)
	}

	_, tail := s.Snapshot()
	if len(tail) != 1 {
		t.Fatalf("expected one coalesced entry, got %d", len(tail))
	}
	if tail[0].RepeatCount != 3 {
		t.Fatalf("expected repeat count 3, got %d", tail[0].RepeatCount)
	}
	if !strings.Contains(s.ToPromptSnapshot(false), "[x3]") {
		t.Fatalf("expected [x3] suffix in snapshot, got %q", s.ToPromptSnapshot(false))
	}
}

func TestStream_ExternalizeLargeEntry(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{ExternalizeThreshold: 10, ExternalDir: dir})
	ctx := context.Background()

	body := strings.Repeat("word ", 50)
	s.Log(ctx, KindObservation, body, SeverityInfo)

	_, tail := s.Snapshot()
	if len(tail) != 1 {
		t.Fatalf("expected one entry, got %d", len(tail))
	}
	if !tail[0].Externalized {
		t.Fatal("expected entry to be externalized")
	}
	if !strings.Contains(tail[0].Body, "externalized content") {
		t.Fatalf("expected pointer placeholder, got %q", tail[0].Body)
	}
}

func TestStream_StreamingReadersNotExternalized(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{ExternalizeThreshold: 10, ExternalDir: dir})
	ctx := context.Background()

	body := strings.Repeat("word ", 50)
	s.Log(ctx, KindActionEnd, body, SeverityInfo, WithActionName("stream read"))

	_, tail := s.Snapshot()
	if tail[0].Externalized {
		t.Fatal("streaming reader output must stay inline")
	}
	if tail[0].Body != body {
		t.Fatal("expected body unchanged for streaming reader")
	}
}

func TestStream_ExternalizationBoundary(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{ExternalizeThreshold: 20, ExternalDir: dir})
	ctx := context.Background()

	exactly := strings.Repeat("x", 20)
	s.Log(ctx, KindObservation, exactly, SeverityInfo)
	over := strings.Repeat("y", 21)
	s.Log(ctx, KindObservation, over, SeverityInfo)

	_, tail := s.Snapshot()
	if tail[0].Externalized {
		t.Fatal("body of exactly threshold length must stay inline")
	}
	if !tail[1].Externalized {
		t.Fatal("body one past threshold must be externalized")
	}
}

func TestStream_ToPromptSnapshot(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	s.Log(ctx, KindActionStart, "ran action X", SeverityInfo)

	out := s.ToPromptSnapshot(true)
	if !strings.Contains(out, "Recent Event:") {
		t.Fatalf("expected Recent Event header, got %q", out)
	}
	if !strings.Contains(out, "[action_start]: ran action X") {
		t.Fatalf("expected entry line in snapshot, got %q", out)
	}
}

func TestStream_Clear(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	s.Log(ctx, KindTask, "started", SeverityInfo)
	s.Clear()
	if s.Len() != 0 {
		t.Fatal("expected empty tail after clear")
	}
	if out := s.ToPromptSnapshot(true); out != "" {
		t.Fatalf("expected empty snapshot after clear, got %q", out)
	}
}

func TestExtractKeywords(t *testing.T) {
	kw := ExtractKeywords("the quick brown fox jumps over the lazy dog the fox runs", 3)
	if len(kw) == 0 {
		t.Fatal("expected at least one keyword")
	}
	found := false
	for _, k := range kw {
		if strings.Contains(k, "fox") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 'fox' to rank given repeated occurrence, got %v", kw)
	}
}

func TestExtractKeywords_Empty(t *testing.T) {
	if kw := ExtractKeywords("   \n\t  ", 5); len(kw) != 0 {
		t.Fatalf("expected no keywords for whitespace input, got %v", kw)
	}
}
