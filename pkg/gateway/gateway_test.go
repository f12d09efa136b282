package gateway

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/cache"
	"github.com/basalt-run/kernel/pkg/model"
)

type fakeLLM struct {
	provider  model.Provider
	responses []*model.Response
	err       error
	calls     int
	lastReq   *model.Request
}

func (f *fakeLLM) Name() string             { return "fake-model" }
func (f *fakeLLM) Provider() model.Provider { return f.provider }
func (f *fakeLLM) Close() error             { return nil }

func (f *fakeLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	f.calls++
	f.lastReq = req
	return func(yield func(*model.Response, error) bool) {
		if f.err != nil {
			yield(nil, f.err)
			return
		}
		for _, r := range f.responses {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func newReq(text string) *model.Request {
	return &model.Request{
		Messages: []*a2a.Message{a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})},
		CallType: "reason",
	}
}

func TestGateway_GenerateWithSession_RecordsResponsesCache(t *testing.T) {
	llm := &fakeLLM{
		provider:  model.ProviderOpenAI,
		responses: []*model.Response{{ResponseID: "resp_1", Content: &model.Content{Parts: []a2a.Part{a2a.TextPart{Text: "ok"}}}}},
	}
	cm := cache.New(0, 0, 0)
	gw, err := New(Config{LLM: llm, Cache: cm})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	if _, err := gw.GenerateWithSession(ctx, "task1", newReq("hello")); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Second call should carry the previous response id forward.
	if _, err := gw.GenerateWithSession(ctx, "task1", newReq("follow up")); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if llm.lastReq.Cache == nil || llm.lastReq.Cache.PreviousResponseID != "resp_1" {
		t.Fatalf("expected second call to chain onto resp_1, got %+v", llm.lastReq.Cache)
	}
}

type overflowOnceLLM struct {
	fakeLLM
	failures int
}

func (f *overflowOnceLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	f.calls++
	f.lastReq = req
	return func(yield func(*model.Response, error) bool) {
		if f.calls <= f.failures {
			yield(nil, fmt.Errorf("Input length 300000 exceeds the maximum length 229376"))
			return
		}
		yield(&model.Response{
			ResponseID: fmt.Sprintf("resp_%d", f.calls),
			Content:    &model.Content{Parts: []a2a.Part{a2a.TextPart{Text: "recovered"}}},
		}, nil)
	}
}

func TestGateway_OverflowRecoveryRecreatesSession(t *testing.T) {
	llm := &overflowOnceLLM{fakeLLM: fakeLLM{provider: model.ProviderOpenAI}, failures: 1}
	cm := cache.New(0, 0, 0)
	gw, err := New(Config{LLM: llm, Cache: cm})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	gw.CreateSessionCache("task1", "reason", "you are the agent")
	resp, err := gw.GenerateWithSession(context.Background(), "task1", newReq("hi"))
	if err != nil {
		t.Fatalf("expected recovery to succeed, got %v", err)
	}
	if resp.TextContent() != "recovered" {
		t.Fatalf("unexpected content %q", resp.TextContent())
	}
	if llm.calls != 2 {
		t.Fatalf("expected exactly one recreation attempt, got %d calls", llm.calls)
	}
	if llm.lastReq.SystemInstruction != "you are the agent" {
		t.Fatalf("expected session recreated from stored system prompt, got %q", llm.lastReq.SystemInstruction)
	}
	// The registry holds exactly one entry, now carrying the new handle.
	if cm.SessionCount() != 1 {
		t.Fatalf("expected one session entry after recovery, got %d", cm.SessionCount())
	}
}

func TestGateway_OverflowFallsBackToStateless(t *testing.T) {
	llm := &overflowOnceLLM{fakeLLM: fakeLLM{provider: model.ProviderOpenAI}, failures: 2}
	cm := cache.New(0, 0, 0)
	gw, err := New(Config{LLM: llm, Cache: cm})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := gw.GenerateWithSession(context.Background(), "task1", newReq("hi")); err != nil {
		t.Fatalf("expected stateless fallback to succeed, got %v", err)
	}
	if llm.calls != 3 {
		t.Fatalf("expected original + recreation + stateless, got %d calls", llm.calls)
	}
	if llm.lastReq.Cache != nil {
		t.Fatalf("expected final fallback call uncached, got %+v", llm.lastReq.Cache)
	}
}

func TestGateway_EndAllSessionCachesIdempotent(t *testing.T) {
	cm := cache.New(0, 0, 0)
	llm := &fakeLLM{provider: model.ProviderOpenAI, responses: []*model.Response{{Content: &model.Content{Parts: []a2a.Part{a2a.TextPart{Text: "ok"}}}}}}
	gw, _ := New(Config{LLM: llm, Cache: cm})

	gw.CreateSessionCache("t1", CallTypeReasoning, "sys")
	gw.CreateSessionCache("t1", CallTypeActionSelection, "sys")
	gw.EndAllSessionCaches("t1")
	if cm.SessionCount() != 0 {
		t.Fatalf("expected empty registry, got %d", cm.SessionCount())
	}
	gw.EndAllSessionCaches("t1") // second call is a no-op
	if cm.SessionCount() != 0 {
		t.Fatal("expected second EndAllSessionCaches to be a no-op")
	}
}

func TestGateway_Generate_NoSessionNoCache(t *testing.T) {
	llm := &fakeLLM{provider: model.ProviderOllama, responses: []*model.Response{{Content: &model.Content{Parts: []a2a.Part{a2a.TextPart{Text: "ok"}}}}}}
	gw, err := New(Config{LLM: llm})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := gw.Generate(context.Background(), newReq("hi")); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if llm.lastReq.Cache != nil {
		t.Fatalf("expected no cache directive for one-shot Generate, got %+v", llm.lastReq.Cache)
	}
}
