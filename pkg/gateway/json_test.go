package gateway

import (
	"context"
	"iter"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/basalt-run/kernel/pkg/model"
)

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```json\n[1,2]\n```  ", `[1,2]`},
		{"plain text", "plain text"},
	}
	for _, c := range cases {
		if got := StripCodeFences(c.in); got != c.want {
			t.Fatalf("StripCodeFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

type scriptedLLM struct {
	fakeLLM
	replies []string
}

func (f *scriptedLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	f.calls++
	f.lastReq = req
	reply := f.replies[len(f.replies)-1]
	if f.calls <= len(f.replies) {
		reply = f.replies[f.calls-1]
	}
	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{Content: &model.Content{Parts: []a2a.Part{a2a.TextPart{Text: reply}}}}, nil)
	}
}

func TestGenerateJSON_RetriesWithFeedback(t *testing.T) {
	llm := &scriptedLLM{
		fakeLLM: fakeLLM{provider: model.ProviderAnthropic},
		replies: []string{"sorry, not json", "```json\n{\"action_name\":\"echo\"}\n```"},
	}
	gw, _ := New(Config{LLM: llm})

	var out struct {
		ActionName string `json:"action_name"`
	}
	if err := gw.GenerateJSON(context.Background(), "", newReq("pick"), &out); err != nil {
		t.Fatalf("generate json: %v", err)
	}
	if out.ActionName != "echo" {
		t.Fatalf("unexpected parse result: %+v", out)
	}
	if llm.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", llm.calls)
	}
	// The retry request must carry the echoed raw response plus feedback.
	if len(llm.lastReq.Messages) != 3 {
		t.Fatalf("expected feedback appended to conversation, got %d messages", len(llm.lastReq.Messages))
	}
}

func TestGenerateJSON_GivesUpAfterRetries(t *testing.T) {
	llm := &scriptedLLM{
		fakeLLM: fakeLLM{provider: model.ProviderAnthropic},
		replies: []string{"nope"},
	}
	gw, _ := New(Config{LLM: llm})

	var out map[string]any
	if err := gw.GenerateJSON(context.Background(), "", newReq("pick"), &out); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if llm.calls != jsonParseRetries+1 {
		t.Fatalf("expected %d calls, got %d", jsonParseRetries+1, llm.calls)
	}
}
