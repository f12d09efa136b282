package library

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/basalt-run/kernel/pkg/action"
	"github.com/basalt-run/kernel/pkg/vector"
)

// wordEmbedder embeds text as a fixed bag-of-bytes vector, deterministic
// and good enough for exact-match similarity in tests.
type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for i := 0; i < len(text); i++ {
		vec[int(text[i])%64]++
	}
	return vec, nil
}

func (e wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (wordEmbedder) Dimension() int { return 64 }
func (wordEmbedder) Model() string  { return "test" }
func (wordEmbedder) Close() error   { return nil }

// memVector is an exact cosine-similarity Provider for tests.
type memVector struct {
	collections map[string]map[string][]float32
}

func newMemVector() *memVector {
	return &memVector{collections: make(map[string]map[string][]float32)}
}

func (m *memVector) Name() string { return "mem" }

func (m *memVector) Upsert(_ context.Context, collection, id string, vec []float32, _ map[string]any) error {
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string][]float32)
	}
	m.collections[collection][id] = vec
	return nil
}

func (m *memVector) Search(_ context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	type scored struct {
		id    string
		score float32
	}
	var all []scored
	for id, v := range m.collections[collection] {
		var dot float32
		for i := range v {
			dot += v[i] * vec[i]
		}
		all = append(all, scored{id, dot})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if topK < len(all) {
		all = all[:topK]
	}
	out := make([]vector.Result, len(all))
	for i, s := range all {
		out[i] = vector.Result{ID: s.id, Score: s.score}
	}
	return out, nil
}

func (m *memVector) Close() error { return nil }

func newTestLibrary(t *testing.T) (*Library, *action.Registry, string, *memVector) {
	t.Helper()
	dir := t.TempDir()
	reg := action.NewRegistry()
	vec := newMemVector()
	lib, err := New(dir, wordEmbedder{}, vec, reg)
	if err != nil {
		t.Fatalf("new library: %v", err)
	}
	return lib, reg, dir, vec
}

func TestLibrary_SaveAndSearchActions(t *testing.T) {
	lib, reg, _, _ := newTestLibrary(t)
	ctx := context.Background()

	specs := []*action.Spec{
		{Name: "download file", Description: "fetches a URL", Body: "curl"},
		{Name: "compress folder", Description: "zips a directory", Body: "zip"},
	}
	for _, s := range specs {
		if err := lib.SaveAction(ctx, s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if _, err := reg.Get("download file"); err != nil {
		t.Fatalf("expected saved action registered: %v", err)
	}

	ids, err := lib.SearchActions(ctx, "download file", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 1 || ids[0] != "download file" {
		t.Fatalf("expected best match 'download file', got %v", ids)
	}
}

func TestLibrary_LoadAndIndexFromDisk(t *testing.T) {
	lib, reg, dir, _ := newTestLibrary(t)
	ctx := context.Background()

	spec := &action.Spec{Name: "list files", Description: "lists a directory", Body: "ls"}
	if err := action.SaveSpec(filepath.Join(dir, "action", "list_files.json"), spec); err != nil {
		t.Fatalf("seed spec: %v", err)
	}
	doc := "weekly report\n\nGenerate the weekly report from logs.\n\nsteps: ..."
	if err := os.WriteFile(filepath.Join(dir, "task_document", "weekly_report.txt"), []byte(doc), 0o644); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	if err := lib.LoadAndIndex(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := reg.Get("list files"); err != nil {
		t.Fatalf("expected action loaded from disk: %v", err)
	}

	docs, err := lib.SearchDocuments(ctx, "weekly report", 1)
	if err != nil {
		t.Fatalf("search docs: %v", err)
	}
	if len(docs) != 1 || docs[0] != doc {
		t.Fatalf("expected full document content returned, got %v", docs)
	}
}

func TestLibrary_ReindexIsIdempotent(t *testing.T) {
	lib, _, dir, vec := newTestLibrary(t)
	ctx := context.Background()

	if err := action.SaveSpec(filepath.Join(dir, "action", "a.json"), &action.Spec{Name: "a", Body: "true"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := lib.LoadAndIndex(ctx); err != nil {
		t.Fatalf("first index: %v", err)
	}
	first := len(vec.collections["actions"])
	if err := lib.LoadAndIndex(ctx); err != nil {
		t.Fatalf("second index: %v", err)
	}
	if len(vec.collections["actions"]) != first {
		t.Fatalf("reindexing twice changed index contents: %d vs %d", first, len(vec.collections["actions"]))
	}
}
