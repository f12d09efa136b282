// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package library is the kernel's on-disk catalog: action specs as JSON
// files under <data_dir>/action/, task documents as text files under
// <data_dir>/task_document/, each paired with a vector index rebuilt on
// startup so the router and planner can search them semantically.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basalt-run/kernel/pkg/action"
	"github.com/basalt-run/kernel/pkg/embedder"
	"github.com/basalt-run/kernel/pkg/vector"
)

const (
	actionDirName   = "action"
	documentDirName = "task_document"

	actionCollection   = "actions"
	documentCollection = "task_documents"
)

// Library loads, saves, and indexes the action and task-document stores.
type Library struct {
	dataDir  string
	emb      embedder.Embedder
	vec      vector.Provider
	registry *action.Registry
}

// New creates a Library rooted at dataDir. emb and vec may be a nil-like
// pair (vector.NilProvider plus nil embedder) to disable semantic search.
func New(dataDir string, emb embedder.Embedder, vec vector.Provider, registry *action.Registry) (*Library, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("library: data dir is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("library: action registry is required")
	}
	if vec == nil {
		vec = vector.NilProvider{}
	}
	for _, sub := range []string{actionDirName, documentDirName} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("library: create %s dir: %w", sub, err)
		}
	}
	return &Library{dataDir: dataDir, emb: emb, vec: vec, registry: registry}, nil
}

// LoadAndIndex reads every stored action spec into the registry and
// rebuilds both vector indices from disk. Called at startup; calling it
// twice yields identical index contents since ids and texts derive only
// from the files.
func (l *Library) LoadAndIndex(ctx context.Context) error {
	if err := l.loadActions(ctx); err != nil {
		return err
	}
	return l.indexDocuments(ctx)
}

func (l *Library) loadActions(ctx context.Context) error {
	dir := filepath.Join(l.dataDir, actionDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("library: read action dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		spec, err := action.LoadSpec(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Warn("library: skipping unreadable action spec", "file", entry.Name(), "error", err)
			continue
		}
		a, err := action.NewFromSpec(spec)
		if err != nil {
			slog.Warn("library: skipping invalid action spec", "file", entry.Name(), "error", err)
			continue
		}
		l.registry.Register(a)

		// Action ids are indexed by filename; the name embedded in the
		// file is authoritative for lookup, the filename for indexing.
		if err := l.index(ctx, actionCollection, spec.Name, entry.Name()); err != nil {
			slog.Warn("library: failed to index action", "name", spec.Name, "error", err)
		}
	}
	return nil
}

func (l *Library) indexDocuments(ctx context.Context) error {
	dir := filepath.Join(l.dataDir, documentDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("library: read task document dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Warn("library: skipping unreadable task document", "file", entry.Name(), "error", err)
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".txt")
		if err := l.index(ctx, documentCollection, id, documentIndexText(string(data))); err != nil {
			slog.Warn("library: failed to index task document", "id", id, "error", err)
		}
	}
	return nil
}

// documentIndexText reduces a task document to its indexed form: the name
// line plus the description block that follows it.
func documentIndexText(doc string) string {
	parts := strings.SplitN(strings.TrimSpace(doc), "\n\n", 3)
	if len(parts) >= 2 {
		return parts[0] + "\n\n" + parts[1]
	}
	return parts[0]
}

// SaveAction persists a spec, registers it, and indexes it.
func (l *Library) SaveAction(ctx context.Context, spec *action.Spec) error {
	a, err := action.NewFromSpec(spec)
	if err != nil {
		return err
	}

	filename := safeFilename(spec.Name) + ".json"
	if err := action.SaveSpec(filepath.Join(l.dataDir, actionDirName, filename), spec); err != nil {
		return fmt.Errorf("library: save action: %w", err)
	}
	l.registry.Register(a)
	return l.index(ctx, actionCollection, spec.Name, filename)
}

// SaveDocument persists a task document under id and indexes it.
func (l *Library) SaveDocument(ctx context.Context, id, content string) error {
	id = safeFilename(id)
	path := filepath.Join(l.dataDir, documentDirName, id+".txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("library: save document: %w", err)
	}
	return l.index(ctx, documentCollection, id, documentIndexText(content))
}

// SearchActions implements router.ActionSearcher: top-k action names by
// similarity to query.
func (l *Library) SearchActions(ctx context.Context, query string, k int) ([]string, error) {
	return l.search(ctx, actionCollection, query, k)
}

// SearchDocuments implements taskplan.DocumentSearcher: the contents of
// the top-k task documents similar to query.
func (l *Library) SearchDocuments(ctx context.Context, query string, k int) ([]string, error) {
	ids, err := l.search(ctx, documentCollection, query, k)
	if err != nil {
		return nil, err
	}

	docs := make([]string, 0, len(ids))
	for _, id := range ids {
		data, err := os.ReadFile(filepath.Join(l.dataDir, documentDirName, id+".txt"))
		if err != nil {
			slog.Warn("library: indexed document missing on disk", "id", id, "error", err)
			continue
		}
		docs = append(docs, string(data))
	}
	return docs, nil
}

func (l *Library) search(ctx context.Context, collection, query string, k int) ([]string, error) {
	if l.emb == nil {
		return nil, nil
	}
	vec, err := l.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("library: embed query: %w", err)
	}
	results, err := l.vec.Search(ctx, collection, vec, k)
	if err != nil {
		return nil, fmt.Errorf("library: search %s: %w", collection, err)
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

func (l *Library) index(ctx context.Context, collection, id, text string) error {
	if l.emb == nil {
		return nil
	}
	vec, err := l.emb.Embed(ctx, text)
	if err != nil {
		return err
	}
	return l.vec.Upsert(ctx, collection, id, vec, map[string]any{"content": text})
}

var safeFilenameReplacer = strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")

func safeFilename(name string) string {
	return safeFilenameReplacer.Replace(strings.TrimSpace(name))
}
