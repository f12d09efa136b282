// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vector abstracts the similarity index behind the kernel's action
// and task-document search. The kernel needs exactly two operations, index
// and search, so the Provider interface carries just those (plus close);
// backends cover embedded storage (chromem) and external services (Qdrant,
// Pinecone).
package vector

import (
	"context"
)

// Provider is the vector storage interface. All providers accept
// pre-computed embeddings; turning text into vectors is pkg/embedder's
// concern. Collections are created lazily on first upsert by backends
// that support it.
type Provider interface {
	// Name returns the provider's identifier for logging.
	Name() string

	// Upsert inserts or replaces a document's vector and metadata. The
	// conventional metadata key "content" carries the original text.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK most similar documents.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// Close releases provider resources.
	Close() error
}

// Result is a single search hit.
type Result struct {
	// ID is the document identifier passed to Upsert.
	ID string

	// Score is the similarity score; higher is more similar.
	Score float32

	// Content is the original text, when the backend stored it.
	Content string

	// Metadata is the document metadata passed to Upsert.
	Metadata map[string]any
}

// NilProvider stores nothing and finds nothing. Used when vector search is
// disabled; callers degrade to exact-match behavior.
type NilProvider struct{}

func (NilProvider) Name() string { return "nil" }

func (NilProvider) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}

func (NilProvider) Search(context.Context, string, []float32, int) ([]Result, error) {
	return nil, nil
}

func (NilProvider) Close() error { return nil }

var (
	_ Provider = (*ChromemProvider)(nil)
	_ Provider = (*QdrantProvider)(nil)
	_ Provider = (*PineconeProvider)(nil)
	_ Provider = NilProvider{}
)
