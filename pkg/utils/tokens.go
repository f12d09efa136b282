// Package utils provides small shared utilities for the kernel.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts prompt tokens with a model's own encoding. The LLM
// gateway uses it to gate caching directives on prompt size.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to initialize, so they are cached per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewTokenCounter creates a counter for model. Models tiktoken does not
// know fall back to the cl100k_base encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	encoding, ok := encodingCache[model]
	if !ok {
		var err error
		encoding, err = tiktoken.EncodingForModel(model)
		if err != nil {
			encoding, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return nil, fmt.Errorf("utils: no encoding for %s: %w", model, err)
			}
		}
		encodingCache[model] = encoding
	}
	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count of text under the counter's encoding.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model name the counter was built for.
func (tc *TokenCounter) Model() string { return tc.model }

// EstimateTokens approximates a token count at four characters per token,
// for callers with no encoding available.
func EstimateTokens(text string) int {
	return len(text) / 4
}
