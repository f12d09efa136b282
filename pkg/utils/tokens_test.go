package utils

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.text); got != c.want {
			t.Fatalf("EstimateTokens(%d chars) = %d, want %d", len(c.text), got, c.want)
		}
	}
}

func TestTokenCounter_Count(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	short := tc.Count("hello world")
	if short < 1 || short > 4 {
		t.Fatalf("unexpected count for two words: %d", short)
	}
	long := tc.Count(strings.Repeat("hello world ", 50))
	if long <= short {
		t.Fatalf("longer text must count more tokens: %d vs %d", long, short)
	}
}

func TestTokenCounter_UnknownModelFallsBack(t *testing.T) {
	tc, err := NewTokenCounter("not-a-real-model")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	if tc.Count("some text to count") == 0 {
		t.Fatal("fallback encoding must still count tokens")
	}
	if tc.Model() != "not-a-real-model" {
		t.Fatalf("unexpected model name %q", tc.Model())
	}
}

func TestTokenCounter_EncodingCached(t *testing.T) {
	a, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	b, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("second construction: %v", err)
	}
	if a.encoding != b.encoding {
		t.Fatal("expected the encoding to be cached per model")
	}
}
