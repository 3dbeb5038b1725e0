package llm

import (
	"context"
	"testing"
)

func TestNewOpenAI(t *testing.T) {
	model, err := New(context.Background(), Options{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
		BaseURL:  "http://127.0.0.1:1/v1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if model == nil {
		t.Fatal("nil model")
	}
}

func TestNewDefaultsToOpenAI(t *testing.T) {
	if _, err := New(context.Background(), Options{APIKey: "test-key"}); err != nil {
		t.Fatalf("empty provider: %v", err)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Options{Provider: "llama-at-home"}); err == nil {
		t.Fatal("unknown provider must fail")
	}
}
