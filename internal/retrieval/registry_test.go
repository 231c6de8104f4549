package retrieval

import (
	"context"
	"testing"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	ret := StaticRetriever{Passages: []string{"a", "b", "c"}}
	reg.Register("docs", ret)

	got, err := reg.Get("docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected retriever, got nil")
	}

	passages, err := got.Retrieve(context.Background(), "query", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("expected 2 passages, got %d", len(passages))
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("missing"); err == nil {
		t.Fatal("expected error for unregistered retriever")
	}
}

func TestRegistry_GetEmptyNameIsNoop(t *testing.T) {
	reg := NewRegistry()
	ret, err := reg.Get("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ret != nil {
		t.Fatal("expected nil retriever for empty name")
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	reg.Register("docs", StaticRetriever{})
	reg.Register("kb", StaticRetriever{})

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}

func TestStaticRetriever_TopKBounds(t *testing.T) {
	ret := StaticRetriever{Passages: []string{"a", "b"}}

	all, err := ret.Retrieve(context.Background(), "q", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 passages for topK=0, got %d", len(all))
	}

	over, err := ret.Retrieve(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(over) != 2 {
		t.Fatalf("expected 2 passages for topK>len, got %d", len(over))
	}
}
