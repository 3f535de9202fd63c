package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestSessionAndNodeID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || NodeID(ctx) != "" {
		t.Fatalf("expected empty ids on bare context")
	}
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithNodeID(ctx, "node-7")
	if got := SessionID(ctx); got != "sess-1" {
		t.Fatalf("expected sess-1, got %q", got)
	}
	if got := NodeID(ctx); got != "node-7" {
		t.Fatalf("expected node-7, got %q", got)
	}
}

func TestNewSessionID_Unique(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
