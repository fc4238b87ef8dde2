package tenant

import (
	"context"
	"testing"
)

func TestWithHeaderCopies(t *testing.T) {
	base := New("acme").WithHeader("X-Trace", "a")
	derived := base.WithHeader("X-Trace", "b")

	if got := base.Header("x-trace"); got != "a" {
		t.Fatalf("base header mutated: want=%q got=%q", "a", got)
	}
	if got := derived.Header("X-TRACE"); got != "b" {
		t.Fatalf("derived header: want=%q got=%q", "b", got)
	}
}

func TestValid(t *testing.T) {
	if New("  ").Valid() {
		t.Fatalf("blank tenant should not be valid")
	}
	if !New("acme").Valid() {
		t.Fatalf("expected valid tenant")
	}
}

func TestInjectFrom(t *testing.T) {
	tc := New("acme").WithRequestID("req-1").WithActorID("user-1")
	ctx := Inject(context.Background(), tc)

	got, ok := From(ctx)
	if !ok {
		t.Fatalf("expected tenant context present")
	}
	if got.TenantID != "acme" || got.RequestID != "req-1" || got.ActorID != "user-1" {
		t.Fatalf("unexpected roundtrip: %+v", got)
	}

	if _, ok := From(context.Background()); ok {
		t.Fatalf("expected absent tenant context")
	}
}
