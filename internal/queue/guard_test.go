package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func processingRecord(now time.Time) *Record {
	return &Record{
		JobID:    uuid.New(),
		TenantID: "acme",
		Message: Message{
			JobType:        "emails.send",
			Queue:          "default",
			IdempotencyKey: "order-42",
		},
		Attempt:    1,
		Status:     StatusProcessing,
		LeaseToken: "tok-1",
		LeaseUntil: now.Add(30 * time.Second),
	}
}

func TestGuardAckOrder(t *testing.T) {
	now := time.Now()

	if got := CodeOf(GuardAck(nil, "acme", "tok-1", now)); got != CodeJobNotFound {
		t.Fatalf("nil record: want=%q got=%q", CodeJobNotFound, got)
	}

	rec := processingRecord(now)
	if got := CodeOf(GuardAck(rec, "other", "tok-1", now)); got != CodeJobNotFound {
		t.Fatalf("cross tenant: want=%q got=%q", CodeJobNotFound, got)
	}

	// Cancel wins even when the token is stale and the lease expired.
	rec = processingRecord(now)
	rec.Status = StatusCanceled
	rec.LeaseToken = ""
	if got := CodeOf(GuardAck(rec, "acme", "wrong", now.Add(time.Hour))); got != CodeJobCanceled {
		t.Fatalf("canceled: want=%q got=%q", CodeJobCanceled, got)
	}

	rec = processingRecord(now)
	rec.Status = StatusCompleted
	if got := CodeOf(GuardAck(rec, "acme", "wrong", now)); got != CodeJobAlreadyTerminal {
		t.Fatalf("terminal: want=%q got=%q", CodeJobAlreadyTerminal, got)
	}

	// Reclaimed back to retrying: the old lease is simply gone.
	rec = processingRecord(now)
	rec.Status = StatusRetrying
	if got := CodeOf(GuardAck(rec, "acme", "tok-1", now)); got != CodeLeaseExpired {
		t.Fatalf("reclaimed: want=%q got=%q", CodeLeaseExpired, got)
	}

	rec = processingRecord(now)
	if got := CodeOf(GuardAck(rec, "acme", "tok-2", now)); got != CodeInvalidLeaseToken {
		t.Fatalf("token mismatch: want=%q got=%q", CodeInvalidLeaseToken, got)
	}

	rec = processingRecord(now)
	if got := CodeOf(GuardAck(rec, "acme", "tok-1", rec.LeaseUntil.Add(time.Second))); got != CodeLeaseExpired {
		t.Fatalf("expired lease: want=%q got=%q", CodeLeaseExpired, got)
	}

	rec = processingRecord(now)
	if err := GuardAck(rec, "acme", "tok-1", now); err != nil {
		t.Fatalf("live lease should pass: %v", err)
	}
}

func TestGuardHeartbeat(t *testing.T) {
	now := time.Now()

	rec := processingRecord(now)
	if err := GuardHeartbeat(rec, "acme", "tok-1"); err != nil {
		t.Fatalf("live lease should pass: %v", err)
	}
	if got := CodeOf(GuardHeartbeat(rec, "acme", "tok-9")); got != CodeInvalidLeaseToken {
		t.Fatalf("token mismatch: want=%q got=%q", CodeInvalidLeaseToken, got)
	}
	if got := CodeOf(GuardHeartbeat(rec, "other", "tok-1")); got != CodeJobNotFound {
		t.Fatalf("cross tenant: want=%q got=%q", CodeJobNotFound, got)
	}

	rec.Status = StatusCanceled
	if got := CodeOf(GuardHeartbeat(rec, "acme", "tok-1")); got != CodeJobCanceled {
		t.Fatalf("canceled: want=%q got=%q", CodeJobCanceled, got)
	}
}

func TestRecordScope(t *testing.T) {
	now := time.Now()
	rec := processingRecord(now)

	want := ScopeKey("acme", "default", "emails.send", "order-42")
	if got := RecordScope(rec); got != want {
		t.Fatalf("scope: want=%q got=%q", want, got)
	}

	rec.Message.IdempotencyKey = ""
	if got := RecordScope(rec); got != "" {
		t.Fatalf("no key: want empty scope, got=%q", got)
	}

	// Scope components never collide across field boundaries.
	a := ScopeKey("t", "qx", "y", "z")
	b := ScopeKey("t", "q", "xy", "z")
	if a == b {
		t.Fatalf("scope keys collide: %q", a)
	}
}
