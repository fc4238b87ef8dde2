package redisq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/tenant"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBackend(t *testing.T, opts ...Option) (*Backend, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := newFakeClock()
	all := append([]Option{WithClock(clock.Now)}, opts...)
	return New(logger.Nop(), rdb, all...), clock, mr
}

func testMessage(jobType string) queue.Message {
	return queue.Message{
		JobType:    jobType,
		Payload:    []byte(`{"n":1}`),
		CodecID:    "json",
		Queue:      "default",
		Priority:   queue.PriorityNormal,
		MaxRetries: 3,
	}
}

func mustEnqueue(t *testing.T, b *Backend, tc tenant.Context, msg queue.Message) uuid.UUID {
	t.Helper()
	id, err := b.Enqueue(context.Background(), tc, msg)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func mustDequeue(t *testing.T, b *Backend, tc tenant.Context, queues ...string) *queue.Leased {
	t.Helper()
	leased, err := b.Dequeue(context.Background(), tc, queues)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if leased == nil {
		t.Fatalf("dequeue: want a leased job, got none")
	}
	return leased
}

func TestSingleJobLifecycle(t *testing.T) {
	b, _, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, b, tc, testMessage("email.send"))

	st, err := b.GetStatus(ctx, tc, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st != queue.StatusEnqueued {
		t.Fatalf("status: want=%v got=%v", queue.StatusEnqueued, st)
	}

	leased := mustDequeue(t, b, tc, "default")
	if leased.Record.JobID != id {
		t.Fatalf("leased job id: want=%v got=%v", id, leased.Record.JobID)
	}
	if leased.Record.Attempt != 1 {
		t.Fatalf("attempt: want=1 got=%d", leased.Record.Attempt)
	}
	if leased.LeaseToken == "" {
		t.Fatalf("lease token: want non-empty")
	}

	result := `{"sent":true}`
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, &result); err != nil {
		t.Fatalf("ack complete: %v", err)
	}

	rec, err := b.GetRecord(ctx, tc, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != queue.StatusCompleted {
		t.Fatalf("status: want=%v got=%v", queue.StatusCompleted, rec.Status)
	}
	if rec.ResultRef == nil || *rec.ResultRef != result {
		t.Fatalf("result ref: want=%q got=%v", result, rec.ResultRef)
	}
	if rec.FinishedAt.IsZero() {
		t.Fatalf("finished_at not set")
	}
	if rec.LeaseToken != "" {
		t.Fatalf("lease token not cleared")
	}
	if string(rec.Message.Payload) != `{"n":1}` {
		t.Fatalf("payload round-trip: got=%s", rec.Message.Payload)
	}

	again, err := b.Dequeue(ctx, tc, nil)
	if err != nil {
		t.Fatalf("dequeue drained: %v", err)
	}
	if again != nil {
		t.Fatalf("dequeue drained: want none got %v", again.Record.JobID)
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	b, _, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	msg := testMessage("report.build")
	msg.IdempotencyKey = "order-42"

	id1 := mustEnqueue(t, b, tc, msg)
	id2 := mustEnqueue(t, b, tc, msg)
	if id1 != id2 {
		t.Fatalf("idempotent enqueue: want same id, got %v and %v", id1, id2)
	}

	// Same key, different job type: a different scope, so a new job.
	other := testMessage("report.mail")
	other.IdempotencyKey = "order-42"
	if id3 := mustEnqueue(t, b, tc, other); id3 == id1 {
		t.Fatalf("scope must include job type")
	}

	leased := mustDequeue(t, b, tc, "default")
	for leased.Record.JobID != id1 {
		if err := b.AckComplete(ctx, tc, leased.Record.JobID, leased.LeaseToken, nil); err != nil {
			t.Fatalf("ack: %v", err)
		}
		leased = mustDequeue(t, b, tc, "default")
	}
	if err := b.AckComplete(ctx, tc, id1, leased.LeaseToken, nil); err != nil {
		t.Fatalf("ack complete: %v", err)
	}

	// Terminal jobs release the scope.
	id4 := mustEnqueue(t, b, tc, msg)
	if id4 == id1 {
		t.Fatalf("scope not released after completion")
	}
}

func TestPriorityAndFIFO(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")

	low1 := testMessage("work.a")
	low1.Priority = queue.PriorityLow
	idLow1 := mustEnqueue(t, b, tc, low1)
	clock.Advance(time.Millisecond)

	crit := testMessage("work.b")
	crit.Priority = queue.PriorityCritical
	idCrit := mustEnqueue(t, b, tc, crit)
	clock.Advance(time.Millisecond)

	low2 := testMessage("work.c")
	low2.Priority = queue.PriorityLow
	idLow2 := mustEnqueue(t, b, tc, low2)

	want := []uuid.UUID{idCrit, idLow1, idLow2}
	for i, wantID := range want {
		leased := mustDequeue(t, b, tc)
		if leased.Record.JobID != wantID {
			t.Fatalf("dequeue %d: want=%v got=%v", i, wantID, leased.Record.JobID)
		}
	}
}

func TestScheduledDelivery(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	msg := testMessage("digest.daily")
	msg.RunAt = clock.Now().Add(time.Hour)
	id := mustEnqueue(t, b, tc, msg)

	st, err := b.GetStatus(ctx, tc, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st != queue.StatusScheduled {
		t.Fatalf("status: want=%v got=%v", queue.StatusScheduled, st)
	}

	if leased, err := b.Dequeue(ctx, tc, nil); err != nil || leased != nil {
		t.Fatalf("scheduled job leaked early: leased=%v err=%v", leased, err)
	}

	clock.Advance(time.Hour + time.Second)
	leased := mustDequeue(t, b, tc)
	if leased.Record.JobID != id {
		t.Fatalf("leased job id: want=%v got=%v", id, leased.Record.JobID)
	}
}

func TestRetryFlow(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, b, tc, testMessage("flaky.sync"))
	leased := mustDequeue(t, b, tc)

	retryAt := clock.Now().Add(30 * time.Second)
	if err := b.AckFail(ctx, tc, id, leased.LeaseToken, "upstream 503", &retryAt); err != nil {
		t.Fatalf("ack fail: %v", err)
	}

	rec, err := b.GetRecord(ctx, tc, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != queue.StatusRetrying {
		t.Fatalf("status: want=%v got=%v", queue.StatusRetrying, rec.Status)
	}
	if rec.LastError != "upstream 503" {
		t.Fatalf("last error: got=%q", rec.LastError)
	}
	if !rec.RetryAt.Equal(retryAt) {
		t.Fatalf("retry_at: want=%v got=%v", retryAt, rec.RetryAt)
	}

	if early, err := b.Dequeue(ctx, tc, nil); err != nil || early != nil {
		t.Fatalf("retry leaked before retry_at: leased=%v err=%v", early, err)
	}

	clock.Advance(31 * time.Second)
	leased = mustDequeue(t, b, tc)
	if leased.Record.JobID != id {
		t.Fatalf("leased job id: want=%v got=%v", id, leased.Record.JobID)
	}
	if leased.Record.Attempt != 2 {
		t.Fatalf("attempt: want=2 got=%d", leased.Record.Attempt)
	}
}

func TestCancelWinsOverAck(t *testing.T) {
	b, _, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, b, tc, testMessage("long.export"))
	leased := mustDequeue(t, b, tc)

	ok, err := b.Cancel(ctx, tc, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatalf("cancel: want true")
	}

	err = b.AckComplete(ctx, tc, id, leased.LeaseToken, nil)
	if !queue.IsCode(err, queue.CodeJobCanceled) {
		t.Fatalf("ack after cancel: want job_canceled got %v", err)
	}

	rec, err := b.GetRecord(ctx, tc, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != queue.StatusCanceled {
		t.Fatalf("status: want=%v got=%v", queue.StatusCanceled, rec.Status)
	}

	// Canceling a terminal job is a no-op, not an error.
	ok, err = b.Cancel(ctx, tc, id)
	if err != nil || ok {
		t.Fatalf("second cancel: want (false, nil) got (%v, %v)", ok, err)
	}

	if _, err := b.Cancel(ctx, tenant.New("other"), id); !queue.IsCode(err, queue.CodeJobNotFound) {
		t.Fatalf("cross-tenant cancel: want job_not_found got %v", err)
	}
}

func TestCanceledReadyEntryIsSkipped(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	first := mustEnqueue(t, b, tc, testMessage("doomed.job"))
	clock.Advance(time.Millisecond)
	second := mustEnqueue(t, b, tc, testMessage("normal.job"))

	if ok, err := b.Cancel(ctx, tc, first); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	leased := mustDequeue(t, b, tc)
	if leased.Record.JobID != second {
		t.Fatalf("dequeue: want=%v got=%v", second, leased.Record.JobID)
	}
}

func TestAckGuards(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, b, tc, testMessage("guarded.job"))
	leased := mustDequeue(t, b, tc)

	if err := b.AckComplete(ctx, tc, id, "bogus-token", nil); !queue.IsCode(err, queue.CodeInvalidLeaseToken) {
		t.Fatalf("wrong token: want invalid_lease_token got %v", err)
	}
	if err := b.AckComplete(ctx, tc, uuid.New(), leased.LeaseToken, nil); !queue.IsCode(err, queue.CodeJobNotFound) {
		t.Fatalf("unknown id: want job_not_found got %v", err)
	}
	if err := b.AckComplete(ctx, tenant.New("other"), id, leased.LeaseToken, nil); !queue.IsCode(err, queue.CodeJobNotFound) {
		t.Fatalf("cross tenant: want job_not_found got %v", err)
	}

	// Past the lease deadline the token no longer acks.
	clock.Advance(defaultLeaseDuration + time.Second)
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, nil); !queue.IsCode(err, queue.CodeLeaseExpired) {
		t.Fatalf("expired lease: want lease_expired got %v", err)
	}

	// Once reclaimed, the job is no longer processing at all.
	if _, err := b.ReclaimExpired(ctx, clock.Now()); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, nil); !queue.IsCode(err, queue.CodeLeaseExpired) {
		t.Fatalf("reclaimed: want lease_expired got %v", err)
	}

	leased = mustDequeue(t, b, tc)
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, nil); err != nil {
		t.Fatalf("ack complete: %v", err)
	}
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, nil); !queue.IsCode(err, queue.CodeJobAlreadyTerminal) {
		t.Fatalf("double ack: want job_already_terminal got %v", err)
	}
}

func TestHeartbeatExtends(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, b, tc, testMessage("slow.crunch"))
	leased := mustDequeue(t, b, tc)

	if err := b.HeartbeatExtend(ctx, tc, id, "bogus", time.Minute); !queue.IsCode(err, queue.CodeInvalidLeaseToken) {
		t.Fatalf("wrong token: want invalid_lease_token got %v", err)
	}

	if err := b.HeartbeatExtend(ctx, tc, id, leased.LeaseToken, 2*time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	rec, err := b.GetRecord(ctx, tc, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	want := clock.Now().Add(2 * time.Minute)
	if !rec.LeaseUntil.Equal(want) {
		t.Fatalf("lease_until: want=%v got=%v", want, rec.LeaseUntil)
	}

	// A shorter extension never pulls the deadline back.
	if err := b.HeartbeatExtend(ctx, tc, id, leased.LeaseToken, time.Second); err != nil {
		t.Fatalf("short heartbeat: %v", err)
	}
	rec, err = b.GetRecord(ctx, tc, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.LeaseUntil.Equal(want) {
		t.Fatalf("lease shortened: want=%v got=%v", want, rec.LeaseUntil)
	}
}

func TestHeartbeatKeepsLeaseOutOfReclaim(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, b, tc, testMessage("steady.job"))
	leased := mustDequeue(t, b, tc)

	// Extend well past the default lease, then cross the original deadline.
	if err := b.HeartbeatExtend(ctx, tc, id, leased.LeaseToken, 10*time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.Advance(defaultLeaseDuration + time.Second)

	n, err := b.ReclaimExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed a live lease: n=%d", n)
	}
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, nil); err != nil {
		t.Fatalf("ack complete: %v", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	retryable := mustEnqueue(t, b, tc, testMessage("retryable.job"))
	clock.Advance(time.Millisecond)
	exhausted := testMessage("exhausted.job")
	exhausted.MaxRetries = 1
	exhaustedID := mustEnqueue(t, b, tc, exhausted)

	l1 := mustDequeue(t, b, tc)
	l2 := mustDequeue(t, b, tc)
	if l1.Record.JobID == l2.Record.JobID {
		t.Fatalf("double lease of %v", l1.Record.JobID)
	}

	if !b.ForceLeaseExpiry(retryable) || !b.ForceLeaseExpiry(exhaustedID) {
		t.Fatalf("force lease expiry failed")
	}
	n, err := b.ReclaimExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 2 {
		t.Fatalf("reclaimed: want=2 got=%d", n)
	}

	rec, err := b.GetRecord(ctx, tc, retryable)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != queue.StatusRetrying {
		t.Fatalf("retryable status: want=%v got=%v", queue.StatusRetrying, rec.Status)
	}

	rec, err = b.GetRecord(ctx, tc, exhaustedID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != queue.StatusFailed {
		t.Fatalf("exhausted status: want=%v got=%v", queue.StatusFailed, rec.Status)
	}
	if rec.LastError != "Max retries exceeded due to lease expiry" {
		t.Fatalf("exhausted error: got=%q", rec.LastError)
	}
	if rec.FinishedAt.IsZero() {
		t.Fatalf("finished_at not set")
	}

	// The reclaimed job is immediately redeliverable with a fresh lease.
	leased := mustDequeue(t, b, tc)
	if leased.Record.JobID != retryable {
		t.Fatalf("redelivery: want=%v got=%v", retryable, leased.Record.JobID)
	}
	if leased.Record.Attempt != 2 {
		t.Fatalf("attempt: want=2 got=%d", leased.Record.Attempt)
	}
	if leased.LeaseToken == l1.LeaseToken {
		t.Fatalf("lease token reused across reclaim")
	}
}

func TestTenantIsolation(t *testing.T) {
	b, _, _ := newTestBackend(t)
	a := tenant.New("tenant-a")
	other := tenant.New("tenant-b")
	ctx := context.Background()

	id := mustEnqueue(t, b, a, testMessage("private.job"))

	if _, err := b.GetRecord(ctx, other, id); !queue.IsCode(err, queue.CodeJobNotFound) {
		t.Fatalf("cross-tenant read: want job_not_found got %v", err)
	}
	if leased, err := b.Dequeue(ctx, other, nil); err != nil || leased != nil {
		t.Fatalf("cross-tenant dequeue: leased=%v err=%v", leased, err)
	}
	depth, err := b.QueueDepth(ctx, other, "")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("cross-tenant depth: want=0 got=%d", depth)
	}
}

func TestQueueDepthAndQueueFilter(t *testing.T) {
	b, clock, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	mustEnqueue(t, b, tc, testMessage("a.job"))
	clock.Advance(time.Millisecond)

	emails := testMessage("mail.send")
	emails.Queue = "emails"
	emails.Priority = queue.PriorityHigh
	mailID := mustEnqueue(t, b, tc, emails)
	clock.Advance(time.Millisecond)

	later := testMessage("later.job")
	later.RunAt = clock.Now().Add(time.Hour)
	mustEnqueue(t, b, tc, later)

	depth, err := b.QueueDepth(ctx, tc, "")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("total depth: want=3 got=%d", depth)
	}
	depth, err = b.QueueDepth(ctx, tc, "emails")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("emails depth: want=1 got=%d", depth)
	}

	// Scoped dequeue only sees the named queue.
	leased := mustDequeue(t, b, tc, "emails")
	if leased.Record.JobID != mailID {
		t.Fatalf("scoped dequeue: want=%v got=%v", mailID, leased.Record.JobID)
	}
	if leased, err := b.Dequeue(ctx, tc, []string{"emails"}); err != nil || leased != nil {
		t.Fatalf("emails drained: leased=%v err=%v", leased, err)
	}
}

func TestSubscribeStreamsTenantEvents(t *testing.T) {
	b, _, _ := newTestBackend(t)
	tc := tenant.New("t1")
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, tc)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Another tenant's activity lands on its own channel, never this one.
	mustEnqueue(t, b, tenant.New("t2"), testMessage("noise.job"))

	id := mustEnqueue(t, b, tc, testMessage("watched.job"))
	leased := mustDequeue(t, b, tc)
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, nil); err != nil {
		t.Fatalf("ack complete: %v", err)
	}

	want := []queue.EventKind{queue.EventEnqueued, queue.EventLeased, queue.EventCompleted}
	for i, kind := range want {
		select {
		case ev := <-ch:
			if ev.Kind != kind {
				t.Fatalf("event %d: want=%v got=%v", i, kind, ev.Kind)
			}
			if ev.JobID != id {
				t.Fatalf("event %d job id: want=%v got=%v", i, id, ev.JobID)
			}
			if ev.TenantID != tc.TenantID {
				t.Fatalf("event %d tenant: got=%q", i, ev.TenantID)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d (%v) never arrived", i, kind)
		}
	}
}

func TestTerminalRecordExpires(t *testing.T) {
	b, _, mr := newTestBackend(t, WithTerminalTTL(time.Hour))
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, b, tc, testMessage("short.lived"))
	leased := mustDequeue(t, b, tc)

	if ttl := mr.TTL(b.jobKey(id)); ttl != 0 {
		t.Fatalf("live record must not expire: ttl=%v", ttl)
	}
	if err := b.AckComplete(ctx, tc, id, leased.LeaseToken, nil); err != nil {
		t.Fatalf("ack complete: %v", err)
	}
	if ttl := mr.TTL(b.jobKey(id)); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("terminal record ttl: got=%v", ttl)
	}
}

func TestKeyPrefixSeparatesBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := newFakeClock()
	blue := New(logger.Nop(), rdb, WithClock(clock.Now), WithKeyPrefix("blue"))
	green := New(logger.Nop(), rdb, WithClock(clock.Now), WithKeyPrefix("green"))
	tc := tenant.New("t1")
	ctx := context.Background()

	id := mustEnqueue(t, blue, tc, testMessage("scoped.job"))

	if leased, err := green.Dequeue(ctx, tc, nil); err != nil || leased != nil {
		t.Fatalf("cross-prefix dequeue: leased=%v err=%v", leased, err)
	}
	if _, err := green.GetRecord(ctx, tc, id); !queue.IsCode(err, queue.CodeJobNotFound) {
		t.Fatalf("cross-prefix read: want job_not_found got %v", err)
	}
	if leased := mustDequeue(t, blue, tc); leased.Record.JobID != id {
		t.Fatalf("own-prefix dequeue: want=%v got=%v", id, leased.Record.JobID)
	}
}

func TestCapabilities(t *testing.T) {
	b, _, _ := newTestBackend(t)
	caps := b.Capabilities()
	if !caps.Persistent || !caps.Distributed || !caps.AtomicDequeue {
		t.Fatalf("capabilities: %+v", caps)
	}
	if !caps.IdempotentEnqueue || !caps.Prioritization || !caps.ScheduledDelivery {
		t.Fatalf("capabilities: %+v", caps)
	}
}
