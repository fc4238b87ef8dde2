package memq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/tenant"
)

// Backend is the reference in-memory implementation of the queue
// contract. Records, per-queue order, idempotency scopes and the event
// broadcaster each sit behind their own lock; no critical section spans
// a blocking call. Lock nesting is one-way: the queue or idempotency
// lock may take the record lock inside it, never the reverse.
type Backend struct {
	log *logger.Logger
	now func() time.Time

	leaseDuration time.Duration

	mu      recordsLock
	qmu     queuesLock
	imu     idemLock
	caster  *queue.Broadcaster
	itemSeq uint64
}

const defaultLeaseDuration = 30 * time.Second

type Option func(*Backend)

// WithClock injects a time source, test seam.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithLeaseDuration sets the initial lease length assigned on dequeue.
func WithLeaseDuration(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.leaseDuration = d
		}
	}
}

// WithEventBuffer sets the per-subscriber channel capacity.
func WithEventBuffer(n int) Option {
	return func(b *Backend) { b.caster.SetBuffer(n) }
}

// WithEventSink installs a callback invoked synchronously for every job
// event, independent of subscriptions. The observability recorder hangs
// off this.
func WithEventSink(fn func(queue.Event)) Option {
	return func(b *Backend) { b.caster.SetSink(fn) }
}

func New(log *logger.Logger, opts ...Option) *Backend {
	b := &Backend{
		log:           log.With("component", "MemQueue"),
		now:           time.Now,
		leaseDuration: defaultLeaseDuration,
	}
	b.mu.records = make(map[uuid.UUID]*queue.Record)
	b.qmu.queues = make(map[string]map[string][]queueItem)
	b.imu.scopes = make(map[string]uuid.UUID)
	b.caster = queue.NewBroadcaster(b.log)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		AtomicDequeue:     true,
		IdempotentEnqueue: true,
		Prioritization:    true,
		ScheduledDelivery: true,
	}
}

// Enqueue stores the message. When the idempotency scope already maps to
// a non-terminal job, that job id is returned and nothing is created.
func (b *Backend) Enqueue(ctx context.Context, tc tenant.Context, msg queue.Message) (uuid.UUID, error) {
	if !tc.Valid() {
		return uuid.Nil, queue.ErrInternal("tenant context required", nil)
	}
	if msg.JobType == "" {
		return uuid.Nil, queue.ErrSerializationMsg("message job_type is empty")
	}
	if msg.Queue == "" {
		msg.Queue = "default"
	}
	if msg.CodecID == "" {
		msg.CodecID = "json"
	}
	now := b.now()

	if msg.IdempotencyKey != "" {
		key := queue.ScopeKey(tc.TenantID, msg.Queue, msg.JobType, msg.IdempotencyKey)
		b.imu.Lock()
		if existing, ok := b.imu.scopes[key]; ok {
			b.mu.RLock()
			rec := b.mu.records[existing]
			alive := rec != nil && !rec.Status.Terminal()
			b.mu.RUnlock()
			if alive {
				b.imu.Unlock()
				return existing, nil
			}
		}
		id, ev := b.createRecord(tc, msg, now)
		b.imu.scopes[key] = id
		b.imu.Unlock()

		b.enqueueReady(tc.TenantID, msg, id, now)
		b.caster.Broadcast(ev)
		return id, nil
	}

	id, ev := b.createRecord(tc, msg, now)
	b.enqueueReady(tc.TenantID, msg, id, now)
	b.caster.Broadcast(ev)
	return id, nil
}

func (b *Backend) createRecord(tc tenant.Context, msg queue.Message, now time.Time) (uuid.UUID, queue.Event) {
	id := uuid.New()
	status := queue.StatusEnqueued
	if msg.RunAt.After(now) {
		status = queue.StatusScheduled
	}
	rec := &queue.Record{
		JobID:     id,
		TenantID:  tc.TenantID,
		Message:   msg,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.mu.Lock()
	b.mu.records[id] = rec
	b.mu.Unlock()
	return id, queue.NewEvent(rec, queue.EventEnqueued, now, "")
}

// enqueueReady inserts the id into its queue's ordered list. Scheduled
// jobs go in too; the dequeue scan skips anything not yet eligible.
func (b *Backend) enqueueReady(tenantID string, msg queue.Message, id uuid.UUID, created time.Time) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	b.itemSeq++
	b.insertLocked(tenantID, msg.Queue, queueItem{
		id:       id,
		priority: msg.Priority,
		created:  created,
		seq:      b.itemSeq,
	})
}

// Dequeue picks the eligible job with the highest priority across the
// requested queues, FIFO within a priority. Selecting the id, removing
// it and flipping the record to processing happen under the queue write
// lock so concurrent dequeues can never lease the same job.
func (b *Backend) Dequeue(ctx context.Context, tc tenant.Context, queues []string) (*queue.Leased, error) {
	if !tc.Valid() {
		return nil, queue.ErrInternal("tenant context required", nil)
	}
	now := b.now()

	b.qmu.Lock()
	defer b.qmu.Unlock()
	tq := b.qmu.queues[tc.TenantID]
	if len(tq) == 0 {
		return nil, nil
	}
	scan := queues
	if len(scan) == 0 {
		scan = make([]string, 0, len(tq))
		for name := range tq {
			scan = append(scan, name)
		}
	}

	for {
		bestQueue, bestIdx, best := b.selectCandidate(tq, scan, now)
		if bestIdx < 0 {
			return nil, nil
		}

		b.mu.Lock()
		rec := b.mu.records[best.id]
		if rec == nil || !eligible(rec, now) {
			// The record changed while unlisted (typically canceled);
			// drop the stale id and rescan.
			b.mu.Unlock()
			tq[bestQueue] = removeAt(tq[bestQueue], bestIdx)
			continue
		}
		tq[bestQueue] = removeAt(tq[bestQueue], bestIdx)
		rec.Status = queue.StatusProcessing
		rec.Attempt++
		rec.LeaseToken = queue.NewLeaseToken()
		rec.LeaseUntil = now.Add(b.leaseDuration)
		rec.UpdatedAt = now
		leased := &queue.Leased{
			Record:     *rec,
			LeaseToken: rec.LeaseToken,
			LeaseUntil: rec.LeaseUntil,
		}
		ev := queue.NewEvent(rec, queue.EventLeased, now, "")
		b.mu.Unlock()

		b.caster.Broadcast(ev)
		return leased, nil
	}
}

// selectCandidate finds the first eligible item per queue (each list is
// already ordered) and keeps the best across queues.
func (b *Backend) selectCandidate(tq map[string][]queueItem, scan []string, now time.Time) (string, int, queueItem) {
	bestQueue := ""
	bestIdx := -1
	var best queueItem

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, name := range scan {
		items := tq[name]
		for i, it := range items {
			rec := b.mu.records[it.id]
			if rec == nil || !eligible(rec, now) {
				continue
			}
			if bestIdx < 0 || it.beats(best) {
				bestQueue, bestIdx, best = name, i, it
			}
			break
		}
	}
	return bestQueue, bestIdx, best
}

func eligible(rec *queue.Record, now time.Time) bool {
	if rec.Message.RunAt.After(now) {
		return false
	}
	switch rec.Status {
	case queue.StatusEnqueued, queue.StatusScheduled:
		return true
	case queue.StatusRetrying:
		return !rec.RetryAt.After(now)
	default:
		return false
	}
}

// AckComplete finishes a leased job. Guard order mirrors the contract:
// cancel wins over lease checks, terminal beats token mismatch.
func (b *Backend) AckComplete(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, resultRef *string) error {
	now := b.now()

	b.mu.Lock()
	rec := b.mu.records[jobID]
	if err := queue.GuardAck(rec, tc.TenantID, token, now); err != nil {
		b.mu.Unlock()
		return err
	}
	rec.Status = queue.StatusCompleted
	rec.LeaseToken = ""
	rec.ResultRef = resultRef
	rec.FinishedAt = now
	rec.UpdatedAt = now
	ev := queue.NewEvent(rec, queue.EventCompleted, now, "")
	scope := queue.RecordScope(rec)
	b.mu.Unlock()

	b.releaseScope(scope, jobID)
	b.caster.Broadcast(ev)
	return nil
}

// AckFail records a failure. A non-nil retryAt re-schedules the job as
// supplied by the caller; nil fails it permanently.
func (b *Backend) AckFail(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, jobErr string, retryAt *time.Time) error {
	now := b.now()

	b.mu.Lock()
	rec := b.mu.records[jobID]
	if err := queue.GuardAck(rec, tc.TenantID, token, now); err != nil {
		b.mu.Unlock()
		return err
	}

	if retryAt != nil {
		rec.Status = queue.StatusRetrying
		rec.RetryAt = *retryAt
		rec.LeaseToken = ""
		rec.LastError = jobErr
		rec.UpdatedAt = now
		ev := queue.NewEvent(rec, queue.EventRetrying, now, jobErr)
		tenantID, msg, created := rec.TenantID, rec.Message, rec.CreatedAt
		b.mu.Unlock()

		b.requeue(tenantID, msg, jobID, created)
		b.caster.Broadcast(ev)
		return nil
	}

	rec.Status = queue.StatusFailed
	rec.LeaseToken = ""
	rec.LastError = jobErr
	rec.FinishedAt = now
	rec.UpdatedAt = now
	ev := queue.NewEvent(rec, queue.EventFailed, now, jobErr)
	scope := queue.RecordScope(rec)
	b.mu.Unlock()

	b.releaseScope(scope, jobID)
	b.caster.Broadcast(ev)
	return nil
}

// HeartbeatExtend pushes the lease deadline to at least now+delta. It
// never shortens a lease.
func (b *Backend) HeartbeatExtend(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, delta time.Duration) error {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.mu.records[jobID]
	if err := queue.GuardHeartbeat(rec, tc.TenantID, token); err != nil {
		return err
	}
	next := now.Add(delta)
	if next.After(rec.LeaseUntil) {
		rec.LeaseUntil = next
	}
	rec.UpdatedAt = now
	return nil
}

// Cancel marks a non-terminal job canceled. It returns false when the
// job already reached a terminal state.
func (b *Backend) Cancel(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (bool, error) {
	now := b.now()

	b.mu.Lock()
	rec := b.mu.records[jobID]
	if rec == nil || rec.TenantID != tc.TenantID {
		b.mu.Unlock()
		return false, queue.ErrJobNotFound(jobID)
	}
	if rec.Status.Terminal() {
		b.mu.Unlock()
		return false, nil
	}
	rec.Status = queue.StatusCanceled
	rec.LeaseToken = ""
	rec.FinishedAt = now
	rec.UpdatedAt = now
	ev := queue.NewEvent(rec, queue.EventCanceled, now, "")
	tenantID, queueName := rec.TenantID, rec.Message.Queue
	scope := queue.RecordScope(rec)
	b.mu.Unlock()

	b.removeFromQueue(tenantID, queueName, jobID)
	b.releaseScope(scope, jobID)
	b.caster.Broadcast(ev)
	return true, nil
}

func (b *Backend) GetStatus(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (queue.Status, error) {
	rec, err := b.GetRecord(ctx, tc, jobID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetRecord returns a copy of the record. Payload bytes are shared;
// callers must not mutate them.
func (b *Backend) GetRecord(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (*queue.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec := b.mu.records[jobID]
	if rec == nil || rec.TenantID != tc.TenantID {
		return nil, queue.ErrJobNotFound(jobID)
	}
	cp := *rec
	return &cp, nil
}

// Subscribe opens a bounded tenant-scoped event stream. The returned
// func cancels the subscription and closes the channel.
func (b *Backend) Subscribe(ctx context.Context, tc tenant.Context) (<-chan queue.Event, func(), error) {
	if !tc.Valid() {
		return nil, nil, queue.ErrInternal("tenant context required", nil)
	}
	ch, cancel := b.caster.Subscribe(tc.TenantID)
	return ch, cancel, nil
}

// ReclaimExpired transitions every processing job whose lease passed:
// attempts exhausted fails the job, otherwise it becomes immediately
// retryable. The stale token is invalidated either way.
func (b *Backend) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	type requeueEntry struct {
		tenantID string
		msg      queue.Message
		id       uuid.UUID
		created  time.Time
	}
	var (
		requeues []requeueEntry
		released []scopeRelease
		evs      []queue.Event
	)

	b.mu.Lock()
	n := 0
	for _, rec := range b.mu.records {
		if rec.Status != queue.StatusProcessing || !now.After(rec.LeaseUntil) {
			continue
		}
		n++
		rec.LeaseToken = ""
		rec.UpdatedAt = now
		if rec.Attempt >= rec.Message.MaxRetries {
			rec.Status = queue.StatusFailed
			rec.LastError = "Max retries exceeded due to lease expiry"
			rec.FinishedAt = now
			evs = append(evs, queue.NewEvent(rec, queue.EventFailed, now, rec.LastError))
			released = append(released, scopeRelease{key: queue.RecordScope(rec), id: rec.JobID})
			continue
		}
		rec.Status = queue.StatusRetrying
		rec.RetryAt = now
		evs = append(evs, queue.NewEvent(rec, queue.EventRetrying, now, "lease expired"))
		requeues = append(requeues, requeueEntry{
			tenantID: rec.TenantID,
			msg:      rec.Message,
			id:       rec.JobID,
			created:  rec.CreatedAt,
		})
	}
	b.mu.Unlock()

	for _, r := range requeues {
		b.requeue(r.tenantID, r.msg, r.id, r.created)
	}
	for _, rel := range released {
		b.releaseScope(rel.key, rel.id)
	}
	for _, ev := range evs {
		b.caster.Broadcast(ev)
	}
	return n, nil
}

// ForceLeaseExpiry backdates the lease of a processing job, test seam
// for expiry races.
func (b *Backend) ForceLeaseExpiry(jobID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.mu.records[jobID]
	if rec == nil || rec.Status != queue.StatusProcessing {
		return false
	}
	rec.LeaseUntil = b.now().Add(-time.Second)
	return true
}

// QueueDepth reports the number of ids sitting in a queue's list,
// including scheduled and retry-waiting jobs.
func (b *Backend) QueueDepth(ctx context.Context, tc tenant.Context, queueName string) (int, error) {
	b.qmu.RLock()
	defer b.qmu.RUnlock()
	tq := b.qmu.queues[tc.TenantID]
	if tq == nil {
		return 0, nil
	}
	if queueName == "" {
		total := 0
		for _, items := range tq {
			total += len(items)
		}
		return total, nil
	}
	return len(tq[queueName]), nil
}

func (b *Backend) requeue(tenantID string, msg queue.Message, id uuid.UUID, created time.Time) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	b.itemSeq++
	b.insertLocked(tenantID, msg.Queue, queueItem{
		id:       id,
		priority: msg.Priority,
		created:  created,
		seq:      b.itemSeq,
	})
}

func (b *Backend) removeFromQueue(tenantID, queueName string, id uuid.UUID) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	tq := b.qmu.queues[tenantID]
	if tq == nil {
		return
	}
	items := tq[queueName]
	for i, it := range items {
		if it.id == id {
			tq[queueName] = removeAt(items, i)
			return
		}
	}
}

type scopeRelease struct {
	key string
	id  uuid.UUID
}

// releaseScope clears an idempotency mapping once the mapped job reached
// a terminal state. A scope remapped to a newer job is left alone.
func (b *Backend) releaseScope(key string, id uuid.UUID) {
	if key == "" {
		return
	}
	b.imu.Lock()
	if mapped, ok := b.imu.scopes[key]; ok && mapped == id {
		delete(b.imu.scopes, key)
	}
	b.imu.Unlock()
}

