package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/tenant"
)

// Backend stores jobs in redis. Every transition runs as an optimistic
// WATCH/MULTI transaction on the job key, so concurrent claimers and
// ackers on different nodes never both win. Ready jobs sit in per-queue
// sorted sets scored by priority band plus creation time; scheduled and
// retry-waiting jobs sit in delayed sets scored by eligibility time and
// are promoted during dequeue. Events travel over pub/sub, so
// subscribers see transitions from every node.
type Backend struct {
	log *logger.Logger
	rdb *goredis.Client
	now func() time.Time

	prefix        string
	leaseDuration time.Duration
	terminalTTL   time.Duration
	eventBuffer   int
	sink          func(queue.Event)
}

const (
	defaultPrefix        = "keel"
	defaultLeaseDuration = 30 * time.Second
	defaultTerminalTTL   = 24 * time.Hour
	defaultEventBuffer   = 64

	// A contended dequeue gives up after this many lost claims; the
	// worker's idle loop comes straight back.
	maxClaimAttempts = 16
)

type Option func(*Backend)

// WithClock injects a time source, test seam.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithKeyPrefix namespaces every key this backend touches.
func WithKeyPrefix(prefix string) Option {
	return func(b *Backend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithLeaseDuration sets the initial lease length assigned on dequeue.
func WithLeaseDuration(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.leaseDuration = d
		}
	}
}

// WithTerminalTTL bounds how long completed, failed and canceled records
// stay readable. Zero keeps them forever.
func WithTerminalTTL(d time.Duration) Option {
	return func(b *Backend) {
		if d >= 0 {
			b.terminalTTL = d
		}
	}
}

// WithEventBuffer sets the per-subscriber channel capacity.
func WithEventBuffer(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.eventBuffer = n
		}
	}
}

// WithEventSink installs a callback invoked synchronously for every
// event published by this process, independent of subscriptions.
func WithEventSink(fn func(queue.Event)) Option {
	return func(b *Backend) { b.sink = fn }
}

func New(log *logger.Logger, rdb *goredis.Client, opts ...Option) *Backend {
	b := &Backend{
		log:           log.With("component", "RedisQueue"),
		rdb:           rdb,
		now:           time.Now,
		prefix:        defaultPrefix,
		leaseDuration: defaultLeaseDuration,
		terminalTTL:   defaultTerminalTTL,
		eventBuffer:   defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Persistent:        true,
		Distributed:       true,
		AtomicDequeue:     true,
		IdempotentEnqueue: true,
		Prioritization:    true,
		ScheduledDelivery: true,
	}
}

// watchLoop retries fn while the optimistic transaction keeps losing its
// watched keys to concurrent writers.
func (b *Backend) watchLoop(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for {
		err := b.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return queue.ErrInternal("transaction interrupted", ctx.Err())
		}
	}
}

func (b *Backend) fetchRecord(ctx context.Context, c goredis.Cmdable, jobID uuid.UUID) (*queue.Record, error) {
	raw, err := c.Get(ctx, b.jobKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, queue.ErrInternal("load job record", err)
	}
	return unmarshalRecord(raw)
}

func (b *Backend) emit(ctx context.Context, ev queue.Event) {
	if b.sink != nil {
		b.sink(ev)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("encode job event failed", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.eventsChannel(ev.TenantID), raw).Err(); err != nil {
		b.log.Warn("publish job event failed",
			"tenant_id", ev.TenantID,
			"kind", string(ev.Kind),
			"error", err)
	}
}

func (b *Backend) enqueuePipe(ctx context.Context, pipe goredis.Pipeliner, rec *queue.Record, raw []byte) {
	idStr := rec.JobID.String()
	pipe.Set(ctx, b.jobKey(rec.JobID), raw, 0)
	if rec.Status == queue.StatusScheduled {
		pipe.ZAdd(ctx, b.delayedKey(rec.TenantID, rec.Message.Queue), goredis.Z{
			Score:  delayedScore(rec.Message.RunAt),
			Member: idStr,
		})
	} else {
		pipe.ZAdd(ctx, b.readyKey(rec.TenantID, rec.Message.Queue), goredis.Z{
			Score:  readyScore(rec.Message.Priority, rec.CreatedAt),
			Member: idStr,
		})
	}
	pipe.SAdd(ctx, b.queuesKey(rec.TenantID), rec.Message.Queue)
}

// Enqueue stores the record and lists it as ready or delayed. An
// idempotent enqueue runs under WATCH on the scope mapping: whoever
// commits first owns the scope, and everyone else gets that job id back.
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

	rec := &queue.Record{
		JobID:     uuid.New(),
		TenantID:  tc.TenantID,
		Message:   msg,
		Status:    queue.StatusEnqueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if msg.RunAt.After(now) {
		rec.Status = queue.StatusScheduled
	}
	raw, err := marshalRecord(rec)
	if err != nil {
		return uuid.Nil, err
	}

	if msg.IdempotencyKey == "" {
		pipe := b.rdb.TxPipeline()
		b.enqueuePipe(ctx, pipe, rec, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return uuid.Nil, queue.ErrInternal("enqueue job", err)
		}
		b.emit(ctx, queue.NewEvent(rec, queue.EventEnqueued, now, ""))
		return rec.JobID, nil
	}

	idem := b.idemKey(queue.ScopeKey(tc.TenantID, msg.Queue, msg.JobType, msg.IdempotencyKey))
	var existing uuid.UUID
	err = b.watchLoop(ctx, func(tx *goredis.Tx) error {
		existing = uuid.Nil
		cur, err := tx.Get(ctx, idem).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return queue.ErrInternal("idempotency lookup", err)
		}
		if err == nil && cur != "" {
			if curID, perr := uuid.Parse(cur); perr == nil {
				curRec, lerr := b.fetchRecord(ctx, tx, curID)
				if lerr != nil {
					return lerr
				}
				if curRec != nil && !curRec.Status.Terminal() {
					existing = curID
					return nil
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, idem, rec.JobID.String(), 0)
			b.enqueuePipe(ctx, pipe, rec, raw)
			return nil
		})
		return err
	}, idem)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != uuid.Nil {
		return existing, nil
	}
	b.emit(ctx, queue.NewEvent(rec, queue.EventEnqueued, now, ""))
	return rec.JobID, nil
}

// Dequeue promotes due delayed jobs, picks the lowest ready score across
// the scanned queues and claims it under WATCH on the job key. A lost
// claim rescans; persistent contention returns empty rather than
// spinning.
func (b *Backend) Dequeue(ctx context.Context, tc tenant.Context, queues []string) (*queue.Leased, error) {
	if !tc.Valid() {
		return nil, queue.ErrInternal("tenant context required", nil)
	}
	now := b.now()

	scan := queues
	if len(scan) == 0 {
		names, err := b.rdb.SMembers(ctx, b.queuesKey(tc.TenantID)).Result()
		if err != nil {
			return nil, queue.ErrInternal("list tenant queues", err)
		}
		scan = names
	}
	if len(scan) == 0 {
		return nil, nil
	}
	sort.Strings(scan)

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		queueName, idStr, found, err := b.bestCandidate(ctx, tc, scan, now)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		leased, err := b.claim(ctx, tc, queueName, idStr, now)
		if err != nil {
			return nil, err
		}
		if leased != nil {
			return leased, nil
		}
	}
	return nil, nil
}

func (b *Backend) bestCandidate(ctx context.Context, tc tenant.Context, scan []string, now time.Time) (string, string, bool, error) {
	bestQueue, bestID := "", ""
	bestScore := math.MaxFloat64
	for _, name := range scan {
		if err := b.promoteDelayed(ctx, tc, name, now); err != nil {
			return "", "", false, err
		}
		head, err := b.rdb.ZRangeWithScores(ctx, b.readyKey(tc.TenantID, name), 0, 0).Result()
		if err != nil {
			return "", "", false, queue.ErrInternal("scan ready queue", err)
		}
		if len(head) == 0 {
			continue
		}
		id, ok := head[0].Member.(string)
		if !ok {
			continue
		}
		if head[0].Score < bestScore {
			bestQueue, bestID, bestScore = name, id, head[0].Score
		}
	}
	return bestQueue, bestID, bestQueue != "", nil
}

// promoteDelayed moves due jobs from the delayed set to the ready set.
// Ready is written before delayed is cleared; a crash in between leaves
// a duplicate entry that the claim path drops as stale.
func (b *Backend) promoteDelayed(ctx context.Context, tc tenant.Context, queueName string, now time.Time) error {
	delayed := b.delayedKey(tc.TenantID, queueName)
	ids, err := b.rdb.ZRangeByScore(ctx, delayed, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return queue.ErrInternal("scan delayed jobs", err)
	}
	for _, idStr := range ids {
		jobID, perr := uuid.Parse(idStr)
		if perr != nil {
			b.rdb.ZRem(ctx, delayed, idStr)
			continue
		}
		rec, err := b.fetchRecord(ctx, b.rdb, jobID)
		if err != nil {
			return err
		}
		if rec == nil || !eligible(rec, now) {
			b.rdb.ZRem(ctx, delayed, idStr)
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.ZAdd(ctx, b.readyKey(tc.TenantID, queueName), goredis.Z{
			Score:  readyScore(rec.Message.Priority, rec.CreatedAt),
			Member: idStr,
		})
		pipe.ZRem(ctx, delayed, idStr)
		if _, err := pipe.Exec(ctx); err != nil {
			return queue.ErrInternal("promote delayed job", err)
		}
	}
	return nil
}

// claim flips one ready job to processing. It returns nil without error
// when the entry was stale or another claimer won the watch.
func (b *Backend) claim(ctx context.Context, tc tenant.Context, queueName, idStr string, now time.Time) (*queue.Leased, error) {
	ready := b.readyKey(tc.TenantID, queueName)
	jobID, err := uuid.Parse(idStr)
	if err != nil {
		b.rdb.ZRem(ctx, ready, idStr)
		return nil, nil
	}

	var (
		leased *queue.Leased
		ev     queue.Event
	)
	key := b.jobKey(jobID)
	werr := b.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		rec, err := b.fetchRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if rec == nil || rec.TenantID != tc.TenantID || !eligible(rec, now) {
			// Stale ready entry (typically canceled); drop it and move on.
			_, perr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, ready, idStr)
				return nil
			})
			return perr
		}
		rec.Status = queue.StatusProcessing
		rec.Attempt++
		rec.LeaseToken = queue.NewLeaseToken()
		rec.LeaseUntil = now.Add(b.leaseDuration)
		rec.UpdatedAt = now
		raw, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.ZRem(ctx, ready, idStr)
			pipe.ZAdd(ctx, b.processingKey(), goredis.Z{
				Score:  float64(rec.LeaseUntil.UnixMilli()),
				Member: idStr,
			})
			return nil
		})
		if err != nil {
			return err
		}
		leased = &queue.Leased{Record: *rec, LeaseToken: rec.LeaseToken, LeaseUntil: rec.LeaseUntil}
		ev = queue.NewEvent(rec, queue.EventLeased, now, "")
		return nil
	}, key)
	if errors.Is(werr, goredis.TxFailedErr) {
		return nil, nil
	}
	if werr != nil {
		return nil, werr
	}
	if leased == nil {
		return nil, nil
	}
	b.emit(ctx, ev)
	return leased, nil
}

// AckComplete finishes a leased job and releases its idempotency scope.
func (b *Backend) AckComplete(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, resultRef *string) error {
	now := b.now()
	key := b.jobKey(jobID)

	var ev queue.Event
	err := b.watchLoop(ctx, func(tx *goredis.Tx) error {
		rec, err := b.fetchRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := queue.GuardAck(rec, tc.TenantID, token, now); err != nil {
			return err
		}
		rec.Status = queue.StatusCompleted
		rec.LeaseToken = ""
		rec.ResultRef = resultRef
		rec.FinishedAt = now
		rec.UpdatedAt = now
		raw, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		scope := queue.RecordScope(rec)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, b.terminalTTL)
			pipe.ZRem(ctx, b.processingKey(), jobID.String())
			if scope != "" {
				pipe.Del(ctx, b.idemKey(scope))
			}
			return nil
		})
		if err != nil {
			return err
		}
		ev = queue.NewEvent(rec, queue.EventCompleted, now, "")
		return nil
	}, key)
	if err != nil {
		return err
	}
	b.emit(ctx, ev)
	return nil
}

// AckFail records a failure. A non-nil retryAt re-schedules the job into
// the delayed set; nil fails it permanently.
func (b *Backend) AckFail(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, jobErr string, retryAt *time.Time) error {
	now := b.now()
	key := b.jobKey(jobID)

	var ev queue.Event
	err := b.watchLoop(ctx, func(tx *goredis.Tx) error {
		rec, err := b.fetchRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := queue.GuardAck(rec, tc.TenantID, token, now); err != nil {
			return err
		}
		rec.LeaseToken = ""
		rec.LastError = jobErr
		rec.UpdatedAt = now
		idStr := jobID.String()

		if retryAt != nil {
			rec.Status = queue.StatusRetrying
			rec.RetryAt = *retryAt
			raw, err := marshalRecord(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				pipe.ZRem(ctx, b.processingKey(), idStr)
				pipe.ZAdd(ctx, b.delayedKey(rec.TenantID, rec.Message.Queue), goredis.Z{
					Score:  delayedScore(*retryAt),
					Member: idStr,
				})
				return nil
			})
			if err != nil {
				return err
			}
			ev = queue.NewEvent(rec, queue.EventRetrying, now, jobErr)
			return nil
		}

		rec.Status = queue.StatusFailed
		rec.FinishedAt = now
		raw, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		scope := queue.RecordScope(rec)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, b.terminalTTL)
			pipe.ZRem(ctx, b.processingKey(), idStr)
			if scope != "" {
				pipe.Del(ctx, b.idemKey(scope))
			}
			return nil
		})
		if err != nil {
			return err
		}
		ev = queue.NewEvent(rec, queue.EventFailed, now, jobErr)
		return nil
	}, key)
	if err != nil {
		return err
	}
	b.emit(ctx, ev)
	return nil
}

// HeartbeatExtend pushes the lease deadline to at least now+delta and
// keeps the processing set's score in step. It never shortens a lease.
func (b *Backend) HeartbeatExtend(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, delta time.Duration) error {
	now := b.now()
	key := b.jobKey(jobID)

	return b.watchLoop(ctx, func(tx *goredis.Tx) error {
		rec, err := b.fetchRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := queue.GuardHeartbeat(rec, tc.TenantID, token); err != nil {
			return err
		}
		next := now.Add(delta)
		if next.After(rec.LeaseUntil) {
			rec.LeaseUntil = next
		}
		rec.UpdatedAt = now
		raw, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.ZAdd(ctx, b.processingKey(), goredis.Z{
				Score:  float64(rec.LeaseUntil.UnixMilli()),
				Member: jobID.String(),
			})
			return nil
		})
		return err
	}, key)
}

// Cancel marks a non-terminal job canceled and clears it out of every
// queue set. It returns false when the job was already terminal.
func (b *Backend) Cancel(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (bool, error) {
	now := b.now()
	key := b.jobKey(jobID)

	var (
		ev       queue.Event
		canceled bool
	)
	err := b.watchLoop(ctx, func(tx *goredis.Tx) error {
		canceled = false
		rec, err := b.fetchRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if rec == nil || rec.TenantID != tc.TenantID {
			return queue.ErrJobNotFound(jobID)
		}
		if rec.Status.Terminal() {
			return nil
		}
		rec.Status = queue.StatusCanceled
		rec.LeaseToken = ""
		rec.FinishedAt = now
		rec.UpdatedAt = now
		raw, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		scope := queue.RecordScope(rec)
		idStr := jobID.String()
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, b.terminalTTL)
			pipe.ZRem(ctx, b.readyKey(rec.TenantID, rec.Message.Queue), idStr)
			pipe.ZRem(ctx, b.delayedKey(rec.TenantID, rec.Message.Queue), idStr)
			pipe.ZRem(ctx, b.processingKey(), idStr)
			if scope != "" {
				pipe.Del(ctx, b.idemKey(scope))
			}
			return nil
		})
		if err != nil {
			return err
		}
		canceled = true
		ev = queue.NewEvent(rec, queue.EventCanceled, now, "")
		return nil
	}, key)
	if err != nil {
		return false, err
	}
	if canceled {
		b.emit(ctx, ev)
	}
	return canceled, nil
}

func (b *Backend) GetStatus(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (queue.Status, error) {
	rec, err := b.GetRecord(ctx, tc, jobID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (b *Backend) GetRecord(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (*queue.Record, error) {
	rec, err := b.fetchRecord(ctx, b.rdb, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.TenantID != tc.TenantID {
		return nil, queue.ErrJobNotFound(jobID)
	}
	return rec, nil
}

// Subscribe opens a bounded tenant-scoped event stream fed by pub/sub.
// The returned func cancels the subscription and closes the channel.
func (b *Backend) Subscribe(ctx context.Context, tc tenant.Context) (<-chan queue.Event, func(), error) {
	if !tc.Valid() {
		return nil, nil, queue.ErrInternal("tenant context required", nil)
	}
	sub := b.rdb.Subscribe(ctx, b.eventsChannel(tc.TenantID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, queue.ErrInternal("subscribe to job events", err)
	}

	out := make(chan queue.Event, b.eventBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev queue.Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad job event payload", "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					b.log.Warn("dropping job event for slow subscriber",
						"tenant_id", ev.TenantID,
						"job_id", ev.JobID.String(),
						"kind", string(ev.Kind))
				}
			}
		}
	}()
	return out, cancel, nil
}

// ReclaimExpired walks the processing set for leases that ended before
// now and reclaims each job under its own watch: attempts exhausted
// fails the job, otherwise it becomes immediately retryable.
func (b *Backend) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, b.processingKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, queue.ErrInternal("scan expired leases", err)
	}

	n := 0
	for _, idStr := range ids {
		jobID, perr := uuid.Parse(idStr)
		if perr != nil {
			b.rdb.ZRem(ctx, b.processingKey(), idStr)
			continue
		}
		reclaimed, err := b.reclaimOne(ctx, jobID, now)
		if err != nil {
			return n, err
		}
		if reclaimed {
			n++
		}
	}
	return n, nil
}

func (b *Backend) reclaimOne(ctx context.Context, jobID uuid.UUID, now time.Time) (bool, error) {
	key := b.jobKey(jobID)
	idStr := jobID.String()

	var (
		ev        queue.Event
		reclaimed bool
	)
	err := b.watchLoop(ctx, func(tx *goredis.Tx) error {
		reclaimed = false
		rec, err := b.fetchRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if rec == nil || rec.Status != queue.StatusProcessing {
			// The record moved on; clear the stale processing entry.
			_, perr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, b.processingKey(), idStr)
				return nil
			})
			return perr
		}
		if !now.After(rec.LeaseUntil) {
			// A heartbeat extended the lease between scan and claim.
			return nil
		}

		rec.LeaseToken = ""
		rec.UpdatedAt = now
		if rec.Attempt >= rec.Message.MaxRetries {
			rec.Status = queue.StatusFailed
			rec.LastError = "Max retries exceeded due to lease expiry"
			rec.FinishedAt = now
			raw, err := marshalRecord(rec)
			if err != nil {
				return err
			}
			scope := queue.RecordScope(rec)
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, raw, b.terminalTTL)
				pipe.ZRem(ctx, b.processingKey(), idStr)
				if scope != "" {
					pipe.Del(ctx, b.idemKey(scope))
				}
				return nil
			})
			if err != nil {
				return err
			}
			reclaimed = true
			ev = queue.NewEvent(rec, queue.EventFailed, now, rec.LastError)
			return nil
		}

		rec.Status = queue.StatusRetrying
		rec.RetryAt = now
		raw, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.ZRem(ctx, b.processingKey(), idStr)
			pipe.ZAdd(ctx, b.delayedKey(rec.TenantID, rec.Message.Queue), goredis.Z{
				Score:  delayedScore(now),
				Member: idStr,
			})
			return nil
		})
		if err != nil {
			return err
		}
		reclaimed = true
		ev = queue.NewEvent(rec, queue.EventRetrying, now, "lease expired")
		return nil
	}, key)
	if err != nil {
		return false, err
	}
	if reclaimed {
		b.emit(ctx, ev)
	}
	return reclaimed, nil
}

// ForceLeaseExpiry backdates the lease of a processing job, test seam
// for expiry races.
func (b *Backend) ForceLeaseExpiry(jobID uuid.UUID) bool {
	ctx := context.Background()
	key := b.jobKey(jobID)

	expired := false
	err := b.watchLoop(ctx, func(tx *goredis.Tx) error {
		expired = false
		rec, err := b.fetchRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if rec == nil || rec.Status != queue.StatusProcessing {
			return nil
		}
		rec.LeaseUntil = b.now().Add(-time.Second)
		raw, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.ZAdd(ctx, b.processingKey(), goredis.Z{
				Score:  float64(rec.LeaseUntil.UnixMilli()),
				Member: jobID.String(),
			})
			return nil
		})
		if err != nil {
			return err
		}
		expired = true
		return nil
	}, key)
	return err == nil && expired
}

// QueueDepth counts ready plus delayed jobs, matching the other
// backends' notion of backlog.
func (b *Backend) QueueDepth(ctx context.Context, tc tenant.Context, queueName string) (int, error) {
	names := []string{queueName}
	if queueName == "" {
		var err error
		names, err = b.rdb.SMembers(ctx, b.queuesKey(tc.TenantID)).Result()
		if err != nil {
			return 0, queue.ErrInternal("list tenant queues", err)
		}
	}
	total := 0
	for _, name := range names {
		ready, err := b.rdb.ZCard(ctx, b.readyKey(tc.TenantID, name)).Result()
		if err != nil {
			return 0, queue.ErrInternal("count ready jobs", err)
		}
		delayed, err := b.rdb.ZCard(ctx, b.delayedKey(tc.TenantID, name)).Result()
		if err != nil {
			return 0, queue.ErrInternal("count delayed jobs", err)
		}
		total += int(ready + delayed)
	}
	return total, nil
}
