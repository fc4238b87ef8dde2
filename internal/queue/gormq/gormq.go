package gormq

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/tenant"
)

// Backend persists jobs in a relational table through GORM. Claiming
// locks the candidate row with FOR UPDATE SKIP LOCKED on postgres, so
// competing nodes never lease the same job; on dialects without row
// locks the status-guarded update detects a lost race and rescans.
// Payloads land in a JSON column, so codecs must emit valid JSON when
// the backing database is postgres. Events are process-local.
type Backend struct {
	log    *logger.Logger
	db     *gorm.DB
	now    func() time.Time
	caster *queue.Broadcaster

	leaseDuration time.Duration
	lockRows      bool
}

const defaultLeaseDuration = 30 * time.Second

var (
	terminalStatuses = []string{
		string(queue.StatusCompleted),
		string(queue.StatusFailed),
		string(queue.StatusCanceled),
	}
	pendingStatuses = []string{
		string(queue.StatusEnqueued),
		string(queue.StatusScheduled),
		string(queue.StatusRetrying),
	}
)

// Only one live job per scope. Terminal rows fall out of the index, so
// a finished scope is immediately reusable.
const activeScopeIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_job_queue_active_scope ON job_queue (scope) WHERE scope <> '' AND status NOT IN ('completed','failed','canceled')`

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
// event, independent of subscriptions.
func WithEventSink(fn func(queue.Event)) Option {
	return func(b *Backend) { b.caster.SetSink(fn) }
}

// New wraps an open GORM handle. The handle should be opened with
// TranslateError so idempotent insert races surface as ErrDuplicatedKey.
func New(log *logger.Logger, db *gorm.DB, opts ...Option) *Backend {
	b := &Backend{
		log:           log.With("component", "GormQueue"),
		db:            db,
		now:           time.Now,
		leaseDuration: defaultLeaseDuration,
		lockRows:      db.Dialector.Name() == "postgres",
	}
	b.caster = queue.NewBroadcaster(b.log)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Migrate creates the job table and the active-scope unique index.
func (b *Backend) Migrate(ctx context.Context) error {
	if err := b.db.WithContext(ctx).AutoMigrate(&jobRow{}); err != nil {
		return queue.ErrInternal("migrate job table", err)
	}
	if err := b.db.WithContext(ctx).Exec(activeScopeIndexSQL).Error; err != nil {
		return queue.ErrInternal("create active scope index", err)
	}
	return nil
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

func (b *Backend) locking(tx *gorm.DB, options string) *gorm.DB {
	if !b.lockRows {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
}

// Enqueue inserts the job row. When the idempotency scope already holds
// a non-terminal job, that job id is returned and nothing is inserted.
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
	row := newRow(tc.TenantID, msg, now)

	var existing uuid.UUID
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if row.Scope != "" {
			id, err := b.liveScopeHolder(tx, row.Scope)
			if err != nil {
				return err
			}
			if id != uuid.Nil {
				existing = id
				return nil
			}
		}
		return tx.Create(row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && row.Scope != "" {
			// Lost the insert race on the active-scope index; surface the winner.
			if id, lerr := b.liveScopeHolder(b.db.WithContext(ctx), row.Scope); lerr == nil && id != uuid.Nil {
				return id, nil
			}
		}
		var qe *queue.Error
		if errors.As(err, &qe) {
			return uuid.Nil, err
		}
		return uuid.Nil, queue.ErrInternal("enqueue job", err)
	}
	if existing != uuid.Nil {
		return existing, nil
	}
	b.caster.Broadcast(queue.NewEvent(fromRow(row), queue.EventEnqueued, now, ""))
	return row.ID, nil
}

func (b *Backend) liveScopeHolder(tx *gorm.DB, scope string) (uuid.UUID, error) {
	var cur jobRow
	err := b.locking(tx, "").
		Where("scope = ? AND status NOT IN ?", scope, terminalStatuses).
		Order("created_at DESC").Limit(1).Find(&cur).Error
	if err != nil {
		return uuid.Nil, queue.ErrInternal("idempotency lookup", err)
	}
	return cur.ID, nil
}

// eligibleScope narrows tx to jobs a dequeue may lease at now.
func eligibleScope(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.
		Where("(run_at IS NULL OR run_at <= ?)", now).
		Where("(status IN ? OR (status = ? AND (retry_at IS NULL OR retry_at <= ?)))",
			[]string{string(queue.StatusEnqueued), string(queue.StatusScheduled)},
			string(queue.StatusRetrying), now)
}

// Dequeue selects the best eligible row and flips it to processing with
// a fresh lease inside one transaction. The update is guarded on the
// observed status and attempt; zero rows affected means another claimer
// won and the scan repeats.
func (b *Backend) Dequeue(ctx context.Context, tc tenant.Context, queues []string) (*queue.Leased, error) {
	if !tc.Valid() {
		return nil, queue.ErrInternal("tenant context required", nil)
	}
	now := b.now()

	for {
		var (
			leased       *queue.Leased
			ev           queue.Event
			sawCandidate bool
		)
		err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sel := b.locking(tx, "SKIP LOCKED").Where("tenant_id = ?", tc.TenantID)
			if len(queues) > 0 {
				sel = sel.Where("queue IN ?", queues)
			}
			var row jobRow
			err := eligibleScope(sel, now).
				Order("priority DESC, created_at ASC, id ASC").
				Limit(1).Find(&row).Error
			if err != nil {
				return queue.ErrInternal("scan for work", err)
			}
			if row.ID == uuid.Nil {
				return nil
			}
			sawCandidate = true

			token := queue.NewLeaseToken()
			until := now.Add(b.leaseDuration)
			res := tx.Model(&jobRow{}).
				Where("id = ? AND status = ? AND attempt = ?", row.ID, row.Status, row.Attempt).
				Updates(map[string]interface{}{
					"status":      string(queue.StatusProcessing),
					"attempt":     gorm.Expr("attempt + 1"),
					"lease_token": token,
					"lease_until": until,
					"updated_at":  now,
				})
			if res.Error != nil {
				return queue.ErrInternal("claim job", res.Error)
			}
			if res.RowsAffected == 0 {
				return nil
			}

			rec := fromRow(&row)
			rec.Status = queue.StatusProcessing
			rec.Attempt++
			rec.LeaseToken = token
			rec.LeaseUntil = until
			rec.UpdatedAt = now
			leased = &queue.Leased{Record: *rec, LeaseToken: token, LeaseUntil: until}
			ev = queue.NewEvent(rec, queue.EventLeased, now, "")
			return nil
		})
		if err != nil {
			return nil, err
		}
		if leased != nil {
			b.caster.Broadcast(ev)
			return leased, nil
		}
		if !sawCandidate {
			return nil, nil
		}
	}
}

func (b *Backend) loadRow(tx *gorm.DB, jobID uuid.UUID) (*jobRow, error) {
	var row jobRow
	if err := b.locking(tx, "").Where("id = ?", jobID).Limit(1).Find(&row).Error; err != nil {
		return nil, queue.ErrInternal("load job", err)
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

// AckComplete finishes a leased job. The shared guard decides the error;
// the token- and status-guarded update keeps the write atomic on
// dialects where the load could not lock the row.
func (b *Backend) AckComplete(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, resultRef *string) error {
	now := b.now()

	var ev queue.Event
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := b.loadRow(tx, jobID)
		if err != nil {
			return err
		}
		rec := fromRow(row)
		if err := queue.GuardAck(rec, tc.TenantID, token, now); err != nil {
			return err
		}
		res := tx.Model(&jobRow{}).
			Where("id = ? AND lease_token = ? AND status = ?", jobID, token, string(queue.StatusProcessing)).
			Updates(map[string]interface{}{
				"status":      string(queue.StatusCompleted),
				"lease_token": "",
				"result_ref":  resultRef,
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return queue.ErrInternal("complete job", res.Error)
		}
		if res.RowsAffected == 0 {
			return queue.ErrLeaseExpired()
		}
		rec.Status = queue.StatusCompleted
		rec.LeaseToken = ""
		rec.ResultRef = resultRef
		rec.FinishedAt = now
		rec.UpdatedAt = now
		ev = queue.NewEvent(rec, queue.EventCompleted, now, "")
		return nil
	})
	if err != nil {
		return err
	}
	b.caster.Broadcast(ev)
	return nil
}

// AckFail records a failure. A non-nil retryAt re-schedules the job as
// supplied by the caller; nil fails it permanently.
func (b *Backend) AckFail(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, jobErr string, retryAt *time.Time) error {
	now := b.now()

	var ev queue.Event
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := b.loadRow(tx, jobID)
		if err != nil {
			return err
		}
		rec := fromRow(row)
		if err := queue.GuardAck(rec, tc.TenantID, token, now); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"lease_token": "",
			"last_error":  jobErr,
			"updated_at":  now,
		}
		rec.LeaseToken = ""
		rec.LastError = jobErr
		rec.UpdatedAt = now
		if retryAt != nil {
			updates["status"] = string(queue.StatusRetrying)
			updates["retry_at"] = *retryAt
			rec.Status = queue.StatusRetrying
			rec.RetryAt = *retryAt
			ev = queue.NewEvent(rec, queue.EventRetrying, now, jobErr)
		} else {
			updates["status"] = string(queue.StatusFailed)
			updates["finished_at"] = now
			rec.Status = queue.StatusFailed
			rec.FinishedAt = now
			ev = queue.NewEvent(rec, queue.EventFailed, now, jobErr)
		}
		res := tx.Model(&jobRow{}).
			Where("id = ? AND lease_token = ? AND status = ?", jobID, token, string(queue.StatusProcessing)).
			Updates(updates)
		if res.Error != nil {
			return queue.ErrInternal("fail job", res.Error)
		}
		if res.RowsAffected == 0 {
			return queue.ErrLeaseExpired()
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.caster.Broadcast(ev)
	return nil
}

// HeartbeatExtend pushes the lease deadline to at least now+delta. It
// never shortens a lease.
func (b *Backend) HeartbeatExtend(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, delta time.Duration) error {
	now := b.now()

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := b.loadRow(tx, jobID)
		if err != nil {
			return err
		}
		if err := queue.GuardHeartbeat(fromRow(row), tc.TenantID, token); err != nil {
			return err
		}
		updates := map[string]interface{}{"updated_at": now}
		next := now.Add(delta)
		if row.LeaseUntil == nil || next.After(*row.LeaseUntil) {
			updates["lease_until"] = next
		}
		res := tx.Model(&jobRow{}).
			Where("id = ? AND lease_token = ? AND status = ?", jobID, token, string(queue.StatusProcessing)).
			Updates(updates)
		if res.Error != nil {
			return queue.ErrInternal("extend lease", res.Error)
		}
		if res.RowsAffected == 0 {
			return queue.ErrInvalidLeaseToken()
		}
		return nil
	})
}

// Cancel marks a non-terminal job canceled. It returns false when the
// job already reached a terminal state.
func (b *Backend) Cancel(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (bool, error) {
	now := b.now()

	var (
		ev       queue.Event
		canceled bool
	)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := b.loadRow(tx, jobID)
		if err != nil {
			return err
		}
		if row == nil || row.TenantID != tc.TenantID {
			return queue.ErrJobNotFound(jobID)
		}
		if queue.Status(row.Status).Terminal() {
			return nil
		}
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status NOT IN ?", jobID, terminalStatuses).
			Updates(map[string]interface{}{
				"status":      string(queue.StatusCanceled),
				"lease_token": "",
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return queue.ErrInternal("cancel job", res.Error)
		}
		if res.RowsAffected == 0 {
			// Went terminal between load and update.
			return nil
		}
		canceled = true
		rec := fromRow(row)
		rec.Status = queue.StatusCanceled
		rec.LeaseToken = ""
		rec.FinishedAt = now
		rec.UpdatedAt = now
		ev = queue.NewEvent(rec, queue.EventCanceled, now, "")
		return nil
	})
	if err != nil {
		return false, err
	}
	if canceled {
		b.caster.Broadcast(ev)
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
	var row jobRow
	if err := b.db.WithContext(ctx).Where("id = ?", jobID).Limit(1).Find(&row).Error; err != nil {
		return nil, queue.ErrInternal("load job", err)
	}
	if row.ID == uuid.Nil || row.TenantID != tc.TenantID {
		return nil, queue.ErrJobNotFound(jobID)
	}
	return fromRow(&row), nil
}

// Subscribe opens a bounded tenant-scoped event stream. Events reflect
// transitions performed through this process only.
func (b *Backend) Subscribe(ctx context.Context, tc tenant.Context) (<-chan queue.Event, func(), error) {
	if !tc.Valid() {
		return nil, nil, queue.ErrInternal("tenant context required", nil)
	}
	ch, cancel := b.caster.Subscribe(tc.TenantID)
	return ch, cancel, nil
}

// ReclaimExpired transitions every processing row whose lease passed:
// attempts exhausted fails the job, otherwise it becomes immediately
// retryable. Each transition is guarded on the stale token so a job
// acked between scan and update is left alone.
func (b *Backend) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	var rows []jobRow
	err := b.db.WithContext(ctx).
		Where("status = ? AND lease_until IS NOT NULL AND lease_until < ?", string(queue.StatusProcessing), now).
		Find(&rows).Error
	if err != nil {
		return 0, queue.ErrInternal("scan expired leases", err)
	}

	n := 0
	for i := range rows {
		row := &rows[i]
		updates := map[string]interface{}{
			"lease_token": "",
			"updated_at":  now,
		}
		rec := fromRow(row)
		rec.LeaseToken = ""
		rec.UpdatedAt = now

		var ev queue.Event
		if row.Attempt >= row.MaxRetries {
			updates["status"] = string(queue.StatusFailed)
			updates["last_error"] = "Max retries exceeded due to lease expiry"
			updates["finished_at"] = now
			rec.Status = queue.StatusFailed
			rec.LastError = "Max retries exceeded due to lease expiry"
			rec.FinishedAt = now
			ev = queue.NewEvent(rec, queue.EventFailed, now, rec.LastError)
		} else {
			updates["status"] = string(queue.StatusRetrying)
			updates["retry_at"] = now
			rec.Status = queue.StatusRetrying
			rec.RetryAt = now
			ev = queue.NewEvent(rec, queue.EventRetrying, now, "lease expired")
		}

		res := b.db.WithContext(ctx).Model(&jobRow{}).
			Where("id = ? AND status = ? AND lease_token = ?", row.ID, string(queue.StatusProcessing), row.LeaseToken).
			Updates(updates)
		if res.Error != nil {
			return n, queue.ErrInternal("reclaim lease", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		n++
		b.caster.Broadcast(ev)
	}
	return n, nil
}

// ForceLeaseExpiry backdates the lease of a processing job, test seam
// for expiry races.
func (b *Backend) ForceLeaseExpiry(jobID uuid.UUID) bool {
	res := b.db.Model(&jobRow{}).
		Where("id = ? AND status = ?", jobID, string(queue.StatusProcessing)).
		Update("lease_until", b.now().Add(-time.Second))
	return res.Error == nil && res.RowsAffected > 0
}

// QueueDepth counts jobs waiting to run, including scheduled and
// retry-waiting ones.
func (b *Backend) QueueDepth(ctx context.Context, tc tenant.Context, queueName string) (int, error) {
	q := b.db.WithContext(ctx).Model(&jobRow{}).
		Where("tenant_id = ? AND status IN ?", tc.TenantID, pendingStatuses)
	if queueName != "" {
		q = q.Where("queue = ?", queueName)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, queue.ErrInternal("count queue depth", err)
	}
	return int(n), nil
}
