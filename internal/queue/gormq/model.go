package gormq

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/keel/internal/queue"
)

// jobRow is the persisted shape of a job record, one row per job. The
// idempotency scope is denormalized onto the row so a partial unique
// index can hold the at-most-one-live-job-per-scope invariant inside
// the database instead of application code.
type jobRow struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       string         `gorm:"column:tenant_id;not null;index:idx_job_queue_scan,priority:1" json:"tenant_id"`
	Queue          string         `gorm:"column:queue;not null;index:idx_job_queue_scan,priority:2" json:"queue"`
	Status         string         `gorm:"column:status;not null;index:idx_job_queue_scan,priority:3" json:"status"`
	JobType        string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	CodecID        string         `gorm:"column:codec_id;not null" json:"codec_id"`
	Priority       int            `gorm:"column:priority;not null;default:0" json:"priority"`
	MaxRetries     int            `gorm:"column:max_retries;not null;default:0" json:"max_retries"`
	Attempt        int            `gorm:"column:attempt;not null;default:0" json:"attempt"`
	RunAt          *time.Time     `gorm:"column:run_at" json:"run_at,omitempty"`
	RetryAt        *time.Time     `gorm:"column:retry_at" json:"retry_at,omitempty"`
	IdempotencyKey string         `gorm:"column:idempotency_key" json:"idempotency_key,omitempty"`
	Scope          string         `gorm:"column:scope;index" json:"-"`
	LeaseToken     string         `gorm:"column:lease_token" json:"-"`
	LeaseUntil     *time.Time     `gorm:"column:lease_until;index" json:"lease_until,omitempty"`
	ResultRef      *string        `gorm:"column:result_ref" json:"result_ref,omitempty"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	FinishedAt     *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

func (jobRow) TableName() string { return "job_queue" }

func newRow(tenantID string, msg queue.Message, now time.Time) *jobRow {
	row := &jobRow{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Queue:          msg.Queue,
		Status:         string(queue.StatusEnqueued),
		JobType:        msg.JobType,
		CodecID:        msg.CodecID,
		Priority:       int(msg.Priority),
		MaxRetries:     msg.MaxRetries,
		IdempotencyKey: msg.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(msg.Payload) > 0 {
		row.Payload = datatypes.JSON(msg.Payload)
	}
	if msg.RunAt.After(now) {
		row.Status = string(queue.StatusScheduled)
	}
	if !msg.RunAt.IsZero() {
		t := msg.RunAt
		row.RunAt = &t
	}
	if msg.IdempotencyKey != "" {
		row.Scope = queue.ScopeKey(tenantID, msg.Queue, msg.JobType, msg.IdempotencyKey)
	}
	return row
}

// fromRow rebuilds the backend-agnostic record. Zero times round-trip as
// NULL so SQL eligibility comparisons behave.
func fromRow(row *jobRow) *queue.Record {
	if row == nil {
		return nil
	}
	rec := &queue.Record{
		JobID:    row.ID,
		TenantID: row.TenantID,
		Message: queue.Message{
			JobType:        row.JobType,
			Payload:        []byte(row.Payload),
			CodecID:        row.CodecID,
			Queue:          row.Queue,
			Priority:       queue.Priority(row.Priority),
			MaxRetries:     row.MaxRetries,
			IdempotencyKey: row.IdempotencyKey,
		},
		Attempt:    row.Attempt,
		Status:     queue.Status(row.Status),
		LeaseToken: row.LeaseToken,
		ResultRef:  row.ResultRef,
		LastError:  row.LastError,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.RunAt != nil {
		rec.Message.RunAt = *row.RunAt
	}
	if row.LeaseUntil != nil {
		rec.LeaseUntil = *row.LeaseUntil
	}
	if row.RetryAt != nil {
		rec.RetryAt = *row.RetryAt
	}
	if row.FinishedAt != nil {
		rec.FinishedAt = *row.FinishedAt
	}
	return rec
}
