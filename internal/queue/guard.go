package queue

import (
	"time"

	"github.com/google/uuid"
)

// GuardAck enforces the ack contract shared by every backend. A missing
// or foreign-tenant record is a not-found, cancel wins over every lease
// check, terminal beats token mismatch, and a reclaimed or timed-out
// lease reports expiry.
func GuardAck(rec *Record, tenantID, token string, now time.Time) error {
	if rec == nil || rec.TenantID != tenantID {
		id := uuid.Nil
		if rec != nil {
			id = rec.JobID
		}
		return ErrJobNotFound(id)
	}
	switch {
	case rec.Status == StatusCanceled:
		return ErrJobCanceled()
	case rec.Status.Terminal():
		return ErrJobAlreadyTerminal(rec.Status)
	case rec.Status != StatusProcessing:
		// Reclaimed by the reaper; the lease this token belonged to is gone.
		return ErrLeaseExpired()
	case rec.LeaseToken != token:
		return ErrInvalidLeaseToken()
	case now.After(rec.LeaseUntil):
		return ErrLeaseExpired()
	default:
		return nil
	}
}

// GuardHeartbeat enforces the heartbeat contract: only the live lease
// holder of a processing job may extend.
func GuardHeartbeat(rec *Record, tenantID, token string) error {
	if rec == nil || rec.TenantID != tenantID {
		id := uuid.Nil
		if rec != nil {
			id = rec.JobID
		}
		return ErrJobNotFound(id)
	}
	if rec.Status == StatusCanceled {
		return ErrJobCanceled()
	}
	if rec.Status != StatusProcessing || rec.LeaseToken != token {
		return ErrInvalidLeaseToken()
	}
	return nil
}

// ScopeKey builds the idempotency scope key shared by every backend:
// (tenant, queue, job_type, idempotency_key).
func ScopeKey(tenantID, queueName, jobType, key string) string {
	return tenantID + "\x00" + queueName + "\x00" + jobType + "\x00" + key
}

// RecordScope returns the idempotency scope key of a record, or "" when
// the record carries no idempotency key.
func RecordScope(rec *Record) string {
	if rec.Message.IdempotencyKey == "" {
		return ""
	}
	return ScopeKey(rec.TenantID, rec.Message.Queue, rec.Message.JobType, rec.Message.IdempotencyKey)
}

// NewEvent builds the broadcast event for a record transition. errStr is
// set only on failure kinds.
func NewEvent(rec *Record, kind EventKind, at time.Time, errStr string) Event {
	return Event{
		Kind:     kind,
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		JobType:  rec.Message.JobType,
		Queue:    rec.Message.Queue,
		Attempt:  rec.Attempt,
		Error:    errStr,
		At:       at,
	}
}
