package queue

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders dequeue selection; higher values win, ties fall back to
// FIFO on creation time.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Status is the job lifecycle state. Transitions follow a DAG:
// enqueued|scheduled -> processing -> {completed | failed | retrying},
// retrying -> processing, and any non-terminal state -> canceled.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle DAG allows from -> to.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCanceled {
		return true
	}
	switch from {
	case StatusEnqueued, StatusScheduled, StatusRetrying:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusRetrying
	default:
		return false
	}
}

// Message is the immutable enqueue-time description of a job. Payload is
// opaque to every backend; CodecID selects the decoder at dequeue.
type Message struct {
	JobType        string    `json:"job_type"`
	Payload        []byte    `json:"payload"`
	CodecID        string    `json:"codec_id"`
	Queue          string    `json:"queue"`
	Priority       Priority  `json:"priority"`
	MaxRetries     int       `json:"max_retries"`
	RunAt          time.Time `json:"run_at,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Record is the mutable runtime state of a job, owned by the backend.
type Record struct {
	JobID      uuid.UUID `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	Message    Message   `json:"message"`
	Attempt    int       `json:"attempt"`
	Status     Status    `json:"status"`
	LeaseToken string    `json:"-"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
	RetryAt    time.Time `json:"retry_at,omitempty"`
	ResultRef  *string   `json:"result_ref,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Leased is the detached view handed to exactly one worker on dequeue.
type Leased struct {
	Record     Record
	LeaseToken string
	LeaseUntil time.Time
}

// NewLeaseToken issues an opaque token. Tokens are never reused; a
// reclaimed lease always gets a fresh one.
func NewLeaseToken() string { return uuid.NewString() }

// EventKind classifies broadcast job events.
type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventLeased    EventKind = "leased"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRetrying  EventKind = "retrying"
	EventCanceled  EventKind = "canceled"
)

// EventKinds lists every kind once, for metric registration.
func EventKinds() []EventKind {
	return []EventKind{
		EventEnqueued, EventLeased, EventCompleted,
		EventFailed, EventRetrying, EventCanceled,
	}
}

// Event is broadcast on every job transition. Error is set only on
// failure kinds.
type Event struct {
	Kind     EventKind `json:"kind"`
	JobID    uuid.UUID `json:"job_id"`
	TenantID string    `json:"tenant_id"`
	JobType  string    `json:"job_type"`
	Queue    string    `json:"queue"`
	Attempt  int       `json:"attempt,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
