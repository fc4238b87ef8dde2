package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/keel/internal/tenant"
)

// Backend is the storage-agnostic queue contract. Every operation is
// tenant-scoped: a job id belonging to another tenant behaves exactly
// like a missing job.
//
// Dequeue must assign the lease token and flip the record to processing
// as one indivisible action; two concurrent dequeues of the same backlog
// never observe the same job. Cancel wins: once a non-terminal job is
// canceled, later acks fail with JobCanceled regardless of lease.
type Backend interface {
	// Enqueue stores the message and returns the job id. If the message
	// carries an idempotency key mapped to a non-terminal job in the same
	// (tenant, queue, job_type) scope, the existing id is returned and no
	// record is created.
	Enqueue(ctx context.Context, tc tenant.Context, msg Message) (uuid.UUID, error)

	// Dequeue leases the eligible job with the highest priority across
	// queues, ties broken by earliest creation. It returns nil when no
	// job is eligible.
	Dequeue(ctx context.Context, tc tenant.Context, queues []string) (*Leased, error)

	// AckComplete finishes a leased job. Only the current lease holder
	// may ack; resultRef is stored verbatim.
	AckComplete(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, resultRef *string) error

	// AckFail records a failure. A non-nil retryAt re-schedules the job;
	// nil marks it permanently failed. The backend persists whatever
	// retryAt the caller supplies; retry policy lives in the adapter.
	AckFail(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, jobErr string, retryAt *time.Time) error

	// HeartbeatExtend pushes the lease deadline of a processing job to at
	// least now+delta.
	HeartbeatExtend(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, delta time.Duration) error

	// Cancel marks a non-terminal job canceled and reports whether it did
	// anything; false means the job was already terminal.
	Cancel(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (bool, error)

	GetStatus(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (Status, error)
	GetRecord(ctx context.Context, tc tenant.Context, jobID uuid.UUID) (*Record, error)

	// Subscribe streams job events for the tenant. The channel is
	// bounded; slow subscribers lose events, never jobs. The returned
	// func cancels the subscription.
	Subscribe(ctx context.Context, tc tenant.Context) (<-chan Event, func(), error)

	Capabilities() Capabilities
}

// Capabilities describes what a backend supports so callers can adapt.
type Capabilities struct {
	Persistent        bool `json:"persistent"`
	Distributed       bool `json:"distributed"`
	AtomicDequeue     bool `json:"atomic_dequeue"`
	IdempotentEnqueue bool `json:"idempotent_enqueue"`
	Prioritization    bool `json:"prioritization"`
	ScheduledDelivery bool `json:"scheduled_delivery"`
}

// Reclaimer is the reaper seam: scan for processing jobs whose lease
// expired before now and reclaim them, returning how many were touched.
// Reclamation fails the job when attempts are exhausted and otherwise
// makes it immediately retryable; either way the old token dies.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// DepthReporter is the adaptive-executor seam for sampling backlog size.
type DepthReporter interface {
	QueueDepth(ctx context.Context, tc tenant.Context, queue string) (int, error)
}
