package adapter

import (
	"context"
	"fmt"
	"reflect"

	"github.com/yungbote/keel/internal/queue"
)

// Payload is the minimal contract for anything enqueueable: it names its
// job type and is serializable by the message codec.
type Payload interface {
	JobType() string
}

// Job is a Payload that can execute against an execution context of type
// C, producing a result of type R. J is instantiated with the payload
// struct itself, so payload fields are the job arguments.
type Job[C, R any] interface {
	Payload
	Execute(ctx context.Context, ec C) (R, error)
}

// Jobs customize enqueue defaults through narrow optional interfaces,
// overridable per call with EnqueueOptions.
type (
	// QueueNamer routes the job to a queue other than the default.
	QueueNamer interface{ QueueName() string }
	// Prioritized sets the default priority.
	Prioritized interface{ JobPriority() queue.Priority }
	// RetryLimited caps retry attempts.
	RetryLimited interface{ JobMaxRetries() int }
)

// RegisterJob wires the job type J into the adapter's handler registry.
// J must be a plain struct type; a fresh value is decoded per execution.
// Registration fails on a duplicate job type, which callers treat as a
// startup fatal.
func RegisterJob[C, R any, J Job[C, R]](a *Adapter) error {
	var proto J
	return a.registry.Register(&jobHandler[C, R, J]{jobType: proto.JobType()})
}

// jobHandler adapts a typed Job to the registry's byte-level contract.
type jobHandler[C, R any, J Job[C, R]] struct {
	jobType string
}

func (h *jobHandler[C, R, J]) JobType() string { return h.jobType }

func (h *jobHandler[C, R, J]) Execute(ctx context.Context, execCtx any, payload []byte, codec queue.Codec) (*string, error) {
	var job J
	if err := codec.Unmarshal(payload, &job); err != nil {
		return nil, queue.ErrSerialization(fmt.Errorf("decode %s payload: %w", h.jobType, err))
	}

	ec, ok := execCtx.(C)
	if !ok {
		// Wrong execution context is a wiring bug; retrying cannot fix it.
		return nil, queue.ErrSerializationMsg(fmt.Sprintf(
			"job %s needs execution context %s, got %T", h.jobType, contextTypeName[C](), execCtx))
	}

	out, err := job.Execute(ctx, ec)
	if err != nil {
		return nil, err
	}

	raw, err := codec.Marshal(out)
	if err != nil {
		return nil, queue.ErrSerialization(fmt.Errorf("encode %s result: %w", h.jobType, err))
	}
	ref := string(raw)
	return &ref, nil
}

func contextTypeName[C any]() string {
	return reflect.TypeOf((*C)(nil)).Elem().String()
}
