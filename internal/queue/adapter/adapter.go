// Package adapter sits between application job types and the queue
// backends. It owns the handler and codec registries, enqueues typed
// payloads, and runs the worker pool that leases, executes, heartbeats
// and acknowledges jobs.
package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/yungbote/keel/internal/observability"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/tenant"
)

// Limiter throttles concurrent job executions. The default is a fixed
// semaphore sized at MaxWorkers; the adaptive executor swaps in a
// resizing one.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

type fixedLimiter struct {
	sem *semaphore.Weighted
}

func (l *fixedLimiter) Acquire(ctx context.Context) error { return l.sem.Acquire(ctx, 1) }
func (l *fixedLimiter) Release()                          { l.sem.Release(1) }

// ExecObserver sees every handler execution outcome. The observability
// recorder and the adaptive executor both attach through this.
type ExecObserver func(jobType string, d time.Duration, execErr error)

type Adapter struct {
	log       *logger.Logger
	backend   queue.Backend
	cfg       Config
	registry  *queue.Registry
	codecs    *queue.CodecRegistry
	limiter   Limiter
	metrics   *observability.Metrics
	observers []ExecObserver
	now       func() time.Time
}

type Option func(*Adapter)

// WithCodecs swaps the codec registry; the default carries json only.
func WithCodecs(reg *queue.CodecRegistry) Option {
	return func(a *Adapter) {
		if reg != nil {
			a.codecs = reg
		}
	}
}

// WithLimiter replaces the execution limiter.
func WithLimiter(l Limiter) Option {
	return func(a *Adapter) {
		if l != nil {
			a.limiter = l
		}
	}
}

// WithMetrics attaches the process metric set.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithExecObserver appends execution observers.
func WithExecObserver(fns ...ExecObserver) Option {
	return func(a *Adapter) {
		for _, fn := range fns {
			if fn != nil {
				a.observers = append(a.observers, fn)
			}
		}
	}
}

// WithClock injects a time source, test seam.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

func New(log *logger.Logger, backend queue.Backend, cfg Config, opts ...Option) *Adapter {
	cfg.normalize()
	a := &Adapter{
		log:      log.With("component", "QueueAdapter"),
		backend:  backend,
		cfg:      cfg,
		registry: queue.NewRegistry(),
		codecs:   queue.NewCodecRegistry(),
		metrics:  observability.NewMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.limiter == nil {
		a.limiter = &fixedLimiter{sem: semaphore.NewWeighted(int64(a.cfg.MaxWorkers))}
	}
	return a
}

func (a *Adapter) Backend() queue.Backend       { return a.backend }
func (a *Adapter) Codecs() *queue.CodecRegistry { return a.codecs }
func (a *Adapter) Config() Config               { return a.cfg }

// RegisterHandler wires a raw handler. Typed jobs go through RegisterJob.
func (a *Adapter) RegisterHandler(h queue.Handler) error {
	return a.registry.Register(h)
}

// JobTypes lists registered handlers, sorted.
func (a *Adapter) JobTypes() []string { return a.registry.Types() }

// EnqueueOption adjusts the outgoing message.
type EnqueueOption func(*queue.Message)

func WithQueue(name string) EnqueueOption {
	return func(m *queue.Message) { m.Queue = name }
}

func WithPriority(p queue.Priority) EnqueueOption {
	return func(m *queue.Message) { m.Priority = p }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(m *queue.Message) { m.MaxRetries = n }
}

// WithRunAt defers delivery until the given time.
func WithRunAt(t time.Time) EnqueueOption {
	return func(m *queue.Message) { m.RunAt = t }
}

// WithIdempotencyKey dedupes enqueues within (tenant, queue, type, key)
// while a previous job with the same key is still live.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(m *queue.Message) { m.IdempotencyKey = key }
}

// WithCodecID selects a non-default codec for the payload.
func WithCodecID(id string) EnqueueOption {
	return func(m *queue.Message) { m.CodecID = id }
}

// Enqueue serializes the payload and submits it. Job-declared defaults
// (queue, priority, retry cap) apply first, then options.
func (a *Adapter) Enqueue(ctx context.Context, tc tenant.Context, p Payload, opts ...EnqueueOption) (uuid.UUID, error) {
	msg := queue.Message{
		JobType:    p.JobType(),
		Queue:      a.cfg.DefaultQueue,
		MaxRetries: a.cfg.DefaultMaxRetries,
	}
	if qn, ok := p.(QueueNamer); ok && qn.QueueName() != "" {
		msg.Queue = qn.QueueName()
	}
	if pr, ok := p.(Prioritized); ok {
		msg.Priority = pr.JobPriority()
	}
	if rl, ok := p.(RetryLimited); ok {
		msg.MaxRetries = rl.JobMaxRetries()
	}
	for _, opt := range opts {
		opt(&msg)
	}

	codecID := msg.CodecID
	if codecID == "" {
		codecID = a.codecs.DefaultID()
	}
	codec, err := a.codecs.Get(codecID)
	if err != nil {
		return uuid.Nil, err
	}
	raw, err := codec.Marshal(p)
	if err != nil {
		return uuid.Nil, queue.ErrSerialization(err)
	}
	msg.Payload = raw
	msg.CodecID = codec.ID()

	return a.EnqueueMessage(ctx, tc, msg)
}

// EnqueueMessage submits an already-encoded message. The job type need
// not be registered locally; another node may own the handler.
func (a *Adapter) EnqueueMessage(ctx context.Context, tc tenant.Context, msg queue.Message) (uuid.UUID, error) {
	if msg.JobType == "" {
		return uuid.Nil, queue.ErrSerializationMsg("message job_type is empty")
	}
	if msg.Queue == "" {
		msg.Queue = a.cfg.DefaultQueue
	}
	if msg.CodecID == "" {
		msg.CodecID = a.codecs.DefaultID()
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = a.cfg.DefaultMaxRetries
	}

	id, err := a.backend.Enqueue(ctx, tc, msg)
	if err != nil {
		a.log.Warn("enqueue failed",
			"tenant_id", tc.TenantID,
			"job_type", msg.JobType,
			"queue", msg.Queue,
			"error", err.Error())
		return uuid.Nil, err
	}
	a.log.Debug("job enqueued",
		"tenant_id", tc.TenantID,
		"job_id", id.String(),
		"job_type", msg.JobType,
		"queue", msg.Queue)
	return id, nil
}

// ExecuteNow runs the payload inline against the local handler, skipping
// the backend entirely. Used by tests and synchronous callers; the job
// timeout still applies.
func (a *Adapter) ExecuteNow(ctx context.Context, tc tenant.Context, execCtx any, p Payload) (*string, error) {
	handler, ok := a.registry.Get(p.JobType())
	if !ok {
		return nil, queue.ErrUnknownJobType(p.JobType())
	}
	codec, err := a.codecs.Get(a.codecs.DefaultID())
	if err != nil {
		return nil, err
	}
	raw, err := codec.Marshal(p)
	if err != nil {
		return nil, queue.ErrSerialization(err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, a.cfg.JobTimeout)
	defer cancel()

	start := a.now()
	ref, execErr := a.invoke(jobCtx, handler, execCtx, raw, codec)
	a.observeExec(p.JobType(), a.now().Sub(start), execErr)
	if execErr != nil {
		return nil, execErr
	}
	return ref, nil
}

func (a *Adapter) observeExec(jobType string, d time.Duration, execErr error) {
	for _, fn := range a.observers {
		fn(jobType, d, execErr)
	}
}
