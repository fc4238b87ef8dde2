package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/tenant"
)

// WorkerHandle controls a running worker pool.
type WorkerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop halts dequeuing and waits for in-flight executions to finish. A
// ctx deadline bounds the wait; expired deadlines abandon the stragglers
// and return the ctx error.
func (h *WorkerHandle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done closes once every loop and execution has returned.
func (h *WorkerHandle) Done() <-chan struct{} { return h.done }

// StartWorkers launches the pool for one tenant and queue set. Empty
// queues means every queue of the tenant. Loops share the adapter's
// limiter, so concurrent executions never exceed its capacity.
func (a *Adapter) StartWorkers(ctx context.Context, tc tenant.Context, execCtx any, queues ...string) (*WorkerHandle, error) {
	if !tc.Valid() {
		return nil, queue.ErrInternal("tenant context required", nil)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h := &WorkerHandle{cancel: cancel, done: make(chan struct{})}

	a.metrics.WorkerCapacity.Set(float64(a.cfg.MaxWorkers))
	a.log.Info("starting workers",
		"tenant_id", tc.TenantID,
		"count", a.cfg.MaxWorkers,
		"queues", strings.Join(queues, ","))

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go a.runLoop(loopCtx, &wg, i, tc, execCtx, queues)
	}
	go func() {
		wg.Wait()
		close(h.done)
	}()
	return h, nil
}

// runLoop is one poll loop: acquire a slot, lease a job, hand it to an
// execution goroutine, repeat. Empty polls release the slot and sleep.
func (a *Adapter) runLoop(ctx context.Context, wg *sync.WaitGroup, id int, tc tenant.Context, execCtx any, queues []string) {
	defer wg.Done()
	log := a.log.With("worker", id, "tenant_id", tc.TenantID)
	log.Debug("worker loop started")

	for {
		if ctx.Err() != nil {
			log.Debug("worker loop stopped")
			return
		}
		if err := a.limiter.Acquire(ctx); err != nil {
			log.Debug("worker loop stopped")
			return
		}

		leased, err := a.backend.Dequeue(ctx, tc, queues)
		if err != nil {
			a.limiter.Release()
			if ctx.Err() != nil {
				log.Debug("worker loop stopped")
				return
			}
			log.Warn("dequeue failed", "error", err.Error())
			a.idle(ctx)
			continue
		}
		if leased == nil {
			a.limiter.Release()
			a.idle(ctx)
			continue
		}

		// Executions detach from the loop context so a graceful stop
		// drains them instead of killing them.
		wg.Add(1)
		go func(l *queue.Leased) {
			defer wg.Done()
			defer a.limiter.Release()
			a.executeLeased(context.WithoutCancel(ctx), tc, execCtx, l, log)
		}(leased)
	}
}

func (a *Adapter) idle(ctx context.Context) {
	t := time.NewTimer(a.cfg.IdleInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// executeLeased resolves the handler, runs it under the job timeout with
// a live heartbeat, and acknowledges the outcome.
func (a *Adapter) executeLeased(ctx context.Context, tc tenant.Context, execCtx any, l *queue.Leased, log *logger.Logger) {
	rec := l.Record
	msg := rec.Message
	log = log.With(
		"job_id", rec.JobID.String(),
		"job_type", msg.JobType,
		"queue", msg.Queue,
		"attempt", rec.Attempt)

	a.metrics.WorkersBusy.Inc()
	defer a.metrics.WorkersBusy.Dec()

	var (
		ref     *string
		execErr error
		elapsed time.Duration
	)
	handler, ok := a.registry.Get(msg.JobType)
	if !ok {
		execErr = queue.ErrUnknownJobType(msg.JobType)
	} else if codec, cerr := a.codecs.Get(msg.CodecID); cerr != nil {
		execErr = cerr
	} else {
		jobCtx, cancelJob := context.WithTimeout(ctx, a.cfg.JobTimeout)
		stopHB := a.startHeartbeat(ctx, tc, rec.JobID, l.LeaseToken, cancelJob, log)

		start := a.now()
		ref, execErr = a.invoke(jobCtx, handler, execCtx, msg.Payload, codec)
		elapsed = a.now().Sub(start)

		stopHB()
		cancelJob()
		a.observeExec(msg.JobType, elapsed, execErr)
	}

	if execErr == nil {
		if err := a.backend.AckComplete(ctx, tc, rec.JobID, l.LeaseToken, ref); err != nil {
			logAckLoss(log, "complete", err)
			return
		}
		log.Info("job completed", "duration_ms", elapsed.Milliseconds())
		return
	}

	if queue.Retryable(execErr) && rec.Attempt < msg.MaxRetries {
		retryAt := a.now().Add(a.cfg.Backoff(rec.Attempt))
		if err := a.backend.AckFail(ctx, tc, rec.JobID, l.LeaseToken, execErr.Error(), &retryAt); err != nil {
			logAckLoss(log, "retry", err)
			return
		}
		log.Warn("job failed, retry scheduled",
			"error", execErr.Error(),
			"retry_at", retryAt.Format(time.RFC3339))
		return
	}

	if err := a.backend.AckFail(ctx, tc, rec.JobID, l.LeaseToken, execErr.Error(), nil); err != nil {
		logAckLoss(log, "fail", err)
		return
	}
	log.Error("job failed permanently", "error", execErr.Error())
}

// logAckLoss reports an acknowledgement the backend rejected. Lifecycle
// rejections mean the job moved on without us (canceled, reclaimed or
// re-leased); anything else is a backend problem.
func logAckLoss(log *logger.Logger, op string, err error) {
	switch queue.CodeOf(err) {
	case queue.CodeJobCanceled:
		log.Info("job canceled while executing, result discarded")
	case queue.CodeLeaseExpired, queue.CodeInvalidLeaseToken, queue.CodeJobAlreadyTerminal:
		log.Warn("lease lost before ack", "op", op, "error", err.Error())
	default:
		log.Error("ack failed", "op", op, "error", err.Error())
	}
}

// startHeartbeat extends the lease every HeartbeatInterval for as long
// as the execution runs. A cancel or lost lease observed on the
// heartbeat aborts the execution through cancelJob.
func (a *Adapter) startHeartbeat(ctx context.Context, tc tenant.Context, jobID uuid.UUID, token string, cancelJob context.CancelFunc, log *logger.Logger) func() {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTicker(a.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				err := a.backend.HeartbeatExtend(ctx, tc, jobID, token, a.cfg.LeaseDuration)
				switch queue.CodeOf(err) {
				case "":
				case queue.CodeJobCanceled:
					log.Info("cancel observed on heartbeat, aborting execution")
					cancelJob()
					return
				case queue.CodeInvalidLeaseToken, queue.CodeLeaseExpired, queue.CodeJobNotFound:
					log.Warn("lease lost on heartbeat, aborting execution", "error", err.Error())
					cancelJob()
					return
				default:
					log.Warn("heartbeat failed", "error", err.Error())
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

type invokeResult struct {
	ref *string
	err error
}

// invoke runs the handler on its own goroutine so a stuck handler cannot
// pin the worker past the job timeout. A handler that ignores its ctx
// may outlive the deadline; its result is discarded.
func (a *Adapter) invoke(ctx context.Context, h queue.Handler, execCtx any, payload []byte, codec queue.Codec) (*string, error) {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.metrics.JobPanics.Inc()
				a.log.Error("handler panic recovered", "job_type", h.JobType(), "panic", fmt.Sprintf("%v", r))
				done <- invokeResult{err: queue.ErrInternal(fmt.Sprintf("handler panic: %v", r), nil)}
			}
		}()
		ref, err := h.Execute(ctx, execCtx, payload, codec)
		done <- invokeResult{ref: ref, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("job timed out after %s: %w", a.cfg.JobTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("execution aborted: %w", ctx.Err())
	case out := <-done:
		return out.ref, out.err
	}
}
