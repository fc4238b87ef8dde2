// Package adaptive layers load-driven concurrency control on top of the
// worker pool. It implements the adapter's Limiter: a controller samples
// inflight executions and queue depth on an interval and retargets the
// semaphore within [min, max]; a backpressure detector injects delays
// ahead of slot acquisition when recent latency or error rate drifts off
// baseline; per-type profiles surface tuning recommendations.
package adaptive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/keel/internal/observability"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/tenant"
)

// Config tunes the executor. Zero fields are normalized to defaults.
type Config struct {
	// MinWorkers and MaxWorkers bound the concurrency target.
	MinWorkers int64
	MaxWorkers int64
	// AdjustInterval is the controller's sampling period.
	AdjustInterval time.Duration
	// DepthPerWorker is how many waiting jobs justify one extra slot.
	DepthPerWorker int
	// PressureThreshold is the pressure level above which delays start.
	PressureThreshold float64
	// MaxDelay caps a single injected backpressure sleep.
	MaxDelay time.Duration
	// WarmupSamples is the execution count before pressure is trusted.
	WarmupSamples int64
	// CheckpointEvery is the per-type execution count between profile
	// recommendations.
	CheckpointEvery int64
}

const (
	defaultAdjustInterval    = 5 * time.Second
	defaultDepthPerWorker    = 4
	defaultPressureThreshold = 0.25
	defaultMaxDelay          = 2 * time.Second
	defaultWarmupSamples     = 20
	defaultCheckpointEvery   = 100
)

// DefaultConfig sizes the executor for a pool capped at maxWorkers.
func DefaultConfig(maxWorkers int) Config {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return Config{
		MinWorkers:        1,
		MaxWorkers:        int64(maxWorkers),
		AdjustInterval:    defaultAdjustInterval,
		DepthPerWorker:    defaultDepthPerWorker,
		PressureThreshold: defaultPressureThreshold,
		MaxDelay:          defaultMaxDelay,
		WarmupSamples:     defaultWarmupSamples,
		CheckpointEvery:   defaultCheckpointEvery,
	}
}

func (c *Config) normalize() {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = defaultAdjustInterval
	}
	if c.DepthPerWorker < 1 {
		c.DepthPerWorker = defaultDepthPerWorker
	}
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = defaultPressureThreshold
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.WarmupSamples < 1 {
		c.WarmupSamples = defaultWarmupSamples
	}
	if c.CheckpointEvery < 1 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
}

// Sampler reports the current backlog the controller should size for.
type Sampler func(ctx context.Context) (int, error)

// DepthSampler adapts a backend depth reporter into a Sampler summing
// the given queues; no queues means the tenant's whole backlog.
func DepthSampler(dr queue.DepthReporter, tc tenant.Context, queues ...string) Sampler {
	return func(ctx context.Context) (int, error) {
		if len(queues) == 0 {
			return dr.QueueDepth(ctx, tc, "")
		}
		total := 0
		for _, q := range queues {
			n, err := dr.QueueDepth(ctx, tc, q)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}
}

// Executor is the adaptive limiter. The semaphore is allocated at
// MaxWorkers; shrinking below max works by holding reserved permits, so
// busy slots are never revoked, only not re-issued.
type Executor struct {
	log     *logger.Logger
	cfg     Config
	sem     *semaphore.Weighted
	sampler Sampler
	metrics *observability.Metrics
	onRec   func(Recommendation)

	inflight atomic.Int64

	mu       sync.Mutex
	target   int64
	reserved int64

	pressure pressureState
	profiles sync.Map
}

type Option func(*Executor)

// WithSampler installs the backlog source for the controller.
func WithSampler(s Sampler) Option {
	return func(e *Executor) { e.sampler = s }
}

// WithMetrics attaches the process metric set.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRecommendationFunc installs a callback invoked for every profile
// checkpoint, in addition to logging.
func WithRecommendationFunc(fn func(Recommendation)) Option {
	return func(e *Executor) { e.onRec = fn }
}

func New(log *logger.Logger, cfg Config, opts ...Option) *Executor {
	cfg.normalize()
	e := &Executor{
		log:     log.With("component", "AdaptiveExecutor"),
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxWorkers),
		metrics: observability.NewMetrics(),
		target:  cfg.MaxWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Acquire blocks for an execution slot, sleeping first when the detector
// reports pressure past the threshold.
func (e *Executor) Acquire(ctx context.Context) error {
	if d := e.pressureDelay(); d > 0 {
		e.metrics.BackpressureDelays.Inc()
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	e.inflight.Add(1)
	return nil
}

func (e *Executor) Release() {
	e.inflight.Add(-1)
	e.sem.Release(1)
}

// Target reports the current concurrency target.
func (e *Executor) Target() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

// Inflight reports executions currently holding a slot.
func (e *Executor) Inflight() int64 { return e.inflight.Load() }

// Run retargets at the configured interval until the context is
// canceled.
func (e *Executor) Run(ctx context.Context) error {
	e.log.Info("adaptive executor started",
		"min", e.cfg.MinWorkers,
		"max", e.cfg.MaxWorkers,
		"interval", e.cfg.AdjustInterval.String())
	ticker := time.NewTicker(e.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("adaptive executor stopped")
			return nil
		case <-ticker.C:
			e.Adjust(ctx)
		}
	}
}

// Adjust samples once and retargets, returning the new target.
func (e *Executor) Adjust(ctx context.Context) int64 {
	depth := 0
	if e.sampler != nil {
		n, err := e.sampler(ctx)
		if err != nil {
			e.log.Warn("depth sample failed", "error", err.Error())
		} else {
			depth = n
		}
	}
	inflight := e.inflight.Load()
	target := e.computeTarget(inflight, depth)
	e.retarget(target)
	return target
}

// computeTarget sizes the pool for the observed load: everything already
// running plus one slot per DepthPerWorker waiting jobs, clamped.
func (e *Executor) computeTarget(inflight int64, depth int) int64 {
	var step int64
	if depth > 0 {
		step = int64((depth + e.cfg.DepthPerWorker - 1) / e.cfg.DepthPerWorker)
	}
	want := inflight + step
	if want < e.cfg.MinWorkers {
		want = e.cfg.MinWorkers
	}
	if want > e.cfg.MaxWorkers {
		want = e.cfg.MaxWorkers
	}
	return want
}

func (e *Executor) retarget(target int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if target != e.target {
		e.log.Info("retargeting concurrency", "from", e.target, "to", target)
		e.target = target
	}
	e.metrics.WorkerCapacity.Set(float64(e.target))
	e.reconcileLocked()
}

// reconcileLocked moves reserved permits toward max-target. Shrinking
// grabs only free permits; slots held by running jobs are absorbed on a
// later pass once they release.
func (e *Executor) reconcileLocked() {
	wantReserved := e.cfg.MaxWorkers - e.target
	for e.reserved < wantReserved {
		if !e.sem.TryAcquire(1) {
			return
		}
		e.reserved++
	}
	for e.reserved > wantReserved {
		e.sem.Release(1)
		e.reserved--
	}
}

// Observe feeds one execution outcome into the backpressure detector and
// the per-type profile. Wire it to the adapter as an execution observer.
func (e *Executor) Observe(jobType string, d time.Duration, execErr error) {
	e.pressure.observe(d, execErr != nil)
	e.observeProfile(jobType, d, execErr)
}

func (e *Executor) pressureDelay() time.Duration {
	p := e.pressure.value(e.cfg.WarmupSamples)
	if p <= e.cfg.PressureThreshold {
		return 0
	}
	d := time.Duration((p - e.cfg.PressureThreshold) * float64(e.cfg.MaxDelay))
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}
