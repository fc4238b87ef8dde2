package reaper

import (
	"context"
	"time"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
)

const defaultInterval = 30 * time.Second

// Reaper periodically sweeps expired leases back into circulation. The
// transition policy lives in the backend's ReclaimExpired; the reaper
// only drives the clock.
type Reaper struct {
	log       *logger.Logger
	rec       queue.Reclaimer
	interval  time.Duration
	now       func() time.Time
	onReclaim func(n int)
}

type Option func(*Reaper)

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock injects a time source, test seam.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithOnReclaim installs a callback invoked with the count of every
// non-empty sweep.
func WithOnReclaim(fn func(n int)) Option {
	return func(r *Reaper) { r.onReclaim = fn }
}

func New(log *logger.Logger, rec queue.Reclaimer, opts ...Option) *Reaper {
	r := &Reaper{
		log:      log.With("component", "Reaper"),
		rec:      rec,
		interval: defaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps at the configured interval until the context is canceled.
// A failing sweep is logged and the loop keeps going; one bad pass must
// not strand expired leases forever.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.log.Warn("lease sweep failed", "error", err)
			}
		}
	}
}

// Tick runs one sweep immediately.
func (r *Reaper) Tick(ctx context.Context) (int, error) {
	n, err := r.rec.ReclaimExpired(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("reclaimed expired leases", "count", n)
		if r.onReclaim != nil {
			r.onReclaim(n)
		}
	}
	return n, nil
}
