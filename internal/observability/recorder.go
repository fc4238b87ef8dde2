package observability

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
)

const (
	// durationRingCap bounds the per-type sample window percentiles are
	// computed over.
	durationRingCap = 512

	defaultStreamBuffer = 128
)

// ExecStats is a point-in-time view of one job type's execution history.
type ExecStats struct {
	Count   int64
	Success int64
	Failure int64
	Total   time.Duration
	Mean    time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
}

type typeStats struct {
	mu       sync.Mutex
	count    int64
	success  int64
	failure  int64
	totalDur time.Duration
	ring     []time.Duration
	next     int
	filled   int
}

func (s *typeStats) observe(d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if ok {
		s.success++
	} else {
		s.failure++
	}
	s.totalDur += d
	if len(s.ring) < durationRingCap {
		s.ring = append(s.ring, d)
		s.filled++
		return
	}
	s.ring[s.next] = d
	s.next = (s.next + 1) % durationRingCap
}

func (s *typeStats) snapshot() ExecStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ExecStats{Count: s.count, Success: s.success, Failure: s.failure, Total: s.totalDur}
	if s.count > 0 {
		out.Mean = s.totalDur / time.Duration(s.count)
	}
	n := len(s.ring)
	if n == 0 {
		return out
	}
	window := make([]time.Duration, n)
	copy(window, s.ring)
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	out.P50 = percentile(window, 0.50)
	out.P95 = percentile(window, 0.95)
	out.P99 = percentile(window, 0.99)
	return out
}

// percentile reads from an ascending-sorted window.
func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(p*float64(n)+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Recorder aggregates queue activity: per-kind event counters, per-type
// execution stats over a sliding window, and a bounded fan-out of raw
// events for anything that wants to watch the queue live. It is wired
// as the backend's event sink and fed execution reports by workers.
type Recorder struct {
	log    *logger.Logger
	counts map[queue.EventKind]*atomic.Int64
	stats  sync.Map // job type -> *typeStats

	buffer int
	bmu    sync.RWMutex
	seq    uint64
	subs   map[uint64]chan queue.Event
}

type RecorderOption func(*Recorder)

// WithStreamBuffer sets the per-subscriber channel capacity.
func WithStreamBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

func NewRecorder(log *logger.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		log:    log.With("component", "QueueRecorder"),
		counts: make(map[queue.EventKind]*atomic.Int64),
		buffer: defaultStreamBuffer,
		subs:   make(map[uint64]chan queue.Event),
	}
	for _, kind := range queue.EventKinds() {
		r.counts[kind] = new(atomic.Int64)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record consumes one job event. Safe for concurrent use; sends to slow
// subscribers are dropped rather than blocking the queue.
func (r *Recorder) Record(ev queue.Event) {
	if c, ok := r.counts[ev.Kind]; ok {
		c.Add(1)
	}
	r.bmu.RLock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	r.bmu.RUnlock()
}

// ObserveExecution reports one finished handler run.
func (r *Recorder) ObserveExecution(jobType string, d time.Duration, execErr error) {
	if jobType == "" {
		return
	}
	v, _ := r.stats.LoadOrStore(jobType, &typeStats{})
	v.(*typeStats).observe(d, execErr == nil)
}

func (r *Recorder) Count(kind queue.EventKind) int64 {
	if c, ok := r.counts[kind]; ok {
		return c.Load()
	}
	return 0
}

func (r *Recorder) Counts() map[queue.EventKind]int64 {
	out := make(map[queue.EventKind]int64, len(r.counts))
	for kind, c := range r.counts {
		out[kind] = c.Load()
	}
	return out
}

// Stats returns the execution stats for one job type.
func (r *Recorder) Stats(jobType string) (ExecStats, bool) {
	v, ok := r.stats.Load(jobType)
	if !ok {
		return ExecStats{}, false
	}
	return v.(*typeStats).snapshot(), true
}

// JobTypes lists every type with at least one observation, sorted.
func (r *Recorder) JobTypes() []string {
	var types []string
	r.stats.Range(func(k, _ any) bool {
		types = append(types, k.(string))
		return true
	})
	sort.Strings(types)
	return types
}

// Subscribe attaches a bounded live event stream. The cancel func is
// idempotent and closes the channel.
func (r *Recorder) Subscribe() (<-chan queue.Event, func()) {
	ch := make(chan queue.Event, r.buffer)
	r.bmu.Lock()
	r.seq++
	id := r.seq
	r.subs[id] = ch
	r.bmu.Unlock()
	cancel := func() {
		r.bmu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.bmu.Unlock()
	}
	return ch, cancel
}

// WritePrometheus renders event counters and per-type execution
// summaries.
func (r *Recorder) WritePrometheus(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# HELP keel_job_events_total Job lifecycle events by kind.\n# TYPE keel_job_events_total counter\n"); err != nil {
		return err
	}
	for _, kind := range queue.EventKinds() {
		if _, err := fmt.Fprintf(w, "keel_job_events_total{kind=%q} %d\n", string(kind), r.Count(kind)); err != nil {
			return err
		}
	}

	types := r.JobTypes()
	if len(types) == 0 {
		return nil
	}
	snaps := make(map[string]ExecStats, len(types))
	for _, jt := range types {
		if st, ok := r.Stats(jt); ok {
			snaps[jt] = st
		}
	}

	if _, err := fmt.Fprintf(w, "# HELP keel_job_execution_seconds Handler execution time by job type.\n# TYPE keel_job_execution_seconds summary\n"); err != nil {
		return err
	}
	for _, jt := range types {
		st := snaps[jt]
		esc := escapeLabel(jt)
		for _, q := range []struct {
			label string
			val   time.Duration
		}{{"0.5", st.P50}, {"0.95", st.P95}, {"0.99", st.P99}} {
			if _, err := fmt.Fprintf(w, "keel_job_execution_seconds{job_type=\"%s\",quantile=\"%s\"} %f\n", esc, q.label, q.val.Seconds()); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "keel_job_execution_seconds_sum{job_type=\"%s\"} %f\n", esc, st.Total.Seconds()); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "keel_job_execution_seconds_count{job_type=\"%s\"} %d\n", esc, st.Count); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "# HELP keel_job_results_total Handler outcomes by job type.\n# TYPE keel_job_results_total counter\n"); err != nil {
		return err
	}
	for _, jt := range types {
		st := snaps[jt]
		esc := escapeLabel(jt)
		if _, err := fmt.Fprintf(w, "keel_job_results_total{job_type=\"%s\",result=\"success\"} %d\n", esc, st.Success); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "keel_job_results_total{job_type=\"%s\",result=\"failure\"} %d\n", esc, st.Failure); err != nil {
			return err
		}
	}
	return nil
}
