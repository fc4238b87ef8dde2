package observability

// Metrics is the process-wide metric set. Construction registers
// nothing; callers attach it to an Exposition for scraping. Individual
// fields may be left nil, the primitives tolerate nil receivers.
type Metrics struct {
	APIRequests *CounterVec
	APILatency  *HistogramVec
	APIInflight *Gauge

	ServiceCalls   *CounterVec
	ServiceLatency *HistogramVec

	WorkersBusy     *Gauge
	WorkerCapacity  *Gauge
	JobPanics       *Counter
	LeasesReclaimed *Counter

	QueueDepth         *GaugeVec
	BackpressureDelays *Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		APIRequests: NewCounterVec("keel_api_requests_total",
			"HTTP requests by method, route and status.",
			[]string{"method", "route", "status"}),
		APILatency: NewHistogramVec("keel_api_request_seconds",
			"HTTP request latency by method and route.",
			[]string{"method", "route"}, nil),
		APIInflight: NewGauge("keel_api_inflight_requests",
			"HTTP requests currently being served."),

		ServiceCalls: NewCounterVec("keel_service_calls_total",
			"Service pipeline calls by service, method and outcome.",
			[]string{"service", "method", "status"}),
		ServiceLatency: NewHistogramVec("keel_service_call_seconds",
			"Service pipeline latency by service and method.",
			[]string{"service", "method"}, nil),

		WorkersBusy: NewGauge("keel_worker_busy",
			"Worker slots currently executing a job."),
		WorkerCapacity: NewGauge("keel_worker_capacity",
			"Configured worker slot capacity."),
		JobPanics: NewCounter("keel_job_panics_total",
			"Handler panics recovered by the worker loop."),
		LeasesReclaimed: NewCounter("keel_leases_reclaimed_total",
			"Expired leases swept back into circulation."),

		QueueDepth: NewGaugeVec("keel_queue_depth",
			"Waiting jobs by tenant and queue.",
			[]string{"tenant", "queue"}),
		BackpressureDelays: NewCounter("keel_backpressure_delays_total",
			"Poll cycles delayed by the adaptive controller."),
	}
}

// RegisterOn attaches every metric to the exposition.
func (m *Metrics) RegisterOn(exp *Exposition) {
	if m == nil || exp == nil {
		return
	}
	exp.Register(
		m.APIRequests, m.APILatency, m.APIInflight,
		m.ServiceCalls, m.ServiceLatency,
		m.WorkersBusy, m.WorkerCapacity, m.JobPanics, m.LeasesReclaimed,
		m.QueueDepth, m.BackpressureDelays,
	)
}
