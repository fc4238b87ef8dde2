package adapter

import (
	"math"
	"time"

	"github.com/yungbote/keel/internal/platform/envutil"
)

// Config tunes the worker pool and retry behavior. Zero fields are
// normalized to defaults by New.
type Config struct {
	// MaxWorkers caps concurrent job executions across all loops.
	MaxWorkers int
	// IdleInterval is the sleep between empty dequeue polls.
	IdleInterval time.Duration
	// LeaseDuration is handed to heartbeat extensions; backends assign
	// the initial lease on dequeue.
	LeaseDuration time.Duration
	// HeartbeatInterval is how often a running execution extends its
	// lease. It should be well under LeaseDuration.
	HeartbeatInterval time.Duration
	// JobTimeout bounds a single handler execution.
	JobTimeout time.Duration
	// BaseRetryBackoff and MaxRetryBackoff shape the exponential retry
	// delay: min(base * 2^(attempt-1), max).
	BaseRetryBackoff time.Duration
	MaxRetryBackoff  time.Duration
	// DefaultQueue receives messages that name no queue.
	DefaultQueue string
	// DefaultMaxRetries applies to jobs that declare no retry cap.
	DefaultMaxRetries int
}

const (
	defaultMaxWorkers        = 4
	defaultIdleInterval      = 100 * time.Millisecond
	defaultLeaseDuration     = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultJobTimeout        = 5 * time.Minute
	defaultBaseRetryBackoff  = 1 * time.Second
	defaultMaxRetryBackoff   = 5 * time.Minute
	defaultQueueName         = "default"
	defaultMaxRetries        = 3
)

func DefaultConfig() Config {
	return Config{
		MaxWorkers:        defaultMaxWorkers,
		IdleInterval:      defaultIdleInterval,
		LeaseDuration:     defaultLeaseDuration,
		HeartbeatInterval: defaultHeartbeatInterval,
		JobTimeout:        defaultJobTimeout,
		BaseRetryBackoff:  defaultBaseRetryBackoff,
		MaxRetryBackoff:   defaultMaxRetryBackoff,
		DefaultQueue:      defaultQueueName,
		DefaultMaxRetries: defaultMaxRetries,
	}
}

// ConfigFromEnv reads the QUEUE_* knobs, falling back to defaults.
func ConfigFromEnv() Config {
	return Config{
		MaxWorkers:        envutil.Int("QUEUE_MAX_WORKERS", defaultMaxWorkers),
		IdleInterval:      envutil.DurationSecs("QUEUE_WORKER_IDLE_TIMEOUT_SECS", defaultIdleInterval),
		LeaseDuration:     envutil.DurationSecs("QUEUE_LEASE_DURATION_SECS", defaultLeaseDuration),
		HeartbeatInterval: envutil.DurationSecs("QUEUE_HEARTBEAT_INTERVAL_SECS", defaultHeartbeatInterval),
		JobTimeout:        envutil.DurationSecs("QUEUE_JOB_TIMEOUT_SECS", defaultJobTimeout),
		BaseRetryBackoff:  envutil.DurationSecs("QUEUE_BASE_RETRY_BACKOFF_SECS", defaultBaseRetryBackoff),
		MaxRetryBackoff:   envutil.DurationSecs("QUEUE_MAX_RETRY_BACKOFF_SECS", defaultMaxRetryBackoff),
		DefaultQueue:      envutil.Str("QUEUE_DEFAULT_NAME", defaultQueueName),
		DefaultMaxRetries: envutil.Int("QUEUE_DEFAULT_MAX_RETRIES", defaultMaxRetries),
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.BaseRetryBackoff <= 0 {
		c.BaseRetryBackoff = def.BaseRetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if c.MaxRetryBackoff < c.BaseRetryBackoff {
		c.MaxRetryBackoff = c.BaseRetryBackoff
	}
	if c.DefaultQueue == "" {
		c.DefaultQueue = def.DefaultQueue
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
}

// Backoff computes the retry delay after a failed attempt, doubling from
// the base and clamping at the max. Attempts start at 1.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(c.BaseRetryBackoff) * math.Pow(2, float64(attempt-1)))
	if d <= 0 || d > c.MaxRetryBackoff {
		d = c.MaxRetryBackoff
	}
	return d
}
