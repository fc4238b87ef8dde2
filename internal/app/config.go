package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/keel/internal/platform/envutil"
	"github.com/yungbote/keel/internal/queue/adapter"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendGorm   = "gorm"
	BackendRedis  = "redis"
)

// Config drives the daemon. Values resolve in three layers: package
// defaults, then the optional YAML file named by CONFIG_FILE, then
// environment variables. Env always wins. The QUEUE_* worker knobs are
// env-only and live in adapter.ConfigFromEnv.
type Config struct {
	// Port is the HTTP listen port.
	Port string
	// CORSOrigins overrides the transport's allowed origins when set.
	CORSOrigins []string

	// Backend selects the queue store: memory, gorm or redis.
	Backend string

	Postgres  PostgresConfig
	RedisAddr string

	// Queue tunes the worker pool and retry behavior.
	Queue adapter.Config
	// WorkerTenants lists the tenants this node runs workers for.
	WorkerTenants []string
	// WorkerQueues restricts the worker pool to named queues; empty
	// means every queue of the tenant.
	WorkerQueues []string
	// MinWorkers is the adaptive controller's lower concurrency bound.
	MinWorkers int

	// ReaperInterval is the expired-lease sweep period.
	ReaperInterval time.Duration

	// ShutdownTimeout bounds the graceful drain of HTTP and workers.
	ShutdownTimeout time.Duration

	JWTSecret      string
	AccessTokenTTL time.Duration
}

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Name,
	)
}

func DefaultConfig() Config {
	return Config{
		Port:    "8080",
		Backend: BackendMemory,
		Postgres: PostgresConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "keel",
		},
		RedisAddr:       "localhost:6379",
		Queue:           adapter.DefaultConfig(),
		WorkerTenants:   []string{"default"},
		MinWorkers:      1,
		ReaperInterval:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		JWTSecret:       "defaultsecret",
		AccessTokenTTL:  time.Hour,
	}
}

// LoadConfig resolves the full daemon configuration from defaults, the
// optional CONFIG_FILE and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()

	switch cfg.Backend {
	case BackendMemory, BackendGorm, BackendRedis:
	default:
		return cfg, fmt.Errorf("unknown queue backend %q (want %s, %s or %s)",
			cfg.Backend, BackendMemory, BackendGorm, BackendRedis)
	}
	return cfg, nil
}

// fileConfig is the YAML shape. Only fields present in the file are
// applied, so a partial file overrides only what it names.
type fileConfig struct {
	Port        string   `yaml:"port"`
	Backend     string   `yaml:"backend"`
	CORSOrigins []string `yaml:"cors_origins"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"postgres"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	WorkerTenants       []string `yaml:"worker_tenants"`
	WorkerQueues        []string `yaml:"worker_queues"`
	MinWorkers          int      `yaml:"min_workers"`
	ReaperIntervalSecs  int      `yaml:"reaper_interval_secs"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs"`

	JWT struct {
		Secret        string `yaml:"secret"`
		AccessTTLSecs int    `yaml:"access_ttl_secs"`
	} `yaml:"jwt"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Port != "" {
		c.Port = fc.Port
	}
	if fc.Backend != "" {
		c.Backend = fc.Backend
	}
	if len(fc.CORSOrigins) > 0 {
		c.CORSOrigins = fc.CORSOrigins
	}
	if fc.Postgres.Host != "" {
		c.Postgres.Host = fc.Postgres.Host
	}
	if fc.Postgres.Port != "" {
		c.Postgres.Port = fc.Postgres.Port
	}
	if fc.Postgres.User != "" {
		c.Postgres.User = fc.Postgres.User
	}
	if fc.Postgres.Password != "" {
		c.Postgres.Password = fc.Postgres.Password
	}
	if fc.Postgres.Name != "" {
		c.Postgres.Name = fc.Postgres.Name
	}
	if fc.Redis.Addr != "" {
		c.RedisAddr = fc.Redis.Addr
	}
	if len(fc.WorkerTenants) > 0 {
		c.WorkerTenants = fc.WorkerTenants
	}
	if len(fc.WorkerQueues) > 0 {
		c.WorkerQueues = fc.WorkerQueues
	}
	if fc.MinWorkers > 0 {
		c.MinWorkers = fc.MinWorkers
	}
	if fc.ReaperIntervalSecs > 0 {
		c.ReaperInterval = time.Duration(fc.ReaperIntervalSecs) * time.Second
	}
	if fc.ShutdownTimeoutSecs > 0 {
		c.ShutdownTimeout = time.Duration(fc.ShutdownTimeoutSecs) * time.Second
	}
	if fc.JWT.Secret != "" {
		c.JWTSecret = fc.JWT.Secret
	}
	if fc.JWT.AccessTTLSecs > 0 {
		c.AccessTokenTTL = time.Duration(fc.JWT.AccessTTLSecs) * time.Second
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envutil.Str("PORT", c.Port)
	c.Backend = strings.ToLower(envutil.Str("QUEUE_BACKEND", c.Backend))
	if v := envutil.Str("CORS_ORIGINS", ""); v != "" {
		c.CORSOrigins = splitList(v)
	}

	c.Postgres.Host = envutil.Str("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = envutil.Str("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.User = envutil.Str("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = envutil.Str("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.Name = envutil.Str("POSTGRES_NAME", c.Postgres.Name)
	c.RedisAddr = envutil.Str("REDIS_ADDR", c.RedisAddr)

	c.Queue = adapter.ConfigFromEnv()
	if v := envutil.Str("WORKER_TENANTS", ""); v != "" {
		c.WorkerTenants = splitList(v)
	}
	if v := envutil.Str("WORKER_QUEUES", ""); v != "" {
		c.WorkerQueues = splitList(v)
	}
	c.MinWorkers = envutil.Int("QUEUE_MIN_WORKERS", c.MinWorkers)
	c.ReaperInterval = envutil.DurationSecs("REAPER_INTERVAL_SECS", c.ReaperInterval)
	c.ShutdownTimeout = envutil.DurationSecs("SHUTDOWN_TIMEOUT_SECS", c.ShutdownTimeout)

	c.JWTSecret = envutil.Str("JWT_SECRET_KEY", c.JWTSecret)
	c.AccessTokenTTL = envutil.DurationSecs("ACCESS_TOKEN_TTL", c.AccessTokenTTL)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
