package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Database     DatabaseConfig   `yaml:"database"`
	Redis        RedisConfig      `yaml:"redis"`
	Nats         NatsConfig       `yaml:"nats"`
	Admission    AdmissionConfig  `yaml:"admission"`
	Broadcast    BroadcastConfig  `yaml:"broadcast"`
	Push         PushConfig       `yaml:"push"`
	WorkerPool   WorkerPoolConfig `yaml:"worker_pool" split_words:"true"`
	Auth         AuthConfig       `yaml:"auth"`
	Log          LogConfig        `yaml:"log"`
	SeedCounters []SeedCounter    `yaml:"seed_counters" ignored:"true"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port             int     `yaml:"port"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_sec" split_words:"true"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" split_words:"true"`
	DeviceCookieName string  `yaml:"device_cookie_name" split_words:"true"`
	SecureCookies    bool    `yaml:"secure_cookies" split_words:"true"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver                 string        `yaml:"driver"`
	DSN                    string        `yaml:"dsn"`
	MaxOpenConns           int           `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns           int           `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetimeMinutes int           `yaml:"conn_max_lifetime_minutes" split_words:"true"`
	TimeoutSeconds         int           `yaml:"timeout_seconds" split_words:"true"`
	Timeout                time.Duration `yaml:"-" ignored:"true"`
}

// RedisConfig enables the shared admission record store when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// NatsConfig enables cross-instance change notifications when URL is set.
type NatsConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" split_words:"true"`
}

// AdmissionConfig holds the anti-abuse settings for ticket issuance.
type AdmissionConfig struct {
	CooldownSeconds  int           `yaml:"cooldown_seconds" split_words:"true"`
	RetentionHours   int           `yaml:"retention_hours" split_words:"true"`
	Cooldown         time.Duration `yaml:"-" ignored:"true"`
	Retention        time.Duration `yaml:"-" ignored:"true"`
	IdempotencyHours int           `yaml:"idempotency_hours" split_words:"true"`
	IdempotencyTTL   time.Duration `yaml:"-" ignored:"true"`
}

// BroadcastConfig holds the state stream timings.
type BroadcastConfig struct {
	PollIntervalMillis int           `yaml:"poll_interval_ms" split_words:"true"`
	KeepaliveSeconds   int           `yaml:"keepalive_seconds" split_words:"true"`
	ReadAttempts       int           `yaml:"read_attempts" split_words:"true"`
	PollInterval       time.Duration `yaml:"-" ignored:"true"`
	Keepalive          time.Duration `yaml:"-" ignored:"true"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key" envconfig:"VAPID_PUBLIC_KEY"`
	PrivateKey string `yaml:"vapid_private_key" envconfig:"VAPID_PRIVATE_KEY"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size" split_words:"true"`
}

// AuthConfig holds the operator session settings.
type AuthConfig struct {
	SessionSecret   string        `yaml:"session_secret" split_words:"true"`
	CookieName      string        `yaml:"cookie_name" split_words:"true"`
	SessionTTLHours int           `yaml:"session_ttl_hours" split_words:"true"`
	SessionTTL      time.Duration `yaml:"-" ignored:"true"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// SeedCounter is a counter created at startup if it does not exist yet.
type SeedCounter struct {
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

// Load reads the configuration from the given path and applies TICKETD_* environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := envconfig.Process("ticketd", &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.DeviceCookieName == "" {
		cfg.Server.DeviceCookieName = "ticket_device"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.TimeoutSeconds <= 0 {
		cfg.Database.TimeoutSeconds = 5
	}
	cfg.Database.Timeout = time.Duration(cfg.Database.TimeoutSeconds) * time.Second

	if cfg.Nats.SubjectPrefix == "" {
		cfg.Nats.SubjectPrefix = "counters"
	}

	if cfg.Admission.CooldownSeconds <= 0 {
		cfg.Admission.CooldownSeconds = 600
	}
	cfg.Admission.Cooldown = time.Duration(cfg.Admission.CooldownSeconds) * time.Second
	if cfg.Admission.RetentionHours <= 0 {
		cfg.Admission.RetentionHours = 12
	}
	cfg.Admission.Retention = time.Duration(cfg.Admission.RetentionHours) * time.Hour
	if cfg.Admission.IdempotencyHours <= 0 {
		cfg.Admission.IdempotencyHours = 24
	}
	cfg.Admission.IdempotencyTTL = time.Duration(cfg.Admission.IdempotencyHours) * time.Hour

	if cfg.Broadcast.PollIntervalMillis <= 0 {
		cfg.Broadcast.PollIntervalMillis = 1500
	}
	cfg.Broadcast.PollInterval = time.Duration(cfg.Broadcast.PollIntervalMillis) * time.Millisecond
	if cfg.Broadcast.KeepaliveSeconds <= 0 {
		cfg.Broadcast.KeepaliveSeconds = 15
	}
	cfg.Broadcast.Keepalive = time.Duration(cfg.Broadcast.KeepaliveSeconds) * time.Second
	if cfg.Broadcast.ReadAttempts <= 0 {
		cfg.Broadcast.ReadAttempts = 5
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Warn().Msg("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 256
	}

	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "operator_session"
	}
	if cfg.Auth.SessionTTLHours <= 0 {
		cfg.Auth.SessionTTLHours = 12
	}
	cfg.Auth.SessionTTL = time.Duration(cfg.Auth.SessionTTLHours) * time.Hour

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
