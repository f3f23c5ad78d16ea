package domain

import "time"

// Config holds the complete PassGuard configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Profile selects the default backing services.
	Profile Profile `json:"profile" env:"PASSGUARD_PROFILE"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Pricing   PricingConfig   `json:"pricing"`
	Booking   BookingConfig   `json:"booking"`
	Fraud     FraudConfig     `json:"fraud"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" env:"PASSGUARD_HOST"`
	Port         int    `json:"port" env:"PASSGUARD_PORT"`
	ReadTimeout  int    `json:"readTimeout" env:"PASSGUARD_READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" env:"PASSGUARD_WRITE_TIMEOUT"` // seconds

	// AllowedOrigins limits CORS to the admin console origins. Empty allows any.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" env:"PASSGUARD_CORS_ORIGINS" envSeparator:","`
}

// BookingConfig tunes the booking path.
type BookingConfig struct {
	// ReplayTTL is how long a priced booking is remembered so a retried
	// request with the same booking ref does not consume a second pass.
	ReplayTTL time.Duration `json:"replayTtl" env:"PASSGUARD_BOOKING_REPLAY_TTL"`
}

// FraudConfig tunes the fraud evaluation pipeline.
type FraudConfig struct {
	// HistoryTimeout bounds each history lookup before the evaluator fails open.
	HistoryTimeout time.Duration `json:"historyTimeout" env:"PASSGUARD_HISTORY_TIMEOUT"`

	// HistoryLimit caps the number of events read per history source.
	HistoryLimit int `json:"historyLimit" env:"PASSGUARD_HISTORY_LIMIT"`

	// DefaultWindow applies to history-based rules configured without a window.
	DefaultWindow time.Duration `json:"defaultWindow" env:"PASSGUARD_DEFAULT_WINDOW"`

	// DedupWindow is the span in which repeated firings count toward escalation.
	DedupWindow time.Duration `json:"dedupWindow" env:"PASSGUARD_DEDUP_WINDOW"`

	// EscalateAfter is the candidate count that bumps an alert's severity.
	EscalateAfter int `json:"escalateAfter" env:"PASSGUARD_ESCALATE_AFTER"`

	// EventDedupTTL is how long the worker remembers an evaluated event id.
	EventDedupTTL time.Duration `json:"eventDedupTtl" env:"PASSGUARD_EVENT_DEDUP_TTL"`

	// Workers is the number of concurrent evaluations per worker.
	Workers int `json:"workers" env:"PASSGUARD_FRAUD_WORKERS"`
}

// SchedulerConfig holds the built-in expiry sweep settings.
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled" env:"PASSGUARD_SCHEDULER_ENABLED"`
	ExpirySchedule string `json:"expirySchedule" env:"PASSGUARD_EXPIRY_SCHEDULE"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" env:"PASSGUARD_LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"PASSGUARD_LOG_FORMAT"` // json, text
	Debug  bool   `json:"debug" env:"PASSGUARD_DEBUG"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"PASSGUARD_TRACING"`
	ServiceName string  `json:"serviceName" env:"PASSGUARD_SERVICE_NAME"`
	SampleRatio float64 `json:"sampleRatio" env:"PASSGUARD_TRACE_SAMPLE_RATIO"`
}

// Profile represents a deployment profile.
type Profile string

const (
	// ProfileCommunity runs on SQLite + channels + in-process LRU.
	ProfileCommunity Profile = "community"

	// ProfilePro runs on PostgreSQL + NATS + Redis.
	ProfilePro Profile = "pro"
)

// DefaultConfig returns a default configuration for the community profile.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./passguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Pricing: DefaultPricingConfig(),
		Booking: BookingConfig{
			ReplayTTL: 24 * time.Hour,
		},
		Fraud: FraudConfig{
			HistoryTimeout: 200 * time.Millisecond,
			HistoryLimit:   500,
			DefaultWindow:  24 * time.Hour,
			DedupWindow:    24 * time.Hour,
			EscalateAfter:  3,
			EventDedupTTL:  24 * time.Hour,
			Workers:        5,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			ExpirySchedule: "@every 1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "passguard",
			SampleRatio: 1,
		},
	}
}

// ProConfig returns a configuration for the pro profile.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfilePro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "passguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "passguard-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
