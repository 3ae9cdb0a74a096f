package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Audit     AuditSettings     `mapstructure:"audit"`
	Admin     AdminSettings     `mapstructure:"admin"`
}

type AppSettings struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	Schema            string        `mapstructure:"schema"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	DB           int           `mapstructure:"db"`
	Password     string        `mapstructure:"password"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaSettings configures the audit producer. An empty broker list disables Kafka.
type KafkaSettings struct {
	Brokers      []string `mapstructure:"brokers"`
	TopicPrefix  string   `mapstructure:"topic_prefix"`
	ClientID     string   `mapstructure:"client_id"`
	RequiredAcks string   `mapstructure:"required_acks"`
}

type TelemetrySettings struct {
	MetricsEnabled bool    `mapstructure:"metrics_enabled"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool    `mapstructure:"otlp_insecure"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// RateLimitSettings configures the decision engine and its two counter stores.
type RateLimitSettings struct {
	PolicyFile        string              `mapstructure:"policy_file"`
	WatchPolicyFile   bool                `mapstructure:"watch_policy_file"`
	KeyPrefix         string              `mapstructure:"key_prefix"`
	ExpiryBuffer      time.Duration       `mapstructure:"expiry_buffer"`
	FastStoreTimeout  time.Duration       `mapstructure:"fast_store_timeout"`
	LedgerTimeout     time.Duration       `mapstructure:"ledger_timeout"`
	LedgerMaxAttempts int                 `mapstructure:"ledger_max_attempts"`
	RetentionPeriod   time.Duration       `mapstructure:"retention_period"`
	FailureMode       FailureModeSettings `mapstructure:"failure_mode"`
	Circuit           CircuitSettings     `mapstructure:"circuit"`
}

// FailureModeSettings decides per endpoint class what happens once both stores are down.
type FailureModeSettings struct {
	Default       string   `mapstructure:"default"`
	ClosedClasses []string `mapstructure:"closed_classes"`
	OpenClasses   []string `mapstructure:"open_classes"`
}

// CircuitSettings tunes the breaker guarding the fast store.
type CircuitSettings struct {
	FailureThreshold int64         `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	HalfOpenMaxCalls int64         `mapstructure:"half_open_max_calls"`
}

// AuditSettings configures asynchronous denial auditing.
type AuditSettings struct {
	QueueSize int           `mapstructure:"queue_size"`
	Workers   int           `mapstructure:"workers"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Sinks lists enabled destinations: kafka, postgres, log.
	Sinks []string `mapstructure:"sinks"`
}

type AdminSettings struct {
	Token string `mapstructure:"token"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("RLS")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.log_level",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.schema",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.pool_size",
		"redis.dial_timeout",
		"redis.read_timeout",
		"redis.write_timeout",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.client_id",
		"kafka.required_acks",
		"telemetry.metrics_enabled",
		"telemetry.tracing_enabled",
		"telemetry.otlp_endpoint",
		"telemetry.otlp_insecure",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"rate_limit.policy_file",
		"rate_limit.watch_policy_file",
		"rate_limit.key_prefix",
		"rate_limit.expiry_buffer",
		"rate_limit.fast_store_timeout",
		"rate_limit.ledger_timeout",
		"rate_limit.ledger_max_attempts",
		"rate_limit.retention_period",
		"rate_limit.failure_mode.default",
		"rate_limit.failure_mode.closed_classes",
		"rate_limit.failure_mode.open_classes",
		"rate_limit.circuit.failure_threshold",
		"rate_limit.circuit.open_duration",
		"rate_limit.circuit.half_open_max_calls",
		"audit.queue_size",
		"audit.workers",
		"audit.timeout",
		"audit.sinks",
		"admin.token",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// comma separated env values arrive as a single element
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Audit.Sinks = splitList(cfg.Audit.Sinks)
	cfg.RateLimit.FailureMode.ClosedClasses = splitList(cfg.RateLimit.FailureMode.ClosedClasses)
	cfg.RateLimit.FailureMode.OpenClasses = splitList(cfg.RateLimit.FailureMode.OpenClasses)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ratelimit-service")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "movecrm")
	v.SetDefault("postgres.password", "movecrm_password")
	v.SetDefault("postgres.database", "movecrm")
	v.SetDefault("postgres.schema", "ratelimit")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "500ms")
	v.SetDefault("redis.read_timeout", "100ms")
	v.SetDefault("redis.write_timeout", "100ms")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "movecrm")
	v.SetDefault("kafka.client_id", "ratelimit-service")
	v.SetDefault("kafka.required_acks", "leader")

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "ratelimit-service")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("rate_limit.policy_file", "")
	v.SetDefault("rate_limit.watch_policy_file", true)
	v.SetDefault("rate_limit.key_prefix", "rate_limit")
	v.SetDefault("rate_limit.expiry_buffer", "5s")
	v.SetDefault("rate_limit.fast_store_timeout", "75ms")
	v.SetDefault("rate_limit.ledger_timeout", "300ms")
	v.SetDefault("rate_limit.ledger_max_attempts", 3)
	v.SetDefault("rate_limit.retention_period", "168h")
	v.SetDefault("rate_limit.failure_mode.default", "open")
	v.SetDefault("rate_limit.failure_mode.closed_classes", []string{"auth", "detection"})
	v.SetDefault("rate_limit.failure_mode.open_classes", []string{})
	v.SetDefault("rate_limit.circuit.failure_threshold", 5)
	v.SetDefault("rate_limit.circuit.open_duration", "2s")
	v.SetDefault("rate_limit.circuit.half_open_max_calls", 1)

	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.workers", 2)
	v.SetDefault("audit.timeout", "2s")
	v.SetDefault("audit.sinks", []string{"kafka", "postgres"})

	v.SetDefault("admin.token", "")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "RLS_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
