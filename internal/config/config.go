// Package config defines the process configuration for the kickoff notifier.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"kickoff/internal/types"
)

// SecretString is an alias for types.SecretString so config structs can
// declare redacted fields without importing types everywhere.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"kickoff-notifier"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Push          PushConfig
	Queue         QueueConfig
	Facility      FacilityConfig
	Events        EventsConfig
	Observability ObservabilityConfig

	// Build metadata is injected via ldflags, not env.
	Build BuildInfo
}

// JobConfig is the subset a scheduled job needs. It leaves out the API token
// and push credentials a job never uses.
type JobConfig struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database DatabaseConfig
	Queue    QueueConfig
	AWS      AWSConfig
}

// ServerConfig holds the internal HTTP API settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	InternalToken   SecretString  `envconfig:"INTERNAL_API_TOKEN" validate:"required,min=16"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
	TriggerTimeout  time.Duration `envconfig:"TRIGGER_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrateOnStart    bool          `envconfig:"MIGRATE_ON_START" default:"false"`
}

// RedisConfig configures the preference cache. An empty URL disables caching.
type RedisConfig struct {
	URL           SecretString  `envconfig:"REDIS_URL"`
	PreferenceTTL time.Duration `envconfig:"PREFERENCE_CACHE_TTL" default:"5m"`
}

// AWSConfig holds regional configuration for SSM and CloudWatch.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-west-1"`
	// LocalStack support; empty in production.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// PushConfig selects and configures the single delivery transport.
type PushConfig struct {
	Provider types.Transport `envconfig:"PUSH_PROVIDER" default:"webpush" validate:"oneof=webpush fcm"`

	VAPIDPublicKey  string       `envconfig:"VAPID_PUBLIC_KEY" validate:"required_if=Provider webpush"`
	VAPIDPrivateKey SecretString `envconfig:"VAPID_PRIVATE_KEY" validate:"required_if=Provider webpush"`
	// VAPIDSubject is a mailto: or https: contact for the push service.
	VAPIDSubject string `envconfig:"VAPID_SUBJECT" validate:"required_if=Provider webpush"`

	FCMCredentialsFile string `envconfig:"FCM_CREDENTIALS_FILE"`
	FCMProjectID       string `envconfig:"FCM_PROJECT_ID" validate:"required_if=Provider fcm"`

	// AppBaseURL prefixes the deep links carried in notification data.
	AppBaseURL string `envconfig:"APP_BASE_URL" default:"https://kickoff.app" validate:"url"`
	IconURL    string `envconfig:"PUSH_ICON_URL" validate:"omitempty,url"`

	TTL             time.Duration `envconfig:"PUSH_TTL" default:"12h"`
	TargetFanout    int           `envconfig:"PUSH_TARGET_CONCURRENCY" default:"4" validate:"min=1,max=32"`
	BulkConcurrency int           `envconfig:"PUSH_BULK_CONCURRENCY" default:"16" validate:"min=1,max=128"`
}

// QueueConfig tunes the Queue Processor and retention sweep.
type QueueConfig struct {
	PollInterval      time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"30s"`
	BatchSize         int           `envconfig:"QUEUE_BATCH_SIZE" default:"100" validate:"min=1,max=1000"`
	Concurrency       int           `envconfig:"QUEUE_CONCURRENCY" default:"8" validate:"min=1,max=128"`
	SendTimeout       time.Duration `envconfig:"QUEUE_SEND_TIMEOUT" default:"10s"`
	ClaimLease        time.Duration `envconfig:"QUEUE_CLAIM_LEASE" default:"5m"`
	MaxRetries        int           `envconfig:"QUEUE_MAX_RETRIES" default:"3" validate:"min=1,max=20"`
	RetryBaseDelay    time.Duration `envconfig:"QUEUE_RETRY_BASE_DELAY" default:"30s"`
	RetryMaxDelay     time.Duration `envconfig:"QUEUE_RETRY_MAX_DELAY" default:"15m"`
	RetentionPeriod   time.Duration `envconfig:"QUEUE_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"QUEUE_RETENTION_INTERVAL" default:"1h"`
	// InlineRetention runs the sweep from the processor loop. Disable it when
	// the retention Lambda is scheduled instead.
	InlineRetention bool `envconfig:"QUEUE_INLINE_RETENTION" default:"true"`
}

// FacilityConfig describes where matches are played.
type FacilityConfig struct {
	Timezone string `envconfig:"FACILITY_TIMEZONE" default:"Europe/Amsterdam" validate:"required,timezone"`
}

// Location loads the facility timezone. Validation guarantees it resolves.
func (f FacilityConfig) Location() (*time.Location, error) {
	return time.LoadLocation(f.Timezone)
}

// EventsConfig configures the RabbitMQ match-event consumer. An empty URL
// disables the consumer.
type EventsConfig struct {
	RabbitURL SecretString `envconfig:"RABBITMQ_URL"`
	Queue     string       `envconfig:"MATCH_EVENTS_QUEUE" default:"kickoff.match-events"`
	Exchange  string       `envconfig:"MATCH_EVENTS_EXCHANGE" default:"matches"`
	Prefetch  int          `envconfig:"MATCH_EVENTS_PREFETCH" default:"10" validate:"min=1"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=cloudwatch prometheus none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Kickoff/Notifications"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
