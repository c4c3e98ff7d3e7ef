// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	Port        int    `env:"PORT" envDefault:"8080"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Store endpoint and credentials. DatabaseURL wins when set; otherwise the
	// DSN is derived from the Supabase project URL plus one of the keys.
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_KEY"`
	SupabaseAnonKey    string `env:"SUPABASE_ANON_KEY"`
	DatabaseURL        string `env:"DATABASE_URL"`

	// Forge access.
	GithubToken     string        `env:"GITHUB_TOKEN"`
	ForgeAPIURL     string        `env:"FORGE_API_URL" envDefault:"https://api.github.com"`
	ForgeGraphQLURL string        `env:"FORGE_GRAPHQL_URL" envDefault:"https://api.github.com/graphql"`
	UseCompound     bool          `env:"USE_COMPOUND_QUERIES" envDefault:"true"`
	ForgeTimeout    time.Duration `env:"FORGE_TIMEOUT" envDefault:"15s"`
	ForgeRatePerSec float64       `env:"FORGE_RATE_PER_SEC" envDefault:"2"`
	ForgeRateBurst  int           `env:"FORGE_RATE_BURST" envDefault:"5"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"10s"`

	// Per-invocation capture parameters (batch entry point).
	RepositoryID   string `env:"REPOSITORY_ID"`
	RepositoryName string `env:"REPOSITORY_NAME"`
	PRNumbers      []int  `env:"PR_NUMBERS" envSeparator:","`
	TimeRange      int    `env:"TIME_RANGE"`
	MaxItems       int    `env:"MAX_ITEMS"`
	JobID          string `env:"JOB_ID"`
	DaysBack       int    `env:"DAYS_BACK"`

	// Health-collaborator control.
	CheckType  string `env:"CHECK_TYPE" envDefault:"full"`
	ForceCheck bool   `env:"FORCE_CHECK"`

	// Automated rollback inputs.
	RollbackPercentage int    `env:"ROLLBACK_PERCENTAGE" envDefault:"0"`
	RollbackReason     string `env:"ROLLBACK_REASON"`
	TriggeredBy        string `env:"TRIGGERED_BY" envDefault:"automated_health_check"`

	// Low-latency back-end (queue + worker pool).
	KafkaBrokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	CaptureTopic          string        `env:"CAPTURE_TOPIC" envDefault:"capture.jobs"`
	CaptureGroup          string        `env:"CAPTURE_GROUP" envDefault:"capture-workers"`
	TopicPartitions       int           `env:"CAPTURE_TOPIC_PARTITIONS" envDefault:"8"`
	TopicReplication      int           `env:"CAPTURE_TOPIC_REPLICATION" envDefault:"1"`
	WorkerMinConcurrency  int           `env:"WORKER_MIN_CONCURRENCY" envDefault:"2"`
	WorkerMaxConcurrency  int           `env:"WORKER_MAX_CONCURRENCY" envDefault:"10"`
	WorkerScalingInterval time.Duration `env:"WORKER_SCALING_INTERVAL" envDefault:"2s"`
	WorkerIdleTimeout     time.Duration `env:"WORKER_IDLE_TIMEOUT" envDefault:"30s"`
	PerJobItemCap         int           `env:"PER_JOB_ITEM_CAP" envDefault:"50"`

	// Batch back-end (external job runner).
	RunnerAPIURL    string        `env:"RUNNER_API_URL" envDefault:"https://api.github.com"`
	RunnerOwner     string        `env:"RUNNER_OWNER"`
	RunnerRepo      string        `env:"RUNNER_REPO"`
	RunnerRef       string        `env:"RUNNER_REF" envDefault:"main"`
	WorkflowsFile   string        `env:"WORKFLOWS_FILE"`
	BatchRunTimeout time.Duration `env:"BATCH_RUN_TIMEOUT" envDefault:"120m"`

	// Rollout controller.
	RedisAddr       string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RolloutCacheTTL time.Duration `env:"ROLLOUT_CACHE_TTL" envDefault:"60s"`

	// Governor thresholds.
	GovernorWarningRemaining  int     `env:"GOVERNOR_WARNING_REMAINING" envDefault:"1000"`
	GovernorCriticalRemaining int     `env:"GOVERNOR_CRITICAL_REMAINING" envDefault:"100"`
	GovernorEfficiencyPoints  float64 `env:"GOVERNOR_EFFICIENCY_POINTS" envDefault:"5"`

	// Stuck-job sweeping and retention.
	SweeperInterval  time.Duration `env:"SWEEPER_INTERVAL" envDefault:"5m"`
	StuckJobTTL      time.Duration `env:"STUCK_JOB_TTL" envDefault:"3h"`
	JobRetentionDays int           `env:"JOB_RETENTION_DAYS" envDefault:"90"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Artifacts.
	ArtifactsDir string `env:"ARTIFACTS_DIR" envDefault:"."`

	// Observability.
	OTLPEndpoint      string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName   string  `env:"OTEL_SERVICE_NAME" envDefault:"progressive-capture"`
	OTELSamplingRatio float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"0"`

	// HTTP server.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Forge retry configuration (transport failures).
	ForgeRetryMax          int           `env:"FORGE_RETRY_MAX" envDefault:"2"`
	ForgeRetryInitialDelay time.Duration `env:"FORGE_RETRY_INITIAL_DELAY" envDefault:"1s"`
	ForgeRetryMaxDelay     time.Duration `env:"FORGE_RETRY_MAX_DELAY" envDefault:"4s"`
	ForgeRetryMultiplier   float64       `env:"FORGE_RETRY_MULTIPLIER" envDefault:"4.0"`
}

// Load parses environment variables into a Config and validates that store
// credentials are present. Missing credentials fail fast with a descriptive
// error rather than surfacing later as an opaque connection failure.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.validateStore(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

func (c Config) validateStore() error {
	if c.DatabaseURL != "" {
		return nil
	}
	if c.SupabaseURL == "" {
		return fmt.Errorf("missing store endpoint: set DATABASE_URL or SUPABASE_URL")
	}
	if c.SupabaseServiceKey == "" && c.SupabaseAnonKey == "" {
		return fmt.Errorf("missing store credentials: set SUPABASE_SERVICE_KEY or SUPABASE_ANON_KEY")
	}
	return nil
}

// DSN returns the Postgres connection string: DATABASE_URL verbatim when set,
// otherwise derived from the Supabase project URL with the service key (anon
// key as fallback) as the database password.
func (c Config) DSN() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}
	u, err := url.Parse(c.SupabaseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("op=config.DSN: invalid SUPABASE_URL %q", c.SupabaseURL)
	}
	key := c.SupabaseServiceKey
	if key == "" {
		key = c.SupabaseAnonKey
	}
	return fmt.Sprintf("postgres://postgres:%s@db.%s:5432/postgres?sslmode=require",
		url.QueryEscape(key), u.Host), nil
}

// CaptureJobData assembles router input from the per-invocation env params.
// TIME_RANGE wins over DAYS_BACK when both are set; they describe the same
// window and the operator tooling historically exported either.
func (c Config) CaptureJobData() domain.JobData {
	d := domain.JobData{
		RepositoryID:   c.RepositoryID,
		RepositoryName: c.RepositoryName,
		PRNumbers:      c.PRNumbers,
		TriggerSource:  domain.TriggerScheduled,
	}
	days := c.TimeRange
	if days == 0 {
		days = c.DaysBack
	}
	if days > 0 {
		d.TimeRangeDays = &days
	}
	if c.MaxItems > 0 {
		maxItems := c.MaxItems
		d.MaxItems = &maxItems
	}
	return d
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetForgeRetryConfig returns the transport retry policy for the current
// environment. Test environments use much shorter delays so suites run fast.
func (c Config) GetForgeRetryConfig() domain.RetryConfig {
	if c.IsTest() {
		return domain.RetryConfig{
			MaxRetries:   c.ForgeRetryMax,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     40 * time.Millisecond,
			Multiplier:   4.0,
		}
	}
	return domain.RetryConfig{
		MaxRetries:   c.ForgeRetryMax,
		InitialDelay: c.ForgeRetryInitialDelay,
		MaxDelay:     c.ForgeRetryMaxDelay,
		Multiplier:   c.ForgeRetryMultiplier,
	}
}
