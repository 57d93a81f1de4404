// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	Circuit   CircuitConfig           `mapstructure:"circuit"`
	Throttle  ThrottleConfig          `mapstructure:"throttle"`
	Headless  HeadlessConfig          `mapstructure:"headless"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Jobs      JobsConfig              `mapstructure:"jobs"`
	DB        DBConfig                `mapstructure:"db"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs job fan-out and lifecycle.
type SchedulerConfig struct {
	MaxConcurrentSources        int    `mapstructure:"max_concurrent_sources"`
	MaxConcurrentDownloads      int    `mapstructure:"max_concurrent_downloads"`
	PerSourceParallelism        int    `mapstructure:"per_source_parallelism"`
	PerSourceTimeoutSeconds     int    `mapstructure:"per_source_timeout_seconds"`
	GlobalJobTimeoutSeconds     int    `mapstructure:"global_job_timeout_seconds"`
	JobInactivityTimeoutSeconds int    `mapstructure:"job_inactivity_timeout_seconds"`
	FlushIntervalMs             int    `mapstructure:"flush_interval_ms"`
	CancelPollIntervalMs        int    `mapstructure:"cancel_poll_interval_ms"`
	CancelGraceMs               int    `mapstructure:"cancel_grace_ms"`
	DownloadDir                 string `mapstructure:"download_dir"`
}

// HTTPConfig configures the download fetcher and retry behavior.
type HTTPConfig struct {
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	MinDownloadSpeed      int64  `mapstructure:"min_download_speed"`
	StallTimeoutSeconds   int    `mapstructure:"stall_timeout_seconds"`
	MaxRetries            int    `mapstructure:"max_retries"`
	RetryBackoffMs        int    `mapstructure:"retry_backoff_ms"`
	MaxFileBytes          int64  `mapstructure:"max_file_bytes"`
	UserAgent             string `mapstructure:"user_agent"`
}

// CircuitConfig configures the per-source circuit breaker.
type CircuitConfig struct {
	Threshold      int `mapstructure:"threshold"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ThrottleConfig configures per-host politeness.
type ThrottleConfig struct {
	DomainMinIntervalMs int `mapstructure:"domain_min_interval_ms"`
}

// HeadlessConfig configures the chromedp-backed source adapters.
type HeadlessConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	ExecPath      string `mapstructure:"exec_path"`
}

// StorageConfig selects and configures the asset store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// JobsConfig selects the job store.
type JobsConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
	JobsTable   string `mapstructure:"jobs_table"`
	AssetsTable string `mapstructure:"assets_table"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig declares one source adapter.
type SourceConfig struct {
	Type          string   `mapstructure:"type"`
	URLs          []string `mapstructure:"urls"`
	SearchURL     string   `mapstructure:"search_url"`
	MinIntervalMs int      `mapstructure:"min_interval_ms"`
	UserAgent     string   `mapstructure:"user_agent"`
	WaitSelector  string   `mapstructure:"wait_selector"`
	RespectRobots bool     `mapstructure:"respect_robots"`

	// Headers are sent with every discovery request of this source.
	Headers map[string]string `mapstructure:"headers"`
}

// Source adapter types.
const (
	SourceTypeStatic   = "static"
	SourceTypeGallery  = "gallery"
	SourceTypeHeadless = "headless"
)

// Storage and job store backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// envAliases binds the bare environment names operators already use.
var envAliases = map[string]string{
	"server.port":                          "PORT",
	"scheduler.max_concurrent_sources":     "MAX_CONCURRENT_SOURCES",
	"scheduler.max_concurrent_downloads":   "MAX_CONCURRENT_DOWNLOADS",
	"scheduler.global_job_timeout_seconds": "GLOBAL_JOB_TIMEOUT",
	"http.max_retries":                     "MAX_RETRIES_PER_SOURCE",
	"http.request_timeout_seconds":         "REQUEST_TIMEOUT",
	"http.connect_timeout_seconds":         "CONNECT_TIMEOUT",
	"http.min_download_speed":              "MIN_DOWNLOAD_SPEED",
	"http.stall_timeout_seconds":           "STALL_TIMEOUT",
	"http.max_file_bytes":                  "MAX_FILE_BYTES",
	"circuit.threshold":                    "CIRCUIT_BREAKER_THRESHOLD",
	"circuit.timeout_seconds":              "CIRCUIT_BREAKER_TIMEOUT",
	"throttle.domain_min_interval_ms":      "DOMAIN_MIN_INTERVAL_MS",
}

const envPrefix = "HARVESTER"

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func bindEnv(v *viper.Viper) error {
	for key, alias := range envAliases {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("bind env %s: %w", alias, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.max_concurrent_sources", 5)
	v.SetDefault("scheduler.max_concurrent_downloads", 10)
	v.SetDefault("scheduler.per_source_parallelism", 4)
	v.SetDefault("scheduler.per_source_timeout_seconds", 0)
	v.SetDefault("scheduler.global_job_timeout_seconds", 300)
	v.SetDefault("scheduler.job_inactivity_timeout_seconds", 0)
	v.SetDefault("scheduler.flush_interval_ms", 250)
	v.SetDefault("scheduler.cancel_poll_interval_ms", 1000)
	v.SetDefault("scheduler.cancel_grace_ms", 1500)
	v.SetDefault("scheduler.download_dir", "downloads")
	v.SetDefault("http.connect_timeout_seconds", 10)
	v.SetDefault("http.request_timeout_seconds", 15)
	v.SetDefault("http.min_download_speed", 1024)
	v.SetDefault("http.stall_timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_backoff_ms", 1000)
	v.SetDefault("http.max_file_bytes", int64(1)<<30)
	v.SetDefault("http.user_agent", "media-harvester/0.1")
	v.SetDefault("circuit.threshold", 5)
	v.SetDefault("circuit.timeout_seconds", 60)
	v.SetDefault("throttle.domain_min_interval_ms", 300)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "assets")
	v.SetDefault("storage.prefix", "assets")
	v.SetDefault("jobs.backend", BackendMemory)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.jobs_table", "harvest_jobs")
	v.SetDefault("db.assets_table", "harvest_assets")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.MaxConcurrentSources <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_sources must be > 0")
	}
	if c.Scheduler.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_downloads must be > 0")
	}
	if c.Scheduler.PerSourceParallelism <= 0 {
		return fmt.Errorf("scheduler.per_source_parallelism must be > 0")
	}
	if c.Scheduler.GlobalJobTimeoutSeconds < 0 || c.Scheduler.JobInactivityTimeoutSeconds < 0 ||
		c.Scheduler.PerSourceTimeoutSeconds < 0 {
		return fmt.Errorf("scheduler timeouts must be >= 0")
	}
	if c.HTTP.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("http.connect_timeout_seconds must be > 0")
	}
	if c.HTTP.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("http.request_timeout_seconds must be > 0")
	}
	if c.HTTP.StallTimeoutSeconds <= 0 {
		return fmt.Errorf("http.stall_timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.MinDownloadSpeed < 0 {
		return fmt.Errorf("http.min_download_speed must be >= 0")
	}
	if c.HTTP.MaxFileBytes <= 0 {
		return fmt.Errorf("http.max_file_bytes must be > 0")
	}
	if c.Circuit.Threshold <= 0 {
		return fmt.Errorf("circuit.threshold must be > 0")
	}
	if c.Circuit.TimeoutSeconds < 0 {
		return fmt.Errorf("circuit.timeout_seconds must be >= 0")
	}
	if c.Throttle.DomainMinIntervalMs < 0 {
		return fmt.Errorf("throttle.domain_min_interval_ms must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres storage backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Jobs.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres jobs backend")
		}
	default:
		return fmt.Errorf("jobs.backend %q is not supported", c.Jobs.Backend)
	}
	for id, src := range c.Sources {
		switch src.Type {
		case SourceTypeStatic:
			if len(src.URLs) == 0 {
				return fmt.Errorf("sources.%s.urls must not be empty", id)
			}
		case SourceTypeGallery, SourceTypeHeadless:
			if src.SearchURL == "" {
				return fmt.Errorf("sources.%s.search_url must be set", id)
			}
		default:
			return fmt.Errorf("sources.%s.type %q is not supported", id, src.Type)
		}
		if src.MinIntervalMs < 0 {
			return fmt.Errorf("sources.%s.min_interval_ms must be >= 0", id)
		}
	}
	return nil
}

// GlobalJobTimeout is the default job deadline; zero means unlimited.
func (c SchedulerConfig) GlobalJobTimeout() time.Duration {
	return time.Duration(c.GlobalJobTimeoutSeconds) * time.Second
}

// InactivityTimeout is the idle watchdog period; zero disables it.
func (c SchedulerConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.JobInactivityTimeoutSeconds) * time.Second
}

// PerSourceTimeout bounds a single source runner; zero means none.
func (c SchedulerConfig) PerSourceTimeout() time.Duration {
	return time.Duration(c.PerSourceTimeoutSeconds) * time.Second
}

// FlushInterval is the progress persistence debounce.
func (c SchedulerConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// CancelPollInterval is how often the store's cancel flag is checked.
func (c SchedulerConfig) CancelPollInterval() time.Duration {
	return time.Duration(c.CancelPollIntervalMs) * time.Millisecond
}

// CancelGrace bounds how long children may take to unwind after cancellation.
func (c SchedulerConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMs) * time.Millisecond
}

// ConnectTimeout converts the connect timeout to a duration.
func (c HTTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// RequestTimeout converts the read timeout to a duration.
func (c HTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StallWindow converts the stall window to a duration.
func (c HTTPConfig) StallWindow() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// RetryBackoff is the base delay between attempts.
func (c HTTPConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// CoolDown converts the breaker timeout to a duration.
func (c CircuitConfig) CoolDown() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DomainMinInterval converts the per-host interval to a duration.
func (c ThrottleConfig) DomainMinInterval() time.Duration {
	return time.Duration(c.DomainMinIntervalMs) * time.Millisecond
}

// MinInterval converts the per-source host interval to a duration.
func (c SourceConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMs) * time.Millisecond
}
