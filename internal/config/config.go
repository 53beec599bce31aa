// Package config provides configuration management for the book generation service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "BOOKGEN"

// PostgreSQL sslmode values accepted in database.ssl_mode.
const (
	SSLModeDisable    = "disable"
	SSLModeRequire    = "require"
	SSLModeVerifyCA   = "verify-ca"
	SSLModeVerifyFull = "verify-full"
)

// Supported generation providers.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config is the full service configuration. Each section maps to a
// top-level key of config.yaml and to BOOKGEN_<SECTION>_<KEY> variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Temporal   TemporalConfig   `mapstructure:"temporal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Generation GenerationConfig `mapstructure:"generation"`
	Export     ExportConfig     `mapstructure:"export"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
}

// ServerConfig configures the HTTP API and metrics listeners.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`

	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout must cover a synchronous outline or chapter generation,
	// including adapter retries.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool that holds book state.
// Password is read from BOOKGEN_DATABASE_PASSWORD only.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"-"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`

	// MigrationPath empty means the migrations embedded in the binary.
	MigrationPath    string `mapstructure:"migration_path"`
	MigrationAutoRun bool   `mapstructure:"migration_auto_run"`
}

// TemporalConfig configures durable compilation. When Enabled is false
// the server exports in process.
type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
	// CompileTimeout bounds how long the server waits for a compile workflow.
	CompileTimeout time.Duration `mapstructure:"compile_timeout"`
	// ConcurrentExports caps export activities running on one worker.
	ConcurrentExports int `mapstructure:"concurrent_exports"`

	// TLS material for the frontend connection. Empty means plaintext.
	TLSCertFile   string `mapstructure:"tls_cert_file"`
	TLSKeyFile    string `mapstructure:"tls_key_file"`
	TLSCAFile     string `mapstructure:"tls_ca_file"`
	TLSServerName string `mapstructure:"tls_server_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout or stderr
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig selects the OpenTelemetry exporter: "otlp" posts to
// Endpoint over HTTP, "stdout" prints spans.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LLMConfig holds generation provider configuration.
type LLMConfig struct {
	// Provider is the generation provider (gemini, anthropic, openai).
	Provider string `mapstructure:"provider"`
	// Timeout bounds a single provider call.
	Timeout time.Duration `mapstructure:"timeout"`
	// Temperature is the sampling temperature.
	Temperature float64 `mapstructure:"temperature"`
	// MaxOutputTokens caps the length of a single response.
	MaxOutputTokens int `mapstructure:"max_output_tokens"`
	// Gemini contains Google Gemini settings.
	Gemini ProviderConfig `mapstructure:"gemini"`
	// Anthropic contains Anthropic settings.
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	// OpenAI contains OpenAI settings.
	OpenAI ProviderConfig `mapstructure:"openai"`
	// Retry contains the adapter retry policy.
	Retry RetryConfig `mapstructure:"retry"`
	// RateLimit contains the client-side request limiter.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ProviderConfig holds settings shared by every provider.
type ProviderConfig struct {
	// APIKey is loaded from BOOKGEN_LLM_<PROVIDER>_API_KEY, falling back to
	// the vendor's conventional variable.
	APIKey string `mapstructure:"-"`
	// Model is the model identifier.
	Model string `mapstructure:"model"`
	// BaseURL overrides the API endpoint.
	BaseURL string `mapstructure:"base_url"`
}

// RetryConfig holds the bounded retry policy of the generation adapter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per logical call (default: 3).
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelay is the first transient backoff.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps any single backoff.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// RateLimitDelay is the base wait after a rate limit without a retry hint.
	RateLimitDelay time.Duration `mapstructure:"rate_limit_delay"`
	// Jitter is the fraction (0-1) of random spread applied to transient backoff.
	Jitter float64 `mapstructure:"jitter"`
}

// RateLimitConfig holds client-side request pacing.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate; zero disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// Burst is the limiter bucket size.
	Burst int `mapstructure:"burst"`
}

// GenerationConfig holds book shape settings.
type GenerationConfig struct {
	// MinChapters is the smallest accepted target chapter count.
	MinChapters int `mapstructure:"min_chapters"`
	// MaxChapters is the largest accepted target chapter count.
	MaxChapters int `mapstructure:"max_chapters"`
	// ChapterMinWords and ChapterMaxWords are requested from the model.
	ChapterMinWords int `mapstructure:"chapter_min_words"`
	ChapterMaxWords int `mapstructure:"chapter_max_words"`
	// SummaryMinWords and SummaryMaxWords bound chapter summaries.
	SummaryMinWords int `mapstructure:"summary_min_words"`
	SummaryMaxWords int `mapstructure:"summary_max_words"`
}

// ExportConfig holds artifact settings.
type ExportConfig struct {
	// OutputDir is where compiled books are written, one directory per book.
	OutputDir string `mapstructure:"output_dir"`
	// Formats lists the rendered formats (markdown, txt, json).
	Formats []string `mapstructure:"formats"`
}

// RedisConfig holds Redis settings for the per-book lock.
type RedisConfig struct {
	// Enabled selects Redis locking; otherwise PostgreSQL advisory locks are used.
	Enabled bool `mapstructure:"enabled"`
	// Addr is the Redis address.
	Addr string `mapstructure:"addr"`
	// Password is loaded from BOOKGEN_REDIS_PASSWORD.
	Password string `mapstructure:"-"`
	// DB is the Redis logical database.
	DB int `mapstructure:"db"`
	// LockTTL is the lease length; it must outlive the slowest generation call.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// KeyPrefix namespaces lock keys.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KafkaConfig configures the writer the outbox relay publishes through.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// OutboxConfig configures the relay loop. The relay polls every
// PollInterval and also wakes on NOTIFY ListenChannel. An event is marked
// failed after MaxRetries publish attempts.
type OutboxConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	ListenChannel string        `mapstructure:"listen_channel"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Active returns the settings of the selected provider.
func (c *LLMConfig) Active() ProviderConfig {
	switch strings.ToLower(c.Provider) {
	case ProviderAnthropic:
		return c.Anthropic
	case ProviderOpenAI:
		return c.OpenAI
	default:
		return c.Gemini
	}
}

// Load loads configuration from a .env file, environment variables and config files.
func Load() (*Config, error) {
	if err := loadDotEnv(os.Getenv(EnvPrefix + "_ENV_FILE")); err != nil {
		return nil, err
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/bookgen")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets never come from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads variables from path (default ".env") without overriding
// variables already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv(EnvPrefix + "_DATABASE_PASSWORD")
	cfg.Redis.Password = os.Getenv(EnvPrefix + "_REDIS_PASSWORD")

	cfg.LLM.Gemini.APIKey = firstEnv(EnvPrefix+"_LLM_GEMINI_API_KEY", "GEMINI_API_KEY")
	cfg.LLM.Anthropic.APIKey = firstEnv(EnvPrefix+"_LLM_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	cfg.LLM.OpenAI.APIKey = firstEnv(EnvPrefix+"_LLM_OPENAI_API_KEY", "OPENAI_API_KEY")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// defaults seeds every key so AutomaticEnv can override it. viper only
// consults the environment for keys it already knows about.
var defaults = map[string]any{
	"server.host":             "0.0.0.0",
	"server.http_port":        8080,
	"server.metrics_port":     9091,
	"server.read_timeout":     "30s",
	"server.write_timeout":    "10m",
	"server.shutdown_timeout": "30s",

	"database.host":                "localhost",
	"database.port":                5432,
	"database.user":                "bookgen",
	"database.name":                "book_generation",
	"database.ssl_mode":            SSLModeRequire,
	"database.max_conns":           20,
	"database.min_conns":           2,
	"database.max_conn_lifetime":   "1h",
	"database.max_conn_idle_time":  "30m",
	"database.health_check_period": "30s",
	"database.connect_timeout":     "10s",
	"database.migration_path":      "migrations",
	"database.migration_auto_run":  false,

	"temporal.enabled":            false,
	"temporal.host_port":          "localhost:7233",
	"temporal.namespace":          "default",
	"temporal.task_queue":         "book-compilation",
	"temporal.compile_timeout":    "5m",
	"temporal.concurrent_exports": 4,
	"temporal.tls_cert_file":      "",
	"temporal.tls_key_file":       "",
	"temporal.tls_ca_file":        "",
	"temporal.tls_server_name":    "",

	"logging.level":       "info",
	"logging.format":      "json",
	"logging.output":      "stdout",
	"logging.add_source":  false,
	"logging.time_format": time.RFC3339,

	"metrics.enabled": true,
	"metrics.path":    "/metrics",

	"tracing.enabled":      false,
	"tracing.exporter":     "otlp",
	"tracing.endpoint":     "",
	"tracing.service_name": "book-generation-service",
	"tracing.sample_rate":  0.1,

	"llm.provider":                       ProviderGemini,
	"llm.timeout":                        "120s",
	"llm.temperature":                    0.7,
	"llm.max_output_tokens":              8192,
	"llm.gemini.model":                   "gemini-flash-latest",
	"llm.anthropic.model":                "claude-sonnet-4-5",
	"llm.openai.model":                   "gpt-4o",
	"llm.retry.max_attempts":             3,
	"llm.retry.base_delay":               "2s",
	"llm.retry.max_delay":                "60s",
	"llm.retry.rate_limit_delay":         "5s",
	"llm.retry.jitter":                   0.2,
	"llm.rate_limit.requests_per_second": 1.0,
	"llm.rate_limit.burst":               2,

	"generation.min_chapters":      1,
	"generation.max_chapters":      50,
	"generation.chapter_min_words": 2000,
	"generation.chapter_max_words": 3000,
	"generation.summary_min_words": 150,
	"generation.summary_max_words": 200,

	"export.output_dir": "output",
	"export.formats":    []string{"markdown", "txt", "json"},

	"redis.enabled":    false,
	"redis.addr":       "localhost:6379",
	"redis.db":         0,
	"redis.lock_ttl":   "15m",
	"redis.key_prefix": "bookgen:lock:",

	"kafka.enabled":       false,
	"kafka.brokers":       []string{"localhost:9092"},
	"kafka.topic":         "events.outbox.book_generation_service",
	"kafka.batch_size":    100,
	"kafka.batch_timeout": "10ms",

	"outbox.poll_interval":  "5s",
	"outbox.batch_size":     100,
	"outbox.max_retries":    5,
	"outbox.listen_channel": "outbox_events",
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case !validPort(c.Server.HTTPPort):
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	case !validPort(c.Server.MetricsPort):
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	case c.Database.Host == "":
		return errors.New("database host is required")
	case !validPort(c.Database.Port):
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	case c.Database.Name == "":
		return errors.New("database name is required")
	case c.Database.MaxConns < c.Database.MinConns:
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil || c.Logging.Level == "" {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when the otlp exporter is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1")
	}

	if c.LLM.Retry.MaxAttempts < 1 {
		return fmt.Errorf("llm retry max_attempts must be at least 1")
	}
	if c.LLM.Retry.MaxDelay < c.LLM.Retry.BaseDelay {
		return fmt.Errorf("llm retry max_delay (%s) must be >= base_delay (%s)", c.LLM.Retry.MaxDelay, c.LLM.Retry.BaseDelay)
	}
	if c.LLM.Retry.Jitter < 0 || c.LLM.Retry.Jitter > 1 {
		return fmt.Errorf("llm retry jitter must be between 0 and 1")
	}

	switch p := strings.ToLower(c.LLM.Provider); p {
	case ProviderGemini, ProviderAnthropic, ProviderOpenAI:
		if c.LLM.Active().APIKey == "" {
			vendor := strings.ToUpper(p)
			return fmt.Errorf("LLM provider %q requires %s_LLM_%s_API_KEY or %s_API_KEY to be set", c.LLM.Provider, EnvPrefix, vendor, vendor)
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	if c.Generation.MinChapters < 1 || c.Generation.MaxChapters < c.Generation.MinChapters {
		return fmt.Errorf("invalid chapter bounds: min=%d max=%d", c.Generation.MinChapters, c.Generation.MaxChapters)
	}

	if len(c.Export.Formats) == 0 {
		return fmt.Errorf("at least one export format is required")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}

	if (c.Temporal.TLSCertFile == "") != (c.Temporal.TLSKeyFile == "") {
		return fmt.Errorf("temporal tls_cert_file and tls_key_file must be set together")
	}

	if c.Redis.Enabled && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("redis lock_ttl must be positive")
	}

	return nil
}
