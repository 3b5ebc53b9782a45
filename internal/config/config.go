package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultConfigPath = "/app/config/advisor.yaml"

// Config is the advisor service configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Workflow    WorkflowConfig   `mapstructure:"workflow"`
	Safety      SafetyConfig     `mapstructure:"safety"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Warehouse   WarehouseConfig  `mapstructure:"warehouse"`
	Qdrant      QdrantConfig     `mapstructure:"qdrant"`
	Embeddings  EmbeddingsConfig `mapstructure:"embeddings"`
	Search      SearchConfig     `mapstructure:"search"`
	Auth        AuthConfig       `mapstructure:"auth"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`

	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
	// ShutdownSeconds bounds graceful shutdown
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
	// AllowedOrigins enables CORS for the listed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LLMConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type WorkflowConfig struct {
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// SourceTimeoutSeconds bounds one adapter fetch. Zero derives it from
	// the search and LLM timeouts.
	SourceTimeoutSeconds int `mapstructure:"source_timeout_seconds"`
}

type SafetyConfig struct {
	HistoryWindow int    `mapstructure:"history_window"`
	PolicyDir     string `mapstructure:"policy_dir"`
	PolicyEnabled bool   `mapstructure:"policy_enabled"`
	FailClosed    bool   `mapstructure:"fail_closed"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLHours   int    `mapstructure:"ttl_hours"`
	MaxHistory int    `mapstructure:"max_history"`
}

// WarehouseConfig selects the structured data store. Driver is postgres or sqlite3.
type WarehouseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is the sqlite file when Driver is sqlite3
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type QdrantConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Host          string  `mapstructure:"host"`
	Port          int     `mapstructure:"port"`
	Collection    string  `mapstructure:"collection"`
	TopKRecommend int     `mapstructure:"top_k_recommend"`
	TopKCompare   int     `mapstructure:"top_k_compare"`
	Threshold     float64 `mapstructure:"threshold"`
	TimeoutMs     int     `mapstructure:"timeout_ms"`
	// ExpectedDim is checked against the collection at startup when positive
	ExpectedDim int `mapstructure:"expected_dim"`
}

type EmbeddingsConfig struct {
	// Provider is "http" (LLM service /embeddings) or "openai"
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
	CacheTTLMinute int    `mapstructure:"cache_ttl_minutes"`
	MaxLRU         int    `mapstructure:"max_lru"`
	RedisCache     bool   `mapstructure:"redis_cache"`
}

type SearchConfig struct {
	URL        string  `mapstructure:"url"`
	APIKey     string  `mapstructure:"api_key"`
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
	MaxResults int     `mapstructure:"max_results"`
	TimeoutMs  int     `mapstructure:"timeout_ms"`
}

type AuthConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	SkipAuth        bool     `mapstructure:"skip_auth"`
	JWTSecret       string   `mapstructure:"jwt_secret"`
	TokenTTLMinutes int      `mapstructure:"token_ttl_minutes"`
	APIKeys         []string `mapstructure:"api_key_hashes"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
	Health struct {
		IntervalSeconds int `mapstructure:"interval_seconds"`
	} `mapstructure:"health"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 2112)
	v.SetDefault("server.shutdown_seconds", 10)

	v.SetDefault("llm.url", "http://llm-service:8000")
	v.SetDefault("llm.timeout_seconds", 30)

	v.SetDefault("workflow.request_timeout_seconds", 120)
	v.SetDefault("workflow.source_timeout_seconds", 0)

	v.SetDefault("safety.history_window", 2)
	v.SetDefault("safety.policy_dir", "/app/config/policy")
	v.SetDefault("safety.policy_enabled", true)
	v.SetDefault("safety.fail_closed", true)

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.ttl_hours", 720)
	v.SetDefault("redis.max_history", 200)

	v.SetDefault("warehouse.driver", "postgres")
	v.SetDefault("warehouse.host", "postgres")
	v.SetDefault("warehouse.port", 5432)
	v.SetDefault("warehouse.user", "advisor")
	v.SetDefault("warehouse.database", "colleges")
	v.SetDefault("warehouse.sslmode", "disable")
	v.SetDefault("warehouse.max_open_conns", 10)
	v.SetDefault("warehouse.max_idle_conns", 5)

	v.SetDefault("qdrant.enabled", true)
	v.SetDefault("qdrant.host", "qdrant")
	v.SetDefault("qdrant.port", 6333)
	v.SetDefault("qdrant.collection", "college_documents")
	v.SetDefault("qdrant.top_k_recommend", 5)
	v.SetDefault("qdrant.top_k_compare", 8)
	v.SetDefault("qdrant.threshold", 0.3)
	v.SetDefault("qdrant.timeout_ms", 5000)

	v.SetDefault("embeddings.provider", "http")
	v.SetDefault("embeddings.base_url", "http://llm-service:8000")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout_ms", 5000)
	v.SetDefault("embeddings.cache_ttl_minutes", 60)
	v.SetDefault("embeddings.max_lru", 2048)

	v.SetDefault("search.url", "https://google.serper.dev/search")
	v.SetDefault("search.rps", 5.0)
	v.SetDefault("search.burst", 5)
	v.SetDefault("search.max_results", 8)
	v.SetDefault("search.timeout_ms", 10000)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl_minutes", 60)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 60)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.tracing.service_name", "college-advisor")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.health.interval_seconds", 30)
}

// Path returns CONFIG_PATH or the default location
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads the advisor config from CONFIG_PATH. A missing file yields defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path on top of defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// FromEnvOrDefaults merges defaults, the config file, then environment overrides.
// A broken config file falls back to defaults so the service can still start.
func FromEnvOrDefaults() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		cfg, _ = LoadFile("")
	}
	cfg.applyEnv()
	return cfg, err
}

func (c *Config) applyEnv() {
	c.Environment = getEnvOrDefault("ENVIRONMENT", c.Environment)
	c.Server.Port = getEnvOrDefaultInt("PORT", c.Server.Port)
	c.Server.AdminPort = getEnvOrDefaultInt("ADMIN_PORT", c.Server.AdminPort)

	c.LLM.URL = getEnvOrDefault("LLM_SERVICE_URL", c.LLM.URL)
	c.LLM.TimeoutSeconds = getEnvOrDefaultInt("LLM_TIMEOUT_SECONDS", c.LLM.TimeoutSeconds)
	c.Workflow.RequestTimeoutSeconds = getEnvOrDefaultInt("REQUEST_TIMEOUT_SECONDS", c.Workflow.RequestTimeoutSeconds)

	c.Safety.HistoryWindow = getEnvOrDefaultInt("SAFETY_HISTORY_WINDOW", c.Safety.HistoryWindow)
	c.Safety.PolicyDir = getEnvOrDefault("ADVISOR_POLICY_PATH", c.Safety.PolicyDir)

	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)

	c.Warehouse.Driver = getEnvOrDefault("WAREHOUSE_DRIVER", c.Warehouse.Driver)
	c.Warehouse.Host = getEnvOrDefault("POSTGRES_HOST", c.Warehouse.Host)
	c.Warehouse.Port = getEnvOrDefaultInt("POSTGRES_PORT", c.Warehouse.Port)
	c.Warehouse.User = getEnvOrDefault("POSTGRES_USER", c.Warehouse.User)
	c.Warehouse.Password = getEnvOrDefault("POSTGRES_PASSWORD", c.Warehouse.Password)
	c.Warehouse.Database = getEnvOrDefault("POSTGRES_DB", c.Warehouse.Database)
	c.Warehouse.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", c.Warehouse.SSLMode)
	c.Warehouse.Path = getEnvOrDefault("SQLITE_PATH", c.Warehouse.Path)

	c.Qdrant.Host = getEnvOrDefault("QDRANT_HOST", c.Qdrant.Host)
	c.Qdrant.Port = getEnvOrDefaultInt("QDRANT_PORT", c.Qdrant.Port)
	c.Qdrant.Collection = getEnvOrDefault("QDRANT_COLLECTION", c.Qdrant.Collection)

	c.Embeddings.Provider = getEnvOrDefault("EMBEDDINGS_PROVIDER", c.Embeddings.Provider)
	c.Embeddings.APIKey = getEnvOrDefault("OPENAI_API_KEY", c.Embeddings.APIKey)

	c.Search.URL = getEnvOrDefault("SEARCH_API_URL", c.Search.URL)
	c.Search.APIKey = getEnvOrDefault("SEARCH_API_KEY", c.Search.APIKey)

	c.Auth.JWTSecret = getEnvOrDefault("JWT_SECRET", c.Auth.JWTSecret)
	if os.Getenv("ADVISOR_SKIP_AUTH") != "" {
		c.Auth.SkipAuth = getEnvBool("ADVISOR_SKIP_AUTH")
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	c.Observability.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Observability.Logging.Level)
	if os.Getenv("ENABLE_TRACING") != "" {
		c.Observability.Tracing.Enabled = getEnvBool("ENABLE_TRACING")
	}
}

// Validate checks the values the service cannot start without
func (c *Config) Validate() error {
	var problems []string
	if c.LLM.URL == "" {
		problems = append(problems, "llm.url is required")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		problems = append(problems, "llm.timeout_seconds must be > 0")
	}
	if c.Workflow.SourceTimeoutSeconds < 0 {
		problems = append(problems, "workflow.source_timeout_seconds must be >= 0")
	} else if c.Workflow.SourceTimeoutSeconds > 0 && c.SourceTimeout() < c.MinSourceTimeout() {
		problems = append(problems, fmt.Sprintf(
			"workflow.source_timeout_seconds (%s) must cover the web search plus two LLM attempts (%s)",
			c.SourceTimeout(), c.MinSourceTimeout()))
	}
	if c.Workflow.RequestTimeoutSeconds > 0 && c.Workflow.RequestTimeout() <= c.SourceTimeout() {
		problems = append(problems, fmt.Sprintf(
			"workflow.request_timeout_seconds (%s) must exceed the source timeout (%s)",
			c.Workflow.RequestTimeout(), c.SourceTimeout()))
	}
	if c.Safety.HistoryWindow < 0 {
		problems = append(problems, "safety.history_window must be >= 0")
	}
	switch c.Warehouse.Driver {
	case "postgres":
		if c.Warehouse.Host == "" {
			problems = append(problems, "warehouse.host is required for postgres")
		}
	case "sqlite3":
		if c.Warehouse.Path == "" {
			problems = append(problems, "warehouse.path is required for sqlite3")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported warehouse.driver %q", c.Warehouse.Driver))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		problems = append(problems, "auth enabled without jwt_secret or api_key_hashes")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DSN returns the driver specific connection string
func (w WarehouseConfig) DSN() string {
	if w.Driver == "sqlite3" {
		return w.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		w.Host, w.Port, w.User, w.Password, w.Database, w.SSLMode)
}

func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (w WorkflowConfig) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutSeconds) * time.Second
}

// Timeout is the per-request search timeout, 10s when unset
func (s SearchConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// SourceTimeout is the per-adapter budget. The web adapter searches and then
// summarizes with one LLM call that may be retried once on timeout.
func (c *Config) SourceTimeout() time.Duration {
	if c.Workflow.SourceTimeoutSeconds > 0 {
		return time.Duration(c.Workflow.SourceTimeoutSeconds) * time.Second
	}
	return c.MinSourceTimeout()
}

// MinSourceTimeout is the smallest source timeout that lets the LLM retry run
func (c *Config) MinSourceTimeout() time.Duration {
	return c.Search.Timeout() + 2*c.LLM.Timeout()
}

// MetricsPort returns METRICS_PORT when set, otherwise the configured port or defaultPort
func (c *Config) MetricsPort(defaultPort int) int {
	if p := getEnvOrDefaultInt("METRICS_PORT", 0); p > 0 {
		return p
	}
	if c.Observability.Metrics.Port > 0 {
		return c.Observability.Metrics.Port
	}
	return defaultPort
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}
