package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CircuitBreakerConfig represents configuration for a circuit breaker
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// Dependency profiles. Each one reads CB_<PREFIX>_* overrides from the environment.
var profiles = map[string]struct {
	prefix   string
	defaults CircuitBreakerConfig
}{
	"session-store": {"REDIS", CircuitBreakerConfig{5, 30 * time.Second, 15 * time.Second, 3, 2}},
	"warehouse":     {"DB", CircuitBreakerConfig{3, 60 * time.Second, 30 * time.Second, 5, 2}},
	"llm":           {"LLM", CircuitBreakerConfig{3, 60 * time.Second, 20 * time.Second, 5, 2}},
	"search":        {"SEARCH", CircuitBreakerConfig{2, 60 * time.Second, 30 * time.Second, 3, 1}},
	"vectordb":      {"VECTOR", CircuitBreakerConfig{5, 30 * time.Second, 15 * time.Second, 3, 2}},
	"embeddings":    {"EMBED", CircuitBreakerConfig{5, 30 * time.Second, 15 * time.Second, 3, 2}},
}

// ConfigFor returns the breaker configuration for a dependency class.
// Unknown classes fall back to the generic CB_HTTP_* profile.
func ConfigFor(service string) CircuitBreakerConfig {
	if p, ok := profiles[service]; ok {
		return fromEnv(p.prefix, p.defaults)
	}
	return GetHTTPConfig()
}

// GetRedisConfig returns the session store breaker configuration
func GetRedisConfig() CircuitBreakerConfig {
	return ConfigFor("session-store")
}

// GetDatabaseConfig returns the warehouse breaker configuration
func GetDatabaseConfig() CircuitBreakerConfig {
	return ConfigFor("warehouse")
}

// GetHTTPConfig returns the generic HTTP breaker configuration
func GetHTTPConfig() CircuitBreakerConfig {
	return fromEnv("HTTP", CircuitBreakerConfig{5, 30 * time.Second, 15 * time.Second, 3, 2})
}

func fromEnv(prefix string, d CircuitBreakerConfig) CircuitBreakerConfig {
	key := func(s string) string { return "CB_" + strings.ToUpper(prefix) + "_" + s }
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32(key("MAX_REQUESTS"), d.MaxRequests),
		Interval:         getEnvDuration(key("INTERVAL"), d.Interval),
		Timeout:          getEnvDuration(key("TIMEOUT"), d.Timeout),
		FailureThreshold: getEnvUint32(key("FAILURE_THRESHOLD"), d.FailureThreshold),
		SuccessThreshold: getEnvUint32(key("SUCCESS_THRESHOLD"), d.SuccessThreshold),
	}
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
		IsSuccessful:     IgnoreCancellation,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
