package policy

import (
	"os"
	"strconv"
	"strings"
)

// DecisionQuery is the rule every safety policy bundle must define
const DecisionQuery = "data.advisor.safety.decision"

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy tier runs at all
	Enabled bool

	// Path to a directory of .rego files. Files override embedded modules of the same name.
	Path string

	// FailClosed denies when policies cannot be compiled or evaluated
	FailClosed bool

	// CacheSize bounds the decision cache; 0 uses the default
	CacheSize int
}

// LoadConfig loads policy configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Enabled:    getEnvBool("ADVISOR_POLICY_ENABLED", true),
		Path:       strings.TrimSpace(os.Getenv("ADVISOR_POLICY_PATH")),
		FailClosed: getEnvBool("ADVISOR_POLICY_FAIL_CLOSED", true),
		CacheSize:  getEnvInt("ADVISOR_POLICY_CACHE_SIZE", 1000),
	}
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
