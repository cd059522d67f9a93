// Package config loads process settings from the environment and the routing
// policy (providers, quotas, budgets, circuit overrides) from YAML.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	// Secret names resolved at startup when set; they take precedence over
	// the plain URLs above.
	DatabaseURLSecret string
	RedisURLSecret    string

	OTLPEndpoint     string
	TraceSampleRatio float64
	AWSRegion        string

	RulesPath       string
	CatalogPath     string
	PolicyPath      string
	CatalogCacheTTL time.Duration

	SNSTopicARN     string
	AuditQueueURL   string
	AdminTokenHash  string
	ViewerTokenHash string

	Circuit CircuitConfig

	MaxFallbackAttempts int
	DispatchTimeout     time.Duration
	CostMultiplier      float64
	ServiceFee          float64
	DefaultMaxCost      float64

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

// CircuitConfig is the registry-wide circuit default.
type CircuitConfig struct {
	FailureThreshold int
	FailurePercent   float64
	MinThroughput    int
	Window           time.Duration
	ResetTimeout     time.Duration
	HalfOpenMax      int
	SuccessThreshold int
	CheckpointTTL    time.Duration
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		DatabaseURLSecret:            getEnv("DATABASE_URL_SECRET", ""),
		RedisURLSecret:               getEnv("REDIS_URL_SECRET", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio:             getFloatEnv("TRACE_SAMPLE_RATIO", 1),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		RulesPath:                    getEnv("RULES_PATH", "config/rules.yaml"),
		CatalogPath:                  getEnv("CATALOG_PATH", "config/catalog.yaml"),
		PolicyPath:                   getEnv("POLICY_PATH", "config/policy.yaml"),
		CatalogCacheTTL:              getDurationEnv("CATALOG_CACHE_TTL", 30*time.Second),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		AuditQueueURL:                getEnv("AUDIT_QUEUE_URL", ""),
		AdminTokenHash:               getEnv("ADMIN_TOKEN_HASH", ""),
		ViewerTokenHash:              getEnv("VIEWER_TOKEN_HASH", ""),
		MaxFallbackAttempts:          getIntEnv("MAX_FALLBACK_ATTEMPTS", 3),
		DispatchTimeout:              getDurationEnv("DISPATCH_TIMEOUT", 30*time.Second),
		CostMultiplier:               getFloatEnv("COST_MULTIPLIER", 1),
		ServiceFee:                   getFloatEnv("SERVICE_FEE", 0),
		DefaultMaxCost:               getFloatEnv("DEFAULT_MAX_COST", 1),
		UseDistributedCircuitBreaker: getBoolEnv("USE_DISTRIBUTED_CB", false),
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
		Circuit: CircuitConfig{
			FailureThreshold: getIntEnv("CB_FAILURE_THRESHOLD", 5),
			FailurePercent:   getFloatEnv("CB_FAILURE_PERCENT", 50),
			MinThroughput:    getIntEnv("CB_MIN_THROUGHPUT", 10),
			Window:           getDurationEnv("CB_WINDOW", 60*time.Second),
			ResetTimeout:     getDurationEnv("CB_RESET_TIMEOUT", 30*time.Second),
			HalfOpenMax:      getIntEnv("CB_HALF_OPEN_MAX", 1),
			SuccessThreshold: getIntEnv("CB_SUCCESS_THRESHOLD", 2),
			CheckpointTTL:    getDurationEnv("CB_CHECKPOINT_TTL", 24*time.Hour),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s", "5m") or a bare number of
// seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
