package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultSourcegraphURL = "https://sourcegraph.com"
	DefaultChatEndpoint   = "/.api/completions/stream?api-version=9&client-name=vscode&client-version=1.82.0"
)

type Config struct {
	Addr     string
	LogLevel string

	DatabaseDriver     string
	DatabaseURL        string
	DatabaseSecretName string
	AWSRegion          string
	RedisURL           string
	OTLPEndpoint       string

	// Seed credentials for the in-memory store.
	Cookies []string
	// Caller API keys provisioned at boot. Empty with no stored keys means open access.
	APIKeys        []string
	AdminTokenHash string

	SourcegraphURL  string
	ChatEndpoint    string
	UserAgent       string
	ProxyURL        string
	UpstreamTimeout time.Duration

	// CircuitFailureThreshold is the number of consecutive upstream outages
	// that open the circuit; 0 disables the breaker.
	CircuitFailureThreshold int
	CircuitOpenTimeout      time.Duration

	RequestRateLimit int
	// TrustProxyHeaders takes the client IP from X-Forwarded-For for rate limiting and usage.
	TrustProxyHeaders bool
	RetryPolicy       string
	RetryMaxAttempts  int

	UsageBuffer   int
	UsageQueueURL string
	AlertTopicARN string
	AlertCooldown time.Duration

	ShutdownTimeout time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                    getEnv("ADDR", ":7033"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		DatabaseDriver:          strings.ToLower(getEnv("DATABASE_DRIVER", "")),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		DatabaseSecretName:      getEnv("DATABASE_SECRET_NAME", ""),
		AWSRegion:               getEnv("AWS_REGION", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		OTLPEndpoint:            getEnv("OTLP_ENDPOINT", ""),
		Cookies:                 getListEnv("SG_COOKIES"),
		APIKeys:                 getListEnv("API_KEYS"),
		AdminTokenHash:          getEnv("ADMIN_TOKEN_HASH", ""),
		SourcegraphURL:          getEnv("SOURCEGRAPH_BASE_URL", DefaultSourcegraphURL),
		ChatEndpoint:            getEnv("CHAT_ENDPOINT", DefaultChatEndpoint),
		UserAgent:               getEnv("USER_AGENT", ""),
		ProxyURL:                getEnv("PROXY_URL", ""),
		UpstreamTimeout:         getDurationEnv("UPSTREAM_TIMEOUT", 600*time.Second),
		RequestRateLimit:        getIntEnv("REQUEST_RATE_LIMIT", 60),
		CircuitFailureThreshold: getIntEnv("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitOpenTimeout:      getDurationEnv("CIRCUIT_OPEN_TIMEOUT", 30*time.Second),
		TrustProxyHeaders:       getBoolEnv("TRUST_PROXY_HEADERS", false),
		RetryPolicy:             strings.ToLower(getEnv("RETRY_POLICY", "single")),
		RetryMaxAttempts:        getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		UsageBuffer:             getIntEnv("USAGE_BUFFER", 1024),
		UsageQueueURL:           getEnv("USAGE_QUEUE_URL", ""),
		AlertTopicARN:           getEnv("ALERT_TOPIC_ARN", ""),
		AlertCooldown:           getDurationEnv("ALERT_COOLDOWN", 900*time.Second),
		ShutdownTimeout:         getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "", "postgres", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseDriver != "" && c.DatabaseURL == "" && c.DatabaseSecretName == "" {
		return fmt.Errorf("DATABASE_DRIVER %q requires DATABASE_URL or DATABASE_SECRET_NAME", c.DatabaseDriver)
	}

	switch c.RetryPolicy {
	case "single", "rotate":
	default:
		return fmt.Errorf("unsupported RETRY_POLICY %q", c.RetryPolicy)
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.UsageBuffer < 1 {
		return fmt.Errorf("USAGE_BUFFER must be at least 1, got %d", c.UsageBuffer)
	}
	if c.CircuitFailureThreshold < 0 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must not be negative, got %d", c.CircuitFailureThreshold)
	}
	if c.RequestRateLimit < 0 {
		return fmt.Errorf("REQUEST_RATE_LIMIT must not be negative, got %d", c.RequestRateLimit)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping blank entries.
func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
