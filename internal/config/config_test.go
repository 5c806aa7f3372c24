package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

var allVars = []string{
	"ADDR", "LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_URL", "DATABASE_SECRET_NAME",
	"AWS_REGION", "REDIS_URL", "OTLP_ENDPOINT", "SG_COOKIES", "SOURCEGRAPH_BASE_URL",
	"CHAT_ENDPOINT", "USER_AGENT", "PROXY_URL", "UPSTREAM_TIMEOUT", "REQUEST_RATE_LIMIT",
	"RETRY_POLICY", "RETRY_MAX_ATTEMPTS", "USAGE_BUFFER", "USAGE_QUEUE_URL",
	"ALERT_TOPIC_ARN", "ALERT_COOLDOWN", "SHUTDOWN_TIMEOUT", "API_KEYS", "ADMIN_TOKEN_HASH",
	"TRUST_PROXY_HEADERS", "CIRCUIT_FAILURE_THRESHOLD", "CIRCUIT_OPEN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":7033"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"DatabaseDriver", cfg.DatabaseDriver, ""},
		{"RedisURL", cfg.RedisURL, ""},
		{"SourcegraphURL", cfg.SourcegraphURL, DefaultSourcegraphURL},
		{"ChatEndpoint", cfg.ChatEndpoint, DefaultChatEndpoint},
		{"ProxyURL", cfg.ProxyURL, ""},
		{"RetryPolicy", cfg.RetryPolicy, "single"},
		{"UsageQueueURL", cfg.UsageQueueURL, ""},
		{"AlertTopicARN", cfg.AlertTopicARN, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.UpstreamTimeout != 600*time.Second {
		t.Errorf("UpstreamTimeout = %v", cfg.UpstreamTimeout)
	}
	if cfg.RequestRateLimit != 60 {
		t.Errorf("RequestRateLimit = %d", cfg.RequestRateLimit)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts = %d", cfg.RetryMaxAttempts)
	}
	if cfg.UsageBuffer != 1024 {
		t.Errorf("UsageBuffer = %d", cfg.UsageBuffer)
	}
	if cfg.AlertCooldown != 15*time.Minute {
		t.Errorf("AlertCooldown = %v", cfg.AlertCooldown)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if len(cfg.Cookies) != 0 {
		t.Errorf("Cookies = %v, want none", cfg.Cookies)
	}
	if cfg.TrustProxyHeaders {
		t.Error("TrustProxyHeaders should default to false")
	}
	if cfg.CircuitFailureThreshold != 5 || cfg.CircuitOpenTimeout != 30*time.Second {
		t.Errorf("circuit = %d/%v", cfg.CircuitFailureThreshold, cfg.CircuitOpenTimeout)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDR", ":9090")
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("DATABASE_URL", "file:gateway.db")
	t.Setenv("SG_COOKIES", " a=1 , ,b=2,")
	t.Setenv("API_KEYS", "sk-one")
	t.Setenv("SOURCEGRAPH_BASE_URL", "https://sg.internal")
	t.Setenv("PROXY_URL", "http://proxy:3128")
	t.Setenv("UPSTREAM_TIMEOUT", "120")
	t.Setenv("REQUEST_RATE_LIMIT", "0")
	t.Setenv("RETRY_POLICY", "rotate")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("ALERT_COOLDOWN", "60")
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("DatabaseDriver = %q, want lowercased", cfg.DatabaseDriver)
	}
	if want := []string{"a=1", "b=2"}; !reflect.DeepEqual(cfg.Cookies, want) {
		t.Errorf("Cookies = %v, want %v", cfg.Cookies, want)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "sk-one" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.SourcegraphURL != "https://sg.internal" {
		t.Errorf("SourcegraphURL = %q", cfg.SourcegraphURL)
	}
	if cfg.ProxyURL != "http://proxy:3128" {
		t.Errorf("ProxyURL = %q", cfg.ProxyURL)
	}
	if cfg.UpstreamTimeout != 2*time.Minute {
		t.Errorf("UpstreamTimeout = %v", cfg.UpstreamTimeout)
	}
	if cfg.RequestRateLimit != 0 {
		t.Errorf("RequestRateLimit = %d", cfg.RequestRateLimit)
	}
	if cfg.RetryPolicy != "rotate" || cfg.RetryMaxAttempts != 5 {
		t.Errorf("retry = %s/%d", cfg.RetryPolicy, cfg.RetryMaxAttempts)
	}
	if cfg.AlertCooldown != time.Minute {
		t.Errorf("AlertCooldown = %v", cfg.AlertCooldown)
	}
	if !cfg.TrustProxyHeaders {
		t.Error("TrustProxyHeaders = false, want true")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "oracle", "DATABASE_URL": "x"}},
		{"driver without dsn", map[string]string{"DATABASE_DRIVER": "postgres"}},
		{"unknown policy", map[string]string{"RETRY_POLICY": "forever"}},
		{"zero attempts", map[string]string{"RETRY_MAX_ATTEMPTS": "0"}},
		{"zero buffer", map[string]string{"USAGE_BUFFER": "0"}},
		{"negative rate", map[string]string{"REQUEST_RATE_LIMIT": "-1"}},
		{"negative circuit threshold", map[string]string{"CIRCUIT_FAILURE_THRESHOLD": "-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_SecretNameSatisfiesDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_SECRET_NAME", "prod/gateway/db")

	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "TEST_VAR", "custom", "default", "custom"},
		{"env not set", "TEST_VAR_UNSET", "", "default", "default"},
		{"env empty", "TEST_VAR_EMPTY", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.expected)
			}
		})
	}
}

func TestGetIntEnv_Malformed(t *testing.T) {
	t.Setenv("TEST_INT", "many")
	if got := getIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("getIntEnv = %d, want default 7", got)
	}
}
