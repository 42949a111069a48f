package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Client-facing auth: plaintext token or bcrypt hash of it.
	APIToken     string
	APITokenHash string

	// Cookie sources. COOKIES is a comma-separated inline list,
	// CookieFile a watched YAML file, CookieSecretName an AWS Secrets
	// Manager entry holding a JSON array.
	Cookies          []string
	CookieFile       string
	CookieSecretName string
	EncryptionKey    string

	// Egress routes, comma-separated proxy URLs. Empty means direct.
	Proxies []string

	UpstreamBaseURL string

	CookieFailureThreshold int
	CookieCooldown         time.Duration
	ProxyFailureThreshold  int
	ProxyCooldown          time.Duration

	StreamReadTimeout time.Duration
	StreamMaxDuration time.Duration

	RateLimitRPM int
	RedisURL     string
	DatabaseURL  string

	AWSRegion        string
	SNSTopicArn      string
	SQSUsageQueueURL string

	OTLPEndpoint string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                   getEnv("ADDR", ":8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		APIToken:               getEnv("API_TOKEN", ""),
		APITokenHash:           getEnv("API_TOKEN_HASH", ""),
		Cookies:                splitEnv("COOKIES"),
		CookieFile:             getEnv("COOKIE_FILE", ""),
		CookieSecretName:       getEnv("COOKIE_SECRET_NAME", ""),
		EncryptionKey:          getEnv("ENCRYPTION_KEY", ""),
		Proxies:                splitEnv("PROXIES"),
		UpstreamBaseURL:        getEnv("UPSTREAM_BASE_URL", "https://chat.upstream.example"),
		CookieFailureThreshold: getIntEnv("COOKIE_FAILURE_THRESHOLD", 3),
		CookieCooldown:         getDurationEnv("COOKIE_COOLDOWN", 5*time.Minute),
		ProxyFailureThreshold:  getIntEnv("PROXY_FAILURE_THRESHOLD", 3),
		ProxyCooldown:          getDurationEnv("PROXY_COOLDOWN", 2*time.Minute),
		StreamReadTimeout:      getDurationEnv("STREAM_READ_TIMEOUT", 60*time.Second),
		StreamMaxDuration:      getDurationEnv("STREAM_MAX_DURATION", 300*time.Second),
		RateLimitRPM:           getIntEnv("RATE_LIMIT_RPM", 60),
		RedisURL:               getEnv("REDIS_URL", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		AWSRegion:              getEnv("AWS_REGION", ""),
		SNSTopicArn:            getEnv("SNS_TOPIC_ARN", ""),
		SQSUsageQueueURL:       getEnv("SQS_USAGE_QUEUE_URL", ""),
		OTLPEndpoint:           getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
