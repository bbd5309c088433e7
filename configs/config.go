package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven setting for the scheduling
// engine and its ambient API/worker processes.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost string
	RedisPort string

	EtcdEndpoints []string

	LockBackend string // "redis" or "etcd"

	// Worker orchestrator
	PollInterval          time.Duration
	StaleRecoveryInterval time.Duration
	Concurrency           int
	DrainTimeout          time.Duration
	WorkerID              string
	DisableWorker         bool

	// Retry defaults, loaded from the environment; no component in this
	// repository reads them, so a job that omits these fields is not
	// filled in from here
	LockTimeout    int64 // ms
	MaxRetries     int
	BaseRetryDelay int64 // ms
	MaxRetryDelay  int64 // ms
	RetryStrategy  string
	JitterEnabled  bool
	JitterFactor   float64

	APIPort string

	// Object storage for archived execution output blobs
	LogStoreBackend string // "s3" or "local"
	LogStoreBucket  string
	LogStoreRegion  string
	LogStoreDir     string

	// Observability
	LogLevel       string
	TracingEnabled bool
	OTLPEndpoint   string

	// Auth settings
	JWTSecret   string
	JWTIssuer   string
	AuthEnabled bool
}

func LoadConfig() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "chronos"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "chronos"),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),

		EtcdEndpoints: []string{getEnv("ETCD_ENDPOINTS", "")},
		LockBackend:   getEnv("LOCK_BACKEND", "redis"),

		PollInterval:          getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		StaleRecoveryInterval: getEnvAsDuration("STALE_RECOVERY_INTERVAL", 60*time.Second),
		Concurrency:           getEnvAsInt("WORKER_CONCURRENCY", 5),
		DrainTimeout:          getEnvAsDuration("DRAIN_TIMEOUT", 30*time.Second),
		WorkerID:              getEnv("WORKER_ID", ""),
		DisableWorker:         getEnvAsBool("DISABLE_WORKER", false),

		LockTimeout:    getEnvAsInt64("LOCK_TIMEOUT_MS", 300_000),
		MaxRetries:     getEnvAsInt("MAX_RETRIES", 3),
		BaseRetryDelay: getEnvAsInt64("BASE_RETRY_DELAY_MS", 60_000),
		MaxRetryDelay:  getEnvAsInt64("MAX_RETRY_DELAY_MS", 3_600_000),
		RetryStrategy:  getEnv("RETRY_STRATEGY", "exponential"),
		JitterEnabled:  getEnvAsBool("JITTER_ENABLED", true),
		JitterFactor:   getEnvAsFloat("JITTER_FACTOR", 0.2),

		APIPort: getEnv("API_PORT", "8080"),

		LogStoreBackend: getEnv("LOGSTORE_BACKEND", "local"),
		LogStoreBucket:  getEnv("LOGSTORE_BUCKET", "chronos-execution-logs"),
		LogStoreRegion:  getEnv("LOGSTORE_REGION", "us-east-1"),
		LogStoreDir:     getEnv("LOGSTORE_DIR", "/tmp/chronos-logs"),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4318"),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "chronos"),
		AuthEnabled: getEnvAsBool("AUTH_ENABLED", false),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if value, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return fallback
}
