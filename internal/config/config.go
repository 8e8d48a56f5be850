// Package config provides configuration loading for the orchestrator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the orchestrator process.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Relay configuration
	RelayURL        string
	ClaimedBy       string
	PollInterval    time.Duration
	EventsPerSecond float64

	// Relay OAuth (client credentials; disabled when TokenURL is empty)
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	// Interpreter (graph generation) configuration
	InterpreterURL string

	// Agent execution
	AgentCommand   []string
	AgentLoopURL   string
	Actuator       string
	MaxIterations  int
	AgentCWD       string
	AgentGrace     time.Duration
	EnvPassthrough []string

	// Event log configuration
	EventLogType  string // "memory" or "redis"
	EventLogTTL   time.Duration
	EventMaxLen   int64
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Artifact store configuration
	ArtifactStore string // "memory" or "s3"
	S3Endpoint    string
	S3Bucket      string
	S3Region      string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	S3PathPrefix  string

	// OIDC configuration for the local API
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting for the local API
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled  bool
	OTLPEndpoint    string
	TraceSampleRate float64
	ServiceVersion  string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		Port:          getEnv("PORT", "7071"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Relay
		RelayURL:        getEnv("RELAY_URL", "http://localhost:8000/relay"),
		ClaimedBy:       getEnv("CLAIMED_BY", ""),
		PollInterval:    getDuration("POLL_INTERVAL", 2*time.Second),
		EventsPerSecond: getFloat("EVENTS_PER_SECOND", 20.0),

		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),

		// Interpreter
		InterpreterURL: getEnv("INTERPRETER_URL", ""),

		// Agent execution
		AgentCommand:   getStringSlice("AGENT_COMMAND", []string{"lightning-agent"}),
		AgentLoopURL:   getEnv("AGENT_LOOP_URL", ""),
		Actuator:       getEnv("ACTUATOR", "copilot"),
		MaxIterations:  getInt("MAX_ITERATIONS", 10),
		AgentCWD:       getEnv("AGENT_CWD", ""),
		AgentGrace:     getDuration("AGENT_GRACE", 5*time.Second),
		EnvPassthrough: getStringSlice("AGENT_ENV_PASSTHROUGH", []string{"PATH", "HOME"}),

		// Event log
		EventLogType:  getEnv("EVENTLOG", "memory"), // "memory" or "redis"
		EventLogTTL:   getDuration("EVENTLOG_TTL", 7*24*time.Hour),
		EventMaxLen:   getInt64("EVENT_MAX_LEN", 5000),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Artifacts
		ArtifactStore: getEnv("ARTIFACT_STORE", "memory"), // "memory" or "s3"
		S3Endpoint:    getEnv("S3_ENDPOINT", ""),
		S3Bucket:      getEnv("S3_BUCKET", ""),
		S3Region:      getEnv("S3_REGION", ""),
		S3AccessKey:   getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:   getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:      getBool("S3_USE_SSL", false),
		S3PathPrefix:  getEnv("S3_PATH_PREFIX", "artifacts"),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		TracingEnabled:  getBool("TRACING_ENABLED", false),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRate: getFloat("TRACE_SAMPLE_RATE", 1.0),
		ServiceVersion:  getEnv("SERVICE_VERSION", "dev"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultVal
}
