package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration, loaded from the environment.
type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Auth
	JWTSecret      string
	TokenTTL       time.Duration
	ClockSkew      time.Duration
	AllowedOrigins []string

	// Media
	MediaDir          string
	MediaSignedURLTTL time.Duration

	// Hub tunables
	HubMailboxSize    int
	WriterQueueSize   int
	ClientAuthTimeout time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	StreamStallAfter  time.Duration
	HubQuiescence     time.Duration

	// Cluster
	NatsURL string

	// Retention sweeper
	RetentionEnabled bool
	RetentionMaxAge  time.Duration
	RetentionCron    string

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

// AppConfig is the process-wide configuration, populated by LoadConfig.
var AppConfig *Config

// LoadConfig reads configuration from .env (if present) and the environment.
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/openclaw_cloud?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		JWTSecret:      getEnvOrDefault("JWT_SECRET", ""),
		TokenTTL:       getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
		ClockSkew:      getEnvAsDuration("TOKEN_CLOCK_SKEW", 60*time.Second),
		AllowedOrigins: splitOrigins(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),

		MediaDir:          getEnvOrDefault("MEDIA_DIR", "./media"),
		MediaSignedURLTTL: getEnvAsDuration("MEDIA_SIGNED_URL_TTL", 15*time.Minute),

		HubMailboxSize:    getEnvAsInt("HUB_MAILBOX_SIZE", 1024),
		WriterQueueSize:   getEnvAsInt("WRITER_QUEUE_SIZE", 256),
		ClientAuthTimeout: getEnvAsDuration("CLIENT_AUTH_TIMEOUT", 5*time.Second),
		PingInterval:      getEnvAsDuration("PING_INTERVAL", 30*time.Second),
		PongTimeout:       getEnvAsDuration("PONG_TIMEOUT", 90*time.Second),
		StreamStallAfter:  getEnvAsDuration("STREAM_STALL_AFTER", 60*time.Second),
		HubQuiescence:     getEnvAsDuration("HUB_QUIESCENCE", 5*time.Minute),

		NatsURL: getEnvOrDefault("NATS_URL", ""),

		RetentionEnabled: getEnvOrDefault("RETENTION_ENABLED", "false") == "true",
		RetentionMaxAge:  getEnvAsDuration("RETENTION_MAX_AGE", 90*24*time.Hour),
		RetentionCron:    getEnvOrDefault("RETENTION_CRON", "0 4 * * *"),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.JWTSecret == "" {
		log.Println("Warning: JWT_SECRET is empty. Bearer tokens and media signatures will not verify across restarts.")
	}

	if AppConfig.NatsURL == "" {
		log.Println("NATS_URL not set, cluster relay disabled (single-node mode)")
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
