package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the metering plane.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ingest   IngestConfig
	Recalc   RecalcConfig
	Kafka    KafkaConfig
	MQTT     MQTTConfig
	Archive  ArchiveConfig
	Security SecurityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// IngestConfig holds ingestion pipeline configuration.
type IngestConfig struct {
	// SampleInterval is the assumed spacing between meter samples used
	// to convert instantaneous power to energy. Meters report on a
	// fixed firmware schedule, so this is configuration, not derived
	// from arrival times.
	SampleInterval time.Duration
	// UseElapsedInterval switches the energy conversion to the actual
	// elapsed time since the meter's previous sample, capped at
	// MaxInterval. Off by default.
	UseElapsedInterval bool
	MaxInterval        time.Duration
	// Timeout bounds a single ingest call, transaction included.
	Timeout      time.Duration
	RateCacheTTL time.Duration
}

// RecalcConfig holds the periodic recalculation loop configuration.
type RecalcConfig struct {
	Enabled  bool
	Interval time.Duration
}

// KafkaConfig holds the telemetry stream consumer configuration.
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	Topic         string
	GroupID       string
	ConsumerCount int
}

// MQTTConfig holds the device push subscription configuration.
type MQTTConfig struct {
	Enabled   bool
	BrokerURL string
	Topic     string
	ClientID  string
	Username  string
	Password  string
}

// ArchiveConfig holds the optional raw-sample archive sink.
type ArchiveConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// SecurityConfig holds API security configuration.
type SecurityConfig struct {
	AdminAPIToken string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "metering"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "metering_plane"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Ingest: IngestConfig{
			SampleInterval:     getEnvAsDuration("INGEST_SAMPLE_INTERVAL", "15s"),
			UseElapsedInterval: getEnvAsBool("INGEST_USE_ELAPSED_INTERVAL", false),
			MaxInterval:        getEnvAsDuration("INGEST_MAX_INTERVAL", "5m"),
			Timeout:            getEnvAsDuration("INGEST_TIMEOUT", "10s"),
			RateCacheTTL:       getEnvAsDuration("INGEST_RATE_CACHE_TTL", "5m"),
		},
		Recalc: RecalcConfig{
			Enabled:  getEnvAsBool("RECALC_ENABLED", true),
			Interval: getEnvAsDuration("RECALC_INTERVAL", "60s"),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:       getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:         getEnv("KAFKA_TOPIC", "meter-telemetry"),
			GroupID:       getEnv("KAFKA_GROUP_ID", "metering-plane"),
			ConsumerCount: getEnvAsInt("KAFKA_CONSUMER_COUNT", 2),
		},
		MQTT: MQTTConfig{
			Enabled:   getEnvAsBool("MQTT_ENABLED", false),
			BrokerURL: getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
			Topic:     getEnv("MQTT_TOPIC", "meters/+/telemetry"),
			ClientID:  getEnv("MQTT_CLIENT_ID", "metering-plane"),
			Username:  getEnv("MQTT_USERNAME", ""),
			Password:  getEnv("MQTT_PASSWORD", ""),
		},
		Archive: ArchiveConfig{
			Enabled: getEnvAsBool("ARCHIVE_ENABLED", false),
			URL:     getEnv("ARCHIVE_INFLUX_URL", "http://localhost:8086"),
			Token:   getEnv("ARCHIVE_INFLUX_TOKEN", ""),
			Org:     getEnv("ARCHIVE_INFLUX_ORG", "gridpulse"),
			Bucket:  getEnv("ARCHIVE_INFLUX_BUCKET", "telemetry"),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	if cfg.Ingest.SampleInterval <= 0 {
		return nil, fmt.Errorf("INGEST_SAMPLE_INTERVAL must be positive")
	}
	if cfg.Archive.Enabled && cfg.Archive.Token == "" {
		return nil, fmt.Errorf("ARCHIVE_INFLUX_TOKEN is required when the archive is enabled")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
