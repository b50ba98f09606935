package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Remote      RemoteConfig
	Sync        SyncConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
	// MaxConns caps the pool size; the sync pass is sequential so a
	// small pool suffices
	MaxConns int32
}

// RabbitMQConfig holds RabbitMQ connection and exchange settings.
// An empty URL disables event publishing entirely.
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// RemoteConfig holds settings for the remote file transfer sessions
type RemoteConfig struct {
	DialTimeout   time.Duration
	TLSSkipVerify bool
}

// SyncConfig holds settings for the incremental sync engine
type SyncConfig struct {
	// DownloadDir is the scratch directory where remote files are fetched
	DownloadDir string
	// FirstReadingDate seeds the fetch window for branches that have
	// never been imported
	FirstReadingDate time.Time
	// UppercaseSince is the date from which remote filenames are generated
	// in uppercase; files dated before it use lowercase names
	UppercaseSince time.Time
	// SkipProtocols lists protocols whose companies are skipped outright
	SkipProtocols []string
	// Strict re-raises per-file errors and terminates the run
	Strict bool
	// DryRun fetches and parses but never commits a transaction
	DryRun bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	firstReadingDate, err := getEnvAsDate("SYNC_FIRST_READING_DATE", "2021-06-01")
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_FIRST_READING_DATE: %w", err)
	}

	uppercaseSince, err := getEnvAsDate("SYNC_FILENAME_UPPERCASE_SINCE", "2020-12-16")
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_FILENAME_UPPERCASE_SINCE: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "telemetry-sync-worker"),
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvAsInt("DATABASE_MAX_CONNS", 4)),
		},
		RabbitMQ: RabbitMQConfig{
			URL:        getEnv("RABBITMQ_URL", ""),
			Exchange:   getEnv("RABBITMQ_EXCHANGE", "telemetry.sync.events.exchange"),
			RoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "reading.file.imported"),
		},
		Remote: RemoteConfig{
			DialTimeout:   time.Duration(getEnvAsInt("REMOTE_DIAL_TIMEOUT_SECONDS", 30)) * time.Second,
			TLSSkipVerify: getEnvAsBool("REMOTE_TLS_SKIP_VERIFY", false),
		},
		Sync: SyncConfig{
			DownloadDir:      getEnv("SYNC_DOWNLOAD_DIR", os.TempDir()),
			FirstReadingDate: firstReadingDate,
			UppercaseSince:   uppercaseSince,
			SkipProtocols:    getEnvAsList("SYNC_SKIP_PROTOCOLS"),
			Strict:           getEnvAsBool("SYNC_STRICT", false),
			DryRun:           getEnvAsBool("SYNC_DRY_RUN", false),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}

	return cfg, nil
}

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

func getEnvAsDate(key, defaultValue string) (time.Time, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	return time.Parse("2006-01-02", valueStr)
}

func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			values = append(values, strings.ToUpper(p))
		}
	}
	return values
}
