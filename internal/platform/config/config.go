package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files; with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Settings is the process configuration assembled from the environment.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	// Ledger: "memory", "sqlite" or "postgres".
	LedgerDriver string
	LedgerDSN    string

	NodeURL     string
	NodeToken   string
	NodeTimeout time.Duration

	// Redis notification sink; disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NotifyChannel string

	// FiatRate is the number of base units per one unit of fiat, as a decimal string.
	FiatRate string

	MetricsEnabled  bool
	ShutdownTimeout time.Duration
}

// FromEnv builds Settings from environment variables, falling back to defaults.
func FromEnv() Settings {
	return Settings{
		Port:            GetEnv("PORT", "8080"),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		LogFormat:       GetEnv("LOG_FORMAT", "json"),
		LedgerDriver:    strings.ToLower(GetEnv("LEDGER_DRIVER", "sqlite")),
		LedgerDSN:       GetEnv("LEDGER_DSN", "paystream.db"),
		NodeURL:         GetEnv("NODE_URL", "http://localhost:8180"),
		NodeToken:       GetEnv("NODE_TOKEN", ""),
		NodeTimeout:     GetEnvDuration("NODE_TIMEOUT", 30*time.Second),
		RedisAddr:       GetEnv("REDIS_ADDR", ""),
		RedisPassword:   GetEnv("REDIS_PASSWORD", ""),
		RedisDB:         GetEnvInt("REDIS_DB", 0),
		NotifyChannel:   GetEnv("NOTIFY_CHANNEL", "paystream:notifications"),
		FiatRate:        GetEnv("FIAT_RATE", ""),
		MetricsEnabled:  GetEnvBool("METRICS_ENABLED", true),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses the variable with time.ParseDuration ("30s", "1m").
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvBool accepts the forms understood by strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}
