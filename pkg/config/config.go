// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Jobs     JobsConfig
	Email    EmailConfig
	Ledger   LedgerConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Type string // sqlite3, sqlite, postgres, mysql or memory
	Path string
	URL  string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type JobsConfig struct {
	Enabled  bool
	Interval time.Duration
	Secret   string // required in X-Job-Secret for POST /jobs/{name}
}

type EmailConfig struct {
	AWSRegion  string
	FromEmail  string // empty disables e-mail notifications
	FromName   string
	AppBaseURL string
}

type LedgerConfig struct {
	DueSoonDays int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables with defaults.
func FromEnv() (*Config, error) {
	jobsEnabled, err := getBool("JOBS_ENABLED", true)
	if err != nil {
		return nil, err
	}
	interval, err := getDuration("JOB_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	dueSoon, err := getInt("DUE_SOON_DAYS", 3)
	if err != nil {
		return nil, err
	}
	if dueSoon < 0 {
		return nil, fmt.Errorf("DUE_SOON_DAYS must not be negative, got %d", dueSoon)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Type: getEnv("DB_TYPE", "sqlite3"),
			Path: getEnv("DB_PATH", "./sinkfund.db"),
			URL:  os.Getenv("DATABASE_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Issuer:    os.Getenv("JWT_ISSUER"),
		},
		Jobs: JobsConfig{
			Enabled:  jobsEnabled,
			Interval: interval,
			Secret:   os.Getenv("JOB_SECRET"),
		},
		Email: EmailConfig{
			AWSRegion:  getEnv("AWS_REGION", "us-east-1"),
			FromEmail:  os.Getenv("SES_FROM_EMAIL"),
			FromName:   getEnv("SES_FROM_NAME", "Sinking Fund"),
			AppBaseURL: getEnv("APP_BASE_URL", "http://localhost:8080"),
		},
		Ledger: LedgerConfig{
			DueSoonDays: dueSoon,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.Jobs.Interval <= 0 {
		return nil, fmt.Errorf("JOB_INTERVAL must be positive, got %s", cfg.Jobs.Interval)
	}
	return cfg, nil
}

// getEnv reads an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
