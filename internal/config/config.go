package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"variantlab/internal/errors"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"

	AssignmentsInStore = "store"
	AssignmentsInRedis = "redis"

	// BadgerInMemory selects badger's in-memory mode instead of a directory
	BadgerInMemory = ":memory:"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig
	Admin       AdminConfig
	Store       StoreConfig
	Engine      EngineConfig
	Experiments ExperimentConfig
	Log         LogConfig
}

// ServerConfig holds API server settings
type ServerConfig struct {
	Port            string
	GinMode         string
	ShutdownTimeout time.Duration
}

// AdminConfig holds the metrics/pprof server settings
type AdminConfig struct {
	Port    string
	Enabled bool
}

// StoreConfig selects and locates the persistence backends
type StoreConfig struct {
	Backend           string
	DatabaseURL       string
	BadgerDir         string
	AssignmentBackend string
	RedisURL          string
	RedisPrefix       string
}

// EngineConfig tunes the adaptive path
type EngineConfig struct {
	ThompsonSeed        uint64
	ScopeMinImpressions uint64
	GenerateMaxVariants int
}

// ExperimentConfig holds experiment defaults and the expiry sweep
type ExperimentConfig struct {
	DefaultSignificanceLevel float64
	DefaultMinSampleSize     int
	ExpirySweepSchedule      string
}

// LogConfig holds logging settings
type LogConfig struct {
	Level slog.Level
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{
		Server:      *loadServerConfig(),
		Admin:       *loadAdminConfig(),
		Store:       *loadStoreConfig(),
		Experiments: *loadExperimentConfig(),
	}

	engineConfig, err := loadEngineConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load engine configuration")
	}
	config.Engine = *engineConfig

	logConfig, err := loadLogConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load log configuration")
	}
	config.Log = *logConfig

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            getEnvOrDefault("PORT", "8080"),
		GinMode:         getEnvOrDefault("GIN_MODE", "release"),
		ShutdownTimeout: getEnvDurationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func loadAdminConfig() *AdminConfig {
	return &AdminConfig{
		Port:    getEnvOrDefault("ADMIN_PORT", "6060"),
		Enabled: getEnvBoolOrDefault("ADMIN_ENABLED", true),
	}
}

func loadStoreConfig() *StoreConfig {
	return &StoreConfig{
		Backend:           strings.ToLower(getEnvOrDefault("STORE_BACKEND", BackendMemory)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		BadgerDir:         getEnvOrDefault("BADGER_DIR", "./data/badger"),
		AssignmentBackend: strings.ToLower(getEnvOrDefault("ASSIGNMENT_BACKEND", AssignmentsInStore)),
		RedisURL:          os.Getenv("REDIS_URL"),
		RedisPrefix:       getEnvOrDefault("REDIS_PREFIX", "variantlab"),
	}
}

func loadEngineConfig() (*EngineConfig, error) {
	seed, err := strconv.ParseUint(getEnvOrDefault("THOMPSON_SEED", "0"), 10, 64)
	if err != nil {
		return nil, errors.ConfigInvalid("THOMPSON_SEED must be a non-negative integer")
	}
	minImpressions := getEnvIntOrDefault("SCOPE_MIN_IMPRESSIONS", 50)
	if minImpressions < 0 {
		return nil, errors.ConfigInvalid("SCOPE_MIN_IMPRESSIONS must not be negative")
	}
	return &EngineConfig{
		ThompsonSeed:        seed,
		ScopeMinImpressions: uint64(minImpressions),
		GenerateMaxVariants: getEnvIntOrDefault("GENERATE_MAX_VARIANTS", 50),
	}, nil
}

func loadExperimentConfig() *ExperimentConfig {
	schedule, set := os.LookupEnv("EXPIRY_SWEEP_SCHEDULE")
	if !set {
		schedule = "@every 1m"
	}
	return &ExperimentConfig{
		DefaultSignificanceLevel: getEnvFloatOrDefault("DEFAULT_SIGNIFICANCE_LEVEL", 0.05),
		DefaultMinSampleSize:     getEnvIntOrDefault("DEFAULT_MIN_SAMPLE_SIZE", 100),
		ExpirySweepSchedule:      strings.TrimSpace(schedule),
	}
}

func loadLogConfig() (*LogConfig, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnvOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, errors.ConfigInvalid(fmt.Sprintf("LOG_LEVEL %q is not one of debug, info, warn, error", os.Getenv("LOG_LEVEL")))
	}
	return &LogConfig{Level: level}, nil
}

func validateConfig(config *Config) error {
	switch config.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if config.Store.DatabaseURL == "" {
			return errors.ConfigInvalid("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case BackendBadger:
		if config.Store.BadgerDir == "" {
			return errors.ConfigInvalid("BADGER_DIR is required when STORE_BACKEND=badger")
		}
	default:
		return errors.ConfigInvalid(fmt.Sprintf("unknown STORE_BACKEND %q", config.Store.Backend))
	}

	switch config.Store.AssignmentBackend {
	case AssignmentsInStore:
	case AssignmentsInRedis:
		if config.Store.RedisURL == "" {
			return errors.ConfigInvalid("REDIS_URL is required when ASSIGNMENT_BACKEND=redis")
		}
	default:
		return errors.ConfigInvalid(fmt.Sprintf("unknown ASSIGNMENT_BACKEND %q", config.Store.AssignmentBackend))
	}

	if l := config.Experiments.DefaultSignificanceLevel; !(l > 0 && l < 1) {
		return errors.ConfigInvalid("DEFAULT_SIGNIFICANCE_LEVEL must be between 0 and 1")
	}
	if config.Experiments.DefaultMinSampleSize < 0 {
		return errors.ConfigInvalid("DEFAULT_MIN_SAMPLE_SIZE must not be negative")
	}
	if config.Engine.GenerateMaxVariants <= 0 {
		return errors.ConfigInvalid("GENERATE_MAX_VARIANTS must be positive")
	}
	if config.Server.Port == "" {
		return errors.ConfigInvalid("PORT is required")
	}
	switch config.Server.GinMode {
	case "debug", "release", "test":
	default:
		return errors.ConfigInvalid(fmt.Sprintf("GIN_MODE %q is not one of debug, release, test", config.Server.GinMode))
	}
	if config.Admin.Enabled && config.Admin.Port == config.Server.Port {
		return errors.ConfigInvalid("ADMIN_PORT must differ from PORT")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
