// Package config loads the storytime application settings from the
// environment, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable the loader reads.
const EnvPrefix = "STORYTIME_"

// Storage backends selectable with STORYTIME_BACKEND.
const (
	BackendBadger    = "badger"
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

// ErrInvalidConfig is returned when the loaded settings fail validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var configValidate = validator.New()

func init() {
	_ = configValidate.RegisterValidation("timezone", validateTimezone)
	configValidate.RegisterStructValidation(validateBackend, Config{})
}

// Config holds everything the storytime binary needs to build an engine
// registry and its surfaces.
type Config struct {
	// Backend selects the storage adapter (default: badger)
	Backend string `validate:"required,oneof=badger memory redis postgres firestore tiered"`

	// BadgerPath is the on-device database directory (default: ./storytime-data)
	BadgerPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	PostgresDSN string

	FirestoreProject string

	// TiersFile and InterestsFile replace the embedded catalogs when set
	TiersFile     string `validate:"omitempty,file"`
	InterestsFile string `validate:"omitempty,file"`

	// Timezone is the zone calendar days are compared in (default: UTC)
	Timezone string `validate:"required,timezone"`

	// BreakerThreshold wraps storage in a circuit breaker when positive
	BreakerThreshold int           `validate:"gte=0"`
	BreakerTimeout   time.Duration `validate:"gte=0"`

	// ListenAddr is the address serve binds to (default: :8080)
	ListenAddr string `validate:"required"`

	// Concurrency bounds the accounts progressed in parallel by batch runs
	Concurrency int `validate:"gte=1"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
}

// Default returns a Config with every default applied.
func Default() Config {
	return Config{
		Backend:          BackendBadger,
		BadgerPath:       "./storytime-data",
		Timezone:         "UTC",
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
		ListenAddr:       ":8080",
		Concurrency:      8,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Load reads the given .env files (missing files are skipped; variables
// already set in the process win) and then the STORYTIME_* environment on top
// of Default. The result is validated.
func Load(envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := Default()
	var err error
	cfg.Backend = lookupString("BACKEND", cfg.Backend)
	cfg.BadgerPath = lookupString("BADGER_PATH", cfg.BadgerPath)
	cfg.RedisAddr = lookupString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = lookupString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.PostgresDSN = lookupString("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.FirestoreProject = lookupString("FIRESTORE_PROJECT", cfg.FirestoreProject)
	cfg.TiersFile = lookupString("TIERS_FILE", cfg.TiersFile)
	cfg.InterestsFile = lookupString("INTERESTS_FILE", cfg.InterestsFile)
	cfg.Timezone = lookupString("TIMEZONE", cfg.Timezone)
	cfg.ListenAddr = lookupString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = strings.ToLower(lookupString("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(lookupString("LOG_FORMAT", cfg.LogFormat))

	if cfg.RedisDB, err = lookupInt("REDIS_DB", cfg.RedisDB); err != nil {
		return Config{}, err
	}
	if cfg.BreakerThreshold, err = lookupInt("BREAKER_THRESHOLD", cfg.BreakerThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency, err = lookupInt("CONCURRENCY", cfg.Concurrency); err != nil {
		return Config{}, err
	}
	if cfg.BreakerTimeout, err = lookupDuration("BREAKER_TIMEOUT", cfg.BreakerTimeout); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the settings the chosen backend needs.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Location returns the configured calendar zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func validateTimezone(fl validator.FieldLevel) bool {
	_, err := time.LoadLocation(fl.Field().String())
	return err == nil
}

func validateBackend(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)

	needs := func(value, field string) {
		if value == "" {
			sl.ReportError(value, field, field, "required_for_backend", c.Backend)
		}
	}
	switch c.Backend {
	case BackendBadger:
		needs(c.BadgerPath, "BadgerPath")
	case BackendRedis:
		needs(c.RedisAddr, "RedisAddr")
	case BackendPostgres:
		needs(c.PostgresDSN, "PostgresDSN")
	case BackendFirestore:
		needs(c.FirestoreProject, "FirestoreProject")
	case BackendTiered:
		needs(c.RedisAddr, "RedisAddr")
		needs(c.PostgresDSN, "PostgresDSN")
	}
}

func lookupString(key, fallback string) string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func lookupInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, key, err)
	}
	return n, nil
}

func lookupDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, key, err)
	}
	return d, nil
}
