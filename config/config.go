package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/liambotongpower/spotplots.com/nearby"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the API server
type Config struct {
	// Server
	Port           string        `yaml:"port" validate:"required,numeric"`
	Env            string        `yaml:"env" validate:"required"`
	AllowedOrigins []string      `yaml:"allowedOrigins" validate:"min=1,dive,required"`
	RequestTimeout time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	StaticDir      string        `yaml:"staticDir"`

	// Storage
	StoreDriver  string `yaml:"storeDriver" validate:"oneof=sqlite postgres"`
	DatabasePath string `yaml:"sqliteDatabase" validate:"required_if=StoreDriver sqlite"`
	DatabaseURL  string `yaml:"databaseURL" validate:"required_if=StoreDriver postgres"`

	// Search
	LocatorStrategy nearby.Strategy `yaml:"locatorStrategy"`
	RouteCacheSize  int             `yaml:"routeCacheSize" validate:"gte=0"`
	// Required whenever RouteCacheSize is set.
	RouteCacheTTL   time.Duration   `yaml:"routeCacheTTL" validate:"required_with=RouteCacheSize,gte=0"`

	// Observability
	SentryDSN   string `yaml:"sentryDSN" validate:"omitempty,url"`
	NATSURL     string `yaml:"natsURL" validate:"omitempty,url"`
	NATSSubject string `yaml:"natsSubject" validate:"required"`
	LogLevel    string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat   string `yaml:"logFormat" validate:"oneof=json console"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:            "8081",
		Env:             "development",
		AllowedOrigins:  []string{"http://localhost:5173"},
		RequestTimeout:  5 * time.Second,
		StoreDriver:     DriverSQLite,
		DatabasePath:    "../../data/transit.db",
		LocatorStrategy: nearby.StrategyIndex,
		RouteCacheSize:  1024,
		RouteCacheTTL:   10 * time.Minute,
		NATSSubject:     "transit.search",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads .env and .env.local, then an optional YAML file named by
// CONFIG_FILE, then environment variables, and validates the result.
// Later sources win.
func Load() (*Config, error) {
	// Load base .env first, then .env.local (which overrides for local development)
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getenvDefault("PORT", c.Port)
	c.Env = getenvDefault("ENV", c.Env)
	c.StaticDir = getenvDefault("STATIC_DIR", c.StaticDir)

	c.StoreDriver = strings.ToLower(getenvDefault("STORE_DRIVER", c.StoreDriver))
	c.DatabasePath = getenvDefault("SQLITE_DATABASE", c.DatabasePath)
	c.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"), c.DatabaseURL)

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("REQUEST_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid REQUEST_TIMEOUT_MS: %q", v)
		}
		c.RequestTimeout = time.Duration(ms) * time.Millisecond
	}

	strategy, err := nearby.ParseStrategy(getenvDefault("LOCATOR_STRATEGY", string(c.LocatorStrategy)))
	if err != nil {
		return fmt.Errorf("invalid LOCATOR_STRATEGY: %w", err)
	}
	c.LocatorStrategy = strategy

	if v := os.Getenv("ROUTE_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid ROUTE_CACHE_SIZE: %q", v)
		}
		c.RouteCacheSize = n
	}

	if v := os.Getenv("ROUTE_CACHE_TTL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return fmt.Errorf("invalid ROUTE_CACHE_TTL_SEC: %q", v)
		}
		c.RouteCacheTTL = time.Duration(sec) * time.Second
	}

	c.SentryDSN = getenvDefault("SENTRY_DSN", c.SentryDSN)
	c.NATSURL = getenvDefault("NATS_URL", c.NATSURL)
	c.NATSSubject = getenvDefault("NATS_SUBJECT", c.NATSSubject)
	c.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", c.LogFormat))
	return nil
}

// Validate checks field ranges and driver-specific requirements.
func (c *Config) Validate() error {
	if _, err := nearby.ParseStrategy(string(c.LocatorStrategy)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsProduction reports whether Env names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
