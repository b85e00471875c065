package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const minSecretLength = 32

// Environment modes accepted by EnvMode.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config holds every environment-level setting the core consumes.
// Validation happens once at process start; a bad value is fatal, not
// something handlers discover at request time.
type Config struct {
	ListenAddr    string
	PostgresDSN   string
	JWTSecret     string
	AllowedOrigin string
	EnvMode       string
	DebugExpose   bool
}

// Load reads an optional .env file, then the environment, and validates
// eagerly. It returns an error describing the first invalid setting.
func Load() (Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:    getenv("ADMISSIONS_LISTEN_ADDR", ":8080"),
		PostgresDSN:   os.Getenv("ADMISSIONS_PG_DSN"),
		JWTSecret:     os.Getenv("ADMISSIONS_JWT_SECRET"),
		AllowedOrigin: os.Getenv("ADMISSIONS_ALLOWED_ORIGIN"),
		EnvMode:       getenv("ADMISSIONS_ENV", EnvDevelopment),
	}
	if raw := os.Getenv("ADMISSIONS_DEBUG_EXPOSE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: ADMISSIONS_DEBUG_EXPOSE: %w", err)
		}
		cfg.DebugExpose = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants from the deployment contract.
func (c Config) Validate() error {
	if len(c.JWTSecret) < minSecretLength {
		return fmt.Errorf("config: ADMISSIONS_JWT_SECRET must be at least %d characters", minSecretLength)
	}
	switch c.EnvMode {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("config: unsupported ADMISSIONS_ENV %q", c.EnvMode)
	}
	if c.AllowedOrigin != "" {
		u, err := url.Parse(c.AllowedOrigin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: ADMISSIONS_ALLOWED_ORIGIN must be an absolute URL, got %q", c.AllowedOrigin)
		}
	} else if c.EnvMode == EnvProduction {
		return errors.New("config: ADMISSIONS_ALLOWED_ORIGIN is required in production")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("config: listen address is empty")
	}
	return nil
}

// DebugEnabled reports whether stack traces may be exposed in responses.
// Requires both non-production mode and the explicit opt-in flag.
func (c Config) DebugEnabled() bool {
	return c.DebugExpose && c.EnvMode != EnvProduction
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
