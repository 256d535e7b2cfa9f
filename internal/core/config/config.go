// Package config provides configuration management for the valuation service.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "DEALBRAIN"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Valuation ValuationConfig
	Recalc    RecalcConfig
	Cache     CacheConfig
}

// ServerConfig holds configuration for the gRPC valuation API.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// DatabaseConfig names the store. URL takes the forms accepted by db.Open.
type DatabaseConfig struct {
	URL string
}

// ValuationConfig bounds formula evaluation and previews.
type ValuationConfig struct {
	FormulaStepBudget  uint64
	PreviewTimeout     time.Duration
	PreviewMaxSample   int
	PreviewConcurrency int
}

// RecalcConfig sizes the bulk recalculation pool.
type RecalcConfig struct {
	Concurrency   int
	RatePerSecond float64
	BatchSize     int
}

// CacheConfig selects the breakdown cache. An empty RedisAddr keeps the
// cache in process.
type CacheConfig struct {
	RedisAddr string
	RedisDB   int
	Prefix    string
	TTL       time.Duration
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "sqlite://dealbrain.db",
		},
		Valuation: ValuationConfig{
			FormulaStepBudget:  10000,
			PreviewTimeout:     10 * time.Second,
			PreviewMaxSample:   100,
			PreviewConcurrency: 8,
		},
		Recalc: RecalcConfig{
			Concurrency: 4,
			BatchSize:   500,
		},
		Cache: CacheConfig{
			Prefix: "dealbrain:",
			TTL:    time.Hour,
		},
	}
}

// LoadDotEnv loads a .env file into the process environment. Variables
// already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// RedisPassword returns the cache password. Like HMAC secrets it is read
// from the environment only.
func RedisPassword() string {
	return os.Getenv(EnvPrefix + "_REDIS_PASSWORD")
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports DEALBRAIN_HMAC_SECRET (single) and DEALBRAIN_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)
	single := EnvPrefix + "_HMAC_SECRET"

	add := func(key, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check %s and %s_* for conflicts)", secretID, single, single)
		}
		secrets[secretID] = decoded
		return nil
	}

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv(single); val != "" {
		if err := add(single, val); err != nil {
			return nil, err
		}
	}

	// Numbered secrets keep old and new keys valid during rotation.
	for i := 1; ; i++ {
		key := fmt.Sprintf("%s_%d", single, i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// ParseHMACSecret decodes a base64-encoded HMAC secret of at least 32 bytes.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID splits "<secret_id>:<base64_secret>" and validates
// both halves.
func ParseHMACSecretWithID(envValue string) (string, []byte, error) {
	secretID, encoded, ok := strings.Cut(strings.TrimSpace(envValue), ":")
	if !ok {
		return "", nil, fmt.Errorf("expected <secret_id>:<base64_secret>")
	}
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars, got %d", len(secretID))
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be lowercase hex")
		}
	}
	secret, err := ParseHMACSecret(encoded)
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
