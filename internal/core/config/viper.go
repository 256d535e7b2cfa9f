package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// secretKeys may only come from the environment.
var secretKeys = []string{
	"hmac_secret",
	"server.hmac_secret",
	"cache.redis_password",
}

// FlagBindings maps viper keys to command-line flag names.
type FlagBindings map[string]string

// LoadConfig loads configuration using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string, flags *pflag.FlagSet, bindings FlagBindings) (*Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("valuation.formula_step_budget", d.Valuation.FormulaStepBudget)
	v.SetDefault("valuation.preview_timeout", d.Valuation.PreviewTimeout)
	v.SetDefault("valuation.preview_max_sample", d.Valuation.PreviewMaxSample)
	v.SetDefault("valuation.preview_concurrency", d.Valuation.PreviewConcurrency)
	v.SetDefault("recalc.concurrency", d.Recalc.Concurrency)
	v.SetDefault("recalc.rate_per_second", d.Recalc.RatePerSecond)
	v.SetDefault("recalc.batch_size", d.Recalc.BatchSize)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.prefix", d.Cache.Prefix)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	// DEALBRAIN_SERVER_PORT -> server.port
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Checked against the file alone; IsSet would also see the environment.
		if err := validateNoSecretsInConfig(v); err != nil {
			return nil, err
		}
	}

	if flags != nil {
		for key, name := range bindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Valuation: ValuationConfig{
			FormulaStepBudget:  v.GetUint64("valuation.formula_step_budget"),
			PreviewTimeout:     v.GetDuration("valuation.preview_timeout"),
			PreviewMaxSample:   v.GetInt("valuation.preview_max_sample"),
			PreviewConcurrency: v.GetInt("valuation.preview_concurrency"),
		},
		Recalc: RecalcConfig{
			Concurrency:   v.GetInt("recalc.concurrency"),
			RatePerSecond: v.GetFloat64("recalc.rate_per_second"),
			BatchSize:     v.GetInt("recalc.batch_size"),
		},
		Cache: CacheConfig{
			RedisAddr: v.GetString("cache.redis_addr"),
			RedisDB:   v.GetInt("cache.redis_db"),
			Prefix:    v.GetString("cache.prefix"),
			TTL:       v.GetDuration("cache.ttl"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks port range and that sizes and timeouts are positive.
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url must be set")
	}
	if cfg.Valuation.FormulaStepBudget == 0 {
		return fmt.Errorf("formula_step_budget must be positive")
	}
	if cfg.Valuation.PreviewTimeout <= 0 {
		return fmt.Errorf("preview_timeout must be positive, got %v", cfg.Valuation.PreviewTimeout)
	}
	if cfg.Valuation.PreviewMaxSample <= 0 {
		return fmt.Errorf("preview_max_sample must be positive, got %d", cfg.Valuation.PreviewMaxSample)
	}
	if cfg.Valuation.PreviewConcurrency <= 0 {
		return fmt.Errorf("preview_concurrency must be positive, got %d", cfg.Valuation.PreviewConcurrency)
	}
	if cfg.Recalc.Concurrency <= 0 {
		return fmt.Errorf("recalc.concurrency must be positive, got %d", cfg.Recalc.Concurrency)
	}
	if cfg.Recalc.RatePerSecond < 0 {
		return fmt.Errorf("recalc.rate_per_second must not be negative, got %v", cfg.Recalc.RatePerSecond)
	}
	if cfg.Recalc.BatchSize <= 0 {
		return fmt.Errorf("recalc.batch_size must be positive, got %d", cfg.Recalc.BatchSize)
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %v", cfg.Cache.TTL)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range secretKeys {
		if v.InConfig(key) {
			return fmt.Errorf("secrets not allowed in config files: %s (use %s_%s environment variable)",
				key, EnvPrefix, strings.ToUpper(key[strings.LastIndex(key, ".")+1:]))
		}
	}
	return nil
}
