// Package rlconfig loads process configuration from the environment,
// following the teacher's config/config.go layering: typed accessors with
// defaults, a Validator collecting every problem before returning a single
// error instead of failing on the first one.
package rlconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreConfig selects and configures the backing store.Repository.
type StoreConfig struct {
	Backend  string // "redis" or "bolt"
	RedisURL string
	BoltPath string
}

// CacheConfig sizes and ages the config/entity caches.
type CacheConfig struct {
	ConfigCacheSize int
	ConfigCacheTTL  time.Duration
	EntityCacheSize int
	EntityCacheTTL  time.Duration
}

// AggregatorConfig tunes the background change-feed consumer.
type AggregatorConfig struct {
	ConsumerGroup string
	Workers       int
}

// Config is the top-level process configuration.
type Config struct {
	Namespace  string
	LogLevel   string
	Store      StoreConfig
	Cache      CacheConfig
	Aggregator AggregatorConfig
}

// Validator accumulates configuration problems so Load reports every one of
// them at once rather than making an operator fix-and-restart repeatedly.
type Validator struct {
	errs []string
}

func (v *Validator) require(name, value string) {
	if strings.TrimSpace(value) == "" {
		v.errs = append(v.errs, fmt.Sprintf("%s must not be empty", name))
	}
}

func (v *Validator) requirePositive(name string, value int) {
	if value <= 0 {
		v.errs = append(v.errs, fmt.Sprintf("%s must be positive, got %d", name, value))
	}
}

func (v *Validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("rlconfig: invalid configuration: %s", strings.Join(v.errs, "; "))
}

// Load reads a Config from the environment. Every RATELIMIT_* variable has a
// sane default for local development; production deployments are expected to
// set RATELIMIT_STORE_BACKEND and its matching connection variable
// explicitly.
func Load() (*Config, error) {
	cfg := &Config{
		Namespace: getEnv("RATELIMIT_NAMESPACE", "default"),
		LogLevel:  getEnv("RATELIMIT_LOG_LEVEL", "info"),
		Store: StoreConfig{
			Backend:  getEnv("RATELIMIT_STORE_BACKEND", "bolt"),
			RedisURL: getEnv("RATELIMIT_REDIS_URL", "redis://127.0.0.1:6379/0"),
			BoltPath: getEnv("RATELIMIT_BOLT_PATH", "./ratelimit.db"),
		},
		Cache: CacheConfig{
			ConfigCacheSize: getEnvInt("RATELIMIT_CONFIG_CACHE_SIZE", 10_000),
			ConfigCacheTTL:  getEnvDuration("RATELIMIT_CONFIG_CACHE_TTL", 30*time.Second),
			EntityCacheSize: getEnvInt("RATELIMIT_ENTITY_CACHE_SIZE", 10_000),
			EntityCacheTTL:  getEnvDuration("RATELIMIT_ENTITY_CACHE_TTL", 30*time.Second),
		},
		Aggregator: AggregatorConfig{
			ConsumerGroup: getEnv("RATELIMIT_AGGREGATOR_GROUP", "aggregator"),
			Workers:       getEnvInt("RATELIMIT_AGGREGATOR_WORKERS", 4),
		},
	}

	v := &Validator{}
	v.require("RATELIMIT_NAMESPACE", cfg.Namespace)
	v.requirePositive("RATELIMIT_CONFIG_CACHE_SIZE", cfg.Cache.ConfigCacheSize)
	v.requirePositive("RATELIMIT_ENTITY_CACHE_SIZE", cfg.Cache.EntityCacheSize)
	v.requirePositive("RATELIMIT_AGGREGATOR_WORKERS", cfg.Aggregator.Workers)
	switch cfg.Store.Backend {
	case "redis":
		v.require("RATELIMIT_REDIS_URL", cfg.Store.RedisURL)
	case "bolt":
		v.require("RATELIMIT_BOLT_PATH", cfg.Store.BoltPath)
	default:
		v.errs = append(v.errs, fmt.Sprintf("RATELIMIT_STORE_BACKEND must be \"redis\" or \"bolt\", got %q", cfg.Store.Backend))
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
