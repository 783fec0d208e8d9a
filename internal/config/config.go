// Package config loads the engine configuration: defaults, then an
// optional TOML file, then environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Executor selection values.
const (
	ExecutorThreadpool = "threadpool"
	ExecutorWorker     = "worker"
)

type Config struct {
	Executor   string          `toml:"executor"`
	MaxWorkers int             `toml:"max_workers"`
	Testing    bool            `toml:"testing"`
	Database   DatabaseConfig  `toml:"database"`
	Cache      CacheConfig     `toml:"cache"`
	Websocket  WebsocketConfig `toml:"websocket"`
	Observer   ObserverConfig  `toml:"observer"`
}

type DatabaseConfig struct {
	URI string `toml:"uri"`
}

type CacheConfig struct {
	URI string `toml:"uri"`
	// DomainModels toggles the subscription snapshot cache.
	DomainModels bool `toml:"domain_models"`
	// Disable turns every cache operation into a no-op.
	Disable bool `toml:"disable"`
}

type WebsocketConfig struct {
	Enabled bool `toml:"enabled"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Executor:   ExecutorThreadpool,
		MaxWorkers: 5,
		Database:   DatabaseConfig{URI: "coreflow.db"},
		Cache:      CacheConfig{URI: "redis://localhost:6379/0"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "coreflow.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("EXECUTOR"); v != "" {
		cfg.Executor = v
	}
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("DATABASE_URI"); v != "" {
		cfg.Database.URI = v
	}
	if v := os.Getenv("CACHE_URI"); v != "" {
		cfg.Cache.URI = v
	}
	if v, ok := envBool("TESTING"); ok {
		cfg.Testing = v
	}
	if v, ok := envBool("ENABLE_WEBSOCKETS"); ok {
		cfg.Websocket.Enabled = v
	}
	if v, ok := envBool("CACHE_DOMAIN_MODELS"); ok {
		cfg.Cache.DomainModels = v
	}
	if v, ok := envBool("AIOCACHE_DISABLE"); ok {
		cfg.Cache.Disable = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Enabled = true
		cfg.Observer.Endpoint = v
	}
	return cfg
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
