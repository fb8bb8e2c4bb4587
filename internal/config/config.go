// Package config loads runtime settings from environment variables, an
// optional .env file, and an optional .plotnik.yml project file.
// Precedence: process environment, then .env, then YAML, then defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	CacheDSN       string `yaml:"cache_dsn"`
	CacheRetention int    `yaml:"cache_retention"` // max cached queries kept by gc
	StepFuel       int64  `yaml:"step_fuel"`
	CallFuel       int64  `yaml:"call_fuel"`
	DefaultLang    string `yaml:"language"`
	Debug          bool   `yaml:"debug"`
}

const defaultRetention = 256

// Load builds the configuration for the working directory.
func Load() *Config {
	// .env fills gaps in the environment without overriding it.
	_ = godotenv.Load()

	cfg := &Config{
		CacheRetention: defaultRetention,
	}
	loadYAML(cfg)

	if v := os.Getenv("PLOTNIK_CACHE_DSN"); v != "" {
		cfg.CacheDSN = v
	}
	if v := os.Getenv("PLOTNIK_CACHE_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CacheRetention = n
		}
	}
	if v := os.Getenv("PLOTNIK_STEP_FUEL"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.StepFuel = n
		}
	}
	if v := os.Getenv("PLOTNIK_CALL_FUEL"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.CallFuel = n
		}
	}
	if v := os.Getenv("PLOTNIK_LANG"); v != "" {
		cfg.DefaultLang = v
	}
	if v := os.Getenv("PLOTNIK_DEBUG"); v != "" {
		cfg.Debug = v == "1" || v == "true"
	}

	if cfg.CacheDSN == "" {
		cfg.CacheDSN = defaultCacheDSN()
	}
	return cfg
}

func loadYAML(cfg *Config) {
	data, err := os.ReadFile(".plotnik.yml")
	if err != nil {
		return
	}
	// a broken project file is ignored rather than fatal; env still wins
	_ = yaml.Unmarshal(data, cfg)
}

func defaultCacheDSN() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".plotnik", "cache.db")
	}
	return filepath.Join(cwd, ".plotnik", "cache.db")
}
