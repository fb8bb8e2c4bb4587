package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := Load()
	if cfg.CacheRetention != defaultRetention {
		t.Fatalf("retention default: got %d", cfg.CacheRetention)
	}
	if cfg.CacheDSN == "" {
		t.Fatal("cache DSN should default to a local path")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PLOTNIK_CACHE_DSN", "libsql://example.turso.io")
	t.Setenv("PLOTNIK_CACHE_RETENTION", "7")
	t.Setenv("PLOTNIK_STEP_FUEL", "1234")
	t.Setenv("PLOTNIK_LANG", "javascript")
	t.Setenv("PLOTNIK_DEBUG", "1")

	cfg := Load()
	if cfg.CacheDSN != "libsql://example.turso.io" {
		t.Fatalf("dsn: %q", cfg.CacheDSN)
	}
	if cfg.CacheRetention != 7 || cfg.StepFuel != 1234 {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}
	if cfg.DefaultLang != "javascript" || !cfg.Debug {
		t.Fatalf("string overrides not applied: %+v", cfg)
	}
}

func TestYAMLProjectFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yml := "language: go\ncache_retention: 3\n"
	if err := os.WriteFile(filepath.Join(dir, ".plotnik.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Load()
	if cfg.DefaultLang != "go" || cfg.CacheRetention != 3 {
		t.Fatalf("yaml not applied: %+v", cfg)
	}

	// environment wins over the project file
	t.Setenv("PLOTNIK_LANG", "javascript")
	cfg = Load()
	if cfg.DefaultLang != "javascript" {
		t.Fatalf("env should override yaml: %+v", cfg)
	}
}

func TestInvalidNumbersIgnored(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PLOTNIK_CACHE_RETENTION", "not-a-number")
	t.Setenv("PLOTNIK_STEP_FUEL", "-5")
	cfg := Load()
	if cfg.CacheRetention != defaultRetention {
		t.Fatalf("bad retention should keep the default, got %d", cfg.CacheRetention)
	}
	if cfg.StepFuel != 0 {
		t.Fatalf("negative fuel should be ignored, got %d", cfg.StepFuel)
	}
}
