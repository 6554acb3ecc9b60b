package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("AFFILIATE_AUTH_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabaseDSN != defaultDatabaseDSN {
		t.Fatalf("unexpected database settings %q %q", cfg.DatabaseDriver, cfg.DatabaseDSN)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.CatalogCacheTTL != 5*time.Minute {
		t.Fatalf("unexpected catalog ttl %s", cfg.CatalogCacheTTL)
	}
	if cfg.TreeMaxDepth != defaultTreeMaxDepth || !cfg.AutoPayout {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected no allowed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("AFFILIATE_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("AFFILIATE_DATABASE_DRIVER", "MySQL")
	t.Setenv("AFFILIATE_DATABASE_DSN", "user:pass@tcp(localhost:3306)/affiliate?parseTime=true")
	t.Setenv("AFFILIATE_CATALOG_CACHE_TTL", "90s")
	t.Setenv("AFFILIATE_PIPELINE_WORKERS", "9")
	t.Setenv("AFFILIATE_PAYOUT_AUTO", "false")
	t.Setenv("AFFILIATE_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DriverMySQL {
		t.Fatalf("unexpected driver %q", cfg.DatabaseDriver)
	}
	if cfg.CatalogCacheTTL != 90*time.Second {
		t.Fatalf("unexpected catalog ttl %s", cfg.CatalogCacheTTL)
	}
	if cfg.PipelineWorkers != 9 || cfg.AutoPayout {
		t.Fatalf("unexpected pipeline settings %#v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing secret", env: map[string]string{}},
		{name: "unknown driver", env: map[string]string{"AFFILIATE_AUTH_SIGNING_SECRET": "s", "AFFILIATE_DATABASE_DRIVER": "postgres"}},
		{name: "unknown log format", env: map[string]string{"AFFILIATE_AUTH_SIGNING_SECRET": "s", "AFFILIATE_LOG_FORMAT": "xml"}},
		{name: "zero ttl", env: map[string]string{"AFFILIATE_AUTH_SIGNING_SECRET": "s", "AFFILIATE_AUTH_TOKEN_TTL_MINUTES": "0"}},
		{name: "zero depth", env: map[string]string{"AFFILIATE_AUTH_SIGNING_SECRET": "s", "AFFILIATE_TREE_MAX_DEPTH": "0"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			if _, err := Load(NewViper()); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	contents := "AFFILIATE_LOG_LEVEL=debug\nAFFILIATE_HTTP_ADDRESS=127.0.0.1:9999\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("AFFILIATE_HTTP_ADDRESS", "127.0.0.1:7000")
	t.Setenv("AFFILIATE_LOG_LEVEL", "")
	os.Unsetenv("AFFILIATE_LOG_LEVEL")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("unexpected dotenv error: %v", err)
	}
	if got := os.Getenv("AFFILIATE_LOG_LEVEL"); got != "debug" {
		t.Fatalf("expected log level from file, got %q", got)
	}
	if got := os.Getenv("AFFILIATE_HTTP_ADDRESS"); got != "127.0.0.1:7000" {
		t.Fatalf("expected existing variable to win, got %q", got)
	}
}
