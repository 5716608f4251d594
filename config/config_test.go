package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/test")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("GOOGLE_SCOPES", "a, b,,")
	t.Setenv("REFRESH_INTERVAL", "90s")
	t.Setenv("HTTP_PORT", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, invalid env should keep the default", cfg.HTTPPort)
	}
	if cfg.StoreDriver != StorePostgres || cfg.DatabaseURL != "postgres://localhost/test" {
		t.Errorf("store = %s %s", cfg.StoreDriver, cfg.DatabaseURL)
	}
	if len(cfg.Google.Scopes) != 2 || cfg.Google.Scopes[1] != "b" {
		t.Errorf("Google.Scopes = %v", cfg.Google.Scopes)
	}
	if cfg.RefreshInterval != 90*time.Second {
		t.Errorf("RefreshInterval = %s", cfg.RefreshInterval)
	}
	if cfg.ExpirySkew != 30*time.Second || cfg.LockTTL != 30*time.Second || cfg.StateTTL != 10*time.Minute {
		t.Errorf("broker defaults = %s %s %s", cfg.ExpirySkew, cfg.LockTTL, cfg.StateTTL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
service:
  http_port: 8181
dependencies:
  store: mongo
  mongo_uri: mongodb://file:27017
  redis_url: redis://file:6379
session:
  secret: from-file
providers:
  google_analytics:
    client_id: gid
    timeout: 3s
  meta_ads:
    client_id: mid
    long_lived: false
broker:
  expiry_skew: 1m
refresh_worker:
  enabled: false
  batch_size: 5
`)
	t.Setenv("REDIS_URL", "redis://env:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 8181 || cfg.StoreDriver != StoreMongo || cfg.MongoURI != "mongodb://file:27017" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.RedisURL != "redis://env:6379" {
		t.Errorf("RedisURL = %s, env should win", cfg.RedisURL)
	}
	if cfg.Google.ClientID != "gid" || cfg.Google.Timeout != 3*time.Second {
		t.Errorf("Google = %+v", cfg.Google)
	}
	if cfg.Meta.ClientID != "mid" || cfg.MetaLongLived {
		t.Errorf("Meta = %+v long lived %v", cfg.Meta, cfg.MetaLongLived)
	}
	if cfg.ExpirySkew != time.Minute || cfg.RefreshWorkerEnabled || cfg.RefreshBatchSize != 5 {
		t.Errorf("broker/worker = %s %v %d", cfg.ExpirySkew, cfg.RefreshWorkerEnabled, cfg.RefreshBatchSize)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	if _, err := Load(writeFile(t, "service: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		StoreDriver:    StorePostgres,
		DatabaseURL:    "postgres://x",
		RedisURL:       "redis://x",
		SessionSecret:  "s",
		LockTTL:        30 * time.Second,
		RefreshTimeout: 30 * time.Second,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing postgres url", func(c *Config) { c.DatabaseURL = "" }},
		{"missing mongo uri", func(c *Config) { c.StoreDriver = StoreMongo }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }},
		{"missing redis", func(c *Config) { c.RedisURL = "" }},
		{"missing session secret", func(c *Config) { c.SessionSecret = "" }},
		{"lock shorter than refresh", func(c *Config) { c.LockTTL = 10 * time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	memory := valid
	memory.StoreDriver, memory.DatabaseURL = StoreMemory, ""
	if err := memory.Validate(); err != nil {
		t.Errorf("memory store needs no url: %v", err)
	}
}
