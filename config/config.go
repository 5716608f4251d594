// Package config resolves the broker's runtime configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// Provider holds one OAuth client registration.
type Provider struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	RedirectURI  string        `yaml:"redirect_uri"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	APIURL       string        `yaml:"api_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Config is the resolved runtime configuration.
type Config struct {
	ServiceID string
	HTTPPort  int
	GRPCPort  int
	LogLevel  string

	StoreDriver   string
	DatabaseURL   string
	MaxDBConns    int
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	// TokenSealKey encrypts token columns at rest; empty stores plaintext.
	TokenSealKey string

	SessionSecret string
	SessionTTL    time.Duration
	ReturnURL     string

	Google        Provider
	GooglePrompt  string
	Meta          Provider
	MetaLongLived bool

	ExpirySkew      time.Duration
	DefaultCacheTTL time.Duration
	StateTTL        time.Duration
	LockTTL         time.Duration
	LockWait        time.Duration
	RefreshTimeout  time.Duration

	RefreshWorkerEnabled bool
	RefreshInterval      time.Duration
	RefreshWindow        time.Duration
	RefreshBatchSize     int
}

// configFile mirrors configs/default.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Dependencies struct {
		Store         string `yaml:"store"`
		PostgresURL   string `yaml:"postgres_url"`
		MaxDBConns    int    `yaml:"max_db_conns"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
		RedisURL      string `yaml:"redis_url"`
	} `yaml:"dependencies"`
	Session struct {
		Secret    string        `yaml:"secret"`
		TTL       time.Duration `yaml:"ttl"`
		ReturnURL string        `yaml:"return_url"`
	} `yaml:"session"`
	Providers struct {
		Google struct {
			Provider `yaml:",inline"`
			Prompt   string `yaml:"prompt"`
		} `yaml:"google_analytics"`
		Meta struct {
			Provider  `yaml:",inline"`
			LongLived *bool `yaml:"long_lived"`
		} `yaml:"meta_ads"`
	} `yaml:"providers"`
	Broker struct {
		ExpirySkew      time.Duration `yaml:"expiry_skew"`
		DefaultCacheTTL time.Duration `yaml:"default_cache_ttl"`
		StateTTL        time.Duration `yaml:"state_ttl"`
		LockTTL         time.Duration `yaml:"lock_ttl"`
		LockWait        time.Duration `yaml:"lock_wait"`
		RefreshTimeout  time.Duration `yaml:"refresh_timeout"`
	} `yaml:"broker"`
	RefreshWorker struct {
		Enabled   *bool         `yaml:"enabled"`
		Interval  time.Duration `yaml:"interval"`
		Window    time.Duration `yaml:"window"`
		BatchSize int           `yaml:"batch_size"`
	} `yaml:"refresh_worker"`
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		ServiceID:            "oauthbroker",
		HTTPPort:             8080,
		GRPCPort:             9090,
		LogLevel:             "info",
		StoreDriver:          StorePostgres,
		MaxDBConns:           20,
		MongoDatabase:        "oauthbroker",
		SessionTTL:           24 * time.Hour,
		GooglePrompt:         "consent",
		MetaLongLived:        true,
		ExpirySkew:           30 * time.Second,
		DefaultCacheTTL:      time.Hour,
		StateTTL:             10 * time.Minute,
		LockTTL:              30 * time.Second,
		LockWait:             5 * time.Second,
		RefreshTimeout:       30 * time.Second,
		RefreshWorkerEnabled: true,
		RefreshInterval:      5 * time.Minute,
		RefreshWindow:        15 * time.Minute,
		RefreshBatchSize:     100,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.ServiceID, f.Service.ID)
	setInt(&cfg.HTTPPort, f.Service.HTTPPort)
	setInt(&cfg.GRPCPort, f.Service.GRPCPort)
	setString(&cfg.LogLevel, f.Service.LogLevel)

	setString(&cfg.StoreDriver, f.Dependencies.Store)
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setInt(&cfg.MaxDBConns, f.Dependencies.MaxDBConns)
	setString(&cfg.MongoURI, f.Dependencies.MongoURI)
	setString(&cfg.MongoDatabase, f.Dependencies.MongoDatabase)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)

	setString(&cfg.SessionSecret, f.Session.Secret)
	setDuration(&cfg.SessionTTL, f.Session.TTL)
	setString(&cfg.ReturnURL, f.Session.ReturnURL)

	mergeProvider(&cfg.Google, f.Providers.Google.Provider)
	setString(&cfg.GooglePrompt, f.Providers.Google.Prompt)
	mergeProvider(&cfg.Meta, f.Providers.Meta.Provider)
	if f.Providers.Meta.LongLived != nil {
		cfg.MetaLongLived = *f.Providers.Meta.LongLived
	}

	setDuration(&cfg.ExpirySkew, f.Broker.ExpirySkew)
	setDuration(&cfg.DefaultCacheTTL, f.Broker.DefaultCacheTTL)
	setDuration(&cfg.StateTTL, f.Broker.StateTTL)
	setDuration(&cfg.LockTTL, f.Broker.LockTTL)
	setDuration(&cfg.LockWait, f.Broker.LockWait)
	setDuration(&cfg.RefreshTimeout, f.Broker.RefreshTimeout)

	if f.RefreshWorker.Enabled != nil {
		cfg.RefreshWorkerEnabled = *f.RefreshWorker.Enabled
	}
	setDuration(&cfg.RefreshInterval, f.RefreshWorker.Interval)
	setDuration(&cfg.RefreshWindow, f.RefreshWorker.Window)
	setInt(&cfg.RefreshBatchSize, f.RefreshWorker.BatchSize)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(envOrDefault("STORE_DRIVER", cfg.StoreDriver)))
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.MaxDBConns = envInt("DB_MAX_CONNS", cfg.MaxDBConns)
	cfg.MongoURI = envOrDefault("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = envOrDefault("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.TokenSealKey = envOrDefault("TOKEN_SEAL_KEY", cfg.TokenSealKey)

	cfg.SessionSecret = envOrDefault("SESSION_SECRET", cfg.SessionSecret)
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.ReturnURL = envOrDefault("INTEGRATIONS_RETURN_URL", cfg.ReturnURL)

	cfg.Google.ClientID = envOrDefault("GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = envOrDefault("GOOGLE_CLIENT_SECRET", cfg.Google.ClientSecret)
	cfg.Google.RedirectURI = envOrDefault("GOOGLE_REDIRECT_URI", cfg.Google.RedirectURI)
	cfg.Google.Scopes = envCSV("GOOGLE_SCOPES", cfg.Google.Scopes)
	cfg.Meta.ClientID = envOrDefault("META_APP_ID", cfg.Meta.ClientID)
	cfg.Meta.ClientSecret = envOrDefault("META_APP_SECRET", cfg.Meta.ClientSecret)
	cfg.Meta.RedirectURI = envOrDefault("META_REDIRECT_URI", cfg.Meta.RedirectURI)
	cfg.Meta.Scopes = envCSV("META_SCOPES", cfg.Meta.Scopes)
	cfg.MetaLongLived = envBool("META_LONG_LIVED", cfg.MetaLongLived)

	cfg.ExpirySkew = envDuration("TOKEN_EXPIRY_SKEW", cfg.ExpirySkew)
	cfg.LockTTL = envDuration("REFRESH_LOCK_TTL", cfg.LockTTL)
	cfg.RefreshWorkerEnabled = envBool("REFRESH_WORKER_ENABLED", cfg.RefreshWorkerEnabled)
	cfg.RefreshInterval = envDuration("REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.RefreshWindow = envDuration("REFRESH_WINDOW", cfg.RefreshWindow)
	cfg.RefreshBatchSize = envInt("REFRESH_BATCH_SIZE", cfg.RefreshBatchSize)
}

// Validate checks that the selected dependencies are reachable by URL and
// that sessions can be verified. Provider credentials may be empty; the
// affected provider then fails at call time.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("missing DB_URL/POSTGRES_URL")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("missing MONGO_URI")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("missing REDIS_URL")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("missing SESSION_SECRET")
	}
	if c.LockTTL <= c.RefreshTimeout/2 {
		return fmt.Errorf("refresh lock ttl %s is too short for refresh timeout %s", c.LockTTL, c.RefreshTimeout)
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func mergeProvider(dst *Provider, src Provider) {
	setString(&dst.ClientID, src.ClientID)
	setString(&dst.ClientSecret, src.ClientSecret)
	setString(&dst.RedirectURI, src.RedirectURI)
	setString(&dst.AuthURL, src.AuthURL)
	setString(&dst.TokenURL, src.TokenURL)
	setString(&dst.APIURL, src.APIURL)
	setDuration(&dst.Timeout, src.Timeout)
	if len(src.Scopes) > 0 {
		dst.Scopes = src.Scopes
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars, keeping the fallback on empty or invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envDuration accepts Go duration strings ("90s", "5m").
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// envCSV parses comma-separated env vars and drops empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
