// Package config loads the server configuration from YAML and the
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`
	LogEncoding string `yaml:"log_encoding"`

	// AdminID pins the admin identity. Empty lets the first caller of
	// initialize become admin.
	AdminID string `yaml:"admin_id"`

	// FeeMode is "transfer" or "accumulate".
	FeeMode       string `yaml:"fee_mode"`
	TokenDecimals int32  `yaml:"token_decimals"`

	Store  StoreConfig  `yaml:"store"`
	Rail   RailConfig   `yaml:"rail"`
	Oracle OracleConfig `yaml:"oracle"`
	Venue  VenueConfig  `yaml:"venue"`
	Keeper KeeperConfig `yaml:"keeper"`
	Auth   AuthConfig   `yaml:"auth"`
	API    APIConfig    `yaml:"api"`
}

type StoreConfig struct {
	// Kind is "memory", "postgres" or "leveldb".
	Kind        string `yaml:"kind"`
	DatabaseURL string `yaml:"database_url"`
	LevelDBPath string `yaml:"leveldb_path"`
	// LevelDBCacheMB splits between block cache and write buffer.
	LevelDBCacheMB int           `yaml:"leveldb_cache_mb"`
	RedisURL       string        `yaml:"redis_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// RailConfig seeds the in-memory rail, keyed by account, in base units.
type RailConfig struct {
	InitialBalances map[string]uint64 `yaml:"initial_balances"`
}

type OracleConfig struct {
	// Kind is "static" or "hermes".
	Kind      string        `yaml:"kind"`
	HermesURL string        `yaml:"hermes_url"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxAge bounds sample staleness. Zero disables the check.
	MaxAge time.Duration `yaml:"max_age"`
	// StaticPrices seeds the static oracle, keyed by asset id.
	StaticPrices map[string]float64 `yaml:"static_prices"`
}

type VenueConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ID        string `yaml:"id"`
	Workers   int    `yaml:"workers"`
	ChunkSize int    `yaml:"chunk_size"`
}

type KeeperConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Schedule          string        `yaml:"schedule"`
	DelegateThreshold uint32        `yaml:"delegate_threshold"`
	SweepTimeout      time.Duration `yaml:"sweep_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type APIConfig struct {
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	LeaderboardCacheSize int           `yaml:"leaderboard_cache_size"`
	AllowedOrigins       []string      `yaml:"allowed_origins"`
}

func Default() Config {
	return Config{
		Addr:          ":8080",
		LogLevel:      "info",
		LogEncoding:   "auto",
		FeeMode:       "transfer",
		TokenDecimals: 6,
		Store: StoreConfig{
			Kind:           "memory",
			LevelDBCacheMB: 64,
			CacheTTL:       30 * time.Second,
		},
		Oracle: OracleConfig{
			Kind:      "static",
			HermesURL: "https://hermes.pyth.network",
			Timeout:   5 * time.Second,
			MaxAge:    60 * time.Second,
		},
		Venue: VenueConfig{
			Enabled:   true,
			ID:        "venue-1",
			Workers:   4,
			ChunkSize: 1024,
		},
		Keeper: KeeperConfig{
			Enabled:           true,
			Schedule:          "*/15 * * * * *",
			DelegateThreshold: 5000,
			SweepTimeout:      25 * time.Second,
			MaxRetries:        5,
		},
		API: APIConfig{
			RequestTimeout:       30 * time.Second,
			LeaderboardCacheSize: 256,
			AllowedOrigins:       []string{"*"},
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Addr = ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
		if c.Store.Kind == "memory" {
			c.Store.Kind = "postgres"
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("LEVELDB_PATH"); v != "" {
		c.Store.LevelDBPath = v
		if c.Store.Kind == "memory" {
			c.Store.Kind = "leveldb"
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_ID")); v != "" {
		c.AdminID = v
	}
	if v := strings.TrimSpace(os.Getenv("HERMES_URL")); v != "" {
		c.Oracle.HermesURL = v
		c.Oracle.Kind = "hermes"
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("FEE_MODE")); v != "" {
		c.FeeMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("KEEPER_ENABLED")); v != "" {
		c.Keeper.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("DELEGATE_THRESHOLD")); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Keeper.DelegateThreshold = uint32(n)
		}
	}
}
