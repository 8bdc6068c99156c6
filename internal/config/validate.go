package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks runtime configuration constraints.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}

	switch c.FeeMode {
	case "", "transfer", "accumulate":
	default:
		return fmt.Errorf("fee_mode must be 'transfer' or 'accumulate', got %q", c.FeeMode)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("token_decimals must be within [0,18], got %d", c.TokenDecimals)
	}

	switch c.Store.Kind {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres store")
		}
	case "leveldb":
		if c.Store.LevelDBPath == "" {
			return fmt.Errorf("store.leveldb_path is required for the leveldb store")
		}
	default:
		return fmt.Errorf("store.kind must be 'memory', 'postgres' or 'leveldb', got %q", c.Store.Kind)
	}
	if c.Store.RedisURL != "" && c.Store.CacheTTL <= 0 {
		return fmt.Errorf("store.cache_ttl must be > 0 when redis is set, got %s", c.Store.CacheTTL)
	}

	switch c.Oracle.Kind {
	case "static":
	case "hermes":
		if c.Oracle.HermesURL == "" {
			return fmt.Errorf("oracle.hermes_url is required for the hermes oracle")
		}
	default:
		return fmt.Errorf("oracle.kind must be 'static' or 'hermes', got %q", c.Oracle.Kind)
	}
	if c.Oracle.MaxAge < 0 {
		return fmt.Errorf("oracle.max_age must be >= 0, got %s", c.Oracle.MaxAge)
	}

	if c.Venue.Enabled {
		if c.Venue.ID == "" {
			return fmt.Errorf("venue.id is required when the venue is enabled")
		}
		if c.Venue.Workers <= 0 {
			return fmt.Errorf("venue.workers must be > 0, got %d", c.Venue.Workers)
		}
	}

	if c.Keeper.Enabled {
		if _, err := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.Keeper.Schedule); err != nil {
			return fmt.Errorf("keeper.schedule %q: %w", c.Keeper.Schedule, err)
		}
		if c.Keeper.MaxRetries < 1 {
			return fmt.Errorf("keeper.max_retries must be >= 1, got %d", c.Keeper.MaxRetries)
		}
	}

	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be > 0, got %s", c.API.RequestTimeout)
	}
	if c.API.LeaderboardCacheSize < 0 {
		return fmt.Errorf("api.leaderboard_cache_size must be >= 0, got %d", c.API.LeaderboardCacheSize)
	}
	return nil
}
