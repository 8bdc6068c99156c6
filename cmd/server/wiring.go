package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/config"
	"github.com/atmx/contest-engine/internal/oracle"
	"github.com/atmx/contest-engine/internal/store"
)

// openStore builds the configured record store, wrapped with the Redis
// read-through cache when a Redis URL is set.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Kind {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	case "leveldb":
		ldb, err := store.NewLevelDBStore(cfg.LevelDBPath, store.LevelDBOptions{CacheSize: cfg.LevelDBCacheMB})
		if err != nil {
			return nil, err
		}
		st = ldb
		logger.Info("opened LevelDB store", zap.String("path", cfg.LevelDBPath))
	default:
		logger.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL == "" {
		return st, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	return store.NewCachedStore(st, redis.NewClient(opt), cfg.CacheTTL), nil
}

// newOracle returns the configured price source. For the static oracle it
// also returns the concrete value so prices can be republished.
func newOracle(cfg config.OracleConfig) (oracle.Oracle, *oracle.StaticOracle) {
	if cfg.Kind == "hermes" {
		return oracle.NewHermesOracle(cfg.HermesURL, cfg.Timeout), nil
	}
	static := oracle.NewStaticOracle()
	now := time.Now().UTC()
	for asset, price := range cfg.StaticPrices {
		static.SetPrice(asset, price, now)
	}
	return static, static
}

// republishStatic keeps static prices fresh under the staleness policy.
func republishStatic(ctx context.Context, o *oracle.StaticOracle, cfg config.OracleConfig) {
	if len(cfg.StaticPrices) == 0 || cfg.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.MaxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			for asset, price := range cfg.StaticPrices {
				o.SetPrice(asset, price, t.UTC())
			}
		}
	}
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// cors allows cross-origin requests from the configured origins.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
