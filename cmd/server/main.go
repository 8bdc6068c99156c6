package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/atmx/contest-engine/internal/api"
	"github.com/atmx/contest-engine/internal/config"
	"github.com/atmx/contest-engine/internal/contest"
	"github.com/atmx/contest-engine/internal/keeper"
	"github.com/atmx/contest-engine/internal/logging"
	"github.com/atmx/contest-engine/internal/metrics"
	"github.com/atmx/contest-engine/internal/oracle"
	"github.com/atmx/contest-engine/internal/rail"
	"github.com/atmx/contest-engine/internal/retry"
	"github.com/atmx/contest-engine/internal/settlement"
	"github.com/atmx/contest-engine/internal/venue"
)

var version = "dev"

func main() {
	app := cli.App{
		Version: version,
		Name:    "contest-engine",
		Usage:   "Token draft contest engine",
		Flags: []cli.Flag{
			configFlag,
			storeFlag,
			addrFlag,
			keeperFlag,
			logLevelFlag,
		},
		Action: serveAction,
		Commands: []cli.Command{
			{
				Name:   "token",
				Usage:  "issue a bearer token signed with the configured secret",
				Flags:  []cli.Flag{configFlag, subjectFlag, roleFlag, ttlFlag},
				Action: tokenAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	cfg.ApplyEnv()

	if ctx.IsSet(storeFlag.Name) {
		cfg.Store.Kind = ctx.String(storeFlag.Name)
	}
	if ctx.IsSet(addrFlag.Name) {
		cfg.Addr = ctx.String(addrFlag.Name)
	}
	if ctx.IsSet(keeperFlag.Name) {
		cfg.Keeper.Enabled = ctx.BoolT(keeperFlag.Name)
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.LogLevel = ctx.String(logLevelFlag.Name)
	}
	return cfg, cfg.Validate()
}

func serveAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Record store ---
	st, err := openStore(rootCtx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	// --- Rail and oracle ---
	rl := rail.NewMemoryRail(cfg.TokenDecimals)
	for account, amount := range cfg.Rail.InitialBalances {
		rl.Deposit(account, amount)
	}
	orc, static := newOracle(cfg.Oracle)

	// --- Engine ---
	feeMode, err := settlement.ParseFeeMode(cfg.FeeMode)
	if err != nil {
		return err
	}
	engine := contest.New(st, rl, orc,
		contest.WithFeeMode(feeMode),
		contest.WithPricePolicy(oracle.Policy{MaxAge: cfg.Oracle.MaxAge}),
		contest.WithAdmin(cfg.AdminID),
		contest.WithLogger(logger.Named("engine")),
	)

	var ven *venue.Venue
	if cfg.Venue.Enabled {
		ven = venue.New(cfg.Venue.ID, engine, cfg.Venue.Workers, cfg.Venue.ChunkSize, logger)
		defer ven.Close()
	}

	// --- API ---
	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		secret = []byte(uuid.NewString())
		logger.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive a restart")
	}
	hub := api.NewWSHub(cfg.API.AllowedOrigins, logger)
	var resolver api.VenueResolver
	if ven != nil {
		resolver = ven
	}
	srv, err := api.NewServer(engine, resolver, api.NewAuthenticator(secret), hub, api.Options{
		Decimals:             rl.Decimals(),
		LeaderboardCacheSize: cfg.API.LeaderboardCacheSize,
	}, logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      newRouter(srv, cfg.API, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.API.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Keeper ---
	var kp *keeper.Keeper
	if cfg.Keeper.Enabled {
		var vr keeper.VenueResolver
		if ven != nil {
			vr = ven
		}
		rc := retry.DefaultConfig()
		rc.MaxRetries = cfg.Keeper.MaxRetries
		kp = keeper.New(engine, vr, keeper.Config{
			Schedule:          cfg.Keeper.Schedule,
			Admin:             cfg.AdminID,
			DelegateThreshold: cfg.Keeper.DelegateThreshold,
			SweepTimeout:      cfg.Keeper.SweepTimeout,
			Retry:             rc,
		}, logger)
		kp.OnChange(srv.OnKeeperChange)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if static != nil {
		g.Go(func() error {
			republishStatic(gctx, static, cfg.Oracle)
			return nil
		})
	}
	if kp != nil {
		if err := kp.Start(gctx); err != nil {
			return err
		}
	}
	g.Go(func() error {
		logger.Info("contest-engine listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.Store.Kind),
			zap.String("oracle", cfg.Oracle.Kind),
			zap.String("fee_mode", string(feeMode)),
			zap.Bool("keeper", kp != nil),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down contest-engine...")
		if kp != nil {
			kp.Stop()
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("contest-engine stopped")
	return err
}

func newRouter(srv *api.Server, cfg config.APIConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"contest-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		srv.Mount(r)
	})
	return r
}

func tokenAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (or JWT_SECRET) is required to issue tokens")
	}
	sub := ctx.String(subjectFlag.Name)
	if sub == "" {
		return errors.New("--sub is required")
	}
	ttl := ctx.Duration(ttlFlag.Name)
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	tok, err := api.NewAuthenticator([]byte(cfg.Auth.JWTSecret)).Issue(sub, ctx.String(roleFlag.Name), ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
