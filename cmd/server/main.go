package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ktex/exchange-engine/internal/api"
	"github.com/ktex/exchange-engine/internal/auth"
	"github.com/ktex/exchange-engine/internal/config"
	"github.com/ktex/exchange-engine/internal/exchange"
	"github.com/ktex/exchange-engine/internal/limits"
	"github.com/ktex/exchange-engine/internal/logging"
	"github.com/ktex/exchange-engine/internal/metrics"
	"github.com/ktex/exchange-engine/internal/oracle"
	"github.com/ktex/exchange-engine/internal/store"
	"github.com/ktex/exchange-engine/internal/token"
	"github.com/ktex/exchange-engine/internal/transfer"
	"github.com/ktex/exchange-engine/internal/treasury"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("exchange-engine failed", "err", err)
		os.Exit(1)
	}
	slog.Info("exchange-engine stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, flush, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer flush()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Remote services ---
	var (
		src    oracle.Source
		prices api.PriceSetter
	)
	if cfg.Oracle.URL != "" {
		src = oracle.NewClient(cfg.Oracle.URL, cfg.Oracle.Timeout.Duration)
		slog.Info("using remote oracle", "url", cfg.Oracle.URL)
	} else {
		local := oracle.NewLocal(cfg.Oracle.Recency.Duration)
		if err := seedPrices(local, cfg.Oracle.Prices); err != nil {
			return err
		}
		src, prices = local, local
		slog.Warn("ORACLE_URL not set, using in-process oracle", "recency", cfg.Oracle.Recency.Duration)
	}

	var transfers transfer.Transferer
	if cfg.Transfer.URL != "" {
		transfers = transfer.NewClient(cfg.Transfer.URL, cfg.Transfer.Timeout.Duration)
		slog.Info("using remote transfer service", "url", cfg.Transfer.URL)
	} else {
		transfers = transfer.NewBank()
		slog.Warn("TRANSFER_URL not set, using in-process asset bank")
	}

	// --- Exposure limits ---
	limiter, err := buildLimiter(cfg.Limits)
	if err != nil {
		return err
	}

	// --- Exchange ---
	wsHub := api.NewWSHub()
	// Ledger mutations read the primary store; the cache only serves views.
	primary := st
	if cached, ok := st.(*store.CachedStore); ok {
		primary = cached.Primary()
	}
	orch := exchange.New(primary,
		treasury.New(primary).WithViews(st),
		token.NewLedger(primary).WithViews(st),
		src, transfers,
		exchange.WithLimiter(limiter),
		exchange.WithPublisher(wsHub),
		exchange.WithTransferTimeout(cfg.Transfer.Timeout.Duration),
		exchange.WithLogger(logger),
	)
	if err := bootstrapAssets(ctx, orch, cfg.Assets); err != nil {
		return err
	}
	reconciler := exchange.NewReconciler(orch, cfg.Reconciler.Interval.Duration, cfg.Reconciler.StaleAfter.Duration)

	authn := auth.New(auth.Config{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Admins:    cfg.Admins,
		ClockSkew: cfg.Auth.ClockSkew.Duration,
	})
	rateLimiter := api.NewRateLimiter(api.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, 5*time.Minute)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	api.NewHandler(orch, authn, wsHub, prices, rateLimiter).Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return rateLimiter.Run(gctx) })
	g.Go(func() error {
		slog.Info("exchange-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down exchange-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore returns PostgreSQL (optionally behind Redis) when configured,
// otherwise the in-memory store.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	if cfg.PostgresURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL.Duration)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.Duration)
	}
	return st, closeAll, nil
}

func buildLimiter(cfg config.LimitsConfig) (*limits.Limiter, error) {
	holder, err := config.ParseAmount(cfg.MaxHolder)
	if err != nil {
		return nil, err
	}
	supply, err := config.ParseAmount(cfg.MaxSupply)
	if err != nil {
		return nil, err
	}
	pool, err := config.ParseAmount(cfg.MaxPool)
	if err != nil {
		return nil, err
	}
	l := limits.NewLimiter(holder, supply, pool)
	for assetID, v := range cfg.Pools {
		limit, err := config.ParseAmount(v)
		if err != nil {
			return nil, fmt.Errorf("pool limit of %s: %w", assetID, err)
		}
		l.SetPoolLimit(assetID, limit)
	}
	return l, nil
}
