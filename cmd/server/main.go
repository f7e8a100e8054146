package main

import (
	"context"
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

	"github.com/atmx/dca-engine/internal/aggregator"
	"github.com/atmx/dca-engine/internal/api"
	"github.com/atmx/dca-engine/internal/auth"
	"github.com/atmx/dca-engine/internal/config"
	"github.com/atmx/dca-engine/internal/distributor"
	"github.com/atmx/dca-engine/internal/events"
	"github.com/atmx/dca-engine/internal/exchange"
	"github.com/atmx/dca-engine/internal/fhe"
	"github.com/atmx/dca-engine/internal/keeper"
	"github.com/atmx/dca-engine/internal/ledger"
	"github.com/atmx/dca-engine/internal/metrics"
	"github.com/atmx/dca-engine/internal/oracle"
	"github.com/atmx/dca-engine/internal/rail"
	"github.com/atmx/dca-engine/internal/registry"
	"github.com/atmx/dca-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, err error) {
		slog.Error(msg, "err", err)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal("database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			fatal("database migration failed", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				fatal("invalid REDIS_URL", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DCA_DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Events ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	pub := events.NewMulti().With("ws", wsHub)
	if cfg.NATSURL != "" {
		np, err := events.DialNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			fatal("nats connection failed", err)
		}
		cleanup = append(cleanup, np.Close)
		pub = pub.With("nats", np)
		slog.Info("publishing events to NATS", "subject", cfg.NATSSubject)
	}

	// --- Confidential compute, price and settlement ---
	cp := fhe.NewCoprocessor([]byte(cfg.CoprocessorKey), fhe.WithDelay(cfg.DeclassifyDelay))
	go cp.Run(ctx)

	var px oracle.Oracle
	if cfg.OracleRPCURL != "" {
		cl, client, err := oracle.DialChainlink(ctx, cfg.OracleRPCURL, cfg.OracleFeedAddress)
		if err != nil {
			fatal("oracle connection failed", err)
		}
		cleanup = append(cleanup, client.Close)
		px = cl
		slog.Info("using Chainlink price feed", "feed", cfg.OracleFeedAddress.Hex())
	} else {
		px = oracle.NewStaticOracle(cfg.StaticPrice, oracle.PriceDecimals, time.Time{})
		slog.Warn("no oracle RPC configured, using static price", "price", cfg.StaticPrice.String())
	}

	vault := rail.NewMemoryRail(cfg.RailFaucet)
	xchg := exchange.NewOracleExchange(px, vault, cfg.SwapFeeBps)

	// --- Engine ---
	policy := auth.NewStaticPolicy().
		Grant(auth.RoleAggregator, cfg.Aggregator).
		Grant(auth.RoleOperator, cfg.Operators...)

	led := ledger.New(st, cp, vault, policy, cfg.Contract, ledger.WithPublisher(pub))
	reg, err := registry.New(ctx, st, cp, led, policy, cfg.Contract, cfg.RegistryConfig(), registry.WithPublisher(pub))
	if err != nil {
		fatal("registry init failed", err)
	}
	agg := aggregator.New(aggregator.Deps{
		Registry:    reg,
		Ledger:      led,
		Distributor: distributor.New(cp, led, cfg.Aggregator),
		FHE:         cp,
		Oracle:      px,
		Exchange:    xchg,
		Store:       st,
		Policy:      policy,
	}, cfg.Aggregator,
		aggregator.WithStaleness(cfg.PriceStaleness),
		aggregator.WithPublisher(pub),
	)

	if cfg.KeeperEnabled {
		k := keeper.New(agg, cfg.Operators[0], cfg.KeeperInterval)
		if err := k.Start(ctx); err != nil {
			fatal("keeper start failed", err)
		}
		cleanup = append(cleanup, k.Stop)
	}

	var enc api.Encrypter
	if cfg.DevEndpoints {
		enc = cp
		slog.Warn("development endpoints enabled")
	}
	svc := api.NewService(led, reg, agg, st, enc, cfg.Contract)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"dca-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for batch-level events. Kept outside the
		// timeout group since the connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("dca-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down dca-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if p := agg.InFlight(); p != nil {
		slog.Warn("stopping with a batch awaiting declassification", "batch_id", p.BatchID, "request_id", p.RequestID)
	}
	fmt.Println("dca-engine stopped")
}
