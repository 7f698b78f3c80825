package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stakefit/settlement-engine/internal/api"
	"github.com/stakefit/settlement-engine/internal/challenge"
	"github.com/stakefit/settlement-engine/internal/config"
	"github.com/stakefit/settlement-engine/internal/evaluator"
	"github.com/stakefit/settlement-engine/internal/events"
	"github.com/stakefit/settlement-engine/internal/ledger"
	"github.com/stakefit/settlement-engine/internal/logging"
	"github.com/stakefit/settlement-engine/internal/metric"
	"github.com/stakefit/settlement-engine/internal/metrics"
	"github.com/stakefit/settlement-engine/internal/migrations"
	"github.com/stakefit/settlement-engine/internal/pool"
	"github.com/stakefit/settlement-engine/internal/scheduler"
	"github.com/stakefit/settlement-engine/internal/settlement"
	"github.com/stakefit/settlement-engine/internal/store"
	"github.com/stakefit/settlement-engine/internal/wallet"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.LoadApp()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(cfg.Log)

	ctx := context.Background()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dsn := cfg.Server.PostgresDSN; dsn != "" {
		if err := migrations.Up(dsn); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		pg, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		cleanup = append(cleanup, pg.Close)
		st = store.NewPostgresStore(pg)
		log.Info().Msg("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Server.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid REDIS_URL")
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Server.CacheTTL)
			log.Info().Dur("ttl", cfg.Server.CacheTTL).Msg("Redis cache enabled")
		}
	} else {
		log.Warn().Msg("POSTGRES_DSN not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Sample source ---
	var src evaluator.SampleSource = evaluator.NewStoreSource(st)
	if url := cfg.Server.SampleSourceURL; url != "" {
		src = evaluator.NewHTTPSource(url, &http.Client{Timeout: cfg.Settlement.EvaluatorTimeout},
			cfg.Server.SampleSourceRPS, cfg.Server.SampleSourceBurst)
		log.Info().Str("url", url).Msg("evaluating against remote sample source")
	}

	// --- WebSocket hub ---
	hub := events.NewHub()
	hubDone := make(chan struct{})
	go hub.Run(hubDone)

	// --- Services ---
	engineCfg, err := engineConfig(cfg.Settlement)
	if err != nil {
		log.Fatal().Err(err).Msg("load settlement config")
	}
	l := ledger.New(st)
	wallets := wallet.NewService(st, l)
	challenges := challenge.NewService(st, engineCfg.Registry, hub)
	pools := pool.NewService(st, pool.NewExposureLimiter(cfg.Server.MaxUserExposure), hub)
	engine := settlement.NewEngine(st, src, hub, engineCfg)

	sched := scheduler.New(st, challenges, engine, scheduler.Config{
		Spec:        cfg.Settlement.Schedule,
		Parallelism: cfg.Settlement.FinalizeParallelism,
		Timeout:     cfg.Settlement.TickTimeout,
	})
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Settlement.Schedule).Msg("scheduler start failed")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(logging.Middleware(os.Stdout))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.NewHandler(st, challenges, pools, wallets, engine, hub).Register(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("settlement-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// SIGHUP reloads the settlement snapshot; running settlements keep theirs.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		reload(engine)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info().Msg("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	sched.Stop(shutdownCtx)
	close(hubDone)
	log.Info().Msg("settlement-engine stopped")
}

func engineConfig(sc config.SettlementConfig) (settlement.Config, error) {
	reg, err := metric.LoadRegistry(sc.MetricRulesPath)
	if err != nil {
		return settlement.Config{}, err
	}
	return settlement.Config{
		StuckGrace:      sc.StuckGrace,
		EvaluateTimeout: sc.EvaluatorTimeout,
		Parallelism:     sc.EvaluatorParallelism,
		Registry:        reg,
	}, nil
}

func reload(engine *settlement.Engine) {
	sc, err := config.LoadSettlement()
	if err != nil {
		log.Error().Err(err).Msg("reload: invalid settlement config, keeping current")
		return
	}
	cfg, err := engineConfig(sc)
	if err != nil {
		log.Error().Err(err).Msg("reload: invalid metric rules, keeping current")
		return
	}
	engine.Reload(cfg)
	log.Info().
		Dur("stuck_grace", cfg.StuckGrace).
		Dur("evaluator_timeout", cfg.EvaluateTimeout).
		Msg("settlement config reloaded")
}
