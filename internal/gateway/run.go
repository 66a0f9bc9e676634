package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"spectyra/internal/config"
	"spectyra/internal/convstate"
	"spectyra/internal/embedder"
	"spectyra/internal/ledger"
	"spectyra/internal/llm"
	"spectyra/internal/observability"
	"spectyra/internal/optimizer"
	"spectyra/internal/semcache"
)

type app struct {
	cfg      *config.Config
	pipeline *optimizer.Pipeline
	ledger   ledger.Store
	pool     *pgxpool.Pool
}

// Run initialises the gateway and starts the HTTP listener. Blocks until
// SIGINT/SIGTERM, then shuts down gracefully.
func Run() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx := context.Background()
	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}

	a, err := newApp(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialization failed")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("gateway_listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("gateway_shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if shutdownOTel != nil {
		_ = shutdownOTel(shutdownCtx)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if dsn := cfg.Database.DSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		a.pool = pool
	} else {
		log.Warn().Msg("no database configured, savings ledger is in-memory")
	}
	a.ledger = ledger.New(a.pool)
	if err := a.ledger.Init(ctx); err != nil {
		return nil, fmt.Errorf("init savings ledger: %w", err)
	}

	debugSink, err := ledger.NewDebugSink(ctx, cfg.ClickHouse)
	if err != nil {
		log.Warn().Err(err).Msg("debug sink unavailable, signals will be dropped")
		debugSink = ledger.NopDebugSink{}
	}

	cacheTTL := time.Duration(cfg.Optimizer.SemanticCacheTTLSeconds) * time.Second
	stateTTL := time.Duration(cfg.Optimizer.StateTTLSeconds) * time.Second

	p := optimizer.NewPipeline(cfg.Optimizer)
	p.Embedder = embedder.New(cfg.Embedding)
	p.Cache = semcache.New(cfg.Redis, cacheTTL)
	p.State = convstate.New(cfg.Redis, stateTTL)
	p.Ledger = a.ledger
	p.Debug = debugSink
	p.ProviderFor = func(name string) (llm.Provider, error) {
		return llm.BuildProvider(name, *cfg, nil)
	}
	a.pipeline = p

	return a, nil
}
