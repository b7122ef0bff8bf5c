package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"leadflow/internal/aggregator"
	"leadflow/internal/api"
	"leadflow/internal/config"
	"leadflow/internal/dispatch"
	"leadflow/internal/provider"
	"leadflow/internal/queue"
	"leadflow/internal/scheduler"
	"leadflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dsn     = flag.String("db", "", "database path or URL (overrides config)")
		driver  = flag.String("driver", "", "database driver: sqlite or postgres (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid flags")
		}
	}

	setupLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo := openRepository(ctx, cfg.Database)

	registry := buildRegistry(cfg.Providers)
	if registry.Len() == 0 {
		log.Warn().Msg("no providers configured, every queue item will fail")
	}
	agg := aggregator.New(registry, aggregator.Config{
		OverRequestFactor: cfg.Aggregator.OverRequestFactor,
		LowYieldThreshold: cfg.Aggregator.LowYieldThreshold,
		LowYieldRemaining: cfg.Aggregator.LowYieldRemaining,
	})

	amqpHandler := dispatch.NewAMQP(cfg.Dispatch.AMQPURL)
	dispatcher := dispatch.New(map[string]dispatch.Handler{
		"webhook": dispatch.Webhook{},
		"amqp":    amqpHandler,
	}, dispatch.Config{
		Timeout:  cfg.Dispatch.Timeout,
		Attempts: cfg.Dispatch.Attempts,
		Backoff:  cfg.Dispatch.Backoff,
	})

	var sink worker.ResultSink = worker.HandleSink{}
	if cfg.Results.Dir != "" {
		sink = worker.DirSink{Dir: cfg.Results.Dir}
	}
	processor := worker.NewProcessor(repo, agg, worker.Config{
		PollInterval:     cfg.Processor.PollInterval,
		ItemTimeout:      cfg.Processor.ItemTimeout,
		StaleTimeout:     cfg.Processor.StaleTimeout,
		MaxRetryAttempts: cfg.Processor.MaxRetryAttempts,
		RetryDelay:       cfg.Processor.RetryDelay,
	}, worker.WithDispatcher(dispatcher), worker.WithSink(sink))

	detector := scheduler.NewService(repo, cfg.Scheduler.CheckInterval)

	// Both loops share nothing but the store. Either one failing on the
	// store stops the process so a supervisor can restart it.
	fatal := make(chan error, 2)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		fatal <- processor.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		fatal <- detector.Start(ctx)
	}()

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServerWithDebug(repo, cfg.HTTP.Debug)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	exitCode := 0
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
		log.Info().Msg("shutting down")
	case err := <-fatal:
		if err != nil {
			log.Error().Err(err).Msg("store failure, stopping")
			exitCode = 1
		}
	}

	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(ctxTimeout)
	cancelTimeout()

	drain(&loops, amqpHandler.Close, closeRepo)
	os.Exit(exitCode)
}

// drain waits for the background loops to leave the store, then runs the
// closers in order.
func drain(loops *sync.WaitGroup, closers ...func() error) {
	loops.Wait()
	for _, c := range closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}
}

func setupLogger(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig) (queue.Repository, func() error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := queue.NewPool(ctx, cfg.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		log.Info().Msg("using postgres store")
		return queue.NewPostgresRepo(pool), func() error { pool.Close(); return nil }
	default:
		db, err := queue.OpenSQLite(cfg.DSN)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DSN).Msg("open sqlite")
		}
		log.Info().Str("path", cfg.DSN).Msg("using sqlite store")
		return queue.NewSQLiteRepo(db), db.Close
	}
}

func buildRegistry(providers []config.ProviderConfig) *provider.Registry {
	registry := provider.NewRegistry()
	for _, p := range providers {
		registry.Register(&provider.HTTPSource{
			ID:      p.Name,
			URL:     p.URL,
			Headers: p.Headers,
			Timeout: p.Timeout,
		}, provider.WithCap(p.Cap), provider.WithRateLimit(p.RateEvery, p.Burst))
		log.Info().Str("provider", p.Name).Int("cap", p.Cap).Msg("provider registered")
	}
	return registry
}
