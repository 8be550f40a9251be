package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"relayq/internal/api"
	"relayq/internal/beat"
	"relayq/internal/broker"
	"relayq/internal/compose"
	"relayq/internal/config"
	"relayq/internal/events"
	"relayq/internal/handlers/httpcall"
	"relayq/internal/handlers/shell"
	"relayq/internal/producer"
	"relayq/internal/result"
	"relayq/internal/task"
	"relayq/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		queues  = flag.String("queues", "", "comma-separated queues to consume (overrides config)")
		slots   = flag.Int("slots", 0, "number of execution slots (overrides config)")
		pprof   = flag.Bool("pprof", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *queues != "" {
		cfg.Worker.Queues = strings.Split(*queues, ",")
	}
	if *slots > 0 {
		cfg.Worker.Slots = *slots
	}
	if *pprof {
		cfg.Server.EnablePprof = true
	}

	setupLogging(cfg.Logging)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("relayq exited")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		brk     broker.Broker
		results compose.Store
		db      *sql.DB
		err     error
	)
	if cfg.Storage.InMemory {
		brk = broker.NewMemory()
		results = result.NewMemory(cfg.Results.CacheSize, cfg.ResultTTL())
		// schedules still need a home; keep them in a private
		// in-memory database
		db, err = openDB("file::memory:?cache=shared")
	} else {
		db, err = openDB("file:" + cfg.Storage.Path + "?cache=shared&mode=rwc&_pragma=journal_mode(WAL)")
	}
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if !cfg.Storage.InMemory {
		if err := broker.EnsureSchema(db); err != nil {
			return fmt.Errorf("broker schema: %w", err)
		}
		if err := result.EnsureSchema(db); err != nil {
			return fmt.Errorf("result schema: %w", err)
		}
		brk = broker.NewSQLite(db)
		results = result.NewSQLite(db)
	}
	if err := beat.EnsureSchema(db); err != nil {
		return fmt.Errorf("beat schema: %w", err)
	}
	schedules := beat.NewSQLiteStore(db)

	registry := task.NewRegistry()
	shell.Register(registry)
	httpcall.Register(registry)
	log.Info().Strs("tasks", registry.Names()).Msg("task registry bootstrapped")

	bus := events.NewBus(256)
	defer bus.Close()
	unsubscribe := bus.SubscribeAll(logEvent)
	defer unsubscribe()

	prod := producer.New(registry, brk, results)
	engine := compose.NewEngine(prod, results)
	pool := worker.NewPool(worker.Config{
		WorkerID:     cfg.Worker.ID,
		Queues:       cfg.Worker.Queues,
		Slots:        cfg.Worker.Slots,
		Prefetch:     cfg.Worker.Prefetch,
		PollInterval: cfg.PollInterval(),
		Visibility:   cfg.Visibility(),
	}, registry, brk, results, engine, bus)
	prod.SetTerminator(pool)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pool.Run(ctx) })

	if cfg.Beat.Enabled {
		b := beat.New(schedules, brk, results, beat.NewFileLock(cfg.Beat.LockPath), bus, cfg.BeatInterval())
		g.Go(func() error { return b.Run(ctx) })
	}

	if sweeper, ok := results.(*result.SQLite); ok && cfg.ResultTTL() > 0 {
		g.Go(func() error { return sweepResults(ctx, sweeper, cfg.ResultTTL(), cfg.ResultSweepInterval()) })
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServerWithDebug(prod, results, schedules, registry, cfg.Server.EnablePprof),
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// sweepResults drops finished task results older than the TTL.
func sweepResults(ctx context.Context, store *result.SQLite, ttl, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := store.ExpireBefore(ctx, time.Now().Add(-ttl))
			if err != nil {
				log.Error().Err(err).Msg("result sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("swept old task results")
			}
		}
	}
}

func logEvent(ev events.Event) {
	logger := log.With().Fields(ev.Fields).Logger()
	switch ev.Type {
	case events.Retry, events.Nack:
		logger.Warn().Str("event", string(ev.Type)).Msg("task event")
	case events.GiveUp:
		logger.Error().Str("event", string(ev.Type)).Msg("task event")
	default:
		logger.Debug().Str("event", string(ev.Type)).Msg("task event")
	}
}
