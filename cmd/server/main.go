package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	lookupHandler "idlookup/internal/identity/handler"
	"idlookup/internal/identity/ingest"
	identityMetrics "idlookup/internal/identity/metrics"
	"idlookup/internal/identity/service"
	"idlookup/internal/identity/store"
	"idlookup/internal/platform/config"
	"idlookup/internal/platform/httpserver"
	"idlookup/internal/platform/kafka/consumer"
	"idlookup/internal/platform/logger"
	"idlookup/internal/platform/metrics"
	"idlookup/internal/platform/middleware"
	"idlookup/internal/platform/postgres"
	"idlookup/internal/platform/redis"
	"idlookup/pkg/platform/circuit"
	"idlookup/pkg/platform/middleware/requestid"
	"idlookup/pkg/platform/middleware/requesttime"
)

const shutdownTimeout = 10 * time.Second

// recordStore is what main needs from either store implementation.
type recordStore interface {
	service.Store
	lookupHandler.Pinger
}

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("idlookup stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := metrics.NewRegistry()
	m := identityMetrics.New(reg)

	records, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []service.Option{service.WithLogger(log), service.WithMetrics(m)}
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		opts = append(opts,
			service.WithCache(store.NewRedisCache(redisClient.Client, cfg.CacheTTL)),
			service.WithCacheBreaker(circuit.New("lookup-cache")),
		)
		log.Info("lookup cache enabled", "ttl", cfg.CacheTTL.String())
	}

	index, err := service.New(ctx, records, opts...)
	if err != nil {
		return fmt.Errorf("create identity index: %w", err)
	}

	router := chi.NewRouter()
	router.Use(requestid.Middleware)
	router.Use(requesttime.Middleware)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	lookupHandler.New(index, records, log).Register(router)
	router.Handle("/metrics", metrics.Handler(reg))

	var ingestConsumer *consumer.Consumer
	if cfg.Kafka.Enabled() {
		ingestConsumer, err = newIngestConsumer(ctx, cfg.Kafka, index, m, log)
		if err != nil {
			return err
		}
		defer ingestConsumer.Close()
	}

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting idlookup", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	if ingestConsumer != nil {
		g.Go(func() error {
			log.Info("consuming output events", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.Group)
			return ingestConsumer.Run(gctx)
		})
	}

	return g.Wait()
}

// openStore selects postgres when DATABASE_URL is set and the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg config.Server, log *slog.Logger) (recordStore, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory record store")
		return store.NewInMemoryStore(), func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(db)
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate record store: %w", err)
	}
	return pg, func() { _ = db.Close() }, nil
}

func newIngestConsumer(ctx context.Context, cfg config.KafkaConfig, index *service.Service, m *identityMetrics.Metrics, log *slog.Logger) (*consumer.Consumer, error) {
	if err := consumer.EnsureTopic(ctx, cfg.Brokers, cfg.Topic, 1, 1); err != nil {
		log.Warn("could not ensure ingest topic", "topic", cfg.Topic, "error", err)
	}

	outputs, err := ingest.New(index, ingest.WithLogger(log), ingest.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	router := consumer.NewRouter(log, nil)
	router.Register(cfg.Topic, outputs)

	c, err := consumer.New(consumer.Config{
		Brokers: cfg.Brokers,
		Topics:  router.Topics(),
		Group:   cfg.Group,
	}, router, []consumer.Option{consumer.WithLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("create ingest consumer: %w", err)
	}
	return c, nil
}
