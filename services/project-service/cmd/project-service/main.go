package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/eventcore/libs/config"
	"github.com/md-rashed-zaman/eventcore/libs/consumer"
	"github.com/md-rashed-zaman/eventcore/libs/db"
	"github.com/md-rashed-zaman/eventcore/libs/eventbus"
	"github.com/md-rashed-zaman/eventcore/libs/grpcx"
	"github.com/md-rashed-zaman/eventcore/libs/httpx"
	"github.com/md-rashed-zaman/eventcore/libs/kafkax"
	"github.com/md-rashed-zaman/eventcore/libs/metrics"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
	"github.com/md-rashed-zaman/eventcore/libs/outbox"
	"github.com/md-rashed-zaman/eventcore/libs/runtime"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
	"github.com/md-rashed-zaman/eventcore/services/project-service/internal/handlers"
	"github.com/md-rashed-zaman/eventcore/services/project-service/internal/task"
	"github.com/md-rashed-zaman/eventcore/services/project-service/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type settings struct {
	service     string
	port        string
	grpcPort    string
	databaseURL string
	brokers     []string
	topic       string
	groupID     string
	table       string
	partitions  int
	pollEvery   time.Duration
	batchSize   int
	leaseTTL    time.Duration
	redisAddr   string
	rateLimit   int
	migrate     bool
}

func loadSettings() (settings, error) {
	s := settings{
		service:   config.String("SERVICE_NAME", "project-service"),
		brokers:   kafkax.SplitBrokers(config.String("KAFKA_BROKERS", "")),
		topic:     config.String("KAFKA_TOPIC", "project.events.v1"),
		groupID:   config.String("KAFKA_GROUP_ID", "project-service-restore"),
		table:     config.String("OUTBOX_TABLE", "project_events"),
		redisAddr: config.String("REDIS_ADDR", ""),
		migrate:   config.Bool("MIGRATE_ON_START", false),
	}
	var err error
	if s.port, err = config.Port("PORT", "8090"); err != nil {
		return s, err
	}
	if s.grpcPort, err = config.Port("GRPC_PORT", "9090"); err != nil {
		return s, err
	}
	if s.databaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
		return s, err
	}
	if s.partitions, err = config.Int("OUTBOX_PARTITIONS", 12); err != nil {
		return s, err
	}
	if s.batchSize, err = config.Int("OUTBOX_BATCH_SIZE", 100); err != nil {
		return s, err
	}
	if s.rateLimit, err = config.Int("IMPORT_RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return s, err
	}
	if s.pollEvery, err = config.Duration("OUTBOX_POLL_INTERVAL", time.Second); err != nil {
		return s, err
	}
	if s.leaseTTL, err = config.Duration("RELAY_LEASE_TTL", 15*time.Second); err != nil {
		return s, err
	}
	return s, nil
}

func main() {
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	cfg, err := loadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer runtime.Shutdown(logger, "otel", 5*time.Second, otelShutdown)
	}

	pool, err := db.Open(ctx, cfg.databaseURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if cfg.migrate {
		if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
		logger.Info("migrations applied")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store := snapshot.NewStore[task.State](snapshot.NewPostgresRepository("snapshots"), task.Folder{}, logger, m)

	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "serve":
		err = serve(ctx, cfg, logger, pool, store, reg, m)
	case "restore":
		err = restore(ctx, cfg, logger, pool, store, m)
	default:
		err = fmt.Errorf("unknown command %q, want serve or restore", mode)
	}
	if err != nil {
		logger.Error("project service stopped", "mode", mode, "err", err)
		exitCode = 1
	}
}

func serve(ctx context.Context, cfg settings, logger *slog.Logger, pool *db.Pool, store *snapshot.Store[task.State], reg *prometheus.Registry, m *metrics.Metrics) error {
	if cfg.redisAddr == "" {
		return errors.New("REDIS_ADDR is required for the outbox relay lease")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer rdb.Close()

	registry, err := eventbus.NewRegistry(task.Registrations(store, eventbus.Channel{Table: cfg.table, Partitions: cfg.partitions})...)
	if err != nil {
		return err
	}
	outboxRepo := outbox.NewRepository(pool)
	bus := eventbus.New(registry, outboxRepo, logger, m)
	svc := task.NewService(pool, bus, store, logger)

	writer := outbox.NewKafkaWriter(cfg.brokers)
	defer writer.Close()
	relay := outbox.NewRelay(outboxRepo, writer, outbox.NewRedisLease(rdb, cfg.table, cfg.leaseTTL), logger, m, outbox.RelayConfig{
		Table:     cfg.table,
		Topic:     cfg.topic,
		PollEvery: cfg.pollEvery,
		BatchSize: cfg.batchSize,
	})

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(cfg.brokers)},
		{Name: "redis", Check: outbox.ReadyCheck(rdb)},
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", metrics.Handler(reg))
	limiter := httpx.NewRedisRateLimiter(rdb, cfg.rateLimit, time.Minute, "project-import")
	handlers.NewTaskHandler(svc, logger).Register(mux, limiter.Middleware(logger, true))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithActor,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "project")
	srv := &http.Server{
		Addr:              ":" + cfg.port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpcx.NewServer(logger)
	health := grpcx.RegisterHealth(grpcSrv, cfg.service, logger, checks...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		health.Watch(ctx, 10*time.Second)
		return nil
	})
	g.Go(func() error { return grpcx.Serve(ctx, grpcSrv, ":"+cfg.grpcPort, logger) })
	g.Go(func() error {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		runtime.Shutdown(logger, "http server", 10*time.Second, srv.Shutdown)
		logger.Info("http server stopped")
		return nil
	})
	return g.Wait()
}

// restore replays the project topic into the snapshot table.
func restore(ctx context.Context, cfg settings, logger *slog.Logger, pool *db.Pool, store *snapshot.Store[task.State], m *metrics.Metrics) error {
	consumerCfg := consumer.Config{
		Brokers: cfg.brokers,
		GroupID: cfg.groupID,
		Topic:   cfg.topic,
	}
	restorer := task.NewRestorer(store, logger)
	c := consumer.New(consumer.NewReader(consumerCfg), pool, restorer.Handle, logger, m, consumerCfg)
	logger.Info("restoring snapshots", "topic", cfg.topic, "group_id", cfg.groupID)
	return c.Run(ctx)
}
