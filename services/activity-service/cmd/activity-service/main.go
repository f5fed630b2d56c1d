package main

import (
	"net/http"
	"time"

	"github.com/md-rashed-zaman/eventcore/libs/businesstx"
	"github.com/md-rashed-zaman/eventcore/libs/config"
	"github.com/md-rashed-zaman/eventcore/libs/consumer"
	"github.com/md-rashed-zaman/eventcore/libs/db"
	"github.com/md-rashed-zaman/eventcore/libs/grpcx"
	"github.com/md-rashed-zaman/eventcore/libs/httpx"
	"github.com/md-rashed-zaman/eventcore/libs/kafkax"
	"github.com/md-rashed-zaman/eventcore/libs/metrics"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
	"github.com/md-rashed-zaman/eventcore/libs/runtime"
	"github.com/md-rashed-zaman/eventcore/services/activity-service/internal/activity"
	"github.com/md-rashed-zaman/eventcore/services/activity-service/internal/handlers"
	"github.com/md-rashed-zaman/eventcore/services/activity-service/internal/storage"
	"github.com/md-rashed-zaman/eventcore/services/activity-service/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	service := config.String("SERVICE_NAME", "activity-service")
	port, err := config.Port("PORT", "8091")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9091")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer runtime.Shutdown(logger, "otel", 5*time.Second, otelShutdown)
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("MIGRATE_ON_START", false) {
		if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}

	retryMax, err := config.Duration("CONSUMER_RETRY_MAX", 30*time.Second)
	if err != nil {
		panic(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
	consumerCfg := consumer.Config{
		Brokers:  brokers,
		GroupID:  config.String("KAFKA_GROUP_ID", "activity-service"),
		Topic:    config.String("KAFKA_TOPIC", "project.events.v1"),
		RetryMax: retryMax,
	}

	repo := storage.NewActivityRepository()
	listener := businesstx.NewListener(
		businesstx.NewManager(config.String("BUSINESS_TX_TABLE", businesstx.DefaultTable)),
		activity.NewProcessor(repo, logger),
		logger,
		m,
	)
	eventConsumer := consumer.New(consumer.NewReader(consumerCfg), pool, consumer.ListenerHandler(listener), logger, m, consumerCfg)

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/api/v1/projects/activity", handlers.NewActivityHandler(repo, pool, logger).List)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "activity")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpcx.NewServer(logger)
	health := grpcx.RegisterHealth(grpcSrv, service, logger, checks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eventConsumer.Run(gctx) })
	g.Go(func() error {
		health.Watch(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error { return grpcx.Serve(gctx, grpcSrv, ":"+grpcPort, logger) })
	g.Go(func() error {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		runtime.Shutdown(logger, "http server", 10*time.Second, srv.Shutdown)
		logger.Info("http server stopped")
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("activity service stopped", "err", err)
	}
}
