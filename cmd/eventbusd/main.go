package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/eventbus"
	"github.com/md-rashed-zaman/eventbus/kafkasink"
	"github.com/md-rashed-zaman/eventbus/libs/config"
	"github.com/md-rashed-zaman/eventbus/libs/db"
	"github.com/md-rashed-zaman/eventbus/libs/httpx"
	"github.com/md-rashed-zaman/eventbus/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventbus/libs/otel"
	"github.com/md-rashed-zaman/eventbus/libs/runtime"
	"github.com/md-rashed-zaman/eventbus/postgres"
	"github.com/md-rashed-zaman/eventbus/rediscache"
)

func main() {
	service := config.String("SERVICE_NAME", "eventbusd")
	port, err := config.Port("PORT", "8090")
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
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
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

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema bootstrap failed", "err", err)
		panic(err)
	}

	checks := []runtime.ReadyCheck{{Name: "postgres", Check: db.ReadyCheck(pool)}}

	var busOpts []eventbus.BusOption
	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		cache := rediscache.New(rdb,
			config.DurationMS("EVENTBUS_IDEMPOTENCY_TTL_MS", 24*time.Hour),
			config.String("EVENTBUS_IDEMPOTENCY_PREFIX", "eventbus:applied"),
		)
		busOpts = append(busOpts, eventbus.WithIdempotencyCache(cache))
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: rediscache.ReadyCheck(rdb)})
	}

	bus := eventbus.New(postgres.NewStore(pool), logger, eventbus.OptionsFromEnv(), busOpts...)

	if brokersRaw := config.String("KAFKA_BROKERS", ""); brokersRaw != "" {
		brokers := kafkax.SplitBrokers(brokersRaw)
		sink := kafkasink.New(brokers, logger)
		defer sink.Close()
		bus.Registry().Register("kafka-sink", forwardedTypes(), sink.Handler(), eventbus.HandlerOptions{
			Idempotent: true,
			DeadLetter: true,
		})
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokersRaw)})
	}

	bus.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bus.Stop(stopCtx); err != nil {
			logger.Error("dispatch loop shutdown timed out", "err", err)
		}
	}()

	mux := runtime.NewBaseMuxWithReady(checks...)
	handler := httpx.Chain(otelhttp.NewHandler(mux, "ops"),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// forwardedTypes is the catalog of events mirrored to Kafka.
func forwardedTypes() []eventbus.Type {
	return []eventbus.Type{
		eventbus.TypeBookingCreated,
		eventbus.TypeBookingCancelled,
		eventbus.TypeUserRegistered,
		eventbus.TypeUserLoggedIn,
		eventbus.TypeDialogMessage,
		eventbus.TypeDeadLetter,
	}
}
