package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/outbound-dispatch/internal/api"
	"github.com/LeventeLantos/outbound-dispatch/internal/cache"
	"github.com/LeventeLantos/outbound-dispatch/internal/client"
	"github.com/LeventeLantos/outbound-dispatch/internal/config"
	"github.com/LeventeLantos/outbound-dispatch/internal/engine"
	"github.com/LeventeLantos/outbound-dispatch/internal/escalation"
	"github.com/LeventeLantos/outbound-dispatch/internal/logging"
	"github.com/LeventeLantos/outbound-dispatch/internal/metrics"
	"github.com/LeventeLantos/outbound-dispatch/internal/queue"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
	"github.com/LeventeLantos/outbound-dispatch/internal/scheduler"
	"github.com/LeventeLantos/outbound-dispatch/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("messaging app failed")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("addr", cfg.Server.Address).
		Dur("interval", cfg.Scheduler.Interval).
		Int("batch", cfg.Scheduler.BatchSize).
		Bool("redis", cfg.Redis.Enabled).
		Str("escalation_sink", cfg.Escalation.Sink).
		Msg("messaging app starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	breakers := resilience.NewBreakers(resilience.BreakerConfig{
		Threshold:    cfg.Resilience.BreakerThreshold,
		OpenDuration: cfg.Resilience.BreakerOpenDuration,
		CountWindow:  cfg.Resilience.BreakerCountWindow,
	}, logging.Component(log, "breaker"), m)

	pool, err := repo.Connect(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repo.NewPostgres(pool, breakers.Store)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	sink, closeSink, err := buildSink(cfg.Escalation, rdb, logging.Component(log, "escalation"))
	if err != nil {
		return err
	}
	defer func() { _ = closeSink.Close() }()

	exec := resilience.NewExecutor(logging.Component(log, "resilience"), sink, m)

	webhook := client.NewWebhookClient(cfg.Webhook.URL,
		client.WithToken(cfg.Channel.Token),
		client.WithTimeout(cfg.Channel.Timeout),
		client.WithRateLimit(cfg.Channel.RateLimit, cfg.Channel.RateBurst),
	)
	sender := service.NewSender(webhook, cfg.Webhook.ContentMax).WithBreaker(breakers.Channel)

	q, err := queue.New(store, sender, exec, logging.Component(log, "queue"), m, queue.Config{
		Interval:             cfg.Queue.Interval,
		BatchSize:            cfg.Queue.BatchSize,
		MaxConcurrentBatches: cfg.Queue.MaxConcurrentBatches,
		Parallelism:          cfg.Queue.Parallelism,
		RetryDelay:           cfg.Queue.RetryDelay,
		MaxRetries:           cfg.Queue.MaxRetries,
		Retention:            cfg.Queue.Retention,
		SweepSchedule:        cfg.Queue.SweepSchedule,
		ProcessingTimeout:    cfg.Queue.ProcessingTimeout,
	})
	if err != nil {
		return err
	}
	if rdb != nil {
		q.WithCache(cache.NewRedisCache(rdb, cfg.Redis.TTL))
	}

	eng := engine.New(store, sender, exec, logging.Component(log, "engine"), m, engine.Options{
		BatchSize:    cfg.Scheduler.BatchSize,
		BatchDelay:   cfg.Engine.BatchDelay,
		MaxRetries:   cfg.Engine.MaxRetries,
		RetryDelay:   cfg.Engine.RetryDelay,
		ClaimTTL:     cfg.Engine.ClaimTTL,
		ReceiptDelay: cfg.Engine.ReceiptDelay,
	})
	if cfg.Engine.SimulateReceipts {
		eng.WithSimulatedReceipts(engine.NewSimulatedReceipts(uint64(time.Now().UnixNano())))
	}

	dispatcher := scheduler.NewDispatcher(store, eng, eng.Defaults(), logging.Component(log, "dispatcher"), m)
	sched, err := scheduler.New(cfg.Scheduler.Interval, dispatcher.Tick, logging.Component(log, "scheduler"))
	if err != nil {
		return err
	}

	h := api.NewHandler(api.Deps{
		Scheduler:   sched,
		Engine:      eng,
		Validator:   engine.NewValidator(store, engine.TokenCredentials(cfg.Channel.Token), cfg.Webhook.ContentMax),
		Queue:       q,
		Store:       store,
		Breakers:    breakers,
		BaseContext: ctx,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(logging.Component(log, "http"))(api.Router(h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	q.Start(ctx)
	sched.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	sched.Stop()
	q.Stop()
	eng.Wait()

	log.Info().Msg("messaging app stopped")
	return nil
}

func buildSink(cfg config.EscalationConfig, rdb *redis.Client, log zerolog.Logger) (resilience.Escalator, io.Closer, error) {
	switch strings.ToLower(cfg.Sink) {
	case "redis":
		return escalation.NewRedisSink(rdb, cfg.RedisKey), nopCloser{}, nil
	case "amqp":
		s, err := escalation.NewAMQPSink(cfg.AMQPURL, cfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return escalation.NewLogSink(log), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// loggingMiddleware logs one line per request with its status and latency.
func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
