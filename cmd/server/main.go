// Command server starts the Labtasker task queue HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/labtasker/internal/adapter/httpserver"
	"github.com/fairyhunter13/labtasker/internal/adapter/store/postgres"
	"github.com/fairyhunter13/labtasker/internal/app"
	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/config"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/events"
	"github.com/fairyhunter13/labtasker/internal/observability"
	"github.com/fairyhunter13/labtasker/internal/usecase"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 store
// connectivity failure at startup.
const (
	exitConfig = 1
	exitStore  = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(exitStore)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(exitStore)
	}

	queueRepo := postgres.NewQueueRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	workerRepo := postgres.NewWorkerRepo(pool)

	clk := clock.System{}
	bus := events.NewBus(events.WithBufferSize(cfg.EventBufferSize), events.WithClock(clk))

	if cfg.RedisURL != "" {
		relay, err := events.NewRedisRelay(ctx, cfg.RedisURL, bus)
		if err != nil {
			slog.Error("redis relay connect failed", slog.Any("error", err))
			os.Exit(exitStore)
		}
		relay.Start(ctx)
		defer func() { _ = relay.Close() }()
		slog.Info("redis event relay started")
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			slog.Error("kafka sink connect failed", slog.Any("error", err))
			os.Exit(exitStore)
		}
		sink.Attach(bus)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sink.Close(closeCtx)
		}()
		slog.Info("kafka event sink attached", slog.String("topic", cfg.KafkaEventTopic))
	}

	queueSvc := usecase.NewQueueService(queueRepo, taskRepo, workerRepo, bus, clk)
	taskSvc := usecase.NewTaskService(taskRepo, bus, clk)
	workerSvc := usecase.NewWorkerService(workerRepo, taskRepo, bus, clk)
	dispatchSvc := usecase.NewDispatchService(taskRepo, workerRepo, bus, clk)

	reaper := app.NewReaper(dispatchSvc, bus, cfg.HeartbeatReaperPeriod, cfg.EventSubscriberTTL)
	go reaper.Run(ctx)

	dbCheck := func(ctx domain.Context) error { return pool.Ping(ctx) }
	srv := httpserver.NewServer(cfg, queueSvc, taskSvc, workerSvc, dispatchSvc, bus, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", cfg.Addr()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
