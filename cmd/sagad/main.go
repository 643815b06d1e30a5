// Command sagad runs the saga engine and its HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/event-saga/api"
	"github.com/rbaliyan/event-saga/dispatch"
	"github.com/rbaliyan/event-saga/internal/config"
	"github.com/rbaliyan/event-saga/ratelimit"
	"github.com/rbaliyan/event-saga/saga"
	"github.com/rbaliyan/event-saga/trigger"
)

func main() {
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", cfg.ServiceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sagad stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("sagad exited")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	srvOpts := []api.Option{
		api.WithLogger(logger),
		api.WithServiceName(cfg.ServiceName),
	}
	if checker, ok := store.(health.Checker); ok {
		srvOpts = append(srvOpts, api.WithHealthCheck("store", checker))
	}

	limiterMetrics, err := ratelimit.NewMetrics()
	if err != nil {
		return fmt.Errorf("ratelimit metrics: %w", err)
	}

	registry := dispatch.NewRegistry()
	targets := []dispatch.Option{
		dispatch.WithTarget(dispatch.KindInternal, registry),
		dispatch.WithDefaultTimeout(cfg.StepTimeout),
		dispatch.WithLogger(logger),
	}
	engineOpts := []saga.Option{
		saga.WithLogger(logger),
		saga.WithMetrics(saga.NewMetricsRecorder("github.com/rbaliyan/event-saga")),
		saga.WithLeaseTTL(cfg.LeaseTTL),
		saga.WithConcurrency(cfg.Concurrency),
		saga.WithDefaultRetryDelay(cfg.DefaultRetryDelay),
		saga.WithMaxRetryDelay(cfg.MaxRetryDelay),
		saga.WithStepTimeout(cfg.StepTimeout),
	}
	triggerOpts := []trigger.Option{
		trigger.WithStepTimeout(cfg.StepTimeout),
		trigger.WithRetryDelay(cfg.DefaultRetryDelay),
	}

	var httpLimiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		engineOpts = append(engineOpts,
			saga.WithQueue(saga.NewRedisQueue(rdb).WithKey(cfg.QueueKey)),
			saga.WithLeaser(saga.NewRedisLeaser(rdb)),
		)
		agentLimiter := ratelimit.NewMetricsLimiter(
			ratelimit.NewLocalLimiter(0, 1), string(dispatch.KindAgent), limiterMetrics)
		targets = append(targets, dispatch.WithTarget(dispatch.KindAgent,
			dispatch.NewAgentTarget(rdb,
				dispatch.WithAgentPrefix(cfg.AgentPrefix),
				dispatch.WithAgentLimiter(agentLimiter),
			)))

		// Business services run as agents.
		triggerOpts = append(triggerOpts, trigger.WithStepKind(dispatch.KindAgent))

		if cfg.HTTPRateLimit > 0 {
			limit := int(cfg.HTTPRateLimit)
			if limit < 1 {
				limit = 1
			}
			redisLimiter := ratelimit.NewRedisLimiter(rdb, "saga:ratelimit:"+string(dispatch.KindExternalHTTP), limit, time.Second)
			srvOpts = append(srvOpts, api.WithHealthCheck("http_rate_limit", redisLimiter))
			httpLimiter = redisLimiter
		}
	} else {
		logger.Warn("no redis configured: queue and leases are in-process and demand-to-cash has no bound services")
		if cfg.HTTPRateLimit > 0 {
			httpLimiter = ratelimit.NewLocalLimiter(cfg.HTTPRateLimit, cfg.HTTPRateBurst)
		}
	}

	httpOpts := []dispatch.HTTPOption{dispatch.WithHeader("User-Agent", cfg.ServiceName)}
	if httpLimiter != nil {
		httpOpts = append(httpOpts, dispatch.WithHTTPLimiter(
			ratelimit.NewMetricsLimiter(httpLimiter, string(dispatch.KindExternalHTTP), limiterMetrics)))
	}
	targets = append(targets, dispatch.WithTarget(dispatch.KindExternalHTTP, dispatch.NewHTTPTarget(httpOpts...)))

	engine := saga.NewEngine(store, dispatch.New(targets...), engineOpts...)
	demandToCash := trigger.NewDemandToCash(engine, triggerOpts...)

	recovered, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info("recovered unfinished sagas", "count", recovered)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))
	api.NewServer(engine, demandToCash, srvOpts...).InitRoutes(e)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server started", "addr", cfg.HTTPAddr)
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server is shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore connects the configured store and prepares its schema.
func openStore(ctx context.Context, cfg *config.Config) (saga.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := saga.NewPostgresStore(db, saga.WithTablePrefix(cfg.PostgresTablePrefix))
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, func() { db.Close() }, nil

	case config.StoreMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(dctx)
		}
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		store := saga.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return store, disconnect, nil
	}

	return saga.NewMemoryStore(), func() {}, nil
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	})
}
