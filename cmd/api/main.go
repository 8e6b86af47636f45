package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"recipe-engagement/internal/adapters/httpapi"
	"recipe-engagement/internal/adapters/realtime"
	"recipe-engagement/internal/adapters/repo"
	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/async"
	"recipe-engagement/internal/infra/broadcast"
	"recipe-engagement/internal/infra/cache"
	"recipe-engagement/internal/infra/config"
	"recipe-engagement/internal/infra/db"
	httpinfra "recipe-engagement/internal/infra/http"
	"recipe-engagement/internal/infra/lock"
	applog "recipe-engagement/internal/infra/log"
	"recipe-engagement/internal/infra/metrics"
	"recipe-engagement/internal/infra/queue"
	"recipe-engagement/internal/usecase/aggregate"
	"recipe-engagement/internal/usecase/engagement"
	"recipe-engagement/internal/usecase/history"
	"recipe-engagement/internal/usecase/notify"
)

// pubSub — драйвер широковещательного канала: публикация и подписка.
type pubSub interface {
	domain.Broadcaster
	domain.Subscriber
}

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	if cfg.Postgres.DSN == "" {
		logger.Fatal().Msg("api: не указан адрес БД (PG_DSN)")
	}
	pool, err := db.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	if cfg.Postgres.Migrate {
		if err := db.Migrate(ctx, pool, applog.Component(logger, "db")); err != nil {
			logger.Fatal().Err(err).Msg("api: миграции не применены")
		}
	}
	repoAdapter := repo.NewPostgres(pool)

	redisClient, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к Redis")
	}
	defer redisClient.Close()

	dedup := newDedupStore(ctx, cfg, redisClient, logger)

	bus, closeBus, err := newPubSub(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать рассылку")
	}
	defer closeBus()

	historySink, closeSink, err := newHistorySink(cfg, redisClient, repoAdapter)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать историю")
	}
	defer closeSink()

	dispatcher := async.NewDispatcher(applog.Component(logger, "async"), cfg.Async.Workers, cfg.Async.Buffer, cfg.Engagement.NotifyTimeout)

	router := engagement.NewRouter(engagement.Deps{
		Dedup:      dedup,
		Mutator:    aggregate.NewService(repoAdapter, applog.Component(logger, "aggregate"), aggregate.WithAttemptTimeout(cfg.Engagement.MutationTimeout)),
		Bookmarks:  repoAdapter,
		Reviews:    repoAdapter,
		Locker:     lock.NewRedis(redisClient, 3, 50*time.Millisecond),
		Notifier:   notify.NewService(bus, cfg.Broadcast.Topic, applog.Component(logger, "notify")),
		History:    history.NewService(historySink, applog.Component(logger, "history")),
		Dispatcher: dispatcher,
	}, engagement.Config{
		ViewDedupTTL:    cfg.Engagement.ViewDedupTTL,
		DedupPerRecipe:  cfg.Engagement.DedupPerRecipe,
		DedupTimeout:    cfg.Engagement.DedupTimeout,
		NotifyTimeout:   cfg.Engagement.NotifyTimeout,
		HistoryTimeout:  cfg.Engagement.HistoryTimeout,
		BookmarkLockTTL: cfg.Engagement.BookmarkLockTTL,
	}, applog.Component(logger, "engagement"))

	hub := realtime.NewHub(applog.Component(logger, "realtime"), nil)

	trustedProxies, err := httpinfra.ParseTrustedProxies(cfg.Auth.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: TRUSTED_PROXIES")
	}
	server := httpinfra.NewServer(applog.Component(logger, "http"), trustedProxies)
	handler := httpapi.NewHandler(repoAdapter, repoAdapter, repoAdapter, router, hub, applog.Component(logger, "httpapi"))
	handler.Routes(server.Router, cfg.Auth.ActorSecret)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Pump(gctx, bus, cfg.Broadcast.Topic)
		return nil
	})
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Msg("api: старт")
		return server.Start(fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("api: остановка")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен с ошибкой")
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api: не все фоновые задачи завершены")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api: аварийное завершение")
	}
}

func newDedupStore(ctx context.Context, cfg config.AppConfig, client *redis.Client, logger zerolog.Logger) domain.DedupStore {
	var store domain.DedupStore
	switch strings.ToLower(cfg.Engagement.DedupDriver) {
	case "memory":
		mem := cache.NewMemory()
		go mem.Run(ctx, time.Minute)
		store = mem
	default:
		store = cache.NewRedis(client)
	}
	return cache.NewBreaker(store, cache.BreakerConfig{
		Name:             "dedup",
		FailureThreshold: cfg.Breaker.Failures,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}, applog.Component(logger, "dedup"))
}

func newPubSub(cfg config.AppConfig, client *redis.Client) (pubSub, func(), error) {
	switch strings.ToLower(cfg.Broadcast.Driver) {
	case "rabbitmq":
		if cfg.RabbitURL == "" {
			return nil, nil, fmt.Errorf("не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		fanout, err := broadcast.NewRabbit(cfg.RabbitURL)
		if err != nil {
			return nil, nil, err
		}
		return fanout, func() { _ = fanout.Close() }, nil
	case "redis", "":
		return broadcast.NewRedis(client), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный драйвер рассылки %q", cfg.Broadcast.Driver)
	}
}

func newHistorySink(cfg config.AppConfig, client *redis.Client, direct domain.HistorySink) (domain.HistorySink, func(), error) {
	switch strings.ToLower(cfg.History.Sink) {
	case "direct", "":
		return direct, func() {}, nil
	case "redis":
		return history.NewQueueSink(queue.NewRedisHistoryQueue(client, cfg.History.Queue)), func() {}, nil
	case "rabbitmq":
		if cfg.RabbitURL == "" {
			return nil, nil, fmt.Errorf("не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		q, err := queue.NewRabbitHistoryQueue(cfg.RabbitURL, cfg.History.Queue)
		if err != nil {
			return nil, nil, err
		}
		return history.NewQueueSink(q), closer(q), nil
	default:
		return nil, nil, fmt.Errorf("неизвестный приёмник истории %q", cfg.History.Sink)
	}
}

func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
