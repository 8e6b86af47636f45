package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"recipe-engagement/internal/adapters/repo"
	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/cache"
	"recipe-engagement/internal/infra/config"
	"recipe-engagement/internal/infra/db"
	applog "recipe-engagement/internal/infra/log"
	"recipe-engagement/internal/infra/metrics"
	"recipe-engagement/internal/infra/queue"
	"recipe-engagement/internal/usecase/history"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	pool, err := db.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("history-worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var historyQueue domain.HistoryQueue
	switch strings.ToLower(cfg.History.Sink) {
	case "rabbitmq":
		if cfg.RabbitURL == "" {
			logger.Fatal().Msg("history-worker: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		q, err := queue.NewRabbitHistoryQueue(cfg.RabbitURL, cfg.History.Queue)
		if err != nil {
			logger.Fatal().Err(err).Msg("history-worker: не удалось инициализировать очередь RabbitMQ")
		}
		defer q.Close()
		historyQueue = q
	case "redis":
		client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("history-worker: нет подключения к Redis")
		}
		defer client.Close()
		historyQueue = queue.NewRedisHistoryQueue(client, cfg.History.Queue)
	default:
		logger.Fatal().Str("sink", cfg.History.Sink).Msg("history-worker: приёмник истории пишет напрямую в БД, очередь не используется")
	}

	worker := history.NewWorker(historyQueue, repoAdapter, applog.Component(logger, "history-worker"), time.Second)
	logger.Info().Str("queue", cfg.History.Queue).Msg("history-worker: старт")
	worker.Run(ctx)
	logger.Info().Msg("history-worker: остановка")
}
