package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	// SuppressReasonDuplicate — просмотр повторный в окне.
	SuppressReasonDuplicate = "duplicate"
	// SuppressReasonStoreError — хранилище дедупликации недоступно, считаем просмотр уже учтённым.
	SuppressReasonStoreError = "store_error"
	// SuppressReasonNoOrigin — у запроса нет источника.
	SuppressReasonNoOrigin = "no_origin"
)

var (
	ViewsCounted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engagement_views_counted_total",
		Help: "Засчитанные просмотры рецептов",
	})
	ViewsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_views_suppressed_total",
		Help: "Отброшенные просмотры по причине",
	}, []string{"reason"})
	RatingsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engagement_ratings_applied_total",
		Help: "Применённые оценки",
	})
	BookmarkToggles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_bookmark_toggles_total",
		Help: "Переключения закладок по направлению",
	}, []string{"direction"})
	DeltasClamped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engagement_deltas_clamped_total",
		Help: "Дельты, обрезанные до нуля",
	})
	MutationRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engagement_mutation_retries_total",
		Help: "Повторы применения дельты после временной ошибки",
	})
	NotifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engagement_notify_failures_total",
		Help: "Ошибки рассылки обновлений",
	})
	HistoryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engagement_history_failures_total",
		Help: "Ошибки записи истории просмотров",
	})
	AsyncDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_async_dropped_total",
		Help: "Фоновые задачи, отброшенные из-за переполнения",
	}, []string{"task"})
	RealtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engagement_realtime_clients",
		Help: "Подключённые websocket-подписчики",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		ViewsCounted,
		ViewsSuppressed,
		RatingsApplied,
		BookmarkToggles,
		DeltasClamped,
		MutationRetries,
		NotifyFailures,
		HistoryFailures,
		AsyncDropped,
		RealtimeClients,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncViewSuppressed учитывает отброшенный просмотр.
func IncViewSuppressed(reason string) {
	ViewsSuppressed.WithLabelValues(reason).Inc()
}

// IncBookmarkToggle учитывает переключение закладки.
func IncBookmarkToggle(bookmarked bool) {
	direction := "off"
	if bookmarked {
		direction = "on"
	}
	BookmarkToggles.WithLabelValues(direction).Inc()
}

// IncAsyncDropped учитывает отброшенную фоновую задачу.
func IncAsyncDropped(task string) {
	if task == "" {
		task = "unknown"
	}
	AsyncDropped.WithLabelValues(task).Inc()
}
