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

var (
	FunnelTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_transitions_total",
		Help: "Переходы лидов между статусами воронки",
	}, []string{"status"})

	HotLeadNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hot_lead_notifications_total",
		Help: "Отправленные уведомления о новых горячих лидах",
	})

	DripScanSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drip_scan_seconds",
		Help:    "Длительность одной итерации DRIP-сканера",
		Buckets: prometheus.DefBuckets,
	})

	DripVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drip_verdicts_total",
		Help: "Вердикты DRIP-сканера по кандидатам",
	}, []string{"verdict"})

	DripSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drip_send_errors_total",
		Help: "Ошибки отправки DRIP-сообщений",
	})

	WebhookAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_attempts_total",
		Help: "Попытки доставки снапшотов лидов",
	}, []string{"event", "status"})

	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Итоги доставки снапшотов лидов",
	}, []string{"event", "outcome"})

	TimersPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lead_timers_pending",
		Help: "Количество ожидающих таймеров лидов",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FunnelTransitions,
		HotLeadNotifications,
		DripScanSeconds,
		DripVerdicts,
		DripSendErrors,
		WebhookAttempts,
		WebhookDeliveries,
		TimersPending,
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

// IncDripVerdict увеличивает счётчик вердиктов сканера.
func IncDripVerdict(verdict string) {
	DripVerdicts.WithLabelValues(verdict).Inc()
}

// ObserveWebhookAttempt записывает одну попытку доставки.
func ObserveWebhookAttempt(event string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	WebhookAttempts.WithLabelValues(event, status).Inc()
}

// ObserveWebhookOutcome записывает итог доставки после всех попыток.
func ObserveWebhookOutcome(event string, delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	WebhookDeliveries.WithLabelValues(event, outcome).Inc()
}
