package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"fitness-lead-bot/internal/adapters/amqpout"
	"fitness-lead-bot/internal/adapters/bot"
	"fitness-lead-bot/internal/adapters/content"
	"fitness-lead-bot/internal/adapters/n8n"
	"fitness-lead-bot/internal/adapters/repo"
	"fitness-lead-bot/internal/adapters/telegram"
	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/cache"
	"fitness-lead-bot/internal/infra/config"
	"fitness-lead-bot/internal/infra/db"
	httpinfra "fitness-lead-bot/internal/infra/http"
	"fitness-lead-bot/internal/infra/log"
	"fitness-lead-bot/internal/infra/metrics"
	"fitness-lead-bot/internal/usecase/drip"
	"fitness-lead-bot/internal/usecase/funnel"
	"fitness-lead-bot/internal/usecase/timers"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: нет подключения к БД")
	}
	defer pool.Close()

	leads := repo.NewPostgres(pool)
	clock := clockwork.NewRealClock()

	webhook := n8n.NewClient(cfg.Webhook.URL, cfg.Webhook.Secret, n8n.RetryBudgets{
		Hot:        cfg.Webhook.RetryHot,
		Calculated: cfg.Webhook.RetryCalculated,
		Cold:       cfg.Webhook.RetryCold,
	}, log.ForComponent(logger, "n8n"))

	deliveries := []domain.LeadDelivery{webhook}
	if cfg.AMQP.URL != "" {
		publisher, err := amqpout.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log.ForComponent(logger, "amqp"))
		if err != nil {
			logger.Fatal().Err(err).Msg("bot: нет подключения к AMQP")
		}
		defer publisher.Close()
		deliveries = append(deliveries, publisher)
	}

	registry := timers.NewRegistry(clock, log.ForComponent(logger, "timers"))
	funnelUC := funnel.NewService(leads, deliveries, registry, funnel.TimerConfig{
		CalculatedEnabled: cfg.Timers.CalculatedEnabled,
		CalculatedDelay:   time.Duration(cfg.Timers.CalculatedDelayMin) * time.Minute,
		StalledDelay:      time.Duration(cfg.Timers.StalledDelayMin) * time.Minute,
		DelayedOfferDelay: time.Duration(cfg.Timers.DelayedOfferDelaySec) * time.Second,
	}, clock, log.ForComponent(logger, "funnel"))

	var limiter domain.Limiter = cache.Noop{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		limiter = cache.NewRateLimiter(client, cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.WindowSec)*time.Second)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось создать клиента Bot API")
	}

	handler := bot.NewHandler(botAPI, log.ForComponent(logger, "bot"), funnelUC, limiter, cfg.ChannelURL)

	// Встроенный DRIP-сканер: выключите его, если развёрнут cmd/drip.
	if cfg.Drip.Enabled {
		sender := telegram.NewSender(botAPI)
		resolver := content.NewStatic(content.Defaults())
		dripService := drip.NewService(leads, sender, resolver, cfg.DripThresholds(), clock, log.ForComponent(logger, "drip"))
		worker := drip.NewWorker(dripService, cfg.DripInterval(), clock, log.ForComponent(logger, "drip"))
		go worker.Run(ctx)
	}

	go metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	server := httpinfra.NewServer(log.ForComponent(logger, "http"))
	server.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})
	server.Router.Get("/webhook/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(webhook.HealthSnapshot())
	})

	go func() {
		logger.Info().Str("addr", cfg.BotAddr).Msg("бот запущен")
		if err := server.Start(cfg.BotAddr); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
