package main

import (
	"context"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"fitness-lead-bot/internal/adapters/content"
	"fitness-lead-bot/internal/adapters/repo"
	"fitness-lead-bot/internal/adapters/telegram"
	"fitness-lead-bot/internal/infra/config"
	"fitness-lead-bot/internal/infra/db"
	"fitness-lead-bot/internal/infra/log"
	"fitness-lead-bot/internal/infra/metrics"
	"fitness-lead-bot/internal/usecase/drip"
)

// Отдельный DRIP-сканер: разворачивайте либо его, либо встроенный
// воркер в cmd/bot, но не оба сразу.
func main() {
	cfg := config.Load()
	logger := log.ForComponent(log.NewLogger(cfg.AppEnv), "drip")

	if !cfg.Drip.Enabled {
		logger.Info().Msg("DRIP-рассылка выключена, выходим")
		return
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("drip: нет подключения к БД")
	}
	defer pool.Close()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("drip: не удалось создать клиента Bot API")
	}

	clock := clockwork.NewRealClock()
	service := drip.NewService(
		repo.NewPostgres(pool),
		telegram.NewSender(botAPI),
		content.NewStatic(content.Defaults()),
		cfg.DripThresholds(),
		clock,
		logger,
	)

	go metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	worker := drip.NewWorker(service, cfg.DripInterval(), clock, logger)
	worker.Run(ctx)
	logger.Info().Msg("сканер остановлен")
}
