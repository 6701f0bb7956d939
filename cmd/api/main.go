package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitness-lead-bot/internal/adapters/n8n"
	"fitness-lead-bot/internal/adapters/repo"
	"fitness-lead-bot/internal/infra/config"
	"fitness-lead-bot/internal/infra/db"
	httpinfra "fitness-lead-bot/internal/infra/http"
	"fitness-lead-bot/internal/infra/log"
	"fitness-lead-bot/internal/infra/metrics"
)

type hotLeadItem struct {
	TGID          int64  `json:"tg_id"`
	Username      string `json:"username"`
	FirstName     string `json:"first_name"`
	FunnelStatus  string `json:"funnel_status"`
	Priority      string `json:"priority"`
	PriorityScore int    `json:"priority_score"`
	Goal          string `json:"goal"`
	Calories      int    `json:"calories"`
	UpdatedAt     string `json:"updated_at"`
}

func main() {
	cfg := config.Load()
	logger := log.ForComponent(log.NewLogger(cfg.AppEnv), "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	leads := repo.NewPostgres(pool)
	webhook := n8n.NewClient(cfg.Webhook.URL, cfg.Webhook.Secret, n8n.RetryBudgets{
		Hot:        cfg.Webhook.RetryHot,
		Calculated: cfg.Webhook.RetryCalculated,
		Cold:       cfg.Webhook.RetryCold,
	}, log.ForComponent(logger, "n8n"))

	server := httpinfra.NewServer(logger)

	server.Router.Get("/api/v1/leads/hot", func(w http.ResponseWriter, r *http.Request) {
		list, err := leads.ListHotLeads(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("не удалось получить горячих лидов")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		items := make([]hotLeadItem, 0, len(list))
		for _, lead := range list {
			items = append(items, hotLeadItem{
				TGID:          lead.ID,
				Username:      lead.Username,
				FirstName:     lead.FirstName,
				FunnelStatus:  string(lead.FunnelStatus),
				Priority:      lead.Priority,
				PriorityScore: lead.PriorityScore,
				Goal:          lead.Goal,
				Calories:      lead.Calories,
				UpdatedAt:     lead.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, map[string]any{"leads": items, "count": len(items)})
	})

	server.Router.Get("/api/v1/webhook/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, webhook.HealthSnapshot())
	})

	server.Router.Post("/api/v1/webhook/test", func(w http.ResponseWriter, r *http.Request) {
		ok := webhook.TestConnection(r.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusBadGateway
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]bool{"delivered": ok})
	})

	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("админ-API запущен")
		if err := server.Start(cfg.APIAddr); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка админ-API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
