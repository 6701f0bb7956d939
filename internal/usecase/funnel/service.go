// Package funnel реализует машину состояний воронки лидов.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/metrics"
	"fitness-lead-bot/internal/usecase/timers"
)

// TimerConfig задаёт задержки отложенных действий воронки.
type TimerConfig struct {
	CalculatedEnabled bool
	CalculatedDelay   time.Duration
	StalledDelay      time.Duration
	DelayedOfferDelay time.Duration
}

// Service применяет переходы статусов и управляет таймерами лида.
type Service struct {
	leads      domain.LeadRepo
	deliveries []domain.LeadDelivery
	registry   *timers.Registry
	timerCfg   TimerConfig
	clock      clockwork.Clock
	log        zerolog.Logger
}

// NewService создаёт сервис воронки. deliveries — каналы доставки снапшотов
// (вебхук, опционально AMQP); пустой список выключает доставку.
func NewService(
	leads domain.LeadRepo,
	deliveries []domain.LeadDelivery,
	registry *timers.Registry,
	timerCfg TimerConfig,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *Service {
	return &Service{
		leads:      leads,
		deliveries: deliveries,
		registry:   registry,
		timerCfg:   timerCfg,
		clock:      clock,
		log:        logger,
	}
}

// Register создаёт лида при первом контакте или освежает контактные поля.
func (s *Service) Register(ctx context.Context, profile domain.TelegramProfile) (domain.Lead, bool, error) {
	lead, created, err := s.leads.UpsertByTGID(ctx, profile)
	if err != nil {
		return domain.Lead{}, false, fmt.Errorf("регистрация лида: %w", err)
	}
	if created {
		metrics.FunnelTransitions.WithLabelValues(string(domain.StatusNew)).Inc()
		s.log.Info().Int64("user", lead.ID).Msg("новый лид вошёл в воронку")
	}
	return lead, created, nil
}

// Transition валидирует и применяет переход статуса: статус и счёт приоритета
// пишутся одним апдейтом. Возвращает предыдущий статус, чтобы вызывающая
// сторона могла понять, был ли лид горячим до перехода.
func (s *Service) Transition(ctx context.Context, leadID int64, rawStatus, priority string) (domain.FunnelStatus, domain.Lead, error) {
	status, err := domain.ParseFunnelStatus(rawStatus)
	if err != nil {
		return "", domain.Lead{}, err
	}

	before, err := s.leads.GetByTGID(ctx, leadID)
	if err != nil {
		return "", domain.Lead{}, err
	}

	updated, err := s.leads.UpdateStatus(ctx, leadID, status, priority, status.Score())
	if err != nil {
		return "", domain.Lead{}, err
	}

	metrics.FunnelTransitions.WithLabelValues(string(status)).Inc()
	s.log.Info().
		Int64("user", leadID).
		Str("from", string(before.FunnelStatus)).
		Str("to", string(status)).
		Int("score", status.Score()).
		Msg("переход воронки")
	return before.FunnelStatus, updated, nil
}

// MarkHotLead переводит лида в горячий статус и не более одного раза за всю
// жизнь лида доставляет уведомление о новом горячем лиде. Идемпотентность
// двойная: проверка прежнего статуса и compare-and-set по отметке
// hot_lead_notified_at.
func (s *Service) MarkHotLead(ctx context.Context, leadID int64, rawStatus, priority string) (domain.Lead, error) {
	prev, updated, err := s.Transition(ctx, leadID, rawStatus, priority)
	if err != nil {
		return domain.Lead{}, err
	}
	if !updated.FunnelStatus.IsHot() {
		return domain.Lead{}, domain.ErrInvalidStatus
	}

	s.registry.CancelAll(leadID)

	if prev.IsHot() {
		return updated, nil
	}

	first, err := s.leads.MarkHotLeadNotified(ctx, leadID, s.clock.Now())
	if err != nil {
		s.log.Error().Err(err).Int64("user", leadID).Msg("не удалось поставить отметку уведомления")
		return updated, nil
	}
	if !first {
		s.log.Debug().Int64("user", leadID).Msg("уведомление о горячем лиде уже отправлялось")
		return updated, nil
	}

	metrics.HotLeadNotifications.Inc()
	s.deliver(ctx, updated, domain.EventHotLead)
	return updated, nil
}

// Calculated фиксирует результат расчёта: анкета и КБЖУ сохраняются, статус
// становится calculated, отметка calculated_at ставится ровно один раз,
// запускается таймер «потерянного» лида.
func (s *Service) Calculated(ctx context.Context, leadID int64, fields domain.ProfileFields) (domain.Lead, error) {
	if _, err := s.leads.UpdateProfile(ctx, leadID, fields); err != nil {
		return domain.Lead{}, err
	}
	_, updated, err := s.Transition(ctx, leadID, string(domain.StatusCalculated), "")
	if err != nil {
		return domain.Lead{}, err
	}
	if err := s.leads.SetCalculatedAt(ctx, leadID, s.clock.Now()); err != nil {
		s.log.Error().Err(err).Int64("user", leadID).Msg("не удалось поставить отметку расчёта")
	}

	s.registry.Cancel(timers.PurposeStalled, leadID)
	if s.timerCfg.CalculatedEnabled {
		s.StartCalculatedTimer(leadID)
	}
	return updated, nil
}

// StartCalculatedTimer планирует доставку «потерянного» лида. Действие
// перечитывает лида перед отправкой: мир мог измениться между планированием
// и срабатыванием.
func (s *Service) StartCalculatedTimer(leadID int64) {
	s.registry.Start(timers.PurposeCalculated, leadID, s.timerCfg.CalculatedDelay, func(ctx context.Context) {
		lead, err := s.leads.GetByTGID(ctx, leadID)
		if errors.Is(err, domain.ErrLeadNotFound) {
			s.log.Info().Int64("user", leadID).Msg("лид исчез до срабатывания таймера")
			return
		}
		if err != nil {
			s.log.Error().Err(err).Int64("user", leadID).Msg("не удалось перечитать лида в таймере")
			return
		}
		if lead.FunnelStatus != domain.StatusCalculated {
			s.log.Debug().
				Int64("user", leadID).
				Str("status", string(lead.FunnelStatus)).
				Msg("лид продвинулся дальше, calculated-доставка не нужна")
			return
		}
		s.deliver(ctx, lead, domain.EventCalculatedLead)
	})
}

// StartStalledReminder планирует напоминание застрявшему в анкете лиду.
func (s *Service) StartStalledReminder(leadID int64, remind func(ctx context.Context)) {
	s.registry.Start(timers.PurposeStalled, leadID, s.timerCfg.StalledDelay, remind)
}

// ScheduleDelayedOffer планирует отложенный оффер после выдачи расчёта.
func (s *Service) ScheduleDelayedOffer(leadID int64, offer func(ctx context.Context)) {
	s.registry.Start(timers.PurposeDelayedOffer, leadID, s.timerCfg.DelayedOfferDelay, offer)
}

// ColdLead переводит лида в холодный статус и доставляет снапшот.
func (s *Service) ColdLead(ctx context.Context, leadID int64, delayed bool) (domain.Lead, error) {
	status := domain.StatusCold
	if delayed {
		status = domain.StatusColdDelayed
	}
	_, updated, err := s.Transition(ctx, leadID, string(status), "")
	if err != nil {
		return domain.Lead{}, err
	}
	s.registry.CancelAll(leadID)
	s.deliver(ctx, updated, domain.EventColdLead)
	return updated, nil
}

// TouchActivity отмечает активность лида: last_activity_at обновляется,
// прогресс DRIP-рассылки сбрасывается (внешний сброс этапа по спецификации).
func (s *Service) TouchActivity(ctx context.Context, leadID int64) {
	if err := s.leads.TouchActivity(ctx, leadID, s.clock.Now()); err != nil {
		s.log.Error().Err(err).Int64("user", leadID).Msg("не удалось отметить активность")
	}
}

func (s *Service) deliver(ctx context.Context, lead domain.Lead, event domain.LeadEvent) {
	snapshot := domain.NewLeadSnapshot(lead, event, s.clock.Now())
	for _, delivery := range s.deliveries {
		if !delivery.Send(ctx, snapshot) {
			s.log.Warn().
				Int64("user", lead.ID).
				Str("event", string(event)).
				Msg("канал доставки не подтвердил снапшот")
		}
	}
}
