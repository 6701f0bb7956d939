// Package drip реализует фоновую рассылку сообщений по неактивности.
package drip

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/metrics"
)

// Service выполняет одну итерацию сканирования кандидатов.
//
// Инварианты: этап лида продвигается не более чем на единицу за итерацию
// и только после подтверждённой отправки; запись в хранилище — compare-and-set,
// проигрыш гонки логируется и не считается ошибкой.
type Service struct {
	leads      domain.LeadRepo
	sender     domain.MessageSender
	content    domain.ContentResolver
	thresholds []time.Duration
	clock      clockwork.Clock
	log        zerolog.Logger
}

// NewService создаёт сканер. thresholds[i] — порог неактивности для этапа i+1,
// значения строго возрастают (валидируется конфигом).
func NewService(
	leads domain.LeadRepo,
	sender domain.MessageSender,
	content domain.ContentResolver,
	thresholds []time.Duration,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *Service {
	return &Service{
		leads:      leads,
		sender:     sender,
		content:    content,
		thresholds: thresholds,
		clock:      clock,
		log:        logger,
	}
}

// MaxStage возвращает терминальный этап рассылки.
func (s *Service) MaxStage() int {
	return len(s.thresholds)
}

// Размер страницы выборки кандидатов.
const candidateBatch = 100

// RunOnce обрабатывает всех кандидатов одной итерацией, постранично по
// курсору tg_id. Отмена контекста наблюдается между кандидатами: текущий
// лид дорабатывается.
func (s *Service) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.DripScanSeconds.Observe(time.Since(start).Seconds())
	}()

	var cursor int64
	total := 0
	for {
		candidates, err := s.leads.ListDripCandidates(ctx, cursor, candidateBatch, s.MaxStage())
		if err != nil {
			return fmt.Errorf("выборка кандидатов: %w", err)
		}
		if len(candidates) == 0 {
			break
		}
		total += len(candidates)

		for _, candidate := range candidates {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			s.processCandidate(ctx, candidate)
		}
		cursor = candidates[len(candidates)-1].ID
		if len(candidates) < candidateBatch {
			break
		}
	}

	s.log.Info().Int("count", total).Msg("DRIP: итерация завершена")
	return nil
}

// processCandidate выносит вердикт по одному лиду. Паника в обработке
// одного лида не прерывает остальных в той же итерации.
func (s *Service) processCandidate(ctx context.Context, lead domain.Lead) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().
				Int64("user", lead.ID).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("DRIP: паника при обработке кандидата")
		}
	}()

	status := lead.FunnelStatus
	if status.IsHot() {
		s.verdict(lead.ID, "skip-hotlead", func(e *zerolog.Event) {
			e.Str("status", string(status))
		})
		return
	}
	if !status.DripEligible() {
		s.verdict(lead.ID, "skip-status-not-eligible", func(e *zerolog.Event) {
			e.Str("status", string(status))
		})
		return
	}

	currentStage := lead.DripStage
	if currentStage < 0 {
		currentStage = 0
	}
	targetStage := currentStage + 1
	if targetStage > s.MaxStage() {
		s.verdict(lead.ID, "done-terminal-stage", func(e *zerolog.Event) {
			e.Int("stage", currentStage)
		})
		return
	}

	reference, source, ok := lead.ActivityReference()
	if !ok {
		s.verdict(lead.ID, "skip-no-activity-reference", func(e *zerolog.Event) {
			e.Str("status", string(status))
		})
		return
	}

	now := s.clock.Now()
	if reference.After(now) {
		// Сдвиг часов: опорное время в будущем, решение откладывается.
		s.verdict(lead.ID, "skip-future-activity-reference", func(e *zerolog.Event) {
			e.Time("reference", reference).Str("source", source)
		})
		return
	}

	elapsed := now.Sub(reference)
	threshold := s.thresholds[targetStage-1]
	if elapsed < threshold {
		s.verdict(lead.ID, "skip-no-threshold", func(e *zerolog.Event) {
			e.Float64("minutes", elapsed.Minutes()).
				Float64("needed_minutes", threshold.Minutes()).
				Str("source", source).
				Str("status", string(status))
		})
		return
	}

	content, found := s.resolveContent(targetStage, status, lead.Gender)
	if !found {
		s.verdict(lead.ID, "skip-template-not-found", func(e *zerolog.Event) {
			e.Int("stage", targetStage).Str("status", string(status))
		})
		return
	}

	if err := s.sender.Send(ctx, lead.ID, content); err != nil {
		metrics.DripSendErrors.Inc()
		s.verdict(lead.ID, "send-fail", func(e *zerolog.Event) {
			e.Err(err).Int("stage", targetStage)
		})
		return
	}

	advanced, err := s.leads.AdvanceDripStage(ctx, lead.ID, currentStage, targetStage)
	if err != nil {
		s.log.Error().Err(err).
			Int64("user", lead.ID).
			Int("from", currentStage).
			Int("target", targetStage).
			Msg("DRIP: ошибка продвижения этапа")
		return
	}
	if !advanced {
		// Конкурентная запись (например, ручной сброс) изменила этап между
		// чтением и записью: фиксируем дрейф и не считаем его ошибкой.
		s.verdict(lead.ID, "stage-drift", func(e *zerolog.Event) {
			e.Int("from", currentStage).Int("target", targetStage)
		})
		return
	}

	s.verdict(lead.ID, "send-ok", func(e *zerolog.Event) {
		e.Int("stage", targetStage).
			Float64("minutes", elapsed.Minutes()).
			Str("source", source).
			Str("text", content.Key).
			Str("status", string(status))
	})
}

// resolveContent идёт по fallback-цепочке ключей:
// drip.<status>.<gender>.stage_N -> drip.<status>.stage_N -> drip.any.stage_N.
func (s *Service) resolveContent(stage int, status domain.FunnelStatus, gender string) (domain.Content, bool) {
	keys := make([]string, 0, 3)
	if gender != "" {
		keys = append(keys, fmt.Sprintf("drip.%s.%s.stage_%d", status, gender, stage))
	}
	keys = append(keys,
		fmt.Sprintf("drip.%s.stage_%d", status, stage),
		fmt.Sprintf("drip.any.stage_%d", stage),
	)
	for _, key := range keys {
		content, err := s.content.Resolve(key)
		if err == nil {
			return content, true
		}
	}
	return domain.Content{}, false
}

func (s *Service) verdict(leadID int64, verdict string, fill func(e *zerolog.Event)) {
	metrics.IncDripVerdict(verdict)
	event := s.log.Info().Int64("user", leadID).Str("verdict", verdict)
	if fill != nil {
		fill(event)
	}
	event.Msg("DRIP: вердикт")
}
