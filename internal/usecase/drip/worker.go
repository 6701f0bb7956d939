package drip

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Worker периодически запускает сканирование.
//
// Предполагается не более одного живого процесса сканера: защита от
// двойной обработки обеспечивается только compare-and-set записью этапа.
type Worker struct {
	service  *Service
	interval time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
}

// NewWorker создаёт воркер.
func NewWorker(service *Service, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Worker {
	return &Worker{service: service, interval: interval, clock: clock, log: logger}
}

// Run крутит итерации до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().
		Dur("interval", w.interval).
		Int("stages", w.service.MaxStage()).
		Msg("DRIP: воркер запущен")

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("DRIP: воркер остановлен")
			return
		case <-ticker.Chan():
		}

		iteration++
		started := time.Now()
		w.log.Info().Int("iteration", iteration).Msg("DRIP: итерация начата")
		if err := w.service.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				w.log.Info().Msg("DRIP: воркер остановлен")
				return
			}
			w.log.Error().Err(err).Int("iteration", iteration).Msg("DRIP: итерация завершилась ошибкой")
			continue
		}
		w.log.Info().
			Int("iteration", iteration).
			Dur("duration", time.Since(started)).
			Msg("DRIP: итерация завершена")
	}
}
