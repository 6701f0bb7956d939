// Package timers реализует реестр отложенных действий по лидам.
//
// Таймеры живут только в памяти процесса: рестарт теряет все ожидающие
// действия. Это осознанное ограничение — восстановление таймеров после
// рестарта не требуется, просроченные лиды подберёт DRIP-сканер.
package timers

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/infra/metrics"
)

// Purpose различает назначения таймеров одного лида.
type Purpose string

const (
	// PurposeCalculated — отправка «потерянного» лида после расчёта.
	PurposeCalculated Purpose = "calculated"
	// PurposeStalled — напоминание застрявшему в анкете лиду.
	PurposeStalled Purpose = "stalled"
	// PurposeDelayedOffer — отложенный оффер после выдачи расчёта.
	PurposeDelayedOffer Purpose = "delayed_offer"
)

func allPurposes() []Purpose {
	return []Purpose{PurposeCalculated, PurposeStalled, PurposeDelayedOffer}
}

type timerKey struct {
	purpose Purpose
	leadID  int64
}

type pendingTimer struct {
	timer clockwork.Timer
	gen   uint64
}

// Registry гарантирует не более одного ожидающего действия на пару
// (лид, назначение): повторный Start отменяет предыдущий таймер.
type Registry struct {
	clock clockwork.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[timerKey]pendingTimer
	gen     uint64
}

// NewRegistry создаёт реестр.
func NewRegistry(clock clockwork.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		clock:   clock,
		log:     logger,
		pending: make(map[timerKey]pendingTimer),
	}
}

// Start планирует действие через delay, отменив предыдущий таймер этой пары.
// Возвращает управление сразу; действие выполнится в отдельной горутине.
func (r *Registry) Start(purpose Purpose, leadID int64, delay time.Duration, action func(context.Context)) {
	key := timerKey{purpose: purpose, leadID: leadID}

	r.mu.Lock()
	if existing, ok := r.pending[key]; ok {
		existing.timer.Stop()
		delete(r.pending, key)
	}
	r.gen++
	gen := r.gen
	timer := r.clock.AfterFunc(delay, func() {
		r.fire(key, gen, action)
	})
	r.pending[key] = pendingTimer{timer: timer, gen: gen}
	size := len(r.pending)
	r.mu.Unlock()

	metrics.TimersPending.Set(float64(size))
	r.log.Debug().
		Str("purpose", string(purpose)).
		Int64("user", leadID).
		Dur("delay", delay).
		Msg("таймер запущен")
}

// Cancel отменяет ожидающий таймер пары; без таймера — no-op.
func (r *Registry) Cancel(purpose Purpose, leadID int64) {
	key := timerKey{purpose: purpose, leadID: leadID}

	r.mu.Lock()
	existing, ok := r.pending[key]
	if ok {
		existing.timer.Stop()
		delete(r.pending, key)
	}
	size := len(r.pending)
	r.mu.Unlock()

	if ok {
		metrics.TimersPending.Set(float64(size))
		r.log.Debug().
			Str("purpose", string(purpose)).
			Int64("user", leadID).
			Msg("таймер отменён")
	}
}

// CancelAll отменяет таймеры лида по всем назначениям.
func (r *Registry) CancelAll(leadID int64) {
	for _, purpose := range allPurposes() {
		r.Cancel(purpose, leadID)
	}
}

// Shutdown отменяет все ожидающие таймеры. Невыстрелившие действия
// теряются, их подберёт DRIP-сканер.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	dropped := len(r.pending)
	for key, existing := range r.pending {
		existing.timer.Stop()
		delete(r.pending, key)
	}
	r.mu.Unlock()

	metrics.TimersPending.Set(0)
	if dropped > 0 {
		r.log.Info().Int("dropped", dropped).Msg("реестр таймеров остановлен")
	}
}

// IsPending сообщает, ждёт ли таймер пары своего срабатывания.
func (r *Registry) IsPending(purpose Purpose, leadID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[timerKey{purpose: purpose, leadID: leadID}]
	return ok
}

// Len возвращает число ожидающих таймеров.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// fire выполняет действие, если таймер к этому моменту не заменён и не отменён.
func (r *Registry) fire(key timerKey, gen uint64, action func(context.Context)) {
	r.mu.Lock()
	existing, ok := r.pending[key]
	if !ok || existing.gen != gen {
		// Stop не успел перехватить срабатывание — действие уже неактуально.
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	size := len(r.pending)
	r.mu.Unlock()

	metrics.TimersPending.Set(float64(size))

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("purpose", string(key.purpose)).
				Int64("user", key.leadID).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("паника в действии таймера")
		}
	}()
	action(context.Background())
}
