package domain

import (
	"context"
	"errors"
	"time"
)

// ErrContentNotFound возвращается, если по ключу нет контента.
var ErrContentNotFound = errors.New("контент не найден")

// TelegramProfile содержит данные пользователя из апдейта Telegram.
type TelegramProfile struct {
	TGID      int64
	Username  string
	FirstName string
}

// LeadRepo управляет записями лидов.
type LeadRepo interface {
	// UpsertByTGID создаёт лида со статусом new или обновляет контактные поля.
	// Второй результат — признак того, что лид был создан этим вызовом.
	UpsertByTGID(ctx context.Context, profile TelegramProfile) (Lead, bool, error)
	GetByTGID(ctx context.Context, tgID int64) (Lead, error)
	// UpdateStatus атомарно пишет статус, приоритет и счёт одним апдейтом.
	UpdateStatus(ctx context.Context, tgID int64, status FunnelStatus, priority string, score int) (Lead, error)
	// UpdateProfile сохраняет анкетные поля и результат расчёта.
	UpdateProfile(ctx context.Context, tgID int64, fields ProfileFields) (Lead, error)
	// SetCalculatedAt проставляет отметку расчёта только один раз.
	SetCalculatedAt(ctx context.Context, tgID int64, at time.Time) error
	// MarkHotLeadNotified помечает лида уведомлённым; false — отметка уже стояла.
	MarkHotLeadNotified(ctx context.Context, tgID int64, at time.Time) (bool, error)
	// TouchActivity обновляет last_activity_at и сбрасывает прогресс DRIP-рассылки.
	TouchActivity(ctx context.Context, tgID int64, at time.Time) error
	// AdvanceDripStage выполняет compare-and-set: false — этап уже изменён конкурентно.
	AdvanceDripStage(ctx context.Context, tgID int64, fromStage, toStage int) (bool, error)
	// ListDripCandidates отбирает страницу лидов для сканера: подходящий статус,
	// этап меньше максимального, tg_id больше курсора, порядок по tg_id.
	ListDripCandidates(ctx context.Context, afterID int64, limit, maxStage int) ([]Lead, error)
	// ListHotLeads возвращает горячих лидов по убыванию приоритета.
	ListHotLeads(ctx context.Context) ([]Lead, error)
}

// ProfileFields перечисляет изменяемые анкетные поля лида.
// Нулевые указатели означают «не трогать».
type ProfileFields struct {
	Gender   *string
	Age      *int
	Weight   *float64
	Height   *int
	Activity *string
	Goal     *string
	Calories *int
	Proteins *int
	Fats     *int
	Carbs    *int
}

// MessageSender отправляет сообщение лиду через чат-платформу.
type MessageSender interface {
	Send(ctx context.Context, tgID int64, content Content) error
}

// Content — разрешённый контент одного сообщения рассылки.
type Content struct {
	Key        string
	Text       string
	ButtonText string
	ButtonURL  string
}

// ContentResolver возвращает контент по ключу шаблона.
// Порядок fallback-цепочки определяет вызывающая сторона.
type ContentResolver interface {
	Resolve(key string) (Content, error)
}

// LeadDelivery доставляет снапшот лида во внешнюю автоматизацию.
type LeadDelivery interface {
	Send(ctx context.Context, snapshot LeadSnapshot) bool
}

// Limiter ограничивает частоту действий пользователя.
type Limiter interface {
	Allow(ctx context.Context, tgID int64) (bool, error)
}
