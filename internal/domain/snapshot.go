package domain

import (
	"errors"
	"time"
)

// ErrInvalidSnapshot возвращается при неполном или некорректном снапшоте лида.
var ErrInvalidSnapshot = errors.New("некорректный снапшот лида")

// LeadEvent описывает тип события доставки лида во внешнюю автоматизацию.
type LeadEvent string

const (
	// EventHotLead — лид с явным намерением купить.
	EventHotLead LeadEvent = "hot_lead"
	// EventCalculatedLead — лид получил расчёт и не продолжил воронку.
	EventCalculatedLead LeadEvent = "calculated_lead"
	// EventColdLead — лид отказался от предложения.
	EventColdLead LeadEvent = "cold_lead"
	// EventTest — проверка соединения с эндпоинтом.
	EventTest LeadEvent = "test"
)

// KnownEvent проверяет принадлежность события закрытому множеству.
func KnownEvent(event LeadEvent) bool {
	switch event {
	case EventHotLead, EventCalculatedLead, EventColdLead, EventTest:
		return true
	}
	return false
}

// LeadSnapshot — исходящий payload вебхука. Набор полей фиксированный:
// отсутствующие числа сериализуются нулями, строки — пустыми значениями,
// чтобы схема оставалась обратно совместимой.
type LeadSnapshot struct {
	DeliveryID string `json:"delivery_id"`
	Event      string `json:"event"`

	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`

	Gender   string  `json:"gender"`
	Age      int     `json:"age"`
	Weight   float64 `json:"weight"`
	Height   int     `json:"height"`
	Activity string  `json:"activity"`
	Goal     string  `json:"goal"`

	Calories int `json:"calories"`
	Proteins int `json:"proteins"`
	Fats     int `json:"fats"`
	Carbs    int `json:"carbs"`

	FunnelStatus  string `json:"funnel_status"`
	Priority      string `json:"priority"`
	PriorityScore int    `json:"priority_score"`

	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	CalculatedAt string `json:"calculated_at"`

	Timestamp string `json:"timestamp"`
}

// NewLeadSnapshot собирает снапшот из записи лида на момент отправки.
func NewLeadSnapshot(lead Lead, event LeadEvent, now time.Time) LeadSnapshot {
	return LeadSnapshot{
		Event:         string(event),
		UserID:        lead.ID,
		Username:      lead.Username,
		FirstName:     lead.FirstName,
		Gender:        lead.Gender,
		Age:           lead.Age,
		Weight:        lead.Weight,
		Height:        lead.Height,
		Activity:      lead.Activity,
		Goal:          lead.Goal,
		Calories:      lead.Calories,
		Proteins:      lead.Proteins,
		Fats:          lead.Fats,
		Carbs:         lead.Carbs,
		FunnelStatus:  string(lead.FunnelStatus),
		Priority:      lead.Priority,
		PriorityScore: lead.PriorityScore,
		CreatedAt:     formatTimestamp(&lead.CreatedAt),
		UpdatedAt:     formatTimestamp(&lead.UpdatedAt),
		CalculatedAt:  formatTimestamp(lead.CalculatedAt),
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}

// Validate проверяет снапшот перед любым сетевым вызовом.
func (s LeadSnapshot) Validate() error {
	if !KnownEvent(LeadEvent(s.Event)) {
		return ErrInvalidSnapshot
	}
	if s.Event != string(EventTest) && s.UserID == 0 {
		return ErrInvalidSnapshot
	}
	if s.Timestamp == "" {
		return ErrInvalidSnapshot
	}
	return nil
}

func formatTimestamp(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
