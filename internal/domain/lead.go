package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrLeadNotFound возвращается, если лид отсутствует в хранилище.
var ErrLeadNotFound = errors.New("лид не найден")

// ErrInvalidStatus возвращается при неизвестном статусе воронки.
var ErrInvalidStatus = errors.New("неизвестный статус воронки")

// FunnelStatus описывает закрытое множество статусов воронки лидов.
type FunnelStatus string

const (
	// StatusNew — лид только начал воронку.
	StatusNew FunnelStatus = "new"
	// StatusCalculated — лид получил расчёт КБЖУ.
	StatusCalculated FunnelStatus = "calculated"
	// StatusHotConsultation — лид записался на диагностику.
	StatusHotConsultation FunnelStatus = "hotlead_consultation"
	// StatusHotNutrition — горячий лид с приоритетом «питание».
	StatusHotNutrition FunnelStatus = "hotlead_nutrition"
	// StatusHotTraining — горячий лид с приоритетом «тренировки».
	StatusHotTraining FunnelStatus = "hotlead_training"
	// StatusHotSchedule — горячий лид с приоритетом «режим».
	StatusHotSchedule FunnelStatus = "hotlead_schedule"
	// StatusCold — лид отказался после расчёта.
	StatusCold FunnelStatus = "coldlead"
	// StatusColdDelayed — лид отказался от отложенного оффера.
	StatusColdDelayed FunnelStatus = "coldlead_delayed"
)

const hotPrefix = "hotlead_"

// priorityScores задаёт числовой приоритет для каждого статуса.
// Таблица полная: ParseFunnelStatus не пропускает статусы вне неё.
var priorityScores = map[FunnelStatus]int{
	StatusNew:             0,
	StatusCalculated:      10,
	StatusCold:            20,
	StatusColdDelayed:     30,
	StatusHotNutrition:    80,
	StatusHotTraining:     80,
	StatusHotSchedule:     80,
	StatusHotConsultation: 100,
}

// ParseFunnelStatus нормализует строку и проверяет принадлежность закрытому множеству.
func ParseFunnelStatus(raw string) (FunnelStatus, error) {
	status := FunnelStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := priorityScores[status]; !ok {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// Score возвращает приоритет статуса из таблицы.
func (s FunnelStatus) Score() int {
	return priorityScores[s]
}

// IsHot сообщает, относится ли статус к семейству горячих лидов.
func (s FunnelStatus) IsHot() bool {
	return strings.HasPrefix(string(s), hotPrefix)
}

// DripEligible сообщает, участвует ли лид с таким статусом в DRIP-рассылке.
func (s FunnelStatus) DripEligible() bool {
	return s == StatusNew || s == StatusCalculated
}

// DripEligibleStatuses перечисляет статусы, по которым сканер отбирает кандидатов.
func DripEligibleStatuses() []FunnelStatus {
	return []FunnelStatus{StatusNew, StatusCalculated}
}

// Lead описывает пользователя, проходящего воронку.
type Lead struct {
	ID        int64
	Username  string
	FirstName string

	Gender   string
	Age      int
	Weight   float64
	Height   int
	Activity string
	Goal     string

	Calories int
	Proteins int
	Fats     int
	Carbs    int

	FunnelStatus  FunnelStatus
	Priority      string
	PriorityScore int
	DripStage     int

	LastActivityAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CalculatedAt      *time.Time
	HotLeadNotifiedAt *time.Time
}

// ActivityReference возвращает опорное время активности лида:
// первый непустой из last_activity_at, updated_at, created_at.
func (l Lead) ActivityReference() (time.Time, string, bool) {
	if l.LastActivityAt != nil {
		return *l.LastActivityAt, "last_activity_at", true
	}
	if !l.UpdatedAt.IsZero() {
		return l.UpdatedAt, "updated_at", true
	}
	if !l.CreatedAt.IsZero() {
		return l.CreatedAt, "created_at", true
	}
	return time.Time{}, "", false
}
