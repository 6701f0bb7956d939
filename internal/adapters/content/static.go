package content

import (
	"strings"
	"sync"

	"fitness-lead-bot/internal/domain"
)

// Static реализует domain.ContentResolver поверх карты в памяти.
// Хранилище шаблонов — внешний компонент; адаптер лишь отдаёт
// загруженный набор по точному ключу.
type Static struct {
	mu    sync.RWMutex
	items map[string]domain.Content
}

var _ domain.ContentResolver = (*Static)(nil)

// NewStatic создаёт резолвер с предзагруженным набором.
func NewStatic(items map[string]domain.Content) *Static {
	store := make(map[string]domain.Content, len(items))
	for key, item := range items {
		item.Key = key
		store[normalizeKey(key)] = item
	}
	return &Static{items: store}
}

// Resolve возвращает контент по ключу.
func (s *Static) Resolve(key string) (domain.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[normalizeKey(key)]
	if !ok {
		return domain.Content{}, domain.ErrContentNotFound
	}
	return item, nil
}

// Put добавляет или заменяет контент (используется админской загрузкой).
func (s *Static) Put(key string, item domain.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.Key = key
	s.items[normalizeKey(key)] = item
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Defaults возвращает стартовый набор шаблонов DRIP-рассылки. Продовый
// набор загружается админской панелью поверх этих значений.
func Defaults() map[string]domain.Content {
	return map[string]domain.Content{
		"drip.any.stage_1": {
			Text: "Вы начали расчёт КБЖУ, но не закончили. Вернитесь — это займёт минуту!",
		},
		"drip.any.stage_2": {
			Text: "Последнее напоминание: ваш персональный расчёт КБЖУ всё ещё ждёт вас.",
		},
		"drip.calculated.stage_1": {
			Text: "Ваш расчёт готов, а цель — нет 😉 Хотите план питания под ваши цифры?",
		},
		"drip.calculated.stage_2": {
			Text: "Напоминаем: с готовым расчётом КБЖУ до цели один шаг — персональная программа.",
		},
	}
}
