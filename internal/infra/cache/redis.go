package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fitness-lead-bot/internal/domain"
)

// RateLimiter реализует domain.Limiter через Redis.
// Фиксированное окно: INCR по ключу пользователя с TTL окна.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

var _ domain.Limiter = (*RateLimiter)(nil)

// NewRateLimiter создаёт лимитер.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow возвращает false, если лимит запросов в окне исчерпан.
func (l *RateLimiter) Allow(ctx context.Context, tgID int64) (bool, error) {
	key := fmt.Sprintf("rl:user:%d", tgID)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(l.limit), nil
}

// Noop пропускает все запросы; используется, когда Redis не настроен.
type Noop struct{}

// Allow реализует domain.Limiter.
func (Noop) Allow(context.Context, int64) (bool, error) { return true, nil }
