package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/metrics"
)

const responseBodyLimit = 2048

// RetryBudgets задаёт число попыток доставки по типу события.
type RetryBudgets struct {
	Hot        int
	Calculated int
	Cold       int
}

// Health — процессные счётчики доставки; сбрасываются при рестарте.
type Health struct {
	Delivered     uint64    `json:"delivered"`
	Failed        uint64    `json:"failed"`
	LastError     string    `json:"last_error"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Client доставляет снапшоты лидов в n8n с ретраями и экспоненциальным бэкоффом.
type Client struct {
	url     string
	secret  string
	budgets RetryBudgets
	client  *http.Client
	log     zerolog.Logger

	// newBackOff подменяется в тестах, чтобы не ждать реальные интервалы.
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	health Health
}

var _ domain.LeadDelivery = (*Client)(nil)

// NewClient создаёт клиента. Пустой url выключает доставку.
func NewClient(url, secret string, budgets RetryBudgets, logger zerolog.Logger) *Client {
	return &Client{
		url:     url,
		secret:  secret,
		budgets: budgets,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.Multiplier = 2
			// Джиттер выключен: паузы между попытками строго возрастают.
			b.RandomizationFactor = 0
			return b
		},
	}
}

// budgetFor возвращает бюджет попыток для события: чем горячее лид, тем больше.
func (c *Client) budgetFor(event domain.LeadEvent) int {
	switch event {
	case domain.EventHotLead:
		return c.budgets.Hot
	case domain.EventCalculatedLead:
		return c.budgets.Calculated
	case domain.EventColdLead:
		return c.budgets.Cold
	default:
		return 1
	}
}

// Send реализует domain.LeadDelivery. true — доставка подтверждена эндпоинтом.
func (c *Client) Send(ctx context.Context, snapshot domain.LeadSnapshot) bool {
	if snapshot.DeliveryID == "" {
		snapshot.DeliveryID = uuid.NewString()
	}

	if err := snapshot.Validate(); err != nil {
		c.recordFailure(err)
		metrics.ObserveWebhookOutcome(snapshot.Event, false)
		c.log.Error().Err(err).
			Int64("user", snapshot.UserID).
			Str("event", snapshot.Event).
			Msg("webhook: снапшот не прошёл валидацию, доставка отменена")
		return false
	}

	if c.url == "" {
		c.log.Debug().
			Int64("user", snapshot.UserID).
			Str("event", snapshot.Event).
			Msg("webhook: эндпоинт не настроен, доставка пропущена")
		return true
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		c.recordFailure(err)
		metrics.ObserveWebhookOutcome(snapshot.Event, false)
		c.log.Error().Err(err).Int64("user", snapshot.UserID).Msg("webhook: не удалось сериализовать снапшот")
		return false
	}

	budget := c.budgetFor(domain.LeadEvent(snapshot.Event))
	if budget < 1 {
		budget = 1
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := c.post(ctx, payload, snapshot, attempt)
		metrics.ObserveWebhookAttempt(snapshot.Event, err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(budget-1)),
		ctx,
	)
	err = backoff.Retry(operation, policy)
	if err != nil {
		c.recordFailure(err)
		metrics.ObserveWebhookOutcome(snapshot.Event, false)
		c.log.Error().Err(err).
			Int64("user", snapshot.UserID).
			Str("event", snapshot.Event).
			Int("attempts", attempt).
			Msg("webhook: доставка не удалась")
		return false
	}

	c.recordSuccess()
	metrics.ObserveWebhookOutcome(snapshot.Event, true)
	return true
}

func (c *Client) post(ctx context.Context, payload []byte, snapshot domain.LeadSnapshot, attempt int) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("формирование запроса: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Webhook-Secret", c.secret)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ObserveNetworkRequest("n8n", "lead_delivery", "webhook", start, err)
	if err != nil {
		c.log.Warn().Err(err).
			Int64("user", snapshot.UserID).
			Str("event", snapshot.Event).
			Int("attempt", attempt).
			Msg("webhook: сетевой сбой попытки")
		return fmt.Errorf("попытка %d: %w", attempt, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	logEvent := c.log.Info()
	if resp.StatusCode >= 300 {
		logEvent = c.log.Warn()
	}
	logEvent.
		Int64("user", snapshot.UserID).
		Str("event", snapshot.Event).
		Int("attempt", attempt).
		Int("status", resp.StatusCode).
		Str("body", string(body)).
		Msg("webhook: попытка доставки")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Эндпоинт отверг сам payload: повторы бессмысленны.
		return backoff.Permanent(fmt.Errorf("эндпоинт отверг payload: %d: %s", resp.StatusCode, body))
	default:
		return fmt.Errorf("попытка %d: статус %d", attempt, resp.StatusCode)
	}
}

// SendHot доставляет горячий лид с направлением приоритета.
func (c *Client) SendHot(ctx context.Context, lead domain.Lead, now time.Time) bool {
	return c.Send(ctx, domain.NewLeadSnapshot(lead, domain.EventHotLead, now))
}

// SendCalculated доставляет «потерянный» лид после расчёта.
func (c *Client) SendCalculated(ctx context.Context, lead domain.Lead, now time.Time) bool {
	return c.Send(ctx, domain.NewLeadSnapshot(lead, domain.EventCalculatedLead, now))
}

// SendCold доставляет холодный лид.
func (c *Client) SendCold(ctx context.Context, lead domain.Lead, now time.Time) bool {
	return c.Send(ctx, domain.NewLeadSnapshot(lead, domain.EventColdLead, now))
}

// TestConnection проверяет доступность эндпоинта тестовым событием.
func (c *Client) TestConnection(ctx context.Context) bool {
	return c.Send(ctx, domain.NewLeadSnapshot(domain.Lead{}, domain.EventTest, time.Now()))
}

// HealthSnapshot возвращает срез процессных счётчиков доставки.
func (c *Client) HealthSnapshot() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.Delivered++
	c.health.LastAttemptAt = time.Now().UTC()
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.Failed++
	c.health.LastError = err.Error()
	c.health.LastAttemptAt = time.Now().UTC()
}
