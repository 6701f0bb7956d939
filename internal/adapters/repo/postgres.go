package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/metrics"
)

// Postgres реализует domain.LeadRepo на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.LeadRepo = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const leadColumns = `
tg_id, coalesce(username, ''), coalesce(first_name, ''),
coalesce(gender, ''), coalesce(age, 0), coalesce(weight, 0), coalesce(height, 0),
coalesce(activity, ''), coalesce(goal, ''),
coalesce(calories, 0), coalesce(proteins, 0), coalesce(fats, 0), coalesce(carbs, 0),
coalesce(funnel_status, 'new'), coalesce(priority, ''), coalesce(priority_score, 0),
coalesce(drip_stage, 0),
last_activity_at, created_at, updated_at, calculated_at, hot_lead_notified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner, extra ...any) (domain.Lead, error) {
	var (
		lead           domain.Lead
		status         string
		lastActivityAt sql.NullTime
		calculatedAt   sql.NullTime
		notifiedAt     sql.NullTime
	)
	dest := []any{
		&lead.ID, &lead.Username, &lead.FirstName,
		&lead.Gender, &lead.Age, &lead.Weight, &lead.Height,
		&lead.Activity, &lead.Goal,
		&lead.Calories, &lead.Proteins, &lead.Fats, &lead.Carbs,
		&status, &lead.Priority, &lead.PriorityScore,
		&lead.DripStage,
		&lastActivityAt, &lead.CreatedAt, &lead.UpdatedAt, &calculatedAt, &notifiedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Lead{}, err
	}
	lead.FunnelStatus = domain.FunnelStatus(strings.ToLower(status))
	if lastActivityAt.Valid {
		t := lastActivityAt.Time
		lead.LastActivityAt = &t
	}
	if calculatedAt.Valid {
		t := calculatedAt.Time
		lead.CalculatedAt = &t
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		lead.HotLeadNotifiedAt = &t
	}
	return lead, nil
}

// UpsertByTGID реализует domain.LeadRepo.
func (p *Postgres) UpsertByTGID(ctx context.Context, profile domain.TelegramProfile) (domain.Lead, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	username := strings.TrimSpace(profile.Username)
	firstName := strings.TrimSpace(profile.FirstName)

	start := time.Now()
	// xmax = 0 у записей, созданных текущим стейтментом.
	row := p.pool.QueryRow(ctx, `
INSERT INTO leads (tg_id, username, first_name, funnel_status, priority_score, created_at, updated_at)
VALUES ($1, nullif($2, ''), nullif($3, ''), 'new', 0, now(), now())
ON CONFLICT (tg_id) DO UPDATE SET
    username   = coalesce(nullif(excluded.username, ''), leads.username),
    first_name = coalesce(nullif(excluded.first_name, ''), leads.first_name),
    updated_at = now()
RETURNING `+leadColumns+`, (xmax = 0)
`, profile.TGID, username, firstName)

	var created bool
	lead, err := scanLead(row, &created)
	metrics.ObserveNetworkRequest("postgres", "lead_upsert", "leads", start, err)
	if err != nil {
		return domain.Lead{}, false, fmt.Errorf("upsert лида: %w", err)
	}
	return lead, created, nil
}

// GetByTGID реализует domain.LeadRepo.
func (p *Postgres) GetByTGID(ctx context.Context, tgID int64) (domain.Lead, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE tg_id = $1`, tgID)
	lead, err := scanLead(row)
	metrics.ObserveNetworkRequest("postgres", "lead_get", "leads", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, domain.ErrLeadNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("получение лида: %w", err)
	}
	return lead, nil
}

// UpdateStatus реализует domain.LeadRepo: статус, приоритет и счёт пишутся одним апдейтом.
func (p *Postgres) UpdateStatus(ctx context.Context, tgID int64, status domain.FunnelStatus, priority string, score int) (domain.Lead, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
UPDATE leads SET
    funnel_status  = $2,
    priority       = coalesce(nullif($3, ''), priority),
    priority_score = $4,
    updated_at     = now()
WHERE tg_id = $1
RETURNING `+leadColumns, tgID, string(status), priority, score)
	lead, err := scanLead(row)
	metrics.ObserveNetworkRequest("postgres", "lead_update_status", "leads", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, domain.ErrLeadNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("обновление статуса: %w", err)
	}
	return lead, nil
}

// UpdateProfile реализует domain.LeadRepo.
func (p *Postgres) UpdateProfile(ctx context.Context, tgID int64, fields domain.ProfileFields) (domain.Lead, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	set := make([]string, 0, 11)
	args := make([]any, 0, 12)
	args = append(args, tgID)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.Gender != nil {
		add("gender", *fields.Gender)
	}
	if fields.Age != nil {
		add("age", *fields.Age)
	}
	if fields.Weight != nil {
		add("weight", *fields.Weight)
	}
	if fields.Height != nil {
		add("height", *fields.Height)
	}
	if fields.Activity != nil {
		add("activity", *fields.Activity)
	}
	if fields.Goal != nil {
		add("goal", *fields.Goal)
	}
	if fields.Calories != nil {
		add("calories", *fields.Calories)
	}
	if fields.Proteins != nil {
		add("proteins", *fields.Proteins)
	}
	if fields.Fats != nil {
		add("fats", *fields.Fats)
	}
	if fields.Carbs != nil {
		add("carbs", *fields.Carbs)
	}
	if len(set) == 0 {
		return p.GetByTGID(ctx, tgID)
	}
	set = append(set, "updated_at = now()")

	start := time.Now()
	row := p.pool.QueryRow(ctx,
		`UPDATE leads SET `+strings.Join(set, ", ")+` WHERE tg_id = $1 RETURNING `+leadColumns,
		args...)
	lead, err := scanLead(row)
	metrics.ObserveNetworkRequest("postgres", "lead_update_profile", "leads", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, domain.ErrLeadNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("обновление анкеты: %w", err)
	}
	return lead, nil
}

// SetCalculatedAt реализует domain.LeadRepo: отметка ставится ровно один раз.
func (p *Postgres) SetCalculatedAt(ctx context.Context, tgID int64, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE leads SET calculated_at = $2, updated_at = now()
WHERE tg_id = $1 AND calculated_at IS NULL
`, tgID, at.UTC())
	metrics.ObserveNetworkRequest("postgres", "lead_set_calculated", "leads", start, err)
	if err != nil {
		return fmt.Errorf("отметка расчёта: %w", err)
	}
	return nil
}

// MarkHotLeadNotified реализует domain.LeadRepo: compare-and-set по пустой отметке.
func (p *Postgres) MarkHotLeadNotified(ctx context.Context, tgID int64, at time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE leads SET hot_lead_notified_at = $2
WHERE tg_id = $1 AND hot_lead_notified_at IS NULL
`, tgID, at.UTC())
	metrics.ObserveNetworkRequest("postgres", "lead_mark_notified", "leads", start, err)
	if err != nil {
		return false, fmt.Errorf("отметка уведомления: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchActivity реализует domain.LeadRepo: активность сбрасывает прогресс рассылки.
func (p *Postgres) TouchActivity(ctx context.Context, tgID int64, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE leads SET last_activity_at = $2, drip_stage = 0, updated_at = now()
WHERE tg_id = $1
`, tgID, at.UTC())
	metrics.ObserveNetworkRequest("postgres", "lead_touch_activity", "leads", start, err)
	if err != nil {
		return fmt.Errorf("обновление активности: %w", err)
	}
	return nil
}

// AdvanceDripStage реализует domain.LeadRepo.
// Нарочно не трогает updated_at: продвижение этапа — не активность лида.
func (p *Postgres) AdvanceDripStage(ctx context.Context, tgID int64, fromStage, toStage int) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE leads SET drip_stage = $3
WHERE tg_id = $1 AND coalesce(drip_stage, 0) = $2
`, tgID, fromStage, toStage)
	metrics.ObserveNetworkRequest("postgres", "lead_advance_stage", "leads", start, err)
	if err != nil {
		return false, fmt.Errorf("продвижение этапа: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDripCandidates реализует domain.LeadRepo: страница стабильного порядка
// по tg_id, курсор — последний tg_id предыдущей страницы.
func (p *Postgres) ListDripCandidates(ctx context.Context, afterID int64, limit, maxStage int) ([]domain.Lead, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	eligible := domain.DripEligibleStatuses()
	statuses := make([]string, 0, len(eligible))
	for _, status := range eligible {
		statuses = append(statuses, string(status))
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+leadColumns+`
FROM leads
WHERE tg_id > $1
  AND lower(coalesce(funnel_status, '')) = ANY($2)
  AND coalesce(drip_stage, 0) < $3
ORDER BY tg_id
LIMIT $4
`, afterID, statuses, maxStage, limit)
	metrics.ObserveNetworkRequest("postgres", "drip_candidates", "leads", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка кандидатов: %w", err)
	}
	defer rows.Close()

	var leads []domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("чтение кандидата: %w", err)
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// ListHotLeads реализует domain.LeadRepo.
func (p *Postgres) ListHotLeads(ctx context.Context) ([]domain.Lead, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+leadColumns+`
FROM leads
WHERE funnel_status LIKE 'hotlead%'
ORDER BY priority_score DESC, updated_at DESC
`)
	metrics.ObserveNetworkRequest("postgres", "hot_leads", "leads", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка горячих лидов: %w", err)
	}
	defer rows.Close()

	var leads []domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("чтение горячего лида: %w", err)
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}
