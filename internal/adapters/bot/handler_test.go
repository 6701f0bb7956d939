package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/cache"
	"fitness-lead-bot/internal/usecase/funnel"
	"fitness-lead-bot/internal/usecase/timers"
)

type fakeBot struct {
	mu    sync.Mutex
	texts []string
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.texts = append(b.texts, msg.Text)
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) lastText(t *testing.T) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.texts) == 0 {
		t.Fatal("бот ничего не отправил")
	}
	return b.texts[len(b.texts)-1]
}

type memRepo struct {
	mu    sync.Mutex
	leads map[int64]domain.Lead
}

func newMemRepo() *memRepo {
	return &memRepo{leads: map[int64]domain.Lead{}}
}

func (r *memRepo) UpsertByTGID(_ context.Context, p domain.TelegramProfile) (domain.Lead, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lead, ok := r.leads[p.TGID]; ok {
		return lead, false, nil
	}
	lead := domain.Lead{ID: p.TGID, Username: p.Username, FirstName: p.FirstName, FunnelStatus: domain.StatusNew}
	r.leads[p.TGID] = lead
	return lead, true, nil
}

func (r *memRepo) GetByTGID(_ context.Context, tgID int64) (domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[tgID]
	if !ok {
		return domain.Lead{}, domain.ErrLeadNotFound
	}
	return lead, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, tgID int64, status domain.FunnelStatus, priority string, score int) (domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead := r.leads[tgID]
	lead.ID = tgID
	lead.FunnelStatus = status
	lead.Priority = priority
	lead.PriorityScore = score
	r.leads[tgID] = lead
	return lead, nil
}

func (r *memRepo) UpdateProfile(_ context.Context, tgID int64, fields domain.ProfileFields) (domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead := r.leads[tgID]
	if fields.Gender != nil {
		lead.Gender = *fields.Gender
	}
	if fields.Age != nil {
		lead.Age = *fields.Age
	}
	if fields.Weight != nil {
		lead.Weight = *fields.Weight
	}
	if fields.Height != nil {
		lead.Height = *fields.Height
	}
	if fields.Activity != nil {
		lead.Activity = *fields.Activity
	}
	if fields.Goal != nil {
		lead.Goal = *fields.Goal
	}
	if fields.Calories != nil {
		lead.Calories = *fields.Calories
	}
	if fields.Proteins != nil {
		lead.Proteins = *fields.Proteins
	}
	if fields.Fats != nil {
		lead.Fats = *fields.Fats
	}
	if fields.Carbs != nil {
		lead.Carbs = *fields.Carbs
	}
	r.leads[tgID] = lead
	return lead, nil
}

func (r *memRepo) SetCalculatedAt(_ context.Context, tgID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead := r.leads[tgID]
	if lead.CalculatedAt == nil {
		lead.CalculatedAt = &at
		r.leads[tgID] = lead
	}
	return nil
}

func (r *memRepo) MarkHotLeadNotified(_ context.Context, tgID int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead := r.leads[tgID]
	if lead.HotLeadNotifiedAt != nil {
		return false, nil
	}
	lead.HotLeadNotifiedAt = &at
	r.leads[tgID] = lead
	return true, nil
}

func (r *memRepo) TouchActivity(_ context.Context, tgID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead := r.leads[tgID]
	lead.ID = tgID
	lead.LastActivityAt = &at
	lead.DripStage = 0
	r.leads[tgID] = lead
	return nil
}

func (r *memRepo) AdvanceDripStage(context.Context, int64, int, int) (bool, error) {
	return false, nil
}

func (r *memRepo) ListDripCandidates(context.Context, int64, int, int) ([]domain.Lead, error) {
	return nil, nil
}

func (r *memRepo) ListHotLeads(context.Context) ([]domain.Lead, error) {
	return nil, nil
}

func newTestHandler(repo *memRepo) (*Handler, *fakeBot) {
	clock := clockwork.NewFakeClock()
	registry := timers.NewRegistry(clock, zerolog.Nop())
	svc := funnel.NewService(repo, nil, registry, funnel.TimerConfig{}, clock, zerolog.Nop())
	bot := &fakeBot{}
	return NewHandler(bot, zerolog.Nop(), svc, cache.Noop{}, ""), bot
}

func message(tgID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: tgID, UserName: "ivan", FirstName: "Иван"},
		Chat: &tgbotapi.Chat{ID: tgID},
		Text: text,
	}}
}

func callback(tgID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: tgID, UserName: "ivan"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: tgID}},
		Data:    data,
	}}
}

func TestQuestionnaireFullFlow(t *testing.T) {
	repo := newMemRepo()
	h, _ := newTestHandler(repo)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, "/start"))
	h.HandleUpdate(ctx, callback(1, "start_kbju"))
	h.HandleUpdate(ctx, callback(1, "gender_male"))
	h.HandleUpdate(ctx, message(1, "30"))
	h.HandleUpdate(ctx, message(1, "80"))
	h.HandleUpdate(ctx, message(1, "180"))
	h.HandleUpdate(ctx, callback(1, "activity_medium"))
	h.HandleUpdate(ctx, callback(1, "goal_weight_loss"))

	lead, err := repo.GetByTGID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if lead.FunnelStatus != domain.StatusCalculated {
		t.Fatalf("после анкеты статус calculated, получили %s", lead.FunnelStatus)
	}
	if lead.Calories != 2080 {
		t.Fatalf("калории: ожидали 2080, получили %d", lead.Calories)
	}
	if lead.CalculatedAt == nil {
		t.Fatal("calculated_at должен стоять")
	}
}

func TestQuestionnaireRejectsOutOfRangeAge(t *testing.T) {
	repo := newMemRepo()
	h, bot := newTestHandler(repo)
	ctx := context.Background()

	h.HandleUpdate(ctx, callback(1, "start_kbju"))
	h.HandleUpdate(ctx, callback(1, "gender_female"))
	h.HandleUpdate(ctx, message(1, "200"))

	if got := bot.lastText(t); got != "Возраст должен быть от 15 до 80 лет." {
		t.Fatalf("ожидали отказ по возрасту, получили %q", got)
	}
}

func TestConsultationRequestMarksHotLead(t *testing.T) {
	repo := newMemRepo()
	h, _ := newTestHandler(repo)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, "/start"))
	h.HandleUpdate(ctx, callback(1, "send_lead"))

	lead, _ := repo.GetByTGID(ctx, 1)
	if lead.FunnelStatus != domain.StatusHotConsultation {
		t.Fatalf("ожидали hotlead_consultation, получили %s", lead.FunnelStatus)
	}
	if lead.HotLeadNotifiedAt == nil {
		t.Fatal("отметка уведомления должна стоять")
	}
}

func TestDeclineGoesCold(t *testing.T) {
	repo := newMemRepo()
	h, _ := newTestHandler(repo)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, "/start"))
	h.HandleUpdate(ctx, callback(1, "delayed_no"))

	lead, _ := repo.GetByTGID(ctx, 1)
	if lead.FunnelStatus != domain.StatusColdDelayed {
		t.Fatalf("отказ от оффера даёт coldlead_delayed, получили %s", lead.FunnelStatus)
	}
}

func TestUnknownCommand(t *testing.T) {
	repo := newMemRepo()
	h, bot := newTestHandler(repo)

	h.HandleUpdate(context.Background(), message(1, "/unknown"))
	if got := bot.lastText(t); got != "Неизвестная команда. Используйте /help" {
		t.Fatalf("получили %q", got)
	}
}
