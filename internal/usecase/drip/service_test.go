package drip

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/domain"
)

type fakeRepo struct {
	mu    sync.Mutex
	leads map[int64]*domain.Lead
}

var _ domain.LeadRepo = (*fakeRepo)(nil)

func newFakeRepo(leads ...domain.Lead) *fakeRepo {
	repo := &fakeRepo{leads: make(map[int64]*domain.Lead)}
	for _, lead := range leads {
		copied := lead
		repo.leads[lead.ID] = &copied
	}
	return repo
}

func (r *fakeRepo) stage(tgID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leads[tgID].DripStage
}

func (r *fakeRepo) ListDripCandidates(_ context.Context, afterID int64, limit, maxStage int) ([]domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Lead
	for _, lead := range r.leads {
		if lead.ID > afterID && lead.FunnelStatus.DripEligible() && lead.DripStage < maxStage {
			out = append(out, *lead)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) AdvanceDripStage(_ context.Context, tgID int64, fromStage, toStage int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[tgID]
	if !ok || lead.DripStage != fromStage {
		return false, nil
	}
	lead.DripStage = toStage
	return true, nil
}

func (r *fakeRepo) GetByTGID(_ context.Context, tgID int64) (domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[tgID]
	if !ok {
		return domain.Lead{}, domain.ErrLeadNotFound
	}
	return *lead, nil
}

func (r *fakeRepo) UpsertByTGID(context.Context, domain.TelegramProfile) (domain.Lead, bool, error) {
	return domain.Lead{}, false, nil
}

func (r *fakeRepo) UpdateStatus(context.Context, int64, domain.FunnelStatus, string, int) (domain.Lead, error) {
	return domain.Lead{}, nil
}

func (r *fakeRepo) UpdateProfile(context.Context, int64, domain.ProfileFields) (domain.Lead, error) {
	return domain.Lead{}, nil
}

func (r *fakeRepo) SetCalculatedAt(context.Context, int64, time.Time) error { return nil }

func (r *fakeRepo) MarkHotLeadNotified(context.Context, int64, time.Time) (bool, error) {
	return false, nil
}

func (r *fakeRepo) TouchActivity(context.Context, int64, time.Time) error { return nil }

func (r *fakeRepo) ListHotLeads(context.Context) ([]domain.Lead, error) { return nil, nil }

type sentMessage struct {
	tgID int64
	key  string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[int64]error
	hook func(tgID int64)
}

func (s *fakeSender) Send(_ context.Context, tgID int64, content domain.Content) error {
	if s.hook != nil {
		s.hook(tgID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[tgID]; ok {
		return err
	}
	s.sent = append(s.sent, sentMessage{tgID: tgID, key: content.Key})
	return nil
}

func (s *fakeSender) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, msg := range s.sent {
		out = append(out, msg.key)
	}
	return out
}

type mapResolver map[string]string

func (m mapResolver) Resolve(key string) (domain.Content, error) {
	text, ok := m[key]
	if !ok {
		return domain.Content{}, domain.ErrContentNotFound
	}
	return domain.Content{Key: key, Text: text}, nil
}

func defaultContent() mapResolver {
	return mapResolver{
		"drip.new.stage_1":        "эй, вернись",
		"drip.new.stage_2":        "последний шанс",
		"drip.calculated.stage_1": "расчёт ждёт",
		"drip.any.stage_1":        "общий пинок",
		"drip.any.stage_2":        "общий пинок 2",
	}
}

func newLead(id int64, status domain.FunnelStatus, stage int, lastActivity time.Time) domain.Lead {
	activity := lastActivity
	return domain.Lead{
		ID:             id,
		FunnelStatus:   status,
		DripStage:      stage,
		LastActivityAt: &activity,
		CreatedAt:      lastActivity.Add(-time.Hour),
		UpdatedAt:      lastActivity.Add(-time.Minute),
	}
}

func newTestService(repo *fakeRepo, sender *fakeSender, resolver domain.ContentResolver, now time.Time) *Service {
	return NewService(
		repo,
		sender,
		resolver,
		[]time.Duration{60 * time.Minute, 1440 * time.Minute},
		clockwork.NewFakeClockAt(now),
		zerolog.Nop(),
	)
}

func TestThresholdBoundary(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(newLead(1, domain.StatusNew, 0, now.Add(-60*time.Minute)))
	sender := &fakeSender{}
	service := newTestService(repo, sender, defaultContent(), now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("итерация упала: %v", err)
	}
	if repo.stage(1) != 1 {
		t.Fatalf("ровно на пороге этап должен продвинуться, получили %d", repo.stage(1))
	}

	repo = newFakeRepo(newLead(1, domain.StatusNew, 0, now.Add(-60*time.Minute).Add(time.Millisecond)))
	sender = &fakeSender{}
	service = newTestService(repo, sender, defaultContent(), now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("итерация упала: %v", err)
	}
	if repo.stage(1) != 0 {
		t.Fatal("до порога этап продвигаться не должен")
	}
	if len(sender.keys()) != 0 {
		t.Fatal("до порога сообщение не отправляется")
	}
}

func TestSingleAdvancePerIteration(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// Неактивность покрывает оба порога сразу, но этапы не перескакиваются.
	repo := newFakeRepo(newLead(1, domain.StatusNew, 0, now.Add(-2000*time.Minute)))
	sender := &fakeSender{}
	service := newTestService(repo, sender, defaultContent(), now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("итерация упала: %v", err)
	}
	if repo.stage(1) != 1 {
		t.Fatalf("за итерацию этап продвигается ровно на 1, получили %d", repo.stage(1))
	}

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("итерация упала: %v", err)
	}
	if repo.stage(1) != 2 {
		t.Fatalf("следующая итерация догоняет, получили %d", repo.stage(1))
	}

	// Терминальный этап: больше ничего не отправляется.
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("итерация упала: %v", err)
	}
	if got := sender.keys(); len(got) != 2 {
		t.Fatalf("ожидали 2 отправки, получили %v", got)
	}
}

func TestContentFallbackOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	resolver := mapResolver{
		"drip.new.male.stage_1":   "мужской вариант",
		"drip.new.stage_1":        "статусный вариант",
		"drip.any.stage_1":        "общий вариант",
		"drip.calculated.stage_1": "для расчёта",
	}

	lead := newLead(1, domain.StatusNew, 0, now.Add(-2*time.Hour))
	lead.Gender = "male"
	repo := newFakeRepo(lead)
	sender := &fakeSender{}
	service := newTestService(repo, sender, resolver, now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("итерация упала: %v", err)
	}
	if got := sender.keys(); len(got) != 1 || got[0] != "drip.new.male.stage_1" {
		t.Fatalf("ожидали гендерный ключ, получили %v", got)
	}

	// Без гендера — статусный ключ.
	repo = newFakeRepo(newLead(2, domain.StatusNew, 0, now.Add(-2*time.Hour)))
	sender = &fakeSender{}
	service = newTestService(repo, sender, resolver, now)
	_ = service.RunOnce(context.Background())
	if got := sender.keys(); len(got) != 1 || got[0] != "drip.new.stage_1" {
		t.Fatalf("ожидали статусный ключ, получили %v", got)
	}

	// Статуса нет в наборе — общий ключ.
	repo = newFakeRepo(newLead(3, domain.StatusCalculated, 0, now.Add(-2*time.Hour)))
	sender = &fakeSender{}
	service = newTestService(repo, sender, mapResolver{"drip.any.stage_1": "общий"}, now)
	_ = service.RunOnce(context.Background())
	if got := sender.keys(); len(got) != 1 || got[0] != "drip.any.stage_1" {
		t.Fatalf("ожидали общий ключ, получили %v", got)
	}
}

func TestMissingTemplateSkips(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo(newLead(1, domain.StatusNew, 0, now.Add(-2*time.Hour)))
	sender := &fakeSender{}
	service := newTestService(repo, sender, mapResolver{}, now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("отсутствие шаблона не должно ронять итерацию: %v", err)
	}
	if repo.stage(1) != 0 || len(sender.keys()) != 0 {
		t.Fatal("без шаблона нет ни отправки, ни продвижения")
	}
}

func TestSendFailureDoesNotAdvance(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo(
		newLead(1, domain.StatusNew, 0, now.Add(-2*time.Hour)),
		newLead(2, domain.StatusNew, 0, now.Add(-2*time.Hour)),
	)
	sender := &fakeSender{fail: map[int64]error{1: errors.New("chat not found")}}
	service := newTestService(repo, sender, defaultContent(), now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("сбой отправки одному лиду не должен ронять итерацию: %v", err)
	}
	if repo.stage(1) != 0 {
		t.Fatal("без подтверждённой отправки этап не продвигается")
	}
	if repo.stage(2) != 1 {
		t.Fatal("остальные лиды итерации должны обработаться")
	}
}

func TestFutureReferenceSkipped(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo(newLead(1, domain.StatusNew, 0, now.Add(30*time.Minute)))
	sender := &fakeSender{}
	service := newTestService(repo, sender, defaultContent(), now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("итерация упала: %v", err)
	}
	if repo.stage(1) != 0 || len(sender.keys()) != 0 {
		t.Fatal("опорное время в будущем должно пропускаться")
	}
}

func TestStageDriftIsNotAnError(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo(newLead(1, domain.StatusNew, 0, now.Add(-2*time.Hour)))
	sender := &fakeSender{}
	service := newTestService(repo, sender, defaultContent(), now)

	// Конкурентный писатель сдвигает этап между чтением и записью.
	sender.hook = func(tgID int64) {
		_, _ = repo.AdvanceDripStage(context.Background(), tgID, 0, 1)
	}

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("дрейф этапа не должен считаться ошибкой: %v", err)
	}
	if repo.stage(1) != 1 {
		t.Fatalf("этап не должен продвинуться дважды, получили %d", repo.stage(1))
	}
}

func TestAdvanceStageSingleWinner(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo(newLead(1, domain.StatusNew, 0, now))

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			ok, err := repo.AdvanceDripStage(context.Background(), 1, 0, 1)
			if err != nil {
				t.Errorf("неожиданная ошибка: %v", err)
			}
			results[slot] = ok
		}(i)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Fatalf("ровно один из конкурентных вызовов должен выиграть: %v", results)
	}
	if repo.stage(1) != 1 {
		t.Fatalf("двойного продвижения быть не должно, получили %d", repo.stage(1))
	}
}

func TestPanicInOneCandidateDoesNotAbortBatch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo(
		newLead(1, domain.StatusNew, 0, now.Add(-2*time.Hour)),
		newLead(2, domain.StatusNew, 0, now.Add(-2*time.Hour)),
	)
	sender := &fakeSender{}
	sender.hook = func(tgID int64) {
		if tgID == 1 {
			panic("telegram client exploded")
		}
	}
	service := newTestService(repo, sender, defaultContent(), now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("паника по одному лиду не должна ронять итерацию: %v", err)
	}
	if repo.stage(2) != 1 {
		t.Fatal("второй лид должен обработаться несмотря на панику по первому")
	}
}

func TestShutdownObservedBetweenCandidates(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo(
		newLead(1, domain.StatusNew, 0, now.Add(-2*time.Hour)),
		newLead(2, domain.StatusNew, 0, now.Add(-2*time.Hour)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{}
	sender.hook = func(int64) { cancel() }
	service := newTestService(repo, sender, defaultContent(), now)

	if err := service.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
	// Первый лид дорабатывается, второй уже не начинается.
	if repo.stage(1) != 1 {
		t.Fatal("текущий лид должен быть доработан до конца")
	}
	if repo.stage(2) != 0 {
		t.Fatal("после отмены новые лиды не берутся")
	}
}

func TestScanPaginatesAllCandidates(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	leads := make([]domain.Lead, 0, candidateBatch+50)
	for i := 1; i <= candidateBatch+50; i++ {
		leads = append(leads, newLead(int64(i), domain.StatusNew, 0, now.Add(-2*time.Hour)))
	}
	repo := newFakeRepo(leads...)
	service := newTestService(repo, &fakeSender{}, defaultContent(), now)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= candidateBatch+50; i++ {
		if repo.stage(int64(i)) != 1 {
			t.Fatalf("лид %d должен продвинуться на первой итерации (пагинация по курсору)", i)
		}
	}
}
