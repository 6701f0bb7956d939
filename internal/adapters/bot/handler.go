package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/adapters/telegram"
	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/metrics"
	"fitness-lead-bot/internal/usecase/calc"
	"fitness-lead-bot/internal/usecase/funnel"
)

// Шаги анкеты КБЖУ.
type formStep int

const (
	stepGender formStep = iota
	stepAge
	stepWeight
	stepHeight
	stepActivity
	stepGoal
)

// form — незавершённая анкета лида. Живёт в памяти процесса: при рестарте
// лид начинает анкету заново, это осознанный компромисс.
type form struct {
	step  formStep
	input calc.Input
}

// Кнопки активности бота сводятся к коэффициентам калькулятора.
var activityInputMap = map[string]string{
	"min":    "low",
	"low":    "low",
	"medium": "moderate",
	"high":   "high",
}

// Handler обслуживает апдейты бота: анкета КБЖУ и кнопки воронки.
type Handler struct {
	bot        telegram.BotAPI
	log        zerolog.Logger
	funnelUC   *funnel.Service
	limiter    domain.Limiter
	channelURL string
	mu         sync.Mutex
	forms      map[int64]*form
}

// NewHandler создаёт обработчик. channelURL — ссылка на канал для холодных лидов.
func NewHandler(bot telegram.BotAPI, log zerolog.Logger, funnelUC *funnel.Service, limiter domain.Limiter, channelURL string) *Handler {
	return &Handler{
		bot:        bot,
		log:        log,
		funnelUC:   funnelUC,
		limiter:    limiter,
		channelURL: channelURL,
		forms:      make(map[int64]*form),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil && upd.Message.From != nil {
		if !h.allow(ctx, upd.Message.From.ID, upd.Message.Chat.ID) {
			return
		}
		h.funnelUC.TouchActivity(ctx, upd.Message.From.ID)
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil && upd.CallbackQuery.From != nil {
		if upd.CallbackQuery.Message == nil {
			return
		}
		if !h.allow(ctx, upd.CallbackQuery.From.ID, upd.CallbackQuery.Message.Chat.ID) {
			return
		}
		h.funnelUC.TouchActivity(ctx, upd.CallbackQuery.From.ID)
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) allow(ctx context.Context, tgID, chatID int64) bool {
	ok, err := h.limiter.Allow(ctx, tgID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", tgID).Msg("лимитер недоступен, пропускаем запрос")
		return true
	}
	if !ok {
		h.reply(chatID, "Слишком много запросов. Подождите минуту и попробуйте снова.", nil)
	}
	return ok
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		if h.tryHandleFormInput(ctx, msg.Chat.ID, msg.From.ID, text) {
			return
		}
	}
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, h.buildHelpMessage(), h.mainKeyboard())
	case strings.HasPrefix(text, "/calc"):
		h.startForm(ctx, msg.Chat.ID, msg.From.ID)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	profile := domain.TelegramProfile{
		TGID:      msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
	}
	lead, created, err := h.funnelUC.Register(ctx, profile)
	if err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось сохранить лида")
		h.reply(msg.Chat.ID, "Ошибка сохранения профиля. Попробуйте позже.", nil)
		return
	}
	if created {
		h.log.Info().Int64("user", lead.ID).Msg("лид начал диалог")
	}
	h.reply(msg.Chat.ID, h.buildStartMessage(msg.From.FirstName), h.mainKeyboard())
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	tgID := cb.From.ID
	data := cb.Data
	switch {
	case data == "start_kbju" || data == "resume_calc":
		h.startForm(ctx, chatID, tgID)
	case strings.HasPrefix(data, "gender_"):
		h.handleGender(ctx, chatID, tgID, strings.TrimPrefix(data, "gender_"))
	case strings.HasPrefix(data, "activity_"):
		h.handleActivity(chatID, tgID, strings.TrimPrefix(data, "activity_"))
	case strings.HasPrefix(data, "goal_"):
		h.handleGoal(ctx, cb, strings.TrimPrefix(data, "goal_"))
	case data == "delayed_yes":
		h.handleDelayedYes(chatID, tgID)
	case data == "delayed_no":
		h.handleDecline(ctx, chatID, tgID, true)
	case data == "send_lead":
		h.handleConsultationRequest(ctx, cb)
	case strings.HasPrefix(data, "priority_"):
		h.handlePriority(ctx, chatID, tgID, strings.TrimPrefix(data, "priority_"))
	case data == "funnel_cold":
		h.handleDecline(ctx, chatID, tgID, false)
	case data == "help_menu":
		h.reply(chatID, h.buildHelpMessage(), h.mainKeyboard())
	default:
		h.log.Debug().Str("data", data).Msg("неизвестный callback")
	}
	h.answerCallback(cb.ID)
}

// startForm начинает анкету заново: старые таймеры лида отменяются, вопрос
// про пол уходит первым, напоминание застрявшему взводится.
func (h *Handler) startForm(ctx context.Context, chatID, tgID int64) {
	h.mu.Lock()
	h.forms[tgID] = &form{step: stepGender}
	h.mu.Unlock()

	h.reply(chatID, "Рассчитаем вашу норму калорий и БЖУ. Укажите пол:", genderKeyboard())
	h.restartStalledReminder(chatID, tgID)
}

func (h *Handler) handleGender(ctx context.Context, chatID, tgID int64, gender string) {
	if gender != calc.GenderMale && gender != calc.GenderFemale {
		return
	}
	h.mu.Lock()
	f, ok := h.forms[tgID]
	if ok {
		f.input.Gender = gender
		f.step = stepAge
	}
	h.mu.Unlock()
	if !ok {
		h.replyFormExpired(chatID)
		return
	}
	h.reply(chatID, "Сколько вам лет? Отправьте число от 15 до 80.", nil)
	h.restartStalledReminder(chatID, tgID)
}

// tryHandleFormInput обрабатывает числовые ответы анкеты. Возвращает true,
// если текст был шагом анкеты.
func (h *Handler) tryHandleFormInput(ctx context.Context, chatID, tgID int64, text string) bool {
	h.mu.Lock()
	f, ok := h.forms[tgID]
	var step formStep
	if ok {
		step = f.step
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	switch step {
	case stepAge:
		age, err := strconv.Atoi(text)
		if err != nil {
			h.reply(chatID, "Не получилось распознать возраст. Отправьте целое число.", nil)
			return true
		}
		if age < 15 || age > 80 {
			h.reply(chatID, "Возраст должен быть от 15 до 80 лет.", nil)
			return true
		}
		h.advanceForm(tgID, func(f *form) { f.input.Age = age; f.step = stepWeight })
		h.reply(chatID, fmt.Sprintf("Возраст %d принят. Теперь вес в килограммах:", age), nil)
	case stepWeight:
		weight, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
		if err != nil {
			h.reply(chatID, "Не получилось распознать вес. Пример: 72.5", nil)
			return true
		}
		if weight < 30 || weight > 200 {
			h.reply(chatID, "Вес должен быть от 30 до 200 кг.", nil)
			return true
		}
		h.advanceForm(tgID, func(f *form) { f.input.Weight = weight; f.step = stepHeight })
		h.reply(chatID, fmt.Sprintf("Вес %.1f кг принят. Теперь рост в сантиметрах:", weight), nil)
	case stepHeight:
		height, err := strconv.Atoi(text)
		if err != nil {
			h.reply(chatID, "Не получилось распознать рост. Отправьте целое число.", nil)
			return true
		}
		if height < 140 || height > 220 {
			h.reply(chatID, "Рост должен быть от 140 до 220 см.", nil)
			return true
		}
		h.advanceForm(tgID, func(f *form) { f.input.Height = height; f.step = stepActivity })
		h.reply(chatID, "Какой у вас уровень активности?", activityKeyboard())
	default:
		return false
	}
	h.restartStalledReminder(chatID, tgID)
	return true
}

func (h *Handler) advanceForm(tgID int64, mutate func(*form)) {
	h.mu.Lock()
	if f, ok := h.forms[tgID]; ok {
		mutate(f)
	}
	h.mu.Unlock()
}

func (h *Handler) handleActivity(chatID, tgID int64, raw string) {
	activity, ok := activityInputMap[raw]
	if !ok {
		activity = "moderate"
	}
	h.mu.Lock()
	f, found := h.forms[tgID]
	if found {
		f.input.Activity = activity
		f.step = stepGoal
	}
	h.mu.Unlock()
	if !found {
		h.replyFormExpired(chatID)
		return
	}
	h.reply(chatID, "Какая у вас цель?", goalKeyboard())
	h.restartStalledReminder(chatID, tgID)
}

// handleGoal завершает анкету: расчёт, сохранение, переход в calculated и
// отложенный оффер.
func (h *Handler) handleGoal(ctx context.Context, cb *tgbotapi.CallbackQuery, goal string) {
	chatID := cb.Message.Chat.ID
	tgID := cb.From.ID

	h.mu.Lock()
	f, ok := h.forms[tgID]
	var input calc.Input
	if ok {
		input = f.input
		input.Goal = goal
		delete(h.forms, tgID)
	}
	h.mu.Unlock()
	if !ok {
		h.replyFormExpired(chatID)
		return
	}

	result, err := calc.Calculate(input)
	if err != nil {
		if errors.Is(err, calc.ErrInvalidInput) {
			h.reply(chatID, "Анкета заполнена с ошибками. Начните заново: /calc", nil)
			return
		}
		h.log.Error().Err(err).Int64("user", tgID).Msg("ошибка расчёта КБЖУ")
		h.reply(chatID, "Не удалось выполнить расчёт. Попробуйте позже.", nil)
		return
	}

	fields := domain.ProfileFields{
		Gender:   &input.Gender,
		Age:      &input.Age,
		Weight:   &input.Weight,
		Height:   &input.Height,
		Activity: &input.Activity,
		Goal:     &input.Goal,
		Calories: &result.Calories,
		Proteins: &result.Proteins,
		Fats:     &result.Fats,
		Carbs:    &result.Carbs,
	}
	if _, err := h.funnelUC.Calculated(ctx, tgID, fields); err != nil {
		h.log.Error().Err(err).Int64("user", tgID).Msg("не удалось сохранить расчёт")
		h.reply(chatID, "Не удалось сохранить расчёт. Попробуйте позже.", nil)
		return
	}

	h.reply(chatID, h.buildResultMessage(result, goal), nil)
	h.funnelUC.ScheduleDelayedOffer(tgID, func(context.Context) {
		h.reply(chatID, "Хотите персональный план питания и тренировок под вашу цель?", delayedOfferKeyboard())
	})
}

// handleDelayedYes: лид заинтересовался оффером, показываем выбор направления.
func (h *Handler) handleDelayedYes(chatID, tgID int64) {
	h.reply(chatID, "Отлично! Что для вас сейчас важнее всего?", priorityKeyboard())
}

// handleConsultationRequest переводит лида в горячий статус консультации.
func (h *Handler) handleConsultationRequest(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	tgID := cb.From.ID

	if _, err := h.funnelUC.MarkHotLead(ctx, tgID, string(domain.StatusHotConsultation), "consultation"); err != nil {
		h.log.Error().Err(err).Int64("user", tgID).Msg("не удалось отметить горячего лида")
		h.reply(chatID, "Не удалось оформить заявку. Попробуйте позже.", nil)
		return
	}
	username := cb.From.UserName
	if username == "" {
		username = "не указан"
	}
	h.reply(chatID, fmt.Sprintf("Заявка принята! Тренер свяжется с вами в ближайшее время.\nВаш ID: %d, username: @%s", tgID, username), nil)
}

// handlePriority переводит лида в горячий статус выбранного направления.
func (h *Handler) handlePriority(ctx context.Context, chatID, tgID int64, priority string) {
	status, ok := map[string]domain.FunnelStatus{
		"nutrition": domain.StatusHotNutrition,
		"training":  domain.StatusHotTraining,
		"schedule":  domain.StatusHotSchedule,
	}[priority]
	if !ok {
		h.log.Debug().Str("priority", priority).Msg("неизвестное направление")
		return
	}

	if _, err := h.funnelUC.MarkHotLead(ctx, tgID, string(status), priority); err != nil {
		h.log.Error().Err(err).Int64("user", tgID).Msg("не удалось отметить горячего лида")
		h.reply(chatID, "Не удалось сохранить выбор. Попробуйте позже.", nil)
		return
	}
	h.reply(chatID, "Записали! Предлагаем бесплатную консультацию — нажмите кнопку, чтобы оставить заявку.", consultationKeyboard())
}

// handleDecline переводит лида в холодный статус и даёт совет по цели.
func (h *Handler) handleDecline(ctx context.Context, chatID, tgID int64, delayed bool) {
	updated, err := h.funnelUC.ColdLead(ctx, tgID, delayed)
	if err != nil {
		h.log.Error().Err(err).Int64("user", tgID).Msg("не удалось отметить холодного лида")
		h.reply(chatID, "Что-то пошло не так. Попробуйте позже.", nil)
		return
	}
	h.reply(chatID, h.buildColdAdvice(updated.Goal), h.mainKeyboard())
}

func (h *Handler) restartStalledReminder(chatID, tgID int64) {
	h.funnelUC.StartStalledReminder(tgID, func(context.Context) {
		h.reply(chatID, "Вы остановились на полпути! Нажмите кнопку, чтобы продолжить расчёт.", resumeKeyboard())
	})
}

func (h *Handler) replyFormExpired(chatID int64) {
	h.reply(chatID, "Анкета устарела. Начните заново: /calc", nil)
}

func (h *Handler) answerCallback(id string) {
	if id == "" {
		return
	}
	if _, err := h.bot.Send(tgbotapi.NewCallback(id, "")); err != nil {
		h.log.Debug().Err(err).Msg("не удалось подтвердить callback")
	}
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if keyboard != nil {
		msg.ReplyMarkup = keyboard
	}
	start := time.Now()
	_, err := h.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось отправить сообщение")
	}
}

func (h *Handler) buildStartMessage(firstName string) string {
	greeting := "👋 Привет!"
	if firstName != "" {
		greeting = fmt.Sprintf("👋 Привет, %s!", firstName)
	}
	lines := []string{
		greeting,
		"",
		"Я помогу рассчитать вашу норму калорий и БЖУ по формуле Миффлина-Сан Жеора.",
		"",
		"Нажмите кнопку ниже или отправьте /calc, чтобы начать расчёт.",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) buildHelpMessage() string {
	lines := []string{
		"📖 Команды бота:",
		"",
		"• /calc — рассчитать норму калорий и БЖУ.",
		"• /start — начать сначала.",
		"",
		"После расчёта вы сможете получить персональный план или бесплатную консультацию.",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) buildResultMessage(result calc.Result, goal string) string {
	lines := []string{
		fmt.Sprintf("🎯 Ваша цель: %s", calc.GoalDescription(goal)),
		"",
		fmt.Sprintf("🔥 Калории: <b>%d ккал/день</b>", result.Calories),
		fmt.Sprintf("🥩 Белки: <b>%d г</b>", result.Proteins),
		fmt.Sprintf("🧈 Жиры: <b>%d г</b>", result.Fats),
		fmt.Sprintf("🍚 Углеводы: <b>%d г</b>", result.Carbs),
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) buildColdAdvice(goal string) string {
	advice := map[string]string{
		"weight_loss": "Начните с дефицита 10-15% и 8-10 тысяч шагов в день.",
		"maintenance": "Держите норму калорий и 2-3 тренировки в неделю.",
		"weight_gain": "Профицит 10% и прогрессия нагрузок — основа набора.",
	}[goal]
	if advice == "" {
		advice = "Следите за питанием и двигайтесь каждый день."
	}
	lines := []string{
		"Хорошо, без проблем! Вот совет под вашу цель:",
		"",
		advice,
	}
	if h.channelURL != "" {
		lines = append(lines, "", fmt.Sprintf("Полезные материалы — в нашем канале: %s", h.channelURL))
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Рассчитать КБЖУ", "start_kbju"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "help_menu"),
		),
	)
	return &markup
}

func genderKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👨 Мужской", "gender_male"),
			tgbotapi.NewInlineKeyboardButtonData("👩 Женский", "gender_female"),
		),
	)
	return &markup
}

func activityKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🛋️ Минимальная", "activity_min"),
			tgbotapi.NewInlineKeyboardButtonData("🚶 Лёгкая", "activity_low"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🏃 Средняя", "activity_medium"),
			tgbotapi.NewInlineKeyboardButtonData("💪 Высокая", "activity_high"),
		),
	)
	return &markup
}

func goalKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📉 Похудение", "goal_weight_loss"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⚖️ Поддержание", "goal_maintenance"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📈 Набор массы", "goal_weight_gain"),
		),
	)
	return &markup
}

func delayedOfferKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Да, интересно", "delayed_yes"),
			tgbotapi.NewInlineKeyboardButtonData("❌ Нет, спасибо", "delayed_no"),
		),
	)
	return &markup
}

func priorityKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🥗 Питание", "priority_nutrition"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🏋️ Тренировки", "priority_training"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🗓 Режим и план", "priority_schedule"),
		),
	)
	return &markup
}

func consultationKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📝 Оставить заявку", "send_lead"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Не сейчас", "funnel_cold"),
		),
	)
	return &markup
}

func resumeKeyboard() *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("▶️ Продолжить расчёт", "resume_calc"),
		),
	)
	return &markup
}
