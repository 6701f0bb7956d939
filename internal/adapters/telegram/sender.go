package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/metrics"
)

// BotAPI описывает используемую часть клиента Bot API.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender реализует domain.MessageSender через Telegram Bot API.
type Sender struct {
	api BotAPI
}

var _ domain.MessageSender = (*Sender)(nil)

// NewSender создаёт отправителя.
func NewSender(api BotAPI) *Sender {
	return &Sender{api: api}
}

// Send отправляет текст с опциональной inline-кнопкой.
func (s *Sender) Send(ctx context.Context, tgID int64, content domain.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(tgID, content.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	if content.ButtonText != "" && content.ButtonURL != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL(content.ButtonText, content.ButtonURL),
			),
		)
	}

	start := time.Now()
	_, err := s.api.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
	if err != nil {
		return fmt.Errorf("отправка сообщения: %w", err)
	}
	return nil
}
