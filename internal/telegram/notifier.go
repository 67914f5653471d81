// Package telegram pushes off-platform notifications through the Telegram Bot
// API to users who have linked a Telegram chat and have no open connection.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"matchwire/backend/internal/localization"
	"matchwire/backend/internal/models"
	"matchwire/backend/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const previewLimit = 200

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends NEW_MESSAGE pushes to a user's linked Telegram chat.
type Notifier struct {
	bot       Sender
	users     storage.UserStore
	localizer *localization.Localizer
	lang      string
	log       zerolog.Logger
}

// NewBotNotifier authorizes against the Bot API with token.
func NewBotNotifier(token string, users storage.UserStore, localizer *localization.Localizer, logger zerolog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	bot.Debug = false
	logger.Info().Str("bot", bot.Self.UserName).Msg("authorized on telegram")

	return NewNotifier(bot, users, localizer, logger), nil
}

func NewNotifier(bot Sender, users storage.UserStore, localizer *localization.Localizer, logger zerolog.Logger) *Notifier {
	return &Notifier{
		bot:       bot,
		users:     users,
		localizer: localizer,
		lang:      localization.DefaultLanguage,
		log:       logger.With().Str("component", "telegram").Logger(),
	}
}

// NotifyNewMessage pushes a preview of msg to recipientID. Recipients without a
// linked chat are skipped silently.
func (n *Notifier) NotifyNewMessage(ctx context.Context, recipientID string, msg models.Message) error {
	recipient, err := n.users.GetUser(ctx, recipientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if recipient.TelegramID == nil {
		return nil
	}

	title := n.localizer.GetString(n.lang, localization.KeyNewMessage)
	if sender, err := n.users.GetUser(ctx, msg.SenderID); err == nil && sender.DisplayName != "" {
		title = n.localizer.Format(n.lang, localization.KeyNewMessageFrom, sender.DisplayName)
	}

	text := "*" + tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, title) + "*\n" +
		tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, n.preview(msg))

	out := tgbotapi.NewMessage(*recipient.TelegramID, text)
	out.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := n.bot.Send(out); err != nil {
		n.log.Error().Err(err).Str("user_id", recipientID).Msg("failed to send telegram notification")
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (n *Notifier) preview(msg models.Message) string {
	if msg.Content == "" {
		return n.localizer.GetString(n.lang, localization.KeyNewAttachment)
	}
	if utf8.RuneCountInString(msg.Content) <= previewLimit {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewLimit]) + "…"
}
