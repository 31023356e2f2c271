package notify

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/junkguard/internal/formatter"
	appmodels "github.com/mixelka/junkguard/pkg/models"
)

const sendTimeout = 10 * time.Second

// NotifyActivity posts an activity entry to the operator chat with a "check now" button
func (b *Bot) NotifyActivity(ctx context.Context, account *appmodels.Account, entry *appmodels.ActivityLogEntry) {
	// Separate context so a slow Telegram API can't hold up the check
	apiCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	text := b.formatter.FormatActivity(account, entry)
	if _, err := b.sendMessageWithKeyboard(apiCtx, b.chatID, text, formatter.BuildAccountKeyboard(entry.AccountID)); err != nil {
		b.logger.Warn("failed to send notification", "account_id", entry.AccountID, "type", entry.Type, "error", err)
	}
}

// isOperatorChat ignores commands from chats other than the configured one
func (b *Bot) isOperatorChat(chatID int64) bool {
	if chatID != b.chatID {
		b.logger.Warn("ignoring command from foreign chat", "chat_id", chatID)
		return false
	}
	return true
}

// sendMessage sends an HTML message
func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) (*models.Message, error) {
	msg, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		b.logger.Warn("failed to send message", "chat_id", chatID, "error", err)
	}
	return msg, err
}

// sendMessageWithKeyboard sends an HTML message with inline keyboard
func (b *Bot) sendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) (*models.Message, error) {
	return b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: keyboard,
	})
}

// answerCallback answers a callback query
func (b *Bot) answerCallback(ctx context.Context, callbackID, text string, showAlert bool) {
	_, err := b.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       showAlert,
	})
	if err != nil {
		b.logger.Warn("failed to answer callback", "error", err)
	}
}
