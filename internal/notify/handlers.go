package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/junkguard/internal/formatter"
	"github.com/mixelka/junkguard/internal/scanner"
)

const helpText = `<b>Junk folder guard</b>

Alerts about filtered mail land in this chat.

<b>Commands:</b>
/status - session pool status and connection errors
/check id - check an account now`

// handleHelp handles /start and /help
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.isOperatorChat(msg.Chat.ID) {
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, helpText)
}

// handleStatus handles /status
func (b *Bot) handleStatus(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.isOperatorChat(msg.Chat.ID) {
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, b.statusText())
}

// handleCheck handles /check <account id>
func (b *Bot) handleCheck(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.isOperatorChat(msg.Chat.ID) {
		return
	}

	parts := strings.Fields(msg.Text)
	if len(parts) != 2 {
		b.sendMessage(ctx, msg.Chat.ID, "Usage: <code>/check 42</code>")
		return
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		b.sendMessage(ctx, msg.Chat.ID, "Account id must be a positive number")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, b.triggerCheck(ctx, id))
}

// handleCallback handles inline button presses
func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	cq := update.CallbackQuery
	if cq == nil {
		return
	}

	data, err := formatter.DecodeCallback(cq.Data)
	if err != nil {
		b.logger.Warn("invalid callback data", "data", cq.Data, "error", err)
		b.answerCallback(ctx, cq.ID, "Unknown action", false)
		return
	}

	switch data.Action {
	case formatter.CallbackCheckNow:
		b.answerCallback(ctx, cq.ID, b.triggerCheck(ctx, data.AccountID), false)
	case formatter.CallbackStatus:
		b.answerCallback(ctx, cq.ID, "", false)
		b.sendMessage(ctx, b.chatID, b.statusText())
	default:
		b.answerCallback(ctx, cq.ID, "Unknown action", false)
	}
}

func (b *Bot) statusText() string {
	return b.formatter.FormatPoolStatus(b.pool.Status(), b.pool.ConnectionErrors())
}

// triggerCheck starts a check and returns the reply for the operator
func (b *Bot) triggerCheck(ctx context.Context, accountID int64) string {
	account, err := b.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Sprintf("Account %d not found", accountID)
	}

	switch err := b.checker.TriggerCheckNow(accountID); {
	case errors.Is(err, scanner.ErrCheckInProgress):
		return fmt.Sprintf("A check of %s is already running", account.Email)
	case err != nil:
		b.logger.Error("failed to trigger check", "account_id", accountID, "error", err)
		return fmt.Sprintf("Could not start check: %v", err)
	}
	return fmt.Sprintf("Checking %s now", account.Email)
}
