package notify

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/formatter"
	appmodels "github.com/mixelka/junkguard/pkg/models"
)

// Checker starts out-of-band account checks
type Checker interface {
	TriggerCheckNow(accountID int64) error
}

// PoolInspector exposes session pool diagnostics
type PoolInspector interface {
	Status() email.PoolStatus
	ConnectionErrors() map[int64]string
}

// AccountLookup resolves accounts by id
type AccountLookup interface {
	GetAccountByID(ctx context.Context, id int64) (*appmodels.Account, error)
}

// Bot is the operator's Telegram channel: alerts out, /status and /check in
type Bot struct {
	bot       *bot.Bot
	chatID    int64
	checker   Checker
	pool      PoolInspector
	accounts  AccountLookup
	formatter *formatter.TelegramFormatter
	logger    *slog.Logger
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Token    string
	ChatID   int64
	Checker  Checker
	Pool     PoolInspector
	Accounts AccountLookup
	Logger   *slog.Logger
	Options  []bot.Option // Extra client options, e.g. a test server URL
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := &Bot{
		chatID:    deps.ChatID,
		checker:   deps.Checker,
		pool:      deps.Pool,
		accounts:  deps.Accounts,
		formatter: formatter.NewTelegramFormatter(),
		logger:    deps.Logger.With("component", "telegram_bot"),
	}

	opts := append([]bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}, deps.Options...)

	tgBot, err := bot.New(deps.Token, opts...)
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypePrefix, b.handleStatus)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/check", bot.MatchTypePrefix, b.handleCheck)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.handleCallback)
}

// Start polls for updates until ctx is done
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot")
	b.bot.Start(ctx)
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("unknown command", "text", update.Message.Text)
	}
}
