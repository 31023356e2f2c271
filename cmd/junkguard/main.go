package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mixelka/junkguard/internal/api"
	"github.com/mixelka/junkguard/internal/classifier"
	"github.com/mixelka/junkguard/internal/config"
	"github.com/mixelka/junkguard/internal/database"
	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/notify"
	"github.com/mixelka/junkguard/internal/oauth"
	"github.com/mixelka/junkguard/internal/scanner"
	"github.com/mixelka/junkguard/internal/secret"
	"github.com/mixelka/junkguard/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting junkguard")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if err := db.SeedProviders(ctx, email.Presets()); err != nil {
		logger.Error("failed to seed providers", "error", err)
		os.Exit(1)
	}
	if err := applyOAuthClients(ctx, cfg, db); err != nil {
		logger.Error("failed to configure oauth clients", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	cipher, err := secret.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to create cipher", "error", err)
		os.Exit(1)
	}

	// Create components
	oauthSvc := oauth.New(cfg.OAuthRedirectURL, logger)

	pool := email.NewManager(email.PoolConfig{
		MaxSessions:    cfg.PoolMaxSessions,
		IdleTimeout:    cfg.PoolIdleTimeout,
		SweepInterval:  cfg.PoolSweepInterval,
		ConnectTimeout: cfg.IMAPConnectTimeout,
		CommandTimeout: cfg.IMAPCommandTimeout,
		TokenSkew:      time.Minute,
	}, email.NewFactory(logger), db, logger)
	pool.SetCipher(cipher)
	pool.SetTokenRefresher(oauthSvc)
	pool.Start()

	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load classifier policy", "error", err)
		os.Exit(1)
	}
	cls := classifier.New(policy, db, logger)

	scan := scanner.New(scanner.Config{
		MinPollInterval: cfg.MinPollInterval,
		PageSize:        cfg.ScanPageSize,
		FilterMode:      cfg.FilterMode,
	}, db, pool, cls, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Operator notifications (optional)
	if cfg.TelegramEnabled() {
		bot, err := notify.NewBot(notify.BotDeps{
			Token:    cfg.TelegramToken,
			ChatID:   cfg.TelegramChatID,
			Checker:  scan,
			Pool:     pool,
			Accounts: db,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("failed to create telegram bot", "error", err)
			os.Exit(1)
		}
		scan.SetNotifier(bot)
		go bot.Start(ctx)
		logger.Info("telegram notifications enabled", "chat_id", cfg.TelegramChatID)
	}

	if err := scan.Start(ctx); err != nil {
		logger.Error("failed to start scanner", "error", err)
		os.Exit(1)
	}

	server := api.New(cfg.HTTPAddr, cfg.APIKey, api.Deps{
		Store:   db,
		Scanner: scan,
		Pool:    pool,
		OAuth:   oauthSvc,
		Cipher:  cipher,
		Logger:  logger,
	})

	// Setup graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("junkguard is running, press Ctrl+C to stop")
	if err := server.Start(ctx); err != nil {
		logger.Error("http api failed", "error", err)
		cancel()
	}

	logger.Info("shutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := scan.Stop(stopCtx); err != nil {
		logger.Warn("scanner did not stop cleanly", "error", err)
	}
	pool.Stop()

	logger.Info("junkguard stopped")
}

// applyOAuthClients copies client credentials from the environment onto the seeded providers
func applyOAuthClients(ctx context.Context, cfg *config.Config, db *database.DB) error {
	for _, t := range []models.ProviderType{models.ProviderGmail, models.ProviderOutlook} {
		id, clientSecret := cfg.OAuthClient(t)
		if id == "" {
			continue
		}

		p, err := db.GetProviderByType(ctx, t)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if p.OAuthClientID == id && p.OAuthClientSecret == clientSecret {
			continue
		}

		p.OAuthClientID, p.OAuthClientSecret = id, clientSecret
		if err := db.UpdateProvider(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func loadPolicy(path string) (*classifier.Policy, error) {
	if path == "" {
		return classifier.DefaultPolicy()
	}
	return classifier.LoadPolicy(path)
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
