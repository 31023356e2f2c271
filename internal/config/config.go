package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mixelka/junkguard/pkg/models"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/junkguard.db"`

	// HTTP API
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	APIKey   string `env:"API_KEY"` // Bearer token for /api routes, open when empty

	// Session pool
	PoolMaxSessions   int           `env:"POOL_MAX_SESSIONS" envDefault:"20"`
	PoolIdleTimeout   time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"5m"`
	PoolSweepInterval time.Duration `env:"POOL_SWEEP_INTERVAL" envDefault:"1m"`

	// IMAP / SMTP
	IMAPConnectTimeout time.Duration `env:"IMAP_CONNECT_TIMEOUT" envDefault:"30s"`
	IMAPCommandTimeout time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"30s"`

	// Scanning
	MinPollInterval time.Duration     `env:"MIN_POLL_INTERVAL" envDefault:"5m"`
	ScanPageSize    int               `env:"SCAN_PAGE_SIZE" envDefault:"50"`
	FilterMode      models.FilterMode `env:"FILTER_MODE" envDefault:"delete"` // "delete" or "forward"
	PolicyFile      string            `env:"POLICY_FILE"`                     // TOML wordlists, embedded defaults otherwise

	// OAuth
	OAuthRedirectURL    string `env:"OAUTH_REDIRECT_URL" envDefault:"http://localhost:8080/api/oauth/callback"`
	GmailClientID       string `env:"GMAIL_OAUTH_CLIENT_ID"`
	GmailClientSecret   string `env:"GMAIL_OAUTH_CLIENT_SECRET"`
	OutlookClientID     string `env:"OUTLOOK_OAUTH_CLIENT_ID"`
	OutlookClientSecret string `env:"OUTLOOK_OAUTH_CLIENT_SECRET"`

	// Telegram notifications (optional)
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TelegramEnabled returns true if operator notifications are configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// OAuthClient returns the client credentials configured for a provider family
func (c *Config) OAuthClient(t models.ProviderType) (id, secret string) {
	switch t {
	case models.ProviderGmail:
		return c.GmailClientID, c.GmailClientSecret
	case models.ProviderOutlook:
		return c.OutlookClientID, c.OutlookClientSecret
	}
	return "", ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values env tags can't express
func (c *Config) Validate() error {
	// 32 bytes for AES-256
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.PoolMaxSessions < 1 {
		return fmt.Errorf("POOL_MAX_SESSIONS must be positive, got %d", c.PoolMaxSessions)
	}
	if c.MinPollInterval < time.Minute {
		return fmt.Errorf("MIN_POLL_INTERVAL must be at least 1m, got %s", c.MinPollInterval)
	}
	if c.ScanPageSize < 1 {
		return fmt.Errorf("SCAN_PAGE_SIZE must be positive, got %d", c.ScanPageSize)
	}
	if !c.FilterMode.Valid() {
		return fmt.Errorf("FILTER_MODE must be %q or %q, got %q", models.FilterModeDelete, models.FilterModeForward, c.FilterMode)
	}
	return nil
}
