package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinPollInterval is the lowest polling interval (minutes) an account may use
const MinPollInterval = 5

// ErrCredentialMismatch is returned when credential fields don't match the auth method
var ErrCredentialMismatch = errors.New("credentials do not match auth method")

// AuthMethod how an account authenticates against its provider
type AuthMethod string

const (
	AuthPassword    AuthMethod = "password"
	AuthAppPassword AuthMethod = "app_password"
	AuthOAuth2      AuthMethod = "oauth2"
	AuthToken       AuthMethod = "token"
)

// Valid reports whether m is a known auth method
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthPassword, AuthAppPassword, AuthOAuth2, AuthToken:
		return true
	}
	return false
}

// FilterMode what happens to a message the classifier flags
type FilterMode string

const (
	FilterModeDelete  FilterMode = "delete"  // delete immediately
	FilterModeForward FilterMode = "forward" // forward to ForwardingEmail, then delete
)

// Valid reports whether m is a known filter mode
func (m FilterMode) Valid() bool {
	return m == FilterModeDelete || m == FilterModeForward
}

// Account represents a monitored mailbox
type Account struct {
	ID          int64  `db:"id" json:"id"`
	UserID      int64  `db:"user_id" json:"user_id"`         // Operator who owns the account
	Email       string `db:"email" json:"email"`             // Mailbox address, also the IMAP username
	DisplayName string `db:"display_name" json:"display_name"`
	IsActive    bool   `db:"is_active" json:"is_active"`
	ProviderID  int64  `db:"provider_id" json:"provider_id"` // FK to ProviderConfig

	AuthMethod     AuthMethod `db:"auth_method" json:"auth_method"`
	Password       string     `db:"password" json:"-"`      // Encrypted
	AppPassword    string     `db:"app_password" json:"-"`  // Encrypted
	AccessToken    string     `db:"access_token" json:"-"`  // Encrypted
	RefreshToken   string     `db:"refresh_token" json:"-"` // Encrypted
	TokenExpiresAt *time.Time `db:"token_expires_at" json:"token_expires_at,omitempty"`

	PollInterval     int        `db:"poll_interval" json:"poll_interval"` // Minutes
	CustomJunkFolder string     `db:"custom_junk_folder" json:"custom_junk_folder"`
	ForwardingEmail  string     `db:"forwarding_email" json:"forwarding_email"`
	FilterLevel      string     `db:"filter_level" json:"filter_level"`
	FilterMode       FilterMode `db:"filter_mode" json:"filter_mode"` // Empty means system default

	LastCheckAt   *time.Time `db:"last_check_at" json:"last_check_at,omitempty"`
	LastActionAt  *time.Time `db:"last_action_at" json:"last_action_at,omitempty"`
	LastForwardAt *time.Time `db:"last_forward_at" json:"last_forward_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if !strings.Contains(a.Email, "@") {
		return fmt.Errorf("invalid email address %q", a.Email)
	}
	if a.ProviderID <= 0 {
		return fmt.Errorf("provider is required")
	}
	if a.PollInterval < MinPollInterval {
		return fmt.Errorf("poll interval must be at least %d minutes, got %d", MinPollInterval, a.PollInterval)
	}
	if a.FilterMode != "" && !a.FilterMode.Valid() {
		return fmt.Errorf("unknown filter mode %q", a.FilterMode)
	}
	if a.FilterMode == FilterModeForward && a.ForwardingEmail == "" {
		return fmt.Errorf("forward mode requires a forwarding address")
	}
	return a.validateCredentials()
}

func (a *Account) validateCredentials() error {
	hasPassword := a.Password != ""
	hasAppPassword := a.AppPassword != ""
	hasTokens := a.AccessToken != "" || a.RefreshToken != ""

	var ok bool
	switch a.AuthMethod {
	case AuthPassword:
		ok = hasPassword && !hasAppPassword && !hasTokens
	case AuthAppPassword:
		ok = hasAppPassword && !hasPassword && !hasTokens
	case AuthOAuth2:
		ok = hasTokens && !hasPassword && !hasAppPassword
	case AuthToken:
		ok = a.AccessToken != "" && a.RefreshToken == "" && !hasPassword && !hasAppPassword
	default:
		return fmt.Errorf("unknown auth method %q", a.AuthMethod)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCredentialMismatch, a.AuthMethod)
	}
	return nil
}

// TokenExpired reports whether the stored access token is expired (or about to be) at now
func (a *Account) TokenExpired(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" {
		return true
	}
	if a.TokenExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*a.TokenExpiresAt)
}

// EffectiveFilterMode returns the account's filter mode or fallback when unset
func (a *Account) EffectiveFilterMode(fallback FilterMode) FilterMode {
	if a.FilterMode.Valid() {
		return a.FilterMode
	}
	return fallback
}

// AccountUpdate is a partial update; nil fields are left unchanged
type AccountUpdate struct {
	DisplayName      *string     `json:"display_name,omitempty"`
	IsActive         *bool       `json:"is_active,omitempty"`
	PollInterval     *int        `json:"poll_interval,omitempty"`
	CustomJunkFolder *string     `json:"custom_junk_folder,omitempty"`
	ForwardingEmail  *string     `json:"forwarding_email,omitempty"`
	FilterLevel      *string     `json:"filter_level,omitempty"`
	FilterMode       *FilterMode `json:"filter_mode,omitempty"`

	// Credential changes replace all credential material at once
	AuthMethod     *AuthMethod `json:"auth_method,omitempty"`
	Password       *string     `json:"-"`
	AppPassword    *string     `json:"-"`
	AccessToken    *string     `json:"-"`
	RefreshToken   *string     `json:"-"`
	TokenExpiresAt *time.Time  `json:"-"`
}

// Apply merges the update into a copy of account and validates the result
func (u AccountUpdate) Apply(account Account) (Account, error) {
	if u.DisplayName != nil {
		account.DisplayName = *u.DisplayName
	}
	if u.IsActive != nil {
		account.IsActive = *u.IsActive
	}
	if u.PollInterval != nil {
		account.PollInterval = *u.PollInterval
	}
	if u.CustomJunkFolder != nil {
		account.CustomJunkFolder = *u.CustomJunkFolder
	}
	if u.ForwardingEmail != nil {
		account.ForwardingEmail = *u.ForwardingEmail
	}
	if u.FilterLevel != nil {
		account.FilterLevel = *u.FilterLevel
	}
	if u.FilterMode != nil {
		account.FilterMode = *u.FilterMode
	}

	if u.AuthMethod != nil {
		account.AuthMethod = *u.AuthMethod
		account.Password = deref(u.Password)
		account.AppPassword = deref(u.AppPassword)
		account.AccessToken = deref(u.AccessToken)
		account.RefreshToken = deref(u.RefreshToken)
		account.TokenExpiresAt = u.TokenExpiresAt
	} else if u.Password != nil || u.AppPassword != nil || u.AccessToken != nil || u.RefreshToken != nil {
		return account, fmt.Errorf("%w: credential change requires auth method", ErrCredentialMismatch)
	}

	if err := account.Validate(); err != nil {
		return account, err
	}
	return account, nil
}

// IntervalChanged reports whether applying u changes the polling schedule
func (u AccountUpdate) IntervalChanged(account Account) bool {
	return (u.PollInterval != nil && *u.PollInterval != account.PollInterval) ||
		(u.IsActive != nil && *u.IsActive != account.IsActive)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
