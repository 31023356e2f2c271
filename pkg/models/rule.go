package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidPattern is returned when a regex rule fails to compile
var ErrInvalidPattern = errors.New("invalid pattern")

// ErrInvalidSender is returned for allowlist entries that aren't an address
var ErrInvalidSender = errors.New("invalid sender address")

// FilterRule a custom user rule, optionally scoped to one account
type FilterRule struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	AccountID *int64    `db:"account_id" json:"account_id,omitempty"` // nil applies to all of the user's accounts
	Pattern   string    `db:"pattern" json:"pattern"`
	IsRegex   bool      `db:"is_regex" json:"is_regex"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Validate rejects empty patterns and regexes that don't compile
func (r *FilterRule) Validate() error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if r.IsRegex {
		if _, err := CompileRule(r.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// CompileRule compiles a rule pattern case-insensitively
func CompileRule(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// TrustedSender an allowlisted address exempt from filtering
type TrustedSender struct {
	ID          int64     `db:"id" json:"id"`
	UserID      int64     `db:"user_id" json:"user_id"`
	AccountID   *int64    `db:"account_id" json:"account_id,omitempty"`
	Email       string    `db:"email" json:"email"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Validate normalizes the address and rejects anything without an @
func (ts *TrustedSender) Validate() error {
	ts.Email = strings.ToLower(strings.TrimSpace(ts.Email))
	if !strings.Contains(ts.Email, "@") {
		return fmt.Errorf("%w: %q", ErrInvalidSender, ts.Email)
	}
	return nil
}

// JunkMailPreferences keep/delete switches, per account or user-wide when AccountID is nil
type JunkMailPreferences struct {
	ID              int64     `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	AccountID       *int64    `db:"account_id" json:"account_id,omitempty"`
	KeepNewsletters bool      `db:"keep_newsletters" json:"keep_newsletters"`
	KeepReceipts    bool      `db:"keep_receipts" json:"keep_receipts"`
	KeepSocialMedia bool      `db:"keep_social_media" json:"keep_social_media"`
	AutoDeleteAll   bool      `db:"auto_delete_all" json:"auto_delete_all"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Verdict the classifier's decision
type Verdict struct {
	Inappropriate bool   `json:"inappropriate"`
	Reason        string `json:"reason"`
}
