package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/junkguard/pkg/models"
)

// CreateFilterRule creates a custom rule; invalid regex patterns are rejected
func (db *DB) CreateFilterRule(ctx context.Context, rule *models.FilterRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO filter_rules (user_id, account_id, pattern, is_regex, created_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query, rule.UserID, rule.AccountID, rule.Pattern, rule.IsRegex, now)
	if err != nil {
		return fmt.Errorf("failed to create filter rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rule.ID = id
	rule.CreatedAt = now
	return nil
}

// ListFilterRules returns the user's global rules plus those scoped to accountID
func (db *DB) ListFilterRules(ctx context.Context, userID int64, accountID *int64) ([]*models.FilterRule, error) {
	var rules []*models.FilterRule
	query := `SELECT * FROM filter_rules WHERE user_id = ? AND (account_id IS NULL OR account_id = ?) ORDER BY id`
	if err := db.SelectContext(ctx, &rules, query, userID, accountID); err != nil {
		return nil, fmt.Errorf("failed to list filter rules: %w", err)
	}
	return rules, nil
}

// DeleteFilterRule deletes a rule
func (db *DB) DeleteFilterRule(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM filter_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete filter rule: %w", err)
	}
	return expectOneRow(result)
}

// CreateTrustedSender adds an address to the allowlist
func (db *DB) CreateTrustedSender(ctx context.Context, ts *models.TrustedSender) error {
	if err := ts.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO trusted_senders (user_id, account_id, email, description, created_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query, ts.UserID, ts.AccountID, ts.Email, ts.Description, now)
	if err != nil {
		return fmt.Errorf("failed to create trusted sender: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	ts.ID = id
	ts.CreatedAt = now
	return nil
}

// ListTrustedSenders returns the user's global entries plus those scoped to accountID
func (db *DB) ListTrustedSenders(ctx context.Context, userID int64, accountID *int64) ([]*models.TrustedSender, error) {
	var senders []*models.TrustedSender
	query := `SELECT * FROM trusted_senders WHERE user_id = ? AND (account_id IS NULL OR account_id = ?) ORDER BY id`
	if err := db.SelectContext(ctx, &senders, query, userID, accountID); err != nil {
		return nil, fmt.Errorf("failed to list trusted senders: %w", err)
	}
	return senders, nil
}

// DeleteTrustedSender removes an allowlist entry
func (db *DB) DeleteTrustedSender(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM trusted_senders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trusted sender: %w", err)
	}
	return expectOneRow(result)
}

// IsEmailTrusted reports whether email is allowlisted for the user, globally or for accountID
func (db *DB) IsEmailTrusted(ctx context.Context, email string, userID int64, accountID *int64) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM trusted_senders
		WHERE user_id = ? AND email = ? AND (account_id IS NULL OR account_id = ?)
	`
	if err := db.GetContext(ctx, &count, query, userID, normalizeEmail(email), accountID); err != nil {
		return false, fmt.Errorf("failed to check trusted sender: %w", err)
	}
	return count > 0, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
