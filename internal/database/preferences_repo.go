package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/junkguard/pkg/models"
)

// SavePreferences inserts or replaces the preference record for (user, account scope)
func (db *DB) SavePreferences(ctx context.Context, prefs *models.JunkMailPreferences) error {
	var existingID int64
	err := db.GetContext(ctx, &existingID,
		`SELECT id FROM junk_mail_preferences WHERE user_id = ? AND account_id IS ?`,
		prefs.UserID, prefs.AccountID)

	now := time.Now().UTC()
	switch {
	case err == nil:
		_, err = db.ExecContext(ctx, `
			UPDATE junk_mail_preferences
			SET keep_newsletters = ?, keep_receipts = ?, keep_social_media = ?, auto_delete_all = ?, updated_at = ?
			WHERE id = ?`,
			prefs.KeepNewsletters, prefs.KeepReceipts, prefs.KeepSocialMedia, prefs.AutoDeleteAll, now, existingID)
		if err != nil {
			return fmt.Errorf("failed to update preferences: %w", err)
		}
		prefs.ID = existingID
	case errors.Is(err, sql.ErrNoRows):
		result, err := db.ExecContext(ctx, `
			INSERT INTO junk_mail_preferences
				(user_id, account_id, keep_newsletters, keep_receipts, keep_social_media, auto_delete_all, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			prefs.UserID, prefs.AccountID, prefs.KeepNewsletters, prefs.KeepReceipts, prefs.KeepSocialMedia,
			prefs.AutoDeleteAll, now, now)
		if err != nil {
			return fmt.Errorf("failed to create preferences: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		prefs.ID = id
		prefs.CreatedAt = now
	default:
		return fmt.Errorf("failed to look up preferences: %w", err)
	}

	prefs.UpdatedAt = now
	return nil
}

// GetMergedPreferences returns the closest-scoped preferences: account-specific, then user-wide, then defaults
func (db *DB) GetMergedPreferences(ctx context.Context, userID, accountID int64) (*models.JunkMailPreferences, error) {
	var prefs models.JunkMailPreferences
	query := `
		SELECT * FROM junk_mail_preferences
		WHERE user_id = ? AND (account_id = ? OR account_id IS NULL)
		ORDER BY account_id IS NULL ASC
		LIMIT 1
	`
	err := db.GetContext(ctx, &prefs, query, userID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.JunkMailPreferences{UserID: userID, AccountID: &accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return &prefs, nil
}

// DeletePreferences deletes a preference record
func (db *DB) DeletePreferences(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM junk_mail_preferences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete preferences: %w", err)
	}
	return expectOneRow(result)
}
