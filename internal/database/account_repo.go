package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/junkguard/pkg/models"
)

// CreateAccount creates a new monitored account
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	if _, err := db.GetProviderByID(ctx, account.ProviderID); err != nil {
		return fmt.Errorf("failed to resolve provider %d: %w", account.ProviderID, err)
	}

	query := `
		INSERT INTO accounts (user_id, email, display_name, is_active, provider_id, auth_method,
			password, app_password, access_token, refresh_token, token_expires_at,
			poll_interval, custom_junk_folder, forwarding_email, filter_level, filter_mode,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		account.UserID,
		account.Email,
		account.DisplayName,
		account.IsActive,
		account.ProviderID,
		account.AuthMethod,
		account.Password,
		account.AppPassword,
		account.AccessToken,
		account.RefreshToken,
		account.TokenExpiresAt,
		account.PollInterval,
		account.CustomJunkFolder,
		account.ForwardingEmail,
		account.FilterLevel,
		account.FilterMode,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccountsByUser returns all accounts of an operator
func (db *DB) ListAccountsByUser(ctx context.Context, userID int64) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts WHERE user_id = ? ORDER BY created_at DESC`
	err := db.SelectContext(ctx, &accounts, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// GetAllActiveAccounts returns all active accounts
func (db *DB) GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts WHERE is_active = true`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccount applies a partial update and returns the stored result
func (db *DB) UpdateAccount(ctx context.Context, id int64, update models.AccountUpdate) (*models.Account, error) {
	current, err := db.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}

	merged, err := update.Apply(*current)
	if err != nil {
		return nil, err
	}

	merged.UpdatedAt = time.Now().UTC()
	settings := []interface{}{
		merged.DisplayName,
		merged.IsActive,
		merged.PollInterval,
		merged.CustomJunkFolder,
		merged.ForwardingEmail,
		merged.FilterLevel,
		merged.FilterMode,
		merged.UpdatedAt,
	}

	// Credential columns are written only on an auth change so a concurrent
	// token refresh is never overwritten with the snapshot read above
	query := `
		UPDATE accounts SET display_name = ?, is_active = ?, poll_interval = ?, custom_junk_folder = ?,
			forwarding_email = ?, filter_level = ?, filter_mode = ?, updated_at = ?
		WHERE id = ?
	`
	args := append(settings, id)
	if update.AuthMethod != nil {
		query = `
			UPDATE accounts SET display_name = ?, is_active = ?, poll_interval = ?, custom_junk_folder = ?,
				forwarding_email = ?, filter_level = ?, filter_mode = ?, updated_at = ?,
				auth_method = ?, password = ?, app_password = ?, access_token = ?, refresh_token = ?,
				token_expires_at = ?
			WHERE id = ?
		`
		args = append(settings,
			merged.AuthMethod,
			merged.Password,
			merged.AppPassword,
			merged.AccessToken,
			merged.RefreshToken,
			merged.TokenExpiresAt,
			id,
		)
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	if update.AuthMethod != nil {
		return &merged, nil
	}
	return db.GetAccountByID(ctx, id)
}

// UpdateAccountTokens stores refreshed OAuth tokens; an empty refresh token keeps the old one
func (db *DB) UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE accounts SET access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := db.ExecContext(ctx, query, accessToken, refreshToken, refreshToken, expiresAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return expectOneRow(result)
}

// TouchLastCheck records the time of the latest check
func (db *DB) TouchLastCheck(ctx context.Context, id int64, at time.Time) error {
	return db.touch(ctx, "last_check_at", id, at)
}

// TouchLastAction records the time of the latest mailbox mutation
func (db *DB) TouchLastAction(ctx context.Context, id int64, at time.Time) error {
	return db.touch(ctx, "last_action_at", id, at)
}

// TouchLastForward records the time of the latest confirmed forward
func (db *DB) TouchLastForward(ctx context.Context, id int64, at time.Time) error {
	return db.touch(ctx, "last_forward_at", id, at)
}

func (db *DB) touch(ctx context.Context, column string, id int64, at time.Time) error {
	query := fmt.Sprintf(`UPDATE accounts SET %s = ? WHERE id = ?`, column)
	result, err := db.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return expectOneRow(result)
}

// SetAccountActive sets the active status of an account
func (db *DB) SetAccountActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set account active: %w", err)
	}
	return expectOneRow(result)
}

// DeleteAccount removes an account; accounts referenced by the activity log are deactivated instead.
// Reports whether the row was actually removed.
func (db *DB) DeleteAccount(ctx context.Context, id int64) (bool, error) {
	var refs int
	if err := db.GetContext(ctx, &refs, `SELECT COUNT(*) FROM activity_log WHERE account_id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to count activity: %w", err)
	}
	if refs > 0 {
		return false, db.SetAccountActive(ctx, id, false)
	}

	result, err := db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete account: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return false, err
	}
	return true, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
