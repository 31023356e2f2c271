package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/junkguard/pkg/models"
)

// CreateProvider creates a provider configuration
func (db *DB) CreateProvider(ctx context.Context, p *models.ProviderConfig) error {
	if !p.Type.Valid() {
		return fmt.Errorf("unknown provider type %q", p.Type)
	}

	query := `
		INSERT INTO providers (name, type, imap_host, imap_port, smtp_host, smtp_port, secure, junk_folder_path,
			oauth_client_id, oauth_client_secret, oauth_authorize_url, oauth_token_url, oauth_scope,
			oauth_redirect_uri, offline_access, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		p.Name, p.Type, p.IMAPHost, p.IMAPPort, p.SMTPHost, p.SMTPPort, p.Secure, p.JunkFolderPath,
		p.OAuthClientID, p.OAuthClientSecret, p.OAuthAuthorizeURL, p.OAuthTokenURL, p.OAuthScope,
		p.OAuthRedirectURI, p.OfflineAccess, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create provider: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetProviderByID returns a provider by ID
func (db *DB) GetProviderByID(ctx context.Context, id int64) (*models.ProviderConfig, error) {
	var p models.ProviderConfig
	err := db.GetContext(ctx, &p, `SELECT * FROM providers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &p, nil
}

// GetProviderByType returns the provider configured for a provider family
func (db *DB) GetProviderByType(ctx context.Context, t models.ProviderType) (*models.ProviderConfig, error) {
	var p models.ProviderConfig
	err := db.GetContext(ctx, &p, `SELECT * FROM providers WHERE type = ?`, t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &p, nil
}

// ListProviders returns all providers
func (db *DB) ListProviders(ctx context.Context) ([]*models.ProviderConfig, error) {
	var providers []*models.ProviderConfig
	if err := db.SelectContext(ctx, &providers, `SELECT * FROM providers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

// UpdateProvider replaces a provider's mutable fields
func (db *DB) UpdateProvider(ctx context.Context, p *models.ProviderConfig) error {
	query := `
		UPDATE providers SET name = ?, imap_host = ?, imap_port = ?, smtp_host = ?, smtp_port = ?, secure = ?,
			junk_folder_path = ?, oauth_client_id = ?, oauth_client_secret = ?, oauth_authorize_url = ?,
			oauth_token_url = ?, oauth_scope = ?, oauth_redirect_uri = ?, offline_access = ?, updated_at = ?
		WHERE id = ?
	`
	p.UpdatedAt = time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		p.Name, p.IMAPHost, p.IMAPPort, p.SMTPHost, p.SMTPPort, p.Secure,
		p.JunkFolderPath, p.OAuthClientID, p.OAuthClientSecret, p.OAuthAuthorizeURL,
		p.OAuthTokenURL, p.OAuthScope, p.OAuthRedirectURI, p.OfflineAccess, p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	return expectOneRow(result)
}

// DeleteProvider deletes a provider that no account references
func (db *DB) DeleteProvider(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return expectOneRow(result)
}

// SeedProviders inserts presets whose type is not configured yet
func (db *DB) SeedProviders(ctx context.Context, presets []*models.ProviderConfig) error {
	for _, p := range presets {
		if _, err := db.GetProviderByType(ctx, p.Type); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := db.CreateProvider(ctx, p); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
	}
	return nil
}
