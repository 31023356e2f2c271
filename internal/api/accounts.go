package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mixelka/junkguard/internal/database"
	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/pkg/models"
)

const defaultPollInterval = 15

// CreateAccountRequest registers a monitored mailbox.
// ProviderID is optional; the provider is detected from the address otherwise.
type CreateAccountRequest struct {
	UserID           int64             `json:"user_id"`
	Email            string            `json:"email"`
	DisplayName      string            `json:"display_name"`
	ProviderID       int64             `json:"provider_id,omitempty"`
	AuthMethod       models.AuthMethod `json:"auth_method"`
	Password         string            `json:"password,omitempty"`
	AppPassword      string            `json:"app_password,omitempty"`
	AccessToken      string            `json:"access_token,omitempty"`
	PollInterval     int               `json:"poll_interval,omitempty"`
	CustomJunkFolder string            `json:"custom_junk_folder,omitempty"`
	ForwardingEmail  string            `json:"forwarding_email,omitempty"`
	FilterLevel      string            `json:"filter_level,omitempty"`
	FilterMode       models.FilterMode `json:"filter_mode,omitempty"`
}

// UpdateAccountRequest is a partial update; credentials require auth_method
type UpdateAccountRequest struct {
	models.AccountUpdate
	Password    *string `json:"password,omitempty"`
	AppPassword *string `json:"app_password,omitempty"`
	AccessToken *string `json:"access_token,omitempty"`
}

// AccountResponse is an account with its scanner state
type AccountResponse struct {
	*models.Account
	State           string `json:"state"`
	ConnectionError string `json:"connection_error,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.UserID <= 0 || req.Email == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and email are required")
		return
	}

	ctx := r.Context()

	provider, err := s.providerFor(ctx, req.ProviderID, req.Email)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "Unknown provider")
			return
		}
		s.logger.Error("failed to resolve provider", "email", req.Email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to resolve provider")
		return
	}

	account := &models.Account{
		UserID:           req.UserID,
		Email:            req.Email,
		DisplayName:      req.DisplayName,
		IsActive:         true,
		ProviderID:       provider.ID,
		AuthMethod:       req.AuthMethod,
		PollInterval:     req.PollInterval,
		CustomJunkFolder: req.CustomJunkFolder,
		ForwardingEmail:  req.ForwardingEmail,
		FilterLevel:      req.FilterLevel,
		FilterMode:       req.FilterMode,
	}
	if account.PollInterval == 0 {
		account.PollInterval = defaultPollInterval
	}

	// Validate plaintext so error messages don't depend on ciphertext
	account.Password, account.AppPassword, account.AccessToken = req.Password, req.AppPassword, req.AccessToken
	if err := account.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, field := range []*string{&account.Password, &account.AppPassword, &account.AccessToken} {
		enc, err := s.encrypt(*field)
		if err != nil {
			s.logger.Error("failed to encrypt credentials", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
			return
		}
		*field = enc
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			s.writeError(w, http.StatusConflict, "Account already exists")
			return
		}
		s.logger.Error("failed to create account", "email", req.Email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	s.scanner.Reschedule(account)
	s.logger.Info("account created", "account_id", account.ID, "provider", provider.Type)

	s.writeJSON(w, http.StatusCreated, s.accountResponse(account))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	account, err := s.store.GetAccountByID(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "Failed to load account")
		return
	}
	s.writeJSON(w, http.StatusOK, s.accountResponse(account))
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	defer r.Body.Close()
	var req UpdateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctx := r.Context()
	current, err := s.store.GetAccountByID(ctx, id)
	if err != nil {
		s.writeStoreError(w, err, "Failed to load account")
		return
	}

	update := req.AccountUpdate
	update.Password, update.AppPassword, update.AccessToken = req.Password, req.AppPassword, req.AccessToken
	if _, err := update.Apply(*current); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, field := range []**string{&update.Password, &update.AppPassword, &update.AccessToken} {
		if *field == nil {
			continue
		}
		enc, err := s.encrypt(**field)
		if err != nil {
			s.logger.Error("failed to encrypt credentials", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
			return
		}
		*field = &enc
	}

	updated, err := s.store.UpdateAccount(ctx, id, update)
	if err != nil {
		s.writeStoreError(w, err, "Failed to update account")
		return
	}

	if update.AuthMethod != nil {
		// Next check reconnects with the new credentials
		s.pool.DisconnectAccount(id)
	}
	if update.IntervalChanged(*current) {
		s.scanner.Reschedule(updated)
	}

	s.writeJSON(w, http.StatusOK, s.accountResponse(updated))
}

// handleDeleteAccount removes the account, or deactivates it when it has history
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetAccountByID(ctx, id); err != nil {
		s.writeStoreError(w, err, "Failed to load account")
		return
	}

	s.scanner.Unschedule(id)
	s.pool.DisconnectAccount(id)

	removed, err := s.store.DeleteAccount(ctx, id)
	if err != nil {
		s.writeStoreError(w, err, "Failed to delete account")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":  id,
		"deleted":     removed,
		"deactivated": !removed,
	})
}

// providerFor returns the explicit provider, the preset for a known domain,
// or the shared generic provider, resolving servers from DNS when none exists yet
func (s *Server) providerFor(ctx context.Context, providerID int64, address string) (*models.ProviderConfig, error) {
	if providerID > 0 {
		return s.store.GetProviderByID(ctx, providerID)
	}

	t := email.DetectProviderType(address)
	p, err := s.store.GetProviderByType(ctx, t)
	if err == nil || t != models.ProviderGeneric || !errors.Is(err, database.ErrNotFound) {
		return p, err
	}

	p, err = s.resolveProvider(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve servers: %w", err)
	}
	if err := s.store.CreateProvider(ctx, p); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return s.store.GetProviderByType(ctx, t)
		}
		return nil, err
	}
	return p, nil
}

func (s *Server) accountResponse(account *models.Account) AccountResponse {
	return AccountResponse{
		Account:         account,
		State:           string(s.scanner.State(account.ID)),
		ConnectionError: s.pool.ConnectionErrors()[account.ID],
	}
}

func (s *Server) encrypt(plaintext string) (string, error) {
	if plaintext == "" || s.cipher == nil {
		return plaintext, nil
	}
	return s.cipher.Encrypt(plaintext)
}
