package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mixelka/junkguard/internal/database"
	"github.com/mixelka/junkguard/internal/oauth"
	"github.com/mixelka/junkguard/pkg/models"
)

// handleOAuthAuthorize starts consent for an existing account (?account_id=)
// or for a new one (?user_id=&email=). ?redirect=true answers with a 302.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	providerType := models.ProviderType(mux.Vars(r)["provider"])
	if !providerType.Valid() {
		s.writeError(w, http.StatusNotFound, "Unknown provider")
		return
	}
	provider, err := s.store.GetProviderByType(ctx, providerType)
	if err != nil {
		s.writeStoreError(w, err, "Failed to load provider")
		return
	}

	var req oauth.AuthRequest
	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid account_id")
			return
		}
		account, err := s.store.GetAccountByID(ctx, id)
		if err != nil {
			s.writeStoreError(w, err, "Failed to load account")
			return
		}
		if account.ProviderID != provider.ID {
			s.writeError(w, http.StatusBadRequest, "Account belongs to a different provider")
			return
		}
		req = oauth.AuthRequest{AccountID: account.ID, UserID: account.UserID, Email: account.Email}
	} else {
		userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
		if err != nil || userID <= 0 || q.Get("email") == "" {
			s.writeError(w, http.StatusBadRequest, "account_id, or user_id and email, are required")
			return
		}
		req = oauth.AuthRequest{UserID: userID, Email: q.Get("email")}
	}

	authURL, err := s.oauth.AuthorizationURL(provider, req)
	if err != nil {
		if errors.Is(err, oauth.ErrNotConfigured) {
			s.writeError(w, http.StatusBadRequest, "OAuth is not configured for this provider")
			return
		}
		s.logger.Error("failed to build authorization url", "provider", providerType, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to start authorization")
		return
	}

	if q.Get("redirect") == "true" {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

// handleOAuthCallback redeems the code and stores the tokens on the pending account
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		// Drop the pending state, the user declined or the provider failed
		s.oauth.ConsumeState(q.Get("state"))
		s.writeError(w, http.StatusBadRequest, "Authorization failed: "+e)
		return
	}

	pending, err := s.oauth.ConsumeState(q.Get("state"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid or expired state")
		return
	}
	code := q.Get("code")
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "Missing code")
		return
	}

	provider, err := s.store.GetProviderByID(ctx, pending.ProviderID)
	if err != nil {
		s.writeStoreError(w, err, "Failed to load provider")
		return
	}

	tok, err := s.oauth.ExchangeCode(ctx, provider, code, pending.RedirectURI)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "Token exchange failed")
		return
	}

	access, err := s.encrypt(tok.AccessToken)
	if err == nil {
		var refresh string
		refresh, err = s.encrypt(tok.RefreshToken)
		tok.AccessToken, tok.RefreshToken = access, refresh
	}
	if err != nil {
		s.logger.Error("failed to encrypt tokens", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to encrypt tokens")
		return
	}
	expiry := tok.Expiry

	if pending.AccountID == 0 {
		account := &models.Account{
			UserID:         pending.UserID,
			Email:          pending.Email,
			IsActive:       true,
			ProviderID:     provider.ID,
			AuthMethod:     models.AuthOAuth2,
			AccessToken:    tok.AccessToken,
			RefreshToken:   tok.RefreshToken,
			TokenExpiresAt: &expiry,
			PollInterval:   defaultPollInterval,
		}
		if err := s.store.CreateAccount(ctx, account); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) {
				s.writeError(w, http.StatusConflict, "Account already exists")
				return
			}
			s.logger.Error("failed to create oauth account", "email", pending.Email, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to create account")
			return
		}
		s.scanner.Reschedule(account)
		s.logger.Info("oauth account created", "account_id", account.ID, "provider", provider.Type)
		s.writeJSON(w, http.StatusCreated, map[string]interface{}{"account_id": account.ID, "status": "authorized"})
		return
	}

	account, err := s.store.GetAccountByID(ctx, pending.AccountID)
	if err != nil {
		s.writeStoreError(w, err, "Failed to load account")
		return
	}

	if account.AuthMethod == models.AuthOAuth2 {
		err = s.store.UpdateAccountTokens(ctx, account.ID, tok.AccessToken, tok.RefreshToken, expiry)
	} else {
		method := models.AuthOAuth2
		update := models.AccountUpdate{
			AuthMethod:     &method,
			AccessToken:    &tok.AccessToken,
			TokenExpiresAt: &expiry,
		}
		if tok.RefreshToken != "" {
			update.RefreshToken = &tok.RefreshToken
		}
		_, err = s.store.UpdateAccount(ctx, account.ID, update)
	}
	if err != nil {
		s.writeStoreError(w, err, "Failed to store tokens")
		return
	}

	// Drop the pooled session so the next check connects with the new token
	s.pool.DisconnectAccount(account.ID)
	if refreshed, err := s.store.GetAccountByID(ctx, account.ID); err == nil {
		s.scanner.Reschedule(refreshed)
	}

	s.logger.Info("oauth tokens stored", "account_id", account.ID, "provider", provider.Type)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": account.ID, "status": "authorized"})
}
