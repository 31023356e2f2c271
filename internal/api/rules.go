package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mixelka/junkguard/internal/database"
	"github.com/mixelka/junkguard/pkg/models"
)

// CreateRuleRequest adds a custom rule; AccountID nil applies it to all the user's accounts
type CreateRuleRequest struct {
	UserID    int64  `json:"user_id"`
	AccountID *int64 `json:"account_id,omitempty"`
	Pattern   string `json:"pattern"`
	IsRegex   bool   `json:"is_regex"`
}

// CreateTrustedSenderRequest allowlists an address
type CreateTrustedSenderRequest struct {
	UserID      int64  `json:"user_id"`
	AccountID   *int64 `json:"account_id,omitempty"`
	Email       string `json:"email"`
	Description string `json:"description"`
}

// SavePreferencesRequest replaces the preferences for (user_id, account_id)
type SavePreferencesRequest struct {
	UserID          int64  `json:"user_id"`
	AccountID       *int64 `json:"account_id,omitempty"`
	KeepNewsletters bool   `json:"keep_newsletters"`
	KeepReceipts    bool   `json:"keep_receipts"`
	KeepSocialMedia bool   `json:"keep_social_media"`
	AutoDeleteAll   bool   `json:"auto_delete_all"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if !s.checkScope(r.Context(), w, req.UserID, req.AccountID) {
		return
	}

	rule := &models.FilterRule{
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Pattern:   req.Pattern,
		IsRegex:   req.IsRegex,
	}
	if err := s.store.CreateFilterRule(r.Context(), rule); err != nil {
		if errors.Is(err, models.ErrInvalidPattern) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, err, "Failed to create rule")
		return
	}

	s.logger.Info("filter rule created", "rule_id", rule.ID, "user_id", rule.UserID)
	s.writeJSON(w, http.StatusCreated, rule)
}

// handleListRules takes ?user_id= and an optional ?account_id=
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	userID, accountID, ok := s.scopeQuery(w, r)
	if !ok {
		return
	}

	rules, err := s.store.ListFilterRules(r.Context(), userID, accountID)
	if err != nil {
		s.writeStoreError(w, err, "Failed to list rules")
		return
	}
	if rules == nil {
		rules = []*models.FilterRule{}
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}
	if err := s.store.DeleteFilterRule(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "Failed to delete rule")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

func (s *Server) handleCreateTrustedSender(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateTrustedSenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if !s.checkScope(r.Context(), w, req.UserID, req.AccountID) {
		return
	}

	ts := &models.TrustedSender{
		UserID:      req.UserID,
		AccountID:   req.AccountID,
		Email:       req.Email,
		Description: req.Description,
	}
	if err := s.store.CreateTrustedSender(r.Context(), ts); err != nil {
		if errors.Is(err, models.ErrInvalidSender) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, err, "Failed to create trusted sender")
		return
	}

	s.logger.Info("trusted sender added", "trusted_id", ts.ID, "user_id", ts.UserID)
	s.writeJSON(w, http.StatusCreated, ts)
}

// handleListTrustedSenders takes ?user_id= and an optional ?account_id=
func (s *Server) handleListTrustedSenders(w http.ResponseWriter, r *http.Request) {
	userID, accountID, ok := s.scopeQuery(w, r)
	if !ok {
		return
	}

	senders, err := s.store.ListTrustedSenders(r.Context(), userID, accountID)
	if err != nil {
		s.writeStoreError(w, err, "Failed to list trusted senders")
		return
	}
	if senders == nil {
		senders = []*models.TrustedSender{}
	}
	s.writeJSON(w, http.StatusOK, senders)
}

func (s *Server) handleDeleteTrustedSender(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid trusted sender id")
		return
	}
	if err := s.store.DeleteTrustedSender(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "Failed to delete trusted sender")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

// handleSavePreferences upserts; there is one record per user and account scope
func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SavePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if !s.checkScope(r.Context(), w, req.UserID, req.AccountID) {
		return
	}

	prefs := &models.JunkMailPreferences{
		UserID:          req.UserID,
		AccountID:       req.AccountID,
		KeepNewsletters: req.KeepNewsletters,
		KeepReceipts:    req.KeepReceipts,
		KeepSocialMedia: req.KeepSocialMedia,
		AutoDeleteAll:   req.AutoDeleteAll,
	}
	if err := s.store.SavePreferences(r.Context(), prefs); err != nil {
		s.writeStoreError(w, err, "Failed to save preferences")
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

// handleGetPreferences returns the preferences in effect: the account's own,
// then the user-wide record, then defaults
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, accountID, ok := s.scopeQuery(w, r)
	if !ok {
		return
	}

	var scope int64
	if accountID != nil {
		scope = *accountID
	}
	prefs, err := s.store.GetMergedPreferences(r.Context(), userID, scope)
	if err != nil {
		s.writeStoreError(w, err, "Failed to load preferences")
		return
	}
	if accountID == nil && prefs.ID == 0 {
		prefs.AccountID = nil
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleDeletePreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid preferences id")
		return
	}
	if err := s.store.DeletePreferences(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "Failed to delete preferences")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

// scopeQuery reads ?user_id= (required) and ?account_id=
func (s *Server) scopeQuery(w http.ResponseWriter, r *http.Request) (int64, *int64, bool) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return 0, nil, false
	}

	v := q.Get("account_id")
	if v == "" {
		return userID, nil, true
	}
	accountID, err := strconv.ParseInt(v, 10, 64)
	if err != nil || accountID <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid account_id")
		return 0, nil, false
	}
	return userID, &accountID, true
}

// checkScope requires a user and, when accountID is set, that the account is theirs
func (s *Server) checkScope(ctx context.Context, w http.ResponseWriter, userID int64, accountID *int64) bool {
	if userID <= 0 {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return false
	}
	if accountID == nil {
		return true
	}

	account, err := s.store.GetAccountByID(ctx, *accountID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && account.UserID != userID) {
		s.writeError(w, http.StatusBadRequest, "account_id does not belong to user")
		return false
	}
	if err != nil {
		s.writeStoreError(w, err, "Failed to load account")
		return false
	}
	return true
}
