package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mixelka/junkguard/internal/classifier"
	"github.com/mixelka/junkguard/internal/database"
	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/scanner"
	"github.com/mixelka/junkguard/pkg/models"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

// AnalyzeRequest is the content to classify without side effects
type AnalyzeRequest struct {
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
	UserID    int64  `json:"user_id"`
	AccountID *int64 `json:"account_id,omitempty"`
}

// PoolResponse is the session pool status with per-account connection errors
type PoolResponse struct {
	Status email.PoolStatus `json:"status"`
	Errors map[int64]string `json:"errors"`
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

// handleCheckNow starts an out-of-band check and answers before it runs
func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	if _, err := s.store.GetAccountByID(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "Failed to load account")
		return
	}

	switch err := s.scanner.TriggerCheckNow(id); {
	case errors.Is(err, scanner.ErrCheckInProgress):
		s.writeError(w, http.StatusConflict, "Check already in progress")
	case errors.Is(err, scanner.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "Scanner is shutting down")
	case err != nil:
		s.logger.Error("failed to trigger check", "account_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to start check")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"account_id": id,
			"status":     "started",
		})
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	verdict := s.scanner.AnalyzeContent(r.Context(), classifier.Input{
		Subject:     req.Subject,
		BodyText:    req.Text,
		BodyHTML:    req.HTML,
		SenderEmail: req.Sender,
		UserID:      req.UserID,
		AccountID:   req.AccountID,
	})
	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, PoolResponse{
		Status: s.pool.Status(),
		Errors: s.pool.ConnectionErrors(),
	})
}

// handleListActivity supports ?type=, ?since= (RFC 3339), ?order=desc, ?limit= and ?offset=
func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	q := r.URL.Query()
	filter := models.ActivityFilter{
		AccountID: &id,
		Type:      models.ActivityType(q.Get("type")),
		Limit:     defaultActivityLimit,
	}

	switch q.Get("order") {
	case "", "asc":
	case "desc":
		filter.Newest = true
	default:
		s.writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxActivityLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be a non-negative number")
			return
		}
		filter.Offset = n
	}

	entries, err := s.store.ListActivity(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list activity", "account_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list activity")
		return
	}
	if entries == nil {
		entries = []*models.ActivityLogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, database.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	s.logger.Error(message, "error", err)
	s.writeError(w, http.StatusInternalServerError, message)
}
