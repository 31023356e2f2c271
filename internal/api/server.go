package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/mixelka/junkguard/internal/classifier"
	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/oauth"
	"github.com/mixelka/junkguard/internal/scanner"
	"github.com/mixelka/junkguard/pkg/models"
)

// Store is the record store behind the API
type Store interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccount(ctx context.Context, id int64, update models.AccountUpdate) (*models.Account, error)
	UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	DeleteAccount(ctx context.Context, id int64) (bool, error)
	ListActivity(ctx context.Context, filter models.ActivityFilter) ([]*models.ActivityLogEntry, error)
	GetProviderByID(ctx context.Context, id int64) (*models.ProviderConfig, error)
	GetProviderByType(ctx context.Context, t models.ProviderType) (*models.ProviderConfig, error)
	CreateProvider(ctx context.Context, p *models.ProviderConfig) error
	CreateFilterRule(ctx context.Context, rule *models.FilterRule) error
	ListFilterRules(ctx context.Context, userID int64, accountID *int64) ([]*models.FilterRule, error)
	DeleteFilterRule(ctx context.Context, id int64) error
	CreateTrustedSender(ctx context.Context, ts *models.TrustedSender) error
	ListTrustedSenders(ctx context.Context, userID int64, accountID *int64) ([]*models.TrustedSender, error)
	DeleteTrustedSender(ctx context.Context, id int64) error
	SavePreferences(ctx context.Context, prefs *models.JunkMailPreferences) error
	GetMergedPreferences(ctx context.Context, userID, accountID int64) (*models.JunkMailPreferences, error)
	DeletePreferences(ctx context.Context, id int64) error
}

// Scanner runs and schedules account checks
type Scanner interface {
	TriggerCheckNow(accountID int64) error
	AnalyzeContent(ctx context.Context, in classifier.Input) models.Verdict
	Reschedule(account *models.Account)
	Unschedule(accountID int64)
	State(accountID int64) scanner.State
}

// Pool is the session pool as seen by the API
type Pool interface {
	Status() email.PoolStatus
	ConnectionErrors() map[int64]string
	DisconnectAccount(accountID int64)
}

// OAuth runs the authorization-code flow
type OAuth interface {
	AuthorizationURL(p *models.ProviderConfig, req oauth.AuthRequest) (string, error)
	ConsumeState(state string) (oauth.PendingAuth, error)
	ExchangeCode(ctx context.Context, p *models.ProviderConfig, code, redirectURI string) (*oauth2.Token, error)
}

// Cipher encrypts credentials before they are stored
type Cipher interface {
	Encrypt(plaintext string) (string, error)
}

// Deps dependencies for creating a server
type Deps struct {
	Store   Store
	Scanner Scanner
	Pool    Pool
	OAuth   OAuth
	Cipher  Cipher
	Logger  *slog.Logger
	// ResolveProvider guesses servers for unknown domains, email.ResolveGenericProvider by default
	ResolveProvider func(ctx context.Context, address string) (*models.ProviderConfig, error)
}

// Server is the HTTP surface over the scanner, pool and store
type Server struct {
	store           Store
	scanner         Scanner
	pool            Pool
	oauth           OAuth
	cipher          Cipher
	resolveProvider func(ctx context.Context, address string) (*models.ProviderConfig, error)
	apiKey          string
	logger          *slog.Logger
	server          *http.Server
}

// New creates a new HTTP API server; an empty apiKey leaves /api open
func New(addr, apiKey string, deps Deps) *Server {
	s := &Server{
		store:           deps.Store,
		scanner:         deps.Scanner,
		pool:            deps.Pool,
		oauth:           deps.OAuth,
		cipher:          deps.Cipher,
		resolveProvider: deps.ResolveProvider,
		apiKey:          apiKey,
		logger:          deps.Logger.With("component", "http_api"),
	}
	if s.resolveProvider == nil {
		s.resolveProvider = email.ResolveGenericProvider
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router configures all HTTP routes and middleware
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	// The provider redirects the browser here, so it can't carry the API key
	router.HandleFunc("/api/oauth/callback", s.handleOAuthCallback).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	api.HandleFunc("/accounts/{id:[0-9]+}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{id:[0-9]+}", s.handleUpdateAccount).Methods("PATCH")
	api.HandleFunc("/accounts/{id:[0-9]+}", s.handleDeleteAccount).Methods("DELETE")
	api.HandleFunc("/accounts/{id:[0-9]+}/check", s.handleCheckNow).Methods("POST")
	api.HandleFunc("/accounts/{id:[0-9]+}/activity", s.handleListActivity).Methods("GET")

	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules/{id:[0-9]+}", s.handleDeleteRule).Methods("DELETE")

	api.HandleFunc("/trusted-senders", s.handleCreateTrustedSender).Methods("POST")
	api.HandleFunc("/trusted-senders", s.handleListTrustedSenders).Methods("GET")
	api.HandleFunc("/trusted-senders/{id:[0-9]+}", s.handleDeleteTrustedSender).Methods("DELETE")

	api.HandleFunc("/preferences", s.handleSavePreferences).Methods("PUT")
	api.HandleFunc("/preferences", s.handleGetPreferences).Methods("GET")
	api.HandleFunc("/preferences/{id:[0-9]+}", s.handleDeletePreferences).Methods("DELETE")

	api.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	api.HandleFunc("/pool", s.handlePoolStatus).Methods("GET")

	api.HandleFunc("/oauth/{provider}/authorize", s.handleOAuthAuthorize).Methods("GET")

	return router
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down http api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to shut down http api", "error", err)
		}
	}()

	s.logger.Info("starting http api", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
