package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixelka/junkguard/pkg/models"
)

const (
	stateBytes     = 16
	stateTTL       = 10 * time.Minute
	defaultExpiry  = time.Hour
	requestTimeout = 15 * time.Second
)

var (
	// ErrNotConfigured is returned for providers without OAuth client credentials
	ErrNotConfigured = errors.New("oauth not configured for provider")
	// ErrInvalidState is returned for unknown, reused or expired state values
	ErrInvalidState = errors.New("invalid or expired oauth state")
)

// AuthRequest describes whose mailbox an authorization is for.
// AccountID is zero when the callback should create the account.
type AuthRequest struct {
	AccountID   int64
	UserID      int64
	Email       string
	RedirectURI string
}

// PendingAuth an authorization started by AuthorizationURL and awaiting its callback
type PendingAuth struct {
	AuthRequest
	State      string
	Provider   models.ProviderType
	ProviderID int64
	CreatedAt  time.Time
}

// Service runs authorization-code and refresh-token grants against provider endpoints
type Service struct {
	redirectURL string
	httpClient  *http.Client
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]PendingAuth
}

// New creates a token service; redirectURL is used when neither caller nor provider sets one
func New(redirectURL string, logger *slog.Logger) *Service {
	return &Service{
		redirectURL: redirectURL,
		httpClient:  &http.Client{Timeout: requestTimeout},
		logger:      logger.With("component", "oauth"),
		now:         time.Now,
		pending:     make(map[string]PendingAuth),
	}
}

// SetHTTPClient sets the client used for token requests
func (s *Service) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

func (s *Service) config(p *models.ProviderConfig, redirectURI string) (*oauth2.Config, error) {
	if p == nil || !p.OAuthCapable() {
		name := "unknown"
		if p != nil {
			name = string(p.Type)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}

	redirect := redirectURI
	if redirect == "" {
		redirect = p.OAuthRedirectURI
	}
	if redirect == "" {
		redirect = s.redirectURL
	}

	return &oauth2.Config{
		ClientID:     p.OAuthClientID,
		ClientSecret: p.OAuthClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.OAuthAuthorizeURL,
			TokenURL:  p.OAuthTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirect,
		Scopes:      strings.Fields(p.OAuthScope),
	}, nil
}

// NewState returns a random hex-encoded anti-forgery state
func NewState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AuthorizationURL builds the provider's consent URL and remembers the state for the callback
func (s *Service) AuthorizationURL(p *models.ProviderConfig, req AuthRequest) (string, error) {
	cfg, err := s.config(p, req.RedirectURI)
	if err != nil {
		s.logger.Error("cannot build authorization url", "error", err)
		return "", err
	}

	state, err := NewState()
	if err != nil {
		return "", err
	}

	var opts []oauth2.AuthCodeOption
	if p.OfflineAccess {
		opts = append(opts, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	if req.Email != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.Email))
	}

	req.RedirectURI = cfg.RedirectURL
	s.mu.Lock()
	s.pruneLocked()
	s.pending[state] = PendingAuth{
		AuthRequest: req,
		State:       state,
		Provider:    p.Type,
		ProviderID:  p.ID,
		CreatedAt:   s.now(),
	}
	s.mu.Unlock()

	return cfg.AuthCodeURL(state, opts...), nil
}

// ConsumeState returns and forgets the pending authorization for state
func (s *Service) ConsumeState(state string) (PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pa, ok := s.pending[state]
	if !ok {
		return PendingAuth{}, ErrInvalidState
	}
	delete(s.pending, state)
	if s.now().Sub(pa.CreatedAt) > stateTTL {
		return PendingAuth{}, ErrInvalidState
	}
	return pa, nil
}

func (s *Service) pruneLocked() {
	now := s.now()
	for state, pa := range s.pending {
		if now.Sub(pa.CreatedAt) > stateTTL {
			delete(s.pending, state)
		}
	}
}

// ExchangeCode redeems an authorization code
func (s *Service) ExchangeCode(ctx context.Context, p *models.ProviderConfig, code, redirectURI string) (*oauth2.Token, error) {
	cfg, err := s.config(p, redirectURI)
	if err != nil {
		s.logger.Error("cannot exchange code", "error", err)
		return nil, err
	}

	tok, err := cfg.Exchange(s.withClient(ctx), code)
	if err != nil {
		s.logger.Error("authorization code exchange failed", "provider", p.Type, "error", err)
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return s.normalize(tok)
}

// RefreshAccessToken redeems a refresh token for a new access token
func (s *Service) RefreshAccessToken(ctx context.Context, p *models.ProviderConfig, refreshToken string) (*oauth2.Token, error) {
	cfg, err := s.config(p, "")
	if err != nil {
		s.logger.Error("cannot refresh token", "error", err)
		return nil, err
	}
	if refreshToken == "" {
		return nil, errors.New("empty refresh token")
	}

	tok, err := cfg.TokenSource(s.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		s.logger.Error("token refresh failed", "provider", p.Type, "error", err)
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return s.normalize(tok)
}

func (s *Service) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// normalize rejects tokens without an access token and fills a missing expiry
func (s *Service) normalize(tok *oauth2.Token) (*oauth2.Token, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("token response has no access token")
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = s.now().Add(defaultExpiry)
	}
	return tok, nil
}
