package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixelka/junkguard/internal/metrics"
	"github.com/mixelka/junkguard/pkg/models"
)

var (
	// ErrPoolExhausted is returned when the pool is full and every session is in use
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrConnectTimeout is returned when connecting takes longer than PoolConfig.ConnectTimeout
	ErrConnectTimeout = errors.New("connect timed out")
)

// AccountStore is the persistence the pool needs
type AccountStore interface {
	GetProviderByID(ctx context.Context, id int64) (*models.ProviderConfig, error)
	UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
}

// TokenRefresher renews OAuth access tokens
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, provider *models.ProviderConfig, refreshToken string) (*oauth2.Token, error)
}

// Cipher decrypts stored credentials and encrypts refreshed tokens
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// PoolConfig pool limits
type PoolConfig struct {
	MaxSessions    int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	TokenSkew      time.Duration // refresh tokens expiring within this window
}

// PoolStatus pool counters
type PoolStatus struct {
	Total      int                         `json:"total"`
	Active     int                         `json:"active"`
	Inactive   int                         `json:"inactive"`
	InUse      int                         `json:"in_use"`
	Max        int                         `json:"max"`
	ByProvider map[models.ProviderType]int `json:"by_provider"`
}

type poolEntry struct {
	session   Session
	accountID int64
	provider  models.ProviderType
	opts      ConnectOptions
	connected bool
	lastUsed  time.Time
	lastErr   error
	inUse     int
}

// Manager is a bounded pool of provider sessions keyed by account
type Manager struct {
	cfg     PoolConfig
	factory SessionFactory
	store   AccountStore
	logger  *slog.Logger
	tokens  TokenRefresher
	cipher  Cipher
	now     func() time.Time

	mu       sync.Mutex
	entries  map[int64]*poolEntry
	draining map[int64]*poolEntry // removed while in use, closed on release
	failures map[int64]error      // failures that happened before an entry existed
	locks    map[int64]*sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new session pool
func NewManager(cfg PoolConfig, factory SessionFactory, store AccountStore, logger *slog.Logger) *Manager {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		store:    store,
		logger:   logger.With("component", "session_pool"),
		now:      time.Now,
		entries:  make(map[int64]*poolEntry),
		draining: make(map[int64]*poolEntry),
		failures: make(map[int64]error),
		locks:    make(map[int64]*sync.Mutex),
		stopCh:   make(chan struct{}),
	}
}

// SetTokenRefresher sets the OAuth refresher used for expired tokens
func (m *Manager) SetTokenRefresher(tokens TokenRefresher) {
	m.tokens = tokens
}

// SetCipher sets the credential cipher; stored credentials are used as-is without one
func (m *Manager) SetCipher(cipher Cipher) {
	m.cipher = cipher
}

// GetSession returns a connected session for the account; callers must Release it.
// A failed reconnect keeps the entry so its error stays visible.
func (m *Manager) GetSession(ctx context.Context, account *models.Account) (Session, error) {
	lock := m.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	e, ok := m.entries[account.ID]
	var connected bool
	if ok {
		e.inUse++
		connected = e.connected
	}
	m.mu.Unlock()

	if !ok {
		return m.create(ctx, account)
	}

	if connected && e.session.IsConnected() {
		m.mu.Lock()
		e.lastUsed = m.now()
		m.mu.Unlock()
		return e.session, nil
	}
	return m.reconnect(ctx, e, account)
}

// Release returns a session obtained from GetSession
func (m *Manager) Release(accountID int64) {
	m.mu.Lock()
	if e, ok := m.draining[accountID]; ok {
		e.inUse--
		if e.inUse <= 0 {
			delete(m.draining, accountID)
			m.mu.Unlock()
			m.closeEntries([]*poolEntry{e})
			return
		}
		m.mu.Unlock()
		return
	}
	if e, ok := m.entries[accountID]; ok && e.inUse > 0 {
		e.inUse--
		e.lastUsed = m.now()
	}
	m.mu.Unlock()
}

func (m *Manager) create(ctx context.Context, account *models.Account) (Session, error) {
	opts, provider, err := m.buildOptions(ctx, account)
	if err != nil {
		m.recordFailure(account.ID, err)
		return nil, err
	}

	session, err := m.factory.NewSession(provider.Type)
	if err != nil {
		m.recordFailure(account.ID, err)
		return nil, err
	}

	e := &poolEntry{
		session:   session,
		accountID: account.ID,
		provider:  provider.Type,
		opts:      opts,
		lastUsed:  m.now(),
		inUse:     1,
	}

	m.mu.Lock()
	victims, err := m.makeRoomLocked()
	if err != nil {
		m.failures[account.ID] = err
		m.mu.Unlock()
		m.closeEntries(victims)
		return nil, err
	}
	m.entries[account.ID] = e
	delete(m.failures, account.ID)
	m.mu.Unlock()

	m.closeEntries(victims)

	if err := m.connect(ctx, e, opts); err != nil {
		m.markFailed(e, err)
		m.logger.Warn("failed to connect session", "account_id", account.ID, "provider", provider.Type, "error", err)
		return nil, err
	}
	m.markConnected(e, opts)
	m.logger.Info("session created", "account_id", account.ID, "provider", provider.Type)
	return session, nil
}

func (m *Manager) reconnect(ctx context.Context, e *poolEntry, account *models.Account) (Session, error) {
	m.mu.Lock()
	opts := e.opts
	m.mu.Unlock()

	if account.AuthMethod == models.AuthOAuth2 && account.TokenExpired(m.now(), m.cfg.TokenSkew) {
		fresh, _, err := m.buildOptions(ctx, account)
		if err != nil {
			m.markFailed(e, err)
			return nil, err
		}
		opts = fresh
	}

	if err := m.connect(ctx, e, opts); err != nil {
		m.markFailed(e, err)
		m.logger.Warn("failed to reconnect session", "account_id", account.ID, "error", err)
		return nil, err
	}
	m.markConnected(e, opts)
	m.logger.Info("session reconnected", "account_id", account.ID)
	return e.session, nil
}

// connect races the session's Connect against the connect timeout
func (m *Manager) connect(parent context.Context, e *poolEntry, opts ConnectOptions) error {
	ctx, cancel := context.WithTimeout(parent, m.cfg.ConnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.session.Connect(ctx, opts)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && ctx.Err() != nil && parent.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectTimeout)
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.PoolConnects.WithLabelValues(string(e.provider), result).Inc()
	return err
}

func (m *Manager) markConnected(e *poolEntry, opts ConnectOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.connected = true
	e.opts = opts
	e.lastErr = nil
	e.lastUsed = m.now()
	m.updateGaugesLocked()
}

func (m *Manager) markFailed(e *poolEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.connected = false
	e.lastErr = err
	e.lastUsed = m.now()
	if e.inUse > 0 {
		e.inUse--
	}
	if d, ok := m.draining[e.accountID]; ok && d == e && e.inUse == 0 {
		delete(m.draining, e.accountID)
	}
	m.updateGaugesLocked()
}

func (m *Manager) recordFailure(accountID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[accountID]; ok {
		e.lastErr = err
		return
	}
	m.failures[accountID] = err
}

// makeRoomLocked frees a slot: idle entries first, then the least recently used idle-or-not entry
func (m *Manager) makeRoomLocked() ([]*poolEntry, error) {
	if len(m.entries) < m.cfg.MaxSessions {
		return nil, nil
	}

	victims := m.removeIdleLocked(m.now())
	for len(m.entries) >= m.cfg.MaxSessions {
		var lru *poolEntry
		for _, e := range m.entries {
			if e.inUse > 0 {
				continue
			}
			if lru == nil || e.lastUsed.Before(lru.lastUsed) {
				lru = e
			}
		}
		if lru == nil {
			return victims, ErrPoolExhausted
		}
		delete(m.entries, lru.accountID)
		metrics.PoolEvictions.WithLabelValues("lru").Inc()
		m.logger.Info("evicting least recently used session", "account_id", lru.accountID)
		victims = append(victims, lru)
	}
	return victims, nil
}

func (m *Manager) removeIdleLocked(now time.Time) []*poolEntry {
	var victims []*poolEntry
	for id, e := range m.entries {
		if e.inUse > 0 || now.Sub(e.lastUsed) <= m.cfg.IdleTimeout {
			continue
		}
		delete(m.entries, id)
		metrics.PoolEvictions.WithLabelValues("idle").Inc()
		victims = append(victims, e)
	}
	return victims
}

func (m *Manager) closeEntries(entries []*poolEntry) {
	for _, e := range entries {
		if err := e.session.Disconnect(); err != nil {
			m.logger.Warn("failed to disconnect session", "account_id", e.accountID, "error", err)
		}
	}
	if len(entries) > 0 {
		m.mu.Lock()
		m.updateGaugesLocked()
		m.mu.Unlock()
	}
}

// buildOptions resolves provider settings and credentials, refreshing an expired OAuth token
func (m *Manager) buildOptions(ctx context.Context, account *models.Account) (ConnectOptions, *models.ProviderConfig, error) {
	provider, err := m.store.GetProviderByID(ctx, account.ProviderID)
	if err != nil {
		return ConnectOptions{}, nil, fmt.Errorf("failed to load provider %d: %w", account.ProviderID, err)
	}

	opts := ConnectOptions{
		Host:           provider.IMAPHost,
		Port:           provider.IMAPPort,
		Secure:         provider.Secure,
		Username:       account.Email,
		SMTPHost:       provider.SMTPHost,
		SMTPPort:       provider.SMTPPort,
		CommandTimeout: m.cfg.CommandTimeout,
		Auth:           Auth{Method: account.AuthMethod},
	}

	switch account.AuthMethod {
	case models.AuthPassword:
		opts.Auth.Secret, err = m.decrypt(account.Password)
	case models.AuthAppPassword:
		opts.Auth.Secret, err = m.decrypt(account.AppPassword)
	case models.AuthToken:
		opts.Auth.Secret, err = m.decrypt(account.AccessToken)
	case models.AuthOAuth2:
		err = m.oauthCredentials(ctx, account, provider, &opts.Auth)
	default:
		err = fmt.Errorf("%w: %q", models.ErrCredentialMismatch, account.AuthMethod)
	}
	if err != nil {
		return ConnectOptions{}, nil, err
	}
	return opts, provider, nil
}

func (m *Manager) oauthCredentials(ctx context.Context, account *models.Account, provider *models.ProviderConfig, auth *Auth) error {
	access, err := m.decrypt(account.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := m.decrypt(account.RefreshToken)
	if err != nil {
		return err
	}
	auth.AccessToken, auth.RefreshToken, auth.ExpiresAt = access, refresh, account.TokenExpiresAt

	if !account.TokenExpired(m.now(), m.cfg.TokenSkew) {
		return nil
	}
	if m.tokens == nil || refresh == "" {
		return errors.New("access token expired and no refresh token is available")
	}

	m.logger.Info("refreshing expired access token", "account_id", account.ID, "provider", provider.Type)
	tok, err := m.tokens.RefreshAccessToken(ctx, provider, refresh)
	if err != nil {
		metrics.OAuthRefreshes.WithLabelValues(string(provider.Type), "failure").Inc()
		return fmt.Errorf("failed to refresh access token: %w", err)
	}
	metrics.OAuthRefreshes.WithLabelValues(string(provider.Type), "success").Inc()

	if tok.RefreshToken != "" {
		refresh = tok.RefreshToken
	}
	expiry := tok.Expiry
	auth.AccessToken, auth.RefreshToken, auth.ExpiresAt = tok.AccessToken, refresh, &expiry

	// The refreshed token is usable even if saving it fails
	if err := m.persistTokens(ctx, account, tok.AccessToken, refresh, expiry); err != nil {
		m.logger.Error("failed to save refreshed token", "account_id", account.ID, "error", err)
	}
	return nil
}

func (m *Manager) persistTokens(ctx context.Context, account *models.Account, access, refresh string, expiry time.Time) error {
	encAccess, err := m.encrypt(access)
	if err != nil {
		return err
	}
	encRefresh, err := m.encrypt(refresh)
	if err != nil {
		return err
	}
	if err := m.store.UpdateAccountTokens(ctx, account.ID, encAccess, encRefresh, expiry); err != nil {
		return err
	}
	account.AccessToken, account.RefreshToken, account.TokenExpiresAt = encAccess, encRefresh, &expiry
	return nil
}

func (m *Manager) decrypt(s string) (string, error) {
	if m.cipher == nil || s == "" {
		return s, nil
	}
	plain, err := m.cipher.Decrypt(s)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return plain, nil
}

func (m *Manager) encrypt(s string) (string, error) {
	if m.cipher == nil || s == "" {
		return s, nil
	}
	enc, err := m.cipher.Encrypt(s)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return enc, nil
}

func (m *Manager) accountLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Start runs the idle sweep until Stop
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.EvictIdle(); n > 0 {
					m.logger.Info("evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

// EvictIdle disconnects and removes sessions unused for longer than the idle timeout
func (m *Manager) EvictIdle() int {
	m.mu.Lock()
	victims := m.removeIdleLocked(m.now())
	m.mu.Unlock()

	m.closeEntries(victims)
	return len(victims)
}

// DisconnectAccount removes the account's session; one in use is closed on release
func (m *Manager) DisconnectAccount(accountID int64) {
	m.mu.Lock()
	e, ok := m.entries[accountID]
	delete(m.entries, accountID)
	delete(m.failures, accountID)
	if ok && e.inUse > 0 {
		m.draining[accountID] = e
		ok = false
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if ok {
		m.closeEntries([]*poolEntry{e})
		m.logger.Info("session disconnected", "account_id", accountID)
	}
}

// DisconnectAll closes every pooled session
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	all := make([]*poolEntry, 0, len(m.entries)+len(m.draining))
	for _, e := range m.entries {
		all = append(all, e)
	}
	for _, e := range m.draining {
		all = append(all, e)
	}
	m.entries = make(map[int64]*poolEntry)
	m.draining = make(map[int64]*poolEntry)
	m.mu.Unlock()

	m.logger.Info("disconnecting all sessions", "count", len(all))
	m.closeEntries(all)
}

// Stop ends the idle sweep and disconnects everything
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.DisconnectAll()
}

// Status returns pool counters
func (m *Manager) Status() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := PoolStatus{
		Total:      len(m.entries),
		Max:        m.cfg.MaxSessions,
		ByProvider: make(map[models.ProviderType]int),
	}
	for _, e := range m.entries {
		if e.connected {
			st.Active++
		} else {
			st.Inactive++
		}
		if e.inUse > 0 {
			st.InUse++
		}
		st.ByProvider[e.provider]++
	}
	return st
}

// ConnectionErrors returns the last connection error per account
func (m *Manager) ConnectionErrors() map[int64]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make(map[int64]string)
	for id, err := range m.failures {
		errs[id] = err.Error()
	}
	for id, e := range m.entries {
		if e.lastErr != nil {
			errs[id] = e.lastErr.Error()
		}
	}
	return errs
}

func (m *Manager) updateGaugesLocked() {
	var active, inactive int
	for _, e := range m.entries {
		if e.connected {
			active++
		} else {
			inactive++
		}
	}
	metrics.PoolSessions.WithLabelValues("active").Set(float64(active))
	metrics.PoolSessions.WithLabelValues("inactive").Set(float64(inactive))
}
