package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/junkguard/internal/classifier"
	"github.com/mixelka/junkguard/internal/database"
	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/oauth"
	"github.com/mixelka/junkguard/internal/scanner"
	"github.com/mixelka/junkguard/internal/secret"
	"github.com/mixelka/junkguard/pkg/models"
)

const testKey = "0123456789abcdef0123456789abcdef"

type fakeScanner struct {
	mu          sync.Mutex
	triggerErr  error
	triggered   []int64
	rescheduled []*models.Account
	unscheduled []int64
	analyzed    []classifier.Input
}

func (f *fakeScanner) TriggerCheckNow(accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, accountID)
	return f.triggerErr
}

func (f *fakeScanner) AnalyzeContent(ctx context.Context, in classifier.Input) models.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed = append(f.analyzed, in)
	return models.Verdict{Inappropriate: true, Reason: "Contains inappropriate keyword: casino"}
}

func (f *fakeScanner) Reschedule(account *models.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled = append(f.rescheduled, account)
}

func (f *fakeScanner) Unschedule(accountID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unscheduled = append(f.unscheduled, accountID)
}

func (f *fakeScanner) State(accountID int64) scanner.State {
	return scanner.StateIdle
}

type fakePool struct {
	mu           sync.Mutex
	disconnected []int64
}

func (f *fakePool) Status() email.PoolStatus {
	return email.PoolStatus{Total: 1, Active: 1, Max: 20, ByProvider: map[models.ProviderType]int{models.ProviderICloud: 1}}
}

func (f *fakePool) ConnectionErrors() map[int64]string {
	return map[int64]string{7: "login failed"}
}

func (f *fakePool) DisconnectAccount(accountID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, accountID)
}

type testEnv struct {
	handler  http.Handler
	db       *database.DB
	cipher   *secret.Cipher
	scanner  *fakeScanner
	pool     *fakePool
	oauth    *oauth.Service
	resolved int
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.SeedProviders(ctx, email.Presets()))

	cipher, err := secret.New(testKey)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		db:      db,
		cipher:  cipher,
		scanner: &fakeScanner{},
		pool:    &fakePool{},
		oauth:   oauth.New("https://junkguard.example.com/api/oauth/callback", logger),
	}

	srv := New(":0", apiKey, Deps{
		Store:   db,
		Scanner: env.scanner,
		Pool:    env.pool,
		OAuth:   env.oauth,
		Cipher:  cipher,
		Logger:  logger,
		ResolveProvider: func(ctx context.Context, address string) (*models.ProviderConfig, error) {
			env.resolved++
			return &models.ProviderConfig{
				Name: "custom.example", Type: models.ProviderGeneric,
				IMAPHost: "imap.custom.example", IMAPPort: 993, Secure: true, JunkFolderPath: "Junk",
			}, nil
		},
	})
	env.handler = srv.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedAccount(t *testing.T, address string) *models.Account {
	t.Helper()
	ctx := context.Background()
	p, err := e.db.GetProviderByType(ctx, models.ProviderICloud)
	require.NoError(t, err)

	account := &models.Account{
		UserID: 1, Email: address, IsActive: true, ProviderID: p.ID,
		AuthMethod: models.AuthAppPassword, AppPassword: "encrypted", PollInterval: 5,
	}
	require.NoError(t, e.db.CreateAccount(ctx, account))
	return account
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCheckNow(t *testing.T) {
	env := newTestEnv(t, "")
	account := env.seedAccount(t, "kid@icloud.com")
	target := "/api/accounts/" + strconv.FormatInt(account.ID, 10) + "/check"

	rec := env.do(t, http.MethodPost, target, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{account.ID}, env.scanner.triggered)

	env.scanner.triggerErr = scanner.ErrCheckInProgress
	rec = env.do(t, http.MethodPost, target, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts/999/check", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyze(t *testing.T) {
	env := newTestEnv(t, "")
	accountID := int64(3)

	rec := env.do(t, http.MethodPost, "/api/analyze", AnalyzeRequest{
		Subject: "This is a CASINO offer", Sender: "x@example.com", UserID: 1, AccountID: &accountID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	v := decode[models.Verdict](t, rec)
	assert.True(t, v.Inappropriate)
	require.Len(t, env.scanner.analyzed, 1)
	assert.Equal(t, "This is a CASINO offer", env.scanner.analyzed[0].Subject)
	assert.Equal(t, &accountID, env.scanner.analyzed[0].AccountID)

	rec = env.do(t, http.MethodPost, "/api/analyze", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPoolStatus(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[PoolResponse](t, rec)
	assert.Equal(t, 1, resp.Status.Active)
	assert.Equal(t, "login failed", resp.Errors[7])
}

func TestListActivity(t *testing.T) {
	env := newTestEnv(t, "")
	account := env.seedAccount(t, "kid@icloud.com")
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, typ := range []models.ActivityType{models.ActivityCheckStarted, models.ActivityKept, models.ActivityCheckCompleted} {
		require.NoError(t, env.db.AppendActivity(ctx, &models.ActivityLogEntry{
			AccountID: account.ID, Type: typ, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	prefix := "/api/accounts/" + strconv.FormatInt(account.ID, 10) + "/activity"

	rec := env.do(t, http.MethodGet, prefix+"?order=desc&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]models.ActivityLogEntry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActivityCheckCompleted, entries[0].Type)
	assert.Equal(t, models.ActivityKept, entries[1].Type)

	rec = env.do(t, http.MethodGet, prefix+"?type=kept", nil)
	entries = decode[[]models.ActivityLogEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityKept, entries[0].Type)

	rec = env.do(t, http.MethodGet, prefix+"?offset=1", nil)
	entries = decode[[]models.ActivityLogEntry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActivityKept, entries[0].Type)

	for _, q := range []string{"?since=yesterday", "?limit=0", "?order=sideways", "?offset=-1"} {
		rec = env.do(t, http.MethodGet, prefix+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestCreateAccount(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
		UserID: 1, Email: "kid@icloud.com", AuthMethod: models.AuthAppPassword, AppPassword: "app-pw",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "app-pw")

	require.Len(t, env.scanner.rescheduled, 1)
	created := env.scanner.rescheduled[0]
	assert.Equal(t, defaultPollInterval, created.PollInterval)

	stored, err := env.db.GetAccountByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "app-pw", stored.AppPassword)
	plain, err := env.cipher.Decrypt(stored.AppPassword)
	require.NoError(t, err)
	assert.Equal(t, "app-pw", plain)

	icloud, err := env.db.GetProviderByType(context.Background(), models.ProviderICloud)
	require.NoError(t, err)
	assert.Equal(t, icloud.ID, stored.ProviderID)

	rec = env.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
		UserID: 1, Email: "kid@icloud.com", AuthMethod: models.AuthAppPassword, AppPassword: "app-pw",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
		UserID: 1, Email: "other@icloud.com", AuthMethod: models.AuthPassword, AppPassword: "app-pw",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{Email: "x@icloud.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAccountResolvesGenericProviderOnce(t *testing.T) {
	env := newTestEnv(t, "")

	for _, addr := range []string{"a@custom.example", "b@custom.example"} {
		rec := env.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
			UserID: 1, Email: addr, AuthMethod: models.AuthPassword, Password: "pw",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	assert.Equal(t, 1, env.resolved)
	generic, err := env.db.GetProviderByType(context.Background(), models.ProviderGeneric)
	require.NoError(t, err)
	assert.Equal(t, "imap.custom.example", generic.IMAPHost)
	for _, a := range env.scanner.rescheduled {
		assert.Equal(t, generic.ID, a.ProviderID)
	}
}

func TestUpdateAccount(t *testing.T) {
	env := newTestEnv(t, "")
	account := env.seedAccount(t, "kid@icloud.com")
	target := "/api/accounts/" + strconv.FormatInt(account.ID, 10)

	rec := env.do(t, http.MethodPatch, target, map[string]interface{}{"display_name": "Kid"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, env.scanner.rescheduled)
	assert.Empty(t, env.pool.disconnected)

	rec = env.do(t, http.MethodPatch, target, map[string]interface{}{"poll_interval": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.scanner.rescheduled, 1)
	assert.Equal(t, 30, env.scanner.rescheduled[0].PollInterval)

	rec = env.do(t, http.MethodPatch, target, map[string]interface{}{"auth_method": "password", "password": "new-pw"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []int64{account.ID}, env.pool.disconnected)

	stored, err := env.db.GetAccountByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthPassword, stored.AuthMethod)
	assert.Empty(t, stored.AppPassword)
	plain, err := env.cipher.Decrypt(stored.Password)
	require.NoError(t, err)
	assert.Equal(t, "new-pw", plain)

	rec = env.do(t, http.MethodPatch, target, map[string]interface{}{"password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, target, map[string]interface{}{"poll_interval": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/accounts/999", map[string]interface{}{"display_name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t, "")
	account := env.seedAccount(t, "kid@icloud.com")
	target := "/api/accounts/" + strconv.FormatInt(account.ID, 10)

	rec := env.do(t, http.MethodDelete, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, resp["deleted"])
	assert.Equal(t, []int64{account.ID}, env.scanner.unscheduled)
	assert.Equal(t, []int64{account.ID}, env.pool.disconnected)

	rec = env.do(t, http.MethodDelete, target, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFilterRuleRoutes(t *testing.T) {
	env := newTestEnv(t, "")
	account := env.seedAccount(t, "kid@icloud.com")

	rec := env.do(t, http.MethodPost, "/api/rules", CreateRuleRequest{UserID: 1, Pattern: "casino"})
	require.Equal(t, http.StatusCreated, rec.Code)
	global := decode[models.FilterRule](t, rec)
	assert.NotZero(t, global.ID)
	assert.Nil(t, global.AccountID)

	rec = env.do(t, http.MethodPost, "/api/rules", CreateRuleRequest{UserID: 1, AccountID: &account.ID, Pattern: `\bbet\b`, IsRegex: true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/rules", CreateRuleRequest{UserID: 1, Pattern: "([", IsRegex: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "invalid pattern")

	rec = env.do(t, http.MethodPost, "/api/rules", CreateRuleRequest{UserID: 2, AccountID: &account.ID, Pattern: "poker"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/rules", CreateRuleRequest{Pattern: "poker"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/rules?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.FilterRule](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/rules?user_id=1&account_id="+strconv.FormatInt(account.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.FilterRule](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/api/rules", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	target := "/api/rules/" + strconv.FormatInt(global.ID, 10)
	rec = env.do(t, http.MethodDelete, target, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, target, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/rules?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestTrustedSenderRoutes(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	account := env.seedAccount(t, "kid@icloud.com")

	rec := env.do(t, http.MethodPost, "/api/trusted-senders", CreateTrustedSenderRequest{
		UserID: 1, AccountID: &account.ID, Email: " Grandma@Example.com", Description: "family",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ts := decode[models.TrustedSender](t, rec)
	assert.Equal(t, "grandma@example.com", ts.Email)

	trusted, err := env.db.IsEmailTrusted(ctx, "grandma@example.com", 1, &account.ID)
	require.NoError(t, err)
	assert.True(t, trusted)

	rec = env.do(t, http.MethodPost, "/api/trusted-senders", CreateTrustedSenderRequest{UserID: 1, Email: "grandma"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := account.ID + 100
	rec = env.do(t, http.MethodPost, "/api/trusted-senders", CreateTrustedSenderRequest{UserID: 1, AccountID: &missing, Email: "coach@school.org"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/trusted-senders?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.TrustedSender](t, rec))

	rec = env.do(t, http.MethodGet, "/api/trusted-senders?user_id=1&account_id="+strconv.FormatInt(account.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.TrustedSender](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/trusted-senders?user_id=1&account_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/trusted-senders/"+strconv.FormatInt(ts.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	trusted, err = env.db.IsEmailTrusted(ctx, "grandma@example.com", 1, &account.ID)
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestPreferenceRoutes(t *testing.T) {
	env := newTestEnv(t, "")
	account := env.seedAccount(t, "kid@icloud.com")
	scoped := "/api/preferences?user_id=1&account_id=" + strconv.FormatInt(account.ID, 10)

	rec := env.do(t, http.MethodGet, "/api/preferences?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defaults := decode[models.JunkMailPreferences](t, rec)
	assert.Zero(t, defaults.ID)
	assert.Nil(t, defaults.AccountID)
	assert.False(t, defaults.KeepReceipts)

	rec = env.do(t, http.MethodPut, "/api/preferences", SavePreferencesRequest{UserID: 1, KeepReceipts: true})
	require.Equal(t, http.StatusOK, rec.Code)
	userWide := decode[models.JunkMailPreferences](t, rec)
	assert.NotZero(t, userWide.ID)

	// Saving the same scope again updates in place
	rec = env.do(t, http.MethodPut, "/api/preferences", SavePreferencesRequest{UserID: 1, KeepReceipts: true, KeepNewsletters: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userWide.ID, decode[models.JunkMailPreferences](t, rec).ID)

	rec = env.do(t, http.MethodGet, scoped, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	merged := decode[models.JunkMailPreferences](t, rec)
	assert.Equal(t, userWide.ID, merged.ID)
	assert.True(t, merged.KeepNewsletters)

	rec = env.do(t, http.MethodPut, "/api/preferences", SavePreferencesRequest{UserID: 1, AccountID: &account.ID, AutoDeleteAll: true})
	require.Equal(t, http.StatusOK, rec.Code)
	accountPrefs := decode[models.JunkMailPreferences](t, rec)
	assert.NotEqual(t, userWide.ID, accountPrefs.ID)

	rec = env.do(t, http.MethodGet, scoped, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	merged = decode[models.JunkMailPreferences](t, rec)
	assert.True(t, merged.AutoDeleteAll)
	assert.False(t, merged.KeepNewsletters)
	require.NotNil(t, merged.AccountID)
	assert.Equal(t, account.ID, *merged.AccountID)

	rec = env.do(t, http.MethodPut, "/api/preferences", SavePreferencesRequest{UserID: 2, AccountID: &account.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/preferences/"+strconv.FormatInt(accountPrefs.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, scoped, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userWide.ID, decode[models.JunkMailPreferences](t, rec).ID)

	rec = env.do(t, http.MethodDelete, "/api/preferences/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	rec := env.do(t, http.MethodGet, "/api/pool", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/pool", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/pool", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The browser-facing callback is reachable without the key
	rec = env.do(t, http.MethodGet, "/api/oauth/callback?state=nope&code=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"access-1","refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (e *testEnv) configureGmail(t *testing.T, tokenURL string) *models.ProviderConfig {
	t.Helper()
	ctx := context.Background()
	p, err := e.db.GetProviderByType(ctx, models.ProviderGmail)
	require.NoError(t, err)
	p.OAuthClientID = "client-id"
	p.OAuthClientSecret = "client-secret"
	p.OAuthTokenURL = tokenURL
	require.NoError(t, e.db.UpdateProvider(ctx, p))
	return p
}

func (e *testEnv) authorize(t *testing.T, query string) string {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/oauth/gmail/authorize?"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	authURL, err := url.Parse(decode[map[string]string](t, rec)["authorization_url"])
	require.NoError(t, err)
	assert.Equal(t, "offline", authURL.Query().Get("access_type"))
	assert.Equal(t, "consent", authURL.Query().Get("prompt"))
	return authURL.Query().Get("state")
}

func TestOAuthFlowCreatesAccount(t *testing.T) {
	env := newTestEnv(t, "")
	tokens := newTokenServer(t)
	gmail := env.configureGmail(t, tokens.URL)

	state := env.authorize(t, "user_id=1&email=kid@gmail.com")

	rec := env.do(t, http.MethodGet, "/api/oauth/callback?state="+state+"&code=auth-code", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, env.scanner.rescheduled, 1)
	stored, err := env.db.GetAccountByID(context.Background(), env.scanner.rescheduled[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "kid@gmail.com", stored.Email)
	assert.Equal(t, gmail.ID, stored.ProviderID)
	assert.Equal(t, models.AuthOAuth2, stored.AuthMethod)
	require.NotNil(t, stored.TokenExpiresAt)

	access, err := env.cipher.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)
	refresh, err := env.cipher.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)

	// State is single use
	rec = env.do(t, http.MethodGet, "/api/oauth/callback?state="+state+"&code=auth-code", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthFlowUpdatesExistingAccount(t *testing.T) {
	env := newTestEnv(t, "")
	tokens := newTokenServer(t)
	gmail := env.configureGmail(t, tokens.URL)
	ctx := context.Background()

	account := &models.Account{
		UserID: 1, Email: "kid@gmail.com", IsActive: true, ProviderID: gmail.ID,
		AuthMethod: models.AuthAppPassword, AppPassword: "encrypted", PollInterval: 5,
	}
	require.NoError(t, env.db.CreateAccount(ctx, account))

	state := env.authorize(t, "account_id="+strconv.FormatInt(account.ID, 10))

	rec := env.do(t, http.MethodGet, "/api/oauth/callback?state="+state+"&code=auth-code", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := env.db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthOAuth2, stored.AuthMethod)
	assert.Empty(t, stored.AppPassword)
	access, err := env.cipher.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)

	assert.Equal(t, []int64{account.ID}, env.pool.disconnected)
}

func TestOAuthAuthorizeErrors(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/oauth/gmail/authorize?user_id=1&email=kid@gmail.com", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "gmail has no client credentials yet")

	rec = env.do(t, http.MethodGet, "/api/oauth/myspace/authorize?user_id=1&email=x@y.z", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.configureGmail(t, "https://oauth2.example.com/token")
	rec = env.do(t, http.MethodGet, "/api/oauth/gmail/authorize", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/oauth/gmail/authorize?user_id=1&email=kid@gmail.com&redirect=true", nil)
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/oauth/callback?error=access_denied&state=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
