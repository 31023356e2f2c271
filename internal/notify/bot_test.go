package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/formatter"
	"github.com/mixelka/junkguard/internal/scanner"
	appmodels "github.com/mixelka/junkguard/pkg/models"
)

const operatorChat = 1001

type apiCall struct {
	method string
	body   string
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	method := path.Base(r.URL.Path)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, body: string(body)})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "sendMessage":
		io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1001,"type":"private"}}}`)
	default:
		io.WriteString(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeAPI) all() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

type fakeChecker struct {
	err     error
	checked []int64
}

func (c *fakeChecker) TriggerCheckNow(accountID int64) error {
	c.checked = append(c.checked, accountID)
	return c.err
}

type fakePool struct{}

func (fakePool) Status() email.PoolStatus {
	return email.PoolStatus{Total: 2, Active: 1, Inactive: 1, Max: 20}
}

func (fakePool) ConnectionErrors() map[int64]string {
	return map[int64]string{7: "login failed"}
}

type fakeAccounts struct{}

func (fakeAccounts) GetAccountByID(ctx context.Context, id int64) (*appmodels.Account, error) {
	if id != 7 {
		return nil, errors.New("not found")
	}
	return &appmodels.Account{ID: 7, Email: "kid@example.com"}, nil
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *fakeChecker) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	checker := &fakeChecker{}
	b, err := NewBot(BotDeps{
		Token:    "test-token",
		ChatID:   operatorChat,
		Checker:  checker,
		Pool:     fakePool{},
		Accounts: fakeAccounts{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options:  []bot.Option{bot.WithServerURL(srv.URL), bot.WithSkipGetMe()},
	})
	require.NoError(t, err)
	return b, api, checker
}

func textUpdate(chatID int64, text string) *models.Update {
	return &models.Update{Message: &models.Message{Chat: models.Chat{ID: chatID}, Text: text}}
}

func TestNotifyActivity(t *testing.T) {
	b, api, _ := newTestBot(t)

	b.NotifyActivity(context.Background(), &appmodels.Account{ID: 7, Email: "kid@example.com"}, &appmodels.ActivityLogEntry{
		AccountID:   7,
		Type:        appmodels.ActivityInappropriateDeleted,
		SenderEmail: "promo@spam.example.com",
		Details:     "Contains inappropriate keyword: viagra",
	})

	calls := api.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Contains(t, calls[0].body, "kid@example.com")
	assert.Contains(t, calls[0].body, "viagra")
	assert.Contains(t, calls[0].body, "Check now")
}

func TestHandleCheck(t *testing.T) {
	b, api, checker := newTestBot(t)

	b.handleCheck(context.Background(), b.bot, textUpdate(operatorChat, "/check 7"))
	assert.Equal(t, []int64{7}, checker.checked)

	checker.err = scanner.ErrCheckInProgress
	b.handleCheck(context.Background(), b.bot, textUpdate(operatorChat, "/check 7"))

	b.handleCheck(context.Background(), b.bot, textUpdate(operatorChat, "/check 8"))
	b.handleCheck(context.Background(), b.bot, textUpdate(operatorChat, "/check nope"))

	calls := api.all()
	require.Len(t, calls, 4)
	assert.Contains(t, calls[0].body, "Checking kid@example.com now")
	assert.Contains(t, calls[1].body, "already running")
	assert.Contains(t, calls[2].body, "Account 8 not found")
	assert.Contains(t, calls[3].body, "positive number")
	assert.Equal(t, []int64{7, 7}, checker.checked)
}

func TestCommandsFromForeignChatIgnored(t *testing.T) {
	b, api, checker := newTestBot(t)

	b.handleCheck(context.Background(), b.bot, textUpdate(42, "/check 7"))
	b.handleStatus(context.Background(), b.bot, textUpdate(42, "/status"))

	assert.Empty(t, checker.checked)
	assert.Empty(t, api.all())
}

func TestHandleStatus(t *testing.T) {
	b, api, _ := newTestBot(t)

	b.handleStatus(context.Background(), b.bot, textUpdate(operatorChat, "/status"))

	calls := api.all()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].body, "Sessions: 2/20")
	assert.Contains(t, calls[0].body, "login failed")
}

func TestHandleCallbackCheckNow(t *testing.T) {
	b, api, checker := newTestBot(t)

	b.handleCallback(context.Background(), b.bot, &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:   "cb-1",
		Data: formatter.EncodeCallback(formatter.CallbackData{Action: formatter.CallbackCheckNow, AccountID: 7}),
	}})

	assert.Equal(t, []int64{7}, checker.checked)
	calls := api.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "answerCallbackQuery", calls[0].method)
	assert.Contains(t, calls[0].body, "Checking kid@example.com now")
}
