package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/junkguard/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func seedAccount(t *testing.T, db *DB) (*models.ProviderConfig, *models.Account) {
	t.Helper()
	ctx := context.Background()

	provider := &models.ProviderConfig{
		Name:           "iCloud",
		Type:           models.ProviderICloud,
		IMAPHost:       "imap.mail.me.com",
		IMAPPort:       993,
		SMTPHost:       "smtp.mail.me.com",
		SMTPPort:       587,
		Secure:         true,
		JunkFolderPath: "Junk",
	}
	require.NoError(t, db.CreateProvider(ctx, provider))

	account := &models.Account{
		UserID:       1,
		Email:        "kid@icloud.com",
		IsActive:     true,
		ProviderID:   provider.ID,
		AuthMethod:   models.AuthAppPassword,
		AppPassword:  "encrypted",
		PollInterval: 5,
	}
	require.NoError(t, db.CreateAccount(ctx, account))
	return provider, account
}

func TestAccountCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "kid@icloud.com", got.Email)
	assert.Equal(t, models.AuthAppPassword, got.AuthMethod)
	assert.Nil(t, got.LastCheckAt)

	active, err := db.GetAllActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	interval := 10
	updated, err := db.UpdateAccount(ctx, account.ID, models.AccountUpdate{PollInterval: &interval})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.PollInterval)

	_, err = db.GetAccountByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAccountRejectsUnknownProvider(t *testing.T) {
	db := newTestDB(t)
	err := db.CreateAccount(context.Background(), &models.Account{
		UserID:       1,
		Email:        "kid@example.com",
		ProviderID:   42,
		AuthMethod:   models.AuthPassword,
		Password:     "x",
		PollInterval: 5,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAccountDuplicate(t *testing.T) {
	db := newTestDB(t)
	_, account := seedAccount(t, db)

	dup := *account
	dup.ID = 0
	assert.ErrorIs(t, db.CreateAccount(context.Background(), &dup), ErrAlreadyExists)
}

func TestTouchTimestamps(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.TouchLastCheck(ctx, account.ID, now))
	require.NoError(t, db.TouchLastForward(ctx, account.ID, now))

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckAt)
	assert.True(t, now.Equal(*got.LastCheckAt))
	require.NotNil(t, got.LastForwardAt)
	assert.Nil(t, got.LastActionAt)
}

func TestUpdateAccountTokensKeepsRefreshToken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	provider, _ := seedAccount(t, db)

	account := &models.Account{
		UserID:       1,
		Email:        "kid@gmail.com",
		IsActive:     true,
		ProviderID:   provider.ID,
		AuthMethod:   models.AuthOAuth2,
		AccessToken:  "old-access",
		RefreshToken: "refresh",
		PollInterval: 5,
	}
	require.NoError(t, db.CreateAccount(ctx, account))

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, db.UpdateAccountTokens(ctx, account.ID, "new-access", "", expiry))

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	require.NotNil(t, got.TokenExpiresAt)
}

func TestUpdateAccountSettingsKeepsRefreshedTokens(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)

	method := models.AuthOAuth2
	access, refresh := "access-0", "refresh-0"
	_, err := db.UpdateAccount(ctx, account.ID, models.AccountUpdate{
		AuthMethod: &method, AccessToken: &access, RefreshToken: &refresh,
	})
	require.NoError(t, err)

	const rounds = 30
	done := make(chan error, 1)
	go func() {
		for i := 1; i <= rounds; i++ {
			err := db.UpdateAccountTokens(ctx, account.ID,
				fmt.Sprintf("access-%d", i), fmt.Sprintf("refresh-%d", i), time.Now().Add(time.Hour))
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < rounds; i++ {
		name := fmt.Sprintf("Kid %d", i)
		_, err := db.UpdateAccount(ctx, account.ID, models.AccountUpdate{DisplayName: &name})
		require.NoError(t, err)
	}
	require.NoError(t, <-done)

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("access-%d", rounds), got.AccessToken)
	assert.Equal(t, fmt.Sprintf("refresh-%d", rounds), got.RefreshToken)
	assert.Equal(t, models.AuthOAuth2, got.AuthMethod)

	name := "Renamed"
	updated, err := db.UpdateAccount(ctx, account.ID, models.AccountUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.DisplayName)
	assert.Equal(t, got.RefreshToken, updated.RefreshToken)
}

func TestDeleteAccountReferencedByLogIsSoft(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)

	require.NoError(t, db.AppendActivity(ctx, &models.ActivityLogEntry{
		AccountID: account.ID,
		Type:      models.ActivityCheckStarted,
	}))

	removed, err := db.DeleteAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestFilterRules(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)

	other := account.ID + 100
	require.NoError(t, db.CreateFilterRule(ctx, &models.FilterRule{UserID: 1, Pattern: "casino"}))
	require.NoError(t, db.CreateFilterRule(ctx, &models.FilterRule{UserID: 1, AccountID: &account.ID, Pattern: `\bbet\b`, IsRegex: true}))

	err := db.CreateFilterRule(ctx, &models.FilterRule{UserID: 1, Pattern: "([", IsRegex: true})
	assert.ErrorIs(t, err, models.ErrInvalidPattern)

	rules, err := db.ListFilterRules(ctx, 1, &account.ID)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	rules, err = db.ListFilterRules(ctx, 1, &other)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "casino", rules[0].Pattern)
}

func TestIsEmailTrusted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)
	other := account.ID + 100

	require.NoError(t, db.CreateTrustedSender(ctx, &models.TrustedSender{UserID: 1, Email: "Grandma@Example.com"}))
	require.NoError(t, db.CreateTrustedSender(ctx, &models.TrustedSender{UserID: 1, AccountID: &account.ID, Email: "coach@school.org"}))

	trusted, err := db.IsEmailTrusted(ctx, "grandma@example.com", 1, &account.ID)
	require.NoError(t, err)
	assert.True(t, trusted)

	trusted, err = db.IsEmailTrusted(ctx, "coach@school.org", 1, &other)
	require.NoError(t, err)
	assert.False(t, trusted)

	trusted, err = db.IsEmailTrusted(ctx, "coach@school.org", 1, &account.ID)
	require.NoError(t, err)
	assert.True(t, trusted)

	trusted, err = db.IsEmailTrusted(ctx, "grandma@example.com", 2, nil)
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestMergedPreferencesClosestScopeWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)

	prefs, err := db.GetMergedPreferences(ctx, 1, account.ID)
	require.NoError(t, err)
	assert.False(t, prefs.AutoDeleteAll)

	require.NoError(t, db.SavePreferences(ctx, &models.JunkMailPreferences{UserID: 1, KeepNewsletters: true}))
	prefs, err = db.GetMergedPreferences(ctx, 1, account.ID)
	require.NoError(t, err)
	assert.True(t, prefs.KeepNewsletters)

	require.NoError(t, db.SavePreferences(ctx, &models.JunkMailPreferences{UserID: 1, AccountID: &account.ID, AutoDeleteAll: true}))
	prefs, err = db.GetMergedPreferences(ctx, 1, account.ID)
	require.NoError(t, err)
	assert.True(t, prefs.AutoDeleteAll)
	assert.False(t, prefs.KeepNewsletters)

	// Saving the same scope again updates in place
	require.NoError(t, db.SavePreferences(ctx, &models.JunkMailPreferences{UserID: 1, AccountID: &account.ID, KeepReceipts: true}))
	prefs, err = db.GetMergedPreferences(ctx, 1, account.ID)
	require.NoError(t, err)
	assert.True(t, prefs.KeepReceipts)
	assert.False(t, prefs.AutoDeleteAll)
}

func TestListActivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, account := seedAccount(t, db)

	for _, typ := range []models.ActivityType{models.ActivityCheckStarted, models.ActivityKept, models.ActivityDeleted} {
		require.NoError(t, db.AppendActivity(ctx, &models.ActivityLogEntry{AccountID: account.ID, Type: typ}))
	}

	all, err := db.ListActivity(ctx, models.ActivityFilter{AccountID: &account.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, models.ActivityCheckStarted, all[0].Type)

	newest, err := db.ListActivity(ctx, models.ActivityFilter{Newest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, models.ActivityDeleted, newest[0].Type)

	kept, err := db.ListActivity(ctx, models.ActivityFilter{Type: models.ActivityKept})
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	page, err := db.ListActivity(ctx, models.ActivityFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestSeedProvidersIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	presets := []*models.ProviderConfig{
		{Name: "Yahoo", Type: models.ProviderYahoo, IMAPHost: "imap.mail.yahoo.com", IMAPPort: 993, Secure: true},
	}
	require.NoError(t, db.SeedProviders(ctx, presets))
	require.NoError(t, db.SeedProviders(ctx, []*models.ProviderConfig{
		{Name: "Yahoo", Type: models.ProviderYahoo, IMAPHost: "imap.mail.yahoo.com", IMAPPort: 993, Secure: true},
	}))

	providers, err := db.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 1)
}
