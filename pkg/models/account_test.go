package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAccount() Account {
	return Account{
		Email:        "kid@example.com",
		ProviderID:   1,
		AuthMethod:   AuthPassword,
		Password:     "secret",
		PollInterval: 5,
		IsActive:     true,
	}
}

func TestAccountValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *Account)
		wantErr error
	}{
		{name: "valid password account", mutate: func(a *Account) {}},
		{
			name: "password with tokens",
			mutate: func(a *Account) {
				a.AccessToken = "tok"
			},
			wantErr: ErrCredentialMismatch,
		},
		{
			name: "app password",
			mutate: func(a *Account) {
				a.AuthMethod = AuthAppPassword
				a.Password = ""
				a.AppPassword = "abcd-efgh"
			},
		},
		{
			name: "oauth without tokens",
			mutate: func(a *Account) {
				a.AuthMethod = AuthOAuth2
				a.Password = ""
			},
			wantErr: ErrCredentialMismatch,
		},
		{
			name: "oauth with refresh token only",
			mutate: func(a *Account) {
				a.AuthMethod = AuthOAuth2
				a.Password = ""
				a.RefreshToken = "refresh"
			},
		},
		{
			name: "static token with refresh token",
			mutate: func(a *Account) {
				a.AuthMethod = AuthToken
				a.Password = ""
				a.AccessToken = "tok"
				a.RefreshToken = "refresh"
			},
			wantErr: ErrCredentialMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAccount()
			tt.mutate(&a)
			err := a.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestAccountValidateRejectsShortInterval(t *testing.T) {
	a := validAccount()
	a.PollInterval = 1
	assert.Error(t, a.Validate())
}

func TestAccountValidateForwardModeNeedsAddress(t *testing.T) {
	a := validAccount()
	a.FilterMode = FilterModeForward
	assert.Error(t, a.Validate())

	a.ForwardingEmail = "parent@example.com"
	assert.NoError(t, a.Validate())
}

func TestAccountUpdateApply(t *testing.T) {
	a := validAccount()
	interval := 15
	folder := "Bulk Mail"

	updated, err := AccountUpdate{PollInterval: &interval, CustomJunkFolder: &folder}.Apply(a)
	require.NoError(t, err)
	assert.Equal(t, 15, updated.PollInterval)
	assert.Equal(t, "Bulk Mail", updated.CustomJunkFolder)
	assert.Equal(t, 5, a.PollInterval, "original must not change")
}

func TestAccountUpdateApplyRejectsInvalid(t *testing.T) {
	a := validAccount()
	interval := 2
	_, err := AccountUpdate{PollInterval: &interval}.Apply(a)
	assert.Error(t, err)
}

func TestAccountUpdateCredentialSwitch(t *testing.T) {
	a := validAccount()
	method := AuthOAuth2
	access, refresh := "access", "refresh"
	expiry := time.Now().Add(time.Hour)

	updated, err := AccountUpdate{
		AuthMethod:     &method,
		AccessToken:    &access,
		RefreshToken:   &refresh,
		TokenExpiresAt: &expiry,
	}.Apply(a)
	require.NoError(t, err)
	assert.Empty(t, updated.Password)
	assert.Equal(t, "access", updated.AccessToken)

	pw := "new"
	_, err = AccountUpdate{Password: &pw}.Apply(updated)
	assert.ErrorIs(t, err, ErrCredentialMismatch)
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	a := Account{AccessToken: "tok", TokenExpiresAt: &past}
	assert.True(t, a.TokenExpired(now, 0))

	a.TokenExpiresAt = &future
	assert.False(t, a.TokenExpired(now, time.Minute))
	assert.True(t, a.TokenExpired(now, 2*time.Hour))

	a.AccessToken = ""
	assert.True(t, a.TokenExpired(now, 0))
}

func TestJunkFolderPrecedence(t *testing.T) {
	p := &ProviderConfig{JunkFolderPath: "Spam"}
	a := &Account{}
	assert.Equal(t, "Spam", p.JunkFolder(a))

	a.CustomJunkFolder = "Custom"
	assert.Equal(t, "Custom", p.JunkFolder(a))

	var empty *ProviderConfig
	assert.Equal(t, DefaultJunkFolder, empty.JunkFolder(&Account{}))
}

func TestFilterRuleValidate(t *testing.T) {
	assert.NoError(t, (&FilterRule{Pattern: "casino"}).Validate())
	assert.NoError(t, (&FilterRule{Pattern: `\bbet\b`, IsRegex: true}).Validate())
	assert.ErrorIs(t, (&FilterRule{Pattern: "([", IsRegex: true}).Validate(), ErrInvalidPattern)
	assert.ErrorIs(t, (&FilterRule{Pattern: "  "}).Validate(), ErrInvalidPattern)
}

func TestTrustedSenderValidate(t *testing.T) {
	ts := &TrustedSender{Email: "  Grandma@Example.com "}
	require.NoError(t, ts.Validate())
	assert.Equal(t, "grandma@example.com", ts.Email)

	assert.ErrorIs(t, (&TrustedSender{Email: "grandma"}).Validate(), ErrInvalidSender)
}
