package models

import "time"

// ProviderType closed set of provider families
type ProviderType string

const (
	ProviderGeneric ProviderType = "generic"
	ProviderICloud  ProviderType = "icloud"
	ProviderYahoo   ProviderType = "yahoo"
	ProviderGmail   ProviderType = "gmail"
	ProviderOutlook ProviderType = "outlook"
)

// Valid reports whether t is a known provider type
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderGeneric, ProviderICloud, ProviderYahoo, ProviderGmail, ProviderOutlook:
		return true
	}
	return false
}

// DefaultJunkFolder is used when neither account nor provider names one
const DefaultJunkFolder = "Junk"

// ProviderConfig connection parameters of a provider family
type ProviderConfig struct {
	ID             int64        `db:"id" json:"id"`
	Name           string       `db:"name" json:"name"`
	Type           ProviderType `db:"type" json:"type"`
	IMAPHost       string       `db:"imap_host" json:"imap_host"`
	IMAPPort       int          `db:"imap_port" json:"imap_port"`
	SMTPHost       string       `db:"smtp_host" json:"smtp_host"`
	SMTPPort       int          `db:"smtp_port" json:"smtp_port"`
	Secure         bool         `db:"secure" json:"secure"` // Implicit TLS for IMAP, STARTTLS for SMTP
	JunkFolderPath string       `db:"junk_folder_path" json:"junk_folder_path"`

	OAuthClientID     string `db:"oauth_client_id" json:"-"`
	OAuthClientSecret string `db:"oauth_client_secret" json:"-"`
	OAuthAuthorizeURL string `db:"oauth_authorize_url" json:"oauth_authorize_url,omitempty"`
	OAuthTokenURL     string `db:"oauth_token_url" json:"oauth_token_url,omitempty"`
	OAuthScope        string `db:"oauth_scope" json:"oauth_scope,omitempty"`
	OAuthRedirectURI  string `db:"oauth_redirect_uri" json:"oauth_redirect_uri,omitempty"`
	// OfflineAccess appends access_type=offline&prompt=consent to the authorize URL
	OfflineAccess bool `db:"offline_access" json:"offline_access"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// OAuthCapable reports whether the provider has client credentials configured
func (p *ProviderConfig) OAuthCapable() bool {
	return p.OAuthClientID != "" && p.OAuthAuthorizeURL != "" && p.OAuthTokenURL != ""
}

// JunkFolder returns the effective junk folder for an account using this provider
func (p *ProviderConfig) JunkFolder(account *Account) string {
	if account != nil && account.CustomJunkFolder != "" {
		return account.CustomJunkFolder
	}
	if p != nil && p.JunkFolderPath != "" {
		return p.JunkFolderPath
	}
	return DefaultJunkFolder
}
