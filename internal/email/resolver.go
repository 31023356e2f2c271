package email

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mixelka/junkguard/pkg/models"
)

// Provider families of popular mail domains
var knownDomains = map[string]models.ProviderType{
	"gmail.com":      models.ProviderGmail,
	"googlemail.com": models.ProviderGmail,
	"outlook.com":    models.ProviderOutlook,
	"hotmail.com":    models.ProviderOutlook,
	"live.com":       models.ProviderOutlook,
	"msn.com":        models.ProviderOutlook,
	"yahoo.com":      models.ProviderYahoo,
	"yahoo.co.uk":    models.ProviderYahoo,
	"ymail.com":      models.ProviderYahoo,
	"icloud.com":     models.ProviderICloud,
	"me.com":         models.ProviderICloud,
	"mac.com":        models.ProviderICloud,
}

// Presets returns the default provider configs seeded on first start
func Presets() []*models.ProviderConfig {
	return []*models.ProviderConfig{
		{
			Name: "iCloud", Type: models.ProviderICloud,
			IMAPHost: "imap.mail.me.com", IMAPPort: 993,
			SMTPHost: "smtp.mail.me.com", SMTPPort: 587,
			Secure: true, JunkFolderPath: "Junk",
		},
		{
			Name: "Yahoo", Type: models.ProviderYahoo,
			IMAPHost: "imap.mail.yahoo.com", IMAPPort: 993,
			SMTPHost: "smtp.mail.yahoo.com", SMTPPort: 587,
			Secure: true, JunkFolderPath: "Bulk",
		},
		{
			Name: "Gmail", Type: models.ProviderGmail,
			IMAPHost: "imap.gmail.com", IMAPPort: 993,
			SMTPHost: "smtp.gmail.com", SMTPPort: 587,
			Secure: true, JunkFolderPath: "[Gmail]/Spam",
			OAuthAuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			OAuthTokenURL:     "https://oauth2.googleapis.com/token",
			OAuthScope:        "https://mail.google.com/",
			OfflineAccess:     true,
		},
		{
			Name: "Outlook", Type: models.ProviderOutlook,
			IMAPHost: "outlook.office365.com", IMAPPort: 993,
			SMTPHost: "smtp.office365.com", SMTPPort: 587,
			Secure: true, JunkFolderPath: "Junk",
			OAuthAuthorizeURL: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			OAuthTokenURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			OAuthScope:        "https://outlook.office.com/IMAP.AccessAsUser.All https://outlook.office.com/SMTP.Send offline_access",
		},
	}
}

// DetectProviderType returns the provider family of an address, generic when unknown
func DetectProviderType(email string) models.ProviderType {
	if t, ok := knownDomains[DomainOf(email)]; ok {
		return t
	}
	return models.ProviderGeneric
}

// ResolveGenericProvider guesses IMAP and SMTP servers for a custom domain
func ResolveGenericProvider(ctx context.Context, email string) (*models.ProviderConfig, error) {
	domain := DomainOf(email)
	if domain == "" {
		return nil, fmt.Errorf("invalid email format")
	}

	imapHost := ""
	for _, host := range []string{"imap." + domain, "mail." + domain, domain} {
		if reachable(ctx, host, 993) {
			imapHost = host
			break
		}
	}
	if imapHost == "" {
		imapHost = resolveViaMX(ctx, domain)
	}
	if imapHost == "" {
		// Best guess; the first connect reports the problem
		imapHost = "imap." + domain
	}

	smtpHost := "smtp." + domain
	if !reachable(ctx, smtpHost, 587) {
		smtpHost = imapHost
	}

	return &models.ProviderConfig{
		Name:           domain,
		Type:           models.ProviderGeneric,
		IMAPHost:       imapHost,
		IMAPPort:       993,
		SMTPHost:       smtpHost,
		SMTPPort:       587,
		Secure:         true,
		JunkFolderPath: models.DefaultJunkFolder,
	}, nil
}

func reachable(ctx context.Context, host string, port int) bool {
	dialer := net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// resolveViaMX derives imap.<base> or mail.<base> from the primary MX host
func resolveViaMX(ctx context.Context, domain string) string {
	records, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil || len(records) == 0 {
		return ""
	}

	mxHost := strings.TrimSuffix(records[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	for _, host := range []string{"imap." + parts[1], "mail." + parts[1]} {
		if reachable(ctx, host, 993) {
			return host
		}
	}
	return ""
}

// DomainOf extracts the lowercased domain of an address
func DomainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
