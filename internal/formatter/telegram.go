package formatter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/pkg/models"
)

// TelegramFormatter formats operator notifications for Telegram
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: 4000, // Leave room for markup
	}
}

var activityTitles = map[models.ActivityType]string{
	models.ActivityInappropriateDeleted: "Inappropriate message deleted",
	models.ActivityFilterMatch:          "Inappropriate message filtered",
	models.ActivityForward:              "Filtered message forwarded",
	models.ActivityDeleted:              "Junk message deleted",
	models.ActivityError:                "Check failed",
	models.ActivityCheckCompleted:       "Check completed",
}

// FormatActivity formats an activity entry for the given account
func (f *TelegramFormatter) FormatActivity(account *models.Account, entry *models.ActivityLogEntry) string {
	var sb strings.Builder

	title, ok := activityTitles[entry.Type]
	if !ok {
		title = string(entry.Type)
	}
	fmt.Fprintf(&sb, "<b>%s</b>\n", f.escapeHTML(title))
	fmt.Fprintf(&sb, "<b>Account:</b> %s\n", f.escapeHTML(accountLabel(account)))
	if entry.SenderEmail != "" {
		fmt.Fprintf(&sb, "<b>From:</b> %s\n", f.escapeHTML(entry.SenderEmail))
	}
	if !entry.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, "<b>Time:</b> %s\n", entry.CreatedAt.Format("02.01.2006 15:04"))
	}
	if entry.Details != "" {
		sb.WriteString("\n")
		details := f.truncate(entry.Details, f.maxLength-sb.Len()-50)
		sb.WriteString(f.escapeHTML(details))
	}

	return sb.String()
}

// FormatPoolStatus formats pool counters and per-account connection errors
func (f *TelegramFormatter) FormatPoolStatus(status email.PoolStatus, errs map[int64]string) string {
	var sb strings.Builder

	sb.WriteString("<b>Session pool</b>\n")
	fmt.Fprintf(&sb, "Sessions: %d/%d (active %d, inactive %d, in use %d)\n",
		status.Total, status.Max, status.Active, status.Inactive, status.InUse)

	if len(status.ByProvider) > 0 {
		providers := make([]string, 0, len(status.ByProvider))
		for p := range status.ByProvider {
			providers = append(providers, string(p))
		}
		slices.Sort(providers)
		for _, p := range providers {
			fmt.Fprintf(&sb, "  %s: %d\n", p, status.ByProvider[models.ProviderType(p)])
		}
	}

	if len(errs) > 0 {
		sb.WriteString("\n<b>Connection errors</b>\n")
		ids := make([]int64, 0, len(errs))
		for id := range errs {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			line := fmt.Sprintf("#%d: %s\n", id, f.truncate(errs[id], 200))
			if sb.Len()+len(line) > f.maxLength {
				sb.WriteString("...")
				break
			}
			sb.WriteString(f.escapeHTML(line))
		}
	}

	return sb.String()
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func accountLabel(a *models.Account) string {
	if a == nil {
		return "unknown"
	}
	if a.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", a.DisplayName, a.Email)
	}
	return a.Email
}
