package formatter

import (
	"fmt"
	"html"
	"strings"

	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/parser"
)

// Headers stamped on forwarded copies
const (
	HeaderReason       = "X-Junkguard-Reason"
	HeaderOriginalFrom = "X-Junkguard-Original-From"
)

const subjectPrefix = "[Filtered]"

// BannerFormatter wraps filtered messages in a safety banner for forwarding
type BannerFormatter struct {
	parser *parser.HTMLParser
}

// NewBannerFormatter creates a new banner formatter
func NewBannerFormatter() *BannerFormatter {
	return &BannerFormatter{parser: parser.NewHTMLParser()}
}

// Forward builds the message sent to the forwarding address.
// The HTML part is sanitized; an HTML-only original still gets a text part.
func (f *BannerFormatter) Forward(msg *email.Message, reason, to string) (*email.OutgoingMail, error) {
	sender := formatAddress(msg.From)

	text := msg.BodyText
	if text == "" && msg.BodyHTML != "" {
		converted, err := f.parser.ToText(msg.BodyHTML)
		if err != nil {
			return nil, fmt.Errorf("failed to convert html body: %w", err)
		}
		text = converted
	}

	var htmlBody string
	if msg.BodyHTML != "" {
		clean, err := f.parser.Sanitize(msg.BodyHTML)
		if err != nil {
			return nil, fmt.Errorf("failed to sanitize html body: %w", err)
		}
		htmlBody = clean
	} else {
		htmlBody = "<pre>" + html.EscapeString(text) + "</pre>"
	}

	subject := strings.TrimSpace(subjectPrefix + " " + msg.Subject)

	return &email.OutgoingMail{
		To:      []email.Address{{Address: to}},
		Subject: subject,
		Text:    f.textBanner(sender, reason, msg) + text,
		HTML:    f.htmlBanner(sender, reason, msg) + htmlBody,
		Headers: map[string]string{
			HeaderReason:       reason,
			HeaderOriginalFrom: msg.From.Address,
		},
	}, nil
}

func (f *BannerFormatter) textBanner(sender, reason string, msg *email.Message) string {
	var sb strings.Builder
	sb.WriteString("==================== FILTERED MESSAGE ====================\n")
	sb.WriteString("This message was removed from a monitored mailbox.\n")
	fmt.Fprintf(&sb, "Original sender: %s\n", sender)
	fmt.Fprintf(&sb, "Filter reason:   %s\n", reason)
	if !msg.Date.IsZero() {
		fmt.Fprintf(&sb, "Received:        %s\n", msg.Date.Format("02.01.2006 15:04"))
	}
	sb.WriteString("Links and images in the original may be unsafe.\n")
	sb.WriteString("===========================================================\n\n")
	return sb.String()
}

func (f *BannerFormatter) htmlBanner(sender, reason string, msg *email.Message) string {
	var sb strings.Builder
	sb.WriteString(`<div style="border:2px solid #c0392b;background:#fdecea;padding:12px;margin-bottom:16px;font-family:sans-serif">`)
	sb.WriteString("<strong>Filtered message</strong><br>")
	sb.WriteString("This message was removed from a monitored mailbox.<br>")
	fmt.Fprintf(&sb, "<b>Original sender:</b> %s<br>", html.EscapeString(sender))
	fmt.Fprintf(&sb, "<b>Filter reason:</b> %s<br>", html.EscapeString(reason))
	if !msg.Date.IsZero() {
		fmt.Fprintf(&sb, "<b>Received:</b> %s<br>", msg.Date.Format("02.01.2006 15:04"))
	}
	sb.WriteString("<i>Remote images and scripts were removed.</i></div>")
	return sb.String()
}

func formatAddress(a email.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}
