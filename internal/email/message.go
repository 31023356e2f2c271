package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// parseMessage converts a fetched IMAP message; the body is optional
func parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	m := &Message{UID: msg.Uid}

	for _, f := range msg.Flags {
		if f == imap.SeenFlag {
			m.Seen = true
		}
	}

	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date
		m.MessageID = env.MessageId
		if len(env.From) > 0 {
			m.From = Address{Name: env.From[0].PersonalName, Address: env.From[0].Address()}
		}
		for _, to := range env.To {
			m.To = append(m.To, Address{Name: to.PersonalName, Address: to.Address()})
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return m, nil
	}
	if err := readBody(body, m); err != nil {
		return nil, err
	}
	return m, nil
}

// readBody extracts the text and HTML parts; headers fill in what the envelope lacked
func readBody(r io.Reader, m *Message) error {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return fmt.Errorf("failed to create mail reader: %w", err)
	}

	if m.Subject == "" {
		m.Subject, _ = mr.Header.Subject()
	}
	if m.From.Address == "" {
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			m.From = Address{Name: from[0].Name, Address: from[0].Address}
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// Keep whatever parts were readable
			if m.BodyText != "" || m.BodyHTML != "" {
				return nil
			}
			return fmt.Errorf("failed to read part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(ct, "text/html") && m.BodyHTML == "":
			m.BodyHTML = string(data)
		case (ct == "" || strings.HasPrefix(ct, "text/plain")) && m.BodyText == "":
			m.BodyText = string(data)
		}
	}
}

// ParseRFC822 parses a raw RFC 5322 message
func ParseRFC822(raw []byte) (*Message, error) {
	m := &Message{}
	if err := readBody(bytes.NewReader(raw), m); err != nil {
		return nil, err
	}
	return m, nil
}

// composeMessage builds an RFC 5322 message with text and HTML alternatives
func composeMessage(out *OutgoingMail, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(out.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: out.From.Name, Address: out.From.Address}})

	to := make([]*mail.Address, 0, len(out.To))
	for _, a := range out.To {
		to = append(to, &mail.Address{Name: a.Name, Address: a.Address})
	}
	h.SetAddressList("To", to)

	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	for _, k := range slices.Sorted(maps.Keys(out.Headers)) {
		h.Set(k, out.Headers[k])
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}

	parts := []struct{ contentType, body string }{
		{"text/plain", out.Text},
		{"text/html", out.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		w, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
