package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const (
	defaultSubmissionPort = 587
	defaultSMTPTimeout    = 30 * time.Second
)

// sendSMTP submits one message; port 465 uses implicit TLS, Secure uses STARTTLS
func sendSMTP(ctx context.Context, opts ConnectOptions, auth sasl.Client, out *OutgoingMail, logger *slog.Logger) error {
	if opts.SMTPHost == "" {
		return fmt.Errorf("send mail: no SMTP server configured: %w", ErrNotSupported)
	}
	if len(out.To) == 0 {
		return errors.New("send mail: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := *out
	if msg.From.Address == "" {
		msg.From.Address = opts.Username
	}
	raw, err := composeMessage(&msg, time.Now())
	if err != nil {
		return err
	}

	port := opts.SMTPPort
	if port == 0 {
		port = defaultSubmissionPort
	}
	addr := net.JoinHostPort(opts.SMTPHost, strconv.Itoa(port))
	tlsConfig := tlsConfigFor(opts.SMTPHost, opts.TLSConfig)

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}

	// Cancelling ctx closes the connection, failing whatever command is in flight
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := newSMTPClient(ctx, conn, port == 465, opts.Secure, tlsConfig, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate to SMTP server: %w", err)
		}
	}

	if err := c.Mail(msg.From.Address, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range msg.To {
		if err := c.Rcpt(to.Address, nil); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to.Address, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	// The message is accepted at this point
	if err := c.Quit(); err != nil {
		logger.Warn("SMTP QUIT failed", "error", err)
	}
	return nil
}

// newSMTPClient wraps conn in a client whose every command is bounded by timeout
func newSMTPClient(ctx context.Context, conn net.Conn, implicitTLS, startTLS bool, tlsConfig *tls.Config, timeout time.Duration) (*smtp.Client, error) {
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var c *smtp.Client
	switch {
	case implicitTLS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake: %w", err)
		}
		c = smtp.NewClient(tlsConn)
	case startTLS:
		// STARTTLS runs before our timeouts can be set on the client
		stop := context.AfterFunc(hsCtx, func() { conn.Close() })
		var err error
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		stop()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	default:
		c = smtp.NewClient(conn)
	}

	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout
	return c, nil
}
