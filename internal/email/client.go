package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"github.com/mixelka/junkguard/pkg/models"
)

const logoutTimeout = 2 * time.Second

// loginFunc authenticates a freshly dialed IMAP connection
type loginFunc func(c *client.Client, opts ConnectOptions) error

// mechFunc builds the SASL client used for SMTP submission
type mechFunc func(opts ConnectOptions) (sasl.Client, error)

// imapSession is the go-imap implementation shared by all provider families
type imapSession struct {
	caps   Capabilities
	login  loginFunc
	mech   mechFunc
	logger *slog.Logger

	mu        sync.Mutex
	client    *client.Client
	opts      ConnectOptions
	hasOpts   bool
	connected bool
	selected  string
	lastErr   error
}

func newIMAPSession(caps Capabilities, login loginFunc, mech mechFunc, logger *slog.Logger) *imapSession {
	return &imapSession{
		caps:   caps,
		login:  login,
		mech:   mech,
		logger: logger,
	}
}

// PasswordSession authenticates with IMAP LOGIN using a password or app password
type PasswordSession struct {
	*imapSession
}

// NewPasswordSession creates a session for password-style providers
func NewPasswordSession(caps Capabilities, logger *slog.Logger) *PasswordSession {
	return &PasswordSession{newIMAPSession(caps, passwordLogin, plainMech, logger.With("session", "password"))}
}

// OAuthSession authenticates with SASL XOAUTH2 using a bearer token.
// Password and app-password accounts on the same provider fall back to LOGIN.
type OAuthSession struct {
	*imapSession
}

// NewOAuthSession creates a session for OAuth-capable providers
func NewOAuthSession(caps Capabilities, logger *slog.Logger) *OAuthSession {
	return &OAuthSession{newIMAPSession(caps, oauthLogin, oauthMech, logger.With("session", "oauth2"))}
}

func passwordLogin(c *client.Client, opts ConnectOptions) error {
	switch opts.Auth.Method {
	case models.AuthPassword, models.AuthAppPassword:
	default:
		return fmt.Errorf("%w: %s on a password provider", models.ErrCredentialMismatch, opts.Auth.Method)
	}
	if opts.Auth.Secret == "" {
		return fmt.Errorf("%w: empty password", models.ErrCredentialMismatch)
	}
	return c.Login(opts.Username, opts.Auth.Secret)
}

func plainMech(opts ConnectOptions) (sasl.Client, error) {
	return sasl.NewPlainClient("", opts.Username, opts.Auth.Secret), nil
}

func bearerToken(opts ConnectOptions) string {
	if opts.Auth.Method == models.AuthToken {
		return opts.Auth.Secret
	}
	return opts.Auth.AccessToken
}

func oauthLogin(c *client.Client, opts ConnectOptions) error {
	switch opts.Auth.Method {
	case models.AuthPassword, models.AuthAppPassword:
		return passwordLogin(c, opts)
	}
	token := bearerToken(opts)
	if token == "" {
		return fmt.Errorf("%w: missing access token", models.ErrCredentialMismatch)
	}
	return c.Authenticate(NewXOAuth2Client(opts.Username, token))
}

func oauthMech(opts ConnectOptions) (sasl.Client, error) {
	switch opts.Auth.Method {
	case models.AuthPassword, models.AuthAppPassword:
		return plainMech(opts)
	}
	token := bearerToken(opts)
	if token == "" {
		return nil, fmt.Errorf("%w: missing access token", models.ErrCredentialMismatch)
	}
	return NewXOAuth2Client(opts.Username, token), nil
}

// Connect dials and authenticates; an existing connection with different options is replaced
func (s *imapSession) Connect(ctx context.Context, opts ConnectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasOpts && s.opts == opts && s.aliveLocked() {
		return nil
	}
	return s.connectLocked(ctx, opts)
}

func (s *imapSession) connectLocked(ctx context.Context, opts ConnectOptions) error {
	s.closeLocked()
	s.opts, s.hasOpts = opts, true

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	s.logger.Info("connecting to IMAP server", "server", addr, "user", opts.Username)

	c, err := dialIMAP(ctx, addr, opts)
	if err != nil {
		return s.fail(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	if opts.CommandTimeout > 0 {
		c.Timeout = opts.CommandTimeout
	}

	if err := s.login(c, opts); err != nil {
		c.Terminate()
		return s.fail(fmt.Errorf("failed to login: %w", err))
	}

	// Login has no context; drop a connection that finished after the caller gave up
	if err := ctx.Err(); err != nil {
		c.Terminate()
		return s.fail(err)
	}

	s.client = c
	s.connected = true
	s.selected = ""
	s.lastErr = nil
	s.logger.Info("connected to IMAP server", "server", addr)
	return nil
}

func dialIMAP(ctx context.Context, addr string, opts ConnectOptions) (*client.Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if opts.Secure {
		tlsConn := tls.Client(conn, tlsConfigFor(opts.Host, opts.TLSConfig))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create IMAP client: %w", err)
	}
	return c, nil
}

func tlsConfigFor(host string, base *tls.Config) *tls.Config {
	if base == nil {
		return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	cfg := base.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// Disconnect logs out; it never blocks longer than logoutTimeout
func (s *imapSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *imapSession) closeLocked() {
	c := s.client
	s.client = nil
	s.connected = false
	s.selected = ""
	if c == nil {
		return
	}

	go func() {
		done := make(chan struct{})
		go func() {
			c.Logout()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(logoutTimeout):
			c.Terminate()
		}
	}()
}

// IsConnected reports the local connection state without a network round-trip
func (s *imapSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

func (s *imapSession) aliveLocked() bool {
	if !s.connected || s.client == nil {
		return false
	}
	select {
	case <-s.client.LoggedOut():
		s.connected = false
		return false
	default:
		return true
	}
}

// RefreshConnection reconnects with the options of the last Connect
func (s *imapSession) RefreshConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasOpts {
		return s.fail(errors.New("no connection options to refresh with"))
	}
	return s.connectLocked(ctx, s.opts)
}

func (s *imapSession) readyLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.aliveLocked() {
		return s.fail(ErrNotConnected)
	}
	return nil
}

func (s *imapSession) fail(err error) error {
	s.lastErr = err
	return err
}

// LastError returns the error of the most recent failed operation
func (s *imapSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Capabilities returns the provider family's capability set
func (s *imapSession) Capabilities() Capabilities {
	return s.caps
}

// ListFolders lists all mailboxes
func (s *imapSession) ListFolders(ctx context.Context) ([]Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(ctx); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []Folder
	for m := range mailboxes {
		folders = append(folders, Folder{Name: m.Name, Delimiter: m.Delimiter, Attributes: m.Attributes})
	}
	if err := <-done; err != nil {
		return nil, s.fail(fmt.Errorf("failed to list folders: %w", err))
	}
	return folders, nil
}

// SelectFolder selects a mailbox read-write
func (s *imapSession) SelectFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(ctx); err != nil {
		return err
	}
	return s.selectLocked(name)
}

func (s *imapSession) selectLocked(name string) error {
	if s.selected == name {
		return nil
	}
	if _, err := s.client.Select(name, false); err != nil {
		s.selected = ""
		return s.fail(fmt.Errorf("failed to select %s: %w", name, err))
	}
	s.selected = name
	return nil
}

// ListMessages searches folder and fetches each match on demand, newest first
func (s *imapSession) ListMessages(ctx context.Context, folder string, opts ListOptions) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		uids, err := s.searchUIDs(ctx, folder, opts)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, uid := range uids {
			msg, err := s.fetch(ctx, uid)
			if err != nil {
				if !yield(nil, &FetchError{UID: uid, Err: err}) || errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
					return
				}
				continue
			}
			if msg == nil {
				continue // expunged since the search
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *imapSession) searchUIDs(ctx context.Context, folder string, opts ListOptions) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(ctx); err != nil {
		return nil, err
	}
	if err := s.selectLocked(folder); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	if opts.UnreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, s.fail(fmt.Errorf("failed to search %s: %w", folder, err))
	}

	slices.Sort(uids)
	slices.Reverse(uids)
	return page(uids, opts.Offset, opts.Limit), nil
}

func page(uids []uint32, offset, limit int) []uint32 {
	if offset >= len(uids) {
		return nil
	}
	if offset > 0 {
		uids = uids[offset:]
	}
	if limit > 0 && limit < len(uids) {
		uids = uids[:limit]
	}
	return uids
}

// GetMessage fetches one message from the selected folder without marking it read
func (s *imapSession) GetMessage(ctx context.Context, uid uint32) (*Message, error) {
	msg, err := s.fetch(ctx, uid)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.fail(fmt.Errorf("message %d not found", uid))
	}
	return msg, nil
}

func (s *imapSession) fetch(ctx context.Context, uid uint32) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(ctx); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	// Peek so untouched messages stay unread
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var (
		msg      *Message
		parseErr error
	)
	for m := range messages {
		if m.Uid != uid {
			continue
		}
		msg, parseErr = parseMessage(m, section)
	}

	if err := <-done; err != nil {
		return nil, s.fail(fmt.Errorf("failed to fetch message %d: %w", uid, err))
	}
	if parseErr != nil {
		return nil, s.fail(fmt.Errorf("failed to parse message %d: %w: %w", uid, ErrMalformedMessage, parseErr))
	}
	return msg, nil
}

// MarkAsRead adds the \Seen flag
func (s *imapSession) MarkAsRead(ctx context.Context, uid uint32) error {
	return s.store(ctx, uid, imap.SeenFlag, "mark as read")
}

// DeleteMessage flags the message \Deleted and expunges the folder
func (s *imapSession) DeleteMessage(ctx context.Context, uid uint32) error {
	if err := s.store(ctx, uid, imap.DeletedFlag, "mark as deleted"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(ctx); err != nil {
		return err
	}
	if err := s.client.Expunge(nil); err != nil {
		return s.fail(fmt.Errorf("failed to expunge: %w", err))
	}
	return nil
}

func (s *imapSession) store(ctx context.Context, uid uint32, flag, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(ctx); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seqSet, item, []interface{}{flag}, nil); err != nil {
		return s.fail(fmt.Errorf("failed to %s: %w", action, err))
	}
	return nil
}

// MoveMessage moves a message from the selected folder into folder
func (s *imapSession) MoveMessage(ctx context.Context, uid uint32, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(ctx); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := s.client.UidMove(seqSet, folder); err != nil {
		return s.fail(fmt.Errorf("failed to move message %d to %s: %w", uid, folder, err))
	}
	return nil
}

// CreateFolder creates a mailbox where the provider allows it
func (s *imapSession) CreateFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.caps.FolderCreation {
		return s.fail(fmt.Errorf("create folder: %w", ErrNotSupported))
	}
	if err := s.readyLocked(ctx); err != nil {
		return err
	}
	if err := s.client.Create(name); err != nil {
		return s.fail(fmt.Errorf("failed to create folder %s: %w", name, err))
	}
	return nil
}

// DeleteFolder deletes a mailbox where the provider allows it
func (s *imapSession) DeleteFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.caps.FolderCreation {
		return s.fail(fmt.Errorf("delete folder: %w", ErrNotSupported))
	}
	if err := s.readyLocked(ctx); err != nil {
		return err
	}
	if err := s.client.Delete(name); err != nil {
		return s.fail(fmt.Errorf("failed to delete folder %s: %w", name, err))
	}
	if s.selected == name {
		s.selected = ""
	}
	return nil
}

// SendMail submits mail over SMTP with the session's credentials
func (s *imapSession) SendMail(ctx context.Context, mail *OutgoingMail) error {
	s.mu.Lock()
	opts, hasOpts := s.opts, s.hasOpts
	s.mu.Unlock()

	err := func() error {
		if !hasOpts {
			return ErrNotConnected
		}
		auth, err := s.mech(opts)
		if err != nil {
			return err
		}
		return sendSMTP(ctx, opts, auth, mail, s.logger)
	}()
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.fail(err)
	}
	return nil
}
