package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/mixelka/junkguard/pkg/models"
)

var (
	// ErrNotConnected is returned by operations on a session without a live connection
	ErrNotConnected = errors.New("not connected")
	// ErrNotSupported is returned for capabilities the provider does not offer
	ErrNotSupported = errors.New("not supported")
	// ErrMalformedMessage is wrapped by fetch failures caused by a message that can't be parsed
	ErrMalformedMessage = errors.New("malformed message")
)

// FetchError is yielded by ListMessages when a single message can't be fetched.
// Any other error yielded by a listing means the listing itself failed.
type FetchError struct {
	UID uint32
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("message %d: %v", e.UID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Auth credential block of ConnectOptions, tagged by Method
type Auth struct {
	Method       models.AuthMethod
	Secret       string // password, app password or static token
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// ConnectOptions everything a session needs to (re)connect
type ConnectOptions struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS for IMAP, STARTTLS for SMTP
	Username string
	Auth     Auth

	SMTPHost string
	SMTPPort int

	CommandTimeout time.Duration
	TLSConfig      *tls.Config
}

// Address an email address with optional display name
type Address struct {
	Name    string
	Address string
}

// Message a fetched message
type Message struct {
	UID       uint32
	MessageID string
	From      Address
	To        []Address
	Subject   string
	Date      time.Time
	Seen      bool
	BodyText  string
	BodyHTML  string
}

// Folder a mailbox on the server
type Folder struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// ListOptions bounds a message listing
type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
	Since      time.Time
}

// OutgoingMail a message to send through the provider's SMTP server
type OutgoingMail struct {
	From    Address
	To      []Address
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
}

// Capabilities what a provider family supports
type Capabilities struct {
	OAuth          bool `json:"oauth"`
	Search         bool `json:"search"`
	Labels         bool `json:"labels"`
	Filters        bool `json:"filters"`
	FolderCreation bool `json:"folder_creation"`
	AppendMessage  bool `json:"append_message"`
}

// Session a live authenticated connection to one mailbox.
// Failing operations return an error and also record it for LastError.
type Session interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect() error
	IsConnected() bool
	// RefreshConnection disconnects and reconnects with the stored options
	RefreshConnection(ctx context.Context) error

	ListFolders(ctx context.Context) ([]Folder, error)
	SelectFolder(ctx context.Context, name string) error
	// ListMessages yields messages newest first. The sequence is lazy and
	// single-use; a listing failure is yielded once as an error, a failure
	// on one message is yielded as a *FetchError and the listing continues.
	ListMessages(ctx context.Context, folder string, opts ListOptions) iter.Seq2[*Message, error]
	GetMessage(ctx context.Context, uid uint32) (*Message, error)
	MarkAsRead(ctx context.Context, uid uint32) error
	DeleteMessage(ctx context.Context, uid uint32) error
	MoveMessage(ctx context.Context, uid uint32, folder string) error
	CreateFolder(ctx context.Context, name string) error
	DeleteFolder(ctx context.Context, name string) error
	SendMail(ctx context.Context, mail *OutgoingMail) error

	Capabilities() Capabilities
	LastError() error
}
