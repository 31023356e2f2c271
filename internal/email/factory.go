package email

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mixelka/junkguard/pkg/models"
)

// ErrUnknownProvider is returned for provider types without a session implementation
var ErrUnknownProvider = errors.New("unknown provider type")

// SessionFactory creates an unconnected session for a provider type
type SessionFactory interface {
	NewSession(provider models.ProviderType) (Session, error)
}

// FactoryFunc adapts a function to SessionFactory
type FactoryFunc func(provider models.ProviderType) (Session, error)

// NewSession calls f
func (f FactoryFunc) NewSession(provider models.ProviderType) (Session, error) {
	return f(provider)
}

// SessionBuilder constructs one session implementation
type SessionBuilder func(logger *slog.Logger) Session

var providerCapabilities = map[models.ProviderType]Capabilities{
	models.ProviderGeneric: {Search: true, FolderCreation: true, AppendMessage: true},
	models.ProviderICloud:  {Search: true, FolderCreation: true, AppendMessage: true},
	models.ProviderYahoo:   {Search: true, AppendMessage: true},
	models.ProviderGmail:   {OAuth: true, Search: true, Labels: true, Filters: true, FolderCreation: true, AppendMessage: true},
	models.ProviderOutlook: {OAuth: true, Search: true, Filters: true, FolderCreation: true, AppendMessage: true},
}

// CapabilitiesFor returns the capability set of a provider type
func CapabilitiesFor(t models.ProviderType) Capabilities {
	return providerCapabilities[t]
}

// Factory selects the session implementation by provider type
type Factory struct {
	logger   *slog.Logger
	builders map[models.ProviderType]SessionBuilder
}

// NewFactory creates a factory with the built-in provider families
func NewFactory(logger *slog.Logger) *Factory {
	f := &Factory{
		logger:   logger.With("component", "session_factory"),
		builders: make(map[models.ProviderType]SessionBuilder),
	}
	for t, caps := range providerCapabilities {
		if caps.OAuth {
			f.builders[t] = func(l *slog.Logger) Session { return NewOAuthSession(caps, l) }
		} else {
			f.builders[t] = func(l *slog.Logger) Session { return NewPasswordSession(caps, l) }
		}
	}
	return f
}

// Register replaces the builder for a provider type
func (f *Factory) Register(t models.ProviderType, b SessionBuilder) {
	f.builders[t] = b
}

// NewSession creates a session for t
func (f *Factory) NewSession(t models.ProviderType) (Session, error) {
	b, ok := f.builders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, t)
	}
	return b(f.logger.With("provider", string(t))), nil
}
