package repo

import (
	"context"
	"fmt"

	"clawdis/internal/biz/domain"
)

// MessageHandler is the single handler a provider's inbound stream
// dispatches to. Handlers are invoked in the backend's arrival order.
type MessageHandler func(*domain.InboundMessage)

// Provider is the uniform contract every backend adapter implements (spec
// §4.1). Send never returns an error for a rejected/failed delivery; that
// outcome is carried in the returned SendResult.
type Provider interface {
	Initialize(ctx context.Context, config interface{}) error
	IsConnected() bool
	Disconnect() error

	Send(ctx context.Context, to domain.Identifier, body string, opts domain.SendOptions) domain.SendResult
	SendTyping(ctx context.Context, to domain.Identifier)
	GetDeliveryStatus(ctx context.Context, id string) domain.DeliveryStatus

	OnMessage(handler MessageHandler)
	StartListening(ctx context.Context) error
	StopListening() error

	IsAuthenticated() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	GetSessionId() string

	Kind() domain.ProviderKind
	Capabilities() domain.ProviderCapabilities
}

// Factory constructs an uninitialised Provider for a kind.
type Factory func(kind domain.ProviderKind) (Provider, error)

// registry is populated by each infra/<provider> package's init() function:
// one constructor per backend, self-registered rather than looked up
// through a global map of reflect types.
var registry = map[domain.ProviderKind]func() Provider{}

// Register makes a provider kind's constructor available to NewProvider. It
// is called from each infra package's init().
func Register(kind domain.ProviderKind, ctor func() Provider) {
	registry[kind] = ctor
}

// NewProvider creates an uninitialised instance by kind. Unknown kinds fail
// loudly, per spec §4.1.
func NewProvider(kind domain.ProviderKind) (Provider, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, domain.NewError(domain.KindConfig, fmt.Errorf("no provider registered for kind %q", kind))
	}
	return ctor(), nil
}

// NewInitializedProvider creates and initialises a provider in one step.
func NewInitializedProvider(ctx context.Context, kind domain.ProviderKind, config interface{}) (Provider, error) {
	p, err := NewProvider(kind)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx, config); err != nil {
		return nil, err
	}
	return p, nil
}
