// Package tether keeps one observable "current user" in sync across an
// identity provider session, a locally stored backend access token and the
// backend user record.
package tether

import (
	"github.com/lborres/tether/adapters/memory"
	"github.com/lborres/tether/core"
	"github.com/lborres/tether/pkg/telemetry"
	"github.com/lborres/tether/services"
)

// interfaces
type (
	Storage          = core.Storage
	CredentialStore  = core.CredentialStore
	IdentityProvider = core.IdentityProvider
	FederatedFlow    = core.FederatedFlow
	TokenExchanger   = core.TokenExchanger
	SessionService   = core.SessionService
	MetricsCollector = core.MetricsCollector

	HTTPAdapter = core.HTTPAdapter
)

// structs
type (
	Config       = core.Config
	Identity     = core.Identity
	AccessToken  = core.AccessToken
	UserRecord   = core.UserRecord
	SessionState = core.SessionState
	Phase        = core.Phase
	Endpoint     = core.Endpoint
)

const (
	PhaseUninitialized   = core.PhaseUninitialized
	PhaseLoading         = core.PhaseLoading
	PhaseAuthenticated   = core.PhaseAuthenticated
	PhaseUnauthenticated = core.PhaseUnauthenticated
)

const defaultBasePath = "/api/session"

var (
	ErrCredential        = core.ErrCredential
	ErrWeakSecret        = core.ErrWeakSecret
	ErrNotFound          = core.ErrNotFound
	ErrInvalidSecret     = core.ErrInvalidSecret
	ErrInvalidCredential = core.ErrInvalidCredential
	ErrFederatedFlow     = core.ErrFederatedFlow
)

var (
	ErrNotAuthenticated = core.ErrNotAuthenticated
	ErrExchange         = core.ErrExchange
	ErrStorage          = core.ErrStorage
	ErrAlreadyStarted   = core.ErrAlreadyStarted
	ErrNotStarted       = core.ErrNotStarted
	ErrClosed           = core.ErrClosed
)

var (
	ErrProviderRequired  = core.ErrProviderRequired
	ErrExchangerRequired = core.ErrExchangerRequired
)

// Tether is the assembled session controller plus the pieces it was built from
type Tether struct {
	*services.SessionController

	Credentials *services.CredentialStore
	Storage     core.Storage
	BasePath    string

	endpoints []core.Endpoint
}

var (
	_ core.SessionService   = (*Tether)(nil)
	_ core.EndpointProvider = (*Tether)(nil)
)

// New wires a session controller. Call Start to begin observing the provider.
func New(config Config) (*Tether, error) {
	if config.Provider == nil {
		return nil, ErrProviderRequired
	}
	if config.Exchanger == nil {
		return nil, ErrExchangerRequired
	}

	// Set Defaults

	storage := config.Storage
	if storage == nil {
		storage = memory.New(memory.Config{})
	}

	basePath := config.BasePath
	if basePath == "" {
		basePath = defaultBasePath
	}

	credentials := services.NewCredentialStore(storage, config.CredentialKey)

	controller, err := services.NewSessionController(services.ControllerConfig{
		Provider:               config.Provider,
		Exchanger:              config.Exchanger,
		Credentials:            credentials,
		Metrics:                config.Metrics,
		Logger:                 config.Logger,
		Tracer:                 telemetry.Tracer(),
		ConcealUnknownAccounts: config.ConcealUnknownAccounts,
	})
	if err != nil {
		return nil, err
	}

	t := &Tether{
		SessionController: controller,
		Credentials:       credentials,
		Storage:           storage,
		BasePath:          basePath,
		endpoints:         services.NewEndpointRegistry().Endpoints(),
	}

	if config.HTTP != nil {
		if err := config.HTTP.RegisterRoutes(t, t.endpoints, basePath); err != nil {
			_ = controller.Close()
			return nil, err
		}
	}

	return t, nil
}

// GetEndpoints lists the session API route table
func (t *Tether) GetEndpoints() []core.Endpoint {
	return append([]core.Endpoint(nil), t.endpoints...)
}
