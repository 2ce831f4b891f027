package core

import (
	"context"
	"time"
)

// Ports define interfaces for external dependencies

// ============================================
// STORAGE PORTS
// ============================================

// Storage is a durable key/value store shared by the credential store and
// provider-side session persistence
type Storage interface {
	// Get returns ErrKeyNotFound when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is idempotent
	Delete(ctx context.Context, key string) error
}

// StorageStats are simple counters for storage behavior.
type StorageStats struct {
	Gets    int64 `json:"gets"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Size    int   `json:"size"`
}

// StorageWithStats extends Storage with diagnostics
type StorageWithStats interface {
	Storage
	Stats() StorageStats
}

// CredentialStore persists the single backend-issued access token
type CredentialStore interface {
	Save(ctx context.Context, token AccessToken) error
	Load(ctx context.Context) (AccessToken, bool, error)
	Clear(ctx context.Context) error
}

// ============================================
// IDENTITY PROVIDER PORT
// ============================================

// Unsubscribe detaches a listener. Calling it more than once is safe.
type Unsubscribe func()

// IdentityProvider wraps the external identity service
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignInFederated(ctx context.Context) (*Identity, error)
	// SignOut always clears the local provider session, even when the
	// provider is unreachable
	SignOut(ctx context.Context) error
	UpdateProfile(ctx context.Context, displayName, photoURL string) error
	SendPasswordReset(ctx context.Context, email string) error
	// Subscribe calls fn with the restored session first, then on every
	// session change. Calls for one subscriber never overlap.
	Subscribe(fn func(*Identity)) Unsubscribe
}

// FederatedFlow runs a provider-mediated interactive sign-in
type FederatedFlow interface {
	Authenticate(ctx context.Context) (*FederatedCredential, error)
}

// ============================================
// BACKEND PORT
// ============================================

// TokenExchanger trades a signed-in identity for a backend access token
type TokenExchanger interface {
	// Exchange is a single attempt; failures wrap ErrExchange
	Exchange(ctx context.Context, identity Identity) (AccessToken, error)
	UpsertUser(ctx context.Context, identity Identity) error
}

// ============================================
// SESSION PORT
// ============================================

// SessionService is the operation surface session consumers program against
type SessionService interface {
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignInFederated(ctx context.Context) (*Identity, error)
	SignOut(ctx context.Context) error
	UpdateIdentity(ctx context.Context, displayName, photoURL string) error
	SendPasswordReset(ctx context.Context, email string) error

	State() SessionState
	Subscribe(fn func(SessionState)) Unsubscribe
	// WaitSettled blocks until the session is settled and not loading
	WaitSettled(ctx context.Context) (SessionState, error)
	AccessToken(ctx context.Context) (AccessToken, bool, error)
}

// ============================================
// METRICS PORT
// ============================================

// MetricsCollector receives controller instrumentation
type MetricsCollector interface {
	RecordProviderEvent(signedIn bool)
	RecordOperation(op string, err error)
	RecordExchange(result string, duration time.Duration)
	RecordUpsertFailure()
}

// Exchange results passed to RecordExchange
const (
	ExchangeSuccess = "success"
	ExchangeFailure = "failure"
	ExchangeStale   = "stale"
)

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordProviderEvent(bool)             {}
func (NopMetrics) RecordOperation(string, error)        {}
func (NopMetrics) RecordExchange(string, time.Duration) {}
func (NopMetrics) RecordUpsertFailure()                 {}

var _ MetricsCollector = NopMetrics{}
