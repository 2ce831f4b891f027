package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lborres/tether/core"
	"github.com/lborres/tether/pkg/notify"
	"github.com/lborres/tether/pkg/telemetry"
)

// Operation names used for spans, logs and metrics
const (
	OpSignUp          = "sign_up"
	OpSignIn          = "sign_in"
	OpSignInFederated = "sign_in_federated"
	OpSignOut         = "sign_out"
	OpUpdateIdentity  = "update_identity"
	OpPasswordReset   = "password_reset"
)

type ControllerConfig struct {
	Provider    core.IdentityProvider
	Exchanger   core.TokenExchanger
	Credentials core.CredentialStore
	Metrics     core.MetricsCollector
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Clock       func() time.Time

	// ConcealUnknownAccounts makes SendPasswordReset succeed for emails with
	// no account instead of reporting ErrNotFound
	ConcealUnknownAccounts bool
}

// SessionController owns the process-wide session state. Every mutation goes
// through its methods; consumers only read State or Subscribe.
type SessionController struct {
	provider    core.IdentityProvider
	exchanger   core.TokenExchanger
	credentials core.CredentialStore
	metrics     core.MetricsCollector
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	conceal     bool

	mu           sync.Mutex
	phase        core.Phase
	view         core.IdentityView
	loading      bool
	lastSignInAt *time.Time
	generation   uint64 // bumped by every provider event and sign-out
	exchanging   bool   // exchange for the current generation not yet resolved
	started      bool
	closed       bool
	unsubscribe  core.Unsubscribe
	changed      chan struct{}

	observers *notify.Dispatcher[core.SessionState]
	ctx       context.Context // background work; cancelled by Close
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ core.SessionService = (*SessionController)(nil)

func NewSessionController(config ControllerConfig) (*SessionController, error) {
	if config.Provider == nil {
		return nil, core.ErrProviderRequired
	}
	if config.Exchanger == nil {
		return nil, core.ErrExchangerRequired
	}
	if config.Credentials == nil {
		return nil, core.ErrCredentialsRequired
	}
	if config.Metrics == nil {
		config.Metrics = core.NopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tracer == nil {
		config.Tracer = telemetry.Tracer()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	initial := core.InitialSessionState()
	ctx, cancel := context.WithCancel(context.Background())

	return &SessionController{
		provider:    config.Provider,
		exchanger:   config.Exchanger,
		credentials: config.Credentials,
		metrics:     config.Metrics,
		logger:      config.Logger.With("component", "session"),
		tracer:      config.Tracer,
		now:         config.Clock,
		conceal:     config.ConcealUnknownAccounts,
		phase:       initial.Phase,
		loading:     initial.Loading,
		changed:     make(chan struct{}),
		observers:   notify.NewDispatcher[core.SessionState](),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ============================================
// LIFECYCLE
// ============================================

// Start registers the single provider subscription. The provider reports the
// restored session asynchronously, which settles the initial Loading phase.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	c.started = true
	c.phase = core.PhaseLoading
	c.loading = true
	c.publishLocked()
	c.mu.Unlock()

	unsubscribe := c.provider.Subscribe(c.onIdentity)

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	closed := c.closed
	c.mu.Unlock()
	if closed {
		unsubscribe()
	}

	c.logger.InfoContext(ctx, "session controller started")
	return nil
}

// Close detaches from the provider, waits for in-flight exchanges and
// releases observers. It is safe to call more than once.
func (c *SessionController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	c.observers.Close()
	return nil
}

// ============================================
// PROVIDER EVENTS
// ============================================

// onIdentity handles one session-changed event. The provider never delivers
// two events concurrently; exchanges may still overlap a later event.
func (c *SessionController) onIdentity(identity *core.Identity) {
	c.metrics.RecordProviderEvent(identity != nil)

	if identity == nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		err := c.applySignedOutLocked(c.ctx)
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("failed to clear credentials", "error", err)
		}
		c.logger.Info("provider reported no session")
		return
	}

	snapshot := *identity

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.generation++
	generation := c.generation
	c.view = core.Confirmed(&snapshot)
	c.phase = core.PhaseAuthenticated
	c.loading = true
	c.exchanging = true
	c.publishLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("provider reported session", "uid", snapshot.UID, "generation", generation)
	go c.exchange(generation, snapshot)
}

// applySignedOutLocked moves to Unauthenticated, invalidating any pending exchange
func (c *SessionController) applySignedOutLocked(ctx context.Context) error {
	c.generation++
	c.view = core.IdentityView{}
	c.phase = core.PhaseUnauthenticated
	c.exchanging = false
	err := c.credentials.Clear(ctx)
	c.loading = false
	c.publishLocked()
	return err
}

// exchange trades the identity for a backend token. A result for a superseded
// generation is dropped without touching the credential store.
func (c *SessionController) exchange(generation uint64, identity core.Identity) {
	defer c.wg.Done()

	ctx, span := c.tracer.Start(c.ctx, "session.exchange")
	span.SetAttributes(attribute.Int64("generation", int64(generation)))

	start := time.Now()
	token, err := c.exchanger.Exchange(ctx, identity)
	elapsed := time.Since(start)

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		c.metrics.RecordExchange(core.ExchangeStale, elapsed)
		c.logger.Debug("discarding superseded exchange result", "generation", generation)
		telemetry.End(span, nil)
		return
	}
	if err == nil {
		err = c.credentials.Save(ctx, token)
	}
	c.exchanging = false
	c.loading = false
	c.publishLocked()
	c.mu.Unlock()

	telemetry.End(span, err)
	if err != nil {
		c.metrics.RecordExchange(core.ExchangeFailure, elapsed)
		c.logger.Error("token exchange failed", "uid", identity.UID, "error", err)
		return
	}
	c.metrics.RecordExchange(core.ExchangeSuccess, elapsed)
	c.logger.Info("token exchange succeeded", "uid", identity.UID, "token", token)

	if err := c.exchanger.UpsertUser(c.ctx, identity); err != nil {
		c.metrics.RecordUpsertFailure()
		c.logger.Warn("user record upsert failed", "email", identity.Email, "error", err)
	}
}

// ============================================
// INTERACTIVE OPERATIONS
// ============================================

func (c *SessionController) SignUp(ctx context.Context, email, password string) (*core.Identity, error) {
	return c.interactive(ctx, OpSignUp, false, func(ctx context.Context) (*core.Identity, error) {
		return c.provider.SignUp(ctx, email, password)
	})
}

func (c *SessionController) SignIn(ctx context.Context, email, password string) (*core.Identity, error) {
	return c.interactive(ctx, OpSignIn, true, func(ctx context.Context) (*core.Identity, error) {
		return c.provider.SignIn(ctx, email, password)
	})
}

func (c *SessionController) SignInFederated(ctx context.Context) (*core.Identity, error) {
	return c.interactive(ctx, OpSignInFederated, true, c.provider.SignInFederated)
}

// interactive raises Loading before calling the provider. The returned
// identity is informational: only provider events change the current identity.
func (c *SessionController) interactive(ctx context.Context, op string, recordSignIn bool, call func(context.Context) (*core.Identity, error)) (identity *core.Identity, err error) {
	ctx, span := telemetry.StartOperationSpan(ctx, c.tracer, op)
	defer func() {
		telemetry.End(span, err)
		c.metrics.RecordOperation(op, err)
	}()

	if err = c.begin(); err != nil {
		return nil, err
	}

	identity, err = call(ctx)

	c.mu.Lock()
	if err == nil && recordSignIn {
		now := c.now()
		c.lastSignInAt = &now
	}
	settle := false
	switch {
	case c.exchanging || !c.phase.Settled():
		// a pending exchange or the initial event settles Loading
	case err != nil:
		settle = true
	case c.phase == core.PhaseAuthenticated && c.view.UID() == identity.UID:
		// the event for this identity was already handled
		settle = true
	}
	if settle || (err == nil && recordSignIn) {
		c.loading = c.loading && !settle
		c.publishLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.WarnContext(ctx, "operation failed", "op", op, "error", err)
		return nil, err
	}
	c.logger.InfoContext(ctx, "operation succeeded", "op", op, "uid", identity.UID)
	return identity, nil
}

// begin publishes Loading=true for an operation that may change the session
func (c *SessionController) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	c.loading = true
	c.publishLocked()
	return nil
}

// SignOut clears the local credential before asking the provider to end its
// session, so an unreachable provider never leaves a token behind.
func (c *SessionController) SignOut(ctx context.Context) (err error) {
	ctx, span := telemetry.StartOperationSpan(ctx, c.tracer, OpSignOut)
	defer func() {
		telemetry.End(span, err)
		c.metrics.RecordOperation(OpSignOut, err)
	}()

	c.mu.Lock()
	if err = c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.generation++
	c.exchanging = false
	c.loading = true
	clearErr := c.credentials.Clear(ctx)
	c.publishLocked()
	c.mu.Unlock()

	providerErr := c.provider.SignOut(ctx)

	c.mu.Lock()
	switch {
	case providerErr != nil:
		// the local session is gone even though the provider call failed
		if err := c.applySignedOutLocked(ctx); err != nil && clearErr == nil {
			clearErr = err
		}
	case c.phase == core.PhaseUnauthenticated && c.loading:
		c.loading = false
		c.publishLocked()
	}
	c.mu.Unlock()

	if providerErr != nil {
		c.logger.WarnContext(ctx, "provider sign-out failed, signed out locally", "error", providerErr)
		return providerErr
	}
	if clearErr != nil {
		c.logger.ErrorContext(ctx, "failed to clear credentials", "error", clearErr)
		return clearErr
	}
	c.logger.InfoContext(ctx, "signed out")
	return nil
}

// UpdateIdentity changes the provider profile and overlays the new fields on
// the current identity until the next provider event replaces it. Empty
// values clear the field.
func (c *SessionController) UpdateIdentity(ctx context.Context, displayName, photoURL string) (err error) {
	ctx, span := telemetry.StartOperationSpan(ctx, c.tracer, OpUpdateIdentity)
	defer func() {
		telemetry.End(span, err)
		c.metrics.RecordOperation(OpUpdateIdentity, err)
	}()

	c.mu.Lock()
	if err = c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	uid := c.view.UID()
	c.mu.Unlock()
	if uid == "" {
		return core.ErrNotAuthenticated
	}

	if err = c.provider.UpdateProfile(ctx, displayName, photoURL); err != nil {
		c.logger.WarnContext(ctx, "profile update failed", "uid", uid, "error", err)
		return err
	}

	c.mu.Lock()
	if c.view.UID() == uid {
		c.view = c.view.Overlay(core.PendingFields{DisplayName: displayName, PhotoURL: photoURL})
		c.publishLocked()
	}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "profile updated", "uid", uid)
	return nil
}

func (c *SessionController) SendPasswordReset(ctx context.Context, email string) (err error) {
	ctx, span := telemetry.StartOperationSpan(ctx, c.tracer, OpPasswordReset)
	defer func() {
		telemetry.End(span, err)
		c.metrics.RecordOperation(OpPasswordReset, err)
	}()

	c.mu.Lock()
	err = c.usableLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	err = c.provider.SendPasswordReset(ctx, email)
	if errors.Is(err, core.ErrNotFound) && c.conceal {
		c.logger.DebugContext(ctx, "password reset requested for unknown account")
		return nil
	}
	return err
}

func (c *SessionController) usableLocked() error {
	if c.closed {
		return core.ErrClosed
	}
	if !c.started {
		return core.ErrNotStarted
	}
	return nil
}

// ============================================
// OBSERVATION
// ============================================

// State returns a snapshot; the identity is a copy the caller may keep
func (c *SessionController) State() core.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe delivers the current snapshot first and then every change, in order
func (c *SessionController) Subscribe(fn func(core.SessionState)) core.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.observers.Hold(fn)
	sub.Release(c.snapshotLocked())
	return sub.Cancel
}

// WaitSettled blocks until the session is settled and no exchange is pending
func (c *SessionController) WaitSettled(ctx context.Context) (core.SessionState, error) {
	for {
		c.mu.Lock()
		state := c.snapshotLocked()
		changed := c.changed
		closed := c.closed
		c.mu.Unlock()

		if state.Phase.Settled() && !state.Loading {
			return state, nil
		}
		if closed {
			return state, core.ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// AccessToken reads the persisted backend credential
func (c *SessionController) AccessToken(ctx context.Context) (core.AccessToken, bool, error) {
	return c.credentials.Load(ctx)
}

func (c *SessionController) snapshotLocked() core.SessionState {
	state := core.SessionState{
		Phase:    c.phase,
		Identity: c.view.Resolve(),
		Loading:  c.loading,
		Overlaid: c.view.Overlaid(),
	}
	if c.lastSignInAt != nil {
		at := *c.lastSignInAt
		state.LastSignInAt = &at
	}
	return state
}

func (c *SessionController) publishLocked() {
	c.observers.Publish(c.snapshotLocked())
	close(c.changed)
	c.changed = make(chan struct{})
}
