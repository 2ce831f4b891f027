// Package identitytoolkit implements core.IdentityProvider against the
// Identity Toolkit and Secure Token REST APIs.
package identitytoolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lborres/tether/core"
	"github.com/lborres/tether/pkg/notify"
)

const (
	DefaultEndpoint      = "https://identitytoolkit.googleapis.com/v1"
	DefaultTokenEndpoint = "https://securetoken.googleapis.com/v1"
	DefaultSessionKey    = "identity-session"
	DefaultRequestURI    = "http://localhost"
	DefaultTimeout       = 10 * time.Second
	// DefaultRefreshBefore is how long before ID token expiry RefreshLoop renews it
	DefaultRefreshBefore = 5 * time.Minute
	DefaultRefreshCheck  = time.Minute
)

type Config struct {
	APIKey        string
	Endpoint      string
	TokenEndpoint string

	// Storage persists the provider session across restarts. Nil keeps it
	// in memory only.
	Storage    core.Storage
	SessionKey string

	// Federated runs the interactive part of SignInFederated
	Federated  core.FederatedFlow
	RequestURI string

	Client  *http.Client
	Timeout time.Duration

	// RequestsPerSecond throttles outbound calls; zero disables throttling
	RequestsPerSecond float64
	Burst             int

	// RefreshBefore and RefreshCheck tune RefreshLoop
	RefreshBefore time.Duration
	RefreshCheck  time.Duration

	Logger *slog.Logger
}

// session is the persisted provider session
type session struct {
	IDToken      string        `json:"idToken"`
	RefreshToken string        `json:"refreshToken"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	Identity     core.Identity `json:"identity"`
}

type Provider struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	listeners   *notify.Dispatcher[*core.Identity]
	restoreOnce sync.Once
	ready       chan struct{}

	mu       sync.Mutex
	current  *session
	restored bool
	pending  []*notify.Subscription[*core.Identity]
	// epoch counts sign-outs; work that started in an earlier epoch must
	// not write its session back
	epoch uint64
}

var _ core.IdentityProvider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("identity toolkit API key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = DefaultTokenEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	cfg.TokenEndpoint = strings.TrimRight(cfg.TokenEndpoint, "/")
	if cfg.SessionKey == "" {
		cfg.SessionKey = DefaultSessionKey
	}
	if cfg.RequestURI == "" {
		cfg.RequestURI = DefaultRequestURI
	}
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = DefaultRefreshBefore
	}
	if cfg.RefreshCheck <= 0 {
		cfg.RefreshCheck = DefaultRefreshCheck
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		cfg:       cfg,
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger.With("component", "identitytoolkit"),
		listeners: notify.NewDispatcher[*core.Identity](),
		ready:     make(chan struct{}),
	}, nil
}

// Subscribe delivers the restored session first, then every change
func (p *Provider) Subscribe(fn func(*core.Identity)) core.Unsubscribe {
	sub := p.listeners.Hold(fn)

	p.mu.Lock()
	if p.restored {
		sub.Release(p.identityLocked())
	} else {
		p.pending = append(p.pending, sub)
	}
	p.mu.Unlock()

	p.startRestore()
	return sub.Cancel
}

// Close detaches every subscriber
func (p *Provider) Close() {
	p.listeners.Close()
}

func (p *Provider) startRestore() {
	p.restoreOnce.Do(func() {
		go p.restore(context.Background())
	})
}

// awaitRestore keeps interactive operations from racing the restored session
func (p *Provider) awaitRestore(ctx context.Context) error {
	p.startRestore()
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) restore(ctx context.Context) {
	defer close(p.ready)

	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()

	var restored *session
	saved, err := p.loadSession(ctx)
	switch {
	case err != nil:
		p.logger.Warn("failed to read persisted session", "error", err)
	case saved != nil:
		restored, err = p.refreshSession(ctx, saved)
		if err != nil {
			p.logger.Warn("discarding persisted session", "error", err)
			p.deleteSession(ctx)
			restored = nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if restored != nil && p.epoch != epoch {
		p.logger.Info("dropping restored session, signed out during restore", "uid", restored.Identity.UID)
		restored = nil
	}
	if restored != nil {
		p.persist(ctx, restored)
	}
	p.current = restored
	p.restored = true
	initial := p.identityLocked()
	for _, sub := range p.pending {
		sub.Release(cloneIdentity(initial))
	}
	p.pending = nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (*core.Identity, error) {
	if err := p.awaitRestore(ctx); err != nil {
		return nil, err
	}
	var resp authResponse
	err := p.call(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp)
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*core.Identity, error) {
	if err := p.awaitRestore(ctx); err != nil {
		return nil, err
	}
	var resp authResponse
	err := p.call(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp)
}

func (p *Provider) SignInFederated(ctx context.Context) (*core.Identity, error) {
	if p.cfg.Federated == nil {
		return nil, fmt.Errorf("%w: no federated flow configured", core.ErrFederatedFlow)
	}
	if err := p.awaitRestore(ctx); err != nil {
		return nil, err
	}

	cred, err := p.cfg.Federated.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, core.ErrFederatedFlow) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrFederatedFlow, err)
	}

	var resp authResponse
	err = p.call(ctx, "accounts:signInWithIdp", map[string]any{
		"postBody":            idpPostBody(cred),
		"requestUri":          p.cfg.RequestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp)
}

// SignOut drops the local session; no remote call is needed so it cannot
// fail on the network. A restore or profile update still in flight sees the
// new epoch and does not bring the session back.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.epoch++
	wasSignedIn := p.current != nil
	p.current = nil
	if wasSignedIn {
		p.listeners.Publish(nil)
	}

	if err := p.deleteSession(ctx); err != nil {
		return fmt.Errorf("clearing persisted session: %w", err)
	}
	return nil
}

// UpdateProfile changes display name and photo. Empty values delete the
// attribute. Like the hosted SDK it does not emit a session event.
func (p *Provider) UpdateProfile(ctx context.Context, displayName, photoURL string) error {
	if err := p.awaitRestore(ctx); err != nil {
		return err
	}
	s, err := p.freshSession(ctx)
	if err != nil {
		return err
	}

	body := map[string]any{
		"idToken":           s.IDToken,
		"returnSecureToken": true,
	}
	var deleted []string
	if displayName == "" {
		deleted = append(deleted, "DISPLAY_NAME")
	} else {
		body["displayName"] = displayName
	}
	if photoURL == "" {
		deleted = append(deleted, "PHOTO_URL")
	} else {
		body["photoUrl"] = photoURL
	}
	if len(deleted) > 0 {
		body["deleteAttribute"] = deleted
	}

	var resp authResponse
	if err := p.call(ctx, "accounts:update", body, &resp); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.Identity.UID != s.Identity.UID {
		// signed out or switched users during the update
		return nil
	}
	p.current.Identity.DisplayName = displayName
	p.current.Identity.PhotoURL = photoURL
	if resp.IDToken != "" {
		p.current.IDToken = resp.IDToken
		p.current.RefreshToken = resp.RefreshToken
		p.current.ExpiresAt = expiry(resp.ExpiresIn)
	}
	p.persist(ctx, p.current)
	return nil
}

func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	return p.call(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// Refresh renews the ID token and re-reads the account, emitting the
// refreshed identity to subscribers
func (p *Provider) Refresh(ctx context.Context) (*core.Identity, error) {
	if err := p.awaitRestore(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return nil, core.ErrNotAuthenticated
	}
	s := *p.current
	p.mu.Unlock()

	refreshed, err := p.refreshSession(ctx, &s)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.current == nil || p.current.Identity.UID != refreshed.Identity.UID {
		// signed out or switched users while refreshing
		p.mu.Unlock()
		return nil, core.ErrNotAuthenticated
	}
	p.current = refreshed
	p.persist(ctx, refreshed)
	identity := cloneIdentity(&refreshed.Identity)
	p.listeners.Publish(cloneIdentity(identity))
	p.mu.Unlock()

	return identity, nil
}

// RefreshLoop renews the ID token shortly before it expires until ctx is
// done, so long-running processes keep a live session and see refreshed
// profiles. A refresh token the provider no longer accepts signs the
// session out.
func (p *Provider) RefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RefreshCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		refreshToken, due := p.refreshDue()
		if !due {
			continue
		}

		_, err := p.Refresh(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, core.ErrNotAuthenticated):
			p.dropSession(ctx, refreshToken, err)
		default:
			p.logger.Warn("session refresh failed, will retry", "error", err)
		}
	}
}

func (p *Provider) refreshDue() (refreshToken string, due bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || time.Until(p.current.ExpiresAt) >= p.cfg.RefreshBefore {
		return "", false
	}
	return p.current.RefreshToken, true
}

// dropSession signs out the session holding refreshToken, leaving any
// session established since then alone
func (p *Provider) dropSession(ctx context.Context, refreshToken string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.RefreshToken != refreshToken {
		return
	}
	p.logger.Warn("session no longer refreshable, signing out", "uid", p.current.Identity.UID, "error", cause)
	p.epoch++
	p.current = nil
	p.listeners.Publish(nil)
	if err := p.deleteSession(ctx); err != nil {
		p.logger.Error("failed to clear revoked session", "error", err)
	}
}

// establish completes a sign-in: load the full account, persist, emit
func (p *Provider) establish(ctx context.Context, resp authResponse) (*core.Identity, error) {
	s := &session{
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiry(resp.ExpiresIn),
		Identity:     resp.identity(),
	}

	if full, err := p.lookup(ctx, s.IDToken); err != nil {
		p.logger.Warn("account lookup failed, using sign-in response", "uid", s.Identity.UID, "error", err)
	} else {
		s.Identity = *full
	}

	p.mu.Lock()
	p.current = s
	p.persist(ctx, s)
	identity := cloneIdentity(&s.Identity)
	p.listeners.Publish(cloneIdentity(identity))
	p.mu.Unlock()

	return identity, nil
}

// freshSession returns the current session, refreshing an expired ID token
func (p *Provider) freshSession(ctx context.Context) (session, error) {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return session{}, core.ErrNotAuthenticated
	}
	s := *p.current
	p.mu.Unlock()

	if time.Until(s.ExpiresAt) > time.Minute {
		return s, nil
	}

	refreshed, err := p.refreshTokens(ctx, s.RefreshToken)
	if err != nil {
		return session{}, err
	}
	refreshed.Identity = s.Identity

	p.mu.Lock()
	if p.current != nil && p.current.Identity.UID == s.Identity.UID {
		p.current.IDToken = refreshed.IDToken
		p.current.RefreshToken = refreshed.RefreshToken
		p.current.ExpiresAt = refreshed.ExpiresAt
	}
	p.mu.Unlock()
	return *refreshed, nil
}

// refreshSession renews tokens then reloads the account behind them
func (p *Provider) refreshSession(ctx context.Context, s *session) (*session, error) {
	refreshed, err := p.refreshTokens(ctx, s.RefreshToken)
	if err != nil {
		return nil, err
	}
	identity, err := p.lookup(ctx, refreshed.IDToken)
	if err != nil {
		return nil, err
	}
	refreshed.Identity = *identity
	return refreshed, nil
}

func (p *Provider) identityLocked() *core.Identity {
	if p.current == nil {
		return nil
	}
	return cloneIdentity(&p.current.Identity)
}

func (p *Provider) loadSession(ctx context.Context) (*session, error) {
	if p.cfg.Storage == nil {
		return nil, nil
	}
	data, err := p.cfg.Storage.Get(ctx, p.cfg.SessionKey)
	if errors.Is(err, core.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding persisted session: %w", err)
	}
	if s.RefreshToken == "" {
		return nil, nil
	}
	return &s, nil
}

// persist is called with p.mu held so writes order against SignOut's delete
func (p *Provider) persist(ctx context.Context, s *session) {
	if p.cfg.Storage == nil {
		return
	}
	data, err := json.Marshal(s)
	if err == nil {
		err = p.cfg.Storage.Set(ctx, p.cfg.SessionKey, data)
	}
	if err != nil {
		p.logger.Error("failed to persist provider session", "uid", s.Identity.UID, "error", err)
	}
}

func (p *Provider) deleteSession(ctx context.Context) error {
	if p.cfg.Storage == nil {
		return nil
	}
	return p.cfg.Storage.Delete(ctx, p.cfg.SessionKey)
}

func cloneIdentity(identity *core.Identity) *core.Identity {
	if identity == nil {
		return nil
	}
	c := *identity
	return &c
}

func expiry(expiresIn string) time.Time {
	seconds, err := time.ParseDuration(expiresIn + "s")
	if err != nil || seconds <= 0 {
		seconds = time.Hour
	}
	return time.Now().Add(seconds)
}
