// Package localidp is an in-process identity provider for development and
// tests. Accounts, provider sessions and reset codes live in a core.Storage.
package localidp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lborres/tether/core"
	"github.com/lborres/tether/pkg/crypto"
	"github.com/lborres/tether/pkg/notify"
)

const (
	DefaultSessionMaxAge     = 30 * 24 * time.Hour
	DefaultResetTTL          = time.Hour
	DefaultMinPasswordLength = 6

	accountPrefix = "localidp/accounts/"
	sessionPrefix = "localidp/sessions/"
	resetPrefix   = "localidp/resets/"
	currentKey    = "localidp/current"
)

var ErrResetCodeInvalid = errors.New("password reset code is invalid or expired")

// ResetSink delivers password reset codes out of band
type ResetSink interface {
	DeliverPasswordReset(ctx context.Context, email, code string) error
}

// ResetSinkFunc adapts a function to ResetSink
type ResetSinkFunc func(ctx context.Context, email, code string) error

func (f ResetSinkFunc) DeliverPasswordReset(ctx context.Context, email, code string) error {
	return f(ctx, email, code)
}

type Config struct {
	Storage           core.Storage
	Hasher            crypto.PasswordHasher
	SessionMaxAge     time.Duration
	ResetTTL          time.Duration
	MinPasswordLength int
	ResetSink         ResetSink
	Federated         core.FederatedFlow
	Logger            *slog.Logger
	Clock             func() time.Time
}

type account struct {
	UID           string            `json:"uid"`
	Email         string            `json:"email"`
	PasswordHash  string            `json:"passwordHash,omitempty"`
	DisplayName   string            `json:"displayName,omitempty"`
	PhotoURL      string            `json:"photoURL,omitempty"`
	EmailVerified bool              `json:"emailVerified"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastSignInAt  time.Time         `json:"lastSignInAt"`
	Linked        map[string]string `json:"linked,omitempty"` // provider id -> subject
}

func (a *account) identity() *core.Identity {
	return &core.Identity{
		UID:           a.UID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		PhotoURL:      a.PhotoURL,
		EmailVerified: a.EmailVerified,
		CreatedAt:     a.CreatedAt,
		LastSignInAt:  a.LastSignInAt,
	}
}

type sessionRecord struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type resetRecord struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Provider struct {
	cfg       Config
	logger    *slog.Logger
	listeners *notify.Dispatcher[*core.Identity]

	mu       sync.Mutex
	restored bool
	current  *account
}

var _ core.IdentityProvider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("local identity provider storage is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = crypto.NewArgon2()
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = DefaultSessionMaxAge
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = DefaultMinPasswordLength
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResetSink == nil {
		cfg.ResetSink = ResetSinkFunc(func(_ context.Context, email, code string) error {
			logger.Info("password reset requested", "email", email, "code", code)
			return nil
		})
	}

	return &Provider{
		cfg:       cfg,
		logger:    logger.With("component", "localidp"),
		listeners: notify.NewDispatcher[*core.Identity](),
	}, nil
}

func (p *Provider) Subscribe(fn func(*core.Identity)) core.Unsubscribe {
	sub := p.listeners.Hold(fn)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreLocked(context.Background())
	sub.Release(p.identityLocked())
	return sub.Cancel
}

func (p *Provider) Close() {
	p.listeners.Close()
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (*core.Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrCredential, err)
	}
	if len(password) < p.cfg.MinPasswordLength {
		return nil, fmt.Errorf("%w: at least %d characters", core.ErrWeakSecret, p.cfg.MinPasswordLength)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreLocked(ctx)

	if _, err := p.loadAccount(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: %s is already registered", core.ErrCredential, email)
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	hash, err := p.cfg.Hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	uid, err := crypto.NewUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate uid: %w", err)
	}

	acct := &account{
		UID:          uid,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    p.cfg.Clock().UTC(),
	}
	return p.establishLocked(ctx, acct)
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*core.Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidCredential, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreLocked(ctx)

	acct, err := p.loadAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	if acct.PasswordHash == "" {
		// federated-only account
		return nil, core.ErrInvalidCredential
	}

	valid, err := p.cfg.Hasher.Verify(password, acct.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		return nil, core.ErrInvalidSecret
	}

	return p.establishLocked(ctx, acct)
}

// SignInFederated runs the interactive flow and links the result to the
// account with the same email, creating one when needed
func (p *Provider) SignInFederated(ctx context.Context) (*core.Identity, error) {
	if p.cfg.Federated == nil {
		return nil, fmt.Errorf("%w: no federated flow configured", core.ErrFederatedFlow)
	}
	cred, err := p.cfg.Federated.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, core.ErrFederatedFlow) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrFederatedFlow, err)
	}
	email, err := normalizeEmail(cred.Email)
	if err != nil || cred.Subject == "" || cred.ProviderID == "" {
		return nil, fmt.Errorf("%w: incomplete federated credential", core.ErrFederatedFlow)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreLocked(ctx)

	acct, err := p.loadAccount(ctx, email)
	switch {
	case errors.Is(err, core.ErrNotFound):
		uid, err := crypto.NewUID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate uid: %w", err)
		}
		acct = &account{
			UID:         uid,
			Email:       email,
			DisplayName: cred.DisplayName,
			PhotoURL:    cred.PhotoURL,
			CreatedAt:   p.cfg.Clock().UTC(),
		}
	case err != nil:
		return nil, err
	}

	if linked, ok := acct.Linked[cred.ProviderID]; ok && linked != cred.Subject {
		return nil, fmt.Errorf("%w: %s is linked to a different %s account", core.ErrFederatedFlow, email, cred.ProviderID)
	}
	if acct.Linked == nil {
		acct.Linked = make(map[string]string)
	}
	acct.Linked[cred.ProviderID] = cred.Subject
	acct.EmailVerified = acct.EmailVerified || cred.EmailVerified
	if acct.DisplayName == "" {
		acct.DisplayName = cred.DisplayName
	}
	if acct.PhotoURL == "" {
		acct.PhotoURL = cred.PhotoURL
	}

	return p.establishLocked(ctx, acct)
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreLocked(ctx)

	wasSignedIn := p.current != nil
	p.current = nil
	if wasSignedIn {
		p.listeners.Publish(nil)
	}

	token, err := p.cfg.Storage.Get(ctx, currentKey)
	if errors.Is(err, core.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read provider session: %w", err)
	}
	if err := p.cfg.Storage.Delete(ctx, sessionPrefix+crypto.HashToken(string(token))); err != nil {
		return fmt.Errorf("failed to delete provider session: %w", err)
	}
	if err := p.cfg.Storage.Delete(ctx, currentKey); err != nil {
		return fmt.Errorf("failed to clear provider session: %w", err)
	}
	return nil
}

// UpdateProfile stores the new profile without emitting a session event
func (p *Provider) UpdateProfile(ctx context.Context, displayName, photoURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreLocked(ctx)

	if p.current == nil {
		return core.ErrNotAuthenticated
	}
	acct, err := p.loadAccount(ctx, p.current.Email)
	if err != nil {
		return err
	}
	acct.DisplayName = displayName
	acct.PhotoURL = photoURL
	if err := p.saveAccount(ctx, acct); err != nil {
		return err
	}
	p.current = acct
	return nil
}

func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		// no account can be registered under a malformed address
		return fmt.Errorf("%w: %w", core.ErrNotFound, err)
	}

	p.mu.Lock()
	_, err = p.loadAccount(ctx, email)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	code := uuid.NewString()
	err = p.putJSON(ctx, resetPrefix+code, resetRecord{
		Email:     email,
		ExpiresAt: p.cfg.Clock().Add(p.cfg.ResetTTL),
	})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to store reset code: %w", err)
	}

	return p.cfg.ResetSink.DeliverPasswordReset(ctx, email, code)
}

// ConfirmPasswordReset redeems a code from SendPasswordReset
func (p *Provider) ConfirmPasswordReset(ctx context.Context, code, newPassword string) error {
	if _, err := uuid.Parse(code); err != nil {
		return ErrResetCodeInvalid
	}
	if len(newPassword) < p.cfg.MinPasswordLength {
		return fmt.Errorf("%w: at least %d characters", core.ErrWeakSecret, p.cfg.MinPasswordLength)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var reset resetRecord
	if err := p.getJSON(ctx, resetPrefix+code, &reset); err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return ErrResetCodeInvalid
		}
		return err
	}
	// codes are single use, expired or not
	if err := p.cfg.Storage.Delete(ctx, resetPrefix+code); err != nil {
		return fmt.Errorf("failed to consume reset code: %w", err)
	}
	if p.cfg.Clock().After(reset.ExpiresAt) {
		return ErrResetCodeInvalid
	}

	acct, err := p.loadAccount(ctx, reset.Email)
	if err != nil {
		return err
	}
	hash, err := p.cfg.Hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	acct.PasswordHash = hash
	return p.saveAccount(ctx, acct)
}

// establishLocked saves the account, opens a provider session and emits it
func (p *Provider) establishLocked(ctx context.Context, acct *account) (*core.Identity, error) {
	now := p.cfg.Clock().UTC()
	acct.LastSignInAt = now
	if err := p.saveAccount(ctx, acct); err != nil {
		return nil, err
	}

	pair, err := crypto.GenerateHashedToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	err = p.putJSON(ctx, sessionPrefix+pair.Hash, sessionRecord{
		Email:     acct.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(p.cfg.SessionMaxAge),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := p.cfg.Storage.Set(ctx, currentKey, []byte(pair.Token)); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	p.current = acct
	p.listeners.Publish(acct.identity())
	return acct.identity(), nil
}

// restoreLocked loads the persisted provider session once. An unusable
// session is discarded.
func (p *Provider) restoreLocked(ctx context.Context) {
	if p.restored {
		return
	}
	p.restored = true

	token, err := p.cfg.Storage.Get(ctx, currentKey)
	if errors.Is(err, core.ErrKeyNotFound) {
		return
	}
	if err != nil {
		p.logger.Warn("failed to read provider session", "error", err)
		return
	}

	hash := crypto.HashToken(string(token))
	var session sessionRecord
	err = p.getJSON(ctx, sessionPrefix+hash, &session)
	if err == nil && p.cfg.Clock().After(session.ExpiresAt) {
		err = errors.New("session expired")
	}
	var acct *account
	if err == nil {
		acct, err = p.loadAccount(ctx, session.Email)
	}
	if err != nil {
		p.logger.Info("discarding provider session", "error", err)
		_ = p.cfg.Storage.Delete(ctx, sessionPrefix+hash)
		_ = p.cfg.Storage.Delete(ctx, currentKey)
		return
	}
	p.current = acct
}

func (p *Provider) identityLocked() *core.Identity {
	if p.current == nil {
		return nil
	}
	return p.current.identity()
}

func (p *Provider) loadAccount(ctx context.Context, email string) (*account, error) {
	var acct account
	if err := p.getJSON(ctx, accountPrefix+email, &acct); err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acct, nil
}

func (p *Provider) saveAccount(ctx context.Context, acct *account) error {
	if err := p.putJSON(ctx, accountPrefix+acct.Email, acct); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (p *Provider) getJSON(ctx context.Context, key string, v any) error {
	data, err := p.cfg.Storage.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (p *Provider) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.cfg.Storage.Set(ctx, key, data)
}

// normalizeEmail accepts a bare address only, lower-cased
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", fmt.Errorf("invalid email %q", email)
	}
	return strings.ToLower(addr.Address), nil
}
