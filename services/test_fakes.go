package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lborres/tether/core"
	"github.com/lborres/tether/pkg/notify"
)

// FakeStorage is a test-only fake implementing core.StorageWithStats.
// It stores values in a map and exposes error fields for behavior injection.
type FakeStorage struct {
	values    map[string][]byte
	mu        sync.RWMutex
	getErr    error
	setErr    error
	deleteErr error
	stats     core.StorageStats
}

var _ core.StorageWithStats = (*FakeStorage)(nil)

func NewFakeStorage() *FakeStorage {
	return &FakeStorage{values: make(map[string][]byte)}
}

func (f *FakeStorage) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		f.stats.Misses++
		return nil, core.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *FakeStorage) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.stats.Sets++
	f.values[key] = append([]byte(nil), value...)
	return nil
}

func (f *FakeStorage) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.stats.Deletes++
	delete(f.values, key)
	return nil
}

func (f *FakeStorage) Stats() core.StorageStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := f.stats
	stats.Size = len(f.values)
	return stats
}

// Value returns the raw stored value for assertions
func (f *FakeStorage) Value(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return string(v), ok
}

// FailWith injects errors for subsequent calls; nil clears the injection
func (f *FakeStorage) FailWith(get, set, del error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr, f.setErr, f.deleteErr = get, set, del
}

type fakeAccount struct {
	password string
	identity core.Identity
}

// FakeIdentityProvider is a test-only fake implementing core.IdentityProvider.
//
// Like a hosted provider it reports session changes asynchronously through
// its subscription, never from inside the operation call.
type FakeIdentityProvider struct {
	mu         sync.Mutex
	accounts   map[string]*fakeAccount
	current    *core.Identity
	dispatcher *notify.Dispatcher[*core.Identity]
	holdFirst  bool
	pending    []*notify.Subscription[*core.Identity]
	nextUID    int

	federated    *core.Identity
	federatedErr error
	signInErr    error
	signOutErr   error
	updateErr    error
	resetErr     error
	resets       []string
}

var _ core.IdentityProvider = (*FakeIdentityProvider)(nil)

func NewFakeIdentityProvider() *FakeIdentityProvider {
	return &FakeIdentityProvider{
		accounts:   make(map[string]*fakeAccount),
		dispatcher: notify.NewDispatcher[*core.Identity](),
	}
}

// AddAccount registers an account without signing it in
func (f *FakeIdentityProvider) AddAccount(email, password string) core.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addAccountLocked(email, password)
}

func (f *FakeIdentityProvider) addAccountLocked(email, password string) core.Identity {
	f.nextUID++
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	identity := core.Identity{
		UID:       fmt.Sprintf("uid-%d", f.nextUID),
		Email:     email,
		CreatedAt: now,
	}
	f.accounts[email] = &fakeAccount{password: password, identity: identity}
	return identity
}

// Restore makes the provider start with an existing session
func (f *FakeIdentityProvider) Restore(identity *core.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = cloneIdentity(identity)
}

// HoldRestore delays the first subscription callback until ReleaseRestore
func (f *FakeIdentityProvider) HoldRestore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdFirst = true
}

func (f *FakeIdentityProvider) ReleaseRestore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdFirst = false
	for _, sub := range f.pending {
		sub.Release(cloneIdentity(f.current))
	}
	f.pending = nil
}

// Emit delivers a session-changed event as if the provider refreshed it
func (f *FakeIdentityProvider) Emit(identity *core.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = cloneIdentity(identity)
	f.dispatcher.Publish(cloneIdentity(identity))
}

func (f *FakeIdentityProvider) SignUp(_ context.Context, email, password string) (*core.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email", core.ErrCredential)
	}
	if _, ok := f.accounts[email]; ok {
		return nil, fmt.Errorf("%w: email exists", core.ErrCredential)
	}
	if len(password) < 6 {
		return nil, core.ErrWeakSecret
	}
	identity := f.addAccountLocked(email, password)
	return f.signInLocked(&identity), nil
}

func (f *FakeIdentityProvider) SignIn(_ context.Context, email, password string) (*core.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	account, ok := f.accounts[email]
	if !ok {
		return nil, core.ErrNotFound
	}
	if account.password != password {
		return nil, core.ErrInvalidSecret
	}
	return f.signInLocked(&account.identity), nil
}

func (f *FakeIdentityProvider) SignInFederated(context.Context) (*core.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.federatedErr != nil {
		return nil, f.federatedErr
	}
	if f.federated == nil {
		return nil, core.ErrFederatedFlow
	}
	return f.signInLocked(f.federated), nil
}

func (f *FakeIdentityProvider) signInLocked(identity *core.Identity) *core.Identity {
	signedIn := *identity
	signedIn.LastSignInAt = time.Now()
	f.current = &signedIn
	f.dispatcher.Publish(cloneIdentity(&signedIn))
	return cloneIdentity(&signedIn)
}

// SignOut always clears the local session. With signOutErr set it simulates
// an unreachable provider: no event is delivered and the error is returned.
func (f *FakeIdentityProvider) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasSignedIn := f.current != nil
	f.current = nil
	if f.signOutErr != nil {
		return f.signOutErr
	}
	if wasSignedIn {
		f.dispatcher.Publish(nil)
	}
	return nil
}

// UpdateProfile changes the stored record without emitting an event
func (f *FakeIdentityProvider) UpdateProfile(_ context.Context, displayName, photoURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.current == nil {
		return core.ErrNotAuthenticated
	}
	f.current.DisplayName = displayName
	f.current.PhotoURL = photoURL
	if account, ok := f.accounts[f.current.Email]; ok {
		account.identity.DisplayName = displayName
		account.identity.PhotoURL = photoURL
	}
	return nil
}

func (f *FakeIdentityProvider) SendPasswordReset(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	if _, ok := f.accounts[email]; !ok {
		return core.ErrNotFound
	}
	f.resets = append(f.resets, email)
	return nil
}

func (f *FakeIdentityProvider) Subscribe(fn func(*core.Identity)) core.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.dispatcher.Hold(fn)
	if f.holdFirst {
		f.pending = append(f.pending, sub)
	} else {
		sub.Release(cloneIdentity(f.current))
	}
	return sub.Cancel
}

// SetFederated configures the outcome of SignInFederated
func (f *FakeIdentityProvider) SetFederated(identity *core.Identity, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.federated = cloneIdentity(identity)
	f.federatedErr = err
}

// FailSignOut simulates an unreachable provider for SignOut
func (f *FakeIdentityProvider) FailSignOut(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutErr = err
}

// Subscribers reports how many live subscriptions the provider holds
func (f *FakeIdentityProvider) Subscribers() int {
	return f.dispatcher.Len()
}

func (f *FakeIdentityProvider) Current() *core.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneIdentity(f.current)
}

func (f *FakeIdentityProvider) Resets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resets...)
}

func cloneIdentity(identity *core.Identity) *core.Identity {
	if identity == nil {
		return nil
	}
	c := *identity
	return &c
}

// FakeExchanger is a test-only fake implementing core.TokenExchanger.
// Exchange blocks while the gate is closed so tests can order races.
type FakeExchanger struct {
	mu          sync.Mutex
	exchangeErr error
	upsertErr   error
	gate        chan struct{}
	started     chan string
	issued      int
	exchanges   []string
	upserts     []core.UserRecord
	clock       func() time.Time
}

var _ core.TokenExchanger = (*FakeExchanger)(nil)

func NewFakeExchanger() *FakeExchanger {
	return &FakeExchanger{
		started: make(chan string, 64),
		clock:   time.Now,
	}
}

// Block makes subsequent exchanges wait until the returned release is called
func (f *FakeExchanger) Block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Started yields the email of every exchange as it begins
func (f *FakeExchanger) Started() <-chan string {
	return f.started
}

func (f *FakeExchanger) Exchange(ctx context.Context, identity core.Identity) (core.AccessToken, error) {
	f.mu.Lock()
	gate := f.gate
	f.exchanges = append(f.exchanges, identity.Email)
	f.mu.Unlock()

	select {
	case f.started <- identity.Email:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", core.ErrExchange, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	f.issued++
	return core.AccessToken(fmt.Sprintf("token-%s-%d", identity.Email, f.issued)), nil
}

func (f *FakeExchanger) UpsertUser(_ context.Context, identity core.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, core.NewUserRecord(identity, f.clock()))
	return nil
}

// FailWith injects exchange and upsert errors; nil clears the injection
func (f *FakeExchanger) FailWith(exchange, upsert error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeErr, f.upsertErr = exchange, upsert
}

func (f *FakeExchanger) Exchanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.exchanges...)
}

func (f *FakeExchanger) Upserts() []core.UserRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.UserRecord(nil), f.upserts...)
}

// FakeMetrics is a test-only core.MetricsCollector that counts calls
type FakeMetrics struct {
	mu             sync.Mutex
	ProviderEvents map[bool]int
	Operations     map[string]int
	Failures       map[string]int
	Exchanges      map[string]int
	UpsertFailures int
}

var _ core.MetricsCollector = (*FakeMetrics)(nil)

func NewFakeMetrics() *FakeMetrics {
	return &FakeMetrics{
		ProviderEvents: make(map[bool]int),
		Operations:     make(map[string]int),
		Failures:       make(map[string]int),
		Exchanges:      make(map[string]int),
	}
}

func (f *FakeMetrics) RecordProviderEvent(signedIn bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProviderEvents[signedIn]++
}

func (f *FakeMetrics) RecordOperation(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Operations[op]++
	if err != nil {
		f.Failures[op]++
	}
}

func (f *FakeMetrics) RecordExchange(result string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Exchanges[result]++
}

func (f *FakeMetrics) RecordUpsertFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpsertFailures++
}

// Events returns how many provider events reported the given presence
func (f *FakeMetrics) Events(signedIn bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProviderEvents[signedIn]
}

// Exchange returns the count for one exchange result
func (f *FakeMetrics) Exchange(result string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Exchanges[result]
}

func (f *FakeMetrics) Upserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.UpsertFailures
}
