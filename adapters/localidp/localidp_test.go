package localidp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/tether/adapters/memory"
	"github.com/lborres/tether/core"
	"github.com/lborres/tether/pkg/crypto"
)

type captured struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *captured) DeliverPasswordReset(_ context.Context, email, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[email] = code
	return nil
}

type stubFlow struct {
	cred *core.FederatedCredential
	err  error
}

func (s stubFlow) Authenticate(context.Context) (*core.FederatedCredential, error) {
	return s.cred, s.err
}

type fixture struct {
	storage *memory.Storage
	sink    *captured
	now     time.Time
	mu      sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture() *fixture {
	return &fixture{
		storage: memory.New(memory.Config{}),
		sink:    &captured{codes: make(map[string]string)},
		now:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (f *fixture) provider(t *testing.T, flow core.FederatedFlow) *Provider {
	t.Helper()
	p, err := New(Config{
		Storage:   f.storage,
		Hasher:    &crypto.Argon2{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		ResetSink: f.sink,
		Federated: flow,
		Clock:     f.clock,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func collect(p *Provider) (func() []*core.Identity, core.Unsubscribe) {
	var mu sync.Mutex
	var got []*core.Identity
	unsub := p.Subscribe(func(identity *core.Identity) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, identity)
	})
	return func() []*core.Identity {
		mu.Lock()
		defer mu.Unlock()
		return append([]*core.Identity(nil), got...)
	}, unsub
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// Requirement: Sign-up creates an account, signs it in and emits the identity.
func TestSignUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := f.provider(t, nil)
	events, _ := collect(p)

	identity, err := p.SignUp(ctx, "New@Example.com", "Secret1")

	require.NoError(t, err)
	assert.Equal(t, "new@example.com", identity.Email)
	assert.Len(t, identity.UID, 28)
	assert.Equal(t, f.now, identity.CreatedAt)
	eventually(t, func() bool { return len(events()) == 2 })
	assert.Nil(t, events()[0])
	assert.Equal(t, identity.UID, events()[1].UID)
}

func TestSignUp_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"malformed email", "not-an-email", "Secret1", core.ErrCredential},
		{"display-name form", "Bob <bob@example.com>", "Secret1", core.ErrCredential},
		{"already registered", "user@x.com", "Secret1", core.ErrCredential},
		{"weak password", "fresh@x.com", "abc", core.ErrWeakSecret},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			p := newFixture().provider(t, nil)
			_, err := p.SignUp(context.Background(), "user@x.com", "Secret1")
			require.NoError(t, err)

			_, err = p.SignUp(context.Background(), test.email, test.password)

			assert.ErrorIs(t, err, test.want)
		})
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	p := newFixture().provider(t, nil)
	created, err := p.SignUp(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))

	_, err = p.SignIn(ctx, "ghost@x.com", "Secret1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = p.SignIn(ctx, "not-an-email", "Secret1")
	assert.ErrorIs(t, err, core.ErrInvalidCredential)
	assert.NotErrorIs(t, err, core.ErrCredential, "registration kind stays out of sign-in")

	_, err = p.SignIn(ctx, "user@x.com", "wrong-pass")
	assert.ErrorIs(t, err, core.ErrInvalidSecret)

	identity, err := p.SignIn(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)
	assert.Equal(t, created.UID, identity.UID)
}

// Requirement: A new provider over the same storage restores the session.
func TestSubscribe_RestoresSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	first := f.provider(t, nil)
	identity, err := first.SignUp(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)

	second := f.provider(t, nil)
	events, _ := collect(second)

	eventually(t, func() bool { return len(events()) == 1 })
	require.NotNil(t, events()[0])
	assert.Equal(t, identity.UID, events()[0].UID)
}

func TestSubscribe_ExpiredSessionDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	first := f.provider(t, nil)
	_, err := first.SignUp(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)
	f.advance(DefaultSessionMaxAge + time.Minute)

	second := f.provider(t, nil)
	events, _ := collect(second)

	eventually(t, func() bool { return len(events()) == 1 })
	assert.Nil(t, events()[0])
	_, err = f.storage.Get(ctx, currentKey)
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestSignOut_EmitsOnce(t *testing.T) {
	ctx := context.Background()
	p := newFixture().provider(t, nil)
	events, _ := collect(p)
	_, err := p.SignUp(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)

	require.NoError(t, p.SignOut(ctx))
	require.NoError(t, p.SignOut(ctx))

	eventually(t, func() bool { return len(events()) == 3 })
	time.Sleep(20 * time.Millisecond)
	got := events()
	assert.Len(t, got, 3)
	assert.Nil(t, got[2])
}

// Requirement: Profile updates persist but emit no session event.
func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := f.provider(t, nil)

	assert.ErrorIs(t, p.UpdateProfile(ctx, "Name", ""), core.ErrNotAuthenticated)

	events, _ := collect(p)
	_, err := p.SignUp(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)
	require.NoError(t, p.UpdateProfile(ctx, "Ana", "https://img/ana.png"))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, events(), 2)

	restored := f.provider(t, nil)
	restoredEvents, _ := collect(restored)
	eventually(t, func() bool { return len(restoredEvents()) == 1 })
	assert.Equal(t, "Ana", restoredEvents()[0].DisplayName)
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := f.provider(t, nil)
	_, err := p.SignUp(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)

	assert.ErrorIs(t, p.SendPasswordReset(ctx, "ghost@x.com"), core.ErrNotFound)
	assert.ErrorIs(t, p.SendPasswordReset(ctx, "not-an-email"), core.ErrNotFound)

	require.NoError(t, p.SendPasswordReset(ctx, "user@x.com"))
	code := f.sink.codes["user@x.com"]
	require.NotEmpty(t, code)

	assert.ErrorIs(t, p.ConfirmPasswordReset(ctx, "not-a-code", "Another1"), ErrResetCodeInvalid)
	assert.ErrorIs(t, p.ConfirmPasswordReset(ctx, code, "abc"), core.ErrWeakSecret)
	require.NoError(t, p.ConfirmPasswordReset(ctx, code, "Another1"))
	assert.ErrorIs(t, p.ConfirmPasswordReset(ctx, code, "Another1"), ErrResetCodeInvalid, "single use")

	_, err = p.SignIn(ctx, "user@x.com", "Secret1")
	assert.ErrorIs(t, err, core.ErrInvalidSecret)
	_, err = p.SignIn(ctx, "user@x.com", "Another1")
	assert.NoError(t, err)
}

func TestPasswordReset_Expired(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := f.provider(t, nil)
	_, err := p.SignUp(ctx, "user@x.com", "Secret1")
	require.NoError(t, err)
	require.NoError(t, p.SendPasswordReset(ctx, "user@x.com"))
	f.advance(DefaultResetTTL + time.Second)

	err = p.ConfirmPasswordReset(ctx, f.sink.codes["user@x.com"], "Another1")

	assert.ErrorIs(t, err, ErrResetCodeInvalid)
}

// Requirement: Federated sign-in links to the account with the same email.
func TestSignInFederated(t *testing.T) {
	ctx := context.Background()
	google := &core.FederatedCredential{
		ProviderID: "google.com", Subject: "g-1", Email: "user@x.com",
		DisplayName: "Google User", PhotoURL: "https://img/g.png", EmailVerified: true,
	}

	t.Run("links existing account", func(t *testing.T) {
		p := newFixture().provider(t, stubFlow{cred: google})
		created, err := p.SignUp(ctx, "user@x.com", "Secret1")
		require.NoError(t, err)

		identity, err := p.SignInFederated(ctx)

		require.NoError(t, err)
		assert.Equal(t, created.UID, identity.UID)
		assert.True(t, identity.EmailVerified)
		assert.Equal(t, "Google User", identity.DisplayName)
	})

	t.Run("creates account", func(t *testing.T) {
		p := newFixture().provider(t, stubFlow{cred: google})

		identity, err := p.SignInFederated(ctx)

		require.NoError(t, err)
		assert.Equal(t, "user@x.com", identity.Email)
		_, err = p.SignIn(ctx, "user@x.com", "anything")
		assert.ErrorIs(t, err, core.ErrInvalidCredential, "federated-only account has no password")
	})

	t.Run("different subject rejected", func(t *testing.T) {
		f := newFixture()
		_, err := f.provider(t, stubFlow{cred: google}).SignInFederated(ctx)
		require.NoError(t, err)
		other := *google
		other.Subject = "g-2"

		_, err = f.provider(t, stubFlow{cred: &other}).SignInFederated(ctx)

		assert.ErrorIs(t, err, core.ErrFederatedFlow)
	})

	t.Run("flow aborted", func(t *testing.T) {
		p := newFixture().provider(t, stubFlow{err: errors.New("popup closed")})

		_, err := p.SignInFederated(ctx)

		assert.ErrorIs(t, err, core.ErrFederatedFlow)
	})
}
