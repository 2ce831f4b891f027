package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/tether/core"
	"github.com/lborres/tether/services"
)

// stubSession is a test fake implementing core.SessionService
type stubSession struct {
	mu        sync.Mutex
	state     core.SessionState
	err       error
	calls     []string
	lastEmail string
	lastName  string
}

var _ core.SessionService = (*stubSession)(nil)

var ana = &core.Identity{UID: "uid-1", Email: "ana@x.com", DisplayName: "Ana"}

func (s *stubSession) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.err
}

func (s *stubSession) SignUp(_ context.Context, email, _ string) (*core.Identity, error) {
	s.lastEmail = email
	if err := s.record("signUp"); err != nil {
		return nil, err
	}
	return ana, nil
}

func (s *stubSession) SignIn(_ context.Context, email, _ string) (*core.Identity, error) {
	s.lastEmail = email
	if err := s.record("signIn"); err != nil {
		return nil, err
	}
	return ana, nil
}

func (s *stubSession) SignInFederated(context.Context) (*core.Identity, error) {
	if err := s.record("signInFederated"); err != nil {
		return nil, err
	}
	return ana, nil
}

func (s *stubSession) SignOut(context.Context) error { return s.record("signOut") }

func (s *stubSession) UpdateIdentity(_ context.Context, displayName, _ string) error {
	s.lastName = displayName
	return s.record("updateIdentity")
}

func (s *stubSession) SendPasswordReset(_ context.Context, email string) error {
	s.lastEmail = email
	return s.record("sendPasswordReset")
}

func (s *stubSession) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSession) Subscribe(func(core.SessionState)) core.Unsubscribe { return func() {} }

func (s *stubSession) WaitSettled(context.Context) (core.SessionState, error) { return s.State(), nil }

func (s *stubSession) AccessToken(context.Context) (core.AccessToken, bool, error) {
	return "", false, nil
}

func signedIn() core.SessionState {
	return core.SessionState{Phase: core.PhaseAuthenticated, Identity: ana}
}

func newApp(t *testing.T, session core.SessionService) *fiber.App {
	t.Helper()
	app := fiber.New()
	require.NoError(t, New(app).RegisterRoutes(session, services.SessionEndpoints(), "/api/session"))
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// Requirement: Every session endpoint is served under the base path
func TestRegisterRoutes_ServesEveryEndpoint(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
		status int
		call   string
	}{
		{"GET", "/session", "", http.StatusOK, ""},
		{"POST", "/sign-up", `{"email":"ana@x.com","password":"Secret1"}`, http.StatusCreated, "signUp"},
		{"POST", "/sign-in", `{"email":"ana@x.com","password":"Secret1"}`, http.StatusOK, "signIn"},
		{"POST", "/sign-in/federated", "", http.StatusOK, "signInFederated"},
		{"POST", "/sign-out", "", http.StatusOK, "signOut"},
		{"POST", "/password-reset", `{"email":"ana@x.com"}`, http.StatusAccepted, "sendPasswordReset"},
		{"PATCH", "/profile", `{"displayName":"Ana B"}`, http.StatusOK, "updateIdentity"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.method+" "+test.path, func(t *testing.T) {
			// Arrange
			session := &stubSession{state: signedIn()}
			app := newApp(t, session)

			// Act
			resp, _ := do(t, app, test.method, "/api/session"+test.path, test.body)

			// Assert
			assert.Equal(t, test.status, resp.StatusCode)
			if test.call != "" {
				assert.Equal(t, []string{test.call}, session.calls)
			}
		})
	}
}

func TestRegisterRoutes_UnknownOperation(t *testing.T) {
	app := fiber.New()
	endpoints := []core.Endpoint{{Path: "/x", Method: "GET", Metadata: core.EndpointMetadata{OperationID: "nope"}}}

	err := New(app).RegisterRoutes(&stubSession{}, endpoints, "/api")

	assert.Error(t, err)
}

func TestGetSession_Body(t *testing.T) {
	app := newApp(t, &stubSession{state: signedIn()})

	resp, body := do(t, app, "GET", "/api/session/session", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authenticated", body["phase"])
	assert.Equal(t, false, body["loading"])
	identity, ok := body["identity"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "uid-1", identity["uid"])
}

// Requirement: Guarded routes wait out loading, reject signed-out sessions, and pass the identity on
func TestRequireSession(t *testing.T) {
	tests := []struct {
		name       string
		state      core.SessionState
		status     int
		retryAfter string
	}{
		{"still resolving", core.InitialSessionState(), http.StatusServiceUnavailable, "1"},
		{"exchange in flight", core.SessionState{Phase: core.PhaseAuthenticated, Identity: ana, Loading: true}, http.StatusServiceUnavailable, "1"},
		{"signed out", core.SessionState{Phase: core.PhaseUnauthenticated}, http.StatusUnauthorized, ""},
		{"signed in", signedIn(), http.StatusOK, ""},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			session := &stubSession{state: test.state}
			app := fiber.New()
			var seen core.Identity
			guard := New(app).BuildGuardMiddleware(session).(fiber.Handler)
			app.Get("/private", guard, func(c fiber.Ctx) error {
				seen, _ = IdentityFrom(c)
				return c.SendStatus(http.StatusOK)
			})

			// Act
			resp, err := app.Test(httptest.NewRequest("GET", "/private", nil))

			// Assert
			require.NoError(t, err)
			assert.Equal(t, test.status, resp.StatusCode)
			assert.Equal(t, test.retryAfter, resp.Header.Get("Retry-After"))
			if test.status == http.StatusOK {
				assert.Equal(t, "uid-1", seen.UID)
			}
		})
	}
}

func TestProfile_IsGuarded(t *testing.T) {
	session := &stubSession{state: core.SessionState{Phase: core.PhaseUnauthenticated}}
	app := newApp(t, session)

	resp, _ := do(t, app, "PATCH", "/api/session/profile", `{"displayName":"X"}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, session.calls)
}

func TestSignIn_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"email":`},
		{"missing password", `{"email":"ana@x.com"}`},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			session := &stubSession{}
			app := newApp(t, session)

			resp, body := do(t, app, "POST", "/api/session/sign-in", test.body)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_request", body["error"])
			assert.Empty(t, session.calls)
		})
	}
}

// Requirement: Session errors map to stable HTTP statuses
func TestMapErrorToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{core.ErrCredential, http.StatusConflict},
		{core.ErrWeakSecret, http.StatusBadRequest},
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrInvalidSecret, http.StatusUnauthorized},
		{core.ErrInvalidCredential, http.StatusUnauthorized},
		{fmt.Errorf("%w: invalid email %q", core.ErrInvalidCredential, "x"), http.StatusUnauthorized},
		{fmt.Errorf("%w: popup closed", core.ErrFederatedFlow), http.StatusUnauthorized},
		{core.ErrNotAuthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: status 500", core.ErrExchange), http.StatusBadGateway},
		{core.ErrNotStarted, http.StatusServiceUnavailable},
		{core.ErrStorage, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, test := range tests {
		test := test
		t.Run(fmt.Sprint(test.err), func(t *testing.T) {
			assert.Equal(t, test.status, mapErrorToStatus(test.err))
		})
	}
}

func TestSignIn_ErrorBody(t *testing.T) {
	session := &stubSession{err: core.ErrInvalidSecret}
	app := newApp(t, session)

	resp, body := do(t, app, "POST", "/api/session/sign-in", `{"email":"ana@x.com","password":"bad"}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, core.ErrInvalidSecret.Error(), body["message"])
	assert.Equal(t, float64(http.StatusUnauthorized), body["code"])
}
