package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/tether/adapters/backend/backendtest"
	"github.com/lborres/tether/internal/app"
)

// setupEnv points every command at a local provider backed by one file, so
// state survives across command invocations like it does for a real user
func setupEnv(t *testing.T) *backendtest.Server {
	t.Helper()
	srv := backendtest.NewServer()
	t.Cleanup(srv.Close)

	t.Setenv("TETHER_CONFIG", "")
	t.Setenv("TETHER_PROVIDER", "local")
	t.Setenv("TETHER_STORAGE", "file")
	t.Setenv("TETHER_STORAGE_PATH", filepath.Join(t.TempDir(), "session.json"))
	t.Setenv("TETHER_BACKEND_URL", srv.URL)
	t.Setenv("TETHER_LOG_LEVEL", "error")
	return srv
}

func newTestRuntime() *runtime {
	return &runtime{
		newApp:     app.New,
		listen:     func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) },
		terminalFD: -1,
	}
}

func run(t *testing.T, rt *runtime, stdin string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out, errOut bytes.Buffer
	root := rt.rootCommand()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// Requirement: Signing up signs in, exchanges a backend token and records the user
func TestSignUp_ThenWhoAmI(t *testing.T) {
	srv := setupEnv(t)
	rt := newTestRuntime()

	out, err := run(t, rt, "Secret1\n", "signup", "--email", "ana@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as ana@example.com")

	require.Eventually(t, func() bool {
		_, ok := srv.User("ana@example.com")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	out, err = run(t, rt, "", "whoami", "--json")
	require.NoError(t, err)
	var payload struct {
		State struct {
			Phase    string `json:"phase"`
			Identity struct {
				Email string `json:"email"`
			} `json:"identity"`
		} `json:"state"`
		HasAccessToken bool `json:"hasAccessToken"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "authenticated", payload.State.Phase)
	assert.Equal(t, "ana@example.com", payload.State.Identity.Email)
	assert.True(t, payload.HasAccessToken)
}

// Requirement: Backend calls use the stored token until sign-out removes it
func TestCall_AndSignOut(t *testing.T) {
	setupEnv(t)
	rt := newTestRuntime()

	_, err := run(t, rt, "Secret1\n", "signup", "--email", "ana@example.com")
	require.NoError(t, err)

	out, err := run(t, rt, "", "call", "/me")
	require.NoError(t, err)
	assert.Contains(t, out, "ana@example.com")

	out, err = run(t, rt, "", "signout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out ana@example.com")

	out, err = run(t, rt, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in.")

	_, err = run(t, rt, "", "call", "/me")
	assert.ErrorContains(t, err, "401")
}

func TestSignIn_Errors(t *testing.T) {
	setupEnv(t)
	rt := newTestRuntime()
	_, err := run(t, rt, "Secret1\n", "signup", "--email", "ana@example.com")
	require.NoError(t, err)
	_, err = run(t, rt, "", "signout")
	require.NoError(t, err)

	tests := []struct {
		name    string
		email   string
		stdin   string
		wantErr string
	}{
		{"wrong password", "ana@example.com", "nope123\n", "email or password is wrong"},
		{"unknown account", "bo@example.com", "Secret1\n", "no account uses that email"},
		{"empty password", "ana@example.com", "\n", "password is empty"},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := run(t, rt, test.stdin, "signin", "--email", test.email)

			assert.ErrorContains(t, err, test.wantErr)
		})
	}
}

func TestSignIn_PasswordFile(t *testing.T) {
	setupEnv(t)
	rt := newTestRuntime()
	_, err := run(t, rt, "Secret1\n", "signup", "--email", "ana@example.com")
	require.NoError(t, err)
	_, err = run(t, rt, "", "signout")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(file, []byte("Secret1\n"), 0o600))

	out, err := run(t, rt, "", "signin", "--email", "ana@example.com", "--password-file", file)

	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as ana@example.com")
}

// Requirement: A reset code from reset-password sets a new password once
func TestResetPassword_ConfirmReset(t *testing.T) {
	setupEnv(t)
	rt := newTestRuntime()
	_, err := run(t, rt, "Secret1\n", "signup", "--email", "ana@example.com")
	require.NoError(t, err)
	_, err = run(t, rt, "", "signout")
	require.NoError(t, err)

	out, err := run(t, rt, "", "reset-password", "--email", "ana@example.com")
	require.NoError(t, err)
	match := regexp.MustCompile(`Reset code for ana@example.com: (\S+)`).FindStringSubmatch(out)
	require.Len(t, match, 2, out)

	_, err = run(t, rt, "Renewed1\n", "confirm-reset", "--code", match[1])
	require.NoError(t, err)
	_, err = run(t, rt, "Renewed2\n", "confirm-reset", "--code", match[1])
	assert.Error(t, err, "codes are single use")

	out, err = run(t, rt, "Renewed1\n", "signin", "--email", "ana@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as ana@example.com")
}

func TestUpdateProfile(t *testing.T) {
	setupEnv(t)
	rt := newTestRuntime()

	_, err := run(t, rt, "", "update-profile", "--name", "Ana")
	assert.ErrorContains(t, err, "sign in first")

	_, err = run(t, rt, "Secret1\n", "signup", "--email", "ana@example.com")
	require.NoError(t, err)

	out, err := run(t, rt, "", "update-profile", "--name", "Ana", "--photo", "https://img.example.com/ana.png")
	require.NoError(t, err)
	assert.Contains(t, out, "name:     Ana")

	out, err = run(t, rt, "", "update-profile", "--photo", "")
	require.NoError(t, err)
	assert.Contains(t, out, "name:     Ana", "unchanged flags keep their value")
	assert.NotContains(t, out, "photo:")
}

// Requirement: serve exposes the session API, metrics and a health probe
func TestServe(t *testing.T) {
	setupEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rt := newTestRuntime()
	rt.listen = func(string) (net.Listener, error) { return ln, nil }

	ctx, cancel := context.WithCancel(context.Background())
	root := rt.rootCommand()
	root.SetArgs([]string{"serve"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	base := "http://" + ln.Addr().String()
	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	require.Eventually(t, func() bool {
		status, _ := get("/healthz")
		return status == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	status, body := get("/api/session/session")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "unauthenticated")

	status, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "tether_storage_entries")

	status, _ = get("/api/session/profile")
	assert.NotEqual(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
