// Package googleflow runs the interactive Google sign-in used by federated
// sign-in: a loopback redirect listener, state and PKCE, code exchange and
// a userinfo fetch.
package googleflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/lborres/tether/core"
	"github.com/lborres/tether/pkg/crypto"
)

const (
	ProviderID         = "google.com"
	DefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	DefaultListenAddr  = "127.0.0.1:0"
	DefaultTimeout     = 5 * time.Minute
	callbackPath       = "/callback"
)

type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	ListenAddr   string
	// Timeout bounds the whole interactive flow
	Timeout time.Duration
	// OpenURL presents the consent page to the user
	OpenURL func(url string) error
	Logger  *slog.Logger
}

type Flow struct {
	cfg    Config
	logger *slog.Logger
}

var _ core.FederatedFlow = (*Flow)(nil)

func New(cfg Config) (*Flow, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("google client id is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = endpoints.Google
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = DefaultUserInfoURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OpenURL == nil {
		cfg.OpenURL = func(url string) error {
			logger.Info("open this URL to continue signing in", "url", url)
			return nil
		}
	}
	return &Flow{cfg: cfg, logger: logger.With("component", "googleflow")}, nil
}

type callbackResult struct {
	code string
	err  error
}

// Authenticate blocks until the user finishes consent, cancels, or ctx ends.
// Every failure wraps core.ErrFederatedFlow.
func (f *Flow) Authenticate(ctx context.Context) (*core.FederatedCredential, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	ln, err := net.Listen("tcp", f.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: starting redirect listener: %w", core.ErrFederatedFlow, err)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		Endpoint:     f.cfg.Endpoint,
		Scopes:       f.cfg.Scopes,
		RedirectURL:  "http://" + ln.Addr().String() + callbackPath,
	}

	state, err := crypto.GenerateToken(16)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("%w: generating state: %w", core.ErrFederatedFlow, err)
	}
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           f.callbackHandler(state, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Warn("redirect listener stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
	if err := f.cfg.OpenURL(authURL); err != nil {
		return nil, fmt.Errorf("%w: opening consent page: %w", core.ErrFederatedFlow, err)
	}

	var code string
	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		code = res.code
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", core.ErrFederatedFlow, ctx.Err())
	}

	token, err := oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging code: %w", core.ErrFederatedFlow, err)
	}

	info, err := f.userInfo(ctx, oauthCfg.Client(ctx, token))
	if err != nil {
		return nil, err
	}

	idToken, _ := token.Extra("id_token").(string)
	return &core.FederatedCredential{
		ProviderID:    ProviderID,
		IDToken:       idToken,
		AccessToken:   token.AccessToken,
		Subject:       info.Subject,
		Email:         info.Email,
		DisplayName:   info.Name,
		PhotoURL:      info.Picture,
		EmailVerified: info.EmailVerified,
	}, nil
}

func (f *Flow) callbackHandler(state string, results chan<- callbackResult) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("%w: %s", core.ErrFederatedFlow, q.Get("error"))
		case q.Get("state") != state:
			res.err = fmt.Errorf("%w: state mismatch", core.ErrFederatedFlow)
		case q.Get("code") == "":
			res.err = fmt.Errorf("%w: missing authorization code", core.ErrFederatedFlow)
		default:
			res.code = q.Get("code")
		}

		select {
		case results <- res:
		default:
			// a result was already delivered
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "Sign-in failed. You can close this window.")
			return
		}
		fmt.Fprintln(w, "Signed in. You can close this window.")
	})
	return mux
}

type userInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (f *Flow) userInfo(ctx context.Context, client *http.Client) (*userInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFederatedFlow, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching userinfo: %w", core.ErrFederatedFlow, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo status %d", core.ErrFederatedFlow, resp.StatusCode)
	}
	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo: %w", core.ErrFederatedFlow, err)
	}
	if info.Subject == "" || info.Email == "" {
		return nil, fmt.Errorf("%w: userinfo missing subject or email", core.ErrFederatedFlow)
	}
	return &info, nil
}
