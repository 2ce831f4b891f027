package identitytoolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lborres/tether/core"
)

type authResponse struct {
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoUrl"`
	EmailVerified bool   `json:"emailVerified"`
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     string `json:"expiresIn"`
}

func (r authResponse) identity() core.Identity {
	now := time.Now().UTC()
	return core.Identity{
		UID:           r.LocalID,
		Email:         r.Email,
		DisplayName:   r.DisplayName,
		PhotoURL:      r.PhotoURL,
		EmailVerified: r.EmailVerified,
		LastSignInAt:  now,
	}
}

type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		DisplayName   string `json:"displayName"`
		PhotoURL      string `json:"photoUrl"`
		EmailVerified bool   `json:"emailVerified"`
		CreatedAt     string `json:"createdAt"`
		LastLoginAt   string `json:"lastLoginAt"`
	} `json:"users"`
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call POSTs a JSON body to an Identity Toolkit method
func (p *Provider) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	endpoint := p.cfg.Endpoint + "/" + method + "?key=" + url.QueryEscape(p.cfg.APIKey)
	return p.do(ctx, method, endpoint, "application/json", bytes.NewReader(payload), out)
}

func (p *Provider) lookup(ctx context.Context, idToken string) (*core.Identity, error) {
	var resp lookupResponse
	if err := p.call(ctx, "accounts:lookup", map[string]any{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, fmt.Errorf("%w: account no longer exists", core.ErrNotAuthenticated)
	}
	u := resp.Users[0]
	return &core.Identity{
		UID:           u.LocalID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		PhotoURL:      u.PhotoURL,
		EmailVerified: u.EmailVerified,
		CreatedAt:     millis(u.CreatedAt),
		LastSignInAt:  millis(u.LastLoginAt),
	}, nil
}

func (p *Provider) refreshTokens(ctx context.Context, refreshToken string) (*session, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	endpoint := p.cfg.TokenEndpoint + "/token?key=" + url.QueryEscape(p.cfg.APIKey)

	var resp tokenResponse
	err := p.do(ctx, "token", endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &resp)
	if err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("%w: token refresh returned no id token", core.ErrNotAuthenticated)
	}
	next := resp.RefreshToken
	if next == "" {
		next = refreshToken
	}
	return &session{
		IDToken:      resp.IDToken,
		RefreshToken: next,
		ExpiresAt:    expiry(resp.ExpiresIn),
	}, nil
}

func (p *Provider) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return mapError(method, apiErr.Error.Message)
		}
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", method, err)
	}
	return nil
}

// mapError translates provider error codes. Messages may carry a detail
// suffix, as in "WEAK_PASSWORD : Password should be at least 6 characters".
// A malformed email is a registration error only on sign-up.
func mapError(method, message string) error {
	code, _, _ := strings.Cut(message, " ")
	code = strings.TrimSpace(code)

	var sentinel error
	switch code {
	case "INVALID_EMAIL", "MISSING_EMAIL":
		switch method {
		case "accounts:signUp":
			sentinel = core.ErrCredential
		case "accounts:sendOobCode":
			sentinel = core.ErrNotFound
		default:
			sentinel = core.ErrInvalidCredential
		}
	case "EMAIL_EXISTS":
		sentinel = core.ErrCredential
	case "WEAK_PASSWORD", "MISSING_PASSWORD":
		sentinel = core.ErrWeakSecret
	case "EMAIL_NOT_FOUND", "USER_NOT_FOUND":
		sentinel = core.ErrNotFound
	case "INVALID_PASSWORD":
		sentinel = core.ErrInvalidSecret
	case "INVALID_LOGIN_CREDENTIALS", "USER_DISABLED":
		sentinel = core.ErrInvalidCredential
	case "INVALID_IDP_RESPONSE", "FEDERATED_USER_ID_ALREADY_LINKED":
		sentinel = core.ErrFederatedFlow
	case "INVALID_ID_TOKEN", "TOKEN_EXPIRED", "CREDENTIAL_TOO_OLD_LOGIN_AGAIN",
		"INVALID_REFRESH_TOKEN":
		sentinel = core.ErrNotAuthenticated
	default:
		return fmt.Errorf("%s: %s", method, message)
	}
	return fmt.Errorf("%w: %s: %s", sentinel, method, message)
}

func idpPostBody(cred *core.FederatedCredential) string {
	v := url.Values{"providerId": {cred.ProviderID}}
	if cred.IDToken != "" {
		v.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		v.Set("access_token", cred.AccessToken)
	}
	return v.Encode()
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
