// Package backend exchanges provider identities for marketplace API tokens
// and keeps the backend user collection in sync.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lborres/tether/core"
)

// DefaultTimeout bounds every backend request. The session controller
// itself imposes no timeouts.
const DefaultTimeout = 10 * time.Second

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Client overrides the HTTP client; Timeout is ignored when set
	Client *http.Client
}

// Exchanger implements core.TokenExchanger over the marketplace REST API
type Exchanger struct {
	base   *url.URL
	client *http.Client
}

var _ core.TokenExchanger = (*Exchanger)(nil)

func New(cfg Config) (*Exchanger, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base URL must be http or https, got %q", cfg.BaseURL)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Exchanger{base: base, client: client}, nil
}

type exchangeRequest struct {
	Email string `json:"email"`
}

type exchangeResponse struct {
	Token string `json:"token"`
}

// Exchange makes one attempt at POST /jwt; every failure wraps core.ErrExchange
func (e *Exchanger) Exchange(ctx context.Context, identity core.Identity) (core.AccessToken, error) {
	body, err := json.Marshal(exchangeRequest{Email: identity.Email})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %w", core.ErrExchange, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint("jwt"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrExchange, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: unexpected status %d: %s", core.ErrExchange, resp.StatusCode, readSnippet(resp.Body))
	}

	var out exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", core.ErrExchange, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty token", core.ErrExchange)
	}
	return core.AccessToken(out.Token), nil
}

// UpsertUser writes the identity to PUT /users/{email}
func (e *Exchanger) UpsertUser(ctx context.Context, identity core.Identity) error {
	if identity.Email == "" {
		return fmt.Errorf("upsert user: identity %s has no email", identity.UID)
	}

	body, err := json.Marshal(core.NewUserRecord(identity, time.Now()))
	if err != nil {
		return fmt.Errorf("upsert user: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.endpoint("users", identity.Email), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upsert user: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (e *Exchanger) endpoint(segments ...string) string {
	return e.base.JoinPath(segments...).String()
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
