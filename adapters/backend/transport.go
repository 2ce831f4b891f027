package backend

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lborres/tether/core"
)

// BearerTransport attaches the stored access token to outgoing requests.
// Requests go out unauthenticated while no token is stored.
type BearerTransport struct {
	Credentials core.CredentialStore
	Base        http.RoundTripper
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, ok, err := t.Credentials.Load(req.Context())
	if err != nil {
		return nil, fmt.Errorf("loading access token: %w", err)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if !ok {
		return base.RoundTrip(req)
	}

	// RoundTrippers must not mutate the caller's request
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+string(token))
	return base.RoundTrip(clone)
}

// NewAuthorizedClient returns a client for subsequent marketplace API calls
func NewAuthorizedClient(credentials core.CredentialStore, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &BearerTransport{Credentials: credentials},
	}
}
