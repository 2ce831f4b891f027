package services

import (
	"fmt"
	"sort"

	"github.com/lborres/tether/core"
)

// SessionEndpoints returns framework-agnostic templates for the session API.
//
// HTTP adapters bind a handler to each template by OperationID, so several
// frameworks can serve the same route table.
func SessionEndpoints() []core.Endpoint {
	return []core.Endpoint{
		{
			Path:   "/session",
			Method: "GET",
			Metadata: core.EndpointMetadata{
				OperationID: core.OperationGetSession,
				Description: "Get the current identity, loading flag and last sign-in time",
			},
		},
		{
			Path:   "/sign-up",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: core.OperationSignUp,
				Description: "Register with email and password",
			},
		},
		{
			Path:   "/sign-in",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: core.OperationSignIn,
				Description: "Sign in with email and password",
			},
		},
		{
			Path:   "/sign-in/federated",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: core.OperationSignInFederated,
				Description: "Sign in through the federated identity provider",
			},
		},
		{
			Path:   "/sign-out",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: core.OperationSignOut,
				Description: "Sign out and clear the stored access token",
			},
		},
		{
			Path:   "/password-reset",
			Method: "POST",
			Metadata: core.EndpointMetadata{
				OperationID: core.OperationSendPasswordReset,
				Description: "Send a password reset email",
			},
		},
		{
			Path:    "/profile",
			Method:  "PATCH",
			Guarded: true,
			Metadata: core.EndpointMetadata{
				OperationID: core.OperationUpdateProfile,
				Description: "Update display name and photo of the current identity",
			},
		},
	}
}

// EndpointRegistry manages a collection of framework-agnostic endpoints
// and handles conflict detection for duplicate METHOD:PATH combinations.
type EndpointRegistry struct {
	endpoints map[string]core.Endpoint
}

// NewEndpointRegistry creates a registry with the session endpoints pre-registered
func NewEndpointRegistry() *EndpointRegistry {
	reg := &EndpointRegistry{endpoints: make(map[string]core.Endpoint)}
	for _, ep := range SessionEndpoints() {
		reg.endpoints[endpointKey(ep)] = ep
	}
	return reg
}

func endpointKey(ep core.Endpoint) string {
	return fmt.Sprintf("%s:%s", ep.Method, ep.Path)
}

// Register adds extra endpoints. If any conflicts with a registered endpoint
// or with another in the batch, none are registered.
func (r *EndpointRegistry) Register(endpoints []core.Endpoint) error {
	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		key := endpointKey(ep)
		if _, exists := r.endpoints[key]; exists {
			return fmt.Errorf("endpoint conflict: %s %s already registered", ep.Method, ep.Path)
		}
		if seen[key] {
			return fmt.Errorf("duplicate endpoint in batch: %s %s", ep.Method, ep.Path)
		}
		seen[key] = true
	}

	for _, ep := range endpoints {
		r.endpoints[endpointKey(ep)] = ep
	}
	return nil
}

// Endpoints returns every registered endpoint ordered by path then method
func (r *EndpointRegistry) Endpoints() []core.Endpoint {
	result := make([]core.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		result = append(result, ep)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Path != result[j].Path {
			return result[i].Path < result[j].Path
		}
		return result[i].Method < result[j].Method
	})
	return result
}
