package core

// Operation IDs of the session API. HTTP adapters bind handlers by these.
const (
	OperationGetSession        = "getSession"
	OperationSignUp            = "signUpWithEmailAndPassword"
	OperationSignIn            = "signInWithEmailAndPassword"
	OperationSignInFederated   = "signInWithFederatedProvider"
	OperationSignOut           = "signOut"
	OperationSendPasswordReset = "sendPasswordResetEmail"
	OperationUpdateProfile     = "updateProfile"
)

// EndpointProvider provides a list of endpoints to register dynamically
type EndpointProvider interface {
	GetEndpoints() []Endpoint
}

// Endpoint is a framework-agnostic route template
type Endpoint struct {
	Path   string
	Method string
	// Guarded endpoints are only served to a settled, authenticated session
	Guarded  bool
	Metadata EndpointMetadata
}

type EndpointMetadata struct {
	OperationID string
	Description string
}

// ErrorResponse represents an error response structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
