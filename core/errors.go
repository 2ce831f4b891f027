package core

import "errors"

// Registration errors
var (
	ErrCredential = errors.New("email is malformed or already registered") // 409
	ErrWeakSecret = errors.New("password does not meet provider policy")   // 400
)

// Sign-in errors
var (
	ErrNotFound          = errors.New("no account matches the given email")    // 404
	ErrInvalidSecret     = errors.New("wrong password")                        // 401
	ErrInvalidCredential = errors.New("invalid email or password")             // 401
	ErrFederatedFlow     = errors.New("federated sign-in aborted or rejected") // 401
)

// Session errors
var (
	ErrNotAuthenticated = errors.New("no active session")             // 401
	ErrExchange         = errors.New("backend token exchange failed") // 502
	ErrStorage          = errors.New("credential storage failure")    // 500
	ErrKeyNotFound      = errors.New("key not found")
)

// Lifecycle errors
var (
	ErrAlreadyStarted = errors.New("session controller already started")
	ErrNotStarted     = errors.New("session controller not started")
	ErrClosed         = errors.New("session controller closed")
)

// Config errors
var (
	ErrProviderRequired    = errors.New("identity provider is required")
	ErrExchangerRequired   = errors.New("token exchanger is required")
	ErrCredentialsRequired = errors.New("credential store is required")
)
