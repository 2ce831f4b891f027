package core

import (
	"log/slog"
	"time"

	"github.com/lborres/tether/pkg/crypto"
)

// Identity represents the signed-in principal as reported by the identity provider
//
// This is the "who" - it never carries backend credentials
type Identity struct {
	UID           string    `json:"uid"`
	Email         string    `json:"email,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	PhotoURL      string    `json:"photoURL,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	LastSignInAt  time.Time `json:"lastSignInAt"`
}

// AccessToken is the opaque bearer credential issued by the backend
type AccessToken string

// LogValue keeps raw tokens out of structured logs
func (t AccessToken) LogValue() slog.Value {
	return slog.StringValue(crypto.Fingerprint(string(t)))
}

// UserRecord is the payload upserted into the backend user collection
type UserRecord struct {
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoURL"`
	LastLoginTime string `json:"lastLoginTime"`
}

// NewUserRecord builds the backend user record for an identity at the given time
func NewUserRecord(identity Identity, now time.Time) UserRecord {
	return UserRecord{
		Email:         identity.Email,
		DisplayName:   identity.DisplayName,
		PhotoURL:      identity.PhotoURL,
		LastLoginTime: now.UTC().Format(time.RFC3339Nano),
	}
}

// FederatedCredential is what an interactive federated flow hands back to the
// identity provider adapter
type FederatedCredential struct {
	ProviderID    string `json:"providerId"` // "google.com"
	IDToken       string `json:"-"`
	AccessToken   string `json:"-"`
	Subject       string `json:"subject"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoURL"`
	EmailVerified bool   `json:"emailVerified"`
}
