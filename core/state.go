package core

import "time"

// Phase is the controller's position in the session state machine
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseAuthenticated
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Settled reports whether the phase is Authenticated or Unauthenticated
func (p Phase) Settled() bool {
	return p == PhaseAuthenticated || p == PhaseUnauthenticated
}

// MarshalText lets phases appear as words in JSON payloads
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PendingFields holds local profile edits the provider has not yet echoed back
type PendingFields struct {
	DisplayName string
	PhotoURL    string
}

// IdentityView is either a Confirmed identity (straight from a provider event)
// or an Overlaid one carrying pending local edits.
//
// The zero value is "no identity".
type IdentityView struct {
	confirmed *Identity
	pending   *PendingFields
}

// Confirmed wraps a provider-reported identity. A nil identity yields the empty view.
func Confirmed(identity *Identity) IdentityView {
	if identity == nil {
		return IdentityView{}
	}
	snapshot := *identity
	return IdentityView{confirmed: &snapshot}
}

// Overlay returns a view with the pending fields applied on top of the confirmed
// identity. Overlaying an empty view stays empty.
func (v IdentityView) Overlay(fields PendingFields) IdentityView {
	if v.confirmed == nil {
		return v
	}
	return IdentityView{confirmed: v.confirmed, pending: &fields}
}

// Present reports whether there is an identity at all
func (v IdentityView) Present() bool {
	return v.confirmed != nil
}

// Overlaid reports whether local edits are pending confirmation
func (v IdentityView) Overlaid() bool {
	return v.pending != nil
}

// UID of the underlying identity, empty when absent
func (v IdentityView) UID() string {
	if v.confirmed == nil {
		return ""
	}
	return v.confirmed.UID
}

// Resolve returns a copy of the identity as consumers should see it
func (v IdentityView) Resolve() *Identity {
	if v.confirmed == nil {
		return nil
	}
	out := *v.confirmed
	if v.pending != nil {
		out.DisplayName = v.pending.DisplayName
		out.PhotoURL = v.pending.PhotoURL
	}
	return &out
}

// SessionState is the observable snapshot published to session consumers
type SessionState struct {
	Phase        Phase      `json:"phase"`
	Identity     *Identity  `json:"identity"`
	Loading      bool       `json:"loading"`
	LastSignInAt *time.Time `json:"lastSignInAt,omitempty"`
	Overlaid     bool       `json:"overlaid"`
}

// Authenticated reports whether a provider session is present
func (s SessionState) Authenticated() bool {
	return s.Identity != nil
}

// InitialSessionState is the shape every controller starts from
func InitialSessionState() SessionState {
	return SessionState{
		Phase:   PhaseUninitialized,
		Loading: true,
	}
}
