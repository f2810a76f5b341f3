package models

import "time"

// IdentityKind discriminates the resolved caller of a request.
type IdentityKind string

const (
	IdentityNone          IdentityKind = "none"
	IdentityAuthenticated IdentityKind = "authenticated"
	IdentityGuest         IdentityKind = "guest"
)

// Identity is the outcome of resolving request credentials. Exactly the
// fields matching Kind are meaningful; an inactive authenticated identity
// is treated as unauthenticated when sending messages.
type Identity struct {
	Kind IdentityKind

	// Authenticated fields.
	UserID   int64
	Role     UserRole
	IsActive bool

	// Guest fields.
	Guest *GuestSession
}

// IsSendable reports whether the identity may be charged for and send a
// message: active authenticated users and guests with a live session.
func (i Identity) IsSendable() bool {
	switch i.Kind {
	case IdentityAuthenticated:
		return i.IsActive
	case IdentityGuest:
		return i.Guest != nil
	default:
		return false
	}
}

// GuestSession tracks an unauthenticated visitor's message allowance.
type GuestSession struct {
	ID           int64     `json:"id"`
	SessionToken string    `json:"sessionToken"`
	MessageCount int64     `json:"messageCount"`
	MaxMessages  int64     `json:"maxMessages"`
	ExpiresAt    time.Time `json:"expiresAt"`
	// Fallback is the only structural signal of degraded mode: the session
	// was synthesized because the backing store was unreachable and is not
	// persisted anywhere.
	Fallback bool `json:"fallback,omitempty"`
}

// Remaining returns the guest's unused message slots, never negative.
func (g *GuestSession) Remaining() int64 {
	if g == nil {
		return 0
	}
	if g.MessageCount >= g.MaxMessages {
		return 0
	}
	return g.MaxMessages - g.MessageCount
}

// QuotaState is a point-in-time reading of an identity's counter against
// its tier limit. Limit == 0 means unlimited.
type QuotaState struct {
	MessageCount int64 `json:"messageCount"`
	Limit        int64 `json:"limit"`
}

// Remaining reports unused quota; unlimited tiers report a negative value.
func (q QuotaState) Remaining() int64 {
	if q.Limit == 0 {
		return -1
	}
	if q.MessageCount >= q.Limit {
		return 0
	}
	return q.Limit - q.MessageCount
}
