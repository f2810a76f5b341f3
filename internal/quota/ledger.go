package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/guest"
	"chatrelay/internal/models"
)

// CounterStore is the atomic counter backend for authenticated quota.
// ReserveSlot must perform a single conditional read-modify-write so two
// concurrent callers cannot both take the last slot. A limit of 0 means
// unlimited; the counter still advances for usage reporting.
type CounterStore interface {
	ReserveSlot(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, granted bool, err error)
	ReleaseSlot(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Current(ctx context.Context, key string) (int64, error)
}

// GuestCounter reserves and releases guest message slots. Implemented by
// the guest session service with a conditional UPDATE.
type GuestCounter interface {
	ReserveGuestSlot(ctx context.Context, sessionToken string) (*models.GuestSession, bool, error)
	ReleaseGuestSlot(ctx context.Context, sessionToken string) error
}

// ErrNotSendable is returned when the identity has no quota tier at all.
var ErrNotSendable = errors.New("identity cannot send messages")

// Decision is the outcome of CheckAndReserve. When Allowed, the message
// slot is held until Commit or Release. Degraded marks fail-open admission
// taken because the backing store was unreachable.
type Decision struct {
	Allowed  bool
	Degraded bool
	State    models.QuotaState
	// Guest carries the (possibly fallback) session the decision was made
	// against, nil for authenticated identities.
	Guest *models.GuestSession
}

// Ledger tracks per-identity message and upload counters against tier
// limits. Counters roll over daily.
type Ledger struct {
	store  CounterStore
	guests GuestCounter
	limits config.QuotaConfig

	now func() time.Time
}

func NewLedger(store CounterStore, guests GuestCounter, limits config.QuotaConfig) *Ledger {
	return &Ledger{
		store:  store,
		guests: guests,
		limits: limits,
		now:    time.Now,
	}
}

// CheckAndReserve atomically takes one message slot for the identity, or
// reports the exhausted state. Store failures admit the request fail-open
// with Degraded set; the chat must stay usable through storage outages
// even if that over-grants quota.
func (l *Ledger) CheckAndReserve(ctx context.Context, id models.Identity) (Decision, error) {
	switch id.Kind {
	case models.IdentityAuthenticated:
		return l.reserveAuthenticated(ctx, id)
	case models.IdentityGuest:
		return l.reserveGuest(ctx, id)
	default:
		return Decision{}, ErrNotSendable
	}
}

func (l *Ledger) reserveAuthenticated(ctx context.Context, id models.Identity) (Decision, error) {
	limit := l.limits.LimitFor(string(id.Role))
	key := l.messageKey(id)
	count, granted, err := l.store.ReserveSlot(ctx, key, limit, l.ttl())
	if err != nil {
		log.Printf("quota reserve degraded for %s: %v", key, err)
		return Decision{
			Allowed:  true,
			Degraded: true,
			State:    models.QuotaState{MessageCount: 0, Limit: limit},
		}, nil
	}
	return Decision{
		Allowed: granted,
		State:   models.QuotaState{MessageCount: count, Limit: limit},
	}, nil
}

func (l *Ledger) reserveGuest(ctx context.Context, id models.Identity) (Decision, error) {
	if id.Guest == nil {
		return Decision{}, ErrNotSendable
	}
	session, granted, err := l.guests.ReserveGuestSlot(ctx, id.Guest.SessionToken)
	if errors.Is(err, guest.ErrNotFound) {
		// The session vanished or expired since resolution. That is a
		// definitive answer from the store, not an outage, so deny.
		return Decision{}, ErrNotSendable
	}
	if err != nil {
		// Fail-open: synthesize a fallback session with full allowance.
		log.Printf("guest quota reserve degraded: %v", err)
		fb := id.Guest
		if !fb.Fallback {
			fb = &models.GuestSession{
				SessionToken: id.Guest.SessionToken,
				MessageCount: 1,
				MaxMessages:  l.limits.GuestDailyLimit,
				ExpiresAt:    l.now().Add(24 * time.Hour),
				Fallback:     true,
			}
		}
		return Decision{
			Allowed:  true,
			Degraded: true,
			Guest:    fb,
			State:    models.QuotaState{MessageCount: fb.MessageCount, Limit: fb.MaxMessages},
		}, nil
	}
	return Decision{
		Allowed: granted,
		Guest:   session,
		State:   models.QuotaState{MessageCount: session.MessageCount, Limit: session.MaxMessages},
	}, nil
}

// Commit finalizes a reservation after a successful completion. The message
// slot is already counted by the reserve; only the independent file_upload
// counter advances here when the message carried attachments. Commit
// failures are logged, never surfaced: the turn already succeeded.
func (l *Ledger) Commit(ctx context.Context, id models.Identity, hadAttachments bool) {
	if !hadAttachments {
		return
	}
	if id.Kind != models.IdentityAuthenticated {
		// Guests only carry the message counter.
		return
	}
	if _, err := l.store.Incr(ctx, l.uploadKey(id), l.ttl()); err != nil {
		log.Printf("quota upload commit failed: %v", err)
	}
}

// Release gives back a reserved slot after a failed completion so the
// caller is not charged for a failed generation.
func (l *Ledger) Release(ctx context.Context, id models.Identity) {
	switch id.Kind {
	case models.IdentityAuthenticated:
		if err := l.store.ReleaseSlot(ctx, l.messageKey(id)); err != nil {
			log.Printf("quota release failed: %v", err)
		}
	case models.IdentityGuest:
		if id.Guest == nil || id.Guest.Fallback {
			return
		}
		if err := l.guests.ReleaseGuestSlot(ctx, id.Guest.SessionToken); err != nil {
			log.Printf("guest quota release failed: %v", err)
		}
	}
}

// Usage reads the current counter without reserving.
func (l *Ledger) Usage(ctx context.Context, id models.Identity) (models.QuotaState, error) {
	switch id.Kind {
	case models.IdentityAuthenticated:
		limit := l.limits.LimitFor(string(id.Role))
		count, err := l.store.Current(ctx, l.messageKey(id))
		if err != nil {
			return models.QuotaState{Limit: limit}, err
		}
		return models.QuotaState{MessageCount: count, Limit: limit}, nil
	case models.IdentityGuest:
		if id.Guest == nil {
			return models.QuotaState{}, ErrNotSendable
		}
		return models.QuotaState{
			MessageCount: id.Guest.MessageCount,
			Limit:        id.Guest.MaxMessages,
		}, nil
	default:
		return models.QuotaState{}, ErrNotSendable
	}
}

func (l *Ledger) messageKey(id models.Identity) string {
	return fmt.Sprintf("quota:msg:%d:%s", id.UserID, l.day())
}

func (l *Ledger) uploadKey(id models.Identity) string {
	return fmt.Sprintf("quota:upload:%d:%s", id.UserID, l.day())
}

func (l *Ledger) day() string {
	return l.now().UTC().Format("20060102")
}

// ttl keeps daily counters alive until shortly after the period rollover.
func (l *Ledger) ttl() time.Duration {
	now := l.now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return midnight.Sub(now) + time.Hour
}
