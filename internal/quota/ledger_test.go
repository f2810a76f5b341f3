package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/guest"
	"chatrelay/internal/models"
)

func testLimits() config.QuotaConfig {
	return config.QuotaConfig{
		GuestDailyLimit: 5,
		UserDailyLimit:  3,
		AdminDailyLimit: 0,
	}
}

func authedIdentity(userID int64) models.Identity {
	return models.Identity{
		Kind:     models.IdentityAuthenticated,
		UserID:   userID,
		Role:     models.UserRoleUser,
		IsActive: true,
	}
}

func TestLedgerEnforcesLimit(t *testing.T) {
	ledger := NewLedger(NewMemoryCounterStore(), nil, testLimits())
	id := authedIdentity(1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := ledger.CheckAndReserve(ctx, id)
		if err != nil {
			t.Fatalf("CheckAndReserve %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("reservation %d denied below limit", i)
		}
	}
	decision, err := ledger.CheckAndReserve(ctx, id)
	if err != nil {
		t.Fatalf("CheckAndReserve over limit: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial at the limit")
	}
	if decision.State.MessageCount != 3 || decision.State.Limit != 3 {
		t.Fatalf("unexpected state: %+v", decision.State)
	}
}

func TestLedgerConcurrentReservations(t *testing.T) {
	limits := testLimits()
	limits.UserDailyLimit = 5
	ledger := NewLedger(NewMemoryCounterStore(), nil, limits)
	id := authedIdentity(2)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := ledger.CheckAndReserve(ctx, id)
			if err != nil {
				t.Errorf("CheckAndReserve: %v", err)
				return
			}
			allowed <- decision.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	var granted int
	for ok := range allowed {
		if ok {
			granted++
		}
	}
	if granted != 5 {
		t.Fatalf("expected exactly 5 grants, got %d", granted)
	}
}

func TestLedgerReleaseRestoresSlot(t *testing.T) {
	limits := testLimits()
	limits.UserDailyLimit = 1
	ledger := NewLedger(NewMemoryCounterStore(), nil, limits)
	id := authedIdentity(3)
	ctx := context.Background()

	if d, _ := ledger.CheckAndReserve(ctx, id); !d.Allowed {
		t.Fatalf("first reservation denied")
	}
	if d, _ := ledger.CheckAndReserve(ctx, id); d.Allowed {
		t.Fatalf("second reservation granted beyond limit")
	}
	ledger.Release(ctx, id)
	if d, _ := ledger.CheckAndReserve(ctx, id); !d.Allowed {
		t.Fatalf("reservation denied after release")
	}
}

func TestLedgerAdminUnlimited(t *testing.T) {
	ledger := NewLedger(NewMemoryCounterStore(), nil, testLimits())
	id := authedIdentity(4)
	id.Role = models.UserRoleAdmin
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		decision, err := ledger.CheckAndReserve(ctx, id)
		if err != nil || !decision.Allowed {
			t.Fatalf("admin reservation %d denied: %+v err=%v", i, decision, err)
		}
	}
}

func TestLedgerCommitUploadsCounter(t *testing.T) {
	store := NewMemoryCounterStore()
	ledger := NewLedger(store, nil, testLimits())
	fixed := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }
	id := authedIdentity(5)
	ctx := context.Background()

	ledger.Commit(ctx, id, false)
	if count, _ := store.Current(ctx, ledger.uploadKey(id)); count != 0 {
		t.Fatalf("upload counter moved without attachments: %d", count)
	}
	ledger.Commit(ctx, id, true)
	if count, _ := store.Current(ctx, ledger.uploadKey(id)); count != 1 {
		t.Fatalf("upload counter = %d, want 1", count)
	}
	// Commit never touches the message counter; the reserve already did.
	if count, _ := store.Current(ctx, ledger.messageKey(id)); count != 0 {
		t.Fatalf("message counter moved on commit: %d", count)
	}
}

type failingStore struct{}

func (failingStore) ReserveSlot(context.Context, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, errors.New("store down")
}
func (failingStore) ReleaseSlot(context.Context, string) error { return errors.New("store down") }
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (failingStore) Current(context.Context, string) (int64, error) {
	return 0, errors.New("store down")
}

func TestLedgerFailOpenOnStoreError(t *testing.T) {
	ledger := NewLedger(failingStore{}, nil, testLimits())
	decision, err := ledger.CheckAndReserve(context.Background(), authedIdentity(6))
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if !decision.Allowed || !decision.Degraded {
		t.Fatalf("expected degraded admission, got %+v", decision)
	}
}

type fakeGuestCounter struct {
	session *models.GuestSession
	granted bool
	err     error

	released int
}

func (f *fakeGuestCounter) ReserveGuestSlot(context.Context, string) (*models.GuestSession, bool, error) {
	return f.session, f.granted, f.err
}

func (f *fakeGuestCounter) ReleaseGuestSlot(context.Context, string) error {
	f.released++
	return nil
}

func TestLedgerGuestReservation(t *testing.T) {
	gs := &models.GuestSession{SessionToken: "tok", MessageCount: 4, MaxMessages: 5}
	guests := &fakeGuestCounter{session: gs, granted: true}
	ledger := NewLedger(NewMemoryCounterStore(), guests, testLimits())
	id := models.Identity{Kind: models.IdentityGuest, Guest: gs}

	decision, err := ledger.CheckAndReserve(context.Background(), id)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if !decision.Allowed || decision.Guest != gs {
		t.Fatalf("unexpected guest decision: %+v", decision)
	}

	ledger.Release(context.Background(), id)
	if guests.released != 1 {
		t.Fatalf("guest release count = %d, want 1", guests.released)
	}
}

func TestLedgerGuestFailOpen(t *testing.T) {
	gs := &models.GuestSession{SessionToken: "tok", MaxMessages: 5}
	guests := &fakeGuestCounter{err: errors.New("store down")}
	ledger := NewLedger(NewMemoryCounterStore(), guests, testLimits())
	id := models.Identity{Kind: models.IdentityGuest, Guest: gs}

	decision, err := ledger.CheckAndReserve(context.Background(), id)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if !decision.Allowed || !decision.Degraded {
		t.Fatalf("expected degraded guest admission, got %+v", decision)
	}
	if decision.Guest == nil || !decision.Guest.Fallback {
		t.Fatalf("expected fallback guest session, got %+v", decision.Guest)
	}

	// A fallback session is not persisted, so release must not reach the store.
	ledger.Release(context.Background(), models.Identity{Kind: models.IdentityGuest, Guest: decision.Guest})
	if guests.released != 0 {
		t.Fatalf("release reached store for fallback session")
	}
}

func TestLedgerGuestMissingSessionDenied(t *testing.T) {
	gs := &models.GuestSession{SessionToken: "tok", MaxMessages: 5}
	guests := &fakeGuestCounter{err: guest.ErrNotFound}
	ledger := NewLedger(NewMemoryCounterStore(), guests, testLimits())
	id := models.Identity{Kind: models.IdentityGuest, Guest: gs}

	// A session that expired between resolution and reservation is a
	// definitive miss, not a store outage: deny instead of failing open.
	decision, err := ledger.CheckAndReserve(context.Background(), id)
	if !errors.Is(err, ErrNotSendable) {
		t.Fatalf("expected ErrNotSendable, got %v (decision %+v)", err, decision)
	}
	if decision.Allowed || decision.Degraded {
		t.Fatalf("vanished session admitted: %+v", decision)
	}
}

func TestLedgerRejectsNoneIdentity(t *testing.T) {
	ledger := NewLedger(NewMemoryCounterStore(), nil, testLimits())
	if _, err := ledger.CheckAndReserve(context.Background(), models.Identity{Kind: models.IdentityNone}); !errors.Is(err, ErrNotSendable) {
		t.Fatalf("expected ErrNotSendable, got %v", err)
	}
}
