package guest

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestGuestCreateAndVerify(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, 5)
	ctx := context.Background()

	gs, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if gs.SessionToken == "" || gs.MessageCount != 0 || gs.MaxMessages != 5 {
		t.Fatalf("unexpected session shape: %+v", gs)
	}
	if gs.Fallback {
		t.Fatalf("persisted session flagged as fallback")
	}

	got, err := svc.Verify(ctx, gs.SessionToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.ID != gs.ID {
		t.Fatalf("verify returned session %d, want %d", got.ID, gs.ID)
	}
	if _, err := svc.Verify(ctx, "no-such-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGuestReserveExhaustsAllowance(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, 2)
	ctx := context.Background()

	gs, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 2; i++ {
		_, granted, err := svc.ReserveGuestSlot(ctx, gs.SessionToken)
		if err != nil || !granted {
			t.Fatalf("reserve %d: granted=%v err=%v", i, granted, err)
		}
	}
	state, granted, err := svc.ReserveGuestSlot(ctx, gs.SessionToken)
	if err != nil {
		t.Fatalf("reserve over limit: %v", err)
	}
	if granted {
		t.Fatalf("reservation granted beyond max_messages")
	}
	if state.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", state.MessageCount)
	}

	if err := svc.ReleaseGuestSlot(ctx, gs.SessionToken); err != nil {
		t.Fatalf("ReleaseGuestSlot: %v", err)
	}
	if _, granted, _ := svc.ReserveGuestSlot(ctx, gs.SessionToken); !granted {
		t.Fatalf("reservation denied after release")
	}
}

func TestGuestExpiredSessionPurged(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, 5)
	ctx := context.Background()

	gs, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	expired := time.Now().UTC().Add(-time.Minute)
	if _, err := db.Exec(`UPDATE guest_sessions SET expires_at = ? WHERE id = ?`, expired, gs.ID); err != nil {
		t.Fatalf("expire session: %v", err)
	}

	if _, err := svc.Verify(ctx, gs.SessionToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired session, got %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM guest_sessions WHERE id = ?`, gs.ID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired session not purged")
	}
}

func TestGuestVerifyOrFallbackDegrades(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, 5)
	ctx := context.Background()

	gs, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Unreachable store degrades to a fallback session, not an error.
	db.Close()

	got, err := svc.VerifyOrFallback(ctx, gs.SessionToken)
	if err != nil {
		t.Fatalf("VerifyOrFallback: %v", err)
	}
	if !got.Fallback {
		t.Fatalf("expected fallback session, got %+v", got)
	}
	if got.SessionToken != gs.SessionToken || got.MaxMessages != 5 {
		t.Fatalf("fallback shape drifted: %+v", got)
	}
}

func TestGuestCreateOrFallbackDegrades(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, 5)
	db.Close()

	gs := svc.CreateOrFallback(context.Background())
	if gs == nil || !gs.Fallback {
		t.Fatalf("expected fallback session, got %+v", gs)
	}
	if gs.SessionToken == "" {
		t.Fatalf("fallback session missing token")
	}
}

func TestGuestCleanupExpired(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, 5)
	ctx := context.Background()

	gs, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := db.Exec(`UPDATE guest_sessions SET expires_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), gs.ID); err != nil {
		t.Fatalf("expire session: %v", err)
	}
	if err := svc.CleanupExpired(ctx); err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM guest_sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired sessions remain: %d", count)
	}
}
