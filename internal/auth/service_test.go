package auth

import (
	"context"
	"database/sql"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/redis"
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
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *sql.DB, role models.UserRole, active bool) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(
		`INSERT INTO users (username, password_hash, role, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		"tester", "hash", role, active, now,
	)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("seed user id: %v", err)
	}
	return id
}

func TestIssueAndValidateToken(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)
	userID := seedUser(t, db, models.UserRoleUser, true)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if token == "" {
		t.Fatalf("empty token issued")
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if id.Kind != models.IdentityAuthenticated || id.UserID != userID {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.Role != models.UserRoleUser || !id.IsActive {
		t.Fatalf("role or activity not carried: %+v", id)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)

	if _, err := svc.ValidateToken(context.Background(), "not-a-token"); err == nil {
		t.Fatalf("expected error for unknown token")
	}
	if _, err := svc.ValidateToken(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestValidatePurgesExpiredToken(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Nanosecond)
	userID := seedUser(t, db, models.UserRoleUser, true)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected expiry error")
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestRevokeToken(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)
	userID := seedUser(t, db, models.UserRoleUser, true)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("revoked token still validates")
	}
}

func TestRevokeUserTokensRemovesAll(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)
	userID := seedUser(t, db, models.UserRoleAdmin, true)
	ctx := context.Background()

	first, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("issue first token: %v", err)
	}
	second, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("issue second token: %v", err)
	}

	if err := svc.RevokeUserTokens(ctx, userID); err != nil {
		t.Fatalf("revoke user tokens: %v", err)
	}
	for _, token := range []string{first, second} {
		if _, err := svc.ValidateToken(ctx, token); err == nil {
			t.Fatalf("token %q survived user-wide revocation", token)
		}
	}
}

func TestValidateTokenUsesCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("parse TEST_REDIS_ADDR: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse redis port: %v", err)
	}
	cache, err := redis.NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port},
	})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer cache.Close()

	db := openTestDB(t)
	svc := NewService(db, cache, time.Hour)
	userID := seedUser(t, db, models.UserRoleUser, true)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err != nil {
		t.Fatalf("first validation: %v", err)
	}

	// The cached identity answers even after the backing row disappears.
	if _, err := db.Exec(`DELETE FROM user_tokens WHERE token = ?`, token); err != nil {
		t.Fatalf("delete token row: %v", err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("cached validation: %v", err)
	}
	if id.UserID != userID {
		t.Fatalf("cached identity mismatch: %+v", id)
	}

	// Revocation invalidates the cache as well.
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("revoked token still cached")
	}
}
