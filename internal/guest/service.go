package guest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"chatrelay/internal/models"
)

const (
	// SessionTTL is how long a guest session lives from creation.
	SessionTTL = 24 * time.Hour

	// CookieName carries the opaque guest token.
	CookieName = "guest_token"

	// HeaderName is the header alternative to the cookie.
	HeaderName = "X-Guest-Token"
)

// ErrNotFound reports a missing or expired guest session.
var ErrNotFound = errors.New("guest session not found")

// Service manages guest sessions: opaque-token issuance, message counting,
// expiry, and the degraded fallback used when the store is unreachable.
type Service struct {
	db          *sql.DB
	maxMessages int64
}

func NewService(db *sql.DB, maxMessages int64) *Service {
	if maxMessages <= 0 {
		maxMessages = 5
	}
	return &Service{db: db, maxMessages: maxMessages}
}

// Create mints a new guest session and persists it.
func (s *Service) Create(ctx context.Context) (*models.GuestSession, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(SessionTTL)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO guest_sessions (session_token, message_count, max_messages, created_at, expires_at)
		 VALUES (?, 0, ?, ?, ?)`,
		token, s.maxMessages, now, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create guest session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("guest session id: %w", err)
	}
	return &models.GuestSession{
		ID:           id,
		SessionToken: token,
		MessageCount: 0,
		MaxMessages:  s.maxMessages,
		ExpiresAt:    expiresAt,
	}, nil
}

// Verify looks up a session by token. Expired sessions are purged and
// reported as not found; tokens are opaque so there is nothing to decode.
func (s *Service) Verify(ctx context.Context, token string) (*models.GuestSession, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var gs models.GuestSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_token, message_count, max_messages, expires_at
		 FROM guest_sessions WHERE session_token = ?`, token,
	).Scan(&gs.ID, &gs.SessionToken, &gs.MessageCount, &gs.MaxMessages, &gs.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup guest session: %w", err)
	}
	if time.Now().UTC().After(gs.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM guest_sessions WHERE session_token = ?`, token)
		return nil, ErrNotFound
	}
	return &gs, nil
}

// ReserveGuestSlot atomically takes one message slot with a conditional
// update, so two concurrent requests cannot both take the last slot. The
// bool result reports whether the slot was granted.
func (s *Service) ReserveGuestSlot(ctx context.Context, token string) (*models.GuestSession, bool, error) {
	gs, err := s.Verify(ctx, token)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE guest_sessions SET message_count = message_count + 1
		 WHERE session_token = ? AND message_count < max_messages AND expires_at > ?`,
		token, time.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("reserve guest slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("guest slot rows affected: %w", err)
	}
	if affected == 0 {
		return gs, false, nil
	}
	gs.MessageCount++
	return gs, true, nil
}

// ReleaseGuestSlot returns a reserved slot after a failed completion.
func (s *Service) ReleaseGuestSlot(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE guest_sessions SET message_count = message_count - 1
		 WHERE session_token = ? AND message_count > 0`, token,
	)
	if err != nil {
		return fmt.Errorf("release guest slot: %w", err)
	}
	return nil
}

// CreateOrFallback mints a session, degrading to a non-persisted fallback
// session when the store is unreachable so the visitor can still chat.
func (s *Service) CreateOrFallback(ctx context.Context) *models.GuestSession {
	gs, err := s.Create(ctx)
	if err == nil {
		return gs
	}
	log.Printf("guest session create degraded: %v", err)
	token, terr := generateToken()
	if terr != nil {
		token = fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return s.BuildFallbackSession(token)
}

// VerifyOrFallback resolves the token, degrading to a synthetic fallback
// session when the store is unreachable. A missing or expired token is a
// real miss, not a degradation.
func (s *Service) VerifyOrFallback(ctx context.Context, token string) (*models.GuestSession, error) {
	gs, err := s.Verify(ctx, token)
	if err == nil {
		return gs, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	log.Printf("guest session verify degraded: %v", err)
	return s.BuildFallbackSession(token), nil
}

// BuildFallbackSession is the single constructor for degraded-mode guest
// sessions. It mirrors the persisted shape exactly; Fallback is the only
// signal callers get.
func (s *Service) BuildFallbackSession(token string) *models.GuestSession {
	return &models.GuestSession{
		SessionToken: token,
		MessageCount: 0,
		MaxMessages:  s.maxMessages,
		ExpiresAt:    time.Now().UTC().Add(SessionTTL),
		Fallback:     true,
	}
}

// CleanupExpired removes expired guest sessions; run periodically.
func (s *Service) CleanupExpired(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM guest_sessions WHERE expires_at <= ?`, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("cleanup guest sessions: %w", err)
	}
	return nil
}

// StartCleaner purges expired guest sessions on the given interval until
// the context is cancelled.
func (s *Service) StartCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.CleanupExpired(context.Background()); err != nil {
					log.Printf("cleanup guest sessions error: %v", err)
				}
			}
		}
	}()
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
