package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/redis"
)

// Service issues, validates, and revokes user authentication tokens, and
// resolves request credentials into an Identity.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime.
// The cache client is optional; without it every validation hits the db.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken mints a new random token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, userID, now, expiresAt,
		)
		if err == nil {
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// tokenIdentity is the cached shape of a validated token.
type tokenIdentity struct {
	UserID   int64           `json:"user_id"`
	Role     models.UserRole `json:"role"`
	IsActive bool            `json:"is_active"`
}

// ValidateToken verifies the token exists and has not expired, returning
// the authenticated identity. Any verification failure yields an error;
// callers decide whether that is fatal (ResolveIdentity never treats it so).
func (s *Service) ValidateToken(ctx context.Context, authToken string) (models.Identity, error) {
	if authToken == "" {
		return models.Identity{Kind: models.IdentityNone}, errors.New("token required")
	}
	if id, ok := s.cachedIdentity(ctx, authToken); ok {
		return id, nil
	}

	var (
		ti      tokenIdentity
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT t.user_id, t.expires_at, u.role, u.is_active
		 FROM user_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token = ?`, authToken,
	).Scan(&ti.UserID, &expires, &ti.Role, &ti.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Identity{Kind: models.IdentityNone}, errors.New("invalid token")
		}
		return models.Identity{Kind: models.IdentityNone}, fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return models.Identity{Kind: models.IdentityNone}, errors.New("token expired")
	}
	s.cacheIdentity(ctx, authToken, ti, time.Until(expires))
	return models.Identity{
		Kind:     models.IdentityAuthenticated,
		UserID:   ti.UserID,
		Role:     ti.Role,
		IsActive: ti.IsActive,
	}, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	s.dropCachedIdentity(ctx, authToken)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE user_id = ?`, userID)
	if err == nil {
		for rows.Next() {
			var token string
			if rows.Scan(&token) == nil {
				s.dropCachedIdentity(ctx, token)
			}
		}
		rows.Close()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func (s *Service) cachedIdentity(ctx context.Context, token string) (models.Identity, bool) {
	if s.cache == nil {
		return models.Identity{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(token))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("auth cache read failed: %v", err)
		}
		return models.Identity{}, false
	}
	var ti tokenIdentity
	if err := json.Unmarshal([]byte(raw), &ti); err != nil {
		log.Printf("auth cache decode failed: %v", err)
		return models.Identity{}, false
	}
	return models.Identity{
		Kind:     models.IdentityAuthenticated,
		UserID:   ti.UserID,
		Role:     ti.Role,
		IsActive: ti.IsActive,
	}, true
}

func (s *Service) cacheIdentity(ctx context.Context, token string, ti tokenIdentity, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(ti)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(token), data, ttl); err != nil {
		log.Printf("auth cache write failed: %v", err)
	}
}

func (s *Service) dropCachedIdentity(ctx context.Context, token string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(token)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("auth cache invalidate failed: %v", err)
	}
}

func cacheKey(token string) string {
	return "auth:token:" + token
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
