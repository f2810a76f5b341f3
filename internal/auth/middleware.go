package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/guest"
	"chatrelay/internal/models"
)

const identityContextKey = "resolved_identity"
const authTokenContextKey = "auth_token"

// ResolveIdentity resolves request credentials into an Identity and stores
// it in the context. It never aborts: verification failure only removes
// elevated privileges, yielding a guest (when a valid guest token is
// supplied) or no identity at all.
func (s *Service) ResolveIdentity(guests *guest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := models.Identity{Kind: models.IdentityNone}

		if authToken := s.extractToken(c); authToken != "" {
			if id, err := s.ValidateToken(c.Request.Context(), authToken); err == nil {
				identity = id
				c.Set(authTokenContextKey, authToken)
			}
		}

		// A request without usable bearer credentials may still carry a
		// guest token and be guest-quota eligible. An inactive account is
		// unauthenticated for sending, so it falls through here too.
		if !identity.IsSendable() && guests != nil {
			if token := extractGuestToken(c); token != "" {
				if gs, err := guests.VerifyOrFallback(c.Request.Context(), token); err == nil {
					identity = models.Identity{Kind: models.IdentityGuest, Guest: gs}
				}
			}
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}

// RequireUser aborts unless the context carries an active authenticated
// identity. Account-management routes use this; the chat pipeline does not.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromContext(c)
		if !ok || id.Kind != models.IdentityAuthenticated || !id.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Next()
	}
}

// CSRFMiddleware guards mutating cookie-authenticated requests with a
// double-submit token: the value set alongside the auth cookie must come
// back in the request header and match. Bearer requests skip the check,
// since a cross-site page cannot attach an Authorization header.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if strings.HasPrefix(strings.ToLower(c.GetHeader(s.headerName)), "bearer ") {
			c.Next()
			return
		}
		header := c.GetHeader(s.csrfHeaderName)
		cookie, err := c.Cookie(s.csrfCookieName)
		if err != nil || header == "" || header != cookie {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

// IdentityFromContext retrieves the resolved identity.
func IdentityFromContext(c *gin.Context) (models.Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return models.Identity{Kind: models.IdentityNone}, false
	}
	id, ok := val.(models.Identity)
	return id, ok
}

// AuthTokenFromContext retrieves the bearer token captured during resolution.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}

func extractGuestToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader(guest.HeaderName)); token != "" {
		return token
	}
	if token, err := c.Cookie(guest.CookieName); err == nil && token != "" {
		return token
	}
	return ""
}
