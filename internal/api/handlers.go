package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/auth"
	"chatrelay/internal/guest"
	"chatrelay/internal/models"
	"chatrelay/internal/quota"
	"chatrelay/internal/service/assistant"
)

// Handler wires HTTP routes to the chat pipeline and account services.
type Handler struct {
	orchestrator *Orchestrator
	assistant    *assistant.Service
	auth         *auth.Service
	guests       *guest.Service
	ledger       *quota.Ledger
}

// NewHandler constructs a Handler instance.
func NewHandler(orch *Orchestrator, store *assistant.Service, authService *auth.Service, guests *guest.Service, ledger *quota.Ledger) *Handler {
	return &Handler{
		orchestrator: orch,
		assistant:    store,
		auth:         authService,
		guests:       guests,
		ledger:       ledger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.Use(h.auth.ResolveIdentity(h.guests))

	api.POST("/chat", h.chat)
	api.POST("/chat/continue", h.continueChat)
	api.GET("/quota", h.quotaUsage)

	api.POST("/guest/session", h.createGuestSession)
	api.GET("/guest/session", h.verifyGuestSession)

	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	account := api.Group("", auth.RequireUser(), h.auth.CSRFMiddleware())
	account.POST("/users/logout", h.logoutUser)
	account.DELETE("/users/me", h.deleteUser)
	account.GET("/sessions", h.getSessionList)
	account.GET("/sessions/:session_id/messages", h.getSessionMessages)
	account.DELETE("/sessions/:session_id", h.deleteSession)
}

// chat runs the full request pipeline. Identity resolution never rejects;
// the pipeline decides what the caller may do.
func (h *Handler) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &ChatResponse{
			Success:   false,
			Error:     "invalid request body",
			ErrorType: KindValidation,
		})
		return
	}
	id, _ := auth.IdentityFromContext(c)
	resp := h.orchestrator.Run(c.Request.Context(), id, req)
	h.writeChatResponse(c, resp)
}

func (h *Handler) continueChat(c *gin.Context) {
	var req struct {
		SessionID int64 `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &ChatResponse{
			Success:   false,
			Error:     "invalid request body",
			ErrorType: KindValidation,
		})
		return
	}
	id, _ := auth.IdentityFromContext(c)
	resp := h.orchestrator.RunContinuation(c.Request.Context(), id, req.SessionID)
	h.writeChatResponse(c, resp)
}

func (h *Handler) writeChatResponse(c *gin.Context, resp *ChatResponse) {
	if resp.Success {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(httpStatus(resp.ErrorType), resp)
}

func (h *Handler) quotaUsage(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	if !id.IsSendable() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "a login or guest session is required"})
		return
	}
	state, err := h.ledger.Usage(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read quota usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messageCount":   state.MessageCount,
		"limit":          state.Limit,
		"remainingQuota": state.Remaining(),
	})
}

// Guest session endpoints. Infrastructure failures degrade to a fallback
// session instead of erroring so the guest experience stays uninterrupted.

func (h *Handler) createGuestSession(c *gin.Context) {
	gs := h.guests.CreateOrFallback(c.Request.Context())
	h.setGuestCookie(c, gs)
	c.JSON(http.StatusCreated, guestSessionPayload(gs))
}

func (h *Handler) verifyGuestSession(c *gin.Context) {
	token := c.GetHeader(guest.HeaderName)
	if token == "" {
		if cookieToken, err := c.Cookie(guest.CookieName); err == nil {
			token = cookieToken
		}
	}
	if token == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "guest session not found"})
		return
	}
	gs, err := h.guests.VerifyOrFallback(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "guest session not found"})
		return
	}
	c.JSON(http.StatusOK, guestSessionPayload(gs))
}

func guestSessionPayload(gs *models.GuestSession) gin.H {
	return gin.H{
		"success":           true,
		"id":                gs.ID,
		"sessionToken":      gs.SessionToken,
		"messageCount":      gs.MessageCount,
		"maxMessages":       gs.MaxMessages,
		"remainingMessages": gs.Remaining(),
		"expiresAt":         gs.ExpiresAt,
		"fallback":          gs.Fallback,
	}
}

func (h *Handler) setGuestCookie(c *gin.Context, gs *models.GuestSession) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     guest.CookieName,
		Value:    gs.SessionToken,
		MaxAge:   int(time.Until(gs.ExpiresAt).Seconds()),
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// User account endpoints.

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        user.ID,
		"username":  user.Username,
		"role":      user.Role,
		"createdAt": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":        user.ID,
		"username":  user.Username,
		"role":      user.Role,
		"createdAt": user.CreatedAt,
		"authToken": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.assistant.DeleteUser(c.Request.Context(), id.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// Session endpoints.

func (h *Handler) getSessionList(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	sessions, err := h.assistant.ListSessions(c.Request.Context(), id.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessionList": sessions})
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	session, messages, err := h.assistant.GetSessionWithMessages(c.Request.Context(), id.UserID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if err := h.assistant.DeleteSession(c.Request.Context(), id.UserID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Cookie helpers.

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
