package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/guest"
	"chatrelay/internal/models"
)

type echoedIdentity struct {
	Kind     string `json:"kind"`
	Sendable bool   `json:"sendable"`
}

func identityEchoRouter(t *testing.T, svc *Service, guests *guest.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/whoami", svc.ResolveIdentity(guests), func(c *gin.Context) {
		id, _ := IdentityFromContext(c)
		c.JSON(http.StatusOK, gin.H{"kind": string(id.Kind), "sendable": id.IsSendable()})
	})
	return router
}

func decodeIdentity(t *testing.T, data []byte) echoedIdentity {
	t.Helper()
	var out echoedIdentity
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode identity response: %v", err)
	}
	return out
}

func TestResolveIdentityPrefersBearer(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)
	guests := guest.NewService(db, 5)
	userID := seedUser(t, db, models.UserRoleUser, true)
	token, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	router := identityEchoRouter(t, svc, guests)
	req := httptest.NewRequest(http.MethodPost, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if id := decodeIdentity(t, rec.Body.Bytes()); id.Kind != "authenticated" || !id.Sendable {
		t.Fatalf("bearer request not resolved as authenticated: %+v", id)
	}
}

func TestResolveIdentityInactiveUserFallsBackToGuest(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)
	guests := guest.NewService(db, 5)
	userID := seedUser(t, db, models.UserRoleUser, false)
	token, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	gs, err := guests.Create(context.Background())
	if err != nil {
		t.Fatalf("create guest session: %v", err)
	}

	// An inactive account cannot send, so a supplied guest token takes
	// over instead of leaving the request identity unusable.
	router := identityEchoRouter(t, svc, guests)
	req := httptest.NewRequest(http.MethodPost, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(guest.HeaderName, gs.SessionToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if id := decodeIdentity(t, rec.Body.Bytes()); id.Kind != "guest" || !id.Sendable {
		t.Fatalf("inactive user with guest token not resolved as guest: %+v", id)
	}

	// Without the guest token the inactive identity stays non-sendable.
	req = httptest.NewRequest(http.MethodPost, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if id := decodeIdentity(t, rec.Body.Bytes()); id.Kind != "authenticated" || id.Sendable {
		t.Fatalf("expected non-sendable authenticated identity, got %+v", id)
	}
}

func TestCSRFMiddleware(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil, time.Hour)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/mutate", svc.CSRFMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	router.GET("/read", svc.CSRFMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		method string
		path   string
		setup  func(req *http.Request)
		want   int
	}{
		{
			name:   "matching token pair passes",
			method: http.MethodPost,
			path:   "/mutate",
			setup: func(req *http.Request) {
				req.Header.Set("X-CSRF-Token", "tok-1")
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok-1"})
			},
			want: http.StatusNoContent,
		},
		{
			name:   "missing header rejected",
			method: http.MethodPost,
			path:   "/mutate",
			setup: func(req *http.Request) {
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok-1"})
			},
			want: http.StatusForbidden,
		},
		{
			name:   "mismatched tokens rejected",
			method: http.MethodPost,
			path:   "/mutate",
			setup: func(req *http.Request) {
				req.Header.Set("X-CSRF-Token", "tok-1")
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok-2"})
			},
			want: http.StatusForbidden,
		},
		{
			name:   "bearer request exempt",
			method: http.MethodPost,
			path:   "/mutate",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer whatever")
			},
			want: http.StatusNoContent,
		},
		{
			name:   "safe method exempt",
			method: http.MethodGet,
			path:   "/read",
			setup:  func(*http.Request) {},
			want:   http.StatusNoContent,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
