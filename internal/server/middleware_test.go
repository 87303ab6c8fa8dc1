package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shulchan/shulchan/internal/auth"
	"github.com/shulchan/shulchan/internal/ctxutil"
)

func TestCORSMiddlewareWildcard(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsMiddleware([]string{"*.shulchan.app"}, inner)

	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.shulchan.app", true},
		{"https://admin.shulchan.app", true},
		{"https://evil.example.com", false},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
		req.Header.Set("Origin", c.origin)
		handler.ServeHTTP(rec, req)

		got := rec.Header().Get("Access-Control-Allow-Origin") == c.origin
		if got != c.want {
			t.Errorf("origin %q: allowed=%v, want %v", c.origin, got, c.want)
		}
	}
}

func TestOriginAllowedMatchesCORSMiddleware(t *testing.T) {
	allowed := []string{"https://app.shulchan.app", "*.example.com"}
	if !originAllowed(allowed, "https://app.shulchan.app") {
		t.Error("expected exact origin to be allowed")
	}
	if !originAllowed(allowed, "https://sub.example.com") {
		t.Error("expected wildcard suffix origin to be allowed")
	}
	if originAllowed(allowed, "https://evil.com") {
		t.Error("expected unlisted origin to be rejected")
	}
}

func TestSessionClaimsFromRequest_CookieTakesPrecedence(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	cookieToken, _, err := mgr.IssueToken("session-cookie", "")
	if err != nil {
		t.Fatalf("issue cookie token: %v", err)
	}
	bearerTok, _, err := mgr.IssueToken("session-bearer", "")
	if err != nil {
		t.Fatalf("issue bearer token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: cookieToken})
	req.Header.Set("Authorization", "Bearer "+bearerTok)

	claims, source := sessionClaimsFromRequest(req, mgr)
	if claims == nil {
		t.Fatal("expected claims, got nil")
	}
	if source != "cookie" {
		t.Errorf("source = %q, want cookie", source)
	}
	if claims.SessionID != "session-cookie" {
		t.Errorf("sessionID = %q, want session-cookie", claims.SessionID)
	}
}

func TestSessionClaimsFromRequest_FallsBackToBearer(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	bearerTok, _, err := mgr.IssueToken("session-bearer", "")
	if err != nil {
		t.Fatalf("issue bearer token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+bearerTok)

	claims, source := sessionClaimsFromRequest(req, mgr)
	if claims == nil {
		t.Fatal("expected claims, got nil")
	}
	if source != "bearer" {
		t.Errorf("source = %q, want bearer", source)
	}
}

func TestSessionClaimsFromRequest_NoCredential(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
	claims, source := sessionClaimsFromRequest(req, mgr)
	if claims != nil || source != "" {
		t.Errorf("expected no claims, got %+v / %q", claims, source)
	}
}

func TestRequireAuthMiddleware_RejectsMissingCredential(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := requireAuthMiddleware(mgr, nil, inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/search/abc/result", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthMiddleware_AcceptsServiceAPIKey(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	hash, err := auth.HashSecret("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	svcKeys := auth.NewServiceKeyVerifier(map[string]string{"ingest-bot": hash})

	var gotSessionID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSessionID = ctxutil.ClaimsFromContext(r.Context()).SessionID
		w.WriteHeader(http.StatusOK)
	})
	handler := requireAuthMiddleware(mgr, svcKeys, inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/search/abc/result", nil)
	req.Header.Set("Authorization", "ApiKey correct-horse-battery-staple")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotSessionID != "svc:ingest-bot" {
		t.Errorf("session id = %q, want svc:ingest-bot", gotSessionID)
	}
}

func TestRequireAuthMiddleware_RejectsWrongServiceAPIKey(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	hash, err := auth.HashSecret("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	svcKeys := auth.NewServiceKeyVerifier(map[string]string{"ingest-bot": hash})

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := requireAuthMiddleware(mgr, svcKeys, inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/search/abc/result", nil)
	req.Header.Set("Authorization", "ApiKey wrong-secret")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequestIDMiddleware_RejectsInvalidClientID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "not\x00printable")
	handler.ServeHTTP(rec, req)

	if seen == "" || seen == "not\x00printable" {
		t.Errorf("expected a freshly generated request ID, got %q", seen)
	}
}
