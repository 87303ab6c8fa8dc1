package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shulchan/shulchan/internal/auth"
	"github.com/shulchan/shulchan/internal/ctxutil"
	"github.com/shulchan/shulchan/internal/jobstore"
	"github.com/shulchan/shulchan/internal/push"
)

// unavailableStore reports IsAvailable=false and otherwise delegates
// nothing, standing in for a jobstore backend that has lost its
// connection (spec §6 bootstrap 503 path).
type unavailableStore struct{ jobstore.Store }

func (unavailableStore) IsAvailable(context.Context) bool { return false }

func newTestHandlers(t *testing.T, store jobstore.Store) (*Handlers, *auth.JWTManager) {
	t.Helper()
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	h := NewHandlers(HandlersDeps{
		JWTMgr:              mgr,
		Tickets:             push.NewMemoryTicketService(),
		Store:               store,
		JWTExpiration:       time.Hour,
		PushTicketTTL:       30 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
	})
	return h, mgr
}

func TestHandleAuthToken(t *testing.T) {
	h, _ := newTestHandlers(t, jobstore.NewMemoryStore(time.Hour))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	h.HandleAuthToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Token == "" || body.SessionID == "" {
		t.Errorf("expected non-empty token and sessionId, got %+v", body)
	}
}

func TestHandleAuthBootstrap_StoreAvailable(t *testing.T) {
	h, _ := newTestHandlers(t, jobstore.NewMemoryStore(time.Hour))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/bootstrap", nil)
	h.HandleAuthBootstrap(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body bootstrapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body.OK || body.SessionID == "" {
		t.Errorf("expected ok=true and sessionId, got %+v", body)
	}
	if got := rec.Result().Cookies(); len(got) == 0 {
		t.Error("expected a session cookie to be set")
	}
}

func TestHandleAuthBootstrap_StoreUnavailable(t *testing.T) {
	h, _ := newTestHandlers(t, unavailableStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/bootstrap", nil)
	h.HandleAuthBootstrap(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body bootstrapUnavailable
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Code != "SESSION_STORE_UNAVAILABLE" {
		t.Errorf("code = %q, want SESSION_STORE_UNAVAILABLE", body.Code)
	}
}

func TestHandleWhoAmI_Unauthenticated(t *testing.T) {
	h, _ := newTestHandlers(t, jobstore.NewMemoryStore(time.Hour))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
	h.HandleWhoAmI(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when unauthenticated", rec.Code)
	}
	var body whoamiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Authenticated {
		t.Error("expected authenticated=false")
	}
}

func TestHandleWhoAmI_Authenticated(t *testing.T) {
	h, mgr := newTestHandlers(t, jobstore.NewMemoryStore(time.Hour))
	token, _, err := mgr.IssueToken("sess-1", "user-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.HandleWhoAmI(rec, req)

	var body whoamiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body.Authenticated || body.SessionID != "sess-1" || body.AuthSource != "bearer" {
		t.Errorf("unexpected whoami body: %+v", body)
	}
}

func TestHandleWSTicket_RespectsMaxTTL(t *testing.T) {
	h, mgr := newTestHandlers(t, jobstore.NewMemoryStore(time.Hour))
	h.pushTicketTTL = 10 * time.Minute // deliberately over the spec's 60s ceiling

	token, _, err := mgr.IssueToken("sess-1", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/ws-ticket", nil)
	req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{SessionID: "sess-1"}))
	req.Header.Set("Authorization", "Bearer "+token)
	h.HandleWSTicket(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body wsTicketResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Ticket == "" {
		t.Error("expected non-empty ticket")
	}
	if body.TTLSeconds > 60 {
		t.Errorf("ttlSeconds = %d, want <= 60 (spec §6 ceiling)", body.TTLSeconds)
	}
}
