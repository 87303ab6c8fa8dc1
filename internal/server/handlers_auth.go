package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shulchan/shulchan/internal/ctxutil"
)

type tokenResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	TraceID   string `json:"traceId"`
}

// HandleAuthToken mints a brand-new session and its bearer JWT. Unlike
// every other endpoint, its success body is a flat, unwrapped JSON object
// (spec §6), not the generic APIResponse envelope.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.New().String()
	token, _, err := h.jwtMgr.IssueToken(sessionID, "")
	if err != nil {
		writeInternalError(h.logger, w, r, "issue session token", err)
		return
	}
	writeFlatJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		SessionID: sessionID,
		TraceID:   RequestIDFromContext(r.Context()),
	})
}

// HandleAuthSession exchanges a bearer token for an HttpOnly session
// cookie, so browser clients don't need to hold the JWT in JS-reachable
// storage.
func (h *Handlers) HandleAuthSession(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	token := bearerToken(r)
	if claims == nil || token == "" {
		writeInternalError(h.logger, w, r, "session issuance missing bearer claims", nil)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.sessionCookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.jwtExpiration.Seconds()),
	})
	w.WriteHeader(http.StatusOK)
}

type bootstrapResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
	TraceID   string `json:"traceId"`
}

type bootstrapUnavailable struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HandleAuthBootstrap mints a session for a client with no prior
// credentials, refusing when the job store (the session-state backend) is
// not ready rather than issuing a token nothing can later validate work
// against. Both branches write a flat, unwrapped body (spec §6).
func (h *Handlers) HandleAuthBootstrap(w http.ResponseWriter, r *http.Request) {
	if !h.store.IsAvailable(r.Context()) {
		writeFlatJSON(w, http.StatusServiceUnavailable, bootstrapUnavailable{
			Error: "Service Unavailable",
			Code:  "SESSION_STORE_UNAVAILABLE",
		})
		return
	}
	sessionID := uuid.New().String()
	token, _, err := h.jwtMgr.IssueToken(sessionID, "")
	if err != nil {
		writeInternalError(h.logger, w, r, "bootstrap session", err)
		return
	}
	// Bootstrap is the one place a session is "established" with no prior
	// credential (spec §3): set the cookie here so the client is already
	// authenticated for cookie-based routes without a separate
	// auth/session round trip.
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.sessionCookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.jwtExpiration.Seconds()),
	})
	writeFlatJSON(w, http.StatusOK, bootstrapResponse{
		OK:        true,
		SessionID: sessionID,
		TraceID:   RequestIDFromContext(r.Context()),
	})
}

type whoamiResponse struct {
	Authenticated bool   `json:"authenticated"`
	SessionID     string `json:"sessionId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	AuthSource    string `json:"authSource,omitempty"`
}

// HandleWhoAmI never 401s: an unauthenticated caller gets
// {authenticated:false} with 200, since this endpoint exists precisely so
// a client can check its own auth state without triggering an error path.
func (h *Handlers) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims, source := sessionClaimsFromRequest(r, h.jwtMgr)
	if claims == nil {
		writeFlatJSON(w, http.StatusOK, whoamiResponse{Authenticated: false})
		return
	}
	writeFlatJSON(w, http.StatusOK, whoamiResponse{
		Authenticated: true,
		SessionID:     claims.SessionID,
		UserID:        claims.UserID,
		AuthSource:    source,
	})
}

type wsTicketResponse struct {
	Ticket     string `json:"ticket"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// maxWSTicketTTL is the hard ceiling spec §6 places on a ws-ticket's
// lifetime regardless of what's configured, since the ticket is passed as
// a URL query parameter and so is more exposed (proxy logs, browser
// history) than a header-carried bearer token.
const maxWSTicketTTL = 60 * time.Second

func (h *Handlers) HandleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	ttl := h.pushTicketTTL
	if ttl <= 0 || ttl > maxWSTicketTTL {
		ttl = maxWSTicketTTL
	}
	ticket, err := h.tickets.Issue(r.Context(), claims.SessionID, claims.UserID, ttl)
	if err != nil {
		writeInternalError(h.logger, w, r, "issue ws ticket", err)
		return
	}
	writeFlatJSON(w, http.StatusOK, wsTicketResponse{
		Ticket:     ticket,
		TTLSeconds: int(ttl.Seconds()),
	})
}
