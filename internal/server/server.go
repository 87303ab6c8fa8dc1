package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shulchan/shulchan/internal/auth"
	"github.com/shulchan/shulchan/internal/jobstore"
	"github.com/shulchan/shulchan/internal/model"
	"github.com/shulchan/shulchan/internal/push"
	"github.com/shulchan/shulchan/internal/ratelimit"
)

// PhotoFetcher is the narrow collaborator the photo-proxy handler needs
// from internal/provider.
type PhotoFetcher interface {
	FetchPhoto(ctx context.Context, photoName string, maxWidthPx int) (contentType string, body []byte, err error)
}

// SearchRunner is the narrow collaborator the search handlers need from
// internal/orchestrator, kept as an interface (rather than a direct
// *orchestrator.Orchestrator field) so handler tests can substitute a
// fake pipeline without constructing every orchestrator stage.
type SearchRunner interface {
	Run(ctx context.Context, requestID string, query model.QueryInput) (*model.SearchResponse, error)
}

// Handlers holds every collaborator the route table dispatches to.
type Handlers struct {
	jwtMgr   *auth.JWTManager
	tickets  push.TicketService
	store    jobstore.Store
	broker   *push.Broker
	orch     SearchRunner
	provider PhotoFetcher

	sessionCookieSecure bool
	jwtExpiration       time.Duration
	pushTicketTTL       time.Duration
	maxRequestBodyBytes int64

	logger *slog.Logger
}

// HandlersDeps is the dependency bag for NewHandlers.
type HandlersDeps struct {
	JWTMgr   *auth.JWTManager
	Tickets  push.TicketService
	Store    jobstore.Store
	Broker   *push.Broker
	Orch     SearchRunner
	Provider PhotoFetcher

	SessionCookieSecure bool
	JWTExpiration       time.Duration
	PushTicketTTL       time.Duration
	MaxRequestBodyBytes int64

	Logger *slog.Logger
}

func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		jwtMgr:              d.JWTMgr,
		tickets:             d.Tickets,
		store:               d.Store,
		broker:              d.Broker,
		orch:                d.Orch,
		provider:            d.Provider,
		sessionCookieSecure: d.SessionCookieSecure,
		jwtExpiration:       d.JWTExpiration,
		pushTicketTTL:       d.PushTicketTTL,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		logger:              logger.With("component", "server"),
	}
}

// Server is the shulchan HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler, for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ServerConfig holds all dependencies and configuration for New.
type ServerConfig struct {
	JWTMgr      *auth.JWTManager
	Tickets     push.TicketService
	Store       jobstore.Store
	Broker      *push.Broker
	Orch        SearchRunner
	Provider    PhotoFetcher
	RateLimiter ratelimit.Allower
	ServiceKeys *auth.ServiceKeyVerifier
	Logger      *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
	TrustProxy          bool
	IsProduction        bool
	EnableDebugRedis    bool

	JWTExpiration         time.Duration
	PushTicketTTL         time.Duration
	PushIdleTimeout       time.Duration
	SearchRateLimitPerMin int
	PhotoRateLimitPerMin  int

	// DebugRedisPing backs GET /api/v1/debug/redis; nil disables the
	// route's PING check but the route remains gated by EnableDebugRedis.
	DebugRedisPing func(ctx context.Context) error
}

// New creates a new HTTP server with every route in spec §6 wired.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		JWTMgr:              cfg.JWTMgr,
		Tickets:             cfg.Tickets,
		Store:               cfg.Store,
		Broker:              cfg.Broker,
		Orch:                cfg.Orch,
		Provider:            cfg.Provider,
		SessionCookieSecure: cfg.IsProduction,
		JWTExpiration:       cfg.JWTExpiration,
		PushTicketTTL:       cfg.PushTicketTTL,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Logger:              cfg.Logger,
	})

	mux := http.NewServeMux()

	// Auth endpoints.
	mux.Handle("POST /api/v1/auth/token", http.HandlerFunc(h.HandleAuthToken))
	mux.Handle("POST /api/v1/auth/bootstrap", http.HandlerFunc(h.HandleAuthBootstrap))
	mux.Handle("GET /api/v1/auth/whoami", http.HandlerFunc(h.HandleWhoAmI))
	mux.Handle("POST /api/v1/auth/session", requireBearerMiddleware(cfg.JWTMgr, http.HandlerFunc(h.HandleAuthSession)))
	mux.Handle("POST /api/v1/auth/ws-ticket", requireBearerMiddleware(cfg.JWTMgr, http.HandlerFunc(h.HandleWSTicket)))

	// Search + result + SSE (cookie or bearer). Auth must run before the
	// rate limiter, since searchRateLimitKey keys on the session claims
	// requireAuthMiddleware populates onto the request context.
	searchLimit := ratelimit.Rule{Prefix: "search", Limit: cfg.SearchRateLimitPerMin, Window: time.Minute}
	searchHandler := http.Handler(http.HandlerFunc(h.HandleSearch))
	if cfg.RateLimiter != nil {
		searchHandler = rateLimitMiddleware(cfg.RateLimiter, searchLimit, cfg.TrustProxy, searchRateLimitKey, searchHandler)
	}
	searchHandler = requireAuthMiddleware(cfg.JWTMgr, cfg.ServiceKeys, searchHandler)
	mux.Handle("POST /api/v1/search", searchHandler)
	mux.Handle("GET /api/v1/search/{requestId}/result", requireAuthMiddleware(cfg.JWTMgr, cfg.ServiceKeys, http.HandlerFunc(h.HandleSearchResult)))
	mux.Handle("GET /api/v1/stream/assistant/{requestId}", requireAuthMiddleware(cfg.JWTMgr, cfg.ServiceKeys, http.HandlerFunc(h.HandleStreamAssistant(cfg.PushIdleTimeout))))

	// Photos (no auth requirement named in spec; IP rate-limited).
	photoLimit := ratelimit.Rule{Prefix: "photo", Limit: cfg.PhotoRateLimitPerMin, Window: time.Minute}
	photoHandler := http.Handler(http.HandlerFunc(h.HandlePhoto))
	if cfg.RateLimiter != nil {
		photoHandler = rateLimitMiddleware(cfg.RateLimiter, photoLimit, cfg.TrustProxy, photoRateLimitKey, photoHandler)
	}
	mux.Handle("GET /api/v1/photos/places/{placeId}/photos/{photoId}", photoHandler)

	// Debug (dev-only, or explicitly enabled).
	if !cfg.IsProduction || cfg.EnableDebugRedis {
		mux.Handle("GET /api/v1/debug/redis", http.HandlerFunc(h.HandleDebugRedis(cfg.DebugRedisPing)))
	}

	// Push socket upgrade. Ticket-based handshake; origin is checked
	// against the same allowlist the HTTP CORS middleware uses (spec §6).
	wsHandler := push.NewWSHandler(cfg.Broker, cfg.Tickets, cfg.Logger, cfg.PushIdleTimeout)
	mux.Handle("/ws", wsOriginGuard(cfg.CORSAllowedOrigins, wsHandler))

	// Middleware chain (outermost executes first):
	// request ID -> security headers -> CORS -> tracing -> logging -> baggage -> recovery -> handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = baggageMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers, for tests.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// wsOriginGuard rejects a WS upgrade whose Origin header isn't on the
// allowlist before the handshake proceeds (spec §6: "Same allowlist is
// applied by the push-socket upgrade handler"). Non-browser clients that
// send no Origin header are allowed through.
func wsOriginGuard(allowedOrigins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !originAllowed(allowedOrigins, origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusAndCodeForKind maps a model.ErrorKind to the HTTP status and API
// error code the spec's error handling design (§7) mandates.
func statusAndCodeForKind(kind model.ErrorKind) (int, string) {
	switch kind {
	case model.KindInputInvalid:
		return http.StatusBadRequest, model.ErrCodeInputInvalid
	case model.KindUnauthenticated:
		return http.StatusUnauthorized, model.ErrCodeUnauthenticated
	case model.KindForbiddenHidden, model.KindNotFound:
		return http.StatusNotFound, model.ErrCodeNotFound
	case model.KindRateLimited:
		return http.StatusTooManyRequests, model.ErrCodeRateLimited
	case model.KindUpstreamTimeout:
		return http.StatusGatewayTimeout, model.ErrCodeUpstreamTimeout
	case model.KindUpstreamError:
		return http.StatusBadGateway, model.ErrCodeUpstreamError
	case model.KindLLMTimeout:
		return http.StatusGatewayTimeout, model.ErrCodeLLMTimeout
	case model.KindLLMParseError, model.KindLLMSchemaMismatch, model.KindLLMTransport:
		return http.StatusBadGateway, model.ErrCodeLLMParseError
	case model.KindStoreUnavailable:
		return http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable
	default:
		return http.StatusInternalServerError, model.ErrCodeInternal
	}
}

// resultURLFor builds the owner-facing polling URL for an async job.
func resultURLFor(requestID string) string {
	return "/api/v1/search/" + requestID + "/result"
}

// isBlank reports whether s is empty after trimming whitespace, used by
// handlers validating required string fields.
func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
