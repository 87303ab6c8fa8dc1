// Package server implements shulchan's HTTP API (spec §6): auth, search,
// SSE streaming, photo proxying, and the /ws push upgrade.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/shulchan/shulchan/internal/auth"
	"github.com/shulchan/shulchan/internal/ctxutil"
	"github.com/shulchan/shulchan/internal/model"
	"github.com/shulchan/shulchan/internal/ratelimit"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware assigns a unique request ID to each request.
// Client-supplied IDs are accepted if they are reasonable length (≤128
// chars) and contain only printable ASCII; otherwise a fresh UUID is
// generated.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !isValidRequestID(reqID) {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
			attrs = append(attrs, "session_id", claims.SessionID)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so SSE works through the middleware chain.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, enabling
// http.ResponseController and other Go 1.20+ features (Hijack,
// SetReadDeadline, etc.) to find it.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var (
	tracer           = otel.Tracer("shulchan/http")
	httpMeter        = otel.GetMeterProvider().Meter("shulchan/http")
	httpRequestCount otelmetric.Int64Counter
	httpDuration     otelmetric.Float64Histogram
)

func init() {
	var err error
	httpRequestCount, err = httpMeter.Int64Counter("http.server.request_count")
	if err != nil {
		httpRequestCount, _ = httpMeter.Int64Counter("http.server.request_count.fallback")
	}
	httpDuration, err = httpMeter.Float64Histogram("http.server.duration",
		otelmetric.WithUnit("ms"))
	if err != nil {
		httpDuration, _ = httpMeter.Float64Histogram("http.server.duration.fallback",
			otelmetric.WithUnit("ms"))
	}
}

// routePattern extracts the registered mux pattern for metrics/spans.
// Falls back to method + first two path segments if the pattern is empty.
func routePattern(r *http.Request) string {
	if pat := r.Pattern; pat != "" {
		return pat
	}
	parts := strings.SplitN(r.URL.Path, "/", 4)
	if len(parts) >= 3 {
		return r.Method + " /" + parts[1] + "/" + parts[2]
	}
	return r.Method + " " + r.URL.Path
}

// tracingMiddleware creates an OTEL span for each HTTP request and
// records request count and duration metrics, using the mux route
// pattern rather than the resolved URL path to bound cardinality.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "http.request",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

		start := time.Now()

		sw, ok := w.(*statusWriter)
		if !ok {
			sw = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		}
		next.ServeHTTP(sw, r.WithContext(ctx))

		pattern := routePattern(r)
		span.SetName(pattern)

		duration := time.Since(start)
		statusStr := strconv.Itoa(sw.statusCode)

		span.SetAttributes(attribute.Int("http.status_code", sw.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", pattern),
			attribute.String("http.status_code", statusStr),
		}

		httpRequestCount.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		httpDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
	})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// baggageMiddleware extracts the shulchan.trace_id OTEL baggage member (if
// present) and sets it as a span attribute, so a calling service can
// correlate its own trace with this request's server-side span.
func baggageMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bag := baggage.FromContext(r.Context())
		if member := bag.Member("shulchan.trace_id"); member.Value() != "" {
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attribute.String("shulchan.trace_id", member.Value()))
		}
		next.ServeHTTP(w, r)
	})
}

const sessionCookieName = "session"

// sessionClaimsFromRequest resolves session claims for a request, trying
// the session cookie before the Authorization header (spec §6 whoami:
// "Cookie takes precedence over Bearer"). Returns a nil claims and empty
// source when neither credential validates.
func sessionClaimsFromRequest(r *http.Request, jwtMgr *auth.JWTManager) (*auth.Claims, string) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if claims, err := jwtMgr.ValidateToken(cookie.Value); err == nil {
			return claims, "cookie"
		}
	}
	if tok := bearerToken(r); tok != "" {
		if claims, err := jwtMgr.ValidateToken(tok); err == nil {
			return claims, "bearer"
		}
	}
	return nil, ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// apiKeyToken extracts the credential from "Authorization: ApiKey <key>",
// the scheme server-to-server integrators use instead of a session.
func apiKeyToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "ApiKey "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// requireAuthMiddleware enforces that a request carries a valid session
// (cookie or bearer token) or, when svcKeys is configured, a valid service
// API key, and populates the claims on the request context via ctxutil. A
// service key is synthesized into claims scoped to "svc:<name>" so
// downstream job-ownership checks still key consistently per caller.
func requireAuthMiddleware(jwtMgr *auth.JWTManager, svcKeys *auth.ServiceKeyVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := sessionClaimsFromRequest(r, jwtMgr)
		if claims == nil {
			if key := apiKeyToken(r); key != "" {
				if name, ok := svcKeys.Verify(key); ok {
					claims = &auth.Claims{SessionID: "svc:" + name}
				}
			}
		}
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "missing or invalid session")
			return
		}
		ctx := ctxutil.WithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireBearerMiddleware enforces a plain Bearer token, for endpoints the
// spec marks "(Bearer)" specifically rather than "(cookie or Bearer)".
func requireBearerMiddleware(jwtMgr *auth.JWTManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "missing bearer token")
			return
		}
		claims, err := jwtMgr.ValidateToken(tok)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "invalid or expired token")
			return
		}
		ctx := ctxutil.WithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoveryMiddleware catches panics in downstream handlers, logs the
// stack trace, and returns a 500 error instead of crashing the server.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS preflight requests and sets response
// headers. allowedOrigins entries may be an exact origin, a "*.domain"
// wildcard (spec §6 "Unified allowlist ... exact or *.domain"), or a bare
// "*" (rejected in production by config.Validate, but still honoured
// here for local/dev use). Credentials are always enabled, per spec.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowAll := false
	var exact map[string]bool
	var wildcards []string
	exact = make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		switch {
		case o == "*":
			allowAll = true
		case strings.HasPrefix(o, "*."):
			wildcards = append(wildcards, strings.TrimPrefix(o, "*"))
		default:
			exact[o] = true
		}
	}

	originMatches := func(origin string) bool {
		if allowAll || exact[origin] {
			return true
		}
		u := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		for _, suffix := range wildcards {
			if strings.HasSuffix(u, suffix) {
				return true
			}
		}
		return false
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originMatches(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed backs wsOriginGuard for the /ws upgrade, which must honour
// the same allowlist outside the HTTP middleware chain (spec §6: "Same
// allowlist is applied by the push-socket upgrade handler").
func originAllowed(allowedOrigins []string, origin string) bool {
	for _, o := range allowedOrigins {
		if o == "*" {
			return true
		}
		if o == origin {
			return true
		}
		if strings.HasPrefix(o, "*.") {
			u := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
			if strings.HasSuffix(u, strings.TrimPrefix(o, "*")) {
				return true
			}
		}
	}
	return false
}

// securityHeadersMiddleware adds standard security response headers.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; font-src 'self'; object-src 'none'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the identifier rate limiting keys on: X-Forwarded-For
// when trustProxy is set (behind a known reverse proxy), otherwise
// RemoteAddr's host part.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if idx := strings.IndexByte(fwd, ','); idx >= 0 {
				return strings.TrimSpace(fwd[:idx])
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware applies rule against a per-request key derived by
// keyFunc, rejecting with 429 and standard rate-limit headers on denial.
func rateLimitMiddleware(limiter ratelimit.Allower, rule ratelimit.Rule, trustProxy bool, keyFunc func(*http.Request, bool) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := limiter.Allow(r.Context(), rule, keyFunc(r, trustProxy))
		for k, v := range result.FormatHeaders() {
			w.Header().Set(k, v)
		}
		if !result.Allowed {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// searchRateLimitKey combines IP and session so an authenticated client
// switching IPs (or sharing an IP with other sessions) still gets its own
// budget, per spec §6: "rate-limited 100/min per IP+session".
func searchRateLimitKey(r *http.Request, trustProxy bool) string {
	return clientIP(r, trustProxy) + ":" + ctxutil.SessionIDFromContext(r.Context())
}

func photoRateLimitKey(r *http.Request, trustProxy bool) string {
	return clientIP(r, trustProxy)
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	}); err != nil {
		slog.Warn("failed to encode JSON response", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
}

// writeFlatJSON writes data as a bare JSON body with no APIResponse
// envelope, for the handful of auth endpoints whose wire shape spec §6
// specifies literally (token, bootstrap, whoami, ws-ticket).
func writeFlatJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode flat JSON response", "error", err)
	}
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	}); err != nil {
		slog.Warn("failed to encode JSON error response", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
}

// writeInternalError logs the underlying error and writes a generic 500
// response, so every internal server error is visible in server logs
// without leaking internal details to the client.
func writeInternalError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, msg)
}

// decodeJSON decodes a JSON request body into target, rejecting unknown
// fields and bodies over maxBytes.
func decodeJSON(r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
