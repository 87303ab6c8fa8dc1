// Package ctxutil provides shared request-context accessors.
//
// This package exists to break the circular dependency between server and
// orchestrator: server's auth middleware populates session claims that
// orchestrator needs to read, and orchestrator freezes a write-once
// language value on the context. Both packages import ctxutil instead of
// each other.
package ctxutil

import (
	"context"
	"log/slog"

	"github.com/shulchan/shulchan/internal/auth"
	"github.com/shulchan/shulchan/internal/model"
)

type contextKey string

const (
	keyClaims   contextKey = "claims"
	keyLanguage contextKey = "assistant_language"
)

// WithClaims returns a new context carrying the given session claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the session claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// SessionIDFromContext extracts the owning session ID, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.SessionID
	}
	return ""
}

// WithLanguage freezes the assistantLanguage value on the context. Spec §5:
// this is write-once after the gate; a second call on a context that
// already carries a language is a bug and is logged rather than silently
// overwritten.
func WithLanguage(ctx context.Context, logger *slog.Logger, lang model.Language) context.Context {
	if existing, ok := ctx.Value(keyLanguage).(model.Language); ok {
		if logger != nil {
			logger.Error("assistantLanguage written twice on context",
				"existing", existing, "attempted", lang)
		}
		return ctx
	}
	return context.WithValue(ctx, keyLanguage, lang)
}

// LanguageFromContext extracts the frozen assistantLanguage, falling back
// to model.DefaultLang if none was ever set.
func LanguageFromContext(ctx context.Context) model.Language {
	if v, ok := ctx.Value(keyLanguage).(model.Language); ok {
		return v
	}
	return model.DefaultLang
}
