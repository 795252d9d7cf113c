// Package identity resolves the signed-in user for a request.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Provider returns the current user id, or false when nobody is signed in.
type Provider interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

type ctxKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// Context reads the user placed by WithUser, falling back to Default.
type Context struct {
	Default string
}

func (c Context) CurrentUserID(ctx context.Context) (string, bool) {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id, true
	}
	if c.Default != "" {
		return c.Default, true
	}
	return "", false
}

// Static always reports the same user; an empty id means signed out.
type Static string

func (s Static) CurrentUserID(context.Context) (string, bool) {
	return string(s), s != ""
}

// Middleware copies the user id from header into the request context. The
// header is expected to be set by an authenticating proxy.
func Middleware(header string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
			r = r.WithContext(WithUser(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
