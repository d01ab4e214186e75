package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/fruitsalade/filebrowser/internal/apperr"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/protocol"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Verifier turns a credential into an identity, or nil.
type Verifier interface {
	Verify(token string) *Identity
}

// Authorizer authenticates inbound requests and gates admin routes.
type Authorizer struct {
	tokens Verifier
}

// NewAuthorizer creates an Authorizer backed by v.
func NewAuthorizer(v Verifier) *Authorizer {
	return &Authorizer{tokens: v}
}

// ExtractIdentity looks for a token in the Authorization header, then in the
// "token" query parameter, and verifies it. The query parameter exists for
// plain download links, which cannot carry headers.
func (z *Authorizer) ExtractIdentity(r *http.Request) *Identity {
	tokenStr := extractToken(r)
	if tokenStr == "" {
		return nil
	}
	return z.tokens.Verify(tokenStr)
}

// RequireAuthenticated rejects requests without a valid token with 401 and
// attaches the identity to the request context otherwise.
func (z *Authorizer) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := z.ExtractIdentity(r)
		if id == nil {
			metrics.RecordAuthAttempt("token", false)
			sendAuthError(w, apperr.ErrUnauthorized)
			return
		}
		metrics.RecordAuthAttempt("token", true)
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin must run after RequireAuthenticated. It answers 401 when no
// identity is attached and 403 for non-admin identities.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		if id == nil {
			sendAuthError(w, apperr.ErrUnauthorized)
			return
		}
		if !id.IsAdmin() {
			sendAuthError(w, apperr.ErrAdminRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFrom returns the identity attached to ctx, or nil.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	if h := r.Header.Get("Authorization"); len(h) >= len("Bearer ") && strings.EqualFold(h[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	// Query parameter fallback
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, err *apperr.Error) {
	protocol.WriteError(w, apperr.HTTPStatus(err.Kind), err.Message)
}
