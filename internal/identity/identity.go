// Package identity verifies bearer credentials and binds the resulting user
// id to request contexts.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/boardsync/internal/domain"
)

// TokenQueryParam carries the credential for transports that cannot set headers.
const TokenQueryParam = "token"

type contextKey int

const (
	userIDKey contextKey = iota
)

// Verifier turns an opaque credential into a stable user id.
// Implementations must be safe for concurrent use and free of side effects.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, credential string) (string, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// CredentialFromRequest returns the bearer credential of r, read from the
// Authorization header or, failing that, the token query parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
}

// Authenticate extracts and verifies the credential of r.
func Authenticate(r *http.Request, v Verifier) (string, error) {
	cred := CredentialFromRequest(r)
	if cred == "" {
		return "", domain.ErrAuthMissing
	}
	return v.Verify(r.Context(), cred)
}

// Middleware rejects requests without a valid credential and injects the
// verified user id into the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := Authenticate(r, v)
			if err != nil {
				WriteAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WriteAuthError writes a 401 JSON body describing err.
func WriteAuthError(w http.ResponseWriter, err error) {
	msg := `{"error":"invalid credential"}`
	if errors.Is(err, domain.ErrAuthMissing) {
		msg = `{"error":"missing credential"}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="boardsync"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(msg))
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
