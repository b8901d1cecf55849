package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/boardsync/internal/domain"
)

const testSecret = "test-secret"

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	t.Parallel()

	token, err := Sign(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	userID, err := NewJWTVerifier(testSecret, "", "").Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestJWTVerifierFallsBackToSubject(t *testing.T) {
	t.Parallel()

	claims := jwt.RegisteredClaims{
		Subject:   "user-sub",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	userID, err := NewJWTVerifier(testSecret, "", "").Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-sub", userID)
}

func TestJWTVerifierRejections(t *testing.T) {
	t.Parallel()

	valid, err := Sign(testSecret, "user-1", time.Hour)
	require.NoError(t, err)
	expired, err := Sign(testSecret, "user-1", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := Sign("other-secret", "user-1", time.Hour)
	require.NoError(t, err)
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier *JWTVerifier
		token    string
		want     *domain.AuthError
	}{
		{"missing", NewJWTVerifier(testSecret, "", ""), "", domain.ErrAuthMissing},
		{"garbage", NewJWTVerifier(testSecret, "", ""), "not-a-token", domain.ErrAuthInvalid},
		{"expired", NewJWTVerifier(testSecret, "", ""), expired, domain.ErrAuthInvalid},
		{"wrong key", NewJWTVerifier(testSecret, "", ""), wrongKey, domain.ErrAuthInvalid},
		{"no user id", NewJWTVerifier(testSecret, "", ""), noUser, domain.ErrAuthInvalid},
		{"alg none", NewJWTVerifier(testSecret, "", ""), unsigned, domain.ErrAuthInvalid},
		{"issuer mismatch", NewJWTVerifier(testSecret, "boards", ""), valid, domain.ErrAuthInvalid},
		{"audience mismatch", NewJWTVerifier(testSecret, "", "web"), valid, domain.ErrAuthInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			userID, err := tt.verifier.Verify(context.Background(), tt.token)
			require.Error(t, err)
			assert.Empty(t, userID)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestCredentialFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		target string
		want   string
	}{
		{"bearer header", "Bearer abc", "/ws", "abc"},
		{"lowercase scheme", "bearer abc", "/ws", "abc"},
		{"query param", "", "/ws?token=xyz", "xyz"},
		{"header wins over query", "Bearer abc", "/ws?token=xyz", "abc"},
		{"non-bearer scheme", "Basic abc", "/ws?token=xyz", ""},
		{"absent", "", "/ws", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, CredentialFromRequest(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	v := NewJWTVerifier(testSecret, "", "")
	var seen string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing credential")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credential")

	token, err := Sign(testSecret, "user-9", time.Hour)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-9", seen)
}
