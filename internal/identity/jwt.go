package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/boardsync/internal/domain"
)

// Claims is the token payload accepted by JWTVerifier.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier returns a verifier for tokens signed with secret. Issuer and
// audience are enforced only when non-empty.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify returns the user id bound to credential. The userId claim is
// preferred; sub is used when it is absent.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", domain.ErrAuthMissing
	}

	var claims Claims
	token, err := v.parser.ParseWithClaims(credential, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return "", &domain.AuthError{Reason: domain.AuthInvalid, Err: err}
	}
	if !token.Valid {
		return "", domain.ErrAuthInvalid
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", &domain.AuthError{Reason: domain.AuthInvalid, Err: fmt.Errorf("token has no user id")}
	}
	return userID, nil
}

// Sign issues an HS256 token for userID. It exists for tests and local tooling;
// credential issuance in production belongs to the auth service.
func Sign(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
