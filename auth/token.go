// Package auth turns signed tokens into verified identities.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pawpair/adoption-chat/domain"
)

// ErrUnauthenticated is returned when a request carries no valid token.
var ErrUnauthenticated = errors.New("unauthenticated")

const issuer = "adoption-chat"

// Claims defines the data stored inside the JWT. The subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign creates a signed token for id valid for ttl.
func (v *Verifier) Sign(id domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify parses and validates the signature, expiry and claims of a token.
func (v *Verifier) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.Identity{}, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	id := domain.Identity{UserID: claims.Subject, Role: domain.Role(claims.Role)}
	if id.UserID == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	if !id.Role.Valid() {
		return domain.Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return id, nil
}

// Authenticate extracts the identity of an HTTP request from the
// Authorization bearer header, or from the token query parameter, which
// browsers must use for websocket upgrades.
func (v *Verifier) Authenticate(r *http.Request) (domain.Identity, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	return v.Verify(strings.TrimSpace(raw))
}
