package auth

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthContext carries everything token validation needs: the signing
// secret, a clock, the accepted skew, and the origin allowlist. It is
// passed explicitly so there is no process-wide mutable auth state.
type AuthContext struct {
	Secret         []byte
	TokenTTL       time.Duration
	ClockSkew      time.Duration
	AllowedOrigins []string
	Now            func() time.Time
}

// NewAuthContext builds an AuthContext with a real clock.
func NewAuthContext(secret string, ttl, skew time.Duration, origins []string) *AuthContext {
	return &AuthContext{
		Secret:         []byte(secret),
		TokenTTL:       ttl,
		ClockSkew:      skew,
		AllowedOrigins: origins,
		Now:            time.Now,
	}
}

// Mint issues a signed HS256 bearer token for a user.
func (a *AuthContext) Mint(userID, email string) (string, error) {
	now := a.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a bearer token and returns the user ID.
// Expiry is checked with the configured clock skew: a token expired within
// the skew window is still accepted, one beyond it is rejected.
func (a *AuthContext) Validate(tokenString string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.ClockSkew),
		jwt.WithTimeFunc(a.Now),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user_id or sub in token claims", ErrInvalidToken)
	}
	return userID, nil
}

// OriginAllowed reports whether a request Origin may use the HTTP surface.
// An empty origin (non-browser client) is always allowed.
func (a *AuthContext) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range a.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
