// ABOUTME: JWT handling for the upstream bearer token and the host API secret
// ABOUTME: Checks upstream token expiry before connecting; verifies HS256 tokens on the host API

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// expirySkew treats tokens about to expire as already expired, so a stream
// is not opened with a credential that dies during the handshake.
const expirySkew = 30 * time.Second

// CheckToken verifies that raw is usable as an upstream credential at now.
// The upstream signs its own tokens, so only the expiry is inspected. Opaque
// (non-JWT) tokens are accepted as-is.
func CheckToken(raw string, now time.Time) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrMissingToken
	}
	if strings.Count(raw, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp != nil && !now.Add(expirySkew).Before(exp.Time) {
		return ErrExpiredToken
	}
	return nil
}

// StaticTokenSource serves one configured upstream token.
type StaticTokenSource struct {
	Value string
	Now   func() time.Time
}

// Token returns the token after checking it has not expired.
func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.Check(); err != nil {
		return "", err
	}
	return strings.TrimSpace(s.Value), nil
}

// Check validates the token without returning it.
func (s StaticTokenSource) Check() error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return CheckToken(s.Value, now())
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the principal ID from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate creates a new JWT token for the given principal ID with expiration
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
