package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxJWTLen rejects oversized tokens before any parsing.
const maxJWTLen = 16 * 1024

// Claims carried by relay tokens: sub is the user id, name the display name.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. exp is
// required.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) (Principal, error) {
	if token == "" || len(token) > maxJWTLen || len(v.secret) == 0 {
		return Principal{}, ErrInvalidCredentials
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("%w: token expired", ErrInvalidCredentials)
		}
		return Principal{}, ErrInvalidCredentials
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidCredentials
	}
	if err := ValidateUserID(claims.Subject); err != nil {
		return Principal{}, fmt.Errorf("%w: sub: %v", ErrInvalidCredentials, err)
	}
	return Principal{UserID: claims.Subject, DisplayName: claims.Name}, nil
}

// SignToken issues a token for userID. Used by tests and local tooling.
func SignToken(secret, userID, name string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
