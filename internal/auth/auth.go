// Package auth turns the credentials a signaling client presents into the
// user id the relay routes by.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUserID      = errors.New("invalid user id")
)

// MaxUserIDLength bounds user ids accepted from any credential.
const MaxUserIDLength = 128

// Principal is the authenticated identity behind a signaling connection.
type Principal struct {
	UserID      string
	DisplayName string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeAPIKey:
		return NewAPIKeyVerifier(cfg.APIKeys), nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// NoneVerifier trusts the presented credential as the user id. Development
// only.
type NoneVerifier struct{}

func (NoneVerifier) Verify(credential string) (Principal, error) {
	if err := ValidateUserID(credential); err != nil {
		return Principal{}, err
	}
	return Principal{UserID: credential}, nil
}

func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(id) > MaxUserIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidUserID, MaxUserIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return fmt.Errorf("%w: contains %q", ErrInvalidUserID, r)
		}
	}
	return nil
}

// CredentialFromQuery reads the credential for mode from URL query values.
// api_key prefers apiKey and jwt prefers token, but each accepts the other
// name; none reads user.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	var cred string
	switch mode {
	case config.AuthModeNone:
		cred = q.Get("user")
	case config.AuthModeAPIKey:
		cred = firstNonEmpty(q.Get("apiKey"), q.Get("token"))
	case config.AuthModeJWT:
		cred = firstNonEmpty(q.Get("token"), q.Get("apiKey"))
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if cred == "" {
		return "", ErrMissingCredentials
	}
	return cred, nil
}

// CredentialFromRequest checks headers first (Authorization: Bearer/ApiKey,
// X-API-Key, X-User-ID for none) and then the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			return id, nil
		}
		return CredentialFromQuery(mode, r.URL.Query())
	}
	if cred := credentialFromAuthorization(r.Header.Get("Authorization")); cred != "" {
		return cred, nil
	}
	if cred := strings.TrimSpace(r.Header.Get("X-API-Key")); cred != "" {
		return cred, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

func credentialFromAuthorization(header string) string {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer", "apikey":
		return strings.TrimSpace(value)
	default:
		return ""
	}
}

// CredentialFromAuthMessage extracts the credential from a first-frame auth
// message.
func CredentialFromAuthMessage(mode config.AuthMode, msg signaling.AuthMessage) (string, error) {
	var cred string
	switch mode {
	case config.AuthModeNone, config.AuthModeJWT:
		cred = firstNonEmpty(msg.Token, msg.APIKey)
	case config.AuthModeAPIKey:
		cred = firstNonEmpty(msg.APIKey, msg.Token)
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if cred == "" {
		return "", ErrMissingCredentials
	}
	return cred, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
