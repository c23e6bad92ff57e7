package auth

import (
	"crypto/subtle"
)

// APIKeyVerifier maps static keys to user ids.
type APIKeyVerifier struct {
	keys map[string]string
}

func NewAPIKeyVerifier(keys map[string]string) APIKeyVerifier {
	copied := make(map[string]string, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return APIKeyVerifier{keys: copied}
}

// Verify compares against every configured key so timing does not reveal
// which prefix matched.
func (v APIKeyVerifier) Verify(apiKey string) (Principal, error) {
	if apiKey == "" || len(v.keys) == 0 {
		return Principal{}, ErrInvalidCredentials
	}
	var user string
	for key, id := range v.keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			user = id
		}
	}
	if user == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if err := ValidateUserID(user); err != nil {
		return Principal{}, err
	}
	return Principal{UserID: user}, nil
}
