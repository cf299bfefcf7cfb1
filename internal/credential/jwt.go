package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNoExpiry indicates the token payload carries no usable exp claim.
var ErrNoExpiry = errors.New("credential: token payload has no exp claim")

// ExpiryFromJWT decodes the exp claim from a JWT access token without
// verifying the signature. The provider's renewal response returns only the
// token string; its expiry lives in the payload.
func ExpiryFromJWT(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, errors.New("credential: token is not a three-part JWT")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}, errors.New("credential: token payload is not base64url")
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return time.Time{}, errors.New("credential: token payload is not JSON")
	}
	if claims.Exp == 0 {
		return time.Time{}, ErrNoExpiry
	}

	return time.Unix(claims.Exp, 0).UTC(), nil
}
