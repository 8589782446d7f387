package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential is the stored authentication state. Owned exclusively by the
// Manager; nothing else mutates it.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch ms
	TokenType    string `json:"token_type"`
}

// expiresIn returns the time remaining before the access token expires.
func (c *Credential) expiresIn(now time.Time) time.Duration {
	return time.UnixMilli(c.ExpiresAt).Sub(now)
}

// ExpiryResolver derives an expiry time from an opaque access token. Token
// formats vary by deployment, so the strategy is pluggable.
type ExpiryResolver interface {
	ResolveExpiry(accessToken string, now time.Time) (time.Time, error)
}

// DefaultExpiry is assumed when the token payload cannot be decoded.
const DefaultExpiry = time.Hour

// JWTResolver reads the exp claim from a JWT access token.
type JWTResolver struct{}

func (JWTResolver) ResolveExpiry(accessToken string, now time.Time) (time.Time, error) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("not a JWT: %d segments", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("decode JWT payload: %w", err)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse JWT claims: %w", err)
	}
	if claims.Exp == 0 {
		return time.Time{}, fmt.Errorf("JWT has no exp claim")
	}
	return time.Unix(claims.Exp, 0), nil
}
