package marketplace

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken is returned when a bearer token is not a decodable JWT.
	ErrMalformedToken = errors.New("malformed token")

	// ErrTokenExpired is returned when a bearer token's exp claim has passed.
	ErrTokenExpired = errors.New("token expired")
)

// TokenInfo holds the claims jobwatch reads from an API token.
type TokenInfo struct {
	Subject string

	// ExpiresAt is zero when the token carries no exp claim.
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Remaining returns how long the token stays valid after now. Zero for
// tokens without expiry or already expired.
func (i TokenInfo) Remaining(now time.Time) time.Duration {
	if i.ExpiresAt.IsZero() || i.Expired(now) {
		return 0
	}
	return i.ExpiresAt.Sub(now)
}

// InspectToken decodes the claims of a JWT bearer token without verifying
// its signature. The server remains the authority on validity; this only
// lets the CLI fail fast on a token that has obviously expired.
func InspectToken(token string) (TokenInfo, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// CheckToken inspects the client's bearer token and returns
// [ErrTokenExpired] if it expired before now. A client without a token, or
// with an opaque non-JWT token, passes the check.
func (c *Client) CheckToken(now time.Time) (TokenInfo, error) {
	if c.token == "" {
		return TokenInfo{}, nil
	}
	info, err := InspectToken(c.token)
	if err != nil {
		if errors.Is(err, ErrMalformedToken) {
			return TokenInfo{}, nil
		}
		return TokenInfo{}, err
	}
	if info.Expired(now) {
		return info, fmt.Errorf("%w at %s", ErrTokenExpired, info.ExpiresAt.Format(time.RFC3339))
	}
	return info, nil
}
