package authkit

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

const refreshOpaqueByteLength = 32

var refreshTokenRandomSource io.Reader = rand.Reader

// RefreshToken is one authenticated session. The value is fully random and
// carries no identity; the owning account is only ever resolved by store
// lookup, never by decoding the value.
type RefreshToken struct {
	Value     string
	AccountID string

	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt time.Time

	RevokeReason string
	CreatedByIP  string
	RevokedByIP  string
	DeviceInfo   string
}

// Expired reports whether the token has expired at the given instant. The
// boundary itself counts as expired: now >= ExpiresAt.
func (token RefreshToken) Expired(now time.Time) bool {
	return !now.Before(token.ExpiresAt)
}

// Revoked reports whether the token has been revoked. Revocation is one-way.
func (token RefreshToken) Revoked() bool {
	return !token.RevokedAt.IsZero()
}

// Active reports whether the token represents a live session.
func (token RefreshToken) Active(now time.Time) bool {
	return !token.Revoked() && !token.Expired(now)
}

// generateRefreshOpaque draws a fully random opaque token value from the
// cryptographically secure source. This is the only point in the core that
// may block on entropy.
func generateRefreshOpaque() (string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("refresh_token.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
