package authkit

import "time"

// ServerConfig configures token issuance, refresh lifetimes, lockout, and the
// password-grant client credentials.
type ServerConfig struct {
	SigningKey []byte
	Issuer     string
	Audience   string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	ExtendRefreshOnRenew    bool
	EnforceAbsoluteLifetime bool
	AbsoluteLifetime        time.Duration
	RetentionWindow         time.Duration

	SingleRefreshTokenPerAccount bool
	SingleLoginEnforced          bool

	MaxFailedAttempts int
	LockoutDuration   time.Duration

	ClientID     string
	ClientSecret string
}
