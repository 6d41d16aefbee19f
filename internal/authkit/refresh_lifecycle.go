package authkit

import (
	"context"
	"time"
)

// Revocation reasons written by the lifecycle operations.
const (
	revokeReasonLogout      = "Revoked by user logout"
	revokeReasonExpired     = "Token expired"
	revokeReasonAbsoluteEnd = "Exceeded absolute lifetime"

	// DefaultForceLogoutReason is used when an administrator supplies none.
	DefaultForceLogoutReason = "Administrator-initiated logout"
)

// RefreshTokenManager owns the refresh-token collection of each account and
// applies the lifecycle rules: sliding and absolute expiration, idempotent
// revocation, single-token reuse, and retention-based pruning. Every
// operation is one atomic read-modify-write through the Store.
//
// Operations that reject a token still commit their housekeeping: the
// business failure is reported to the caller while the pruned collection and
// any audit stamps persist.
type RefreshTokenManager struct {
	store  Store
	config ServerConfig
	clock  Clock
}

// NewRefreshTokenManager constructs the manager.
func NewRefreshTokenManager(store Store, config ServerConfig, clock Clock) *RefreshTokenManager {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RefreshTokenManager{store: store, config: config, clock: clock}
}

// Create issues a refresh token for the account. In single-token mode an
// existing active token is reused in place (its expiry and device descriptor
// updated) instead of adding a second row, so both logins resolve to the same
// underlying token value.
func (manager *RefreshTokenManager) Create(ctx context.Context, accountID string, deviceInfo string, clientIP string) (RefreshToken, error) {
	var created RefreshToken

	_, updateErr := manager.store.UpdateAccount(ctx, accountID, func(state *AccountState) error {
		now := manager.clock.Now()
		manager.houseKeep(state, now)

		if manager.config.SingleRefreshTokenPerAccount {
			for index := range state.Tokens {
				if !state.Tokens[index].Active(now) {
					continue
				}
				state.Tokens[index].ExpiresAt = now.Add(manager.config.RefreshTokenTTL)
				if deviceInfo != "" {
					state.Tokens[index].DeviceInfo = deviceInfo
				}
				created = state.Tokens[index]
				return nil
			}
		}

		value, randomErr := generateRefreshOpaque()
		if randomErr != nil {
			return randomErr
		}
		token := RefreshToken{
			Value:       value,
			AccountID:   accountID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(manager.config.RefreshTokenTTL),
			CreatedByIP: clientIP,
			DeviceInfo:  deviceInfo,
		}
		state.Tokens = append(state.Tokens, token)
		created = token
		return nil
	})
	if updateErr != nil {
		return RefreshToken{}, updateErr
	}
	return created, nil
}

// Renew validates and extends the session behind the opaque value. An absent
// token fails with ErrTokenNotFound. A revoked token fails with
// ErrTokenRevoked carrying the stored reason. An expired-and-unrevoked token
// is removed from the collection and fails with ErrTokenExpired. A token past
// the configured absolute lifetime is revoked, retained for audit, and fails
// with ErrTokenLifetimeExceeded; it never becomes active again. Otherwise,
// when sliding extension is enabled, the expiry advances to now + the sliding
// window — a renewal never shortens an expiry.
func (manager *RefreshTokenManager) Renew(ctx context.Context, accountID string, tokenValue string) (RefreshToken, error) {
	var renewed RefreshToken
	var rejection *Failure

	_, updateErr := manager.store.UpdateAccount(ctx, accountID, func(state *AccountState) error {
		now := manager.clock.Now()
		rejection = nil

		index := state.TokenByValue(tokenValue)
		if index < 0 {
			rejection = ErrTokenNotFound
			manager.houseKeep(state, now)
			return nil
		}
		token := &state.Tokens[index]

		switch {
		case token.Revoked():
			rejection = revokedFailure(token.RevokeReason)
		case token.Expired(now):
			state.Tokens = append(state.Tokens[:index], state.Tokens[index+1:]...)
			rejection = ErrTokenExpired
		case manager.config.EnforceAbsoluteLifetime && !token.CreatedAt.Add(manager.config.AbsoluteLifetime).After(now):
			token.RevokedAt = now
			token.RevokeReason = revokeReasonAbsoluteEnd
			rejection = ErrTokenLifetimeExceeded
		default:
			if manager.config.ExtendRefreshOnRenew {
				extended := now.Add(manager.config.RefreshTokenTTL)
				if extended.After(token.ExpiresAt) {
					token.ExpiresAt = extended
				}
			}
			renewed = *token
		}

		manager.houseKeep(state, now)
		return nil
	})
	if updateErr != nil {
		return RefreshToken{}, updateErr
	}
	if rejection != nil {
		return RefreshToken{}, rejection
	}
	return renewed, nil
}

// Revoke marks the token revoked with the supplied reason and IP. Revoking an
// already-inactive token succeeds without touching the original revocation
// record.
func (manager *RefreshTokenManager) Revoke(ctx context.Context, accountID string, tokenValue string, reason string, clientIP string) (RefreshToken, error) {
	var revoked RefreshToken
	var rejection *Failure

	_, updateErr := manager.store.UpdateAccount(ctx, accountID, func(state *AccountState) error {
		now := manager.clock.Now()
		rejection = nil

		index := state.TokenByValue(tokenValue)
		if index < 0 {
			rejection = ErrTokenNotFound
			manager.houseKeep(state, now)
			return nil
		}
		token := &state.Tokens[index]
		if token.Active(now) {
			token.RevokedAt = now
			token.RevokeReason = reason
			token.RevokedByIP = clientIP
		}
		revoked = *token

		manager.houseKeep(state, now)
		return nil
	})
	if updateErr != nil {
		return RefreshToken{}, updateErr
	}
	if rejection != nil {
		return RefreshToken{}, rejection
	}
	return revoked, nil
}

// RevokeAll revokes every currently-active token for the account and returns
// the number affected.
func (manager *RefreshTokenManager) RevokeAll(ctx context.Context, accountID string, reason string, clientIP string) (int, error) {
	revokedCount := 0

	_, updateErr := manager.store.UpdateAccount(ctx, accountID, func(state *AccountState) error {
		now := manager.clock.Now()

		revokedCount = 0
		for index := range state.Tokens {
			if !state.Tokens[index].Active(now) {
				continue
			}
			state.Tokens[index].RevokedAt = now
			state.Tokens[index].RevokeReason = reason
			state.Tokens[index].RevokedByIP = clientIP
			revokedCount++
		}

		manager.houseKeep(state, now)
		return nil
	})
	if updateErr != nil {
		return 0, updateErr
	}
	return revokedCount, nil
}

// houseKeep stamps expired-but-unrevoked tokens as revoked and hard-deletes
// tokens that are both inactive and older than the retention window. It runs
// as a side effect of every mutation; there is no background sweeper.
func (manager *RefreshTokenManager) houseKeep(state *AccountState, now time.Time) {
	for index := range state.Tokens {
		token := &state.Tokens[index]
		if token.Expired(now) && !token.Revoked() {
			token.RevokedAt = now
			token.RevokeReason = revokeReasonExpired
		}
	}

	retentionCutoff := now.Add(-manager.config.RetentionWindow)
	kept := state.Tokens[:0]
	for _, token := range state.Tokens {
		if !token.Active(now) && token.CreatedAt.Before(retentionCutoff) {
			continue
		}
		kept = append(kept, token)
	}
	state.Tokens = kept
}
