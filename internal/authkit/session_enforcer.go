package authkit

import "context"

// SessionEnforcer applies the single-active-session policy at login time. It
// only reads; revoking the prior session requires an explicit logout or an
// administrator force-logout.
type SessionEnforcer struct {
	store Store
	clock Clock
}

// NewSessionEnforcer constructs the enforcer.
func NewSessionEnforcer(store Store, clock Clock) *SessionEnforcer {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &SessionEnforcer{store: store, clock: clock}
}

// CheckSingleLogin denies a new login when the account already holds an
// active session, surfacing that session's device descriptor and start time.
// The caller only invokes this when single-login mode is enabled.
func (enforcer *SessionEnforcer) CheckSingleLogin(ctx context.Context, state *AccountState) error {
	active := state.ActiveTokens(enforcer.clock.Now())
	if len(active) == 0 {
		return nil
	}
	return alreadyLoggedInFailure(active[0])
}
