package authkit

import "time"

// LockoutPolicy tracks consecutive failed attempts per account and enforces
// time-boxed lockouts. It mutates the Account fields it is handed; callers
// invoke it inside Store.UpdateAccount so the bookkeeping commits atomically
// and is serialized per account.
type LockoutPolicy struct {
	maxFailedAttempts int
	lockoutDuration   time.Duration
	clock             Clock
}

// NewLockoutPolicy constructs the policy.
func NewLockoutPolicy(maxFailedAttempts int, lockoutDuration time.Duration, clock Clock) *LockoutPolicy {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &LockoutPolicy{
		maxFailedAttempts: maxFailedAttempts,
		lockoutDuration:   lockoutDuration,
		clock:             clock,
	}
}

// IsLocked reports whether the account is currently locked out.
func (policy *LockoutPolicy) IsLocked(account *Account) bool {
	return account.LockoutEnabled && account.LockoutEnd.After(policy.clock.Now())
}

// LockedUntil returns the lockout end timestamp; zero when not locked.
func (policy *LockoutPolicy) LockedUntil(account *Account) time.Time {
	return account.LockoutEnd
}

// RecordFailure increments the consecutive-failure counter. When the counter
// reaches the configured maximum the account transitions to locked until
// now + lockoutDuration; the counter is left as-is so waiting out a lockout
// cannot reset it. Returns whether this failure triggered the lock and how
// many attempts remain before it would.
func (policy *LockoutPolicy) RecordFailure(account *Account) (locked bool, remaining int) {
	account.FailedCount++
	if account.FailedCount >= policy.maxFailedAttempts {
		account.LockoutEnabled = true
		account.LockoutEnd = policy.clock.Now().Add(policy.lockoutDuration)
		return true, 0
	}
	return false, policy.maxFailedAttempts - account.FailedCount
}

// RecordSuccess re-arms the lockout mechanism after a successful
// authentication. The counter is reset only when a previous lockout has
// naturally elapsed; a success with no elapsed lockout leaves the counter
// untouched. Returns whether a reset was applied.
func (policy *LockoutPolicy) RecordSuccess(account *Account) bool {
	if account.LockoutEnd.IsZero() || account.LockoutEnd.After(policy.clock.Now()) {
		return false
	}
	account.FailedCount = 0
	account.LockoutEnabled = true
	account.LockoutEnd = time.Time{}
	return true
}
