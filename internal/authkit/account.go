package authkit

import "time"

// Account is a principal capable of authenticating. Lockout bookkeeping lives
// on the account so it commits atomically with the token collection.
type Account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Phone        string
	DateOfBirth  string

	LockoutEnabled bool
	LockoutEnd     time.Time
	FailedCount    int

	// Version is the optimistic-concurrency stamp maintained by the store.
	Version int64
}

// AccountState is the aggregate a store mutation operates on: the account row
// plus its full refresh-token collection. Mutations edit the state in place
// and the store commits the whole aggregate or nothing.
type AccountState struct {
	Account Account
	Tokens  []RefreshToken
}

// TokenByValue returns the index of the token matching the opaque value, or
// -1 when absent.
func (state *AccountState) TokenByValue(tokenValue string) int {
	for index := range state.Tokens {
		if state.Tokens[index].Value == tokenValue {
			return index
		}
	}
	return -1
}

// ActiveTokens returns the currently active tokens at the given instant.
func (state *AccountState) ActiveTokens(now time.Time) []RefreshToken {
	active := make([]RefreshToken, 0, len(state.Tokens))
	for _, token := range state.Tokens {
		if token.Active(now) {
			active = append(active, token)
		}
	}
	return active
}
