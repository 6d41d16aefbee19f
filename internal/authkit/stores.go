package authkit

import "context"

// Store persists accounts and their refresh tokens.
//
// UpdateAccount is the single mutation path: it loads a fresh snapshot of the
// account aggregate, runs mutate against it under per-account serialization,
// and commits the result atomically. Concurrent mutations of the same account
// never interleave their read-modify-write cycles; mutations of unrelated
// accounts never contend on a shared lock. If mutate returns an error the
// stored aggregate is left untouched and the error is passed through.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	FindAccountByLogin(ctx context.Context, usernameOrEmail string) (*AccountState, error)
	FindAccountByTokenValue(ctx context.Context, tokenValue string) (*AccountState, error)
	UpdateAccount(ctx context.Context, accountID string, mutate func(state *AccountState) error) (*AccountState, error)
}

// Store-level sentinel failures.
var (
	ErrAccountNotFound  = &Failure{Code: "auth.account_not_found", Message: "The user was not found."}
	ErrDuplicateAccount = &Failure{Code: "auth.duplicate_account", Message: "Username or email already registered."}
)
