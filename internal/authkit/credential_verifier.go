package authkit

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks a username/password pair against the stored
// password hash. It holds no state and never mutates lockout bookkeeping;
// recording the outcome is the caller's job.
type CredentialVerifier struct {
	store Store
}

// NewCredentialVerifier constructs a verifier over the given store.
func NewCredentialVerifier(store Store) *CredentialVerifier {
	return &CredentialVerifier{store: store}
}

// Verify resolves the account by username or email (case-insensitive) and
// compares the password. Unknown logins, blank inputs, and mismatched
// passwords all come back as rejected rather than an error; only storage
// trouble surfaces as err.
func (verifier *CredentialVerifier) Verify(ctx context.Context, usernameOrEmail string, password string) (state *AccountState, accepted bool, err error) {
	if strings.TrimSpace(usernameOrEmail) == "" || strings.TrimSpace(password) == "" {
		return nil, false, nil
	}
	state, findErr := verifier.store.FindAccountByLogin(ctx, usernameOrEmail)
	if findErr != nil {
		if FailureOf(findErr).Code == ErrAccountNotFound.Code {
			return nil, false, nil
		}
		return nil, false, findErr
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(state.Account.PasswordHash), []byte(password))
	if compareErr != nil {
		return state, false, nil
	}
	return state, true, nil
}
