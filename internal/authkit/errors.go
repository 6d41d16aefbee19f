package authkit

import (
	"errors"
	"fmt"
	"time"
)

// Failure is a structured business-rule failure. Every rejected operation
// returns one of these rather than a bare error so transport code can map the
// code to a status and echo the contextual fields. Failures with the same
// code match under errors.Is regardless of their context fields.
type Failure struct {
	Code    string
	Message string

	// Context fields, populated per code.
	LockedUntil       time.Time
	RemainingAttempts int
	DeviceInfo        string
	SessionStartedAt  time.Time
	RevokeReason      string
	FieldErrors       map[string]string
}

// Sentinel failures; compare with errors.Is.
var (
	ErrInvalidCredentials    = &Failure{Code: "auth.invalid_credentials", Message: "Invalid Username or Password."}
	ErrAccountLocked         = &Failure{Code: "auth.account_locked", Message: "Account is locked."}
	ErrAlreadyLoggedIn       = &Failure{Code: "auth.already_logged_in", Message: "You are already logged in."}
	ErrTokenNotFound         = &Failure{Code: "auth.token_not_found", Message: "Refresh token not found."}
	ErrTokenExpired          = &Failure{Code: "auth.token_expired", Message: "Refresh token expired."}
	ErrTokenRevoked          = &Failure{Code: "auth.token_revoked", Message: "Refresh token revoked."}
	ErrTokenLifetimeExceeded = &Failure{Code: "auth.token_lifetime_exceeded", Message: "Refresh token exceeded absolute lifetime."}
	ErrRegistrationConflict  = &Failure{Code: "auth.registration_conflict", Message: "User already exists."}
	ErrValidationFailed      = &Failure{Code: "auth.validation_failed", Message: "Validation failed."}
	ErrUnexpected            = &Failure{Code: "auth.unexpected", Message: "An unexpected error occurred."}
)

// Error implements the error interface.
func (failure *Failure) Error() string {
	return failure.Code + ": " + failure.Message
}

// Is matches failures by code so parameterized instances compare equal to
// their sentinel.
func (failure *Failure) Is(target error) bool {
	other, ok := target.(*Failure)
	if !ok {
		return false
	}
	return other.Code == failure.Code
}

// FailureOf extracts the *Failure from an error chain, or wraps unknown
// errors as ErrUnexpected.
func FailureOf(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &Failure{Code: ErrUnexpected.Code, Message: ErrUnexpected.Message}
}

func lockedFailure(until time.Time) *Failure {
	return &Failure{
		Code:        ErrAccountLocked.Code,
		Message:     fmt.Sprintf("Account is locked. Try again after %s", until.UTC().Format(time.RFC3339)),
		LockedUntil: until,
	}
}

func remainingAttemptsFailure(remaining int) *Failure {
	return &Failure{
		Code:              ErrInvalidCredentials.Code,
		Message:           fmt.Sprintf("%s Your account will be locked after %d more tries.", ErrInvalidCredentials.Message, remaining),
		RemainingAttempts: remaining,
	}
}

func attemptsExhaustedFailure(until time.Time) *Failure {
	return &Failure{
		Code:        ErrAccountLocked.Code,
		Message:     fmt.Sprintf("Too many tries with invalid credentials. Account is locked. Try again after %s", until.UTC().Format(time.RFC3339)),
		LockedUntil: until,
	}
}

func alreadyLoggedInFailure(session RefreshToken) *Failure {
	messageSuffix := ""
	if session.DeviceInfo != "" {
		messageSuffix = fmt.Sprintf(" from %s", session.DeviceInfo)
	}
	return &Failure{
		Code:             ErrAlreadyLoggedIn.Code,
		Message:          fmt.Sprintf("You are already logged in%s. Please log out from the existing session before logging in again.", messageSuffix),
		DeviceInfo:       session.DeviceInfo,
		SessionStartedAt: session.CreatedAt,
	}
}

func revokedFailure(reason string) *Failure {
	return &Failure{
		Code:         ErrTokenRevoked.Code,
		Message:      "Session has been invalidated. Please log in again.",
		RevokeReason: reason,
	}
}

func validationFailure(fieldErrors map[string]string) *Failure {
	return &Failure{
		Code:        ErrValidationFailed.Code,
		Message:     ErrValidationFailed.Message,
		FieldErrors: fieldErrors,
	}
}
