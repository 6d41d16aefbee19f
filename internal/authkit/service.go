package authkit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service orchestrates login, token refresh, logout, forced logout, and
// active-session listing. All mutation of account and token state funnels
// through the Store so serialization stays centralized.
type Service struct {
	store    Store
	config   ServerConfig
	verifier *CredentialVerifier
	lockout  *LockoutPolicy
	issuer   *TokenIssuer
	tokens   *RefreshTokenManager
	enforcer *SessionEnforcer
	roles    RoleProvider
	clock    Clock
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// ServiceOptions carries the optional service collaborators.
type ServiceOptions struct {
	Clock   Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder
	Roles   RoleProvider
}

// NewService wires the authentication core over the given store.
func NewService(store Store, config ServerConfig, options ServiceOptions) *Service {
	clock := options.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = options.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	roles := options.Roles
	if roles == nil {
		roles = NewEmptyRoleProvider()
	}
	return &Service{
		store:    store,
		config:   config,
		verifier: NewCredentialVerifier(store),
		lockout:  NewLockoutPolicy(config.MaxFailedAttempts, config.LockoutDuration, clock),
		issuer:   NewTokenIssuer(config.SigningKey, config.Issuer, config.Audience, config.AccessTokenTTL, clock),
		tokens:   NewRefreshTokenManager(store, config, clock),
		enforcer: NewSessionEnforcer(store, clock),
		roles:    roles,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// LoginInput carries the credentials plus the request metadata the transport
// extracted; the core never reads transport state directly.
type LoginInput struct {
	Username   string
	Password   string
	ClientIP   string
	DeviceInfo string
}

// RefreshInput identifies the session to renew.
type RefreshInput struct {
	RefreshToken string
	ClientIP     string
}

// LogoutInput identifies the session to terminate. Username is an optional
// fallback for resolving the account when the token row is already gone.
type LogoutInput struct {
	RefreshToken string
	Username     string
	ClientIP     string
}

// RegisterInput carries a registration request.
type RegisterInput struct {
	Username    string
	Email       string
	Password    string
	Phone       string
	DateOfBirth string
}

// TokenPair is the response of a successful login or refresh.
type TokenPair struct {
	Message          string
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        int64
	RefreshExpiresIn int64
	Roles            []string
}

// SessionInfo describes one active session for administrative listing.
type SessionInfo struct {
	DeviceInfo  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CreatedByIP string
}

// Login verifies credentials and issues an access/refresh token pair. Gate
// order: blank input, lockout, single-login policy, then the password check;
// a rejected password records a failure and reports the remaining attempts or
// the lock it triggered.
func (service *Service) Login(ctx context.Context, input LoginInput) (*TokenPair, error) {
	if strings.TrimSpace(input.Username) == "" || strings.TrimSpace(input.Password) == "" {
		service.metrics.Increment(MetricLoginFailure)
		return nil, ErrInvalidCredentials
	}

	state, accepted, verifyErr := service.verifier.Verify(ctx, input.Username, input.Password)
	if verifyErr != nil {
		return nil, service.asFailure("login.verify", verifyErr)
	}
	if state == nil {
		service.metrics.Increment(MetricLoginFailure)
		return nil, ErrInvalidCredentials
	}
	account := state.Account

	if service.lockout.IsLocked(&account) {
		service.metrics.Increment(MetricLoginLocked)
		return nil, lockedFailure(account.LockoutEnd)
	}

	if service.config.SingleLoginEnforced {
		if denyErr := service.enforcer.CheckSingleLogin(ctx, state); denyErr != nil {
			service.metrics.Increment(MetricLoginDeniedSingle)
			return nil, denyErr
		}
	}

	if !accepted {
		return nil, service.recordFailedAttempt(ctx, account.ID)
	}

	if _, updateErr := service.store.UpdateAccount(ctx, account.ID, func(current *AccountState) error {
		service.lockout.RecordSuccess(&current.Account)
		return nil
	}); updateErr != nil {
		return nil, service.asFailure("login.record_success", updateErr)
	}

	refreshToken, createErr := service.tokens.Create(ctx, account.ID, input.DeviceInfo, input.ClientIP)
	if createErr != nil {
		return nil, service.asFailure("login.create_refresh", createErr)
	}

	pair, issueErr := service.issuePair(ctx, &account, refreshToken, "Login Successful.")
	if issueErr != nil {
		return nil, issueErr
	}
	service.metrics.Increment(MetricLoginSuccess)
	return pair, nil
}

func (service *Service) recordFailedAttempt(ctx context.Context, accountID string) error {
	var rejection *Failure
	_, updateErr := service.store.UpdateAccount(ctx, accountID, func(current *AccountState) error {
		locked, remaining := service.lockout.RecordFailure(&current.Account)
		if locked {
			rejection = attemptsExhaustedFailure(current.Account.LockoutEnd)
		} else {
			rejection = remainingAttemptsFailure(remaining)
		}
		return nil
	})
	if updateErr != nil {
		return service.asFailure("login.record_failure", updateErr)
	}
	if rejection.Code == ErrAccountLocked.Code {
		service.metrics.Increment(MetricLoginLocked)
	} else {
		service.metrics.Increment(MetricLoginFailure)
	}
	return rejection
}

// Refresh exchanges a refresh token for a fresh access token, renewing the
// session per the configured sliding and absolute lifetime policies. The
// owning account is resolved by store lookup; the token value is never
// decoded.
func (service *Service) Refresh(ctx context.Context, input RefreshInput) (*TokenPair, error) {
	if strings.TrimSpace(input.RefreshToken) == "" {
		service.metrics.Increment(MetricRefreshFailure)
		return nil, ErrTokenNotFound
	}

	state, findErr := service.store.FindAccountByTokenValue(ctx, input.RefreshToken)
	if findErr != nil {
		service.metrics.Increment(MetricRefreshFailure)
		return nil, service.asFailure("refresh.lookup", findErr)
	}
	account := state.Account

	if service.lockout.IsLocked(&account) {
		service.metrics.Increment(MetricRefreshFailure)
		return nil, lockedFailure(account.LockoutEnd)
	}

	renewed, renewErr := service.tokens.Renew(ctx, account.ID, input.RefreshToken)
	if renewErr != nil {
		service.metrics.Increment(MetricRefreshFailure)
		return nil, service.asFailure("refresh.renew", renewErr)
	}

	pair, issueErr := service.issuePair(ctx, &account, renewed, "Token Refresh Successful.")
	if issueErr != nil {
		return nil, issueErr
	}
	service.metrics.Increment(MetricRefreshSuccess)
	return pair, nil
}

// Logout revokes the session behind the token. It is idempotent: logging out
// an already-revoked or already-pruned session succeeds. When the token row is
// gone the account is resolved through the optional username fallback.
func (service *Service) Logout(ctx context.Context, input LogoutInput) error {
	state, findErr := service.store.FindAccountByTokenValue(ctx, input.RefreshToken)
	if findErr != nil {
		if errors.Is(findErr, ErrTokenNotFound) && strings.TrimSpace(input.Username) != "" {
			state, findErr = service.store.FindAccountByLogin(ctx, input.Username)
		}
		if findErr != nil {
			return service.asFailure("logout.lookup", findErr)
		}
	}

	_, revokeErr := service.tokens.Revoke(ctx, state.Account.ID, input.RefreshToken, revokeReasonLogout, input.ClientIP)
	if revokeErr != nil && !errors.Is(revokeErr, ErrTokenNotFound) {
		return service.asFailure("logout.revoke", revokeErr)
	}
	service.metrics.Increment(MetricLogout)
	return nil
}

// ForceLogout terminates every active session of the named account and
// reports how many were revoked.
func (service *Service) ForceLogout(ctx context.Context, username string, reason string, clientIP string) (int, error) {
	state, findErr := service.store.FindAccountByLogin(ctx, username)
	if findErr != nil {
		return 0, service.asFailure("force_logout.lookup", findErr)
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultForceLogoutReason
	}
	revokedCount, revokeErr := service.tokens.RevokeAll(ctx, state.Account.ID, reason, clientIP)
	if revokeErr != nil {
		return 0, service.asFailure("force_logout.revoke_all", revokeErr)
	}
	service.metrics.Increment(MetricForceLogout)
	return revokedCount, nil
}

// ActiveSessions lists the currently active sessions of the named account.
func (service *Service) ActiveSessions(ctx context.Context, username string) ([]SessionInfo, error) {
	state, findErr := service.store.FindAccountByLogin(ctx, username)
	if findErr != nil {
		return nil, service.asFailure("active_sessions.lookup", findErr)
	}
	now := service.clock.Now()
	sessions := make([]SessionInfo, 0)
	for _, token := range state.ActiveTokens(now) {
		sessions = append(sessions, SessionInfo{
			DeviceInfo:  token.DeviceInfo,
			CreatedAt:   token.CreatedAt,
			ExpiresAt:   token.ExpiresAt,
			CreatedByIP: token.CreatedByIP,
		})
	}
	return sessions, nil
}

// Register creates a new account with lockout enabled.
func (service *Service) Register(ctx context.Context, input RegisterInput) (*Account, error) {
	if fieldErrors := validateRegistration(input); len(fieldErrors) > 0 {
		return nil, validationFailure(fieldErrors)
	}

	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if hashErr != nil {
		return nil, service.asFailure("register.hash", hashErr)
	}

	account := &Account{
		ID:             uuid.NewString(),
		Username:       strings.TrimSpace(input.Username),
		Email:          strings.TrimSpace(input.Email),
		PasswordHash:   string(passwordHash),
		Phone:          strings.TrimSpace(input.Phone),
		DateOfBirth:    strings.TrimSpace(input.DateOfBirth),
		LockoutEnabled: true,
	}
	if createErr := service.store.CreateAccount(ctx, account); createErr != nil {
		if errors.Is(createErr, ErrDuplicateAccount) {
			return nil, ErrRegistrationConflict
		}
		return nil, service.asFailure("register.create", createErr)
	}
	service.metrics.Increment(MetricRegistration)
	return account, nil
}

func (service *Service) issuePair(ctx context.Context, account *Account, refreshToken RefreshToken, message string) (*TokenPair, error) {
	roles, rolesErr := service.roles.RolesFor(ctx, account.ID)
	if rolesErr != nil {
		return nil, service.asFailure("roles.lookup", rolesErr)
	}
	accessToken, _, issueErr := service.issuer.Issue(account, roles)
	if issueErr != nil {
		return nil, service.asFailure("jwt.issue", issueErr)
	}
	return &TokenPair{
		Message:          message,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken.Value,
		TokenType:        "Bearer",
		ExpiresIn:        int64(service.config.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int64(service.config.RefreshTokenTTL.Seconds()),
		Roles:            roles,
	}, nil
}

// asFailure passes business failures through untouched. Anything else is
// logged and collapsed to a generic failure so internal detail never reaches
// the caller.
func (service *Service) asFailure(operation string, err error) error {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	service.logger.Error("auth operation failed",
		zap.String("op", operation),
		zap.Error(err))
	return &Failure{Code: ErrUnexpected.Code, Message: ErrUnexpected.Message}
}

func validateRegistration(input RegisterInput) map[string]string {
	fieldErrors := make(map[string]string)

	username := strings.TrimSpace(input.Username)
	if username == "" {
		fieldErrors["username"] = "Username is required."
	} else if len(username) < 3 {
		fieldErrors["username"] = "Username must be at least 3 characters."
	}

	email := strings.TrimSpace(input.Email)
	if email == "" {
		fieldErrors["email"] = "Email is required."
	} else if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		fieldErrors["email"] = "Email is not valid."
	}

	if input.Password == "" {
		fieldErrors["password"] = "Password is required."
	} else if len(input.Password) < 8 {
		fieldErrors["password"] = "Password must be at least 8 characters."
	}

	if dob := strings.TrimSpace(input.DateOfBirth); dob != "" {
		if _, parseErr := time.Parse("2006-01-02", dob); parseErr != nil {
			fieldErrors["dateOfBirth"] = "Date of birth must be YYYY-MM-DD."
		}
	}

	return fieldErrors
}
