package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vpetrenko/todoauth/internal/authkit"
)

var errVersionConflict = errors.New("authkitpg.version_conflict")

// updateRetryLimit bounds the optimistic-concurrency retry loop.
const updateRetryLimit = 5

// Store implements authkit.Store on PostgreSQL through a pgx pool, for
// deployments that prefer direct SQL over the GORM-backed store. Per-account
// serialization uses the same optimistic version stamp: each aggregate commit
// bumps the account's version conditionally and retries on conflict.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Postgres store over an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open builds a pool against the database URL, ensures the schema, and
// returns a ready store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, poolErr := BuildPool(ctx, databaseURL)
	if poolErr != nil {
		return nil, fmt.Errorf("authkitpg.open: %w", poolErr)
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("authkitpg.schema: %w", schemaErr)
	}
	return NewStore(pool), nil
}

// Close releases the underlying pool.
func (store *Store) Close() {
	store.pool.Close()
}

// CreateAccount inserts a new account, enforcing case-insensitive uniqueness
// of username and email.
func (store *Store) CreateAccount(ctx context.Context, account *authkit.Account) error {
	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("authkitpg.create_account: %w", beginErr)
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	var existing int
	countErr := transaction.QueryRow(ctx, `
SELECT COUNT(*) FROM accounts WHERE username_lower = $1 OR email_lower = $2
`, strings.ToLower(account.Username), strings.ToLower(account.Email)).Scan(&existing)
	if countErr != nil {
		return fmt.Errorf("authkitpg.create_account: %w", countErr)
	}
	if existing > 0 {
		return authkit.ErrDuplicateAccount
	}

	_, insertErr := transaction.Exec(ctx, `
INSERT INTO accounts (id, username, username_lower, email, email_lower, password_hash, phone, date_of_birth, lockout_enabled, lockout_end_ns, failed_count, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, account.ID, account.Username, strings.ToLower(account.Username),
		account.Email, strings.ToLower(account.Email), account.PasswordHash,
		account.Phone, account.DateOfBirth, account.LockoutEnabled,
		timeToNs(account.LockoutEnd), account.FailedCount, account.Version)
	if insertErr != nil {
		return fmt.Errorf("authkitpg.create_account: %w", insertErr)
	}
	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return fmt.Errorf("authkitpg.create_account: %w", commitErr)
	}
	return nil
}

// FindAccountByLogin resolves an account by username or email,
// case-insensitively, with its token collection.
func (store *Store) FindAccountByLogin(ctx context.Context, usernameOrEmail string) (*authkit.AccountState, error) {
	loginKey := strings.ToLower(strings.TrimSpace(usernameOrEmail))
	account, findErr := store.scanAccount(ctx, `
SELECT id, username, email, password_hash, phone, date_of_birth, lockout_enabled, lockout_end_ns, failed_count, version
FROM accounts
WHERE username_lower = $1 OR email_lower = $1
`, loginKey)
	if findErr != nil {
		if errors.Is(findErr, pgx.ErrNoRows) {
			return nil, authkit.ErrAccountNotFound
		}
		return nil, fmt.Errorf("authkitpg.find_login: %w", findErr)
	}
	return store.loadState(ctx, account)
}

// FindAccountByTokenValue resolves the aggregate owning the opaque value.
func (store *Store) FindAccountByTokenValue(ctx context.Context, tokenValue string) (*authkit.AccountState, error) {
	var accountID string
	lookupErr := store.pool.QueryRow(ctx, `
SELECT account_id FROM refresh_tokens WHERE token_value = $1
`, tokenValue).Scan(&accountID)
	if lookupErr != nil {
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, authkit.ErrTokenNotFound
		}
		return nil, fmt.Errorf("authkitpg.find_token: %w", lookupErr)
	}
	account, findErr := store.scanAccount(ctx, `
SELECT id, username, email, password_hash, phone, date_of_birth, lockout_enabled, lockout_end_ns, failed_count, version
FROM accounts
WHERE id = $1
`, accountID)
	if findErr != nil {
		if errors.Is(findErr, pgx.ErrNoRows) {
			return nil, authkit.ErrAccountNotFound
		}
		return nil, fmt.Errorf("authkitpg.find_token: %w", findErr)
	}
	return store.loadState(ctx, account)
}

// UpdateAccount loads a fresh aggregate snapshot, applies mutate, and commits
// it in one transaction guarded by a conditional version bump, retrying on
// conflict.
func (store *Store) UpdateAccount(ctx context.Context, accountID string, mutate func(state *authkit.AccountState) error) (*authkit.AccountState, error) {
	for attempt := 0; attempt < updateRetryLimit; attempt++ {
		state, commitErr := store.tryUpdateAccount(ctx, accountID, mutate)
		if errors.Is(commitErr, errVersionConflict) {
			continue
		}
		if commitErr != nil {
			return nil, commitErr
		}
		return state, nil
	}
	return nil, fmt.Errorf("authkitpg.update: %w", errVersionConflict)
}

func (store *Store) tryUpdateAccount(ctx context.Context, accountID string, mutate func(state *authkit.AccountState) error) (*authkit.AccountState, error) {
	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return nil, fmt.Errorf("authkitpg.update: %w", beginErr)
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	var account authkit.Account
	var lockoutEndNs int64
	scanErr := transaction.QueryRow(ctx, `
SELECT id, username, email, password_hash, phone, date_of_birth, lockout_enabled, lockout_end_ns, failed_count, version
FROM accounts
WHERE id = $1
`, accountID).Scan(&account.ID, &account.Username, &account.Email, &account.PasswordHash,
		&account.Phone, &account.DateOfBirth, &account.LockoutEnabled,
		&lockoutEndNs, &account.FailedCount, &account.Version)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, authkit.ErrAccountNotFound
		}
		return nil, fmt.Errorf("authkitpg.update: %w", scanErr)
	}
	account.LockoutEnd = nsToTime(lockoutEndNs)

	tokens, tokensErr := store.queryTokens(ctx, transaction, accountID)
	if tokensErr != nil {
		return nil, fmt.Errorf("authkitpg.update: %w", tokensErr)
	}

	state := authkit.AccountState{Account: account, Tokens: tokens}
	loadedVersion := state.Account.Version
	if mutateErr := mutate(&state); mutateErr != nil {
		return nil, mutateErr
	}
	state.Account.Version = loadedVersion + 1

	tag, updateErr := transaction.Exec(ctx, `
UPDATE accounts
SET username = $1, username_lower = $2, email = $3, email_lower = $4,
    password_hash = $5, phone = $6, date_of_birth = $7,
    lockout_enabled = $8, lockout_end_ns = $9, failed_count = $10, version = $11
WHERE id = $12 AND version = $13
`, state.Account.Username, strings.ToLower(state.Account.Username),
		state.Account.Email, strings.ToLower(state.Account.Email),
		state.Account.PasswordHash, state.Account.Phone, state.Account.DateOfBirth,
		state.Account.LockoutEnabled, timeToNs(state.Account.LockoutEnd),
		state.Account.FailedCount, state.Account.Version,
		accountID, loadedVersion)
	if updateErr != nil {
		return nil, fmt.Errorf("authkitpg.update: %w", updateErr)
	}
	if tag.RowsAffected() == 0 {
		return nil, errVersionConflict
	}

	keptValues := make([]string, 0, len(state.Tokens))
	for _, token := range state.Tokens {
		keptValues = append(keptValues, token.Value)
		_, upsertErr := transaction.Exec(ctx, `
INSERT INTO refresh_tokens (token_value, account_id, created_ns, expires_ns, revoked_ns, revoke_reason, created_by_ip, revoked_by_ip, device_info)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (token_value) DO UPDATE SET
    expires_ns = EXCLUDED.expires_ns,
    revoked_ns = EXCLUDED.revoked_ns,
    revoke_reason = EXCLUDED.revoke_reason,
    revoked_by_ip = EXCLUDED.revoked_by_ip,
    device_info = EXCLUDED.device_info
`, token.Value, token.AccountID, timeToNs(token.CreatedAt), timeToNs(token.ExpiresAt),
			timeToNs(token.RevokedAt), token.RevokeReason, token.CreatedByIP,
			token.RevokedByIP, token.DeviceInfo)
		if upsertErr != nil {
			return nil, fmt.Errorf("authkitpg.update: %w", upsertErr)
		}
	}
	_, deleteErr := transaction.Exec(ctx, `
DELETE FROM refresh_tokens WHERE account_id = $1 AND NOT (token_value = ANY($2))
`, accountID, keptValues)
	if deleteErr != nil {
		return nil, fmt.Errorf("authkitpg.update: %w", deleteErr)
	}

	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("authkitpg.update: %w", commitErr)
	}
	return &state, nil
}

func (store *Store) scanAccount(ctx context.Context, query string, arguments ...any) (*authkit.Account, error) {
	var account authkit.Account
	var lockoutEndNs int64
	scanErr := store.pool.QueryRow(ctx, query, arguments...).Scan(
		&account.ID, &account.Username, &account.Email, &account.PasswordHash,
		&account.Phone, &account.DateOfBirth, &account.LockoutEnabled,
		&lockoutEndNs, &account.FailedCount, &account.Version)
	if scanErr != nil {
		return nil, scanErr
	}
	account.LockoutEnd = nsToTime(lockoutEndNs)
	return &account, nil
}

func (store *Store) loadState(ctx context.Context, account *authkit.Account) (*authkit.AccountState, error) {
	tokens, tokensErr := store.queryTokens(ctx, store.pool, account.ID)
	if tokensErr != nil {
		return nil, fmt.Errorf("authkitpg.load_tokens: %w", tokensErr)
	}
	return &authkit.AccountState{Account: *account, Tokens: tokens}, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (store *Store) queryTokens(ctx context.Context, querier rowQuerier, accountID string) ([]authkit.RefreshToken, error) {
	rows, queryErr := querier.Query(ctx, `
SELECT token_value, account_id, created_ns, expires_ns, revoked_ns, revoke_reason, created_by_ip, revoked_by_ip, device_info
FROM refresh_tokens
WHERE account_id = $1
ORDER BY created_ns
`, accountID)
	if queryErr != nil {
		return nil, queryErr
	}
	defer rows.Close()

	tokens := make([]authkit.RefreshToken, 0)
	for rows.Next() {
		var token authkit.RefreshToken
		var createdNs, expiresNs, revokedNs int64
		if scanErr := rows.Scan(&token.Value, &token.AccountID, &createdNs, &expiresNs, &revokedNs,
			&token.RevokeReason, &token.CreatedByIP, &token.RevokedByIP, &token.DeviceInfo); scanErr != nil {
			return nil, scanErr
		}
		token.CreatedAt = nsToTime(createdNs)
		token.ExpiresAt = nsToTime(expiresNs)
		token.RevokedAt = nsToTime(revokedNs)
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func timeToNs(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixNano()
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
