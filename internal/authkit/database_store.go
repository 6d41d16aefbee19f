package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("auth_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("auth_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("auth_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("auth_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("auth_store.unsupported_no_scheme")
	errVersionConflict     = errors.New("auth_store.version_conflict")
)

// databaseUpdateRetryLimit bounds the optimistic-concurrency retry loop.
const databaseUpdateRetryLimit = 5

// DatabaseStore persists accounts and refresh tokens using GORM. Per-account
// serialization uses optimistic concurrency: every aggregate commit bumps the
// account's version with a conditional update and retries on conflict, so
// unrelated accounts never contend on a shared lock.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type accountRecord struct {
	ID             string `gorm:"column:id;primaryKey"`
	Username       string `gorm:"column:username;not null"`
	UsernameLower  string `gorm:"column:username_lower;uniqueIndex;not null"`
	Email          string `gorm:"column:email;not null"`
	EmailLower     string `gorm:"column:email_lower;uniqueIndex;not null"`
	PasswordHash   string `gorm:"column:password_hash;not null"`
	Phone          string `gorm:"column:phone;not null;default:''"`
	DateOfBirth    string `gorm:"column:date_of_birth;not null;default:''"`
	LockoutEnabled bool   `gorm:"column:lockout_enabled;not null;default:false"`
	LockoutEndNs   int64  `gorm:"column:lockout_end_ns;not null;default:0"`
	FailedCount    int    `gorm:"column:failed_count;not null;default:0"`
	Version        int64  `gorm:"column:version;not null;default:0"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

type refreshTokenRecord struct {
	Value        string `gorm:"column:token_value;primaryKey"`
	AccountID    string `gorm:"column:account_id;index;not null"`
	CreatedNs    int64  `gorm:"column:created_ns;not null"`
	ExpiresNs    int64  `gorm:"column:expires_ns;not null"`
	RevokedNs    int64  `gorm:"column:revoked_ns;not null;default:0"`
	RevokeReason string `gorm:"column:revoke_reason;not null;default:''"`
	CreatedByIP  string `gorm:"column:created_by_ip;not null;default:''"`
	RevokedByIP  string `gorm:"column:revoked_by_ip;not null;default:''"`
	DeviceInfo   string `gorm:"column:device_info;not null;default:''"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseStore constructs a GORM-backed store for postgres:// or
// sqlite:// URLs and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("auth_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("auth_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&accountRecord{}, &refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("auth_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// CreateAccount inserts a new account, enforcing case-insensitive uniqueness
// of username and email.
func (store *DatabaseStore) CreateAccount(ctx context.Context, account *Account) error {
	record := accountToRecord(account)
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		countErr := tx.Model(&accountRecord{}).
			Where("username_lower = ? OR email_lower = ?", record.UsernameLower, record.EmailLower).
			Count(&existing).Error
		if countErr != nil {
			return countErr
		}
		if existing > 0 {
			return ErrDuplicateAccount
		}
		return tx.Create(&record).Error
	})
	if txErr != nil {
		if errors.Is(txErr, ErrDuplicateAccount) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("auth_store.create_account.%s: %w", store.driverLabel, txErr)
	}
	return nil
}

// FindAccountByLogin resolves an account by username or email,
// case-insensitively, with its token collection.
func (store *DatabaseStore) FindAccountByLogin(ctx context.Context, usernameOrEmail string) (*AccountState, error) {
	loginKey := strings.ToLower(strings.TrimSpace(usernameOrEmail))
	var record accountRecord
	err := store.db.WithContext(ctx).
		Where("username_lower = ? OR email_lower = ?", loginKey, loginKey).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("auth_store.find_login.%s: %w", store.driverLabel, err)
	}
	return store.loadState(ctx, &record)
}

// FindAccountByTokenValue resolves the aggregate owning the opaque value.
func (store *DatabaseStore) FindAccountByTokenValue(ctx context.Context, tokenValue string) (*AccountState, error) {
	var tokenRow refreshTokenRecord
	err := store.db.WithContext(ctx).
		Where("token_value = ?", tokenValue).
		Take(&tokenRow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("auth_store.find_token.%s: %w", store.driverLabel, err)
	}
	var record accountRecord
	accountErr := store.db.WithContext(ctx).
		Where("id = ?", tokenRow.AccountID).
		Take(&record).Error
	if accountErr != nil {
		if errors.Is(accountErr, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("auth_store.find_token.%s: %w", store.driverLabel, accountErr)
	}
	return store.loadState(ctx, &record)
}

// UpdateAccount loads a fresh aggregate snapshot, applies mutate, and commits
// it in one transaction guarded by a conditional version bump. A concurrent
// writer triggers a bounded retry against a re-read snapshot; mutate errors
// abort without touching storage.
func (store *DatabaseStore) UpdateAccount(ctx context.Context, accountID string, mutate func(state *AccountState) error) (*AccountState, error) {
	for attempt := 0; attempt < databaseUpdateRetryLimit; attempt++ {
		state, commitErr := store.tryUpdateAccount(ctx, accountID, mutate)
		if errors.Is(commitErr, errVersionConflict) {
			continue
		}
		if commitErr != nil {
			return nil, commitErr
		}
		return state, nil
	}
	return nil, fmt.Errorf("auth_store.update.%s: %w", store.driverLabel, errVersionConflict)
}

func (store *DatabaseStore) tryUpdateAccount(ctx context.Context, accountID string, mutate func(state *AccountState) error) (*AccountState, error) {
	var committed AccountState

	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record accountRecord
		if err := tx.Where("id = ?", accountID).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		var tokenRows []refreshTokenRecord
		if err := tx.Where("account_id = ?", accountID).Order("created_ns").Find(&tokenRows).Error; err != nil {
			return err
		}

		state := recordsToState(&record, tokenRows)
		loadedVersion := state.Account.Version
		if err := mutate(&state); err != nil {
			return err
		}
		state.Account.Version = loadedVersion + 1

		updated := accountToRecord(&state.Account)
		result := tx.Model(&accountRecord{}).
			Where("id = ? AND version = ?", accountID, loadedVersion).
			Select("*").
			Updates(&updated)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errVersionConflict
		}

		keptValues := make([]string, 0, len(state.Tokens))
		for _, token := range state.Tokens {
			keptValues = append(keptValues, token.Value)
		}
		if len(state.Tokens) > 0 {
			rows := make([]refreshTokenRecord, 0, len(state.Tokens))
			for _, token := range state.Tokens {
				rows = append(rows, tokenToRecord(&token))
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		removal := tx.Where("account_id = ?", accountID)
		if len(keptValues) > 0 {
			removal = removal.Where("token_value NOT IN ?", keptValues)
		}
		if err := removal.Delete(&refreshTokenRecord{}).Error; err != nil {
			return err
		}

		committed = state
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &committed, nil
}

func (store *DatabaseStore) loadState(ctx context.Context, record *accountRecord) (*AccountState, error) {
	var tokenRows []refreshTokenRecord
	err := store.db.WithContext(ctx).
		Where("account_id = ?", record.ID).
		Order("created_ns").
		Find(&tokenRows).Error
	if err != nil {
		return nil, fmt.Errorf("auth_store.load_tokens.%s: %w", store.driverLabel, err)
	}
	state := recordsToState(record, tokenRows)
	return &state, nil
}

func accountToRecord(account *Account) accountRecord {
	return accountRecord{
		ID:             account.ID,
		Username:       account.Username,
		UsernameLower:  strings.ToLower(account.Username),
		Email:          account.Email,
		EmailLower:     strings.ToLower(account.Email),
		PasswordHash:   account.PasswordHash,
		Phone:          account.Phone,
		DateOfBirth:    account.DateOfBirth,
		LockoutEnabled: account.LockoutEnabled,
		LockoutEndNs:   timeToNs(account.LockoutEnd),
		FailedCount:    account.FailedCount,
		Version:        account.Version,
	}
}

func tokenToRecord(token *RefreshToken) refreshTokenRecord {
	return refreshTokenRecord{
		Value:        token.Value,
		AccountID:    token.AccountID,
		CreatedNs:    timeToNs(token.CreatedAt),
		ExpiresNs:    timeToNs(token.ExpiresAt),
		RevokedNs:    timeToNs(token.RevokedAt),
		RevokeReason: token.RevokeReason,
		CreatedByIP:  token.CreatedByIP,
		RevokedByIP:  token.RevokedByIP,
		DeviceInfo:   token.DeviceInfo,
	}
}

func recordsToState(record *accountRecord, tokenRows []refreshTokenRecord) AccountState {
	state := AccountState{
		Account: Account{
			ID:             record.ID,
			Username:       record.Username,
			Email:          record.Email,
			PasswordHash:   record.PasswordHash,
			Phone:          record.Phone,
			DateOfBirth:    record.DateOfBirth,
			LockoutEnabled: record.LockoutEnabled,
			LockoutEnd:     nsToTime(record.LockoutEndNs),
			FailedCount:    record.FailedCount,
			Version:        record.Version,
		},
	}
	state.Tokens = make([]RefreshToken, 0, len(tokenRows))
	for _, row := range tokenRows {
		state.Tokens = append(state.Tokens, RefreshToken{
			Value:        row.Value,
			AccountID:    row.AccountID,
			CreatedAt:    nsToTime(row.CreatedNs),
			ExpiresAt:    nsToTime(row.ExpiresNs),
			RevokedAt:    nsToTime(row.RevokedNs),
			RevokeReason: row.RevokeReason,
			CreatedByIP:  row.CreatedByIP,
			RevokedByIP:  row.RevokedByIP,
			DeviceInfo:   row.DeviceInfo,
		})
	}
	return state
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

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("auth_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("auth_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("auth_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("auth_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
