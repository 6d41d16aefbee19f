package authkit

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store intended for tests and dev runs. Each
// account aggregate carries its own mutex, so mutations of one account
// serialize against each other while unrelated accounts proceed in parallel.
type MemoryStore struct {
	mutex      sync.RWMutex
	slots      map[string]*memorySlot
	byUsername map[string]string
	byEmail    map[string]string
	byToken    map[string]string
}

type memorySlot struct {
	mutex sync.Mutex
	state AccountState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:      make(map[string]*memorySlot),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		byToken:    make(map[string]string),
	}
}

// CreateAccount registers a new account, enforcing case-insensitive
// uniqueness of username and email.
func (store *MemoryStore) CreateAccount(ctx context.Context, account *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	usernameKey := strings.ToLower(account.Username)
	emailKey := strings.ToLower(account.Email)

	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.byUsername[usernameKey]; exists {
		return ErrDuplicateAccount
	}
	if _, exists := store.byEmail[emailKey]; exists {
		return ErrDuplicateAccount
	}
	store.slots[account.ID] = &memorySlot{state: AccountState{Account: *account}}
	store.byUsername[usernameKey] = account.ID
	store.byEmail[emailKey] = account.ID
	return nil
}

// FindAccountByLogin resolves an account by username or email,
// case-insensitively, and returns a snapshot of its aggregate.
func (store *MemoryStore) FindAccountByLogin(ctx context.Context, usernameOrEmail string) (*AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loginKey := strings.ToLower(strings.TrimSpace(usernameOrEmail))

	store.mutex.RLock()
	accountID, found := store.byUsername[loginKey]
	if !found {
		accountID, found = store.byEmail[loginKey]
	}
	slot := store.slots[accountID]
	store.mutex.RUnlock()

	if !found || slot == nil {
		return nil, ErrAccountNotFound
	}
	return snapshotSlot(slot), nil
}

// FindAccountByTokenValue resolves the aggregate owning the opaque value.
func (store *MemoryStore) FindAccountByTokenValue(ctx context.Context, tokenValue string) (*AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutex.RLock()
	accountID, found := store.byToken[tokenValue]
	slot := store.slots[accountID]
	store.mutex.RUnlock()

	if !found || slot == nil {
		return nil, ErrTokenNotFound
	}
	return snapshotSlot(slot), nil
}

// UpdateAccount runs mutate on a copy of the aggregate under the account's
// own lock and swaps the result in. A cancelled context never commits.
func (store *MemoryStore) UpdateAccount(ctx context.Context, accountID string, mutate func(state *AccountState) error) (*AccountState, error) {
	store.mutex.RLock()
	slot := store.slots[accountID]
	store.mutex.RUnlock()
	if slot == nil {
		return nil, ErrAccountNotFound
	}

	slot.mutex.Lock()
	defer slot.mutex.Unlock()

	working := copyState(&slot.state)
	if err := mutate(&working); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	working.Account.Version++
	store.reindexTokens(&slot.state, &working, accountID)
	slot.state = working

	committed := copyState(&working)
	return &committed, nil
}

func (store *MemoryStore) reindexTokens(previous *AccountState, next *AccountState, accountID string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, token := range previous.Tokens {
		delete(store.byToken, token.Value)
	}
	for _, token := range next.Tokens {
		store.byToken[token.Value] = accountID
	}
}

func snapshotSlot(slot *memorySlot) *AccountState {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()
	snapshot := copyState(&slot.state)
	return &snapshot
}

func copyState(state *AccountState) AccountState {
	cloned := AccountState{Account: state.Account}
	cloned.Tokens = make([]RefreshToken, len(state.Tokens))
	copy(cloned.Tokens, state.Tokens)
	return cloned
}
