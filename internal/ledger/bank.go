// Package ledger is an in-memory host for custody accounts. It serializes
// writers per account and rolls a transaction back when it fails, the way the
// cluster runtime does.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/gagliardetto/solana-go"
)

// MaxPermittedDataIncrease bounds how far one transaction may grow an account.
const MaxPermittedDataIncrease = 10 * 1024

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrReallocTooLarge = errors.New("realloc exceeds permitted data increase")
)

type Account struct {
	mu       sync.Mutex
	key      solana.PublicKey
	owner    solana.PublicKey
	data     []byte
	lamports uint64
	// base is the data length when the current transaction began.
	base int
}

func (a *Account) Key() solana.PublicKey   { return a.key }
func (a *Account) Owner() solana.PublicKey { return a.owner }
func (a *Account) Data() []byte            { return a.data }
func (a *Account) Lamports() uint64        { return a.lamports }
func (a *Account) SetLamports(v uint64)    { a.lamports = v }

func (a *Account) Realloc(size int) error {
	if size < 0 {
		return fmt.Errorf("realloc %s: negative size %d", a.key, size)
	}
	if size > a.base+MaxPermittedDataIncrease {
		return fmt.Errorf("%w: %s from %d to %d bytes", ErrReallocTooLarge, a.key, a.base, size)
	}
	if size <= len(a.data) {
		a.data = a.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, a.data)
	a.data = grown
	return nil
}

// State is a detached copy of an account.
type State struct {
	Key      solana.PublicKey `json:"key"`
	Owner    solana.PublicKey `json:"owner"`
	Lamports uint64           `json:"lamports"`
	Data     []byte           `json:"data"`
}

type Bank struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
}

func NewBank() *Bank {
	return &Bank{accounts: make(map[solana.PublicKey]*Account)}
}

// Fund creates key if needed and credits lamports to it.
func (b *Bank) Fund(key, owner solana.PublicKey, lamports uint64) (*Account, error) {
	b.mu.Lock()
	acct, ok := b.accounts[key]
	if !ok {
		acct = &Account{key: key, owner: owner}
		b.accounts[key] = acct
	}
	b.mu.Unlock()

	// account locks are never taken while b.mu is held
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.lamports > ^uint64(0)-lamports {
		return nil, fmt.Errorf("%w: funding %s overflows", custody.ErrArithmeticFault, key)
	}
	acct.lamports += lamports
	return acct, nil
}

// Load installs a full account state, replacing any existing account at that key.
func (b *Bank) Load(state State) *Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := &Account{
		key:      state.Key,
		owner:    state.Owner,
		data:     bytes.Clone(state.Data),
		lamports: state.Lamports,
		base:     len(state.Data),
	}
	b.accounts[state.Key] = acct
	return acct
}

// OpenCustody creates the empty program-owned custody account of owner's seed.
func (b *Bank) OpenCustody(programID, owner solana.PublicKey, seed, rent uint64) (*Account, error) {
	key, _, err := custody.DeriveCustodyPDA(programID, owner, seed)
	if err != nil {
		return nil, fmt.Errorf("derive custody account: %w", err)
	}
	b.mu.RLock()
	_, exists := b.accounts[key]
	b.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("custody account %s already exists", key)
	}
	return b.Fund(key, programID, rent)
}

func (b *Bank) Account(key solana.PublicKey) (*Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acct, ok := b.accounts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return acct, nil
}

func (b *Bank) Snapshot(key solana.PublicKey) (State, error) {
	acct, err := b.Account(key)
	if err != nil {
		return State{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return State{Key: acct.key, Owner: acct.owner, Lamports: acct.lamports, Data: bytes.Clone(acct.data)}, nil
}

type saved struct {
	acct     *Account
	data     []byte
	lamports uint64
}

// Execute runs fn with exclusive access to keys. If fn fails or ctx is done
// every touched account returns to its state before the call.
func (b *Bank) Execute(ctx context.Context, keys []solana.PublicKey, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unique := make([]solana.PublicKey, 0, len(keys))
	seen := make(map[solana.PublicKey]struct{}, len(keys))
	for _, key := range keys {
		if key.IsZero() {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	// fixed lock order keeps overlapping transactions from deadlocking
	sort.Slice(unique, func(i, j int) bool {
		return bytes.Compare(unique[i][:], unique[j][:]) < 0
	})

	accounts, err := b.resolve(unique)
	if err != nil {
		return err
	}

	locked := make([]saved, 0, len(accounts))
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].acct.mu.Unlock()
		}
	}()
	for _, acct := range accounts {
		acct.mu.Lock()
		acct.base = len(acct.data)
		locked = append(locked, saved{acct: acct, data: bytes.Clone(acct.data), lamports: acct.lamports})
	}

	err = fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for _, entry := range locked {
			entry.acct.data = entry.data
			entry.acct.lamports = entry.lamports
		}
		return err
	}
	return nil
}

func (b *Bank) resolve(keys []solana.PublicKey) ([]*Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Account, 0, len(keys))
	for _, key := range keys {
		acct, ok := b.accounts[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
		}
		out = append(out, acct)
	}
	return out, nil
}
