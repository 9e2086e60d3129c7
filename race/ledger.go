package race

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Account is one user's durable economy record: shard balance plus
// per-variant counters of races joined and won. Accounts are created
// lazily on first reference and never deleted.
type Account struct {
	UserID      string         `json:"user_id"`
	Shards      int64          `json:"shards"`
	RacesJoined map[string]int `json:"races_joined"`
	RacesWon    map[string]int `json:"races_won"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (a *Account) clone() *Account {
	dup := *a
	dup.RacesJoined = make(map[string]int, len(a.RacesJoined))
	for k, v := range a.RacesJoined {
		dup.RacesJoined[k] = v
	}
	dup.RacesWon = make(map[string]int, len(a.RacesWon))
	for k, v := range a.RacesWon {
		dup.RacesWon[k] = v
	}
	return &dup
}

// AccountStore is the durable side of the ledger.
type AccountStore interface {
	LoadAccounts(ctx context.Context) ([]*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
}

// NopAccountStore discards writes; see NopPersister.
type NopAccountStore struct{}

func (NopAccountStore) LoadAccounts(context.Context) ([]*Account, error) { return nil, nil }
func (NopAccountStore) SaveAccount(context.Context, *Account) error      { return nil }

type accountEntry struct {
	mu   sync.Mutex
	acct *Account
}

// Ledger owns every user account for the lifetime of the process.
// Writes to one account are serialized on its own lock, so two races
// finalizing with the same winner cannot race on that balance, while
// unrelated accounts stay independent.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*accountEntry
	store   AccountStore
}

// NewLedger creates an empty ledger backed by the given account store.
func NewLedger(store AccountStore) *Ledger {
	if store == nil {
		store = NopAccountStore{}
	}
	return &Ledger{
		entries: make(map[string]*accountEntry),
		store:   store,
	}
}

// LoadAll seeds the ledger from durable storage at startup.
func (l *Ledger) LoadAll(ctx context.Context) error {
	accounts, err := l.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("loading user accounts: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range accounts {
		if a.RacesJoined == nil {
			a.RacesJoined = make(map[string]int)
		}
		if a.RacesWon == nil {
			a.RacesWon = make(map[string]int)
		}
		l.entries[a.UserID] = &accountEntry{acct: a}
	}
	return nil
}

// Account returns a snapshot of the user's account, creating it with
// the starting balance on first reference.
func (l *Ledger) Account(ctx context.Context, userID string) *Account {
	entry := l.ensure(ctx, userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.acct.clone()
}

// AwardWin credits the fixed win award and bumps the win counter for
// the variant.
func (l *Ledger) AwardWin(ctx context.Context, userID, variant string) {
	l.update(ctx, userID, func(a *Account) {
		a.Shards += WinAward
		a.RacesWon[variant]++
	})
}

// IncrementParticipation credits the fixed participation award and
// bumps the joined counter for the variant.
func (l *Ledger) IncrementParticipation(ctx context.Context, userID, variant string) {
	l.update(ctx, userID, func(a *Account) {
		a.Shards += ParticipationAward
		a.RacesJoined[variant]++
	})
}

// Debit removes amount from the user's balance, refusing to let it go
// negative. Used when a wager is staked.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	entry := l.ensure(ctx, userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if amount > entry.acct.Shards {
		return entry.acct.Shards, fmt.Errorf("%w: available %d, wagered %d", ErrInsufficientFunds, entry.acct.Shards, amount)
	}
	entry.acct.Shards -= amount
	l.save(ctx, entry.acct)
	return entry.acct.Shards, nil
}

// Credit adds amount to the user's balance. Used for pot payouts.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) {
	if amount <= 0 {
		return
	}
	l.update(ctx, userID, func(a *Account) {
		a.Shards += amount
	})
}

func (l *Ledger) update(ctx context.Context, userID string, fn func(*Account)) {
	entry := l.ensure(ctx, userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(entry.acct)
	l.save(ctx, entry.acct)
}

func (l *Ledger) ensure(ctx context.Context, userID string) *accountEntry {
	l.mu.RLock()
	entry, ok := l.entries[userID]
	l.mu.RUnlock()
	if ok {
		return entry
	}

	l.mu.Lock()
	entry, ok = l.entries[userID]
	created := false
	if !ok {
		entry = &accountEntry{acct: &Account{
			UserID:      userID,
			Shards:      StartingShards,
			RacesJoined: make(map[string]int),
			RacesWon:    make(map[string]int),
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
		}}
		l.entries[userID] = entry
		created = true
	}
	l.mu.Unlock()

	if created {
		entry.mu.Lock()
		l.save(ctx, entry.acct)
		entry.mu.Unlock()
	}
	return entry
}

// save writes the account through to durable storage. Failures are
// logged and swallowed here: the in-memory ledger stays authoritative
// and the row is rewritten on the next mutation.
func (l *Ledger) save(ctx context.Context, a *Account) {
	if err := l.store.SaveAccount(ctx, a.clone()); err != nil {
		log.Printf("Failed to persist account %s: %v", a.UserID, err)
	}
}
