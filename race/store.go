package race

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Persister is the durable side of the store: one snapshot row per
// session plus an activity timestamp row per session. Implemented over
// Postgres in utils; nil-safe wrappers are not provided, callers pass a
// working implementation or NopPersister.
type Persister interface {
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, channelID string) error
	SaveActivity(ctx context.Context, channelID string, lastActive time.Time) error
	DeleteActivity(ctx context.Context, channelID string) error
}

// NopPersister discards writes. Used when the process runs without a
// database and by tests that only exercise in-memory behavior.
type NopPersister struct{}

func (NopPersister) SaveSession(context.Context, *Session) error           { return nil }
func (NopPersister) DeleteSession(context.Context, string) error           { return nil }
func (NopPersister) SaveActivity(context.Context, string, time.Time) error { return nil }
func (NopPersister) DeleteActivity(context.Context, string) error          { return nil }

type sessionEntry struct {
	mu      sync.Mutex
	sess    *Session
	removed bool
}

// Store owns every active session for its lifetime. All mutation goes
// through With, which serializes writers per session while leaving
// unrelated sessions free to proceed in parallel.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
	persist Persister
}

// NewStore creates an empty store backed by the given persister.
func NewStore(persist Persister) *Store {
	if persist == nil {
		persist = NopPersister{}
	}
	return &Store{
		entries: make(map[string]*sessionEntry),
		persist: persist,
	}
}

// Load seeds the store with sessions recovered from durable storage.
// Called once at startup before any command traffic.
func (st *Store) Load(sessions []*Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range sessions {
		st.entries[s.ChannelID] = &sessionEntry{sess: s}
	}
}

// Create registers a new session and writes its first snapshot. A
// duplicate channel id is a conflict.
func (st *Store) Create(ctx context.Context, s *Session) error {
	st.mu.Lock()
	if _, exists := st.entries[s.ChannelID]; exists {
		st.mu.Unlock()
		return fmt.Errorf("%w: a race already exists in channel %s", ErrConflict, s.ChannelID)
	}
	st.entries[s.ChannelID] = &sessionEntry{sess: s}
	st.mu.Unlock()

	if err := st.persist.SaveSession(ctx, s.clone()); err != nil {
		return fmt.Errorf("persisting new race %s: %w", s.ChannelID, err)
	}
	if err := st.persist.SaveActivity(ctx, s.ChannelID, s.LastActivity); err != nil {
		return fmt.Errorf("persisting activity for race %s: %w", s.ChannelID, err)
	}
	return nil
}

// Get returns a snapshot copy of the session. Mutating the copy has no
// effect on the stored session.
func (st *Store) Get(channelID string) (*Session, error) {
	entry, err := st.lookup(channelID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return nil, ErrNotFound
	}
	return entry.sess.clone(), nil
}

// FindByName resolves a race by its room name. Matching ignores case
// so a typed name resolves however the user capitalizes it.
func (st *Store) FindByName(name string) (*Session, error) {
	st.mu.RLock()
	var match string
	for id, entry := range st.entries {
		if strings.EqualFold(entry.sess.Name, name) {
			match = id
			break
		}
	}
	st.mu.RUnlock()
	if match == "" {
		return nil, fmt.Errorf("%w: no race named %s", ErrNotFound, name)
	}
	return st.Get(match)
}

// ChannelIDs lists the ids of all tracked sessions.
func (st *Store) ChannelIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.entries))
	for id := range st.entries {
		ids = append(ids, id)
	}
	return ids
}

// With runs fn with exclusive access to the session. When fn succeeds
// the activity stamp is refreshed and the snapshot plus activity row
// are persisted; when fn fails nothing is written and the session is
// left exactly as it was. This is the only sanctioned mutation path.
func (st *Store) With(ctx context.Context, channelID string, fn func(*Session) error) error {
	entry, err := st.lookup(channelID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return ErrNotFound
	}

	before := entry.sess.clone()
	if err := fn(entry.sess); err != nil {
		*entry.sess = *before
		return err
	}
	entry.sess.LastActivity = time.Now().UTC().Truncate(time.Second)

	if err := st.persist.SaveSession(ctx, entry.sess.clone()); err != nil {
		log.Printf("Failed to persist race %s: %v", channelID, err)
		return fmt.Errorf("persisting race %s: %w", channelID, err)
	}
	if err := st.persist.SaveActivity(ctx, channelID, entry.sess.LastActivity); err != nil {
		log.Printf("Failed to persist activity for race %s: %v", channelID, err)
		return fmt.Errorf("persisting activity for race %s: %w", channelID, err)
	}
	return nil
}

// Touch refreshes the activity stamp without any other mutation. Used
// when chatter is observed in a race room.
func (st *Store) Touch(ctx context.Context, channelID string) error {
	return st.With(ctx, channelID, func(*Session) error { return nil })
}

// RemoveIf acquires the session guard, evaluates fn, and removes the
// session (memory and durable rows) only when fn returns true. The
// reaper routes resource cleanup through fn so deletion can never race
// another mutation on the same session.
func (st *Store) RemoveIf(ctx context.Context, channelID string, fn func(*Session) bool) (bool, error) {
	entry, err := st.lookup(channelID)
	if err != nil {
		return false, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return false, ErrNotFound
	}
	if !fn(entry.sess) {
		return false, nil
	}
	entry.removed = true

	st.mu.Lock()
	delete(st.entries, channelID)
	st.mu.Unlock()

	if err := st.persist.DeleteSession(ctx, channelID); err != nil {
		return true, fmt.Errorf("deleting race %s: %w", channelID, err)
	}
	if err := st.persist.DeleteActivity(ctx, channelID); err != nil {
		return true, fmt.Errorf("deleting activity for race %s: %w", channelID, err)
	}
	return true, nil
}

func (st *Store) lookup(channelID string) (*sessionEntry, error) {
	st.mu.RLock()
	entry, ok := st.entries[channelID]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}
