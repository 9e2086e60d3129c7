package race

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memPersister records persistence calls for assertions.
type memPersister struct {
	mu       sync.Mutex
	sessions map[string]*Session
	activity map[string]time.Time
	saves    int
	failNext bool
}

func newMemPersister() *memPersister {
	return &memPersister{
		sessions: make(map[string]*Session),
		activity: make(map[string]time.Time),
	}
}

func (m *memPersister) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("disk on fire")
	}
	m.sessions[s.ChannelID] = s
	m.saves++
	return nil
}

func (m *memPersister) DeleteSession(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, channelID)
	return nil
}

func (m *memPersister) SaveActivity(_ context.Context, channelID string, lastActive time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[channelID] = lastActive
	return nil
}

func (m *memPersister) DeleteActivity(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activity, channelID)
	return nil
}

func (m *memPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersister()
	store := NewStore(persist)

	s := NewSession("100", "ff4fe-abcd-live", "FF4FE", ModeLive, "1")
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Create(ctx, NewSession("100", "other", "FF4FE", ModeLive, "2")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate create should conflict, got: %v", err)
	}

	got, err := store.Get("100")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	// The snapshot must not alias guarded state.
	got.Participants = append(got.Participants, "999")
	got.Wagers["999"] = 5

	again, _ := store.Get("100")
	if len(again.Participants) != 1 || len(again.Wagers) != 0 {
		t.Error("mutating a Get snapshot leaked into the store")
	}

	if _, err := store.Get("404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id should be NotFound, got: %v", err)
	}
}

func TestStoreFindByName(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	if err := store.Create(ctx, NewSession("100", "ff4fe-abcd-live", "FF4FE", ModeLive, "1")); err != nil {
		t.Fatal(err)
	}

	s, err := store.FindByName("ff4fe-abcd-live")
	if err != nil || s.ChannelID != "100" {
		t.Errorf("FindByName = %v, %v", s, err)
	}
	for _, name := range []string{"FF4FE-ABCD-LIVE", "ff4fe-AbCd-live"} {
		if s, err := store.FindByName(name); err != nil || s.ChannelID != "100" {
			t.Errorf("FindByName(%q) = %v, %v, want case-insensitive match", name, s, err)
		}
	}
	if _, err := store.FindByName("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown name should be NotFound, got: %v", err)
	}
}

func TestWithRejectedOpLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersister()
	store := NewStore(persist)
	if err := store.Create(ctx, NewSession("100", "r", "FF4FE", ModeLive, "1")); err != nil {
		t.Fatal(err)
	}
	savesBefore := persist.saveCount()

	err := store.With(ctx, "100", func(s *Session) error {
		s.Participants = append(s.Participants, "2")
		s.Wagers["2"] = 50
		return ErrNotEligible
	})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected the fn error back, got: %v", err)
	}

	s, _ := store.Get("100")
	if len(s.Participants) != 1 || len(s.Wagers) != 0 {
		t.Error("rejected operation must leave the session exactly as before")
	}
	if persist.saveCount() != savesBefore {
		t.Error("rejected operation must not write to durable storage")
	}
}

func TestWithSerializesMutations(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	if err := store.Create(ctx, NewSession("100", "r", "FF4FE", ModeAsync, "1")); err != nil {
		t.Fatal(err)
	}

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = store.With(ctx, "100", func(s *Session) error {
				s.Wagers["1"]++
				return nil
			})
		}()
	}
	wg.Wait()

	s, _ := store.Get("100")
	if s.Wagers["1"] != n {
		t.Errorf("lost updates: counter = %d, want %d", s.Wagers["1"], n)
	}
}

func TestWithStampsActivity(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	s := NewSession("100", "r", "FF4FE", ModeLive, "1")
	s.LastActivity = time.Now().UTC().Add(-time.Hour)
	store.Load([]*Session{s})

	if err := store.Touch(ctx, "100"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get("100")
	if time.Since(got.LastActivity) > time.Minute {
		t.Errorf("touch did not refresh activity: %v", got.LastActivity)
	}
}

func TestWithPersistFailurePropagates(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersister()
	store := NewStore(persist)
	if err := store.Create(ctx, NewSession("100", "r", "FF4FE", ModeAsync, "1")); err != nil {
		t.Fatal(err)
	}

	persist.mu.Lock()
	persist.failNext = true
	persist.mu.Unlock()

	err := store.With(ctx, "100", func(s *Session) error {
		return s.Join("2")
	})
	if err == nil {
		t.Fatal("expected persistence failure to propagate")
	}
	// In-memory state stays authoritative; the next save rewrites it.
	s, _ := store.Get("100")
	if !s.IsParticipant("2") {
		t.Error("in-memory mutation should survive a failed save")
	}
}

func TestRemoveIf(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersister()
	store := NewStore(persist)
	if err := store.Create(ctx, NewSession("100", "r", "FF4FE", ModeLive, "1")); err != nil {
		t.Fatal(err)
	}

	removed, err := store.RemoveIf(ctx, "100", func(*Session) bool { return false })
	if removed || err != nil {
		t.Fatalf("RemoveIf(false) = %v, %v", removed, err)
	}
	if _, err := store.Get("100"); err != nil {
		t.Error("session vanished despite the predicate returning false")
	}

	removed, err = store.RemoveIf(ctx, "100", func(*Session) bool { return true })
	if !removed || err != nil {
		t.Fatalf("RemoveIf(true) = %v, %v", removed, err)
	}
	if _, err := store.Get("100"); !errors.Is(err, ErrNotFound) {
		t.Error("session should be gone after removal")
	}

	persist.mu.Lock()
	_, sessKept := persist.sessions["100"]
	_, actKept := persist.activity["100"]
	persist.mu.Unlock()
	if sessKept || actKept {
		t.Error("durable rows should be deleted with the session")
	}
}
