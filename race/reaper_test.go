package race

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingCleaner struct {
	mu      sync.Mutex
	cleaned []string
}

func (c *recordingCleaner) CleanupSession(_ context.Context, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, s.ChannelID)
}

func (c *recordingCleaner) cleanedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cleaned...)
}

func loadSession(store *Store, channelID string, finalized bool, idle time.Duration) {
	s := NewSession(channelID, "r-"+channelID, "FF4FE", ModeLive, "1")
	s.Finalized = finalized
	s.LastActivity = time.Now().UTC().Add(-idle)
	store.Load([]*Session{s})
}

func TestReaperSkipsUnfinalizedAndFresh(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemPersister())
	cleaner := &recordingCleaner{}
	reaper := NewReaper(store, cleaner, 10*time.Minute, time.Minute)

	// Unfinalized but long idle, and finalized but fresh.
	loadSession(store, "100", false, time.Hour)
	loadSession(store, "200", true, time.Minute)

	reaper.SweepOnce(ctx, time.Now())

	if _, err := store.Get("100"); err != nil {
		t.Error("reaper must never remove an unfinalized session")
	}
	if _, err := store.Get("200"); err != nil {
		t.Error("reaper must not remove a session inside the idle threshold")
	}
	if got := cleaner.cleanedIDs(); len(got) != 0 {
		t.Errorf("cleaner ran for ineligible sessions: %v", got)
	}
}

func TestReaperRemovesEligibleSessions(t *testing.T) {
	ctx := context.Background()
	persist := newMemPersister()
	store := NewStore(persist)
	cleaner := &recordingCleaner{}
	reaper := NewReaper(store, cleaner, 10*time.Minute, time.Minute)

	loadSession(store, "100", true, time.Hour)
	loadSession(store, "200", true, 11*time.Minute)
	loadSession(store, "300", true, 9*time.Minute)

	reaper.SweepOnce(ctx, time.Now())

	for _, id := range []string{"100", "200"} {
		if _, err := store.Get(id); err == nil {
			t.Errorf("session %s should have been reaped", id)
		}
	}
	if _, err := store.Get("300"); err != nil {
		t.Error("session 300 is within the threshold and must survive")
	}
	if got := cleaner.cleanedIDs(); len(got) != 2 {
		t.Errorf("cleaner should run exactly once per reaped session: %v", got)
	}

	persist.mu.Lock()
	_, kept := persist.activity["100"]
	persist.mu.Unlock()
	if kept {
		t.Error("activity row should be dropped with the session")
	}
}

// Threshold exactly reached counts as eligible (idle >= threshold).
func TestReaperThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	reaper := NewReaper(store, nil, 10*time.Minute, time.Minute)

	now := time.Now()
	s := NewSession("100", "r", "FF4FE", ModeLive, "1")
	s.Finalized = true
	s.LastActivity = now.Add(-10 * time.Minute)
	store.Load([]*Session{s})

	reaper.SweepOnce(ctx, now)
	if _, err := store.Get("100"); err == nil {
		t.Error("idle equal to the threshold should be reaped")
	}
}

// Restart path: sessions that crossed the threshold while the process
// was down are reclaimed on the first sweep, before any ticks.
func TestReaperStartSweepsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore(newMemPersister())
	cleaner := &recordingCleaner{}
	loadSession(store, "100", true, time.Hour)

	reaper := NewReaper(store, cleaner, 10*time.Minute, time.Hour)
	reaper.Start(ctx)
	defer reaper.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := store.Get("100"); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup sweep did not reclaim the stale session")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := cleaner.cleanedIDs(); len(got) != 1 || got[0] != "100" {
		t.Errorf("cleaner calls = %v, want exactly [100]", got)
	}
}
