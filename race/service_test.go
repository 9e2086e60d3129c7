package race

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewStore(newMemPersister()), NewLedger(newMemAccountStore()))
}

// Live race end to end: both runners join and ready up, the race
// starts, one finishes and one forfeits, and finalization fires on its
// own with the right winner and ledger movement.
func TestLiveRaceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "100", "ff4fe-abcd-live", "FF4FE", ModeLive, "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Join(ctx, "100", "2"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetSeed(ctx, "100", "1", "https://example.test/seed"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Ready(ctx, "100", "1"); err != nil {
		t.Fatal(err)
	}

	if err := svc.CheckStart("100", "1"); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("start with an unready racer should fail preconditions, got: %v", err)
	}
	if err := svc.Ready(ctx, "100", "2"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx, "100", "1"); err != nil {
		t.Fatal(err)
	}

	// Backdate the start so the measured elapsed time is 5:10.
	if err := svc.Store.With(ctx, "100", func(s *Session) error {
		backdated := s.StartTime.Add(-310 * time.Second)
		s.StartTime = &backdated
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Complete(ctx, "100", "1", StatusDone, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Finalized {
		t.Fatal("race finalized with a runner still outstanding")
	}
	if res.FinishSeconds == nil || *res.FinishSeconds < 310 || *res.FinishSeconds > 312 {
		t.Fatalf("elapsed = %v, want ~310", res.FinishSeconds)
	}

	res, err = svc.Complete(ctx, "100", "2", StatusForfeit, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Finalized || res.Final.WinnerID != "1" {
		t.Fatalf("expected auto-finalize with winner 1, got %+v", res)
	}

	s, _ := svc.Store.Get("100")
	if !s.Finalized || s.WinnerID != "1" {
		t.Errorf("session not sealed correctly: finalized=%v winner=%q", s.Finalized, s.WinnerID)
	}

	winner := svc.Ledger.Account(ctx, "1")
	loser := svc.Ledger.Account(ctx, "2")
	if winner.RacesWon["FF4FE"] != 1 {
		t.Errorf("winner win count = %d, want 1", winner.RacesWon["FF4FE"])
	}
	if winner.RacesJoined["FF4FE"] != 1 || loser.RacesJoined["FF4FE"] != 1 {
		t.Error("both runners should have a participation increment")
	}
	if winner.Shards != StartingShards+WinAward+ParticipationAward {
		t.Errorf("winner balance = %d", winner.Shards)
	}
	if loser.Shards != StartingShards+ParticipationAward {
		t.Errorf("loser balance = %d", loser.Shards)
	}
}

func TestAsyncManualTimes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "200", "ff4fe-abcd-async", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Join(ctx, "200", "2"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx, "200", "1"); err != nil {
		t.Fatal(err)
	}

	// Malformed time changes nothing.
	if _, err := svc.Complete(ctx, "200", "1", StatusDone, "5:99"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("malformed time should be InvalidInput, got: %v", err)
	}
	s, _ := svc.Store.Get("200")
	if len(s.Runners) != 0 {
		t.Fatal("rejected completion must not record a runner outcome")
	}

	if _, err := svc.Complete(ctx, "200", "1", StatusDone, "1:05:10"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "2", StatusDone, "1:02:00"); err != nil {
		t.Fatal(err)
	}

	// Async races never auto-finalize; the creator closes them.
	s, _ = svc.Store.Get("200")
	if s.Finalized {
		t.Fatal("async race must not auto-finalize")
	}

	if _, err := svc.ForceFinalize(ctx, "200", "2"); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("only the creator may close an async race, got: %v", err)
	}
	res, err := svc.ForceFinalize(ctx, "200", "1")
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerID != "2" {
		t.Errorf("winner = %q, want 2 (faster manual time)", res.WinnerID)
	}
}

func TestForceFinalizeForfeitsOutstandingRunners(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "200", "r", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Join(ctx, "200", "2"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "1", StatusDone, "0:45:00"); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ForceFinalize(ctx, "200", "1")
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerID != "1" {
		t.Errorf("winner = %q, want 1", res.WinnerID)
	}

	s, _ := svc.Store.Get("200")
	if r := s.Runners["2"]; r == nil || r.Status != StatusForfeit {
		t.Error("outstanding runner should be recorded as an implicit forfeit")
	}
	// The implicit forfeit still counts as participation.
	if got := svc.Ledger.Account(ctx, "2").RacesJoined["FF4FE"]; got != 1 {
		t.Errorf("forfeited runner participation = %d, want 1", got)
	}
}

func TestForceFinalizeRules(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "100", "r", "FF4FE", ModeLive, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ForceFinalize(ctx, "100", "1"); !errors.Is(err, ErrNotEligible) {
		t.Errorf("force-finalizing a live race should be NotEligible, got: %v", err)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "200", "r", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "1", StatusDone, "1:00:00"); err != nil {
		t.Fatal(err)
	}
	first, err := svc.ForceFinalize(ctx, "200", "1")
	if err != nil {
		t.Fatal(err)
	}
	balanceAfterFirst := svc.Ledger.Account(ctx, "1").Shards

	second, err := svc.ForceFinalize(ctx, "200", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyFinalized || second.WinnerID != first.WinnerID {
		t.Errorf("second finalize should no-op with the same winner: %+v", second)
	}
	if got := svc.Ledger.Account(ctx, "1").Shards; got != balanceAfterFirst {
		t.Errorf("second finalize moved the balance: %d -> %d", balanceAfterFirst, got)
	}
}

func TestUndoAfterFinalize(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "200", "r", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "1", StatusDone, "1:00:00"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ForceFinalize(ctx, "200", "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Undo(ctx, "200", "1"); !errors.Is(err, ErrConflict) {
		t.Errorf("undo after finalize should conflict, got: %v", err)
	}
}

func TestWagerAccumulation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "200", "r", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}

	res, err := svc.PlaceWager(ctx, "200", "1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalStake != 50 || res.Balance != 50 {
		t.Errorf("after first wager: stake=%d balance=%d, want 50/50", res.TotalStake, res.Balance)
	}

	res, err = svc.PlaceWager(ctx, "200", "1", 30)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalStake != 80 || res.Balance != 20 || res.Pot != 80 {
		t.Errorf("after second wager: stake=%d balance=%d pot=%d, want 80/20/80", res.TotalStake, res.Balance, res.Pot)
	}

	// A rejected wager leaves both the session and the balance alone.
	if _, err := svc.PlaceWager(ctx, "200", "1", 21); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("over-balance wager should be InsufficientFunds, got: %v", err)
	}
	s, _ := svc.Store.Get("200")
	if s.Wagers["1"] != 80 {
		t.Errorf("failed wager changed the recorded stake: %d", s.Wagers["1"])
	}
	if got := svc.Ledger.Account(ctx, "1").Shards; got != 20 {
		t.Errorf("failed wager changed the balance: %d", got)
	}

	if _, err := svc.PlaceWager(ctx, "200", "1", 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("non-positive wager should be InvalidInput, got: %v", err)
	}
	if _, err := svc.PlaceWager(ctx, "200", "9", 10); !errors.Is(err, ErrNotEligible) {
		t.Errorf("outsider wager should be NotEligible, got: %v", err)
	}
}

func TestWagerCutoffsByMode(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	// Live: closed once started.
	if _, err := svc.CreateSession(ctx, "100", "live", "FF4FE", ModeLive, "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetSeed(ctx, "100", "1", "u"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Ready(ctx, "100", "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx, "100", "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceWager(ctx, "100", "1", 10); !errors.Is(err, ErrConflict) {
		t.Errorf("live wager after start should conflict, got: %v", err)
	}

	// Async: still open after start, closed after finalize.
	if _, err := svc.CreateSession(ctx, "200", "async", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx, "200", "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceWager(ctx, "200", "1", 10); err != nil {
		t.Errorf("async wager after start should be accepted, got: %v", err)
	}
	if _, err := svc.Complete(ctx, "200", "1", StatusDone, "1:00:00"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ForceFinalize(ctx, "200", "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceWager(ctx, "200", "1", 10); !errors.Is(err, ErrConflict) {
		t.Errorf("async wager after finalize should conflict, got: %v", err)
	}
}

// All runners forfeit: the pot stays where it fell. Nobody is refunded.
// That asymmetry is intentional, so pin it down.
func TestNoWinnerPotIsNotRefunded(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "200", "r", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Join(ctx, "200", "2"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceWager(ctx, "200", "1", 40); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceWager(ctx, "200", "2", 25); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "1", StatusForfeit, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "2", StatusForfeit, ""); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ForceFinalize(ctx, "200", "1")
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerID != "" || res.Pot != 0 {
		t.Fatalf("all-forfeit finalize should have no winner and pay nothing: %+v", res)
	}

	// Stakes stay deducted; only participation awards land.
	if got := svc.Ledger.Account(ctx, "1").Shards; got != StartingShards-40+ParticipationAward {
		t.Errorf("user 1 balance = %d", got)
	}
	if got := svc.Ledger.Account(ctx, "2").Shards; got != StartingShards-25+ParticipationAward {
		t.Errorf("user 2 balance = %d", got)
	}
}

func TestWagerPotPaysWinnerInFull(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreateSession(ctx, "200", "r", "FF4FE", ModeAsync, "1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Join(ctx, "200", "2"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceWager(ctx, "200", "1", 40); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceWager(ctx, "200", "2", 25); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "1", StatusDone, "1:00:00"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, "200", "2", StatusDone, "1:10:00"); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ForceFinalize(ctx, "200", "1")
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerID != "1" || res.Pot != 65 {
		t.Fatalf("finalize = %+v, want winner 1 with pot 65", res)
	}

	// 100 - 40 staked + 65 pot + 10 win + 2 participation.
	if got := svc.Ledger.Account(ctx, "1").Shards; got != 137 {
		t.Errorf("winner balance = %d, want 137", got)
	}
	if got := svc.Ledger.Account(ctx, "2").Shards; got != StartingShards-25+ParticipationAward {
		t.Errorf("loser balance = %d", got)
	}
}

func TestCreateSessionValidatesVariant(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if _, err := svc.CreateSession(ctx, "100", "r", "FF9R", ModeLive, "1"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown variant should be InvalidInput, got: %v", err)
	}
}

func TestOperationsOnUnknownSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if err := svc.Join(ctx, "404", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("join on unknown session should be NotFound, got: %v", err)
	}
	if _, err := svc.Complete(ctx, "404", "1", StatusDone, "1:00:00"); !errors.Is(err, ErrNotFound) {
		t.Errorf("complete on unknown session should be NotFound, got: %v", err)
	}
}
