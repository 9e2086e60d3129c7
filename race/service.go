package race

import (
	"context"
	"fmt"
	"time"
)

// Service binds the session store and the user ledger into the race
// operation surface invoked by the command layer. Every mutating
// operation runs inside the session's store guard; ledger writes nest
// inside it and never the other way around.
type Service struct {
	Store  *Store
	Ledger *Ledger
}

// NewService wires a service over the given store and ledger.
func NewService(store *Store, ledger *Ledger) *Service {
	return &Service{Store: store, Ledger: ledger}
}

// FinalizeResult reports the outcome of sealing a race.
type FinalizeResult struct {
	AlreadyFinalized bool
	WinnerID         string
	Pot              int64
}

// CompleteResult reports a recorded runner outcome and, for live races
// that finished with it, the finalization it triggered.
type CompleteResult struct {
	Status        RunnerStatus
	FinishSeconds *int64
	Finalized     bool
	Final         FinalizeResult
}

// WagerResult reports the user's cumulative stake, pot size, and
// remaining balance after a wager is accepted.
type WagerResult struct {
	Amount     int64
	TotalStake int64
	Pot        int64
	Balance    int64
}

// CreateSession registers a brand-new race for the given room.
func (svc *Service) CreateSession(ctx context.Context, channelID, name, variant string, mode Mode, creatorID string) (*Session, error) {
	if !KnownVariant(variant) {
		return nil, fmt.Errorf("%w: unknown randomizer %s", ErrInvalidInput, variant)
	}
	s := NewSession(channelID, name, variant, mode, creatorID)
	if err := svc.Store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// Join adds the user to the race.
func (svc *Service) Join(ctx context.Context, channelID, userID string) error {
	return svc.Store.With(ctx, channelID, func(s *Session) error {
		return s.Join(userID)
	})
}

// Quit stops tracking the user as a racer. Recorded outcomes stay.
func (svc *Service) Quit(ctx context.Context, channelID, userID string) error {
	return svc.Store.With(ctx, channelID, func(s *Session) error {
		return s.Quit(userID)
	})
}

// Ready marks the user ready for a live start.
func (svc *Service) Ready(ctx context.Context, channelID, userID string) error {
	return svc.Store.With(ctx, channelID, func(s *Session) error {
		return s.Ready(userID)
	})
}

// CheckStart validates start preconditions without committing, so the
// command layer can refuse before it begins a countdown.
func (svc *Service) CheckStart(channelID, userID string) error {
	s, err := svc.Store.Get(channelID)
	if err != nil {
		return err
	}
	return s.StartPreconditions(userID)
}

// Start commits the started transition. For live races this runs after
// the countdown's final tick; a countdown abandoned by shutdown simply
// never calls it.
func (svc *Service) Start(ctx context.Context, channelID, userID string) error {
	return svc.Store.With(ctx, channelID, func(s *Session) error {
		return s.Start(userID, time.Now())
	})
}

// SetSeed records that a seed was generated or submitted for the race,
// opening the live start gate.
func (svc *Service) SetSeed(ctx context.Context, channelID, userID, url string) error {
	return svc.Store.With(ctx, channelID, func(s *Session) error {
		if s.Finalized {
			return fmt.Errorf("%w: race is already finalized", ErrConflict)
		}
		if !s.IsParticipant(userID) {
			return fmt.Errorf("%w: you are not part of this race", ErrNotEligible)
		}
		s.SeedSet = true
		s.SeedURL = url
		return nil
	})
}

// Complete records a done or forfeit outcome. When a live race's last
// outstanding runner reaches a terminal status, finalization runs in
// the same guarded critical section.
func (svc *Service) Complete(ctx context.Context, channelID, userID string, status RunnerStatus, manualTime string) (CompleteResult, error) {
	var res CompleteResult
	err := svc.Store.With(ctx, channelID, func(s *Session) error {
		var manual *int64
		if s.Mode == ModeAsync && status == StatusDone {
			seconds, err := ParseFinishTime(manualTime)
			if err != nil {
				return err
			}
			manual = &seconds
		}
		if err := s.Complete(userID, status, manual, time.Now()); err != nil {
			return err
		}
		res.Status = status
		if r := s.Runners[userID]; r.FinishSeconds != nil {
			t := *r.FinishSeconds
			res.FinishSeconds = &t
		}
		if s.Mode == ModeLive && s.AllRunnersFinished() {
			res.Final = svc.finalize(ctx, s)
			res.Finalized = true
		}
		return nil
	})
	return res, err
}

// Undo reverts the user's terminal outcome. Refused after finalize.
func (svc *Service) Undo(ctx context.Context, channelID, userID string) error {
	return svc.Store.With(ctx, channelID, func(s *Session) error {
		return s.Undo(userID)
	})
}

// ForceFinalize seals an async race on the creator's authority. Every
// runner still without a terminal outcome is recorded as an implicit
// forfeit first. Calling it on an already finalized race is a no-op
// that reports the existing winner.
func (svc *Service) ForceFinalize(ctx context.Context, channelID, userID string) (FinalizeResult, error) {
	var res FinalizeResult
	err := svc.Store.With(ctx, channelID, func(s *Session) error {
		if s.Mode != ModeAsync {
			return fmt.Errorf("%w: only async races can be closed this way", ErrNotEligible)
		}
		if userID != s.CreatorID {
			return fmt.Errorf("%w: only the race creator can close an async race", ErrNotEligible)
		}
		if s.Finalized {
			res = FinalizeResult{AlreadyFinalized: true, WinnerID: s.WinnerID}
			return nil
		}
		for _, uid := range s.Participants {
			if r, ok := s.Runners[uid]; !ok || !r.Status.Terminal() {
				s.Runners[uid] = &RunnerResult{Status: StatusForfeit}
			}
		}
		res = svc.finalize(ctx, s)
		return nil
	})
	return res, err
}

// PlaceWager stakes shards on the race. Stakes accumulate per user and
// each addition is deducted from the balance immediately. Refused after
// the per-mode cutoff.
func (svc *Service) PlaceWager(ctx context.Context, channelID, userID string, amount int64) (WagerResult, error) {
	var res WagerResult
	err := svc.Store.With(ctx, channelID, func(s *Session) error {
		if err := s.checkWager(userID, amount); err != nil {
			return err
		}
		balance, err := svc.Ledger.Debit(ctx, userID, amount)
		if err != nil {
			return err
		}
		s.Wagers[userID] += amount
		res = WagerResult{
			Amount:     amount,
			TotalStake: s.Wagers[userID],
			Pot:        s.WagerPot(),
			Balance:    balance,
		}
		return nil
	})
	return res, err
}

// Touch refreshes the race's activity stamp.
func (svc *Service) Touch(ctx context.Context, channelID string) error {
	return svc.Store.Touch(ctx, channelID)
}

// finalize seals the session: winner selection, pot payout, win award,
// and participation awards for every terminal runner. Caller holds the
// session guard. A pot with no winner is deliberately not refunded.
func (svc *Service) finalize(ctx context.Context, s *Session) FinalizeResult {
	if s.Finalized {
		return FinalizeResult{AlreadyFinalized: true, WinnerID: s.WinnerID}
	}

	var res FinalizeResult
	if winnerID, ok := s.Winner(); ok {
		s.WinnerID = winnerID
		res.WinnerID = winnerID
		res.Pot = s.WagerPot()
		svc.Ledger.AwardWin(ctx, winnerID, s.Variant)
		svc.Ledger.Credit(ctx, winnerID, res.Pot)
	}
	for uid, r := range s.Runners {
		if r.Status.Terminal() {
			svc.Ledger.IncrementParticipation(ctx, uid, s.Variant)
		}
	}
	s.Finalized = true
	return res
}
