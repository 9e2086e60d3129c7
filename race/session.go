package race

import (
	"fmt"
	"strconv"
	"time"
)

// Mode distinguishes races where everyone starts together from races
// where each runner starts on their own and reports a manual time.
type Mode string

const (
	ModeLive  Mode = "live"
	ModeAsync Mode = "async"
)

// RunnerStatus tracks a single runner's outcome within a race.
type RunnerStatus string

const (
	StatusNotStarted RunnerStatus = "not_started"
	StatusDone       RunnerStatus = "done"
	StatusForfeit    RunnerStatus = "forfeit"
)

// Terminal reports whether the status can no longer change without an
// explicit undo.
func (rs RunnerStatus) Terminal() bool {
	return rs == StatusDone || rs == StatusForfeit
}

// RunnerResult is one runner's recorded outcome. FinishSeconds is set
// only for StatusDone.
type RunnerResult struct {
	Status        RunnerStatus `json:"status"`
	FinishSeconds *int64       `json:"finish_time"`
}

// Session is one race, keyed by the room it runs in. All fields are
// mutated only while the session's store guard is held; the JSON tags
// define the durable snapshot layout.
type Session struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"race_name"`
	Variant   string `json:"randomizer"`
	Mode      Mode   `json:"race_type"`
	CreatorID string `json:"creator_id"`

	Participants []string                 `json:"joined_users"`
	ReadyUsers   []string                 `json:"ready_users"`
	Runners      map[string]*RunnerResult `json:"runners"`

	Started   bool       `json:"started"`
	StartTime *time.Time `json:"start_time,omitempty"`
	SeedSet   bool       `json:"seed_set"`
	SeedURL   string     `json:"seed_url,omitempty"`

	Finalized bool   `json:"finalized"`
	WinnerID  string `json:"winner_id,omitempty"`

	Wagers map[string]int64 `json:"wagers"`

	SpoilersChannelID string `json:"spoilers_channel_id,omitempty"`
	AnnounceChannelID string `json:"announcement_channel_id,omitempty"`
	AnnounceMessageID string `json:"announcement_message_id,omitempty"`

	LastActivity time.Time `json:"last_activity"`
}

// NewSession creates a race in its forming state. The creator joins
// automatically, matching room creation granting the creator access.
func NewSession(channelID, name, variant string, mode Mode, creatorID string) *Session {
	return &Session{
		ChannelID:    channelID,
		Name:         name,
		Variant:      variant,
		Mode:         mode,
		CreatorID:    creatorID,
		Participants: []string{creatorID},
		ReadyUsers:   []string{},
		Runners:      make(map[string]*RunnerResult),
		Wagers:       make(map[string]int64),
		LastActivity: time.Now().UTC().Truncate(time.Second),
	}
}

// IsParticipant reports whether the user has joined and not quit.
func (s *Session) IsParticipant(userID string) bool {
	return containsID(s.Participants, userID)
}

// Join adds the user to the race. Joining twice is a no-op success.
// Live races close to new runners once started; async races stay open
// until finalization.
func (s *Session) Join(userID string) error {
	if s.Finalized {
		return fmt.Errorf("%w: race is already finalized", ErrConflict)
	}
	if s.Mode == ModeLive && s.Started {
		return fmt.Errorf("%w: live race has already started", ErrConflict)
	}
	if s.IsParticipant(userID) {
		return nil
	}
	s.Participants = append(s.Participants, userID)
	return nil
}

// Quit removes the user from the participant and ready sets. Any
// already-recorded runner outcome is kept; the ledger effects it drove
// have happened and are not unwound.
func (s *Session) Quit(userID string) error {
	if !s.IsParticipant(userID) {
		return fmt.Errorf("%w: you are not a tracked racer in this room", ErrNotEligible)
	}
	s.Participants = removeID(s.Participants, userID)
	s.ReadyUsers = removeID(s.ReadyUsers, userID)
	return nil
}

// Ready marks a live-race participant as ready. Idempotent.
func (s *Session) Ready(userID string) error {
	if s.Mode != ModeLive {
		return fmt.Errorf("%w: ready check only applies to live races", ErrNotEligible)
	}
	if !s.IsParticipant(userID) {
		return fmt.Errorf("%w: you are not part of this race", ErrNotEligible)
	}
	if s.Started {
		return fmt.Errorf("%w: race has already started", ErrConflict)
	}
	if containsID(s.ReadyUsers, userID) {
		return nil
	}
	s.ReadyUsers = append(s.ReadyUsers, userID)
	return nil
}

// StartPreconditions validates that the requesting user may start the
// race right now without committing anything. Live races require a
// generated seed and every participant ready; async races only require
// an unstarted race.
func (s *Session) StartPreconditions(userID string) error {
	if !s.IsParticipant(userID) {
		return fmt.Errorf("%w: you are not part of this race", ErrNotEligible)
	}
	if s.Started {
		return fmt.Errorf("%w: race has already started", ErrConflict)
	}
	if s.Mode == ModeLive {
		if !s.SeedSet {
			return fmt.Errorf("%w: a seed must be generated or submitted before starting", ErrPreconditionFailed)
		}
		for _, uid := range s.Participants {
			if !containsID(s.ReadyUsers, uid) {
				return fmt.Errorf("%w: not all racers are marked ready", ErrPreconditionFailed)
			}
		}
	}
	return nil
}

// Start transitions the race to started, stamping the start time. It
// re-validates because live starts commit after a countdown during
// which the session guard is not held.
func (s *Session) Start(userID string, now time.Time) error {
	if err := s.StartPreconditions(userID); err != nil {
		return err
	}
	s.Started = true
	t := now.UTC().Truncate(time.Second)
	s.StartTime = &t
	return nil
}

// Complete records a terminal outcome for the user. Live finish times
// are measured from the start stamp; async finishes carry a manually
// reported duration validated by the caller. A repeated completion is a
// benign conflict that leaves the recorded result untouched.
func (s *Session) Complete(userID string, status RunnerStatus, manualSeconds *int64, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: outcome must be done or forfeit", ErrInvalidInput)
	}
	if s.Finalized {
		return fmt.Errorf("%w: race is already finalized", ErrConflict)
	}
	if !s.IsParticipant(userID) {
		return fmt.Errorf("%w: you are not part of this race", ErrNotEligible)
	}
	if r, ok := s.Runners[userID]; ok && r.Status.Terminal() {
		return fmt.Errorf("%w: you are already marked as finished or forfeited", ErrConflict)
	}

	result := &RunnerResult{Status: status}
	if status == StatusDone {
		switch s.Mode {
		case ModeLive:
			if !s.Started || s.StartTime == nil {
				return fmt.Errorf("%w: race has not started", ErrPreconditionFailed)
			}
			elapsed := int64(now.UTC().Sub(*s.StartTime).Seconds())
			result.FinishSeconds = &elapsed
		case ModeAsync:
			if manualSeconds == nil {
				return fmt.Errorf("%w: async finishes need a time in H:MM:SS format", ErrInvalidInput)
			}
			seconds := *manualSeconds
			result.FinishSeconds = &seconds
		}
	}
	s.Runners[userID] = result
	return nil
}

// Undo reverts the user's terminal outcome back to not started,
// dropping any recorded finish time. Disallowed once finalized, which
// is also why no winner can exist here: WinnerID is only assigned at
// finalization.
func (s *Session) Undo(userID string) error {
	if s.Finalized {
		return fmt.Errorf("%w: race is already finalized", ErrConflict)
	}
	r, ok := s.Runners[userID]
	if !ok || !r.Status.Terminal() {
		return fmt.Errorf("%w: you have no finish or forfeit to undo", ErrConflict)
	}
	r.Status = StatusNotStarted
	r.FinishSeconds = nil
	return nil
}

// AllRunnersFinished reports whether every current participant has a
// terminal outcome. True for an empty participant set as well; callers
// decide what that means.
func (s *Session) AllRunnersFinished() bool {
	for _, uid := range s.Participants {
		r, ok := s.Runners[uid]
		if !ok || !r.Status.Terminal() {
			return false
		}
	}
	return true
}

// Winner returns the runner with status done and the minimal recorded
// finish time. Ties resolve to the lowest numeric user id so repeated
// runs over identical input pick the same winner.
func (s *Session) Winner() (string, bool) {
	var winnerID string
	var best int64
	found := false
	for uid, r := range s.Runners {
		if r.Status != StatusDone || r.FinishSeconds == nil {
			continue
		}
		t := *r.FinishSeconds
		if !found || t < best || (t == best && lessID(uid, winnerID)) {
			winnerID, best, found = uid, t, true
		}
	}
	return winnerID, found
}

// WagerPot is the sum of all stakes placed on this race.
func (s *Session) WagerPot() int64 {
	var pot int64
	for _, amount := range s.Wagers {
		pot += amount
	}
	return pot
}

// checkWager validates a stake against the per-mode cutoff and the
// eligibility rule (creator or participant). Balance checks belong to
// the ledger.
func (s *Session) checkWager(userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: wager amount must be positive", ErrInvalidInput)
	}
	if s.Finalized {
		return fmt.Errorf("%w: wagering is closed because the race has finished", ErrConflict)
	}
	// Live closes at start, async stays open until finalization. The
	// asymmetry is deliberate and mirrors long-standing behavior.
	if s.Mode == ModeLive && s.Started {
		return fmt.Errorf("%w: wagering is closed because the live race has started", ErrConflict)
	}
	if userID != s.CreatorID && !s.IsParticipant(userID) {
		return fmt.Errorf("%w: only the race creator or joined racers may wager", ErrNotEligible)
	}
	return nil
}

// clone deep-copies the session so read paths never alias guarded maps.
func (s *Session) clone() *Session {
	dup := *s
	dup.Participants = append([]string(nil), s.Participants...)
	dup.ReadyUsers = append([]string(nil), s.ReadyUsers...)
	dup.Runners = make(map[string]*RunnerResult, len(s.Runners))
	for uid, r := range s.Runners {
		rc := *r
		if r.FinishSeconds != nil {
			t := *r.FinishSeconds
			rc.FinishSeconds = &t
		}
		dup.Runners[uid] = &rc
	}
	dup.Wagers = make(map[string]int64, len(s.Wagers))
	for uid, amount := range s.Wagers {
		dup.Wagers[uid] = amount
	}
	if s.StartTime != nil {
		t := *s.StartTime
		dup.StartTime = &t
	}
	return &dup
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// lessID orders Discord snowflakes numerically, falling back to string
// order for ids that do not parse.
func lessID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
