package race

import "errors"

// Domain errors returned by session and ledger operations. Command
// handlers match on these with errors.Is and translate them into user
// facing replies; none of them indicate corrupted state.
var (
	ErrNotFound           = errors.New("race not found")
	ErrNotEligible        = errors.New("user is not eligible for this action")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("operation conflicts with current race state")
	ErrInsufficientFunds  = errors.New("insufficient shards")
	ErrPreconditionFailed = errors.New("race precondition not met")
)
