package lottery

import (
	"fmt"
	"math/big"

	"golang.org/x/xerrors"
)

var (
	// ErrInsufficientContribution is returned when an entry pays less than
	// the entrance fee.
	ErrInsufficientContribution = xerrors.New("contribution below entrance fee")
	// ErrRoundNotOpen is returned when entering while the round is closed.
	ErrRoundNotOpen = xerrors.New("round is not open")
	// ErrUpkeepNotNeeded is matched by *UpkeepNotNeededError.
	ErrUpkeepNotNeeded = xerrors.New("upkeep not needed")
	// ErrUnknownRequest is returned for a fulfillment whose id is not the
	// pending one.
	ErrUnknownRequest = xerrors.New("unknown request")
	// ErrNoRandomWords is returned for a fulfillment without words.
	ErrNoRandomWords = xerrors.New("no random words")
	// ErrSettlementFailed wraps the ledger error of a failed payout.
	ErrSettlementFailed = xerrors.New("settlement failed")
	// ErrReentrantCall is returned for a mutating call made from inside the
	// machine's own settlement.
	ErrReentrantCall = xerrors.New("reentrant call")
	// ErrPlayerIndex is returned for an out-of-range roster index.
	ErrPlayerIndex = xerrors.New("player index out of range")
	// ErrRequestNotStale is returned by RetryRandomness before the request
	// timeout has elapsed, or when retries are disabled.
	ErrRequestNotStale = xerrors.New("request is not stale")
)

// UpkeepNotNeededError carries the diagnostics of a refused PerformUpkeep.
type UpkeepNotNeededError struct {
	Diagnostics
	Balance    *big.Int
	NumPlayers int
	State      State
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("upkeep not needed: balance=%v players=%d state=%s "+
		"(timePassed=%t open=%t balance=%t players=%t)", e.Balance,
		e.NumPlayers, e.State, e.TimePassed, e.IsOpen, e.HasBalance,
		e.HasPlayers)
}

// Is makes the error match ErrUpkeepNotNeeded.
func (e *UpkeepNotNeededError) Is(target error) bool {
	return target == ErrUpkeepNotNeeded
}
