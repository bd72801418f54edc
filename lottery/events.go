package lottery

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a notification.
type EventKind int

const (
	// EventEntered follows a successful Enter.
	EventEntered EventKind = iota
	// EventRequestedWinner follows a randomness request.
	EventRequestedWinner
	// EventWinnerPicked follows a successful settlement.
	EventWinnerPicked
)

func (k EventKind) String() string {
	switch k {
	case EventEntered:
		return "Entered"
	case EventRequestedWinner:
		return "RequestedWinner"
	case EventWinnerPicked:
		return "WinnerPicked"
	default:
		return "Unknown"
	}
}

// Event is emitted after an operation has committed.
type Event struct {
	Kind EventKind
	// Player is the entrant for EventEntered and the winner for
	// EventWinnerPicked.
	Player    common.Address
	RequestID RequestID
	// Amount is the contribution or the payout.
	Amount *big.Int
	Round  uint64
	Time   time.Time
}

// Listener receives events. It runs without the machine lock held and may
// call back into the machine.
type Listener func(Event)
