package lottery

import (
	"math/big"
	"time"
)

// UpkeepInput is everything the upkeep predicate looks at.
type UpkeepInput struct {
	State      State
	Balance    *big.Int
	NumPlayers int
	Elapsed    time.Duration
	Interval   time.Duration
}

// Diagnostics reports every term of the upkeep predicate.
type Diagnostics struct {
	TimePassed bool
	IsOpen     bool
	HasBalance bool
	HasPlayers bool
}

// Needed is the conjunction of all terms.
func (d Diagnostics) Needed() bool {
	return d.TimePassed && d.IsOpen && d.HasBalance && d.HasPlayers
}

// CheckUpkeep evaluates all four terms; none is skipped even when an
// earlier one is false.
func CheckUpkeep(in UpkeepInput) Diagnostics {
	return Diagnostics{
		TimePassed: in.Elapsed >= in.Interval,
		IsOpen:     in.State == StateOpen,
		HasBalance: in.Balance != nil && in.Balance.Sign() > 0,
		HasPlayers: in.NumPlayers > 0,
	}
}
