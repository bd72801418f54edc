package lottery

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the externally visible round status.
type State int

const (
	// StateOpen accepts entries.
	StateOpen State = iota
	// StateCalculating waits for the oracle.
	StateCalculating
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCalculating:
		return "CALCULATING"
	default:
		return "UNKNOWN"
	}
}

// RequestID correlates a randomness request with its fulfillment.
type RequestID uint64

// Phase is the round state together with the data only valid in it.
type Phase interface {
	State() State
}

// Open is the phase in which players may enter.
type Open struct{}

// State implements Phase.
func (Open) State() State { return StateOpen }

// Calculating is the phase between the randomness request and its
// fulfillment.
type Calculating struct {
	RequestID   RequestID
	RequestedAt time.Time
}

// State implements Phase.
func (Calculating) State() State { return StateCalculating }

// Config holds the parameters fixed at deployment.
type Config struct {
	// Name keys the record in the ledger, several lotteries can share one
	// backend.
	Name string
	// Address is the ledger account holding the pool.
	Address     common.Address
	EntranceFee *big.Int
	Interval    time.Duration
	// Randomness request parameters.
	KeyHash          common.Hash
	SubscriptionID   uint64
	Confirmations    uint16
	CallbackGasLimit uint32
	// RequestTimeout enables RetryRandomness once a request has been
	// outstanding that long. Zero disables it.
	RequestTimeout time.Duration
}

// NumWords is the number of random words requested per round.
const NumWords = 1

// RandomnessRequest is what the machine hands to its Coordinator.
type RandomnessRequest struct {
	KeyHash          common.Hash
	SubscriptionID   uint64
	Confirmations    uint16
	CallbackGasLimit uint32
	NumWords         uint32
}

// Snapshot is a copy of the machine's round data.
type Snapshot struct {
	Phase         Phase
	Players       []common.Address
	Balance       *big.Int
	LastTimestamp time.Time
	RecentWinner  common.Address
	Round         uint64
}

// State returns the snapshot's round status.
func (s Snapshot) State() State { return s.Phase.State() }

// PendingRequest returns the in-flight request, if any.
func (s Snapshot) PendingRequest() (RequestID, bool) {
	c, ok := s.Phase.(Calculating)
	return c.RequestID, ok
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Players = append([]common.Address(nil), s.Players...)
	c.Balance = new(big.Int).Set(s.Balance)
	return c
}

// record is the persisted form of a Snapshot.
type record struct {
	Calculating   bool
	RequestID     uint64
	RequestedAt   int64
	Players       [][]byte
	Balance       []byte
	LastTimestamp int64
	RecentWinner  []byte
	Round         uint64
}

func (s Snapshot) toRecord() *record {
	r := &record{
		Players:       make([][]byte, len(s.Players)),
		Balance:       s.Balance.Bytes(),
		LastTimestamp: s.LastTimestamp.UnixNano(),
		RecentWinner:  s.RecentWinner.Bytes(),
		Round:         s.Round,
	}
	for i, p := range s.Players {
		r.Players[i] = p.Bytes()
	}
	if c, ok := s.Phase.(Calculating); ok {
		r.Calculating = true
		r.RequestID = uint64(c.RequestID)
		r.RequestedAt = c.RequestedAt.UnixNano()
	}
	return r
}

func (r *record) toSnapshot() Snapshot {
	s := Snapshot{
		Phase:         Open{},
		Players:       make([]common.Address, len(r.Players)),
		Balance:       new(big.Int).SetBytes(r.Balance),
		LastTimestamp: time.Unix(0, r.LastTimestamp),
		RecentWinner:  common.BytesToAddress(r.RecentWinner),
		Round:         r.Round,
	}
	for i, p := range r.Players {
		s.Players[i] = common.BytesToAddress(p)
	}
	if r.Calculating {
		s.Phase = Calculating{
			RequestID:   RequestID(r.RequestID),
			RequestedAt: time.Unix(0, r.RequestedAt),
		}
	}
	return s
}
