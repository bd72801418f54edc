package easyraffle

import (
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&storage{},
		&DeployRequest{}, &DeployReply{},
		&FundRequest{}, &FundReply{},
		&EnterRequest{}, &EnterReply{},
		&CheckUpkeepRequest{}, &CheckUpkeepReply{},
		&PerformUpkeepRequest{}, &PerformUpkeepReply{},
		&FulfillRequest{}, &FulfillReply{},
		&RetryRequest{}, &RetryReply{},
		&IncreaseTimeRequest{}, &IncreaseTimeReply{},
		&GetStateRequest{}, &GetStateReply{},
		&GetPlayerRequest{}, &GetPlayerReply{},
		&GetBalanceRequest{}, &GetBalanceReply{},
		&GetEventsRequest{}, &GetEventsReply{})
}

// Addresses are 20-byte slices and amounts are big-endian unsigned wei
// values, as produced by common.Address.Bytes and big.Int.Bytes.

// DeployRequest creates the raffle of a node together with its local
// randomness coordinator. Durations are in seconds.
type DeployRequest struct {
	Network          string
	Dev              bool
	Deployer         []byte
	EntranceFee      []byte
	Interval         int64
	KeyHash          []byte
	CallbackGasLimit uint32
	Confirmations    uint32
	RequestTimeout   int64
	BaseFee          []byte
	GasPrice         []byte
	SubscriptionFund []byte
}

// DeployReply returns the addresses picked for the deployment.
type DeployReply struct {
	Raffle         []byte
	Coordinator    []byte
	SubscriptionID uint64
	OraclePublic   []byte
}

// FundRequest credits Amount to Account out of thin air.
type FundRequest struct {
	Account []byte
	Amount  []byte
}

// FundReply returns the new balance.
type FundReply struct {
	Balance []byte
}

// EnterRequest pays Value from Player into the pool.
type EnterRequest struct {
	Player []byte
	Value  []byte
}

// EnterReply returns the roster size after the entry.
type EnterReply struct {
	NumPlayers int
}

// CheckUpkeepRequest evaluates the upkeep predicate.
type CheckUpkeepRequest struct{}

// CheckUpkeepReply holds the result and every term.
type CheckUpkeepReply struct {
	Needed     bool
	TimePassed bool
	IsOpen     bool
	HasBalance bool
	HasPlayers bool
}

// PerformUpkeepRequest closes the round.
type PerformUpkeepRequest struct{}

// PerformUpkeepReply returns the randomness request id.
type PerformUpkeepReply struct {
	RequestID uint64
}

// FulfillRequest lets the local coordinator answer RequestID. Zero stands
// for the raffle's pending request.
type FulfillRequest struct {
	RequestID uint64
}

// FulfillReply carries the winner and the proof of the words.
type FulfillReply struct {
	Winner    []byte
	Payout    []byte
	RequestID uint64
	KeyHash   []byte
	Round     uint64
	Prev      []byte
	Signature []byte
	Words     [][]byte
}

// RetryRequest replaces a stale randomness request.
type RetryRequest struct{}

// RetryReply returns the new request id.
type RetryReply struct {
	RequestID uint64
}

// IncreaseTimeRequest moves the node's raffle clock forward.
type IncreaseTimeRequest struct {
	Seconds int64
}

// IncreaseTimeReply returns the raffle time in unix nanoseconds.
type IncreaseTimeReply struct {
	Now int64
}

// GetStateRequest asks for the raffle state.
type GetStateRequest struct{}

// GetStateReply describes the raffle. Times are unix nanoseconds.
type GetStateReply struct {
	Network             string
	Raffle              []byte
	Coordinator         []byte
	OraclePublic        []byte
	SubscriptionID      uint64
	SubscriptionBalance []byte
	Calculating         bool
	PendingRequest      uint64
	EntranceFee         []byte
	Interval            int64
	Balance             []byte
	NumPlayers          int
	RecentWinner        []byte
	LastTimestamp       int64
	Round               uint64
	Now                 int64
}

// GetPlayerRequest asks for the roster entry at Index.
type GetPlayerRequest struct {
	Index int
}

// GetPlayerReply returns a roster entry.
type GetPlayerReply struct {
	Player []byte
}

// GetBalanceRequest asks for the ledger balance of Account.
type GetBalanceRequest struct {
	Account []byte
}

// GetBalanceReply returns a ledger balance.
type GetBalanceReply struct {
	Balance []byte
}

// GetEventsRequest asks for the events starting at index From.
type GetEventsRequest struct {
	From int
}

// GetEventsReply returns the events and the total count.
type GetEventsReply struct {
	Events []EventRecord
	Total  int
}

// EventRecord is a lottery event as kept in the event log.
type EventRecord struct {
	Index     int
	Kind      string
	Player    []byte
	RequestID uint64
	Amount    []byte
	Round     uint64
	Time      int64
}

// storage is what the service saves in its onet database.
type storage struct {
	Deployed       bool
	Deployment     DeployRequest
	SubscriptionID uint64
	// TimeOffset is the clock advance applied with IncreaseTime, in
	// nanoseconds.
	TimeOffset int64
}
