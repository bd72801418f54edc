package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"
)

const (
	// MaxConfirmations bounds Request.Confirmations.
	MaxConfirmations = 200
	// MaxCallbackGasLimit bounds Request.CallbackGasLimit.
	MaxCallbackGasLimit = 2500000
	// MaxNumWords bounds Request.NumWords.
	MaxNumWords = 500
	// MaxConsumers is the number of consumers a subscription can hold.
	MaxConsumers = 100
)

var (
	ErrInvalidSubscription  = xerrors.New("invalid subscription")
	ErrInvalidConsumer      = xerrors.New("invalid consumer")
	ErrMustBeSubOwner       = xerrors.New("must be subscription owner")
	ErrTooManyConsumers     = xerrors.New("too many consumers")
	ErrInvalidConfirmations = xerrors.New("invalid request confirmations")
	ErrGasLimitTooBig       = xerrors.New("callback gas limit too big")
	ErrNumWordsTooBig       = xerrors.New("too many words requested")
	ErrNonexistentRequest   = xerrors.New("nonexistent request")
	ErrInsufficientBalance  = xerrors.New("insufficient subscription balance")
	ErrNoEndpoint           = xerrors.New("no endpoint registered for consumer")
	ErrInvalidAmount        = xerrors.New("invalid amount")
)

// Request asks for NumWords random words on behalf of Sender.
type Request struct {
	Sender           common.Address
	KeyHash          common.Hash
	SubscriptionID   uint64
	Confirmations    uint16
	CallbackGasLimit uint32
	NumWords         uint32
}

// Fulfillment is the answer to one request. Signature is a BLS signature on
// Message(Round, Prev, RequestID, KeyHash) and the words are derived from
// it, see Verify.
type Fulfillment struct {
	Coordinator common.Address
	RequestID   uint64
	KeyHash     common.Hash
	Round       uint64
	Prev        []byte
	Signature   []byte
	Words       []*big.Int
	Payment     *big.Int
}

// Subscription pays for the requests of its consumers.
type Subscription struct {
	ID        uint64
	Owner     common.Address
	Balance   *big.Int
	Consumers []common.Address
	// Requests counts the requests made through the subscription.
	Requests uint64
}

// state is the persisted form of a coordinator.
type state struct {
	Private          []byte
	NextSubscription uint64
	NextRequest      uint64
	Round            uint64
	Prev             []byte
	Subscriptions    []*subscriptionRecord
	Pending          []*requestRecord
}

type subscriptionRecord struct {
	ID        uint64
	Owner     []byte
	Balance   []byte
	Consumers [][]byte
	Requests  uint64
}

type requestRecord struct {
	ID               uint64
	Sender           []byte
	KeyHash          []byte
	SubscriptionID   uint64
	Confirmations    uint32
	CallbackGasLimit uint32
	NumWords         uint32
}

func (st *state) subscription(id uint64) *subscriptionRecord {
	for _, s := range st.Subscriptions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (st *state) request(id uint64) (int, *requestRecord) {
	for i, r := range st.Pending {
		if r.ID == id {
			return i, r
		}
	}
	return -1, nil
}

func (s *subscriptionRecord) hasConsumer(addr common.Address) (int, bool) {
	for i, c := range s.Consumers {
		if common.BytesToAddress(c) == addr {
			return i, true
		}
	}
	return -1, false
}

func (s *subscriptionRecord) toSubscription() *Subscription {
	sub := &Subscription{
		ID:       s.ID,
		Owner:    common.BytesToAddress(s.Owner),
		Balance:  new(big.Int).SetBytes(s.Balance),
		Requests: s.Requests,
	}
	for _, c := range s.Consumers {
		sub.Consumers = append(sub.Consumers, common.BytesToAddress(c))
	}
	return sub
}

func (r *requestRecord) toRequest() Request {
	return Request{
		Sender:           common.BytesToAddress(r.Sender),
		KeyHash:          common.BytesToHash(r.KeyHash),
		SubscriptionID:   r.SubscriptionID,
		Confirmations:    uint16(r.Confirmations),
		CallbackGasLimit: r.CallbackGasLimit,
		NumWords:         r.NumWords,
	}
}
