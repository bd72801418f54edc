// Package vrf connects a lottery to a randomness coordinator. It turns the
// machine's requests into coordinator requests and checks every fulfillment
// before handing the words to the machine.
package vrf

import (
	"context"
	"math/big"
	"sync"

	"github.com/dedis/raffle/lottery"
	"github.com/dedis/raffle/oracle"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var (
	// ErrOnlyCoordinator is returned for a fulfillment that does not come
	// from the configured coordinator.
	ErrOnlyCoordinator = xerrors.New("only the coordinator can fulfill")
	// ErrInvalidProof is returned when the fulfillment signature does not
	// verify.
	ErrInvalidProof = xerrors.New("invalid randomness proof")
	// ErrNotBound is returned when a fulfillment arrives before Bind.
	ErrNotBound = xerrors.New("consumer not bound to a lottery")
)

// Requester is the coordinator side used by a Consumer.
type Requester interface {
	Address() common.Address
	RequestRandomWords(ctx context.Context, req oracle.Request) (uint64, error)
}

// Fulfiller is the lottery side used by a Consumer.
type Fulfiller interface {
	FulfillRandomWords(ctx context.Context, id lottery.RequestID, words []*big.Int) (common.Address, error)
}

// Consumer is the randomness client of one lottery.
type Consumer struct {
	address common.Address
	coord   Requester
	public  kyber.Point

	mu     sync.RWMutex
	target Fulfiller
}

// NewConsumer returns a consumer sending requests from address. If public is
// not nil every fulfillment must verify against it.
func NewConsumer(address common.Address, coord Requester, public kyber.Point) *Consumer {
	return &Consumer{address: address, coord: coord, public: public}
}

// Bind sets the lottery that receives the words.
func (c *Consumer) Bind(f Fulfiller) {
	c.mu.Lock()
	c.target = f
	c.mu.Unlock()
}

// Address returns the address requests are sent from.
func (c *Consumer) Address() common.Address { return c.address }

// RequestRandomWords implements lottery.Coordinator.
func (c *Consumer) RequestRandomWords(ctx context.Context, req lottery.RandomnessRequest) (lottery.RequestID, error) {
	id, err := c.coord.RequestRandomWords(ctx, oracle.Request{
		Sender:           c.address,
		KeyHash:          req.KeyHash,
		SubscriptionID:   req.SubscriptionID,
		Confirmations:    req.Confirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
	})
	if err != nil {
		return 0, err
	}
	return lottery.RequestID(id), nil
}

// RawFulfillRandomWords implements oracle.Consumer. The fulfillment is
// forwarded once; a failure is returned to the coordinator as is.
func (c *Consumer) RawFulfillRandomWords(ctx context.Context, f *oracle.Fulfillment) error {
	if f == nil {
		return xerrors.New("missing fulfillment")
	}
	if f.Coordinator != c.coord.Address() {
		return xerrors.Errorf("have %s, want %s: %w", f.Coordinator.Hex(),
			c.coord.Address().Hex(), ErrOnlyCoordinator)
	}
	if c.public != nil {
		if err := oracle.Verify(c.public, f); err != nil {
			log.Warnf("%s: rejecting request %d: %v", c.address.Hex(), f.RequestID, err)
			return xerrors.Errorf("%v: %w", err, ErrInvalidProof)
		}
	}
	c.mu.RLock()
	target := c.target
	c.mu.RUnlock()
	if target == nil {
		return ErrNotBound
	}
	_, err := target.FulfillRandomWords(ctx, lottery.RequestID(f.RequestID), f.Words)
	return err
}
