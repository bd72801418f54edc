// Package oracle is a local randomness coordinator for development networks.
// Consumers are grouped in prepaid subscriptions; each fulfillment is a BLS
// signature over a chained message from which the random words are derived,
// so anyone holding the public key can check them.
package oracle

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/dedis/raffle/ledger"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Consumer receives fulfillments.
type Consumer interface {
	RawFulfillRandomWords(ctx context.Context, f *Fulfillment) error
}

// Config holds the coordinator parameters.
type Config struct {
	Address common.Address
	// BaseFee and GasPrice price a fulfillment at
	// BaseFee + GasPrice*CallbackGasLimit.
	BaseFee  *big.Int
	GasPrice *big.Int
}

// Coordinator hands out request ids and answers them on demand. Its state,
// including the signing key, is kept in a ledger record.
type Coordinator struct {
	cfg     Config
	backend ledger.Backend
	key     []byte
	priv    kyber.Scalar
	pub     kyber.Point

	// fulfillMu serializes fulfillments, which run consumer code without mu
	// held.
	fulfillMu sync.Mutex
	mu        sync.Mutex
	st        *state
	endpoints map[common.Address]Consumer
}

// NewCoordinator loads the coordinator stored under cfg.Address in backend,
// or creates one with a fresh key pair.
func NewCoordinator(ctx context.Context, cfg Config, backend ledger.Backend) (*Coordinator, error) {
	if backend == nil {
		return nil, xerrors.New("missing ledger")
	}
	if cfg.BaseFee == nil {
		cfg.BaseFee = new(big.Int)
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = new(big.Int)
	}
	if cfg.BaseFee.Sign() < 0 || cfg.GasPrice.Sign() < 0 {
		return nil, xerrors.Errorf("negative fee: %w", ErrInvalidAmount)
	}
	c := &Coordinator{
		cfg:       cfg,
		backend:   backend,
		key:       []byte("oracle/" + cfg.Address.Hex()),
		endpoints: make(map[common.Address]Consumer),
	}
	err := backend.Update(ctx, func(tx ledger.Tx) error {
		buf, err := tx.Get(c.key)
		if err != nil {
			return err
		}
		if buf == nil {
			priv, _ := bls.NewKeyPair(suite, random.New())
			pbuf, err := priv.MarshalBinary()
			if err != nil {
				return err
			}
			c.st = &state{Private: pbuf, NextSubscription: 1, NextRequest: 1}
			return c.save(tx, c.st)
		}
		c.st = &state{}
		if err := protobuf.Decode(buf, c.st); err != nil {
			return xerrors.Errorf("decoding coordinator state: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("loading coordinator: %w", err)
	}
	c.priv = suite.G2().Scalar()
	if err := c.priv.UnmarshalBinary(c.st.Private); err != nil {
		return nil, xerrors.Errorf("decoding private key: %v", err)
	}
	c.pub = suite.G2().Point().Mul(c.priv, nil)
	log.Lvlf2("coordinator %s: round %d, %d pending requests", cfg.Address.Hex(),
		c.st.Round, len(c.st.Pending))
	return c, nil
}

// Address returns the coordinator's account.
func (c *Coordinator) Address() common.Address { return c.cfg.Address }

// PublicKey returns the key that verifies fulfillments.
func (c *Coordinator) PublicKey() kyber.Point { return c.pub }

// Register sets where fulfillments for addr are delivered.
func (c *Coordinator) Register(addr common.Address, consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if consumer == nil {
		delete(c.endpoints, addr)
		return
	}
	c.endpoints[addr] = consumer
}

// CreateSubscription opens an empty subscription owned by owner.
func (c *Coordinator) CreateSubscription(ctx context.Context, owner common.Address) (uint64, error) {
	var id uint64
	err := c.update(ctx, func(st *state) error {
		id = st.NextSubscription
		st.NextSubscription++
		st.Subscriptions = append(st.Subscriptions, &subscriptionRecord{
			ID:    id,
			Owner: owner.Bytes(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Lvlf2("subscription %d created for %s", id, owner.Hex())
	return id, nil
}

// FundSubscription adds amount to the balance of subscription id.
func (c *Coordinator) FundSubscription(ctx context.Context, id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.Errorf("%v: %w", amount, ErrInvalidAmount)
	}
	return c.update(ctx, func(st *state) error {
		sub := st.subscription(id)
		if sub == nil {
			return xerrors.Errorf("subscription %d: %w", id, ErrInvalidSubscription)
		}
		bal := new(big.Int).SetBytes(sub.Balance)
		sub.Balance = bal.Add(bal, amount).Bytes()
		return nil
	})
}

// AddConsumer allows consumer to request through subscription id. Adding a
// consumer twice is a no-op.
func (c *Coordinator) AddConsumer(ctx context.Context, owner common.Address, id uint64, consumer common.Address) error {
	return c.update(ctx, func(st *state) error {
		sub, err := ownedSubscription(st, owner, id)
		if err != nil {
			return err
		}
		if _, ok := sub.hasConsumer(consumer); ok {
			return nil
		}
		if len(sub.Consumers) >= MaxConsumers {
			return ErrTooManyConsumers
		}
		sub.Consumers = append(sub.Consumers, consumer.Bytes())
		return nil
	})
}

// RemoveConsumer revokes consumer from subscription id.
func (c *Coordinator) RemoveConsumer(ctx context.Context, owner common.Address, id uint64, consumer common.Address) error {
	return c.update(ctx, func(st *state) error {
		sub, err := ownedSubscription(st, owner, id)
		if err != nil {
			return err
		}
		i, ok := sub.hasConsumer(consumer)
		if !ok {
			return xerrors.Errorf("%s: %w", consumer.Hex(), ErrInvalidConsumer)
		}
		sub.Consumers = append(sub.Consumers[:i], sub.Consumers[i+1:]...)
		return nil
	})
}

func ownedSubscription(st *state, owner common.Address, id uint64) (*subscriptionRecord, error) {
	sub := st.subscription(id)
	if sub == nil {
		return nil, xerrors.Errorf("subscription %d: %w", id, ErrInvalidSubscription)
	}
	if common.BytesToAddress(sub.Owner) != owner {
		return nil, xerrors.Errorf("%s: %w", owner.Hex(), ErrMustBeSubOwner)
	}
	return sub, nil
}

// GetSubscription returns a copy of subscription id.
func (c *Coordinator) GetSubscription(id uint64) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.st.subscription(id)
	if sub == nil {
		return nil, xerrors.Errorf("subscription %d: %w", id, ErrInvalidSubscription)
	}
	return sub.toSubscription(), nil
}

// FindSubscription returns the lowest-numbered subscription of owner that
// lists consumer.
func (c *Coordinator) FindSubscription(owner, consumer common.Address) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.st.Subscriptions {
		if common.BytesToAddress(sub.Owner) != owner {
			continue
		}
		if _, ok := sub.hasConsumer(consumer); ok {
			return sub.toSubscription(), true
		}
	}
	return nil, false
}

// PendingRequests returns the ids of the requests not yet fulfilled.
func (c *Coordinator) PendingRequests() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.st.Pending))
	for _, r := range c.st.Pending {
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Payment returns what fulfilling a request with gasLimit costs.
func (c *Coordinator) Payment(gasLimit uint32) *big.Int {
	p := new(big.Int).Mul(c.cfg.GasPrice, new(big.Int).SetUint64(uint64(gasLimit)))
	return p.Add(p, c.cfg.BaseFee)
}

// RequestRandomWords records req and returns its id.
func (c *Coordinator) RequestRandomWords(ctx context.Context, req Request) (uint64, error) {
	if req.Confirmations > MaxConfirmations {
		return 0, xerrors.Errorf("%d > %d: %w", req.Confirmations,
			MaxConfirmations, ErrInvalidConfirmations)
	}
	if req.CallbackGasLimit > MaxCallbackGasLimit {
		return 0, xerrors.Errorf("%d > %d: %w", req.CallbackGasLimit,
			MaxCallbackGasLimit, ErrGasLimitTooBig)
	}
	if req.NumWords > MaxNumWords {
		return 0, xerrors.Errorf("%d > %d: %w", req.NumWords, MaxNumWords,
			ErrNumWordsTooBig)
	}
	var id uint64
	err := c.update(ctx, func(st *state) error {
		sub := st.subscription(req.SubscriptionID)
		if sub == nil {
			return xerrors.Errorf("subscription %d: %w", req.SubscriptionID,
				ErrInvalidSubscription)
		}
		if _, ok := sub.hasConsumer(req.Sender); !ok {
			return xerrors.Errorf("%s on subscription %d: %w",
				req.Sender.Hex(), req.SubscriptionID, ErrInvalidConsumer)
		}
		id = st.NextRequest
		st.NextRequest++
		sub.Requests++
		st.Pending = append(st.Pending, &requestRecord{
			ID:               id,
			Sender:           req.Sender.Bytes(),
			KeyHash:          req.KeyHash.Bytes(),
			SubscriptionID:   req.SubscriptionID,
			Confirmations:    uint32(req.Confirmations),
			CallbackGasLimit: req.CallbackGasLimit,
			NumWords:         req.NumWords,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Lvlf2("request %d from %s (%d words)", id, req.Sender.Hex(), req.NumWords)
	return id, nil
}

// CancelRequest drops pending request id without charging its
// subscription. Only the consumer that made the request may cancel it.
func (c *Coordinator) CancelRequest(ctx context.Context, sender common.Address, id uint64) error {
	err := c.update(ctx, func(st *state) error {
		i, r := st.request(id)
		if r == nil {
			return xerrors.Errorf("request %d: %w", id, ErrNonexistentRequest)
		}
		if common.BytesToAddress(r.Sender) != sender {
			return xerrors.Errorf("%s on request %d: %w", sender.Hex(), id,
				ErrInvalidConsumer)
		}
		st.Pending = append(st.Pending[:i], st.Pending[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	log.Lvlf2("request %d cancelled by %s", id, sender.Hex())
	return nil
}

// FulfillRandomWords signs the next round for request id and delivers it to
// the requesting consumer. If delivery fails the request stays pending and
// nothing is charged.
func (c *Coordinator) FulfillRandomWords(ctx context.Context, id uint64) (*Fulfillment, error) {
	c.fulfillMu.Lock()
	defer c.fulfillMu.Unlock()

	f, req, endpoint, err := c.prepare(id)
	if err != nil {
		return nil, err
	}
	if err := endpoint.RawFulfillRandomWords(ctx, f); err != nil {
		log.Lvlf2("delivering request %d to %s failed: %v", id, req.Sender.Hex(), err)
		return nil, xerrors.Errorf("delivering request %d: %w", id, err)
	}

	err = c.update(ctx, func(st *state) error {
		i, _ := st.request(id)
		if i < 0 {
			return xerrors.Errorf("request %d: %w", id, ErrNonexistentRequest)
		}
		st.Pending = append(st.Pending[:i], st.Pending[i+1:]...)
		sub := st.subscription(req.SubscriptionID)
		if sub == nil {
			return xerrors.Errorf("subscription %d: %w", req.SubscriptionID,
				ErrInvalidSubscription)
		}
		bal := new(big.Int).SetBytes(sub.Balance)
		sub.Balance = bal.Sub(bal, f.Payment).Bytes()
		st.Round = f.Round + 1
		st.Prev = f.Signature
		return nil
	})
	if err != nil {
		log.Errorf("request %d delivered but not recorded: %v", id, err)
		return f, err
	}
	log.Lvlf2("request %d fulfilled in round %d", id, f.Round)
	return f, nil
}

func (c *Coordinator) prepare(id uint64) (*Fulfillment, Request, Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, r := c.st.request(id)
	if r == nil {
		return nil, Request{}, nil, xerrors.Errorf("request %d: %w", id, ErrNonexistentRequest)
	}
	req := r.toRequest()
	sub := c.st.subscription(req.SubscriptionID)
	if sub == nil {
		return nil, req, nil, xerrors.Errorf("subscription %d: %w",
			req.SubscriptionID, ErrInvalidSubscription)
	}
	payment := c.Payment(req.CallbackGasLimit)
	if bal := new(big.Int).SetBytes(sub.Balance); bal.Cmp(payment) < 0 {
		return nil, req, nil, xerrors.Errorf("subscription %d holds %v, needs %v: %w",
			sub.ID, bal, payment, ErrInsufficientBalance)
	}
	endpoint := c.endpoints[req.Sender]
	if endpoint == nil {
		return nil, req, nil, xerrors.Errorf("%s: %w", req.Sender.Hex(), ErrNoEndpoint)
	}
	msg := Message(c.st.Round, c.st.Prev, id, req.KeyHash)
	sig, err := bls.Sign(suite, c.priv, msg)
	if err != nil {
		return nil, req, nil, xerrors.Errorf("signing request %d: %v", id, err)
	}
	f := &Fulfillment{
		Coordinator: c.cfg.Address,
		RequestID:   id,
		KeyHash:     req.KeyHash,
		Round:       c.st.Round,
		Prev:        append([]byte(nil), c.st.Prev...),
		Signature:   sig,
		Words:       DeriveWords(sig, req.NumWords),
		Payment:     payment,
	}
	return f, req, endpoint, nil
}

// update applies fn to a copy of the state and stores the result. The live
// state is only replaced once the ledger transaction succeeded.
func (c *Coordinator) update(ctx context.Context, fn func(*state) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.st.clone()
	if err != nil {
		return err
	}
	if err := fn(next); err != nil {
		return err
	}
	err = c.backend.Update(ctx, func(tx ledger.Tx) error {
		return c.save(tx, next)
	})
	if err != nil {
		return xerrors.Errorf("storing coordinator state: %w", err)
	}
	c.st = next
	return nil
}

func (c *Coordinator) save(tx ledger.Tx, st *state) error {
	buf, err := protobuf.Encode(st)
	if err != nil {
		return xerrors.Errorf("encoding coordinator state: %v", err)
	}
	return tx.Put(c.key, buf)
}

func (st *state) clone() (*state, error) {
	buf, err := protobuf.Encode(st)
	if err != nil {
		return nil, xerrors.Errorf("encoding coordinator state: %v", err)
	}
	next := &state{}
	if err := protobuf.Decode(buf, next); err != nil {
		return nil, xerrors.Errorf("decoding coordinator state: %v", err)
	}
	return next, nil
}
