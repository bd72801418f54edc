package easyraffle

/*
The service.go defines what to do for each API-call. This part of the service
runs on the node. Every node hosts at most one raffle, driven by a local
randomness coordinator; both keep their state in an additional bucket of the
node database.
*/

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/dedis/raffle/ledger"
	"github.com/dedis/raffle/lottery"
	"github.com/dedis/raffle/oracle"
	"github.com/dedis/raffle/vrf"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// ServiceName is the name of the easyraffle service
const ServiceName = "easyraffle"

const raffleName = "raffle"

var raffleID onet.ServiceID
var storageKey = []byte("storage")

var (
	// ErrNotDeployed is returned by every handler but Deploy before a raffle
	// exists.
	ErrNotDeployed = xerrors.New("raffle not deployed")
	// ErrAlreadyDeployed is returned by a second Deploy.
	ErrAlreadyDeployed = xerrors.New("raffle already deployed")
	// ErrNotDevNetwork is returned by the development-only handlers.
	ErrNotDevNetwork = xerrors.New("only available on development networks")
	// ErrReservedAccount is returned when minting to the raffle or the
	// coordinator, whose balances are accounted for by the contracts.
	ErrReservedAccount = xerrors.New("reserved account")
)

func init() {
	var err error
	raffleID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// Service hosts one raffle.
type Service struct {
	*onet.ServiceProcessor

	ledger  *ledger.Bolt
	clock   *devClock
	metrics *metrics

	mu      sync.RWMutex
	storage *storage
	raffle  *raffle
}

type raffle struct {
	machine  *lottery.Machine
	coord    *oracle.Coordinator
	consumer *vrf.Consumer
	events   *eventLog
}

// devClock is the wall clock moved forward by IncreaseTime.
type devClock struct {
	sync.Mutex
	offset time.Duration
}

func (c *devClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return time.Now().Add(c.offset)
}

func (c *devClock) advance(d time.Duration) time.Duration {
	c.Lock()
	defer c.Unlock()
	c.offset += d
	return c.offset
}

// Addresses derives the coordinator and raffle addresses from the deployer
// the way contract addresses are derived from the deployer's first two
// transactions.
func Addresses(deployer common.Address) (coordinator, raffle common.Address) {
	return crypto.CreateAddress(deployer, 0), crypto.CreateAddress(deployer, 1)
}

// Deploy creates the coordinator, its funded subscription and the raffle.
func (s *Service) Deploy(req *DeployRequest) (*DeployReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raffle != nil {
		return nil, ErrAlreadyDeployed
	}
	if !req.Dev {
		return nil, xerrors.Errorf("%s needs an external coordinator: %w",
			req.Network, ErrNotDevNetwork)
	}
	deployer, err := toAddress(req.Deployer)
	if err != nil {
		return nil, err
	}
	if len(req.KeyHash) != common.HashLength {
		return nil, xerrors.Errorf("invalid key hash length %d", len(req.KeyHash))
	}
	if req.Interval < 0 || req.RequestTimeout < 0 {
		return nil, xerrors.New("negative duration")
	}
	if req.Confirmations > oracle.MaxConfirmations {
		return nil, xerrors.Errorf("%d confirmations: %w", req.Confirmations,
			oracle.ErrInvalidConfirmations)
	}
	if req.CallbackGasLimit > oracle.MaxCallbackGasLimit {
		return nil, xerrors.Errorf("gas limit %d: %w", req.CallbackGasLimit,
			oracle.ErrGasLimitTooBig)
	}
	ctx := context.Background()
	st := &storage{Deployed: true, Deployment: *req}
	coord, err := s.openCoordinator(ctx, st)
	if err != nil {
		return nil, err
	}
	coordAddr, raffleAddr := Addresses(deployer)
	subID, err := fundedSubscription(ctx, coord, deployer, raffleAddr,
		new(big.Int).SetBytes(req.SubscriptionFund))
	if err != nil {
		return nil, err
	}
	st.SubscriptionID = subID
	r, err := s.open(ctx, st, coord)
	if err != nil {
		return nil, err
	}
	if err := s.Save(storageKey, st); err != nil {
		return nil, xerrors.Errorf("saving deployment: %v", err)
	}
	s.storage = st
	s.raffle = r
	pub, err := r.coord.PublicKey().MarshalBinary()
	if err != nil {
		return nil, err
	}
	log.Lvlf1("%s: raffle %s deployed on %s with coordinator %s",
		s.ServerIdentity(), raffleAddr.Hex(), req.Network, coordAddr.Hex())
	return &DeployReply{
		Raffle:         raffleAddr.Bytes(),
		Coordinator:    coordAddr.Bytes(),
		SubscriptionID: subID,
		OraclePublic:   pub,
	}, nil
}

// fundedSubscription returns the subscription of deployer serving raffle,
// topped up to fund. A deployment interrupted after the subscription was
// created resumes with it instead of opening another one.
func fundedSubscription(ctx context.Context, coord *oracle.Coordinator,
	deployer, raffle common.Address, fund *big.Int) (uint64, error) {
	sub, ok := coord.FindSubscription(deployer, raffle)
	if !ok {
		id, err := coord.CreateSubscription(ctx, deployer)
		if err != nil {
			return 0, err
		}
		if err := coord.AddConsumer(ctx, deployer, id, raffle); err != nil {
			return 0, err
		}
		sub = &oracle.Subscription{ID: id, Balance: new(big.Int)}
	} else {
		log.Lvlf2("resuming deployment with subscription %d", sub.ID)
	}
	if missing := new(big.Int).Sub(fund, sub.Balance); missing.Sign() > 0 {
		if err := coord.FundSubscription(ctx, sub.ID, missing); err != nil {
			return 0, err
		}
	}
	return sub.ID, nil
}

// Fund mints Amount to Account.
func (s *Service) Fund(req *FundRequest) (*FundReply, error) {
	r, err := s.devRaffle()
	if err != nil {
		return nil, err
	}
	addr, err := toAddress(req.Account)
	if err != nil {
		return nil, err
	}
	if addr == r.machine.Address() || addr == r.coord.Address() {
		return nil, xerrors.Errorf("%s: %w", addr.Hex(), ErrReservedAccount)
	}
	var bal *big.Int
	err = s.ledger.Update(context.Background(), func(tx ledger.Tx) error {
		if err := tx.Mint(addr, new(big.Int).SetBytes(req.Amount)); err != nil {
			return err
		}
		bal, err = tx.Balance(addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &FundReply{Balance: bal.Bytes()}, nil
}

// Enter adds Player to the raffle.
func (s *Service) Enter(req *EnterRequest) (*EnterReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	player, err := toAddress(req.Player)
	if err != nil {
		return nil, err
	}
	err = r.machine.Enter(context.Background(), player, new(big.Int).SetBytes(req.Value))
	if err != nil {
		return nil, err
	}
	return &EnterReply{NumPlayers: r.machine.NumPlayers()}, nil
}

// CheckUpkeep evaluates the upkeep predicate.
func (s *Service) CheckUpkeep(req *CheckUpkeepRequest) (*CheckUpkeepReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	needed, d := r.machine.CheckUpkeep()
	return &CheckUpkeepReply{
		Needed:     needed,
		TimePassed: d.TimePassed,
		IsOpen:     d.IsOpen,
		HasBalance: d.HasBalance,
		HasPlayers: d.HasPlayers,
	}, nil
}

// PerformUpkeep closes the round.
func (s *Service) PerformUpkeep(req *PerformUpkeepRequest) (*PerformUpkeepReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	id, err := r.machine.PerformUpkeep(context.Background())
	if err != nil {
		return nil, err
	}
	return &PerformUpkeepReply{RequestID: uint64(id)}, nil
}

// FulfillRandomWords has the local coordinator answer a request.
func (s *Service) FulfillRandomWords(req *FulfillRequest) (*FulfillReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	id := req.RequestID
	if id == 0 {
		pending, ok := r.machine.PendingRequest()
		if !ok {
			return nil, xerrors.Errorf("no pending request: %w", oracle.ErrNonexistentRequest)
		}
		id = uint64(pending)
	}
	ctx := context.Background()
	payout := r.machine.Balance()
	f, err := r.coord.FulfillRandomWords(ctx, id)
	if err != nil {
		switch {
		case xerrors.Is(err, lottery.ErrSettlementFailed):
			s.metrics.settlementFailures.Inc()
		case xerrors.Is(err, lottery.ErrUnknownRequest):
			// The raffle will never accept it: replaced by a retry, or
			// settled before the coordinator recorded the delivery.
			r.cancel(ctx, id)
		}
		return nil, err
	}
	reply := &FulfillReply{
		Winner:    r.machine.RecentWinner().Bytes(),
		Payout:    payout.Bytes(),
		RequestID: f.RequestID,
		KeyHash:   f.KeyHash.Bytes(),
		Round:     f.Round,
		Prev:      f.Prev,
		Signature: f.Signature,
	}
	for _, w := range f.Words {
		reply.Words = append(reply.Words, w.Bytes())
	}
	return reply, nil
}

// RetryRandomness replaces a stale request.
func (s *Service) RetryRandomness(req *RetryRequest) (*RetryReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	old, _ := r.machine.PendingRequest()
	id, err := r.machine.RetryRandomness(ctx)
	if err != nil {
		return nil, err
	}
	r.cancel(ctx, uint64(old))
	return &RetryReply{RequestID: uint64(id)}, nil
}

func (r *raffle) cancel(ctx context.Context, id uint64) {
	if err := r.coord.CancelRequest(ctx, r.consumer.Address(), id); err != nil {
		log.Warnf("cancelling request %d: %v", id, err)
	}
}

// IncreaseTime moves the raffle clock forward.
func (s *Service) IncreaseTime(req *IncreaseTimeRequest) (*IncreaseTimeReply, error) {
	if _, err := s.devRaffle(); err != nil {
		return nil, err
	}
	if req.Seconds < 0 {
		return nil, xerrors.New("time only moves forward")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.clock.advance(time.Duration(req.Seconds) * time.Second)
	s.storage.TimeOffset = int64(offset)
	if err := s.Save(storageKey, s.storage); err != nil {
		return nil, xerrors.Errorf("saving clock: %v", err)
	}
	return &IncreaseTimeReply{Now: s.clock.Now().UnixNano()}, nil
}

// GetState describes the raffle.
func (s *Service) GetState(req *GetStateRequest) (*GetStateReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	st := s.storage
	s.mu.RUnlock()
	snap := r.machine.Snapshot()
	pub, err := r.coord.PublicKey().MarshalBinary()
	if err != nil {
		return nil, err
	}
	reply := &GetStateReply{
		Network:        st.Deployment.Network,
		Raffle:         r.machine.Address().Bytes(),
		Coordinator:    r.coord.Address().Bytes(),
		OraclePublic:   pub,
		SubscriptionID: st.SubscriptionID,
		EntranceFee:    r.machine.EntranceFee().Bytes(),
		Interval:       int64(r.machine.Interval() / time.Second),
		Balance:        snap.Balance.Bytes(),
		NumPlayers:     len(snap.Players),
		RecentWinner:   snap.RecentWinner.Bytes(),
		LastTimestamp:  snap.LastTimestamp.UnixNano(),
		Round:          snap.Round,
		Now:            s.clock.Now().UnixNano(),
	}
	if id, ok := snap.PendingRequest(); ok {
		reply.Calculating = true
		reply.PendingRequest = uint64(id)
	}
	if sub, err := r.coord.GetSubscription(st.SubscriptionID); err == nil {
		reply.SubscriptionBalance = sub.Balance.Bytes()
	}
	return reply, nil
}

// GetPlayer returns a roster entry.
func (s *Service) GetPlayer(req *GetPlayerRequest) (*GetPlayerReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	p, err := r.machine.Player(req.Index)
	if err != nil {
		return nil, err
	}
	return &GetPlayerReply{Player: p.Bytes()}, nil
}

// GetBalance returns the ledger balance of an account.
func (s *Service) GetBalance(req *GetBalanceRequest) (*GetBalanceReply, error) {
	addr, err := toAddress(req.Account)
	if err != nil {
		return nil, err
	}
	bal, err := ledger.BalanceOf(context.Background(), s.ledger, addr)
	if err != nil {
		return nil, err
	}
	return &GetBalanceReply{Balance: bal.Bytes()}, nil
}

// GetEvents returns the event log from req.From on.
func (s *Service) GetEvents(req *GetEventsRequest) (*GetEventsReply, error) {
	r, err := s.deployed()
	if err != nil {
		return nil, err
	}
	evs, total := r.events.since(req.From)
	return &GetEventsReply{Events: evs, Total: total}, nil
}

func (s *Service) deployed() (*raffle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raffle == nil {
		return nil, ErrNotDeployed
	}
	return s.raffle, nil
}

func (s *Service) devRaffle() (*raffle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raffle == nil {
		return nil, ErrNotDeployed
	}
	if !s.storage.Deployment.Dev {
		return nil, ErrNotDevNetwork
	}
	return s.raffle, nil
}

func (s *Service) openCoordinator(ctx context.Context, st *storage) (*oracle.Coordinator, error) {
	deployer, err := toAddress(st.Deployment.Deployer)
	if err != nil {
		return nil, err
	}
	coordAddr, _ := Addresses(deployer)
	return oracle.NewCoordinator(ctx, oracle.Config{
		Address:  coordAddr,
		BaseFee:  new(big.Int).SetBytes(st.Deployment.BaseFee),
		GasPrice: new(big.Int).SetBytes(st.Deployment.GasPrice),
	}, s.ledger)
}

// open wires consumer and machine to coord. The machine resumes from the
// ledger if it was created before.
func (s *Service) open(ctx context.Context, st *storage, coord *oracle.Coordinator) (*raffle, error) {
	dep := st.Deployment
	deployer, err := toAddress(dep.Deployer)
	if err != nil {
		return nil, err
	}
	_, raffleAddr := Addresses(deployer)
	consumer := vrf.NewConsumer(raffleAddr, coord, coord.PublicKey())
	machine, err := lottery.NewMachine(ctx, lottery.Config{
		Name:             raffleName,
		Address:          raffleAddr,
		EntranceFee:      new(big.Int).SetBytes(dep.EntranceFee),
		Interval:         time.Duration(dep.Interval) * time.Second,
		KeyHash:          common.BytesToHash(dep.KeyHash),
		SubscriptionID:   st.SubscriptionID,
		Confirmations:    uint16(dep.Confirmations),
		CallbackGasLimit: dep.CallbackGasLimit,
		RequestTimeout:   time.Duration(dep.RequestTimeout) * time.Second,
	}, s.ledger, consumer, s.clock)
	if err != nil {
		return nil, err
	}
	consumer.Bind(machine)
	coord.Register(raffleAddr, consumer)
	events, err := loadEventLog(ctx, s.ledger)
	if err != nil {
		return nil, err
	}
	s.metrics.setPool(machine)
	machine.Subscribe(func(ev lottery.Event) {
		if _, err := events.append(context.Background(), ev); err != nil {
			log.Error(s.ServerIdentity(), err)
		}
		s.metrics.observe(ev, machine)
	})
	return &raffle{machine: machine, coord: coord, consumer: consumer, events: events}, nil
}

func toAddress(buf []byte) (common.Address, error) {
	if len(buf) != common.AddressLength {
		return common.Address{}, xerrors.Errorf("invalid address length %d", len(buf))
	}
	return common.BytesToAddress(buf), nil
}

func (s *Service) tryLoad() error {
	s.storage = &storage{}
	buf, err := s.Load(storageKey)
	if err != nil {
		return err
	}
	if buf == nil {
		return nil
	}
	st, ok := buf.(*storage)
	if !ok {
		return xerrors.New("data of wrong type")
	}
	s.storage = st
	if !st.Deployed {
		return nil
	}
	s.clock.advance(time.Duration(st.TimeOffset))
	ctx := context.Background()
	coord, err := s.openCoordinator(ctx, st)
	if err != nil {
		return err
	}
	s.raffle, err = s.open(ctx, st, coord)
	return err
}

func newService(c *onet.Context) (onet.Service, error) {
	db, bucket := c.GetAdditionalBucket([]byte("ledger"))
	l, err := ledger.NewBolt(db, bucket)
	if err != nil {
		return nil, err
	}
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		ledger:           l,
		clock:            &devClock{},
		metrics:          newMetrics(c.ServerIdentity().Address.String()),
	}
	if err := s.tryLoad(); err != nil {
		log.Error(err)
		return nil, err
	}
	if err := s.RegisterHandlers(s.Deploy, s.Fund, s.Enter, s.CheckUpkeep,
		s.PerformUpkeep, s.FulfillRandomWords, s.RetryRandomness,
		s.IncreaseTime, s.GetState, s.GetPlayer, s.GetBalance,
		s.GetEvents); err != nil {
		return nil, err
	}
	return s, nil
}
