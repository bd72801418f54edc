// Package lottery implements the raffle state machine. Players enter while
// the round is open, an automation caller closes the round once the upkeep
// predicate holds, and the randomness oracle later settles it by naming the
// request it answers.
//
// All round data and the pool balance live in a ledger.Backend. Every
// mutating operation is one ledger transaction, so a failure leaves nothing
// behind.
package lottery

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dedis/raffle/ledger"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Coordinator issues randomness requests. The answer arrives later through
// Machine.FulfillRandomWords.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, req RandomnessRequest) (RequestID, error)
}

// Clock gives the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// Machine is one raffle.
type Machine struct {
	cfg     Config
	backend ledger.Backend
	coord   Coordinator
	clock   Clock
	key     []byte

	// mu serializes mutating operations. cur is written with both mu and
	// viewMu held.
	mu     sync.Mutex
	viewMu sync.RWMutex
	cur    Snapshot
	// settling is set while the payout runs with mu held. Receiver hooks
	// run on that path, so any mutating call seen meanwhile is nested in
	// the settlement whatever context it carries.
	settling atomic.Bool

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewMachine loads the lottery named cfg.Name from backend, creating a fresh
// open round if the backend holds no record for it.
func NewMachine(ctx context.Context, cfg Config, backend ledger.Backend,
	coord Coordinator, clock Clock) (*Machine, error) {
	if cfg.Name == "" {
		return nil, xerrors.New("missing lottery name")
	}
	if cfg.EntranceFee == nil || cfg.EntranceFee.Sign() < 0 {
		return nil, xerrors.Errorf("invalid entrance fee %v", cfg.EntranceFee)
	}
	if cfg.Interval < 0 {
		return nil, xerrors.Errorf("invalid interval %v", cfg.Interval)
	}
	if backend == nil || coord == nil {
		return nil, xerrors.New("missing ledger or coordinator")
	}
	if clock == nil {
		clock = SystemClock
	}
	cfg.EntranceFee = new(big.Int).Set(cfg.EntranceFee)
	m := &Machine{
		cfg:     cfg,
		backend: backend,
		coord:   coord,
		clock:   clock,
		key:     []byte("lottery/" + cfg.Name),
	}
	err := backend.Update(ctx, func(tx ledger.Tx) error {
		buf, err := tx.Get(m.key)
		if err != nil {
			return err
		}
		if buf == nil {
			m.cur = Snapshot{
				Phase:         Open{},
				Balance:       new(big.Int),
				LastTimestamp: clock.Now(),
			}
			return m.save(tx, m.cur)
		}
		r := &record{}
		if err := protobuf.Decode(buf, r); err != nil {
			return xerrors.Errorf("decoding record: %v", err)
		}
		m.cur = r.toSnapshot()
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("loading lottery %s: %w", cfg.Name, err)
	}
	log.Lvlf2("%s: loaded round %d in state %s with %d players", cfg.Name,
		m.cur.Round, m.cur.State(), len(m.cur.Players))
	return m, nil
}

// Subscribe registers l for all future events.
func (m *Machine) Subscribe(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// Enter adds player to the roster and moves value from the player's account
// into the pool.
func (m *Machine) Enter(ctx context.Context, player common.Address, value *big.Int) error {
	if m.reentrant(ctx) || m.settling.Load() {
		return ErrReentrantCall
	}
	ev, err := m.enter(ctx, player, value)
	if err != nil {
		return err
	}
	m.emit(ev)
	return nil
}

func (m *Machine) enter(ctx context.Context, player common.Address, value *big.Int) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil || value.Cmp(m.cfg.EntranceFee) < 0 {
		return Event{}, xerrors.Errorf("paid %v, fee is %v: %w", value,
			m.cfg.EntranceFee, ErrInsufficientContribution)
	}
	if m.cur.State() != StateOpen {
		return Event{}, ErrRoundNotOpen
	}
	value = new(big.Int).Set(value)
	next := m.cur.clone()
	next.Players = append(next.Players, player)
	next.Balance.Add(next.Balance, value)
	err := m.backend.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.Transfer(m.enterCall(ctx, nil), player, m.cfg.Address, value); err != nil {
			return err
		}
		return m.save(tx, next)
	})
	if err != nil {
		return Event{}, xerrors.Errorf("entering %s: %w", player.Hex(), err)
	}
	m.commit(next)
	log.Lvlf2("%s: %s entered round %d (%d players)", m.cfg.Name,
		player.Hex(), next.Round, len(next.Players))
	return Event{Kind: EventEntered, Player: player, Amount: value,
		Round: next.Round, Time: m.clock.Now()}, nil
}

// CheckUpkeep reports whether PerformUpkeep would succeed now. It never
// mutates anything.
func (m *Machine) CheckUpkeep() (bool, Diagnostics) {
	d := m.diagnose(m.Snapshot(), m.clock.Now())
	return d.Needed(), d
}

func (m *Machine) diagnose(s Snapshot, now time.Time) Diagnostics {
	return CheckUpkeep(UpkeepInput{
		State:      s.State(),
		Balance:    s.Balance,
		NumPlayers: len(s.Players),
		Elapsed:    now.Sub(s.LastTimestamp),
		Interval:   m.cfg.Interval,
	})
}

// PerformUpkeep closes the round and requests randomness. The upkeep
// predicate is evaluated again here; the caller's own evaluation is not
// trusted.
func (m *Machine) PerformUpkeep(ctx context.Context) (RequestID, error) {
	if m.reentrant(ctx) || m.settling.Load() {
		return 0, ErrReentrantCall
	}
	ev, err := m.performUpkeep(ctx)
	if err != nil {
		return 0, err
	}
	m.emit(ev)
	return ev.RequestID, nil
}

func (m *Machine) performUpkeep(ctx context.Context) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	d := m.diagnose(m.cur, now)
	if !d.Needed() {
		return Event{}, &UpkeepNotNeededError{
			Diagnostics: d,
			Balance:     new(big.Int).Set(m.cur.Balance),
			NumPlayers:  len(m.cur.Players),
			State:       m.cur.State(),
		}
	}
	return m.request(ctx, now)
}

// RetryRandomness replaces a request that has been pending for longer than
// Config.RequestTimeout. The replaced id is rejected afterwards.
func (m *Machine) RetryRandomness(ctx context.Context) (RequestID, error) {
	if m.reentrant(ctx) || m.settling.Load() {
		return 0, ErrReentrantCall
	}
	ev, err := m.retry(ctx)
	if err != nil {
		return 0, err
	}
	m.emit(ev)
	return ev.RequestID, nil
}

func (m *Machine) retry(ctx context.Context) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cur.Phase.(Calculating)
	if !ok {
		return Event{}, xerrors.Errorf("no request pending: %w", ErrRequestNotStale)
	}
	now := m.clock.Now()
	if m.cfg.RequestTimeout <= 0 {
		return Event{}, xerrors.Errorf("retries disabled: %w", ErrRequestNotStale)
	}
	if age := now.Sub(c.RequestedAt); age < m.cfg.RequestTimeout {
		return Event{}, xerrors.Errorf("request %d pending for %v: %w",
			c.RequestID, age, ErrRequestNotStale)
	}
	log.Warnf("%s: request %d timed out, requesting again", m.cfg.Name, c.RequestID)
	return m.request(ctx, now)
}

// request must be called with mu held.
func (m *Machine) request(ctx context.Context, now time.Time) (Event, error) {
	id, err := m.coord.RequestRandomWords(m.enterCall(ctx, nil), RandomnessRequest{
		KeyHash:          m.cfg.KeyHash,
		SubscriptionID:   m.cfg.SubscriptionID,
		Confirmations:    m.cfg.Confirmations,
		CallbackGasLimit: m.cfg.CallbackGasLimit,
		NumWords:         NumWords,
	})
	if err != nil {
		return Event{}, xerrors.Errorf("requesting randomness: %w", err)
	}
	next := m.cur.clone()
	next.Phase = Calculating{RequestID: id, RequestedAt: now}
	err = m.backend.Update(ctx, func(tx ledger.Tx) error {
		return m.save(tx, next)
	})
	if err != nil {
		// The orphaned request can never be fulfilled: its id is not
		// recorded.
		log.Errorf("%s: recording request %d: %v", m.cfg.Name, id, err)
		return Event{}, xerrors.Errorf("recording request %d: %w", id, err)
	}
	m.commit(next)
	log.Lvlf2("%s: round %d closed, waiting for request %d", m.cfg.Name,
		next.Round, id)
	return Event{Kind: EventRequestedWinner, RequestID: id, Round: next.Round,
		Time: now}, nil
}

// FulfillRandomWords settles the round answered by id and returns the
// winner. Only the pending request is accepted. The new round is recorded
// before the payout leaves the pool; if the payout fails nothing changes and
// the same fulfillment may be submitted again.
func (m *Machine) FulfillRandomWords(ctx context.Context, id RequestID, words []*big.Int) (common.Address, error) {
	if m.reentrant(ctx) || m.settling.Load() {
		return common.Address{}, ErrReentrantCall
	}
	ev, err := m.fulfill(ctx, id, words)
	if err != nil {
		return common.Address{}, err
	}
	m.emit(ev)
	return ev.Player, nil
}

func (m *Machine) fulfill(ctx context.Context, id RequestID, words []*big.Int) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cur.Phase.(Calculating)
	if !ok || c.RequestID != id {
		return Event{}, xerrors.Errorf("request %d: %w", id, ErrUnknownRequest)
	}
	if len(words) == 0 || words[0] == nil {
		return Event{}, ErrNoRandomWords
	}
	players := m.cur.Players
	if len(players) == 0 {
		return Event{}, xerrors.Errorf("request %d: empty roster while calculating", id)
	}
	idx := new(big.Int).Mod(words[0], big.NewInt(int64(len(players)))).Int64()
	winner := players[idx]

	now := m.clock.Now()
	payout := new(big.Int).Set(m.cur.Balance)
	next := Snapshot{
		Phase:         Open{},
		Balance:       new(big.Int),
		LastTimestamp: now,
		RecentWinner:  winner,
		Round:         m.cur.Round + 1,
	}
	m.settling.Store(true)
	err := m.backend.Update(ctx, func(tx ledger.Tx) error {
		if err := m.save(tx, next); err != nil {
			return err
		}
		return tx.Transfer(m.enterCall(ctx, &next), m.cfg.Address, winner, payout)
	})
	m.settling.Store(false)
	if err != nil {
		log.Lvlf2("%s: paying %v to %s failed: %v", m.cfg.Name, payout,
			winner.Hex(), err)
		return Event{}, &SettlementError{Winner: winner, Amount: payout, Err: err}
	}
	settled := m.cur.Round
	m.commit(next)
	log.Lvlf2("%s: round %d won by %s (index %d) for %v", m.cfg.Name,
		settled, winner.Hex(), idx, payout)
	return Event{Kind: EventWinnerPicked, Player: winner, RequestID: id,
		Amount: payout, Round: settled, Time: now}, nil
}

// SettlementError is returned when the payout to the winner fails.
type SettlementError struct {
	Winner common.Address
	Amount *big.Int
	Err    error
}

func (e *SettlementError) Error() string {
	return "paying " + e.Amount.String() + " to " + e.Winner.Hex() + ": " + e.Err.Error()
}

// Unwrap returns the ledger error.
func (e *SettlementError) Unwrap() error { return e.Err }

// Is makes the error match ErrSettlementFailed.
func (e *SettlementError) Is(target error) bool { return target == ErrSettlementFailed }

func (m *Machine) save(tx ledger.Tx, s Snapshot) error {
	buf, err := protobuf.Encode(s.toRecord())
	if err != nil {
		return xerrors.Errorf("encoding record: %v", err)
	}
	return tx.Put(m.key, buf)
}

func (m *Machine) commit(next Snapshot) {
	m.viewMu.Lock()
	m.cur = next
	m.viewMu.Unlock()
}

func (m *Machine) emit(ev Event) {
	m.listenersMu.RLock()
	ls := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

// Snapshot returns a copy of the committed round data.
func (m *Machine) Snapshot() Snapshot {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.cur.clone()
}

// Config returns the deployment parameters.
func (m *Machine) Config() Config {
	c := m.cfg
	c.EntranceFee = new(big.Int).Set(m.cfg.EntranceFee)
	return c
}

// Name returns the lottery name.
func (m *Machine) Name() string { return m.cfg.Name }

// Address returns the pool account.
func (m *Machine) Address() common.Address { return m.cfg.Address }

// EntranceFee returns the minimum contribution.
func (m *Machine) EntranceFee() *big.Int { return new(big.Int).Set(m.cfg.EntranceFee) }

// Interval returns the minimum round duration.
func (m *Machine) Interval() time.Duration { return m.cfg.Interval }

// State returns the round status.
func (m *Machine) State() State {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.cur.State()
}

// NumPlayers returns the roster size.
func (m *Machine) NumPlayers() int {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return len(m.cur.Players)
}

// Player returns the i-th entry of the roster.
func (m *Machine) Player(i int) (common.Address, error) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	if i < 0 || i >= len(m.cur.Players) {
		return common.Address{}, xerrors.Errorf("index %d of %d: %w", i,
			len(m.cur.Players), ErrPlayerIndex)
	}
	return m.cur.Players[i], nil
}

// RecentWinner returns the winner of the last settled round.
func (m *Machine) RecentWinner() common.Address {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.cur.RecentWinner
}

// LastTimestamp returns when the current round started.
func (m *Machine) LastTimestamp() time.Time {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.cur.LastTimestamp
}

// PendingRequest returns the in-flight request id, if any.
func (m *Machine) PendingRequest() (RequestID, bool) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.cur.PendingRequest()
}

// Balance returns the pool balance.
func (m *Machine) Balance() *big.Int {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return new(big.Int).Set(m.cur.Balance)
}

// Round returns the number of settled rounds.
func (m *Machine) Round() uint64 {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.cur.Round
}
