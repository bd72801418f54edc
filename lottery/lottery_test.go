package lottery

import (
	"context"
	"math/big"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dedis/raffle/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var (
	// 0.01 ether
	testFee      = big.NewInt(1e16)
	testInterval = 30 * time.Second
	testKeyHash  = common.HexToHash("0x79d3d8832d904592c0bf9818b621522c988bb8b0c05cdc3b15aea1b6e8db0c15")
	poolAddress  = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type fakeCoordinator struct {
	sync.Mutex
	last RequestID
	reqs []RandomnessRequest
	err  error
}

func (c *fakeCoordinator) RequestRandomWords(ctx context.Context, req RandomnessRequest) (RequestID, error) {
	c.Lock()
	defer c.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.last++
	c.reqs = append(c.reqs, req)
	return c.last, nil
}

type manualClock struct {
	sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.Lock()
	c.now = c.now.Add(d)
	c.Unlock()
}

type testEnv struct {
	ctx     context.Context
	m       *Machine
	backend ledger.Backend
	coord   *fakeCoordinator
	clock   *manualClock
	players []common.Address
	events  *eventLog
}

type eventLog struct {
	sync.Mutex
	list []Event
}

func (l *eventLog) add(ev Event) {
	l.Lock()
	l.list = append(l.list, ev)
	l.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.Lock()
	defer l.Unlock()
	var ks []EventKind
	for _, ev := range l.list {
		ks = append(ks, ev.Kind)
	}
	return ks
}

func (l *eventLog) last() Event {
	l.Lock()
	defer l.Unlock()
	return l.list[len(l.list)-1]
}

func testConfig() Config {
	return Config{
		Name:             "test",
		Address:          poolAddress,
		EntranceFee:      testFee,
		Interval:         testInterval,
		KeyHash:          testKeyHash,
		SubscriptionID:   588,
		Confirmations:    3,
		CallbackGasLimit: 500000,
	}
}

func newTestEnv(t *testing.T, cfg Config, backend ledger.Backend, numPlayers int) *testEnv {
	env := &testEnv{
		ctx:     context.Background(),
		backend: backend,
		coord:   &fakeCoordinator{},
		clock:   &manualClock{now: time.Unix(1700000000, 0)},
		events:  &eventLog{},
	}
	for i := 0; i < numPlayers; i++ {
		env.players = append(env.players, common.BigToAddress(big.NewInt(int64(0xa000+i))))
	}
	require.NoError(t, backend.Update(env.ctx, func(tx ledger.Tx) error {
		for _, p := range env.players {
			if err := tx.Mint(p, big.NewInt(1e18)); err != nil {
				return err
			}
		}
		return nil
	}))
	m, err := NewMachine(env.ctx, cfg, backend, env.coord, env.clock)
	require.NoError(t, err)
	m.Subscribe(env.events.add)
	env.m = m
	return env
}

func (env *testEnv) balance(t *testing.T, addr common.Address) *big.Int {
	bal, err := ledger.BalanceOf(env.ctx, env.backend, addr)
	require.NoError(t, err)
	return bal
}

// closeRound enters every player once, waits past the interval and performs
// upkeep.
func (env *testEnv) closeRound(t *testing.T) RequestID {
	for _, p := range env.players {
		require.NoError(t, env.m.Enter(env.ctx, p, testFee))
	}
	env.clock.Advance(testInterval + time.Second)
	id, err := env.m.PerformUpkeep(env.ctx)
	require.NoError(t, err)
	return id
}

func TestMachine_Init(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 0)
	require.Equal(t, StateOpen, env.m.State())
	require.Equal(t, testInterval, env.m.Interval())
	require.Equal(t, 0, env.m.EntranceFee().Cmp(testFee))
	require.Equal(t, 0, env.m.NumPlayers())
	require.Equal(t, 0, env.m.Balance().Sign())
	require.Equal(t, env.clock.Now(), env.m.LastTimestamp())
	_, pending := env.m.PendingRequest()
	require.False(t, pending)
	_, err := env.m.Player(0)
	require.True(t, xerrors.Is(err, ErrPlayerIndex))

	_, err = NewMachine(env.ctx, Config{Name: "x"}, ledger.NewMemory(), env.coord, nil)
	require.Error(t, err)
	_, err = NewMachine(env.ctx, Config{EntranceFee: testFee}, ledger.NewMemory(), env.coord, nil)
	require.Error(t, err)
}

func TestMachine_Enter(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 2)
	p := env.players[0]

	err := env.m.Enter(env.ctx, p, big.NewInt(1e15))
	require.True(t, xerrors.Is(err, ErrInsufficientContribution))
	err = env.m.Enter(env.ctx, p, nil)
	require.True(t, xerrors.Is(err, ErrInsufficientContribution))
	require.Equal(t, 0, env.m.NumPlayers())
	require.Equal(t, 0, env.m.Balance().Sign())
	require.Equal(t, 0, env.balance(t, poolAddress).Sign())
	require.Empty(t, env.events.kinds())

	require.NoError(t, env.m.Enter(env.ctx, p, testFee))
	player, err := env.m.Player(0)
	require.NoError(t, err)
	require.Equal(t, p, player)
	require.Equal(t, []EventKind{EventEntered}, env.events.kinds())
	require.Equal(t, p, env.events.last().Player)

	// Repeated entries are repeated chances; overpaying is accepted.
	overpay := new(big.Int).Mul(testFee, big.NewInt(2))
	require.NoError(t, env.m.Enter(env.ctx, p, overpay))
	require.Equal(t, 2, env.m.NumPlayers())
	total := new(big.Int).Add(testFee, overpay)
	require.Equal(t, 0, env.m.Balance().Cmp(total))
	require.Equal(t, 0, env.balance(t, poolAddress).Cmp(total))
}

func TestMachine_EnterWithoutFunds(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 0)
	broke := common.HexToAddress("0xb40ce")
	err := env.m.Enter(env.ctx, broke, testFee)
	require.True(t, xerrors.Is(err, ledger.ErrInsufficientFunds))
	require.Equal(t, 0, env.m.NumPlayers())
	require.Equal(t, 0, env.m.Balance().Sign())
}

func TestMachine_EnterWhileCalculating(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
	env.closeRound(t)
	require.Equal(t, StateCalculating, env.m.State())

	before := env.m.Snapshot()
	err := env.m.Enter(env.ctx, env.players[0], testFee)
	require.Equal(t, ErrRoundNotOpen, err)
	require.Equal(t, before, env.m.Snapshot())

	// The fee check comes first.
	err = env.m.Enter(env.ctx, env.players[0], big.NewInt(1))
	require.True(t, xerrors.Is(err, ErrInsufficientContribution))
}

func TestMachine_CheckUpkeep(t *testing.T) {
	t.Run("no players and no balance", func(t *testing.T) {
		env := newTestEnv(t, testConfig(), ledger.NewMemory(), 0)
		env.clock.Advance(testInterval + time.Second)
		needed, d := env.m.CheckUpkeep()
		require.False(t, needed)
		require.Equal(t, Diagnostics{TimePassed: true, IsOpen: true}, d)

		_, err := env.m.PerformUpkeep(env.ctx)
		require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))
		var une *UpkeepNotNeededError
		require.True(t, xerrors.As(err, &une))
		require.Equal(t, d, une.Diagnostics)
		require.Equal(t, 0, une.NumPlayers)
		require.Equal(t, StateOpen, une.State)
		require.Empty(t, env.coord.reqs)
	})
	t.Run("not enough time", func(t *testing.T) {
		env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
		require.NoError(t, env.m.Enter(env.ctx, env.players[0], testFee))
		env.clock.Advance(testInterval - 5*time.Second)
		needed, d := env.m.CheckUpkeep()
		require.False(t, needed)
		require.Equal(t, Diagnostics{IsOpen: true, HasBalance: true, HasPlayers: true}, d)
	})
	t.Run("not open", func(t *testing.T) {
		env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
		env.closeRound(t)
		needed, d := env.m.CheckUpkeep()
		require.False(t, needed)
		require.Equal(t, Diagnostics{TimePassed: true, HasBalance: true, HasPlayers: true}, d)
	})
	t.Run("all conditions hold", func(t *testing.T) {
		env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
		require.NoError(t, env.m.Enter(env.ctx, env.players[0], testFee))
		env.clock.Advance(testInterval)
		for i := 0; i < 3; i++ {
			needed, d := env.m.CheckUpkeep()
			require.True(t, needed)
			require.Equal(t, Diagnostics{true, true, true, true}, d)
		}
		require.Equal(t, StateOpen, env.m.State())
		require.Empty(t, env.coord.reqs)
	})
}

func TestMachine_PerformUpkeep(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
	_, err := env.m.PerformUpkeep(env.ctx)
	require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))

	id := env.closeRound(t)
	require.True(t, id > 0)
	require.Equal(t, StateCalculating, env.m.State())
	pending, ok := env.m.PendingRequest()
	require.True(t, ok)
	require.Equal(t, id, pending)
	require.Equal(t, []RandomnessRequest{{
		KeyHash:          testKeyHash,
		SubscriptionID:   588,
		Confirmations:    3,
		CallbackGasLimit: 500000,
		NumWords:         1,
	}}, env.coord.reqs)
	ev := env.events.last()
	require.Equal(t, EventRequestedWinner, ev.Kind)
	require.Equal(t, id, ev.RequestID)

	// A second upkeep without fulfillment is refused.
	_, err = env.m.PerformUpkeep(env.ctx)
	require.True(t, xerrors.Is(err, ErrUpkeepNotNeeded))
	require.Len(t, env.coord.reqs, 1)
	// The last round timestamp only moves on settlement.
	require.Equal(t, env.clock.Now().Add(-testInterval-time.Second), env.m.LastTimestamp())
}

func TestMachine_PerformUpkeepCoordinatorFailure(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
	require.NoError(t, env.m.Enter(env.ctx, env.players[0], testFee))
	env.clock.Advance(testInterval)
	down := xerrors.New("coordinator down")
	env.coord.err = down
	_, err := env.m.PerformUpkeep(env.ctx)
	require.True(t, xerrors.Is(err, down))
	require.Equal(t, StateOpen, env.m.State())
	needed, _ := env.m.CheckUpkeep()
	require.True(t, needed)
}

func TestMachine_Fulfill(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 3)
	startBalances := make([]*big.Int, 3)
	for i, p := range env.players {
		startBalances[i] = env.balance(t, p)
	}
	for _, p := range env.players {
		require.NoError(t, env.m.Enter(env.ctx, p, testFee))
	}
	env.clock.Advance(31 * time.Second)
	needed, _ := env.m.CheckUpkeep()
	require.True(t, needed)
	id, err := env.m.PerformUpkeep(env.ctx)
	require.NoError(t, err)
	require.Equal(t, StateCalculating, env.m.State())

	roster := env.m.Snapshot().Players
	env.clock.Advance(5 * time.Second)
	winner, err := env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(7)})
	require.NoError(t, err)
	require.Equal(t, roster[1], winner)
	require.Equal(t, env.players[1], env.m.RecentWinner())
	require.Equal(t, StateOpen, env.m.State())
	require.Equal(t, 0, env.m.NumPlayers())
	require.Equal(t, 0, env.m.Balance().Sign())
	require.Equal(t, env.clock.Now(), env.m.LastTimestamp())
	require.Equal(t, uint64(1), env.m.Round())
	_, pending := env.m.PendingRequest()
	require.False(t, pending)

	// 0.03 ether goes to the winner, the others only paid their fee.
	pot := new(big.Int).Mul(testFee, big.NewInt(3))
	require.Equal(t, 0, env.balance(t, poolAddress).Sign())
	for i, p := range env.players {
		want := new(big.Int).Sub(startBalances[i], testFee)
		if i == 1 {
			want.Add(want, pot)
		}
		require.Equal(t, 0, env.balance(t, p).Cmp(want), "player %d", i)
	}

	ev := env.events.last()
	require.Equal(t, EventWinnerPicked, ev.Kind)
	require.Equal(t, winner, ev.Player)
	require.Equal(t, 0, ev.Amount.Cmp(pot))
	require.Equal(t, uint64(0), ev.Round)

	// Replaying the settled request is rejected.
	_, err = env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(7)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))
}

func TestMachine_FulfillLargeWord(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 4)
	id := env.closeRound(t)
	word, ok := new(big.Int).SetString("78541660797044910968829902406342334108369226379826116161446442989268089806461", 10)
	require.True(t, ok)
	idx := new(big.Int).Mod(word, big.NewInt(4)).Int64()
	winner, err := env.m.FulfillRandomWords(env.ctx, id, []*big.Int{word, big.NewInt(1)})
	require.NoError(t, err)
	require.Equal(t, env.players[idx], winner)
}

func TestMachine_FulfillUnknownRequest(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 2)

	_, err := env.m.FulfillRandomWords(env.ctx, 1, []*big.Int{big.NewInt(1)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))

	id := env.closeRound(t)
	before := env.m.Snapshot()
	poolBefore := env.balance(t, poolAddress)
	for _, other := range []RequestID{0, id + 1, id - 1} {
		_, err = env.m.FulfillRandomWords(env.ctx, other, []*big.Int{big.NewInt(1)})
		require.True(t, xerrors.Is(err, ErrUnknownRequest))
	}
	_, err = env.m.FulfillRandomWords(env.ctx, id, nil)
	require.Equal(t, ErrNoRandomWords, err)
	require.Equal(t, before, env.m.Snapshot())
	require.Equal(t, 0, poolBefore.Cmp(env.balance(t, poolAddress)))
}

func TestMachine_SettlementFailure(t *testing.T) {
	for name, backend := range map[string]func(t *testing.T) ledger.Backend{
		"memory": func(t *testing.T) ledger.Backend { return ledger.NewMemory() },
		"bolt": func(t *testing.T) ledger.Backend {
			b, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "l.db"))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, testConfig(), backend(t), 2)
			id := env.closeRound(t)
			winner := env.players[1]
			refusal := xerrors.New("cannot receive")
			env.backend.SetReceiver(winner, func(ctx context.Context, tx ledger.Tx, from common.Address, amount *big.Int) error {
				return refusal
			})
			before := env.m.Snapshot()
			winnerBefore := env.balance(t, winner)
			numEvents := len(env.events.kinds())

			_, err := env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(1)})
			require.True(t, xerrors.Is(err, ErrSettlementFailed))
			require.True(t, xerrors.Is(err, ledger.ErrTransferRejected))
			require.True(t, xerrors.Is(err, refusal))
			var se *SettlementError
			require.True(t, xerrors.As(err, &se))
			require.Equal(t, winner, se.Winner)

			require.Equal(t, before, env.m.Snapshot())
			require.Equal(t, StateCalculating, env.m.State())
			pending, _ := env.m.PendingRequest()
			require.Equal(t, id, pending)
			require.Equal(t, 0, winnerBefore.Cmp(env.balance(t, winner)))
			require.Equal(t, numEvents, len(env.events.kinds()))

			// A machine reloaded from the ledger sees the same state.
			reloaded, err := NewMachine(env.ctx, testConfig(), env.backend, env.coord, env.clock)
			require.NoError(t, err)
			require.Equal(t, StateCalculating, reloaded.State())
			require.Equal(t, 2, reloaded.NumPlayers())

			// The same fulfillment can be resubmitted.
			env.backend.SetReceiver(winner, nil)
			got, err := env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(1)})
			require.NoError(t, err)
			require.Equal(t, winner, got)
			require.Equal(t, StateOpen, env.m.State())
		})
	}
}

func TestMachine_Reentrancy(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 2)
	id := env.closeRound(t)
	winner := env.players[0]

	var seen Snapshot
	var viewOK bool
	var enterErr, fulfillErr, upkeepErr error
	env.backend.SetReceiver(winner, func(ctx context.Context, tx ledger.Tx, from common.Address, amount *big.Int) error {
		seen, viewOK = SettlementView(ctx)
		enterErr = env.m.Enter(ctx, winner, testFee)
		_, fulfillErr = env.m.FulfillRandomWords(ctx, id, []*big.Int{big.NewInt(0)})
		_, upkeepErr = env.m.PerformUpkeep(ctx)
		return nil
	})
	got, err := env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(2)})
	require.NoError(t, err)
	require.Equal(t, winner, got)

	require.True(t, viewOK)
	require.Equal(t, StateOpen, seen.State())
	require.Empty(t, seen.Players)
	require.Equal(t, 0, seen.Balance.Sign())
	require.Equal(t, winner, seen.RecentWinner)
	require.Equal(t, ErrReentrantCall, enterErr)
	require.Equal(t, ErrReentrantCall, fulfillErr)
	require.Equal(t, ErrReentrantCall, upkeepErr)

	_, ok := SettlementView(env.ctx)
	require.False(t, ok)
}

func TestMachine_ReentrancyFreshContext(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
	id := env.closeRound(t)
	winner := env.players[0]

	var errs []error
	env.backend.SetReceiver(winner, func(ctx context.Context, tx ledger.Tx, from common.Address, amount *big.Int) error {
		bg := context.Background()
		errs = append(errs, env.m.Enter(bg, winner, testFee))
		_, err := env.m.PerformUpkeep(bg)
		errs = append(errs, err)
		_, err = env.m.RetryRandomness(bg)
		errs = append(errs, err)
		_, err = env.m.FulfillRandomWords(bg, id, []*big.Int{big.NewInt(0)})
		errs = append(errs, err)
		return nil
	})
	got, err := env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(5)})
	require.NoError(t, err)
	require.Equal(t, winner, got)
	require.Equal(t, []error{ErrReentrantCall, ErrReentrantCall,
		ErrReentrantCall, ErrReentrantCall}, errs)

	// The flag is cleared once the payout is done, also after a failure.
	env.backend.SetReceiver(winner, nil)
	require.NoError(t, env.m.Enter(env.ctx, winner, testFee))
	env.clock.Advance(testInterval)
	id, err = env.m.PerformUpkeep(env.ctx)
	require.NoError(t, err)
	env.backend.SetReceiver(winner, func(ctx context.Context, tx ledger.Tx, from common.Address, amount *big.Int) error {
		return xerrors.New("refused")
	})
	_, err = env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(5)})
	require.True(t, xerrors.Is(err, ErrSettlementFailed))
	_, err = env.m.RetryRandomness(env.ctx)
	require.True(t, xerrors.Is(err, ErrRequestNotStale))
}

func TestMachine_ListenerCallsBack(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
	var players []int
	env.m.Subscribe(func(ev Event) {
		players = append(players, env.m.NumPlayers())
	})
	require.NoError(t, env.m.Enter(env.ctx, env.players[0], testFee))
	require.Equal(t, []int{1}, players)
}

func TestMachine_Restart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raffle.db")
	b, err := ledger.OpenBolt(path)
	require.NoError(t, err)
	env := newTestEnv(t, testConfig(), b, 3)
	id := env.closeRound(t)
	require.NoError(t, b.Close())

	b, err = ledger.OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()
	m, err := NewMachine(env.ctx, testConfig(), b, env.coord, env.clock)
	require.NoError(t, err)
	require.Equal(t, StateCalculating, m.State())
	pending, ok := m.PendingRequest()
	require.True(t, ok)
	require.Equal(t, id, pending)
	require.Equal(t, 3, m.NumPlayers())
	require.Equal(t, 0, m.Balance().Cmp(big.NewInt(3e16)))

	winner, err := m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(5)})
	require.NoError(t, err)
	require.Equal(t, env.players[2], winner)
	bal, err := ledger.BalanceOf(env.ctx, b, winner)
	require.NoError(t, err)
	require.Equal(t, 0, bal.Cmp(big.NewInt(1e18+2e16)))
}

func TestMachine_RetryRandomness(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 1)
	_, err := env.m.RetryRandomness(env.ctx)
	require.True(t, xerrors.Is(err, ErrRequestNotStale))
	id := env.closeRound(t)
	env.clock.Advance(time.Hour)
	_, err = env.m.RetryRandomness(env.ctx)
	require.True(t, xerrors.Is(err, ErrRequestNotStale))
	pending, _ := env.m.PendingRequest()
	require.Equal(t, id, pending)

	cfg := testConfig()
	cfg.Name = "retry"
	cfg.RequestTimeout = 10 * time.Minute
	env = newTestEnv(t, cfg, ledger.NewMemory(), 2)
	old := env.closeRound(t)
	env.clock.Advance(9 * time.Minute)
	_, err = env.m.RetryRandomness(env.ctx)
	require.True(t, xerrors.Is(err, ErrRequestNotStale))

	env.clock.Advance(time.Minute)
	fresh, err := env.m.RetryRandomness(env.ctx)
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)
	require.Len(t, env.coord.reqs, 2)
	require.Equal(t, EventRequestedWinner, env.events.last().Kind)

	_, err = env.m.FulfillRandomWords(env.ctx, old, []*big.Int{big.NewInt(1)})
	require.True(t, xerrors.Is(err, ErrUnknownRequest))
	winner, err := env.m.FulfillRandomWords(env.ctx, fresh, []*big.Int{big.NewInt(1)})
	require.NoError(t, err)
	require.Equal(t, env.players[1], winner)
}

func TestMachine_ConcurrentEntries(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 16)
	var wg sync.WaitGroup
	errs := make(chan error, len(env.players))
	for _, p := range env.players {
		wg.Add(1)
		go func(p common.Address) {
			defer wg.Done()
			errs <- env.m.Enter(env.ctx, p, testFee)
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 16, env.m.NumPlayers())
	require.Equal(t, 0, env.m.Balance().Cmp(big.NewInt(16e16)))
	require.Equal(t, 0, env.balance(t, poolAddress).Cmp(big.NewInt(16e16)))
}

// TestMachine_RandomWalk drives the machine with arbitrary operations and
// checks the round invariants after each step.
func TestMachine_RandomWalk(t *testing.T) {
	env := newTestEnv(t, testConfig(), ledger.NewMemory(), 5)
	rnd := rand.New(rand.NewSource(1))
	for step := 0; step < 500; step++ {
		switch rnd.Intn(5) {
		case 0, 1:
			p := env.players[rnd.Intn(len(env.players))]
			fee := new(big.Int).Mul(testFee, big.NewInt(int64(rnd.Intn(2))))
			env.m.Enter(env.ctx, p, fee)
		case 2:
			env.clock.Advance(time.Duration(rnd.Intn(40)) * time.Second)
		case 3:
			env.m.PerformUpkeep(env.ctx)
		case 4:
			id := RequestID(rnd.Intn(int(env.coord.last) + 2))
			env.m.FulfillRandomWords(env.ctx, id, []*big.Int{big.NewInt(rnd.Int63())})
		}

		s := env.m.Snapshot()
		pool := env.balance(t, poolAddress)
		require.Equal(t, 0, s.Balance.Cmp(pool), "step %d", step)
		if s.State() == StateCalculating {
			require.NotEmpty(t, s.Players, "step %d", step)
			id, ok := s.PendingRequest()
			require.True(t, ok)
			require.Equal(t, env.coord.last, id)
		} else {
			_, ok := s.PendingRequest()
			require.False(t, ok)
		}
		if len(s.Players) == 0 {
			require.Equal(t, 0, s.Balance.Sign(), "step %d", step)
		}
	}
}
