package easyraffle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/dedis/raffle/config"
	"github.com/dedis/raffle/ledger"
	"github.com/dedis/raffle/lottery"
	"github.com/dedis/raffle/oracle"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

var deployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestService(t *testing.T) {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, roster, _ := local.GenTree(3, true)
	defer local.CloseAll()

	services := local.GetServices(hosts, raffleID)
	root := services[0].(*Service)

	_, err := root.GetState(&GetStateRequest{})
	require.Equal(t, ErrNotDeployed, err)
	_, err = root.Enter(&EnterRequest{Player: deployer.Bytes()})
	require.Equal(t, ErrNotDeployed, err)

	d, err := config.Default().Deployment("hardhat")
	require.NoError(t, err)
	cl := NewClient(roster)
	dep, err := cl.Deploy(d, deployer)
	require.NoError(t, err)
	coordAddr, raffleAddr := Addresses(deployer)
	require.Equal(t, raffleAddr.Bytes(), dep.Raffle)
	require.Equal(t, coordAddr.Bytes(), dep.Coordinator)
	require.Equal(t, uint64(1), dep.SubscriptionID)

	_, err = root.Deploy(&DeployRequest{Dev: true, Deployer: deployer.Bytes(),
		KeyHash: d.KeyHash.Bytes()})
	require.Equal(t, ErrAlreadyDeployed, err)

	var players []common.Address
	for i := 0; i < 3; i++ {
		p := common.BigToAddress(big.NewInt(int64(0xa0 + i)))
		players = append(players, p)
		_, err := cl.Fund(p, big.NewInt(1e18))
		require.NoError(t, err)
		reply, err := cl.Enter(p, d.EntranceFee)
		require.NoError(t, err)
		require.Equal(t, i+1, reply.NumPlayers)
	}
	_, err = cl.Enter(players[0], big.NewInt(1))
	require.Error(t, err)

	check, err := cl.CheckUpkeep()
	require.NoError(t, err)
	require.False(t, check.Needed)
	require.False(t, check.TimePassed)
	require.True(t, check.HasPlayers)
	_, err = cl.PerformUpkeep()
	require.Error(t, err)

	_, err = cl.IncreaseTime(31 * time.Second)
	require.NoError(t, err)
	check, err = cl.CheckUpkeep()
	require.NoError(t, err)
	require.True(t, check.Needed)

	perf, err := cl.PerformUpkeep()
	require.NoError(t, err)
	state, err := cl.GetState()
	require.NoError(t, err)
	require.True(t, state.Calculating)
	require.Equal(t, perf.RequestID, state.PendingRequest)
	require.Equal(t, 3, state.NumPlayers)
	require.Equal(t, 0, new(big.Int).SetBytes(state.Balance).Cmp(big.NewInt(3e16)))
	_, err = cl.Enter(players[0], d.EntranceFee)
	require.Error(t, err)

	ful, err := cl.FulfillRandomWords(0)
	require.NoError(t, err)
	require.Equal(t, perf.RequestID, ful.RequestID)
	require.NoError(t, ful.Verify(state))
	idx := new(big.Int).Mod(new(big.Int).SetBytes(ful.Words[0]), big.NewInt(3)).Int64()
	require.Equal(t, players[idx].Bytes(), ful.Winner)
	require.Equal(t, 0, new(big.Int).SetBytes(ful.Payout).Cmp(big.NewInt(3e16)))

	bal, err := cl.GetBalance(players[idx])
	require.NoError(t, err)
	require.Equal(t, 0, new(big.Int).SetBytes(bal.Balance).Cmp(big.NewInt(1e18+2e16)))
	bal, err = cl.GetBalance(raffleAddr)
	require.NoError(t, err)
	require.Equal(t, 0, new(big.Int).SetBytes(bal.Balance).Sign())

	state, err = cl.GetState()
	require.NoError(t, err)
	require.False(t, state.Calculating)
	require.Equal(t, 0, state.NumPlayers)
	require.Equal(t, uint64(1), state.Round)
	require.Equal(t, players[idx].Bytes(), state.RecentWinner)
	_, err = cl.GetPlayer(0)
	require.Error(t, err)

	evs, err := cl.GetEvents(0)
	require.NoError(t, err)
	require.Equal(t, 5, evs.Total)
	var kinds []string
	for _, ev := range evs.Events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []string{"Entered", "Entered", "Entered", "RequestedWinner", "WinnerPicked"}, kinds)
	evs, err = cl.GetEvents(4)
	require.NoError(t, err)
	require.Len(t, evs.Events, 1)
	require.Equal(t, 4, evs.Events[0].Index)

	require.Equal(t, 3.0, testutil.ToFloat64(root.metrics.entries))
	require.Equal(t, 1.0, testutil.ToFloat64(root.metrics.requests))
	require.Equal(t, 1.0, testutil.ToFloat64(root.metrics.rounds))
	require.Equal(t, 0.0, testutil.ToFloat64(root.metrics.pool))
}

func TestService_SettlementFailure(t *testing.T) {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, _, _ := local.GenTree(1, true)
	defer local.CloseAll()
	s := local.GetServices(hosts, raffleID)[0].(*Service)

	d, err := config.Default().Deployment("localhost")
	require.NoError(t, err)
	_, err = s.Deploy(&DeployRequest{
		Network:          d.Name,
		Dev:              true,
		Deployer:         deployer.Bytes(),
		EntranceFee:      d.EntranceFee.Bytes(),
		Interval:         30,
		KeyHash:          d.KeyHash.Bytes(),
		CallbackGasLimit: d.CallbackGasLimit,
		Confirmations:    1,
		BaseFee:          d.BaseFee.Bytes(),
		GasPrice:         d.GasPrice.Bytes(),
		SubscriptionFund: d.SubscriptionFund.Bytes(),
	})
	require.NoError(t, err)

	player := common.HexToAddress("0xa0")
	_, err = s.Fund(&FundRequest{Account: player.Bytes(), Amount: big.NewInt(1e18).Bytes()})
	require.NoError(t, err)
	_, err = s.Enter(&EnterRequest{Player: player.Bytes(), Value: d.EntranceFee.Bytes()})
	require.NoError(t, err)
	_, err = s.IncreaseTime(&IncreaseTimeRequest{Seconds: 30})
	require.NoError(t, err)
	perf, err := s.PerformUpkeep(&PerformUpkeepRequest{})
	require.NoError(t, err)

	s.ledger.SetReceiver(player, func(ctx context.Context, tx ledger.Tx, from common.Address, amount *big.Int) error {
		return xerrors.New("refused")
	})
	_, err = s.FulfillRandomWords(&FulfillRequest{RequestID: perf.RequestID})
	require.True(t, xerrors.Is(err, lottery.ErrSettlementFailed))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.settlementFailures))
	state, err := s.GetState(&GetStateRequest{})
	require.NoError(t, err)
	require.True(t, state.Calculating)

	s.ledger.SetReceiver(player, nil)
	ful, err := s.FulfillRandomWords(&FulfillRequest{})
	require.NoError(t, err)
	require.Equal(t, player.Bytes(), ful.Winner)

	_, err = s.FulfillRandomWords(&FulfillRequest{})
	require.Error(t, err)
	_, err = s.RetryRandomness(&RetryRequest{})
	require.True(t, xerrors.Is(err, lottery.ErrRequestNotStale))
	_, err = s.IncreaseTime(&IncreaseTimeRequest{Seconds: -1})
	require.Error(t, err)
}

func TestService_LiveNetwork(t *testing.T) {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, _, _ := local.GenTree(1, true)
	defer local.CloseAll()
	s := local.GetServices(hosts, raffleID)[0].(*Service)

	d, err := config.Default().Deployment("goerli")
	require.NoError(t, err)
	_, err = s.Deploy(&DeployRequest{
		Network:     d.Name,
		Dev:         d.Dev,
		Deployer:    deployer.Bytes(),
		EntranceFee: d.EntranceFee.Bytes(),
		KeyHash:     d.KeyHash.Bytes(),
	})
	require.True(t, xerrors.Is(err, ErrNotDevNetwork))
	_, err = s.Fund(&FundRequest{Account: deployer.Bytes()})
	require.Equal(t, ErrNotDeployed, err)

	_, err = s.Deploy(&DeployRequest{Dev: true, Deployer: []byte{1, 2}})
	require.Error(t, err)
}

func newLocalService() (*onet.LocalTest, *Service) {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, _, _ := local.GenTree(1, true)
	return local, local.GetServices(hosts, raffleID)[0].(*Service)
}

func TestService_Restart(t *testing.T) {
	local, s := newLocalService()
	defer local.CloseAll()

	d, err := config.Default().Deployment("hardhat")
	require.NoError(t, err)
	dep, err := s.Deploy(NewDeployRequest(d, deployer))
	require.NoError(t, err)
	player := common.HexToAddress("0xa0")
	_, err = s.Fund(&FundRequest{Account: player.Bytes(), Amount: big.NewInt(1e18).Bytes()})
	require.NoError(t, err)
	_, err = s.Enter(&EnterRequest{Player: player.Bytes(), Value: d.EntranceFee.Bytes()})
	require.NoError(t, err)
	_, err = s.IncreaseTime(&IncreaseTimeRequest{Seconds: 31})
	require.NoError(t, err)
	perf, err := s.PerformUpkeep(&PerformUpkeepRequest{})
	require.NoError(t, err)
	before, err := s.GetState(&GetStateRequest{})
	require.NoError(t, err)

	restarted, err := newService(s.Context)
	require.NoError(t, err)
	r := restarted.(*Service)
	require.Equal(t, 31*time.Second, r.clock.offset)
	require.Equal(t, int64(31*time.Second), r.storage.TimeOffset)

	state, err := r.GetState(&GetStateRequest{})
	require.NoError(t, err)
	require.True(t, state.Calculating)
	require.Equal(t, perf.RequestID, state.PendingRequest)
	require.Equal(t, 1, state.NumPlayers)
	require.Equal(t, before.LastTimestamp, state.LastTimestamp)
	require.Equal(t, dep.OraclePublic, state.OraclePublic)
	require.Equal(t, dep.SubscriptionID, state.SubscriptionID)
	require.True(t, state.Now >= before.Now)
	require.True(t, state.Now >= before.LastTimestamp+int64(31*time.Second))
	evs, err := r.GetEvents(&GetEventsRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, evs.Total)

	_, err = r.Deploy(NewDeployRequest(d, deployer))
	require.Equal(t, ErrAlreadyDeployed, err)

	ful, err := r.FulfillRandomWords(&FulfillRequest{})
	require.NoError(t, err)
	require.Equal(t, perf.RequestID, ful.RequestID)
	require.Equal(t, player.Bytes(), ful.Winner)
	require.NoError(t, ful.Verify(state))
	evs, err = r.GetEvents(&GetEventsRequest{From: 2})
	require.NoError(t, err)
	require.Equal(t, 3, evs.Total)
	require.Equal(t, "WinnerPicked", evs.Events[0].Kind)
	state, err = r.GetState(&GetStateRequest{})
	require.NoError(t, err)
	require.False(t, state.Calculating)
	require.Equal(t, uint64(1), state.Round)
}

func TestService_ReservedAccounts(t *testing.T) {
	local, s := newLocalService()
	defer local.CloseAll()

	d, err := config.Default().Deployment("hardhat")
	require.NoError(t, err)
	dep, err := s.Deploy(NewDeployRequest(d, deployer))
	require.NoError(t, err)
	for _, acc := range [][]byte{dep.Raffle, dep.Coordinator} {
		_, err = s.Fund(&FundRequest{Account: acc, Amount: big.NewInt(1e18).Bytes()})
		require.True(t, xerrors.Is(err, ErrReservedAccount))
		bal, err := s.GetBalance(&GetBalanceRequest{Account: acc})
		require.NoError(t, err)
		require.Equal(t, 0, new(big.Int).SetBytes(bal.Balance).Sign())
	}
	_, err = s.Fund(&FundRequest{Account: deployer.Bytes(), Amount: big.NewInt(1e18).Bytes()})
	require.NoError(t, err)
}

func TestService_Retry(t *testing.T) {
	local, s := newLocalService()
	defer local.CloseAll()

	d, err := config.Default().Deployment("hardhat")
	require.NoError(t, err)
	req := NewDeployRequest(d, deployer)
	req.RequestTimeout = 60
	dep, err := s.Deploy(req)
	require.NoError(t, err)
	player := common.HexToAddress("0xa0")
	_, err = s.Fund(&FundRequest{Account: player.Bytes(), Amount: big.NewInt(1e18).Bytes()})
	require.NoError(t, err)
	_, err = s.Enter(&EnterRequest{Player: player.Bytes(), Value: d.EntranceFee.Bytes()})
	require.NoError(t, err)
	_, err = s.IncreaseTime(&IncreaseTimeRequest{Seconds: 31})
	require.NoError(t, err)
	first, err := s.PerformUpkeep(&PerformUpkeepRequest{})
	require.NoError(t, err)

	_, err = s.RetryRandomness(&RetryRequest{})
	require.True(t, xerrors.Is(err, lottery.ErrRequestNotStale))
	_, err = s.IncreaseTime(&IncreaseTimeRequest{Seconds: 60})
	require.NoError(t, err)
	second, err := s.RetryRandomness(&RetryRequest{})
	require.NoError(t, err)
	require.NotEqual(t, first.RequestID, second.RequestID)

	r, err := s.deployed()
	require.NoError(t, err)
	require.Equal(t, []uint64{second.RequestID}, r.coord.PendingRequests())
	_, err = s.FulfillRandomWords(&FulfillRequest{RequestID: first.RequestID})
	require.True(t, xerrors.Is(err, oracle.ErrNonexistentRequest))

	// A request the raffle never made is dropped once it is refused.
	stray, err := r.coord.RequestRandomWords(context.Background(), oracle.Request{
		Sender:           common.BytesToAddress(dep.Raffle),
		KeyHash:          d.KeyHash,
		SubscriptionID:   dep.SubscriptionID,
		CallbackGasLimit: d.CallbackGasLimit,
		NumWords:         lottery.NumWords,
	})
	require.NoError(t, err)
	_, err = s.FulfillRandomWords(&FulfillRequest{RequestID: stray})
	require.True(t, xerrors.Is(err, lottery.ErrUnknownRequest))
	require.Equal(t, []uint64{second.RequestID}, r.coord.PendingRequests())

	ful, err := s.FulfillRandomWords(&FulfillRequest{})
	require.NoError(t, err)
	require.Equal(t, second.RequestID, ful.RequestID)
	require.Empty(t, r.coord.PendingRequests())
}

func TestService_ResumeDeploy(t *testing.T) {
	local, s := newLocalService()
	defer local.CloseAll()

	d, err := config.Default().Deployment("hardhat")
	require.NoError(t, err)
	req := NewDeployRequest(d, deployer)
	bad := *req
	bad.CallbackGasLimit = oracle.MaxCallbackGasLimit + 1
	_, err = s.Deploy(&bad)
	require.True(t, xerrors.Is(err, oracle.ErrGasLimitTooBig))

	// What an interrupted deployment leaves behind: a subscription serving
	// the raffle, partly funded.
	ctx := context.Background()
	coord, err := s.openCoordinator(ctx, &storage{Deployment: *req})
	require.NoError(t, err)
	_, raffleAddr := Addresses(deployer)
	id, err := coord.CreateSubscription(ctx, deployer)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.NoError(t, coord.AddConsumer(ctx, deployer, id, raffleAddr))
	require.NoError(t, coord.FundSubscription(ctx, id, big.NewInt(1e18)))

	dep, err := s.Deploy(req)
	require.NoError(t, err)
	require.Equal(t, id, dep.SubscriptionID)
	state, err := s.GetState(&GetStateRequest{})
	require.NoError(t, err)
	require.Equal(t, 0, new(big.Int).SetBytes(state.SubscriptionBalance).Cmp(d.SubscriptionFund))
	r, err := s.deployed()
	require.NoError(t, err)
	_, err = r.coord.GetSubscription(id + 1)
	require.True(t, xerrors.Is(err, oracle.ErrInvalidSubscription))
}
