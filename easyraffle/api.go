package easyraffle

import (
	"math/big"
	"time"

	"github.com/dedis/raffle/config"
	"github.com/dedis/raffle/oracle"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
)

// Client talks to the raffle hosted by the first node of a roster.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

// NewClient returns a client for roster r.
func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

func (c *Client) send(req, reply interface{}) error {
	return c.SendProtobuf(c.roster.List[0], req, reply)
}

// NewDeployRequest converts a deployment into the request deploying it
// from deployer.
func NewDeployRequest(d *config.Deployment, deployer common.Address) *DeployRequest {
	req := &DeployRequest{
		Network:          d.Name,
		Dev:              d.Dev,
		Deployer:         deployer.Bytes(),
		EntranceFee:      d.EntranceFee.Bytes(),
		Interval:         int64(d.Interval / time.Second),
		KeyHash:          d.KeyHash.Bytes(),
		CallbackGasLimit: d.CallbackGasLimit,
		Confirmations:    uint32(d.Confirmations),
		RequestTimeout:   int64(d.RequestTimeout / time.Second),
	}
	if d.BaseFee != nil {
		req.BaseFee = d.BaseFee.Bytes()
	}
	if d.GasPrice != nil {
		req.GasPrice = d.GasPrice.Bytes()
	}
	if d.SubscriptionFund != nil {
		req.SubscriptionFund = d.SubscriptionFund.Bytes()
	}
	return req
}

// Deploy creates the raffle with the parameters of a development network.
func (c *Client) Deploy(d *config.Deployment, deployer common.Address) (*DeployReply, error) {
	reply := &DeployReply{}
	err := c.send(NewDeployRequest(d, deployer), reply)
	return reply, err
}

// Fund mints amount wei to account.
func (c *Client) Fund(account common.Address, amount *big.Int) (*FundReply, error) {
	reply := &FundReply{}
	err := c.send(&FundRequest{Account: account.Bytes(), Amount: amount.Bytes()}, reply)
	return reply, err
}

// Enter pays value wei from player into the pool.
func (c *Client) Enter(player common.Address, value *big.Int) (*EnterReply, error) {
	reply := &EnterReply{}
	err := c.send(&EnterRequest{Player: player.Bytes(), Value: value.Bytes()}, reply)
	return reply, err
}

// CheckUpkeep evaluates the upkeep predicate.
func (c *Client) CheckUpkeep() (*CheckUpkeepReply, error) {
	reply := &CheckUpkeepReply{}
	err := c.send(&CheckUpkeepRequest{}, reply)
	return reply, err
}

// PerformUpkeep closes the round.
func (c *Client) PerformUpkeep() (*PerformUpkeepReply, error) {
	reply := &PerformUpkeepReply{}
	err := c.send(&PerformUpkeepRequest{}, reply)
	return reply, err
}

// FulfillRandomWords answers request id, zero meaning the pending one.
func (c *Client) FulfillRandomWords(id uint64) (*FulfillReply, error) {
	reply := &FulfillReply{}
	err := c.send(&FulfillRequest{RequestID: id}, reply)
	return reply, err
}

// RetryRandomness replaces a stale request.
func (c *Client) RetryRandomness() (*RetryReply, error) {
	reply := &RetryReply{}
	err := c.send(&RetryRequest{}, reply)
	return reply, err
}

// IncreaseTime moves the raffle clock forward by d.
func (c *Client) IncreaseTime(d time.Duration) (*IncreaseTimeReply, error) {
	reply := &IncreaseTimeReply{}
	err := c.send(&IncreaseTimeRequest{Seconds: int64(d / time.Second)}, reply)
	return reply, err
}

// GetState describes the raffle.
func (c *Client) GetState() (*GetStateReply, error) {
	reply := &GetStateReply{}
	err := c.send(&GetStateRequest{}, reply)
	return reply, err
}

// GetPlayer returns the roster entry at index i.
func (c *Client) GetPlayer(i int) (*GetPlayerReply, error) {
	reply := &GetPlayerReply{}
	err := c.send(&GetPlayerRequest{Index: i}, reply)
	return reply, err
}

// GetBalance returns the ledger balance of account.
func (c *Client) GetBalance(account common.Address) (*GetBalanceReply, error) {
	reply := &GetBalanceReply{}
	err := c.send(&GetBalanceRequest{Account: account.Bytes()}, reply)
	return reply, err
}

// GetEvents returns the events from index from on.
func (c *Client) GetEvents(from int) (*GetEventsReply, error) {
	reply := &GetEventsReply{}
	err := c.send(&GetEventsRequest{From: from}, reply)
	return reply, err
}

// Fulfillment converts the reply back into what the coordinator signed.
func (r *FulfillReply) Fulfillment(coordinator common.Address) *oracle.Fulfillment {
	f := &oracle.Fulfillment{
		Coordinator: coordinator,
		RequestID:   r.RequestID,
		KeyHash:     common.BytesToHash(r.KeyHash),
		Round:       r.Round,
		Prev:        r.Prev,
		Signature:   r.Signature,
	}
	for _, w := range r.Words {
		f.Words = append(f.Words, new(big.Int).SetBytes(w))
	}
	return f
}

// Verify checks the words of r against the oracle key published in state.
func (r *FulfillReply) Verify(state *GetStateReply) error {
	pub, err := oracle.UnmarshalPublic(state.OraclePublic)
	if err != nil {
		return err
	}
	f := r.Fulfillment(common.BytesToAddress(state.Coordinator))
	if err := oracle.Verify(pub, f); err != nil {
		return xerrors.Errorf("request %d: %v", r.RequestID, err)
	}
	return nil
}
