// Raffle runs an easyraffle node and talks to the raffle it hosts.
package main

import (
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dedis/raffle/config"
	"github.com/dedis/raffle/easyraffle"
	"github.com/dedis/raffle/utils"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	cli "gopkg.in/urfave/cli.v1"
)

const binaryName = "raffle"

// hardhat's first funded account
const defaultDeployer = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func main() {
	log.ErrFatal(newApp().Run(os.Args))
}

func newApp() *cli.App {
	cliApp := cli.NewApp()
	cliApp.Name = binaryName
	cliApp.Usage = "run and operate a verifiably fair raffle"
	cliApp.Version = "0.1"
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
		cli.StringFlag{
			Name:  "group, g",
			Value: "group.toml",
			Usage: "roster of the nodes hosting the raffle",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.GlobalInt("debug"))
		return nil
	}
	cliApp.Commands = []cli.Command{
		{
			Name:   "setup",
			Usage:  "create the configuration of a node interactively",
			Action: setup,
		},
		{
			Name:   "server",
			Usage:  "run a node",
			Action: runServer,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Value: "private.toml",
					Usage: "configuration file of the node",
				},
				cli.StringFlag{
					Name:  "metrics",
					Usage: "address to serve prometheus metrics on",
				},
			},
		},
		{
			Name:   "deploy",
			Usage:  "deploy the raffle and its coordinator on a development network",
			Action: deploy,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "network, n",
					Value: "hardhat",
					Usage: "network whose parameters are used",
				},
				cli.StringFlag{
					Name:  "networks",
					Usage: "network configuration file, the built-in one if empty",
				},
				cli.StringFlag{
					Name:  "deployer",
					Value: defaultDeployer,
					Usage: "account deploying the raffle",
				},
			},
		},
		{
			Name:      "fund",
			Usage:     "mint ether to an account",
			ArgsUsage: "ACCOUNT AMOUNT",
			Action:    fund,
		},
		{
			Name:      "enter",
			Usage:     "enter the current round",
			ArgsUsage: "PLAYER",
			Action:    enter,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "value",
					Usage: "ether sent with the entry, the entrance fee if empty",
				},
			},
		},
		{
			Name:   "check",
			Usage:  "evaluate whether the round can be closed",
			Action: check,
		},
		{
			Name:   "perform",
			Usage:  "close the round and request randomness",
			Action: perform,
		},
		{
			Name:      "fulfill",
			Usage:     "answer a randomness request and settle the round",
			ArgsUsage: "[REQUEST]",
			Action:    fulfill,
		},
		{
			Name:   "retry",
			Usage:  "replace a stale randomness request",
			Action: retry,
		},
		{
			Name:      "increase-time",
			Usage:     "move the raffle clock forward",
			ArgsUsage: "SECONDS",
			Action:    increaseTime,
		},
		{
			Name:   "status",
			Usage:  "print the raffle state",
			Action: status,
		},
		{
			Name:      "player",
			Usage:     "print the player at an index",
			ArgsUsage: "INDEX",
			Action:    player,
		},
		{
			Name:      "balance",
			Usage:     "print the balance of an account",
			ArgsUsage: "ACCOUNT",
			Action:    balance,
		},
		{
			Name:   "events",
			Usage:  "print the raffle events",
			Action: events,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "from",
					Usage: "index of the first event",
				},
			},
		},
	}
	return cliApp
}

func setup(c *cli.Context) error {
	app.InteractiveConfig(cothority.Suite, binaryName)
	return nil
}

func runServer(c *cli.Context) error {
	if addr := c.String("metrics"); addr != "" {
		go func() {
			log.Lvl1("serving metrics on", addr)
			if err := http.ListenAndServe(addr, easyraffle.MetricsHandler()); err != nil {
				log.Error("metrics:", err)
			}
		}()
	}
	app.RunServer(c.String("config"))
	return nil
}

func client(c *cli.Context) (*easyraffle.Client, error) {
	roster, err := utils.ReadRoster(c.GlobalString("group"))
	if err != nil {
		return nil, err
	}
	return easyraffle.NewClient(roster), nil
}

func arg(c *cli.Context, i int, name string) (string, error) {
	if c.NArg() <= i {
		return "", xerrors.Errorf("missing %s", name)
	}
	return c.Args().Get(i), nil
}

func addressArg(c *cli.Context, i int, name string) (common.Address, error) {
	s, err := arg(c, i, name)
	if err != nil {
		return common.Address{}, err
	}
	return utils.ParseAddress(s)
}

func ether(b []byte) string {
	return config.FormatEther(new(big.Int).SetBytes(b)) + " ETH"
}

func deploy(c *cli.Context) error {
	file, err := config.Load(c.String("networks"))
	if err != nil {
		return err
	}
	d, err := file.Deployment(c.String("network"))
	if err != nil {
		return err
	}
	deployer, err := utils.ParseAddress(c.String("deployer"))
	if err != nil {
		return err
	}
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.Deploy(d, deployer)
	if err != nil {
		return err
	}
	fmt.Println("Raffle:", common.BytesToAddress(reply.Raffle).Hex())
	fmt.Println("Coordinator:", common.BytesToAddress(reply.Coordinator).Hex())
	fmt.Println("Subscription:", reply.SubscriptionID)
	fmt.Printf("Oracle key: %x\n", reply.OraclePublic)
	return nil
}

func fund(c *cli.Context) error {
	account, err := addressArg(c, 0, "account")
	if err != nil {
		return err
	}
	s, err := arg(c, 1, "amount")
	if err != nil {
		return err
	}
	amount, err := config.ParseEther(s)
	if err != nil {
		return err
	}
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.Fund(account, amount)
	if err != nil {
		return err
	}
	fmt.Println("Balance:", ether(reply.Balance))
	return nil
}

func enter(c *cli.Context) error {
	p, err := addressArg(c, 0, "player")
	if err != nil {
		return err
	}
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	var value *big.Int
	if s := c.String("value"); s != "" {
		value, err = config.ParseEther(s)
		if err != nil {
			return err
		}
	} else {
		state, err := cl.GetState()
		if err != nil {
			return err
		}
		value = new(big.Int).SetBytes(state.EntranceFee)
	}
	reply, err := cl.Enter(p, value)
	if err != nil {
		return err
	}
	fmt.Println("Entered, players:", reply.NumPlayers)
	return nil
}

func check(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.CheckUpkeep()
	if err != nil {
		return err
	}
	fmt.Println("Upkeep needed:", reply.Needed)
	fmt.Println("  interval passed:", reply.TimePassed)
	fmt.Println("  open:", reply.IsOpen)
	fmt.Println("  has balance:", reply.HasBalance)
	fmt.Println("  has players:", reply.HasPlayers)
	return nil
}

func perform(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.PerformUpkeep()
	if err != nil {
		return err
	}
	fmt.Println("Request:", reply.RequestID)
	return nil
}

func fulfill(c *cli.Context) error {
	var id uint64
	if c.NArg() > 0 {
		var err error
		id, err = strconv.ParseUint(c.Args().First(), 10, 64)
		if err != nil {
			return xerrors.Errorf("invalid request id: %v", err)
		}
	}
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.FulfillRandomWords(id)
	if err != nil {
		return err
	}
	fmt.Println("Request:", reply.RequestID)
	fmt.Println("Winner:", common.BytesToAddress(reply.Winner).Hex())
	fmt.Println("Payout:", ether(reply.Payout))
	state, err := cl.GetState()
	if err != nil {
		return err
	}
	if err := reply.Verify(state); err != nil {
		fmt.Println("Randomness verification: FAILED")
		return err
	}
	fmt.Println("Randomness verification: SUCCESS")
	return nil
}

func retry(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.RetryRandomness()
	if err != nil {
		return err
	}
	fmt.Println("Request:", reply.RequestID)
	return nil
}

func parseSeconds(s string) (time.Duration, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, xerrors.Errorf("invalid number of seconds %q", s)
	}
	return time.Duration(n) * time.Second, nil
}

func increaseTime(c *cli.Context) error {
	s, err := arg(c, 0, "seconds")
	if err != nil {
		return err
	}
	d, err := parseSeconds(s)
	if err != nil {
		return err
	}
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.IncreaseTime(d)
	if err != nil {
		return err
	}
	fmt.Println("Now:", time.Unix(0, reply.Now).UTC().Format(time.RFC3339))
	return nil
}

func status(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	s, err := cl.GetState()
	if err != nil {
		return err
	}
	state := "OPEN"
	if s.Calculating {
		state = "CALCULATING"
	}
	fmt.Println("Network:", s.Network)
	fmt.Println("Raffle:", common.BytesToAddress(s.Raffle).Hex())
	fmt.Println("Coordinator:", common.BytesToAddress(s.Coordinator).Hex())
	fmt.Println("Subscription:", s.SubscriptionID, ether(s.SubscriptionBalance))
	fmt.Println("State:", state)
	if s.Calculating {
		fmt.Println("Pending request:", s.PendingRequest)
	}
	fmt.Println("Round:", s.Round)
	fmt.Println("Entrance fee:", ether(s.EntranceFee))
	fmt.Println("Interval:", time.Duration(s.Interval)*time.Second)
	fmt.Println("Pool:", ether(s.Balance))
	fmt.Println("Players:", s.NumPlayers)
	fmt.Println("Recent winner:", common.BytesToAddress(s.RecentWinner).Hex())
	fmt.Println("Last timestamp:", time.Unix(0, s.LastTimestamp).UTC().Format(time.RFC3339))
	fmt.Println("Now:", time.Unix(0, s.Now).UTC().Format(time.RFC3339))
	return nil
}

func player(c *cli.Context) error {
	s, err := arg(c, 0, "index")
	if err != nil {
		return err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return xerrors.Errorf("invalid index: %v", err)
	}
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.GetPlayer(i)
	if err != nil {
		return err
	}
	fmt.Println(common.BytesToAddress(reply.Player).Hex())
	return nil
}

func balance(c *cli.Context) error {
	account, err := addressArg(c, 0, "account")
	if err != nil {
		return err
	}
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.GetBalance(account)
	if err != nil {
		return err
	}
	fmt.Println(ether(reply.Balance))
	return nil
}

func events(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	reply, err := cl.GetEvents(c.Int("from"))
	if err != nil {
		return err
	}
	for _, ev := range reply.Events {
		line := fmt.Sprintf("%d %s round=%d", ev.Index, ev.Kind, ev.Round)
		if len(ev.Player) > 0 {
			line += " player=" + common.BytesToAddress(ev.Player).Hex()
		}
		if ev.RequestID != 0 {
			line += fmt.Sprintf(" request=%d", ev.RequestID)
		}
		if len(ev.Amount) > 0 {
			line += " amount=" + ether(ev.Amount)
		}
		fmt.Println(line)
	}
	fmt.Printf("%d of %d events\n", len(reply.Events), reply.Total)
	return nil
}
