package main

import (
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/raffle/config"
	"github.com/dedis/raffle/easyraffle"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/simul"
	"go.dedis.ch/onet/v3/simul/monitor"
	"golang.org/x/xerrors"
)

var deployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// SimulationService drives full raffle rounds against the first node of the
// simulated roster.
type SimulationService struct {
	onet.SimulationBFTree
	Network         string
	NumParticipants int
	SlotFactor      int
	Seed            int64

	d  *config.Deployment
	cl *easyraffle.Client
}

func init() {
	onet.SimulationRegister("Raffle", NewRaffleSimulation)
}

// NewRaffleSimulation decodes the simulation parameters from config.
func NewRaffleSimulation(config string) (onet.Simulation, error) {
	ss := &SimulationService{Network: "hardhat", SlotFactor: 1}
	_, err := toml.Decode(config, ss)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (s *SimulationService) Setup(dir string,
	hosts []string) (*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *SimulationService) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.GetID())
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

// generateSchedule spreads the participants over NumParticipants*SlotFactor
// slots, each slot holding the number of entries sent at once.
func (s *SimulationService) generateSchedule() []int {
	numSlots := s.NumParticipants * s.SlotFactor
	if numSlots == 0 {
		return nil
	}
	r := rand.New(rand.NewSource(s.Seed))
	slots := make([]int, numSlots)
	for i := 0; i < s.NumParticipants; i++ {
		slots[r.Intn(numSlots)]++
	}
	return slots
}

func participant(round, idx int) common.Address {
	return common.BigToAddress(big.NewInt(int64(round)<<32 | int64(idx+1)))
}

func (s *SimulationService) executeEnter(p common.Address, idx int) error {
	label := fmt.Sprintf("p%d_enter", idx)
	enterMonitor := monitor.NewTimeMeasure(label)
	defer enterMonitor.Record()
	_, err := s.cl.Fund(p, s.d.EntranceFee)
	if err != nil {
		return xerrors.Errorf("funding %s: %v", p.Hex(), err)
	}
	_, err = s.cl.Enter(p, s.d.EntranceFee)
	if err != nil {
		return xerrors.Errorf("entering %s: %v", p.Hex(), err)
	}
	return nil
}

func (s *SimulationService) executeClose() (uint64, error) {
	closeMonitor := monitor.NewTimeMeasure("close")
	_, err := s.cl.IncreaseTime(s.d.Interval)
	if err != nil {
		return 0, err
	}
	check, err := s.cl.CheckUpkeep()
	if err != nil {
		return 0, err
	}
	if !check.Needed {
		return 0, xerrors.Errorf("upkeep not needed: time %v open %v players %v balance %v",
			check.TimePassed, check.IsOpen, check.HasPlayers, check.HasBalance)
	}
	reply, err := s.cl.PerformUpkeep()
	if err != nil {
		return 0, err
	}
	closeMonitor.Record()
	return reply.RequestID, nil
}

func (s *SimulationService) executeFulfill(id uint64) error {
	fulfillMonitor := monitor.NewTimeMeasure("fulfill")
	state, err := s.cl.GetState()
	if err != nil {
		return err
	}
	reply, err := s.cl.FulfillRandomWords(id)
	if err != nil {
		return err
	}
	fulfillMonitor.Record()
	verifyMonitor := monitor.NewTimeMeasure("verify")
	err = reply.Verify(state)
	verifyMonitor.Record()
	if err != nil {
		return err
	}
	log.Lvlf1("round %d won by %x (%s)", reply.Round, reply.Winner,
		config.FormatEther(new(big.Int).SetBytes(reply.Payout)))
	return nil
}

func (s *SimulationService) runRaffle() error {
	schedule := s.generateSchedule()
	for round := 0; round < s.Rounds; round++ {
		var wg sync.WaitGroup
		errs := make(chan error, s.NumParticipants)
		ctr := 0
		for _, count := range schedule {
			if count == 0 {
				continue
			}
			wg.Add(count)
			for j := 0; j < count; j++ {
				go func(idx int) {
					defer wg.Done()
					if err := s.executeEnter(participant(round, idx), idx); err != nil {
						errs <- err
					}
				}(ctr)
				ctr++
			}
			wg.Wait()
		}
		close(errs)
		if err := <-errs; err != nil {
			return err
		}
		id, err := s.executeClose()
		if err != nil {
			return err
		}
		if err := s.executeFulfill(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimulationService) Run(config *onet.SimulationConfig) error {
	var err error
	s.d, err = s.deployment()
	if err != nil {
		return err
	}
	s.cl = easyraffle.NewClient(config.Roster)
	defer s.cl.Close()
	deployMonitor := monitor.NewTimeMeasure("deploy")
	_, err = s.cl.Deploy(s.d, deployer)
	if err != nil {
		log.Error(err)
		return err
	}
	deployMonitor.Record()
	return s.runRaffle()
}

func (s *SimulationService) deployment() (*config.Deployment, error) {
	d, err := config.Default().Deployment(s.Network)
	if err != nil {
		return nil, err
	}
	if d.Interval <= 0 {
		d.Interval = time.Second
	}
	return d, nil
}

func main() {
	simul.Start()
}
