// Package config reads the per-network deployment parameters of a raffle.
package config

import (
	_ "embed"
	"io/ioutil"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/params"
	"golang.org/x/xerrors"
)

//go:embed networks.toml
var defaultNetworks string

// Network is one [networks.<name>] table as written in the file.
type Network struct {
	ChainID          uint64 `toml:"chain_id"`
	Interval         int64  `toml:"interval"`
	EntranceFee      string `toml:"entrance_fee"`
	KeyHash          string `toml:"key_hash"`
	SubscriptionID   uint64 `toml:"subscription_id"`
	CallbackGasLimit uint32 `toml:"callback_gas_limit"`
	Confirmations    uint16 `toml:"confirmations"`
	Coordinator      string `toml:"coordinator"`
	BaseFee          string `toml:"base_fee"`
	GasPrice         string `toml:"gas_price"`
	SubscriptionFund string `toml:"subscription_fund"`
	RequestTimeout   int64  `toml:"request_timeout"`
}

// File is a parsed networks file.
type File struct {
	DevChains []string            `toml:"dev_chains"`
	Networks  map[string]*Network `toml:"networks"`
}

// Deployment is a network with every value converted and checked.
type Deployment struct {
	Name             string
	Dev              bool
	ChainID          uint64
	Interval         time.Duration
	EntranceFee      *big.Int
	KeyHash          common.Hash
	SubscriptionID   uint64
	CallbackGasLimit uint32
	Confirmations    uint16
	RequestTimeout   time.Duration
	// Coordinator is only set on live networks.
	Coordinator common.Address
	// Local coordinator pricing and funding, development networks only.
	BaseFee          *big.Int
	GasPrice         *big.Int
	SubscriptionFund *big.Int
}

// Default returns the built-in networks.
func Default() *File {
	f, err := Parse(defaultNetworks)
	if err != nil {
		panic("invalid built-in networks: " + err.Error())
	}
	return f
}

// Load reads a networks file. An empty path gives the built-in networks.
func Load(path string) (*File, error) {
	if path == "" {
		return Default(), nil
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading %s: %v", path, err)
	}
	f, err := Parse(string(buf))
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a networks file, rejecting keys it does not know.
func Parse(data string) (*File, error) {
	f := &File{}
	md, err := toml.Decode(data, f)
	if err != nil {
		return nil, xerrors.Errorf("decoding networks: %v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, xerrors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return f, nil
}

// Names lists the configured networks.
func (f *File) Names() []string {
	var names []string
	for n := range f.Networks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsDev tells whether name is a development network.
func (f *File) IsDev(name string) bool {
	for _, d := range f.DevChains {
		if d == name {
			return true
		}
	}
	return false
}

// ByChainID returns the name of the first network, in name order, using id.
func (f *File) ByChainID(id uint64) (string, bool) {
	for _, n := range f.Names() {
		if f.Networks[n].ChainID == id {
			return n, true
		}
	}
	return "", false
}

// Deployment converts the network called name.
func (f *File) Deployment(name string) (*Deployment, error) {
	n, ok := f.Networks[name]
	if !ok {
		return nil, xerrors.Errorf("unknown network %q", name)
	}
	d := &Deployment{
		Name:             name,
		Dev:              f.IsDev(name),
		ChainID:          n.ChainID,
		Interval:         time.Duration(n.Interval) * time.Second,
		SubscriptionID:   n.SubscriptionID,
		CallbackGasLimit: n.CallbackGasLimit,
		Confirmations:    n.Confirmations,
		RequestTimeout:   time.Duration(n.RequestTimeout) * time.Second,
	}
	if n.Interval < 0 || n.RequestTimeout < 0 {
		return nil, xerrors.Errorf("%s: negative duration", name)
	}
	var err error
	if n.EntranceFee == "" {
		return nil, xerrors.Errorf("%s: missing entrance_fee", name)
	}
	if d.EntranceFee, err = ParseEther(n.EntranceFee); err != nil {
		return nil, xerrors.Errorf("%s: entrance_fee: %w", name, err)
	}
	if !isHex(n.KeyHash, common.HashLength) {
		return nil, xerrors.Errorf("%s: invalid key_hash %q", name, n.KeyHash)
	}
	d.KeyHash = common.HexToHash(n.KeyHash)

	if !d.Dev {
		if !common.IsHexAddress(n.Coordinator) {
			return nil, xerrors.Errorf("%s: invalid coordinator %q", name, n.Coordinator)
		}
		d.Coordinator = common.HexToAddress(n.Coordinator)
		if n.SubscriptionID == 0 {
			return nil, xerrors.Errorf("%s: missing subscription_id", name)
		}
		return d, nil
	}
	if d.BaseFee, err = ParseEther(n.BaseFee); err != nil {
		return nil, xerrors.Errorf("%s: base_fee: %w", name, err)
	}
	if d.SubscriptionFund, err = ParseEther(n.SubscriptionFund); err != nil {
		return nil, xerrors.Errorf("%s: subscription_fund: %w", name, err)
	}
	gp, ok := math.ParseBig256(n.GasPrice)
	if !ok || gp.Sign() < 0 {
		return nil, xerrors.Errorf("%s: invalid gas_price %q", name, n.GasPrice)
	}
	d.GasPrice = gp
	return d, nil
}

func isHex(s string, size int) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return len(s) == 2+2*size && common.FromHex(s) != nil
}

// ParseEther converts a decimal ether amount such as "0.01" to wei.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, xerrors.Errorf("invalid amount %q", s)
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if frac == "" {
			return nil, xerrors.Errorf("invalid amount %q", s)
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, xerrors.Errorf("%q has more than 18 decimals", s)
	}
	if strings.HasPrefix(whole, "0x") || !isDecimal(whole) || !isDecimal(frac) {
		return nil, xerrors.Errorf("invalid amount %q", s)
	}
	w, ok := math.ParseBig256(whole)
	if !ok {
		return nil, xerrors.Errorf("invalid amount %q", s)
	}
	wei := new(big.Int).Mul(w, big.NewInt(params.Ether))
	if frac != "" {
		f, ok := math.ParseBig256(frac + strings.Repeat("0", 18-len(frac)))
		if !ok {
			return nil, xerrors.Errorf("invalid amount %q", s)
		}
		wei.Add(wei, f)
	}
	return wei, nil
}

func isDecimal(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FormatEther renders wei as a decimal ether amount without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(wei)
	if wei.Sign() < 0 {
		sign = "-"
	}
	q, r := new(big.Int).QuoRem(abs, big.NewInt(params.Ether), new(big.Int))
	if r.Sign() == 0 {
		return sign + q.String()
	}
	frac := r.String()
	frac = strings.Repeat("0", 18-len(frac)) + frac
	return sign + q.String() + "." + strings.TrimRight(frac, "0")
}
