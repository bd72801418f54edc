package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Memory is an in-process Backend. Each update works on a copy of the
// account and record maps which replaces the live maps only when the
// transaction function succeeds.
type Memory struct {
	receivers
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	records  map[string][]byte
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[common.Address]*big.Int),
		records:  make(map[string][]byte),
	}
}

// Update runs fn in a writable transaction.
func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, writable: true,
		balances: make(map[common.Address]*big.Int, len(m.balances)),
		records:  make(map[string][]byte, len(m.records)),
	}
	for k, v := range m.balances {
		tx.balances[k] = v
	}
	for k, v := range m.records {
		tx.records[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.balances = tx.balances
	m.records = tx.records
	return nil
}

// View runs fn in a read-only transaction.
func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{m: m, balances: m.balances, records: m.records})
}

type memTx struct {
	m        *Memory
	writable bool
	balances map[common.Address]*big.Int
	records  map[string][]byte
}

func (tx *memTx) balance(addr common.Address) (*big.Int, error) {
	if b, ok := tx.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (tx *memTx) setBalance(addr common.Address, v *big.Int) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.balances[addr] = v
	return nil
}

func (tx *memTx) Balance(addr common.Address) (*big.Int, error) {
	return tx.balance(addr)
}

func (tx *memTx) Mint(to common.Address, amount *big.Int) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return mint(tx, to, amount)
}

func (tx *memTx) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return transfer(ctx, tx, tx, &tx.m.receivers, from, to, amount)
}

func (tx *memTx) Get(key []byte) ([]byte, error) {
	v, ok := tx.records[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (tx *memTx) Put(key, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.records[string(key)] = append([]byte(nil), value...)
	return nil
}
