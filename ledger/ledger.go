// Package ledger keeps account balances and opaque state records. Every
// mutation happens inside a transaction that is applied completely or not at
// all.
package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"
)

var (
	// ErrInsufficientFunds is returned when the sender cannot cover a
	// transfer.
	ErrInsufficientFunds = xerrors.New("insufficient funds")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = xerrors.New("invalid amount")
	// ErrTransferRejected is matched by errors returned from a Receiver.
	ErrTransferRejected = xerrors.New("transfer rejected by receiver")
	// ErrReadOnly is returned when a read-only transaction is asked to
	// write.
	ErrReadOnly = xerrors.New("read-only transaction")
)

// Receiver is invoked after an account has been credited, inside the same
// transaction. It may use tx to move funds further. A non-nil error aborts
// the enclosing transaction. Receivers must not open a new transaction on the
// backend that runs them.
type Receiver func(ctx context.Context, tx Tx, from common.Address, amount *big.Int) error

// Tx is the view of the ledger inside a transaction.
type Tx interface {
	Balance(addr common.Address) (*big.Int, error)
	// Mint credits an account out of thin air. Development networks use it
	// to pre-fund accounts.
	Mint(to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
}

// Backend runs transactions.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	SetReceiver(addr common.Address, r Receiver)
}

// ReceiverError is returned when a receiver refuses an incoming transfer.
type ReceiverError struct {
	Account common.Address
	Err     error
}

func (e *ReceiverError) Error() string {
	return "receiver " + e.Account.Hex() + " rejected transfer: " + e.Err.Error()
}

// Unwrap returns the receiver's own error.
func (e *ReceiverError) Unwrap() error { return e.Err }

// Is makes ReceiverError match ErrTransferRejected.
func (e *ReceiverError) Is(target error) bool { return target == ErrTransferRejected }

// BalanceOf is a convenience wrapper around a read-only transaction.
func BalanceOf(ctx context.Context, b Backend, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := b.View(ctx, func(tx Tx) error {
		var err error
		bal, err = tx.Balance(addr)
		return err
	})
	return bal, err
}

type receivers struct {
	sync.RWMutex
	hooks map[common.Address]Receiver
}

// SetReceiver installs r for addr; a nil r removes it.
func (rs *receivers) SetReceiver(addr common.Address, r Receiver) {
	rs.Lock()
	defer rs.Unlock()
	if rs.hooks == nil {
		rs.hooks = make(map[common.Address]Receiver)
	}
	if r == nil {
		delete(rs.hooks, addr)
		return
	}
	rs.hooks[addr] = r
}

func (rs *receivers) get(addr common.Address) Receiver {
	rs.RLock()
	defer rs.RUnlock()
	return rs.hooks[addr]
}

// accounts is what a backend transaction must provide so that transfer can
// be shared between backends.
type accounts interface {
	balance(addr common.Address) (*big.Int, error)
	setBalance(addr common.Address, v *big.Int) error
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.Errorf("%v: %w", amount, ErrInvalidAmount)
	}
	return nil
}

func mint(acc accounts, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	bal, err := acc.balance(to)
	if err != nil {
		return err
	}
	return acc.setBalance(to, new(big.Int).Add(bal, amount))
}

func transfer(ctx context.Context, tx Tx, acc accounts, rs *receivers,
	from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	fromBal, err := acc.balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return xerrors.Errorf("%s holds %v, needs %v: %w", from.Hex(),
			fromBal, amount, ErrInsufficientFunds)
	}
	if from != to {
		if err := acc.setBalance(from, new(big.Int).Sub(fromBal, amount)); err != nil {
			return err
		}
		toBal, err := acc.balance(to)
		if err != nil {
			return err
		}
		if err := acc.setBalance(to, new(big.Int).Add(toBal, amount)); err != nil {
			return err
		}
	}
	if r := rs.get(to); r != nil {
		if err := r(ctx, tx, from, amount); err != nil {
			return &ReceiverError{Account: to, Err: err}
		}
	}
	return nil
}
