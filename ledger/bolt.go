package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	accountsBucket = []byte("accounts")
	recordsBucket  = []byte("records")
)

// account is the on-disk representation of a balance.
type account struct {
	Balance  []byte
	Received uint64
}

// Bolt is a Backend stored in a bbolt database, below a single top-level
// bucket. A bbolt write transaction gives the all-or-nothing semantics.
type Bolt struct {
	receivers
	db     *bbolt.DB
	bucket []byte
	owned  bool
}

// OpenBolt opens (or creates) a database file dedicated to the ledger.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %v", path, err)
	}
	b, err := NewBolt(db, []byte("raffle"))
	if err != nil {
		db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewBolt uses bucket inside an existing database, e.g. a bucket handed out
// by an onet service context. The database is not closed by Close.
func NewBolt(db *bbolt.DB, bucket []byte) (*Bolt, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		top, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		if _, err := top.CreateBucketIfNotExists(accountsBucket); err != nil {
			return err
		}
		_, err = top.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		return nil, xerrors.Errorf("creating ledger buckets: %v", err)
	}
	return &Bolt{db: db, bucket: append([]byte(nil), bucket...)}, nil
}

// Close releases the database if it was opened by OpenBolt.
func (b *Bolt) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

// Update runs fn inside a bbolt write transaction.
func (b *Bolt) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(btx *bbolt.Tx) error {
		return fn(b.wrap(btx, true))
	})
}

// View runs fn inside a bbolt read transaction.
func (b *Bolt) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(btx *bbolt.Tx) error {
		return fn(b.wrap(btx, false))
	})
}

func (b *Bolt) wrap(btx *bbolt.Tx, writable bool) *boltTx {
	top := btx.Bucket(b.bucket)
	return &boltTx{
		b:        b,
		writable: writable,
		accounts: top.Bucket(accountsBucket),
		records:  top.Bucket(recordsBucket),
	}
}

type boltTx struct {
	b        *Bolt
	writable bool
	accounts *bbolt.Bucket
	records  *bbolt.Bucket
}

func (tx *boltTx) load(addr common.Address) (*account, error) {
	acc := &account{}
	buf := tx.accounts.Get(addr.Bytes())
	if buf == nil {
		return acc, nil
	}
	if err := protobuf.Decode(buf, acc); err != nil {
		log.Errorf("decoding account %s: %v", addr.Hex(), err)
		return nil, xerrors.Errorf("decoding account %s: %v", addr.Hex(), err)
	}
	return acc, nil
}

func (tx *boltTx) balance(addr common.Address) (*big.Int, error) {
	acc, err := tx.load(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(acc.Balance), nil
}

func (tx *boltTx) setBalance(addr common.Address, v *big.Int) error {
	if !tx.writable {
		return ErrReadOnly
	}
	acc, err := tx.load(addr)
	if err != nil {
		return err
	}
	if v.Cmp(new(big.Int).SetBytes(acc.Balance)) > 0 {
		acc.Received++
	}
	acc.Balance = v.Bytes()
	buf, err := protobuf.Encode(acc)
	if err != nil {
		return xerrors.Errorf("encoding account %s: %v", addr.Hex(), err)
	}
	return tx.accounts.Put(addr.Bytes(), buf)
}

func (tx *boltTx) Balance(addr common.Address) (*big.Int, error) {
	return tx.balance(addr)
}

func (tx *boltTx) Mint(to common.Address, amount *big.Int) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return mint(tx, to, amount)
}

func (tx *boltTx) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return transfer(ctx, tx, tx, &tx.b.receivers, from, to, amount)
}

func (tx *boltTx) Get(key []byte) ([]byte, error) {
	v := tx.records.Get(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (tx *boltTx) Put(key, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return tx.records.Put(append([]byte(nil), key...), append([]byte(nil), value...))
}
