package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/xerrors"
)

const genesisMsg = "raffle_genesis"

var suite = pairing.NewSuiteBn256()

// Message builds the data signed for a request. prev is the signature of the
// previous round, which chains the outputs so that a round cannot be signed
// ahead of time.
func Message(round uint64, prev []byte, requestID uint64, keyHash common.Hash) []byte {
	if round == 0 {
		prev = []byte(genesisMsg)
	}
	buf := make([]byte, 8, 16+len(prev)+common.HashLength)
	binary.LittleEndian.PutUint64(buf, round)
	buf = append(buf, prev...)
	idBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBuf, requestID)
	buf = append(buf, idBuf...)
	return append(buf, keyHash.Bytes()...)
}

// DeriveWords expands a signature into n 256-bit words: word i is
// sha256(sig || i).
func DeriveWords(sig []byte, n uint32) []*big.Int {
	words := make([]*big.Int, n)
	idx := make([]byte, 4)
	for i := range words {
		binary.LittleEndian.PutUint32(idx, uint32(i))
		h := sha256.New()
		h.Write(sig)
		h.Write(idx)
		words[i] = new(big.Int).SetBytes(h.Sum(nil))
	}
	return words
}

// Verify checks that f was produced by the holder of the private key of
// public.
func Verify(public kyber.Point, f *Fulfillment) error {
	if f == nil {
		return xerrors.New("missing fulfillment")
	}
	msg := Message(f.Round, f.Prev, f.RequestID, f.KeyHash)
	if err := bls.Verify(suite, public, msg, f.Signature); err != nil {
		return xerrors.Errorf("couldn't verify signature: %v", err)
	}
	words := DeriveWords(f.Signature, uint32(len(f.Words)))
	for i, w := range words {
		if f.Words[i] == nil || w.Cmp(f.Words[i]) != 0 {
			return xerrors.Errorf("word %d does not match signature", i)
		}
	}
	return nil
}

// UnmarshalPublic decodes a public key as returned by
// Coordinator.PublicKey().MarshalBinary.
func UnmarshalPublic(buf []byte) (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(buf); err != nil {
		return nil, xerrors.Errorf("decoding public key: %v", err)
	}
	return p, nil
}
