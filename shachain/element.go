package shachain

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrNotDerivable is returned when the target index does not share the
// source index as a prefix, so no sequence of bit flips connects them.
var ErrNotDerivable = errors.New("prefixes are different - indexes " +
	"aren't derivable")

// element is one output of the shachain PRF together with the index it was
// derived for.
type element struct {
	index index
	hash  chainhash.Hash
}

// derive computes one shachain element from another by flipping, in order
// from the most significant, each bit that is set in the target index but
// not in ours, hashing after every flip.
func (e *element) derive(toIndex index) (*element, error) {
	positions, err := e.index.deriveBitTransformations(toIndex)
	if err != nil {
		return nil, err
	}

	buf := e.hash.CloneBytes()
	for _, position := range positions {
		buf[position/8] ^= 1 << (position % 8)

		h := sha256.Sum256(buf)
		buf = h[:]
	}

	hash, err := chainhash.NewHash(buf)
	if err != nil {
		return nil, err
	}

	return &element{
		index: toIndex,
		hash:  *hash,
	}, nil
}

const (
	// maxHeight is the number of bits in a shachain index, and so the
	// number of hashing steps needed to walk from the root to a leaf.
	maxHeight uint8 = 48

	// rootIndex is an index which corresponds to the root hash.
	rootIndex index = 0
)

// startIndex is the index of first element in the shachain PRF.
var startIndex index = (1 << maxHeight) - 1

// index identifies a node of the shachain tree. Commitment numbers count up
// from zero while BOLT 3 indexes count down from startIndex, newIndex maps
// between the two.
type index uint64

// newIndex converts a commitment number into its shachain index.
func newIndex(v uint64) index {
	return startIndex - index(v)
}

// deriveBitTransformations returns the bit positions that must be flipped to
// walk from one index to another. 'to' is derivable from 'from' iff every bit
// above the lowest set bit of 'from' is equal in both.
func (from index) deriveBitTransformations(to index) ([]uint8, error) {
	var positions []uint8

	if from == to {
		return positions, nil
	}

	zeros := countTrailingZeros(from)
	if uint64(from) != getPrefix(to, zeros) {
		return nil, ErrNotDerivable
	}

	for position := int(zeros) - 1; position >= 0; position-- {
		if getBit(to, uint8(position)) == 1 {
			positions = append(positions, uint8(position))
		}
	}

	return positions, nil
}

// getBit return bit on index at position.
func getBit(index index, position uint8) uint8 {
	return uint8((uint64(index) >> position) & 1)
}

// getPrefix clears every bit of index below position.
func getPrefix(index index, position uint8) uint64 {
	mask := ^uint64(0) << position
	return uint64(index) & mask
}

// countTrailingZeros counts number of trailing zero bits, capped at
// maxHeight for the root index.
func countTrailingZeros(index index) uint8 {
	var zeros uint8
	for ; zeros < maxHeight; zeros++ {
		if getBit(index, zeros) != 0 {
			break
		}
	}

	return zeros
}
