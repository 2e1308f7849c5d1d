package lnwire

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var testTxid = chainhash.Hash{
	0x51, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
	0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
	0x2d, 0xe2, 0x5d, 0xe6, 0x4a, 0xb7, 0x8a, 0x7c,
	0x3f, 0x10, 0x2d, 0x84, 0xa7, 0x3c, 0x84, 0x11,
}

// TestChannelIDOutPointConversion ensures that the IsChanPoint always
// recognizes its seed OutPoint for all possible output indexes.
func TestChannelIDOutPointConversion(t *testing.T) {
	t.Parallel()

	for _, index := range []uint32{0, 1, 2, 255, 256, 1 << 15} {
		op := wire.OutPoint{Hash: testTxid, Index: index}

		cid := NewChanIDFromOutPoint(op)
		require.True(t, cid.IsChanPoint(&op))
		require.Equal(t, op, cid.GenPossibleOutPoint(uint16(index)))

		// A different index over the same txid never maps to the
		// same channel id.
		other := wire.OutPoint{Hash: testTxid, Index: index + 1}
		require.False(t, cid.IsChanPoint(&other))
	}
}

// TestChannelIDStringRoundTrip checks that the hex form of a channel id parses
// back to the same value.
func TestChannelIDStringRoundTrip(t *testing.T) {
	t.Parallel()

	cid := NewChanIDFromOutPoint(wire.OutPoint{Hash: testTxid, Index: 3})

	parsed, err := NewChanIDFromStr(cid.String())
	require.NoError(t, err)
	require.Equal(t, cid, parsed)

	_, err = NewChanIDFromStr("abcd")
	require.Error(t, err)
}
