package shachain

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func hashFromHex(t *testing.T, s string) chainhash.Hash {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	var h chainhash.Hash
	copy(h[:], b)

	return h
}

// TestProducerGenerationVectors checks the producer against the BOLT 3
// generation and storage vectors, which are all derived from an all 0xff
// seed.
func TestProducerGenerationVectors(t *testing.T) {
	t.Parallel()

	var seed chainhash.Hash
	for i := range seed {
		seed[i] = 0xff
	}
	producer := NewRevocationProducer(seed)

	vectors := []struct {
		commitNum uint64
		secret    string
	}{
		{
			commitNum: 0,
			secret: "7cc854b54e3e0dcdb010d7a3fee464a9687be6e8db3b" +
				"e6854c475621e007a5dc",
		},
		{
			commitNum: 1,
			secret: "c7518c8ae4660ed02894df8976fa1a3659c1a8b4b5be" +
				"c0c4b872abeba4cb8964",
		},
		{
			commitNum: 2,
			secret: "2273e227a5b7449b6e70f1fb4652864038b1cbf9cd7c" +
				"043a7d6456b7fc275ad8",
		},
		{
			commitNum: 3,
			secret: "27cddaa5624534cb6cb9d7da077cf2b22ab21e9b506f" +
				"d4998a51d54502e99116",
		},
	}

	for _, v := range vectors {
		secret, err := producer.AtIndex(v.commitNum)
		require.NoError(t, err)
		require.Equal(t, hashFromHex(t, v.secret), *secret)
	}
}

// TestProducerZeroSeed checks the BOLT 3 "generate_from_seed 0 final node"
// vector.
func TestProducerZeroSeed(t *testing.T) {
	t.Parallel()

	producer := NewRevocationProducer(chainhash.Hash{})

	secret, err := producer.AtIndex(0)
	require.NoError(t, err)
	require.Equal(t, hashFromHex(t, "02a40c85b6f28da08dfdbe0926c53fab2de"+
		"6d28c10301f8f7c4073d5e42e3148"), *secret)
}

// TestProducerEncodeRoundTrip asserts that a decoded producer yields the same
// secrets as the one it was encoded from.
func TestProducerEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	seed := chainhash.DoubleHashH([]byte("shachaintest"))
	producer := NewRevocationProducer(seed)

	var b bytes.Buffer
	require.NoError(t, producer.Encode(&b))

	decoded, err := NewRevocationProducerFromBytes(b.Bytes())
	require.NoError(t, err)

	for n := uint64(0); n < 100; n++ {
		want, err := producer.AtIndex(n)
		require.NoError(t, err)

		got, err := decoded.AtIndex(n)
		require.NoError(t, err)

		require.Equal(t, want, got)
	}
}

// TestDeriveBitTransformations covers derivable and non derivable index
// pairs.
func TestDeriveBitTransformations(t *testing.T) {
	t.Parallel()

	positions, err := index(0b100).deriveBitTransformations(0b111)
	require.NoError(t, err)
	require.Equal(t, []uint8{1, 0}, positions)

	positions, err = index(0b110).deriveBitTransformations(0b110)
	require.NoError(t, err)
	require.Empty(t, positions)

	_, err = index(0b010).deriveBitTransformations(0b101)
	require.ErrorIs(t, err, ErrNotDerivable)
}
