package input

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// keyGen draws a valid secp256k1 key pair.
func keyGen(t *rapid.T, label string) *btcec.PublicKey {
	secret := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, label)
	secret[31] |= 0x01

	_, pub := btcec.PrivKeyFromBytes(secret)
	return pub
}

func pubFromHex(t *testing.T, s string) *btcec.PublicKey {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	pub, err := btcec.ParsePubKey(b)
	require.NoError(t, err)

	return pub
}

func privFromHex(t *testing.T, s string) *btcec.PrivateKey {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv
}

// scriptTokens splits a script into its opcodes and pushed data.
func scriptTokens(t require.TestingT, script []byte) ([]byte, [][]byte) {
	var (
		ops  []byte
		data [][]byte
	)

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		ops = append(ops, tokenizer.Opcode())
		data = append(data, tokenizer.Data())
	}
	require.NoError(t, tokenizer.Err())

	return ops, data
}

// decodeScriptNum decodes a numeric push following the script number rules:
// small integers use OP_1 through OP_16, everything else is little endian
// sign-magnitude.
func decodeScriptNum(op byte, data []byte) int64 {
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		return int64(op - (txscript.OP_1 - 1))
	}
	if len(data) == 0 {
		return 0
	}

	var v int64
	for i, b := range data {
		v |= int64(b) << uint(8*i)
	}

	last := len(data) - 1
	if data[last]&0x80 != 0 {
		v &^= int64(0x80) << uint(8*last)
		v = -v
	}

	return v
}

// isMinimalScriptNum reports whether data is the shortest encoding of its
// value.
func isMinimalScriptNum(data []byte) bool {
	if len(data) == 0 {
		return true
	}

	last := data[len(data)-1]
	if last&0x7f != 0 {
		return true
	}

	// A trailing sign byte is only allowed when the byte before it has
	// its high bit set.
	return len(data) > 1 && data[len(data)-2]&0x80 != 0
}

// TestSpecificationKeyDerivation checks the key derivation against the BOLT 3
// test vectors.
func TestSpecificationKeyDerivation(t *testing.T) {
	t.Parallel()

	baseSecret := privFromHex(t, "000102030405060708090a0b0c0d0e0f10111"+
		"2131415161718191a1b1c1d1e1f")
	perCommitmentSecret := privFromHex(t, "1f1e1d1c1b1a19181716151413121"+
		"1100f0e0d0c0b0a09080706050403020100")
	basePoint := pubFromHex(t, "036d6caac248af96f6afa7f904f550253a0f3ef3"+
		"f5aa2fe6838a95b216691468e2")
	perCommitmentPoint := pubFromHex(t, "025f7117a78150fe2ef97db7cfc83bd5"+
		"7b2e2c0d0dd25eaf467a4a1c2a45ce1486")

	require.True(t, perCommitmentPoint.IsEqual(
		ComputeCommitmentPoint(perCommitmentSecret.Serialize()),
	))

	localKey := TweakPubKey(basePoint, perCommitmentPoint)
	require.Equal(t, "0235f2dbfaa89b57ec7b055afe29849ef7ddfeb1cefdb9ebdc"+
		"43f5494984db29e5",
		hex.EncodeToString(localKey.SerializeCompressed()))

	tweak := SingleTweakBytes(perCommitmentPoint, basePoint)
	localPriv := TweakPrivKey(baseSecret, tweak)
	require.Equal(t, "cbced912d3b21bf196a766651e436aff192362621ce317704e"+
		"a2f75d87e7be0f", hex.EncodeToString(localPriv.Serialize()))

	revocationKey := DeriveRevocationPubkey(basePoint, perCommitmentPoint)
	require.Equal(t, "02916e326636d19c33f13e8c0c3a03dd157f332f3e99c317c1"+
		"41dd865eb01f8ff0",
		hex.EncodeToString(revocationKey.SerializeCompressed()))

	revocationPriv := DeriveRevocationPrivKey(
		baseSecret, perCommitmentSecret,
	)
	require.Equal(t, "d09ffff62ddb2297ab000cc85bcb4283fdeb6aa052affbc9dd"+
		"dcf33b61078110", hex.EncodeToString(revocationPriv.Serialize()))
	require.True(t, revocationKey.IsEqual(revocationPriv.PubKey()))
}

// TestFundingScriptOrderIndependence asserts that the funding script does not
// depend on the order the two funding keys are passed in, and that repeated
// calls produce byte identical scripts.
func TestFundingScriptOrderIndependence(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a := keyGen(t, "a").SerializeCompressed()
		b := keyGen(t, "b").SerializeCompressed()

		ab, err := GenMultiSigScript(a, b)
		require.NoError(t, err)
		ba, err := GenMultiSigScript(b, a)
		require.NoError(t, err)
		again, err := GenMultiSigScript(a, b)
		require.NoError(t, err)

		require.Equal(t, ab, ba)
		require.Equal(t, ab, again)

		// OP_2 <lower> <higher> OP_2 OP_CHECKMULTISIG
		ops, data := scriptTokens(t, ab)
		require.Equal(t, []byte{
			txscript.OP_2, txscript.OP_DATA_33,
			txscript.OP_DATA_33, txscript.OP_2,
			txscript.OP_CHECKMULTISIG,
		}, ops)
		require.LessOrEqual(t, bytes.Compare(data[1], data[2]), 0)
	})
}

// TestFundingScriptInputsUntouched makes sure the caller's key slices are not
// reordered or modified.
func TestFundingScriptInputsUntouched(t *testing.T) {
	t.Parallel()

	high := bytes.Repeat([]byte{0x03}, 33)
	low := bytes.Repeat([]byte{0x02}, 33)
	highCopy := append([]byte(nil), high...)
	lowCopy := append([]byte(nil), low...)

	script, err := GenMultiSigScript(high, low)
	require.NoError(t, err)
	require.Equal(t, highCopy, high)
	require.Equal(t, lowCopy, low)

	expected := []byte{txscript.OP_2, txscript.OP_DATA_33}
	expected = append(expected, low...)
	expected = append(expected, txscript.OP_DATA_33)
	expected = append(expected, high...)
	expected = append(expected, txscript.OP_2, txscript.OP_CHECKMULTISIG)
	require.Equal(t, expected, script)
}

// TestFundingScriptMalformedKey asserts that keys of the wrong size are
// rejected.
func TestFundingScriptMalformedKey(t *testing.T) {
	t.Parallel()

	good := bytes.Repeat([]byte{0x02}, 33)

	_, err := GenMultiSigScript(good, good[:32])
	require.ErrorIs(t, err, ErrInvalidPubKeySize)

	_, err = GenMultiSigScript(append(good, 0x00), good)
	require.ErrorIs(t, err, ErrInvalidPubKeySize)
}

// TestGenFundingPkScript checks the p2wsh output wrapping the funding script.
func TestGenFundingPkScript(t *testing.T) {
	t.Parallel()

	a := bytes.Repeat([]byte{0x02}, 33)
	b := bytes.Repeat([]byte{0x03}, 33)

	witnessScript, txOut, err := GenFundingPkScript(a, b, 100_000)
	require.NoError(t, err)
	require.EqualValues(t, 100_000, txOut.Value)

	pkScript, err := WitnessScriptHash(witnessScript)
	require.NoError(t, err)
	require.Equal(t, pkScript, txOut.PkScript)
	require.Len(t, pkScript, 34)
	require.Equal(t, byte(txscript.OP_0), pkScript[0])
	require.Equal(t, byte(txscript.OP_DATA_32), pkScript[1])
	require.True(t, txscript.IsPayToWitnessScriptHash(pkScript))

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1, []byte{txscript.OP_TRUE}))
	tx.AddTxOut(txOut)

	found, index := FindScriptOutputIndex(tx, pkScript)
	require.True(t, found)
	require.EqualValues(t, 1, index)

	_, _, err = GenFundingPkScript(a, b, 0)
	require.ErrorIs(t, err, ErrInvalidFundingAmount)
}

// TestCommitScriptToSelfLayout checks the exact bytes of the to_local script
// for a delay that needs a sign byte.
func TestCommitScriptToSelfLayout(t *testing.T) {
	t.Parallel()

	revokeKey := ComputeCommitmentPoint(bytes.Repeat([]byte{0x11}, 32))
	delayKey := ComputeCommitmentPoint(bytes.Repeat([]byte{0x22}, 32))

	script, err := CommitScriptToSelf(144, delayKey, revokeKey)
	require.NoError(t, err)

	expected := []byte{txscript.OP_IF, txscript.OP_DATA_33}
	expected = append(expected, revokeKey.SerializeCompressed()...)
	expected = append(expected, txscript.OP_ELSE)

	// 144 = 0x90 has its high bit set, so a zero sign byte follows.
	expected = append(expected, txscript.OP_DATA_2, 0x90, 0x00)
	expected = append(expected,
		txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP,
		txscript.OP_DATA_33,
	)
	expected = append(expected, delayKey.SerializeCompressed()...)
	expected = append(expected, txscript.OP_ENDIF, txscript.OP_CHECKSIG)

	require.Equal(t, expected, script)

	// Small delays collapse to a single opcode.
	script, err = CommitScriptToSelf(16, delayKey, revokeKey)
	require.NoError(t, err)
	ops, _ := scriptTokens(t, script)
	require.Equal(t, byte(txscript.OP_16), ops[3])

	_, err = CommitScriptToSelf(MaxCSVDelay+1, delayKey, revokeKey)
	require.Error(t, err)
}

// TestCommitScriptToSelfDelayRoundTrip asserts that for every supported delay
// the pushed number decodes back to the original value and is minimally
// encoded.
func TestCommitScriptToSelfDelayRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		revokeKey := keyGen(t, "revoke")
		delayKey := keyGen(t, "delay_key")
		delay := rapid.Uint32Range(1, MaxCSVDelay).Draw(t, "delay")

		script, err := CommitScriptToSelf(delay, delayKey, revokeKey)
		require.NoError(t, err)

		again, err := CommitScriptToSelf(delay, delayKey, revokeKey)
		require.NoError(t, err)
		require.Equal(t, script, again)

		ops, data := scriptTokens(t, script)
		require.Len(t, ops, 9)
		require.Equal(t, byte(txscript.OP_IF), ops[0])
		require.Equal(t, revokeKey.SerializeCompressed(), data[1])
		require.Equal(t, byte(txscript.OP_ELSE), ops[2])
		require.Equal(t, byte(txscript.OP_CHECKSEQUENCEVERIFY), ops[4])
		require.Equal(t, byte(txscript.OP_DROP), ops[5])
		require.Equal(t, delayKey.SerializeCompressed(), data[6])
		require.Equal(t, byte(txscript.OP_ENDIF), ops[7])
		require.Equal(t, byte(txscript.OP_CHECKSIG), ops[8])

		require.EqualValues(t, delay, decodeScriptNum(ops[3], data[3]))
		require.True(t, isMinimalScriptNum(data[3]))
		if delay <= 16 {
			require.Empty(t, data[3])
		}
	})
}

// TestSecondLevelMatchesToLocal checks that the second level HTLC output
// shares the to_local template.
func TestSecondLevelMatchesToLocal(t *testing.T) {
	t.Parallel()

	revokeKey := ComputeCommitmentPoint(bytes.Repeat([]byte{0x33}, 32))
	delayKey := ComputeCommitmentPoint(bytes.Repeat([]byte{0x44}, 32))

	toLocal, err := CommitScriptToSelf(720, delayKey, revokeKey)
	require.NoError(t, err)

	secondLevel, err := SecondLevelHtlcScript(revokeKey, delayKey, 720)
	require.NoError(t, err)

	require.Equal(t, toLocal, secondLevel)
}

// TestHTLCScripts checks that both HTLC scripts commit to the payment hash
// and the revocation key, and that they differ from each other.
func TestHTLCScripts(t *testing.T) {
	t.Parallel()

	senderKey := ComputeCommitmentPoint(bytes.Repeat([]byte{0x55}, 32))
	receiverKey := ComputeCommitmentPoint(bytes.Repeat([]byte{0x66}, 32))
	revokeKey := ComputeCommitmentPoint(bytes.Repeat([]byte{0x77}, 32))
	paymentHash := bytes.Repeat([]byte{0xab}, 32)

	offered, err := SenderHTLCScript(
		senderKey, receiverKey, revokeKey, paymentHash,
	)
	require.NoError(t, err)

	received, err := ReceiverHTLCScript(
		500_000, senderKey, receiverKey, revokeKey, paymentHash,
	)
	require.NoError(t, err)

	require.NotEqual(t, offered, received)

	for _, script := range [][]byte{offered, received} {
		_, data := scriptTokens(t, script)
		require.Contains(t, data, Ripemd160H(paymentHash))
		require.Contains(t, data, senderKey.SerializeCompressed())
		require.Contains(t, data, receiverKey.SerializeCompressed())
	}

	ops, data := scriptTokens(t, received)
	var foundExpiry bool
	for i, op := range ops {
		if op != txscript.OP_CHECKLOCKTIMEVERIFY {
			continue
		}
		require.EqualValues(
			t, 500_000, decodeScriptNum(ops[i-1], data[i-1]),
		)
		foundExpiry = true
	}
	require.True(t, foundExpiry)
}

// TestLockTimeToSequence checks block and time based sequence encoding.
func TestLockTimeToSequence(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 144, LockTimeToSequence(false, 144))
	require.Equal(t, SequenceLockTimeSeconds|2, LockTimeToSequence(true, 1024))
}

// TestTweakRoundTrip asserts that tweaked public and private keys stay in
// step for arbitrary keys.
func TestTweakRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		baseBytes := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "base")
		baseBytes[31] |= 0x01
		basePriv, basePub := btcec.PrivKeyFromBytes(baseBytes)

		commitPoint := keyGen(t, "commit")

		tweakedPub := TweakPubKey(basePub, commitPoint)
		tweakedPriv := TweakPrivKey(
			basePriv, SingleTweakBytes(commitPoint, basePub),
		)

		require.True(t, tweakedPub.IsEqual(tweakedPriv.PubKey()))
	})
}
