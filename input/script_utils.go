package input

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/ripemd160"
)

const (
	// MaxCSVDelay is the largest relative block delay that can be
	// expressed by a BIP-68 sequence lock measured in blocks.
	MaxCSVDelay = 0xffff

	// SequenceLockTimeSeconds is the 22nd bit which indicates the lock
	// time is in seconds.
	SequenceLockTimeSeconds = uint32(1 << 22)
)

var (
	// ErrInvalidPubKeySize is returned when a funding key is not a 33 byte
	// compressed public key.
	ErrInvalidPubKeySize = errors.New("pubkey size error: compressed " +
		"pubkeys only")

	// ErrInvalidFundingAmount is returned when asked to build a funding
	// output for a non-positive amount.
	ErrInvalidFundingAmount = errors.New("can't create funding script " +
		"with zero, or negative coins")
)

// WitnessScriptHash generates a pay-to-witness-script-hash public key script
// paying to a version 0 witness program paying to the passed redeem script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()

	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(witnessScript)
	bldr.AddData(scriptHash[:])

	return bldr.Script()
}

// GenMultiSigScript generates the non-p2sh'd multisig script for 2 of 2
// pubkeys. The keys are placed in ascending lexicographic order, so both
// parties arrive at the same script regardless of argument order.
func GenMultiSigScript(aPub, bPub []byte) ([]byte, error) {
	if len(aPub) != btcec.PubKeyBytesLenCompressed ||
		len(bPub) != btcec.PubKeyBytesLenCompressed {

		return nil, ErrInvalidPubKeySize
	}

	// Signatures in the witness must follow the same order as the keys,
	// so the sort here is part of the protocol.
	if bytes.Compare(aPub, bPub) == 1 {
		aPub, bPub = bPub, aPub
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(aPub)
	bldr.AddData(bPub)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)

	return bldr.Script()
}

// GenFundingPkScript creates a redeem script, and its matching p2wsh output
// for the funding transaction.
func GenFundingPkScript(aPub, bPub []byte,
	amt int64) ([]byte, *wire.TxOut, error) {

	if amt <= 0 {
		return nil, nil, ErrInvalidFundingAmount
	}

	witnessScript, err := GenMultiSigScript(aPub, bPub)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return witnessScript, wire.NewTxOut(amt, pkScript), nil
}

// FindScriptOutputIndex finds the index of the public key script output
// matching 'script'. Additionally, a boolean is returned indicating if a
// matching output was found at all.
//
// NOTE: The search stops after the first matching script is found.
func FindScriptOutputIndex(tx *wire.MsgTx, script []byte) (bool, uint32) {
	for i, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, script) {
			return true, uint32(i)
		}
	}

	return false, 0
}

// Ripemd160H calculates the ripemd160 of the passed byte slice. Payment hashes
// are already sha256(preimage), so hashing them once more with ripemd160
// yields the hash160 of the preimage that HTLC scripts commit to.
func Ripemd160H(d []byte) []byte {
	h := ripemd160.New()
	h.Write(d)
	return h.Sum(nil)
}

// SenderHTLCScript constructs the public key script for an outgoing HTLC
// output payment for the sender's version of the commitment transaction.
//
// OP_DUP OP_HASH160 <revocation key hash160> OP_EQUAL
// OP_IF
//
//	OP_CHECKSIG
//
// OP_ELSE
//
//	<recv htlc key>
//	OP_SWAP OP_SIZE 32 OP_EQUAL
//	OP_NOTIF
//	    OP_DROP 2 OP_SWAP <sender htlc key> 2 OP_CHECKMULTISIG
//	OP_ELSE
//	    OP_HASH160 <ripemd160(payment hash)> OP_EQUALVERIFY
//	    OP_CHECKSIG
//	OP_ENDIF
//
// OP_ENDIF
func SenderHTLCScript(senderHtlcKey, receiverHtlcKey,
	revocationKey *btcec.PublicKey, paymentHash []byte) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	// Revocation branch: the spender reveals the revocation key.
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(revocationKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)

	// Either a 32 byte preimage from the receiver, or the pair of
	// signatures for the second level timeout transaction.
	builder.AddData(receiverHtlcKey.SerializeCompressed())
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_NOTIF)

	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddData(senderHtlcKey.SerializeCompressed())
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	builder.AddOp(txscript.OP_ELSE)

	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(Ripemd160H(paymentHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// ReceiverHTLCScript constructs the public key script for an incoming HTLC
// output payment for the receiver's version of the commitment transaction.
//
// OP_DUP OP_HASH160 <revocation key hash160> OP_EQUAL
// OP_IF
//
//	OP_CHECKSIG
//
// OP_ELSE
//
//	<sendr htlc key>
//	OP_SWAP OP_SIZE 32 OP_EQUAL
//	OP_IF
//	    OP_HASH160 <ripemd160(payment hash)> OP_EQUALVERIFY
//	    2 OP_SWAP <recvr htlc key> 2 OP_CHECKMULTISIG
//	OP_ELSE
//	    OP_DROP <cltv expiry> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_CHECKSIG
//	OP_ENDIF
//
// OP_ENDIF
func ReceiverHTLCScript(cltvExpiry uint32, senderHtlcKey,
	receiverHtlcKey, revocationKey *btcec.PublicKey,
	paymentHash []byte) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(revocationKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)

	builder.AddData(senderHtlcKey.SerializeCompressed())
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)

	// Success path, only usable through the second level success
	// transaction as both signatures are required.
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(Ripemd160H(paymentHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddData(receiverHtlcKey.SerializeCompressed())
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	builder.AddOp(txscript.OP_ELSE)

	// Timeout path for the sender once the absolute expiry has passed.
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(cltvExpiry))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// delayedRevocableScript builds the shared two branch template used by both
// the to_local commitment output and the second level HTLC outputs:
//
//	OP_IF
//	    <revocation key>
//	OP_ELSE
//	    <delay> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <delayed key>
//	OP_ENDIF
//	OP_CHECKSIG
//
// AddInt64 emits the delay as a minimal script number, so values 1 through 16
// become a single OP_N opcode.
func delayedRevocableScript(revocationKey, delayKey *btcec.PublicKey,
	csvDelay uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddData(revocationKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)

	builder.AddInt64(int64(csvDelay))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(delayKey.SerializeCompressed())

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// SecondLevelHtlcScript is the uniform script that's used as the output for
// the second-level HTLC transactions. Either the revocation key spends it
// immediately, or the delay key after csvDelay blocks.
func SecondLevelHtlcScript(revocationKey, delayKey *btcec.PublicKey,
	csvDelay uint32) ([]byte, error) {

	return delayedRevocableScript(revocationKey, delayKey, csvDelay)
}

// LockTimeToSequence converts the passed relative locktime to a sequence
// number in accordance to BIP-68.
func LockTimeToSequence(isSeconds bool, locktime uint32) uint32 {
	if !isSeconds {
		return locktime
	}

	// Time based locks use 512 second granularity.
	return SequenceLockTimeSeconds | (locktime >> 9)
}

// CommitScriptToSelf constructs the public key script for the output on the
// commitment transaction paying to the "owner" of said commitment transaction.
// The owner can sweep after csvTimeout blocks, while the counterparty can
// sweep immediately with the revocation key once the state is revoked.
//
//	OP_IF
//	    <revokeKey>
//	OP_ELSE
//	    <csvTimeout> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <selfKey>
//	OP_ENDIF
//	OP_CHECKSIG
func CommitScriptToSelf(csvTimeout uint32, selfKey,
	revokeKey *btcec.PublicKey) ([]byte, error) {

	if csvTimeout > MaxCSVDelay {
		return nil, fmt.Errorf("csv delay %d exceeds max of %d",
			csvTimeout, MaxCSVDelay)
	}

	return delayedRevocableScript(revokeKey, selfKey, csvTimeout)
}

// CommitScriptUnencumbered constructs the public key script on the commitment
// transaction paying to the "other" party. The constructed output is a normal
// p2wkh output spendable immediately, requiring no contestation period.
func CommitScriptUnencumbered(key *btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(btcutil.Hash160(key.SerializeCompressed()))

	return builder.Script()
}
