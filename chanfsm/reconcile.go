package chanfsm

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/channeldb"
)

// findFundingOutput scans every output of every transaction in the block for
// the funding outpoint. The funding transaction may sit anywhere in the
// block, so nothing is assumed about its position.
func findFundingOutput(block *wire.MsgBlock,
	fundingPoint wire.OutPoint) (*wire.TxOut, bool) {

	for _, tx := range block.Transactions {
		txid := tx.TxHash()

		for i, txOut := range tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			if op == fundingPoint {
				return txOut, true
			}
		}
	}

	return nil, false
}

// findFundingSpend returns the first transaction in the block with an input
// spending the funding outpoint.
func findFundingSpend(block *wire.MsgBlock,
	fundingPoint wire.OutPoint) (*wire.MsgTx, bool) {

	for _, tx := range block.Transactions {
		for _, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == fundingPoint {
				return tx, true
			}
		}
	}

	return nil, false
}

// classifyClose decides how a channel was closed by looking for either
// party's current to_local output in the spending transaction. A spend that
// pays to neither is treated as cooperative.
func classifyClose(ch *channeldb.OpenChannel,
	spendTx *wire.MsgTx) channeldb.CloseType {

	for _, party := range []channeldb.ChannelParty{
		channeldb.Local, channeldb.Remote,
	} {
		pkScript, err := ch.ToLocalPkScript(party)
		if err != nil {
			log.Debugf("%v: no %v to_local script: %v", ch, party,
				err)

			continue
		}

		for _, txOut := range spendTx.TxOut {
			if !bytes.Equal(txOut.PkScript, pkScript) {
				continue
			}

			if party == channeldb.Local {
				return channeldb.LocalForceClose
			}

			return channeldb.RemoteForceClose
		}
	}

	return channeldb.CooperativeClose
}
