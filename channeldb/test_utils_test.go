package channeldb

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/input"
)

// testKey derives a deterministic public key from a single seed byte.
func testKey(seed byte) *btcec.PublicKey {
	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return pub
}

// testChanConfig returns a fully populated config whose keys are derived from
// base.
func testChanConfig(base byte, csvDelay uint16) ChannelConfig {
	return ChannelConfig{
		FundingKey:          testKey(base),
		RevocationBasePoint: testKey(base + 1),
		PaymentBasePoint:    testKey(base + 2),
		DelayBasePoint:      testKey(base + 3),
		HtlcBasePoint:       testKey(base + 4),
		CsvDelay:            csvDelay,
		ChanReserve:         10_000,
		DustLimit:           546,
		MaxAcceptedHtlcs:    483,
	}
}

// newTestChannel returns an unconfirmed channel requiring six confirmations.
func newTestChannel(t *testing.T) *OpenChannel {
	t.Helper()

	ch := &OpenChannel{
		IdentityPub: testKey(0x50),
		FundingOutpoint: wire.OutPoint{
			Hash:  chainhash.DoubleHashH([]byte("funding")),
			Index: 1,
		},
		Capacity:               1_000_000,
		IsInitiator:            true,
		LocalChanCfg:           testChanConfig(0x10, 144),
		RemoteChanCfg:          testChanConfig(0x20, 720),
		FeePerKw:               253,
		RequiredDepth:          6,
		FundingBroadcastHeight: 90,
		RevocationRoot:         chainhash.DoubleHashH([]byte("root")),
	}

	producer := ch.RevocationProducer()
	for i := uint64(0); i < 2; i++ {
		secret, err := producer.AtIndex(i)
		if err != nil {
			t.Fatalf("unable to derive secret: %v", err)
		}

		point := input.ComputeCommitmentPoint(secret[:])
		if i == 0 {
			ch.LocalCommitment.CurrentPoint = point
		} else {
			ch.LocalCommitment.NextPoint = point
		}
	}
	ch.RemoteCommitment.CurrentPoint = testKey(0x60)

	return ch
}
