package chanfsm

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/chanlogic"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/input"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/lightningnetwork/lnode/peer"
	"github.com/lightningnetwork/lnode/protofsm"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testCapacity      = btcutil.Amount(1_000_000)
	testRequiredDepth = 6
)

var opTrue = []byte{0x51}

func testKey(seed byte) *btcec.PublicKey {
	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return pub
}

func testChanConfig(base byte, csvDelay uint16) channeldb.ChannelConfig {
	return channeldb.ChannelConfig{
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

// testHarness bundles a channel with the funding transaction that pays to
// it.
type testHarness struct {
	channel   *channeldb.OpenChannel
	fundingTx *wire.MsgTx
}

// newTestHarness creates an unconfirmed channel whose funding output is the
// second of three outputs of its funding transaction.
func newTestHarness(t *testing.T, peerSeed byte) *testHarness {
	t.Helper()

	ch := &channeldb.OpenChannel{
		IdentityPub:            testKey(peerSeed),
		Capacity:               testCapacity,
		IsInitiator:            true,
		LocalChanCfg:           testChanConfig(0x10, 144),
		RemoteChanCfg:          testChanConfig(0x20, 720),
		FeePerKw:               253,
		RequiredDepth:          testRequiredDepth,
		FundingBroadcastHeight: 90,
		RevocationRoot: chainhash.DoubleHashH(
			[]byte{peerSeed},
		),
	}

	producer := ch.RevocationProducer()
	secret, err := producer.AtIndex(0)
	require.NoError(t, err)
	ch.LocalCommitment.CurrentPoint = input.ComputeCommitmentPoint(
		secret[:],
	)
	ch.RemoteCommitment.CurrentPoint = testKey(0x60)

	pkScript, err := ch.FundingPkScript()
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash: chainhash.DoubleHashH([]byte{peerSeed, 1}),
		},
	})
	fundingTx.AddTxOut(wire.NewTxOut(5_000, opTrue))
	fundingTx.AddTxOut(wire.NewTxOut(int64(testCapacity), pkScript))
	fundingTx.AddTxOut(wire.NewTxOut(7_000, opTrue))

	ch.FundingOutpoint = wire.OutPoint{
		Hash:  fundingTx.TxHash(),
		Index: 1,
	}

	return &testHarness{
		channel:   ch,
		fundingTx: fundingTx,
	}
}

// newTestBlock builds a block at height. branch distinguishes competing
// blocks at the same height.
func newTestBlock(height uint32, branch uint32,
	txs ...*wire.MsgTx) *wire.MsgBlock {

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   2,
			Timestamp: time.Unix(int64(height), 0),
			Nonce:     height*10 + branch,
		},
	}

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{byte(height), byte(height >> 8)},
	})
	coinbase.AddTxOut(wire.NewTxOut(50, opTrue))
	block.AddTransaction(coinbase)

	for _, tx := range txs {
		block.AddTransaction(tx)
	}

	return block
}

// spendTx builds a transaction spending the funding output with the given
// outputs.
func spendTx(fundingPoint wire.OutPoint, outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: fundingPoint})
	for _, txOut := range outputs {
		tx.AddTxOut(txOut)
	}

	return tx
}

// mockSender is a peer.MessageSender recording sends.
type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(_ context.Context, _ *btcec.PublicKey,
	msg lnwire.Message) error {

	args := m.Called(msg.MsgType())
	return args.Error(0)
}

// nopSender accepts every message.
type nopSender struct{}

func (nopSender) SendMessage(context.Context, *btcec.PublicKey,
	lnwire.Message) error {

	return nil
}

// blockingSender blocks every send until released.
type blockingSender struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSender() *blockingSender {
	return &blockingSender{
		entered: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
}

func (b *blockingSender) SendMessage(ctx context.Context, _ *btcec.PublicKey,
	_ lnwire.Message) error {

	b.entered <- struct{}{}

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingSender) unblock() {
	b.once.Do(func() { close(b.release) })
}

// newTestTable builds the channel table and fails the test on error.
func newTestTable(t *testing.T) *protofsm.StateTable[*ChannelEnv] {
	t.Helper()

	table, err := NewChannelTable()
	require.NoError(t, err)

	return table
}

// newTestEnv wraps a channel with the real channel logic using sender.
func newTestEnv(ch *channeldb.OpenChannel,
	sender peer.MessageSender) *ChannelEnv {

	return &ChannelEnv{
		Channel: ch,
		Logic:   chanlogic.New(chanlogic.Config{Sender: sender}),
	}
}

// peerChannelReady returns a valid channel_ready from the peer.
func peerChannelReady(ch *channeldb.OpenChannel) *lnwire.ChannelReady {
	return lnwire.NewChannelReady(ch.ChanID(), testKey(0x70))
}

// confirmAt marks the channel's funding confirmed by a block at height and
// returns that block.
func (h *testHarness) confirmAt(t *testing.T, height uint32) *wire.MsgBlock {
	t.Helper()

	block := newTestBlock(height, 0, h.fundingTx)
	require.NoError(t, h.channel.MarkConfirmed(height, block.BlockHash()))
	h.channel.UpdateTip(height)

	return block
}

// newTestStore opens a bbolt backed channel store in a temp dir.
func newTestStore(t *testing.T) *channeldb.ChannelStateDB {
	t.Helper()

	db, err := channeldb.Open(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}
