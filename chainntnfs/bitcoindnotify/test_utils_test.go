package bitcoindnotify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/chainntnfs"
	"github.com/stretchr/testify/require"
)

// newTestBlock creates a block at height on top of prev. The branch tag makes
// blocks at the same height on different branches distinct.
func newTestBlock(t *testing.T, prev chainhash.Hash, height int32,
	branch uint32) *wire.MsgBlock {

	t.Helper()

	heightScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(height)).
		AddInt64(int64(branch)).
		Script()
	require.NoError(t, err)

	coinbase := wire.NewMsgTx(2)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  heightScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(50_0000_0000, []byte{txscript.OP_TRUE}))

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: prev,
			Timestamp: time.Unix(1_700_000_000+int64(height), 0),
			Bits:      0x207fffff,
			Nonce:     uint32(height)*10 + branch,
		},
	}
	block.AddTransaction(coinbase)
	block.Header.MerkleRoot = coinbase.TxHash()

	return block
}

// testChain is an in-memory chain backend.
type testChain struct {
	mu     sync.Mutex
	main   map[int32]*wire.MsgBlock
	blocks map[chainhash.Hash]*wire.MsgBlock
	tip    int32
}

var _ chainntnfs.ChainClient = (*testChain)(nil)

func newTestChain() *testChain {
	return &testChain{
		main:   make(map[int32]*wire.MsgBlock),
		blocks: make(map[chainhash.Hash]*wire.MsgBlock),
	}
}

// setMain makes block the main chain block at height and drops everything
// above it.
func (c *testChain) setMain(height int32, block *wire.MsgBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for h := height + 1; h <= c.tip; h++ {
		delete(c.main, h)
	}

	c.main[height] = block
	c.blocks[block.BlockHash()] = block
	c.tip = height
}

// extend mines a block on top of the current tip.
func (c *testChain) extend(t *testing.T, branch uint32) *wire.MsgBlock {
	t.Helper()

	c.mu.Lock()
	prev := c.main[c.tip]
	height := c.tip + 1
	c.mu.Unlock()

	block := newTestBlock(t, prev.BlockHash(), height, branch)
	c.setMain(height, block)

	return block
}

func (c *testChain) GetBlockchainInfo(
	context.Context) (*btcjson.GetBlockChainInfoResult, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return &btcjson.GetBlockChainInfoResult{
		Blocks:        c.tip,
		BestBlockHash: c.main[c.tip].BlockHash().String(),
	}, nil
}

func (c *testChain) GetBlockHash(_ context.Context,
	height int64) (*chainhash.Hash, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.main[int32(height)]
	if !ok {
		return nil, fmt.Errorf("height %d: %w", height,
			chainntnfs.ErrNotFound)
	}

	hash := block.BlockHash()
	return &hash, nil
}

func (c *testChain) GetBlock(_ context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.blocks[*hash]
	if !ok {
		return nil, chainntnfs.ErrNotFound
	}

	return block, nil
}

func (c *testChain) GetRawBlock(context.Context, *chainhash.Hash) ([]byte,
	error) {

	return nil, chainntnfs.ErrNotFound
}

func (c *testChain) GetTransaction(context.Context,
	*chainhash.Hash) (*btcjson.TxRawResult, error) {

	return nil, chainntnfs.ErrNotFound
}

func (c *testChain) GetRawTransaction(context.Context,
	*chainhash.Hash) (*btcutil.Tx, error) {

	return nil, chainntnfs.ErrNotFound
}

func (c *testChain) GetUtxo(context.Context,
	*wire.OutPoint) (*btcjson.GetTxOutResult, error) {

	return nil, chainntnfs.ErrNotFound
}

// testFeed is a BlockFeed driven by the test.
type testFeed struct {
	blocks chan *chainntnfs.BlockEpoch
}

var _ BlockFeed = (*testFeed)(nil)

func newTestFeed() *testFeed {
	return &testFeed{blocks: make(chan *chainntnfs.BlockEpoch)}
}

func (f *testFeed) Start() error { return nil }

func (f *testFeed) Stop() {}

func (f *testFeed) Blocks() <-chan *chainntnfs.BlockEpoch {
	return f.blocks
}

// announce hands a block to the notifier as the ZMQ feed would.
func (f *testFeed) announce(t *testing.T, block *wire.MsgBlock) {
	t.Helper()

	epoch, err := blockEpochFromBlock(block)
	require.NoError(t, err)

	select {
	case f.blocks <- epoch:
	case <-time.After(5 * time.Second):
		t.Fatalf("notifier did not accept block %v", epoch.Hash)
	}
}

// expectEpoch reads the next epoch and checks its direction and block.
func expectEpoch(t *testing.T, event *chainntnfs.BlockEpochEvent,
	block *wire.MsgBlock, height int32, disconnected bool) {

	t.Helper()

	select {
	case epoch, ok := <-event.Epochs:
		require.True(t, ok, "epoch channel closed")
		require.Equal(t, block.BlockHash(), *epoch.Hash)
		require.Equal(t, height, epoch.Height)
		require.Equal(t, disconnected, epoch.Disconnected)
		if !disconnected {
			require.NotNil(t, epoch.Block)
		}

	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for block at height %d", height)
	}
}

// expectNoEpoch asserts that nothing is delivered for a short while.
func expectNoEpoch(t *testing.T, event *chainntnfs.BlockEpochEvent) {
	t.Helper()

	select {
	case epoch := <-event.Epochs:
		t.Fatalf("unexpected epoch %v", epoch)
	case <-time.After(100 * time.Millisecond):
	}
}
