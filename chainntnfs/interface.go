package chainntnfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrChainNotifierShuttingDown is returned when a registration races
	// with the notifier being stopped.
	ErrChainNotifierShuttingDown = errors.New("chain notifier shutting " +
		"down")

	// ErrNotFound is returned by a ChainClient when the requested block,
	// transaction or output does not exist. It is never retried.
	ErrNotFound = errors.New("not found")
)

// BlockEpoch represents a block connected to, or disconnected from, the main
// chain. Epochs are delivered strictly in chain order: a reorg produces the
// disconnects of the orphaned blocks, tip first, followed by the connects of
// the new branch.
type BlockEpoch struct {
	// Hash is the block hash.
	Hash *chainhash.Hash

	// Height is the height of the block.
	Height int32

	// Block is the full block. It is only set for connected blocks.
	Block *wire.MsgBlock

	// Disconnected is true if the block was removed from the main chain.
	Disconnected bool
}

// String returns a short description for logging.
func (b *BlockEpoch) String() string {
	action := "connected"
	if b.Disconnected {
		action = "disconnected"
	}

	return fmt.Sprintf("block %v (height=%d, %s)", b.Hash, b.Height,
		action)
}

// BlockEpochEvent encapsulates an on-going stream of block epoch
// notifications. Its methods allow the caller to receive notifications for
// each new block connected to, or disconnected from, the main chain.
type BlockEpochEvent struct {
	// Epochs is a receive only channel that will be sent upon each time a
	// new block is connected or disconnected.
	//
	// NOTE: The channel is closed once the notifier shuts down or the
	// subscription is cancelled.
	Epochs <-chan *BlockEpoch

	// Cancel is a closure that should be executed by the caller in the
	// case that they wish to abandon their registered block epochs
	// subscription.
	Cancel func()
}

// ChainNotifier delivers block events in chain order.
type ChainNotifier interface {
	// RegisterBlockEpochNtfn subscribes the caller to block epochs. If
	// bestBlock is given, every block above it up to the current tip is
	// delivered first so the caller can catch up on blocks it missed.
	RegisterBlockEpochNtfn(bestBlock *BlockEpoch) (*BlockEpochEvent, error)

	// Start starts the notifier.
	Start() error

	// Stop stops the notifier and closes all subscriptions.
	Stop() error
}

// ChainClient is the request/response side of the chain backend. Every call
// may fail with a transport error, which implementations retry according to
// their policy, or with ErrNotFound, which is final.
type ChainClient interface {
	// GetBlockchainInfo returns the state of the backend's chain.
	GetBlockchainInfo(ctx context.Context) (
		*btcjson.GetBlockChainInfoResult, error)

	// GetBlockHash returns the hash of the main chain block at height.
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash,
		error)

	// GetBlock returns the parsed block with the given hash.
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock,
		error)

	// GetRawBlock returns the serialized block with the given hash.
	GetRawBlock(ctx context.Context, hash *chainhash.Hash) ([]byte, error)

	// GetTransaction returns the verbose description of a transaction,
	// including the block it confirmed in, if any.
	GetTransaction(ctx context.Context, txid *chainhash.Hash) (
		*btcjson.TxRawResult, error)

	// GetRawTransaction returns the transaction with the given id.
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (
		*btcutil.Tx, error)

	// GetUtxo returns the unspent output at the given outpoint, or
	// ErrNotFound if it does not exist or was spent.
	GetUtxo(ctx context.Context, op *wire.OutPoint) (
		*btcjson.GetTxOutResult, error)
}
