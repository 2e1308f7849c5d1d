package chainntnfs

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

// MockChainNotifier is a mock implementation of the ChainNotifier interface.
type MockChainNotifier struct {
	mock.Mock
}

// Compile-time check to ensure MockChainNotifier implements ChainNotifier.
var _ ChainNotifier = (*MockChainNotifier)(nil)

// RegisterBlockEpochNtfn registers a block notification.
func (m *MockChainNotifier) RegisterBlockEpochNtfn(
	bestBlock *BlockEpoch) (*BlockEpochEvent, error) {

	args := m.Called(bestBlock)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*BlockEpochEvent), args.Error(1)
}

// Start starts the notifier.
func (m *MockChainNotifier) Start() error {
	args := m.Called()

	return args.Error(0)
}

// Stop stops the notifier.
func (m *MockChainNotifier) Stop() error {
	args := m.Called()

	return args.Error(0)
}

// MockChainClient is a mock implementation of the ChainClient interface.
type MockChainClient struct {
	mock.Mock
}

// Compile-time check to ensure MockChainClient implements ChainClient.
var _ ChainClient = (*MockChainClient)(nil)

// GetBlockchainInfo returns the mocked chain info.
func (m *MockChainClient) GetBlockchainInfo(
	_ context.Context) (*btcjson.GetBlockChainInfoResult, error) {

	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*btcjson.GetBlockChainInfoResult), args.Error(1)
}

// GetBlockHash returns the mocked hash at height.
func (m *MockChainClient) GetBlockHash(_ context.Context,
	height int64) (*chainhash.Hash, error) {

	args := m.Called(height)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

// GetBlock returns the mocked value for hash.
func (m *MockChainClient) GetBlock(_ context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	args := m.Called(*hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*wire.MsgBlock), args.Error(1)
}

// GetRawBlock returns the mocked value for hash.
func (m *MockChainClient) GetRawBlock(_ context.Context,
	hash *chainhash.Hash) ([]byte, error) {

	args := m.Called(*hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]byte), args.Error(1)
}

// GetTransaction returns the mocked value for txid.
func (m *MockChainClient) GetTransaction(_ context.Context,
	txid *chainhash.Hash) (*btcjson.TxRawResult, error) {

	args := m.Called(*txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*btcjson.TxRawResult), args.Error(1)
}

// GetRawTransaction returns the mocked value for txid.
func (m *MockChainClient) GetRawTransaction(_ context.Context,
	txid *chainhash.Hash) (*btcutil.Tx, error) {

	args := m.Called(*txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*btcutil.Tx), args.Error(1)
}

// GetUtxo returns the mocked value for op.
func (m *MockChainClient) GetUtxo(_ context.Context,
	op *wire.OutPoint) (*btcjson.GetTxOutResult, error) {

	args := m.Called(*op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*btcjson.GetTxOutResult), args.Error(1)
}
