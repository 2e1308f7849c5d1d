package bitcoindnotify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/chainntnfs"
)

// RPCConfig holds the connection details of a bitcoind JSON-RPC endpoint.
type RPCConfig struct {
	// Host is the host:port of the RPC server.
	Host string

	// User and Pass are the RPC credentials.
	User string
	Pass string

	// Retry is the policy applied to every call.
	Retry RetryPolicy
}

// RPCClient implements chainntnfs.ChainClient over bitcoind's JSON-RPC
// interface in HTTP POST mode.
type RPCClient struct {
	client *rpcclient.Client
	policy RetryPolicy
}

// Compile-time check to ensure RPCClient implements ChainClient.
var _ chainntnfs.ChainClient = (*RPCClient)(nil)

// NewRPCClient creates a client for the configured endpoint. No connection
// is made until the first call.
func NewRPCClient(cfg *RPCConfig) (*RPCClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableAutoReconnect: false,
		DisableConnectOnNew:  true,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create rpc client: %w", err)
	}

	return &RPCClient{
		client: client,
		policy: cfg.Retry,
	}, nil
}

// Stop shuts the underlying client down.
func (r *RPCClient) Stop() {
	r.client.Shutdown()
	r.client.WaitForShutdown()
}

// mapNotFound converts bitcoind's not found errors into chainntnfs.ErrNotFound
// so they are not retried.
func mapNotFound(err error) error {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}

	switch rpcErr.Code {
	// Unknown hashes and txids, and heights above the tip.
	case btcjson.ErrRPCInvalidAddressOrKey, btcjson.ErrRPCInvalidParameter:
		return fmt.Errorf("%w: %v", chainntnfs.ErrNotFound, rpcErr)
	}

	return err
}

// GetBlockchainInfo returns the state of the backend's chain.
func (r *RPCClient) GetBlockchainInfo(
	ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {

	return retry(ctx, r.policy, "getblockchaininfo",
		func() (*btcjson.GetBlockChainInfoResult, error) {
			info, err := r.client.GetBlockChainInfo()
			return info, mapNotFound(err)
		},
	)
}

// GetBlockHash returns the hash of the main chain block at height.
func (r *RPCClient) GetBlockHash(ctx context.Context,
	height int64) (*chainhash.Hash, error) {

	return retry(ctx, r.policy, "getblockhash",
		func() (*chainhash.Hash, error) {
			hash, err := r.client.GetBlockHash(height)
			return hash, mapNotFound(err)
		},
	)
}

// GetBlock returns the parsed block with the given hash.
func (r *RPCClient) GetBlock(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	return retry(ctx, r.policy, "getblock",
		func() (*wire.MsgBlock, error) {
			block, err := r.client.GetBlock(hash)
			return block, mapNotFound(err)
		},
	)
}

// GetRawBlock returns the serialized block with the given hash.
func (r *RPCClient) GetRawBlock(ctx context.Context,
	hash *chainhash.Hash) ([]byte, error) {

	hashParam, err := json.Marshal(hash.String())
	if err != nil {
		return nil, err
	}
	params := []json.RawMessage{hashParam, json.RawMessage("0")}

	return retry(ctx, r.policy, "getblock", func() ([]byte, error) {
		resp, err := r.client.RawRequest("getblock", params)
		if err != nil {
			return nil, mapNotFound(err)
		}

		var blockHex string
		if err := json.Unmarshal(resp, &blockHex); err != nil {
			return nil, backoffPermanent(err)
		}

		raw, err := hex.DecodeString(blockHex)
		if err != nil {
			return nil, backoffPermanent(err)
		}

		return raw, nil
	})
}

// GetTransaction returns the verbose description of a transaction.
func (r *RPCClient) GetTransaction(ctx context.Context,
	txid *chainhash.Hash) (*btcjson.TxRawResult, error) {

	return retry(ctx, r.policy, "getrawtransaction",
		func() (*btcjson.TxRawResult, error) {
			tx, err := r.client.GetRawTransactionVerbose(txid)
			return tx, mapNotFound(err)
		},
	)
}

// GetRawTransaction returns the transaction with the given id.
func (r *RPCClient) GetRawTransaction(ctx context.Context,
	txid *chainhash.Hash) (*btcutil.Tx, error) {

	return retry(ctx, r.policy, "getrawtransaction",
		func() (*btcutil.Tx, error) {
			tx, err := r.client.GetRawTransaction(txid)
			return tx, mapNotFound(err)
		},
	)
}

// GetUtxo returns the unspent output at op. A spent or unknown output is
// reported as chainntnfs.ErrNotFound.
func (r *RPCClient) GetUtxo(ctx context.Context,
	op *wire.OutPoint) (*btcjson.GetTxOutResult, error) {

	return retry(ctx, r.policy, "gettxout",
		func() (*btcjson.GetTxOutResult, error) {
			out, err := r.client.GetTxOut(&op.Hash, op.Index, true)
			if err != nil {
				return nil, mapNotFound(err)
			}

			// bitcoind answers null for spent outputs.
			if out == nil {
				return nil, fmt.Errorf("utxo %v: %w", op,
					chainntnfs.ErrNotFound)
			}

			return out, nil
		},
	)
}
