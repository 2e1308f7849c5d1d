package lncfg

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultRPCHost = "localhost:8332"

	// defaultZMQReadDeadline is the default read deadline to be used for
	// both the block and tx ZMQ subscriptions.
	defaultZMQReadDeadline = 5 * time.Second

	defaultRetryAttempts        = 5
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 10 * time.Second

	defaultBlockPollingInterval = time.Minute
)

// Bitcoind holds the configuration options for the daemon's connection to
// bitcoind.
//
//nolint:lll
type Bitcoind struct {
	RPCHost         string        `long:"rpchost" description:"The daemon's rpc listening address in host:port form."`
	RPCUser         string        `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass         string        `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	ZMQPubRawBlock  string        `long:"zmqpubrawblock" description:"The address listening for ZMQ connections to deliver raw block notifications"`
	ZMQPubRawTx     string        `long:"zmqpubrawtx" description:"The address listening for ZMQ connections to deliver raw transaction notifications"`
	ZMQReadDeadline time.Duration `long:"zmqreaddeadline" description:"The read deadline for reading ZMQ messages from both the block and tx subscriptions"`

	RetryAttempts        uint32        `long:"retryattempts" description:"The number of times an RPC call is tried before giving up. 1 disables retries."`
	RetryInitialInterval time.Duration `long:"retryinitialinterval" description:"The delay before the first retry of a failed RPC call."`
	RetryMaxInterval     time.Duration `long:"retrymaxinterval" description:"The maximum delay between two retries of a failed RPC call."`

	BlockPollingInterval time.Duration `long:"blockpollinginterval" description:"How often bitcoind is asked for its best block in case a ZMQ block notification was lost. 0 disables polling."`
}

// DefaultBitcoind returns a default configuration for the bitcoind backend.
func DefaultBitcoind() *Bitcoind {
	return &Bitcoind{
		RPCHost:              defaultRPCHost,
		ZMQReadDeadline:      defaultZMQReadDeadline,
		RetryAttempts:        defaultRetryAttempts,
		RetryInitialInterval: defaultRetryInitialInterval,
		RetryMaxInterval:     defaultRetryMaxInterval,
		BlockPollingInterval: defaultBlockPollingInterval,
	}
}

// Validate checks that the backend can be reached with the given settings.
func (b *Bitcoind) Validate() error {
	if b.RPCHost == "" {
		return errors.New("bitcoind.rpchost must be set")
	}

	if b.ZMQPubRawBlock == "" || b.ZMQPubRawTx == "" {
		return errors.New("bitcoind.zmqpubrawblock and " +
			"bitcoind.zmqpubrawtx must be set")
	}

	if b.ZMQPubRawBlock == b.ZMQPubRawTx {
		return fmt.Errorf("zmqpubrawblock and zmqpubrawtx must be "+
			"different, got %v for both", b.ZMQPubRawBlock)
	}

	if b.ZMQReadDeadline <= 0 {
		return errors.New("bitcoind.zmqreaddeadline must be positive")
	}

	if b.RetryAttempts == 0 {
		return errors.New("bitcoind.retryattempts must be at least 1")
	}

	if b.RetryInitialInterval > b.RetryMaxInterval {
		return fmt.Errorf("bitcoind.retryinitialinterval (%v) exceeds "+
			"bitcoind.retrymaxinterval (%v)",
			b.RetryInitialInterval, b.RetryMaxInterval)
	}

	if b.BlockPollingInterval < 0 {
		return errors.New("bitcoind.blockpollinginterval must not be " +
			"negative")
	}

	return nil
}

// Compile-time constraint to ensure Bitcoind implements the Validator
// interface.
var _ Validator = (*Bitcoind)(nil)
