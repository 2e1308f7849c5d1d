package bitcoindnotify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnode/chainntnfs"
)

const (
	// rawBlockZMQCommand is the command used to receive raw block
	// notifications from bitcoind through ZMQ.
	rawBlockZMQCommand = "rawblock"

	// rawTxZMQCommand is the command used to receive raw transaction
	// notifications from bitcoind through ZMQ.
	rawTxZMQCommand = "rawtx"

	// maxRawBlockSize is the maximum size in bytes for a raw block received
	// from bitcoind through ZMQ.
	maxRawBlockSize = 4e6

	// maxRawTxSize is the maximum size in bytes for a raw transaction
	// received from bitcoind through ZMQ.
	maxRawTxSize = maxRawBlockSize

	// seqNumLen is the length of the sequence number of a message sent from
	// bitcoind through ZMQ.
	seqNumLen = 4

	// DefaultZMQPollInterval is the read timeout of the ZMQ sockets.
	DefaultZMQPollInterval = time.Minute
)

// ErrNoCoinbase is returned for a block without transactions.
var ErrNoCoinbase = errors.New("block has no coinbase transaction")

// BlockFeed delivers the blocks announced by the backend as they arrive.
// Delivery is best effort: blocks may be skipped and may belong to a branch
// that is later orphaned, the notifier reconciles both.
type BlockFeed interface {
	// Start starts delivering blocks.
	Start() error

	// Stop stops the feed and closes the block channel.
	Stop()

	// Blocks returns the channel blocks are delivered on.
	Blocks() <-chan *chainntnfs.BlockEpoch
}

// ZMQConfig holds the ZMQ endpoints of a bitcoind node.
type ZMQConfig struct {
	// BlockHost is the zmqpubrawblock address.
	BlockHost string

	// TxHost is the zmqpubrawtx address.
	TxHost string

	// PollInterval is the read timeout of the sockets.
	PollInterval time.Duration
}

// ZMQFeed subscribes to bitcoind's raw block and raw transaction topics. The
// two topics use separate connections so a burst of one never causes the
// other to be dropped.
type ZMQFeed struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg ZMQConfig

	blockConn *gozmq.Conn
	txConn    *gozmq.Conn

	// blockQueue and txQueue decouple the socket readers from slow
	// consumers.
	blockQueue *queue.ConcurrentQueue
	txQueue    *queue.ConcurrentQueue

	blocks chan *chainntnfs.BlockEpoch
	txs    chan *wire.MsgTx

	quit chan struct{}
	wg   sync.WaitGroup
}

// Compile-time check to ensure ZMQFeed implements BlockFeed.
var _ BlockFeed = (*ZMQFeed)(nil)

// NewZMQFeed creates a feed for the configured endpoints. The sockets are
// opened by Start.
func NewZMQFeed(cfg ZMQConfig) *ZMQFeed {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultZMQPollInterval
	}

	return &ZMQFeed{
		cfg:        cfg,
		blockQueue: queue.NewConcurrentQueue(20),
		txQueue:    queue.NewConcurrentQueue(100),
		blocks:     make(chan *chainntnfs.BlockEpoch),
		txs:        make(chan *wire.MsgTx),
		quit:       make(chan struct{}),
	}
}

// Start subscribes to both topics and launches the reader goroutines.
func (z *ZMQFeed) Start() error {
	if !atomic.CompareAndSwapInt32(&z.started, 0, 1) {
		return nil
	}

	blockConn, err := gozmq.Subscribe(
		z.cfg.BlockHost, []string{rawBlockZMQCommand},
		z.cfg.PollInterval,
	)
	if err != nil {
		return fmt.Errorf("unable to subscribe for zmq block "+
			"events: %w", err)
	}

	txConn, err := gozmq.Subscribe(
		z.cfg.TxHost, []string{rawTxZMQCommand}, z.cfg.PollInterval,
	)
	if err != nil {
		blockConn.Close()
		return fmt.Errorf("unable to subscribe for zmq tx events: %w",
			err)
	}

	z.blockConn = blockConn
	z.txConn = txConn

	z.blockQueue.Start()
	z.txQueue.Start()

	z.wg.Add(4)
	go z.readLoop(
		z.blockConn, rawBlockZMQCommand, maxRawBlockSize,
		z.handleRawBlock,
	)
	go z.readLoop(
		z.txConn, rawTxZMQCommand, maxRawTxSize, z.handleRawTx,
	)
	go z.forwardBlocks()
	go z.forwardTxs()

	return nil
}

// Stop closes the sockets and waits for all goroutines to exit.
func (z *ZMQFeed) Stop() {
	if !atomic.CompareAndSwapInt32(&z.stopped, 0, 1) {
		return
	}

	close(z.quit)
	if z.blockConn != nil {
		z.blockConn.Close()
	}
	if z.txConn != nil {
		z.txConn.Close()
	}
	z.wg.Wait()

	if atomic.LoadInt32(&z.started) == 1 {
		z.blockQueue.Stop()
		z.txQueue.Stop()
	}

	close(z.blocks)
	close(z.txs)
}

// Blocks returns the channel parsed blocks are delivered on.
func (z *ZMQFeed) Blocks() <-chan *chainntnfs.BlockEpoch {
	return z.blocks
}

// Txs returns the channel raw transactions are delivered on.
func (z *ZMQFeed) Txs() <-chan *wire.MsgTx {
	return z.txs
}

// readLoop reads messages of a single topic until the feed is stopped.
//
// NOTE: This must be run as a goroutine.
func (z *ZMQFeed) readLoop(conn *gozmq.Conn, command string, maxSize int,
	handle func([]byte)) {

	defer z.wg.Done()

	chainntnfs.Log.Infof("Started listening for bitcoind %v "+
		"notifications via ZMQ on %v", command, conn.RemoteAddr())

	// ZMQ messages from bitcoind include three parts: the command, the
	// data, and the sequence number. The data buffer is reused, every
	// message is fully parsed before the next read.
	var (
		cmd    = make([]byte, len(command))
		seqNum [seqNumLen]byte
		data   = make([]byte, maxSize)
	)

	for {
		select {
		case <-z.quit:
			return
		default:
		}

		bufs, err := conn.Receive([][]byte{cmd, data, seqNum[:]})
		if err != nil {
			// EOF is only returned once the connection was
			// explicitly closed.
			if errors.Is(err, io.EOF) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				chainntnfs.Log.Tracef("Re-establishing timed "+
					"out ZMQ %v connection", command)
				continue
			}

			chainntnfs.Log.Errorf("Unable to receive ZMQ %v "+
				"message: %v", command, err)
			continue
		}

		eventType := string(bufs[0])
		if eventType != command {
			// A partially read message during a bitcoind
			// shutdown produces garbage, only log readable ones.
			if eventType != "" && isASCII(eventType) {
				chainntnfs.Log.Warnf("Received unexpected "+
					"event type from %v subscription: %v",
					command, eventType)
			}
			continue
		}

		handle(bufs[1])
	}
}

// handleRawBlock parses a raw block and queues it.
func (z *ZMQFeed) handleRawBlock(raw []byte) {
	epoch, err := ParseRawBlock(raw)
	if err != nil {
		chainntnfs.Log.Errorf("Unable to parse zmq block: %v", err)
		return
	}

	chainntnfs.Log.Debugf("ZMQ announced %v", epoch)

	select {
	case z.blockQueue.ChanIn() <- epoch:
	case <-z.quit:
	}
}

// handleRawTx parses a raw transaction and queues it.
func (z *ZMQFeed) handleRawTx(raw []byte) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		chainntnfs.Log.Errorf("Unable to deserialize zmq tx: %v", err)
		return
	}

	select {
	case z.txQueue.ChanIn() <- tx:
	case <-z.quit:
	}
}

// forwardBlocks moves queued blocks to the typed block channel.
//
// NOTE: This must be run as a goroutine.
func (z *ZMQFeed) forwardBlocks() {
	defer z.wg.Done()

	for {
		select {
		case item := <-z.blockQueue.ChanOut():
			select {
			case z.blocks <- item.(*chainntnfs.BlockEpoch):
			case <-z.quit:
				return
			}

		case <-z.quit:
			return
		}
	}
}

// forwardTxs moves queued transactions to the typed tx channel.
//
// NOTE: This must be run as a goroutine.
func (z *ZMQFeed) forwardTxs() {
	defer z.wg.Done()

	for {
		select {
		case item := <-z.txQueue.ChanOut():
			select {
			case z.txs <- item.(*wire.MsgTx):
			case <-z.quit:
				return
			}

		case <-z.quit:
			return
		}
	}
}

// ParseRawBlock deserializes a block and reads its height from the BIP34
// coinbase.
func ParseRawBlock(raw []byte) (*chainntnfs.BlockEpoch, error) {
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to deserialize block: %w", err)
	}

	return blockEpochFromBlock(block)
}

// blockEpochFromBlock builds a connected epoch for block.
func blockEpochFromBlock(block *wire.MsgBlock) (*chainntnfs.BlockEpoch,
	error) {

	if len(block.Transactions) == 0 {
		return nil, ErrNoCoinbase
	}

	height, err := blockchain.ExtractCoinbaseHeight(
		btcutil.NewTx(block.Transactions[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to extract height: %w", err)
	}

	hash := block.BlockHash()

	return &chainntnfs.BlockEpoch{
		Hash:   &hash,
		Height: height,
		Block:  block,
	}, nil
}

// isASCII is a helper method that checks whether all bytes in `data` would be
// printable ASCII characters if interpreted as a string.
func isASCII(s string) bool {
	for _, c := range s {
		if c < 32 || c > 126 {
			return false
		}
	}

	return true
}
