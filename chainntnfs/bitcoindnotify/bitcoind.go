package bitcoindnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnode/chainntnfs"
)

const (
	// notifierType uniquely identifies this concrete implementation of the
	// ChainNotifier interface.
	notifierType = "bitcoind"

	// reorgSafetyLimit is the assumed maximum depth of a chain
	// reorganization. Hashes of older blocks are forgotten.
	reorgSafetyLimit = 100
)

// ErrReorgTooDeep is returned when a reorg reaches below the blocks the
// notifier still remembers.
var ErrReorgTooDeep = errors.New("reorg deeper than safety limit")

// epochCancel is a message sent to the BitcoindNotifier when a client wishes
// to cancel an outstanding epoch notification that has yet to be dispatched.
type epochCancel struct {
	epochID uint64
}

// blockEpochRegistration represents a client's intent to receive a
// notification with each newly connected or disconnected block.
type blockEpochRegistration struct {
	epochID uint64

	epochChan chan *chainntnfs.BlockEpoch

	epochQueue *queue.ConcurrentQueue

	bestBlock *chainntnfs.BlockEpoch

	errorChan chan error

	cancelChan chan struct{}

	wg sync.WaitGroup
}

// BitcoindNotifier implements the ChainNotifier interface on top of a
// bitcoind node: blocks are announced by a BlockFeed and anything the feed
// skipped or orphaned is reconciled through the RPC client. Multiple
// concurrent clients are supported, each receives every epoch in order.
type BitcoindNotifier struct {
	epochClientCounter uint64 // To be used atomically.

	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	chainConn chainntnfs.ChainClient
	feed      BlockFeed

	// pollTicker, if set, triggers a tip query against the backend so a
	// block whose announcement was lost is still found.
	pollTicker ticker.Ticker

	notificationCancels  chan interface{}
	notificationRegistry chan interface{}

	blockEpochClients map[uint64]*blockEpochRegistration

	bestBlock chainntnfs.BlockEpoch

	// recentHashes holds the hashes of the main chain blocks we
	// connected, up to reorgSafetyLimit below the tip.
	recentHashes map[int32]chainhash.Hash

	// ctx bounds the RPC calls made by the dispatcher.
	ctx    context.Context
	cancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// Ensure BitcoindNotifier implements the ChainNotifier interface at compile
// time.
var _ chainntnfs.ChainNotifier = (*BitcoindNotifier)(nil)

// NotifierOption modifies an optional setting of the notifier.
type NotifierOption func(*BitcoindNotifier)

// WithPollTicker makes the notifier query the backend's tip on every tick of
// t, in addition to following the feed.
func WithPollTicker(t ticker.Ticker) NotifierOption {
	return func(b *BitcoindNotifier) {
		b.pollTicker = t
	}
}

// New returns a new BitcoindNotifier instance. The feed is started and
// stopped together with the notifier.
func New(chainConn chainntnfs.ChainClient, feed BlockFeed,
	opts ...NotifierOption) *BitcoindNotifier {

	ctx, cancel := context.WithCancel(context.Background())

	b := &BitcoindNotifier{
		chainConn:            chainConn,
		feed:                 feed,
		notificationCancels:  make(chan interface{}),
		notificationRegistry: make(chan interface{}),
		blockEpochClients:    make(map[uint64]*blockEpochRegistration),
		recentHashes:         make(map[int32]chainhash.Hash),
		ctx:                  ctx,
		cancel:               cancel,
		quit:                 make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Start queries the current tip, starts the feed and launches the dispatcher.
func (b *BitcoindNotifier) Start() error {
	// Already started?
	if atomic.AddInt32(&b.started, 1) != 1 {
		return nil
	}

	chainntnfs.Log.Infof("Starting %v notifier", notifierType)

	info, err := b.chainConn.GetBlockchainInfo(b.ctx)
	if err != nil {
		return fmt.Errorf("unable to query chain tip: %w", err)
	}

	bestHash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return fmt.Errorf("invalid best block hash: %w", err)
	}

	b.bestBlock = chainntnfs.BlockEpoch{
		Hash:   bestHash,
		Height: info.Blocks,
	}
	b.recentHashes[info.Blocks] = *bestHash

	if err := b.feed.Start(); err != nil {
		return err
	}

	if b.pollTicker != nil {
		b.pollTicker.Resume()
	}

	b.wg.Add(1)
	go b.notificationDispatcher()

	chainntnfs.Log.Infof("%v notifier started at height %d (%v)",
		notifierType, info.Blocks, bestHash)

	return nil
}

// Stop shuts the notifier down and closes all client channels.
func (b *BitcoindNotifier) Stop() error {
	// Already shutting down?
	if atomic.AddInt32(&b.stopped, 1) != 1 {
		return nil
	}

	b.feed.Stop()

	close(b.quit)
	b.cancel()
	b.wg.Wait()

	if b.pollTicker != nil {
		b.pollTicker.Stop()
	}

	// Notify all pending clients of our shutdown by closing the related
	// notification channels.
	for _, epochClient := range b.blockEpochClients {
		close(epochClient.cancelChan)
		epochClient.wg.Wait()
		epochClient.epochQueue.Stop()

		close(epochClient.epochChan)
	}

	return nil
}

// notificationDispatcher is the primary goroutine which handles client
// registrations and block announcements.
func (b *BitcoindNotifier) notificationDispatcher() {
	defer b.wg.Done()

	var pollTicks <-chan time.Time
	if b.pollTicker != nil {
		pollTicks = b.pollTicker.Ticks()
	}

	for {
		select {
		case cancelMsg := <-b.notificationCancels:
			msg, ok := cancelMsg.(*epochCancel)
			if !ok {
				continue
			}

			chainntnfs.Log.Infof("Cancelling epoch notification, "+
				"epoch_id=%v", msg.epochID)

			reg, ok := b.blockEpochClients[msg.epochID]
			if !ok {
				continue
			}

			// Stop the client goroutine before closing the
			// channel it sends on.
			close(reg.cancelChan)
			reg.wg.Wait()
			reg.epochQueue.Stop()

			close(reg.epochChan)
			delete(b.blockEpochClients, msg.epochID)

		case registerMsg := <-b.notificationRegistry:
			msg, ok := registerMsg.(*blockEpochRegistration)
			if !ok {
				continue
			}

			chainntnfs.Log.Infof("New block epoch subscription")

			b.blockEpochClients[msg.epochID] = msg
			if msg.bestBlock != nil {
				err := b.catchUpClient(msg)
				if err != nil {
					delete(b.blockEpochClients, msg.epochID)
					msg.errorChan <- err
					continue
				}
			}
			msg.errorChan <- nil

		case epoch, ok := <-b.feed.Blocks():
			if !ok {
				chainntnfs.Log.Infof("Block feed closed")
				return
			}

			if err := b.handleAnnouncedBlock(epoch); err != nil {
				chainntnfs.Log.Errorf("Unable to process %v: "+
					"%v", epoch, err)
			}

		case <-pollTicks:
			if err := b.pollTip(); err != nil {
				chainntnfs.Log.Errorf("Unable to poll chain "+
					"tip: %v", err)
			}

		case <-b.quit:
			return
		}
	}
}

// handleAnnouncedBlock brings the notifier's view of the chain up to the
// announced block, emitting disconnects and connects as needed.
func (b *BitcoindNotifier) handleAnnouncedBlock(
	tip *chainntnfs.BlockEpoch) error {

	if *tip.Hash == *b.bestBlock.Hash {
		return nil
	}

	// The common case: the block extends our tip.
	if tip.Block.Header.PrevBlock == *b.bestBlock.Hash &&
		tip.Height == b.bestBlock.Height+1 {

		b.connectBlock(tip)
		return nil
	}

	// The feed may announce blocks of a branch that lost the race.
	// Only reconcile towards blocks the backend considers main chain.
	mainHash, err := b.chainConn.GetBlockHash(b.ctx, int64(tip.Height))
	switch {
	case errors.Is(err, chainntnfs.ErrNotFound):
		chainntnfs.Log.Debugf("Ignoring %v above backend tip", tip)
		return nil

	case err != nil:
		return err

	case *mainHash != *tip.Hash:
		chainntnfs.Log.Debugf("Ignoring stale %v", tip)
		return nil
	}

	forkHeight, err := b.findForkHeight(tip.Height - 1)
	if err != nil {
		return err
	}

	for height := b.bestBlock.Height; height > forkHeight; height-- {
		b.disconnectBlock(height)
	}

	if forkHeight < b.bestBlock.Height {
		chainntnfs.Log.Infof("Reorg: rewound to height %d", forkHeight)
	} else if forkHeight+1 < tip.Height {
		chainntnfs.Log.Infof("Missed blocks, attempting to catch up "+
			"from height %d to %d", forkHeight+1, tip.Height-1)
	}

	for height := forkHeight + 1; height < tip.Height; height++ {
		epoch, err := b.fetchEpoch(height)
		if err != nil {
			return err
		}

		b.connectBlock(epoch)
	}

	if tip.Block.Header.PrevBlock != *b.bestBlock.Hash {
		// The chain moved on while we caught up, the next
		// announcement reconciles the rest.
		return nil
	}

	b.connectBlock(tip)

	return nil
}

// pollTip fetches the backend's best block and reconciles towards it as if
// the feed had announced it.
func (b *BitcoindNotifier) pollTip() error {
	info, err := b.chainConn.GetBlockchainInfo(b.ctx)
	if err != nil {
		return err
	}

	if info.BestBlockHash == b.bestBlock.Hash.String() {
		return nil
	}

	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return fmt.Errorf("invalid best block hash: %w", err)
	}

	block, err := b.chainConn.GetBlock(b.ctx, hash)
	if err != nil {
		return fmt.Errorf("unable to get block %v: %w", hash, err)
	}

	chainntnfs.Log.Debugf("Polled tip %v at height %d differs from ours "+
		"at %d", hash, info.Blocks, b.bestBlock.Height)

	return b.handleAnnouncedBlock(&chainntnfs.BlockEpoch{
		Hash:   hash,
		Height: info.Blocks,
		Block:  block,
	})
}

// findForkHeight walks down from height until our block matches the
// backend's main chain.
func (b *BitcoindNotifier) findForkHeight(height int32) (int32, error) {
	if height > b.bestBlock.Height {
		height = b.bestBlock.Height
	}

	for ; height >= 0; height-- {
		ourHash, ok := b.recentHashes[height]
		if !ok {
			return 0, fmt.Errorf("%w: no block known at height %d",
				ErrReorgTooDeep, height)
		}

		mainHash, err := b.chainConn.GetBlockHash(
			b.ctx, int64(height),
		)
		if err != nil {
			return 0, err
		}

		if *mainHash == ourHash {
			return height, nil
		}
	}

	return 0, ErrReorgTooDeep
}

// fetchEpoch fetches the main chain block at height from the backend.
func (b *BitcoindNotifier) fetchEpoch(
	height int32) (*chainntnfs.BlockEpoch, error) {

	hash, err := b.chainConn.GetBlockHash(b.ctx, int64(height))
	if err != nil {
		return nil, fmt.Errorf("unable to get hash of block %d: %w",
			height, err)
	}

	block, err := b.chainConn.GetBlock(b.ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("unable to get block %v: %w", hash,
			err)
	}

	return &chainntnfs.BlockEpoch{
		Hash:   hash,
		Height: height,
		Block:  block,
	}, nil
}

// connectBlock makes epoch the new tip and notifies all clients.
func (b *BitcoindNotifier) connectBlock(epoch *chainntnfs.BlockEpoch) {
	b.bestBlock = chainntnfs.BlockEpoch{
		Hash:   epoch.Hash,
		Height: epoch.Height,
	}
	b.recentHashes[epoch.Height] = *epoch.Hash
	delete(b.recentHashes, epoch.Height-reorgSafetyLimit)

	chainntnfs.Log.Debugf("New block: height=%v, sha=%v", epoch.Height,
		epoch.Hash)

	b.notifyBlockEpochs(epoch)
}

// disconnectBlock removes our block at height, which must be the tip.
func (b *BitcoindNotifier) disconnectBlock(height int32) {
	hash := b.recentHashes[height]
	delete(b.recentHashes, height)

	chainntnfs.Log.Infof("Block disconnected from main chain: "+
		"height=%v, sha=%v", height, hash)

	b.notifyBlockEpochs(&chainntnfs.BlockEpoch{
		Hash:         &hash,
		Height:       height,
		Disconnected: true,
	})

	prevHash := b.recentHashes[height-1]
	b.bestBlock = chainntnfs.BlockEpoch{
		Hash:   &prevHash,
		Height: height - 1,
	}
}

// catchUpClient delivers the blocks a new client missed since its best
// block. If the client's best block was orphaned it is disconnected first.
func (b *BitcoindNotifier) catchUpClient(reg *blockEpochRegistration) error {
	start := reg.bestBlock.Height + 1

	if reg.bestBlock.Hash != nil &&
		reg.bestBlock.Height <= b.bestBlock.Height {

		mainHash, err := b.chainConn.GetBlockHash(
			b.ctx, int64(reg.bestBlock.Height),
		)
		if err != nil {
			return err
		}

		if *mainHash != *reg.bestBlock.Hash {
			chainntnfs.Log.Warnf("Client best block %v was "+
				"orphaned", reg.bestBlock.Hash)

			b.notifyBlockEpochClient(reg, &chainntnfs.BlockEpoch{
				Hash:         reg.bestBlock.Hash,
				Height:       reg.bestBlock.Height,
				Disconnected: true,
			})
			start = reg.bestBlock.Height
		}
	}

	for height := start; height <= b.bestBlock.Height; height++ {
		epoch, err := b.fetchEpoch(height)
		if err != nil {
			return err
		}

		b.notifyBlockEpochClient(reg, epoch)
	}

	return nil
}

// notifyBlockEpochs notifies all registered block epoch clients.
func (b *BitcoindNotifier) notifyBlockEpochs(epoch *chainntnfs.BlockEpoch) {
	for _, client := range b.blockEpochClients {
		b.notifyBlockEpochClient(client, epoch)
	}
}

// notifyBlockEpochClient queues an epoch for a single client.
func (b *BitcoindNotifier) notifyBlockEpochClient(
	epochClient *blockEpochRegistration, epoch *chainntnfs.BlockEpoch) {

	select {
	case epochClient.epochQueue.ChanIn() <- epoch:
	case <-epochClient.cancelChan:
	case <-b.quit:
	}
}

// RegisterBlockEpochNtfn returns a BlockEpochEvent which subscribes the
// caller to receive notifications of each block connected to or disconnected
// from the main chain. Clients have the option of passing in their best known
// block, which the notifier uses to check if they are behind on blocks and
// catch them up.
func (b *BitcoindNotifier) RegisterBlockEpochNtfn(
	bestBlock *chainntnfs.BlockEpoch) (*chainntnfs.BlockEpochEvent, error) {

	reg := &blockEpochRegistration{
		epochQueue: queue.NewConcurrentQueue(20),
		epochChan:  make(chan *chainntnfs.BlockEpoch, 20),
		cancelChan: make(chan struct{}),
		epochID:    atomic.AddUint64(&b.epochClientCounter, 1),
		bestBlock:  bestBlock,
		errorChan:  make(chan error, 1),
	}
	reg.epochQueue.Start()

	// Proxy items added to the queue to the client itself. This ensures
	// that all notifications are received *in order*.
	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()

		for {
			select {
			case ntfn := <-reg.epochQueue.ChanOut():
				blockNtfn := ntfn.(*chainntnfs.BlockEpoch)
				select {
				case reg.epochChan <- blockNtfn:

				case <-reg.cancelChan:
					return

				case <-b.quit:
					return
				}

			case <-reg.cancelChan:
				return

			case <-b.quit:
				return
			}
		}
	}()

	select {
	case <-b.quit:
		// As we're exiting before the registration could be sent,
		// we'll stop the queue now ourselves.
		reg.epochQueue.Stop()

		return nil, chainntnfs.ErrChainNotifierShuttingDown

	case b.notificationRegistry <- reg:
	}

	select {
	case err := <-reg.errorChan:
		if err != nil {
			close(reg.cancelChan)
			reg.wg.Wait()
			reg.epochQueue.Stop()

			return nil, err
		}

	case <-b.quit:
		return nil, chainntnfs.ErrChainNotifierShuttingDown
	}

	return &chainntnfs.BlockEpochEvent{
		Epochs: reg.epochChan,
		Cancel: func() {
			cancel := &epochCancel{
				epochID: reg.epochID,
			}

			// Submit epoch cancellation to notification
			// dispatcher.
			select {
			case b.notificationCancels <- cancel:
				// Cancellation is being handled, drain the
				// epoch channel until it is closed before
				// yielding to caller.
				for {
					select {
					case _, ok := <-reg.epochChan:
						if !ok {
							return
						}

					case <-b.quit:
						return
					}
				}

			case <-b.quit:
			}
		},
	}, nil
}
