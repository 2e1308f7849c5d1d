package chanfsm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/chainntnfs"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/lightningnetwork/lnode/multimutex"
	"github.com/lightningnetwork/lnode/protofsm"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownChannel is returned for events targeting a channel the
	// switch does not manage.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrChannelExists is returned when adding a channel that is already
	// managed.
	ErrChannelExists = errors.New("channel already exists")
)

// Config holds the dependencies of a ChannelSwitch.
type Config struct {
	// Logic validates and builds channel messages.
	Logic ChannelLogic

	// Store persists a snapshot of each channel after every event.
	Store ChannelStore

	// Observers are notified of every dispatch.
	Observers []protofsm.DispatchObserver

	// NumWorkers bounds how many channels process a block at once. Zero
	// means no limit.
	NumWorkers int
}

// channelEntry is the committed state of a single channel.
type channelEntry struct {
	channel *channeldb.OpenChannel
	state   protofsm.StateName
}

// ChannelSwitch owns the channels and drives each through the channel state
// machine. Events for the same channel are processed one at a time: a
// channel's lock is held from dispatch until the resulting snapshot is
// persisted and committed, including while a handler waits on the network.
// Events for different channels run in parallel.
type ChannelSwitch struct {
	cfg   Config
	table *protofsm.StateTable[*ChannelEnv]

	chanMtx *multimutex.Mutex[lnwire.ChannelID]

	mu       sync.RWMutex
	channels map[lnwire.ChannelID]*channelEntry
}

// NewChannelSwitch creates a switch with no channels. Start loads the
// persisted ones.
func NewChannelSwitch(cfg Config) (*ChannelSwitch, error) {
	table, err := NewChannelTable(cfg.Observers...)
	if err != nil {
		return nil, err
	}

	return &ChannelSwitch{
		cfg:      cfg,
		table:    table,
		chanMtx:  multimutex.NewMutex[lnwire.ChannelID](),
		channels: make(map[lnwire.ChannelID]*channelEntry),
	}, nil
}

// Start resumes every channel from its last persisted snapshot.
func (s *ChannelSwitch) Start() error {
	snapshots, err := s.cfg.Store.FetchAllChannels()
	if err != nil {
		return fmt.Errorf("unable to fetch channels: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snapshot := range snapshots {
		state := protofsm.StateName(snapshot.State)
		if !s.table.IsKnown(state) {
			return fmt.Errorf("%v persisted in state %q: %w",
				snapshot.Channel, state,
				protofsm.ErrUnknownState)
		}

		s.channels[snapshot.Channel.ChanID()] = &channelEntry{
			channel: snapshot.Channel,
			state:   state,
		}

		log.Infof("Resumed %v in state %v at height %d",
			snapshot.Channel, state,
			snapshot.Channel.LastBlockHeight())
	}

	log.Infof("Channel switch started with %d channels", len(snapshots))

	return nil
}

// AddChannel starts managing a channel whose funding was just negotiated.
// The channel is persisted in the initial state before it is added. Its tip
// starts at the funding broadcast height, as no earlier block can confirm
// the funding transaction.
func (s *ChannelSwitch) AddChannel(ch *channeldb.OpenChannel) error {
	chanID := ch.ChanID()

	s.chanMtx.Lock(chanID)
	defer s.chanMtx.Unlock(chanID)

	if _, err := s.entry(chanID); err == nil {
		return fmt.Errorf("%v: %w", ch, ErrChannelExists)
	}

	added := ch.Copy()
	added.UpdateTip(added.FundingBroadcastHeight)

	initial := s.table.InitialState()
	if err := s.cfg.Store.PutChannel(added, initial.String()); err != nil {
		return fmt.Errorf("unable to persist %v: %w", ch, err)
	}

	s.mu.Lock()
	s.channels[chanID] = &channelEntry{
		channel: added,
		state:   initial,
	}
	s.mu.Unlock()

	log.Infof("Added %v in state %v", ch, initial)

	return nil
}

func (s *ChannelSwitch) entry(chanID lnwire.ChannelID) (*channelEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.channels[chanID]
	if !ok {
		return nil, fmt.Errorf("%v: %w", chanID, ErrUnknownChannel)
	}

	return entry, nil
}

// ProcessEvent runs a single event through the state machine of a channel
// and returns the resulting state.
//
// The handler works on a copy of the channel. Only when it succeeds and the
// snapshot is persisted does the copy replace the committed channel, so a
// failed event leaves no trace.
func (s *ChannelSwitch) ProcessEvent(ctx context.Context,
	chanID lnwire.ChannelID, event protofsm.Event) (protofsm.StateName,
	error) {

	s.chanMtx.Lock(chanID)
	defer s.chanMtx.Unlock(chanID)

	entry, err := s.entry(chanID)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	current, working := entry.state, entry.channel.Copy()
	s.mu.RUnlock()

	env := &ChannelEnv{
		Channel: working,
		Logic:   s.cfg.Logic,
	}

	next, err := s.table.Dispatch(ctx, current, env, event)
	if err != nil {
		return current, err
	}

	if next == StateClosed {
		return next, s.archive(chanID, working, next)
	}

	if err := s.cfg.Store.PutChannel(working, next.String()); err != nil {
		return current, fmt.Errorf("unable to persist %v: %w", working,
			err)
	}

	s.mu.Lock()
	entry.channel, entry.state = working, next
	s.mu.Unlock()

	return next, nil
}

// archive moves a closed channel to the closed store and forgets it.
func (s *ChannelSwitch) archive(chanID lnwire.ChannelID,
	ch *channeldb.OpenChannel, state protofsm.StateName) error {

	if err := s.cfg.Store.ArchiveChannel(ch, state.String()); err != nil {
		return fmt.Errorf("unable to archive %v: %w", ch, err)
	}

	s.mu.Lock()
	delete(s.channels, chanID)
	s.mu.Unlock()

	return nil
}

// ChannelState returns the committed state of a channel.
func (s *ChannelSwitch) ChannelState(
	chanID lnwire.ChannelID) (protofsm.StateName, error) {

	entry, err := s.entry(chanID)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return entry.state, nil
}

// Channel returns a copy of the committed channel.
func (s *ChannelSwitch) Channel(
	chanID lnwire.ChannelID) (*channeldb.OpenChannel, error) {

	entry, err := s.entry(chanID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return entry.channel.Copy(), nil
}

// ChannelsWithPeer returns the ids of the channels with the given peer.
func (s *ChannelSwitch) ChannelsWithPeer(
	pub *btcec.PublicKey) []lnwire.ChannelID {

	s.mu.RLock()
	defer s.mu.RUnlock()

	var chanIDs []lnwire.ChannelID
	for chanID, entry := range s.channels {
		if entry.channel.IdentityPub.IsEqual(pub) {
			chanIDs = append(chanIDs, chanID)
		}
	}

	return chanIDs
}

// StateCounts returns the number of channels in each state.
func (s *ChannelSwitch) StateCounts() map[protofsm.StateName]int {
	counts := make(map[protofsm.StateName]int)
	for _, state := range s.table.States() {
		counts[state] = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.channels {
		counts[entry.state]++
	}

	return counts
}

// LowestTip returns the lowest block height processed by any channel still
// waiting on the chain, or false if there is none.
func (s *ChannelSwitch) LowestTip() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		lowest uint32
		found  bool
	)
	for _, entry := range s.channels {
		if s.table.IsTerminal(entry.state) {
			continue
		}

		height := entry.channel.LastBlockHeight()
		if !found || height < lowest {
			lowest, found = height, true
		}
	}

	return lowest, found
}

// activeChannels returns the ids of the channels that are not in a terminal
// state, along with their last processed height.
func (s *ChannelSwitch) activeChannels() map[lnwire.ChannelID]uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make(map[lnwire.ChannelID]uint32, len(s.channels))
	for chanID, entry := range s.channels {
		if s.table.IsTerminal(entry.state) {
			continue
		}

		active[chanID] = entry.channel.LastBlockHeight()
	}

	return active
}

// fanOut delivers one event per active channel in parallel. newEvent returns
// nil for channels the event should skip. Every channel is attempted and the
// first error is returned.
func (s *ChannelSwitch) fanOut(ctx context.Context,
	newEvent func(tip uint32) protofsm.Event) error {

	var g errgroup.Group
	if s.cfg.NumWorkers > 0 {
		g.SetLimit(s.cfg.NumWorkers)
	}

	for chanID, tip := range s.activeChannels() {
		event := newEvent(tip)
		if event == nil {
			continue
		}

		g.Go(func() error {
			_, err := s.ProcessEvent(ctx, chanID, event)
			if err != nil {
				log.Errorf("Unable to process %v for %v: %v",
					event.EventType(), chanID, err)
			}

			return err
		})
	}

	return g.Wait()
}

// ConnectBlock delivers a connected block to every channel. Channels that
// already processed the height, as happens when a notifier catches up from
// an older tip, are skipped.
func (s *ChannelSwitch) ConnectBlock(ctx context.Context, height uint32,
	block *wire.MsgBlock) error {

	return s.fanOut(ctx, func(tip uint32) protofsm.Event {
		if height <= tip {
			return nil
		}

		return &BlockConnectedEvent{Height: height, Block: block}
	})
}

// DisconnectBlock delivers a disconnected block to every channel that saw
// it.
func (s *ChannelSwitch) DisconnectBlock(ctx context.Context, height uint32,
	hash chainhash.Hash) error {

	return s.fanOut(ctx, func(tip uint32) protofsm.Event {
		if height > tip {
			return nil
		}

		return &BlockDisconnectedEvent{Height: height, Hash: hash}
	})
}

// Run feeds the block epochs of the notifier to the channels until the
// context is cancelled or the notifier shuts down. If bestBlock is set,
// blocks above it are delivered first.
func (s *ChannelSwitch) Run(ctx context.Context,
	notifier chainntnfs.ChainNotifier,
	bestBlock *chainntnfs.BlockEpoch) error {

	epochs, err := notifier.RegisterBlockEpochNtfn(bestBlock)
	if err != nil {
		return fmt.Errorf("unable to register for blocks: %w", err)
	}
	defer epochs.Cancel()

	for {
		select {
		case epoch, ok := <-epochs.Epochs:
			if !ok {
				return chainntnfs.ErrChainNotifierShuttingDown
			}

			// Per channel failures are logged by the fan out and
			// retried on later blocks, they must not stop the
			// stream.
			if err := s.handleEpoch(ctx, epoch); err != nil {
				log.Debugf("Processing %v: %v", epoch, err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *ChannelSwitch) handleEpoch(ctx context.Context,
	epoch *chainntnfs.BlockEpoch) error {

	if epoch.Height < 0 {
		return fmt.Errorf("invalid height in %v", epoch)
	}
	height := uint32(epoch.Height)

	if epoch.Disconnected {
		return s.DisconnectBlock(ctx, height, *epoch.Hash)
	}

	if epoch.Block == nil {
		return fmt.Errorf("%v without block", epoch)
	}

	return s.ConnectBlock(ctx, height, epoch.Block)
}
