package chanfsm

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/lnwire"
)

// ChannelLogic validates peer messages and builds our own for a channel. The
// state handlers consult it and never validate on their own.
type ChannelLogic interface {
	// ValidateChannelReady reports whether the peer's channel_ready may
	// be attached to the channel.
	ValidateChannelReady(ch *channeldb.OpenChannel,
		msg *lnwire.ChannelReady) bool

	// CreateChannelReady builds our channel_ready.
	CreateChannelReady(ch *channeldb.OpenChannel) (*lnwire.ChannelReady,
		error)

	// SendMessage delivers a message to the peer. It may block, the
	// channel is held for the duration.
	SendMessage(ctx context.Context, pub *btcec.PublicKey,
		msg lnwire.Message) error

	// ValidateUpdateAddHTLC checks an HTLC offered by the peer.
	ValidateUpdateAddHTLC(ch *channeldb.OpenChannel,
		msg *lnwire.UpdateAddHTLC) error
}

// ChannelStore persists channel snapshots.
type ChannelStore interface {
	// PutChannel atomically writes the channel and its state name.
	PutChannel(ch *channeldb.OpenChannel, state string) error

	// FetchAllChannels returns the snapshots of all open channels.
	FetchAllChannels() ([]*channeldb.ChannelSnapshot, error)

	// ArchiveChannel moves a closed channel out of the open set.
	ArchiveChannel(ch *channeldb.OpenChannel, state string) error
}

// ChannelEnv is what a state handler operates on while processing a single
// event. Channel is a working copy owned by the handler until it returns,
// and must not be retained.
type ChannelEnv struct {
	// Channel is the channel the event is for.
	Channel *channeldb.OpenChannel

	// Logic validates and builds messages.
	Logic ChannelLogic
}
