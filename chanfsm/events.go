package chanfsm

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/lightningnetwork/lnode/protofsm"
)

// Event types accepted by the channel state machine.
const (
	// EventChannelReady is the peer's channel_ready.
	EventChannelReady protofsm.EventType = "channel_ready"

	// EventBlockConnected is a block added to the main chain.
	EventBlockConnected protofsm.EventType = "block_connected"

	// EventBlockDisconnected is a block removed from the main chain by a
	// reorg.
	EventBlockDisconnected protofsm.EventType = "block_disconnected"

	// EventUpdateAddHTLC is an HTLC offered by the peer.
	EventUpdateAddHTLC protofsm.EventType = "update_add_htlc"

	// EventPeerError is an error message sent by the peer.
	EventPeerError protofsm.EventType = "peer_error"
)

// ChannelReadyEvent carries the peer's channel_ready.
type ChannelReadyEvent struct {
	Msg *lnwire.ChannelReady
}

// EventType returns the event type of the channel_ready.
func (e *ChannelReadyEvent) EventType() protofsm.EventType {
	return EventChannelReady
}

// BlockConnectedEvent carries a block that was connected to the main chain.
// Blocks are delivered in increasing height order, but heights may be
// skipped.
type BlockConnectedEvent struct {
	// Height is the height of the block.
	Height uint32

	// Block is the full block.
	Block *wire.MsgBlock
}

// EventType returns the event type of a connected block.
func (e *BlockConnectedEvent) EventType() protofsm.EventType {
	return EventBlockConnected
}

// String returns a short description for logging.
func (e *BlockConnectedEvent) String() string {
	return fmt.Sprintf("block %v connected at height %d",
		e.Block.BlockHash(), e.Height)
}

// BlockDisconnectedEvent carries a block that was removed from the main chain.
type BlockDisconnectedEvent struct {
	// Height is the height the block had.
	Height uint32

	// Hash is the hash of the block.
	Hash chainhash.Hash
}

// EventType returns the event type of a disconnected block.
func (e *BlockDisconnectedEvent) EventType() protofsm.EventType {
	return EventBlockDisconnected
}

// String returns a short description for logging.
func (e *BlockDisconnectedEvent) String() string {
	return fmt.Sprintf("block %v disconnected at height %d", e.Hash,
		e.Height)
}

// UpdateAddHTLCEvent carries an HTLC offered by the peer.
type UpdateAddHTLCEvent struct {
	Msg *lnwire.UpdateAddHTLC
}

// EventType returns the event type of an offered HTLC.
func (e *UpdateAddHTLCEvent) EventType() protofsm.EventType {
	return EventUpdateAddHTLC
}

// PeerErrorEvent carries an error message sent by the peer.
type PeerErrorEvent struct {
	Msg *lnwire.Error
}

// EventType returns the event type of a peer error.
func (e *PeerErrorEvent) EventType() protofsm.EventType {
	return EventPeerError
}

// eventAs asserts the concrete type of an event. The table only routes an
// event type to handlers written for it, so a mismatch is a programming
// error.
func eventAs[T protofsm.Event](event protofsm.Event) (T, error) {
	typed, ok := event.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %T for %v", ErrUnexpectedEvent,
			event, event.EventType())
	}

	return typed, nil
}
