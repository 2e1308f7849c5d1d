package peer

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnode/lnwire"
)

// MessageSender delivers a message to a connected peer.
type MessageSender interface {
	// SendMessage hands msg to the transport of the peer identified by
	// pub. A nil error means the message was accepted for delivery, not
	// that the peer received it.
	SendMessage(ctx context.Context, pub *btcec.PublicKey,
		msg lnwire.Message) error
}

// MessageWriter is the transport seam of a single peer connection. Framing
// and encryption live behind it.
type MessageWriter interface {
	// WriteMessage writes a single message to the connection.
	WriteMessage(ctx context.Context, msg lnwire.Message) error
}

// InboundMsg is a message received from a peer together with the identity of
// the sender.
type InboundMsg struct {
	// Peer is the identity key of the sender.
	Peer *btcec.PublicKey

	// Msg is the received message.
	Msg lnwire.Message
}
