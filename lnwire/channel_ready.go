package lnwire

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// ChannelReady is the message that both parties to a new channel creation
// send once they have observed the funding transaction being confirmed on the
// blockchain. It carries the second per-commitment point, which the receiver
// needs before it can sign the first state update.
type ChannelReady struct {
	// ChanID is the outpoint of the channel's funding transaction. This
	// can be used to query for the channel in the database.
	ChanID ChannelID

	// NextPerCommitmentPoint is the secret that can be used to revoke the
	// next commitment transaction for the channel.
	NextPerCommitmentPoint *btcec.PublicKey
}

// NewChannelReady creates a new ChannelReady message, populating it with the
// necessary IDs and revocation secret.
func NewChannelReady(cid ChannelID, npcp *btcec.PublicKey) *ChannelReady {
	return &ChannelReady{
		ChanID:                 cid,
		NextPerCommitmentPoint: npcp,
	}
}

// A compile time check to ensure ChannelReady implements the lnwire.Message
// interface.
var _ Message = (*ChannelReady)(nil)

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (c *ChannelReady) MsgType() MessageType {
	return MsgChannelReady
}

// TargetChanID returns the channel id of the link for which this message is
// intended.
//
// NOTE: Part of the LinkUpdater interface.
func (c *ChannelReady) TargetChanID() ChannelID {
	return c.ChanID
}

// Equal reports whether two ChannelReady messages carry the same payload.
func (c *ChannelReady) Equal(other *ChannelReady) bool {
	switch {
	case c == nil || other == nil:
		return c == other

	case c.ChanID != other.ChanID:
		return false

	case c.NextPerCommitmentPoint == nil ||
		other.NextPerCommitmentPoint == nil:

		return c.NextPerCommitmentPoint == other.NextPerCommitmentPoint
	}

	return c.NextPerCommitmentPoint.IsEqual(other.NextPerCommitmentPoint)
}
