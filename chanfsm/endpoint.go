package chanfsm

import (
	"context"

	"github.com/lightningnetwork/lnode/lnutils"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/lightningnetwork/lnode/peer"
	"github.com/lightningnetwork/lnode/protofsm"
)

// EndpointName is the name the switch registers with the message router.
const EndpointName = "chanfsm"

// MsgEndpoint adapts a ChannelSwitch to the peer message router.
type MsgEndpoint struct {
	sw *ChannelSwitch
}

// A compile time check to ensure MsgEndpoint implements the peer.MsgEndpoint
// interface.
var _ peer.MsgEndpoint = (*MsgEndpoint)(nil)

// NewMsgEndpoint creates a router endpoint feeding sw.
func NewMsgEndpoint(sw *ChannelSwitch) *MsgEndpoint {
	return &MsgEndpoint{sw: sw}
}

// Name returns the endpoint name.
func (e *MsgEndpoint) Name() peer.EndPointName {
	return EndpointName
}

// CanHandle returns true for the channel messages the state machine
// consumes.
func (e *MsgEndpoint) CanHandle(msg peer.InboundMsg) bool {
	switch msg.Msg.(type) {
	case *lnwire.ChannelReady, *lnwire.UpdateAddHTLC, *lnwire.Error,
		*lnwire.Warning:

		return true

	default:
		return false
	}
}

// SendMessage turns the message into an event for the channels it targets.
// Messages for channels the sender is not party to are dropped.
func (e *MsgEndpoint) SendMessage(ctx context.Context,
	msg peer.InboundMsg) bool {

	var (
		event  protofsm.Event
		target lnwire.ChannelID
	)
	switch m := msg.Msg.(type) {
	case *lnwire.ChannelReady:
		event, target = &ChannelReadyEvent{Msg: m}, m.ChanID

	case *lnwire.UpdateAddHTLC:
		event, target = &UpdateAddHTLCEvent{Msg: m}, m.ChanID

	case *lnwire.Error:
		event, target = &PeerErrorEvent{Msg: m}, m.ChanID

	case *lnwire.Warning:
		log.Warnf("Peer %v sent warning for %v: %s",
			lnutils.LogPubKey(msg.Peer), m.ChanID, string(m.Data))

		return true

	default:
		return false
	}

	targets := []lnwire.ChannelID{target}
	if target == lnwire.ConnectionWideID {
		targets = e.sw.ChannelsWithPeer(msg.Peer)
	}

	var handled bool
	for _, chanID := range targets {
		ch, err := e.sw.Channel(chanID)
		if err != nil {
			log.Debugf("Dropping %v from %v: %v", msg.Msg.MsgType(),
				lnutils.LogPubKey(msg.Peer), err)

			continue
		}

		if !ch.IdentityPub.IsEqual(msg.Peer) {
			log.Warnf("Peer %v sent %v for %v owned by another "+
				"peer", lnutils.LogPubKey(msg.Peer),
				msg.Msg.MsgType(), ch)

			continue
		}

		state, err := e.sw.ProcessEvent(ctx, chanID, event)
		if err != nil {
			log.Errorf("Unable to process %v for %v: %v",
				msg.Msg.MsgType(), ch, err)

			continue
		}

		log.Debugf("%v in state %v after %v", ch, state,
			msg.Msg.MsgType())

		handled = true
	}

	return handled
}
