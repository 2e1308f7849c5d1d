package lnwire

import "fmt"

// MessageType is the unique 2 byte big-endian integer that indicates the type
// of message on the wire. Framing and field encoding are handled by the
// transport; within the node messages travel as the typed values below.
type MessageType uint16

// The message types the channel lifecycle core produces or consumes.
const (
	MsgWarning       MessageType = 1
	MsgError         MessageType = 17
	MsgChannelReady  MessageType = 36
	MsgUpdateAddHTLC MessageType = 128
)

// String return the string representation of message type.
func (t MessageType) String() string {
	switch t {
	case MsgWarning:
		return "Warning"
	case MsgError:
		return "Error"
	case MsgChannelReady:
		return "ChannelReady"
	case MsgUpdateAddHTLC:
		return "UpdateAddHTLC"
	default:
		return fmt.Sprintf("<unknown:%d>", uint16(t))
	}
}

// Message is an interface that defines a lightning wire protocol message. The
// interface is general in order to allow implementing types full control over
// the representation of its data.
type Message interface {
	// MsgType returns a MessageType that uniquely identifies the message to
	// be encoded.
	MsgType() MessageType
}

// LinkUpdater is an interface implemented by most messages in BOLT 2 that are
// allowed to update the channel state.
type LinkUpdater interface {
	Message

	// TargetChanID returns the channel id of the link for which this
	// message is intended.
	TargetChanID() ChannelID
}
