package lnwire

import "fmt"

// ErrorData is a set of bytes associated with a particular sent error. A
// receiving node SHOULD only print out data verbatim if the string is composed
// solely of printable ASCII characters.
type ErrorData []byte

// Error represents a generic error bound to an exact channel. A ChanID of
// ConnectionWideID refers to every channel with the peer.
type Error struct {
	// ChanID references the active channel in which the error occurred
	// within. If the ChanID is all zeros, then this error applies to the
	// entire established connection.
	ChanID ChannelID

	// Data is the attached error data that describes the exact failure
	// which caused the error message to be sent.
	Data ErrorData
}

// NewError creates a new Error message for the target channel.
func NewError(cid ChannelID, reason string) *Error {
	return &Error{
		ChanID: cid,
		Data:   ErrorData(reason),
	}
}

// A compile time check to ensure Error implements the lnwire.Message
// interface.
var _ Message = (*Error)(nil)

// Error returns the string representation to Error.
//
// NOTE: Satisfies the error interface.
func (c *Error) Error() string {
	return fmt.Sprintf("chan_id=%v, err=%v", c.ChanID, string(c.Data))
}

// MsgType returns the integer uniquely identifying an Error message on the
// wire.
//
// This is part of the lnwire.Message interface.
func (c *Error) MsgType() MessageType {
	return MsgError
}

// TargetChanID returns the channel id of the link for which this message is
// intended.
//
// NOTE: Part of the LinkUpdater interface.
func (c *Error) TargetChanID() ChannelID {
	return c.ChanID
}
