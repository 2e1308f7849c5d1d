package lnwire

import "fmt"

// Warning is used to express non-critical errors in the protocol, providing
// a "soft" way for nodes to communicate failures. Unlike Error, it does not
// fail the channel.
type Warning struct {
	// ChanID identifies the channel the warning relates to, or all
	// channels when it is ConnectionWideID.
	ChanID ChannelID

	// Data is the attached warning data that describes the problem.
	Data WarningData
}

// WarningData is the free form content of a Warning.
type WarningData []byte

// NewWarning creates a new Warning message for the target channel.
func NewWarning(cid ChannelID, reason string) *Warning {
	return &Warning{
		ChanID: cid,
		Data:   WarningData(reason),
	}
}

// A compile time check to ensure Warning implements the lnwire.Message
// interface.
var _ Message = (*Warning)(nil)

// Warning returns the string representation of the warning.
func (c *Warning) Warning() string {
	return fmt.Sprintf("chan_id=%v, warning=%v", c.ChanID, string(c.Data))
}

// MsgType returns the integer uniquely identifying a Warning message on the
// wire.
//
// This is part of the lnwire.Message interface.
func (c *Warning) MsgType() MessageType {
	return MsgWarning
}

// TargetChanID returns the channel id the warning relates to.
func (c *Warning) TargetChanID() ChannelID {
	return c.ChanID
}
