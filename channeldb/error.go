package channeldb

import "errors"

var (
	// ErrChannelNotFound is returned when a channel is not present in the
	// open channel bucket.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrCorruptedChannelState is returned when the on-disk bucket
	// structure is missing a top level bucket.
	ErrCorruptedChannelState = errors.New("channel state db has been " +
		"corrupted")

	// ErrChannelReadyMismatch is returned when a channel_ready payload is
	// attached to a channel that already holds a different one.
	ErrChannelReadyMismatch = errors.New("channel already has a " +
		"different channel_ready attached")

	// ErrFundingNotConfirmed is returned when a value that depends on the
	// funding confirmation height is requested before the funding output
	// has been seen in a block.
	ErrFundingNotConfirmed = errors.New("funding output not confirmed")

	// ErrConfirmedHeightMismatch is returned when the funding output is
	// marked confirmed at a height different from the recorded one.
	ErrConfirmedHeightMismatch = errors.New("funding output already " +
		"confirmed at a different height")

	// ErrFundingBlockMismatch is returned when rolling back a
	// confirmation for a block other than the one that confirmed the
	// funding output.
	ErrFundingBlockMismatch = errors.New("block did not confirm the " +
		"funding output")

	// ErrFundingNotSpent is returned when closing information is requested
	// for a channel whose funding output has not been spent.
	ErrFundingNotSpent = errors.New("funding output not spent")

	// ErrFundingSpendMismatch is returned when a second, different spend
	// of the funding output is recorded.
	ErrFundingSpendMismatch = errors.New("funding output already spent " +
		"by a different transaction")

	// ErrSpendBlockMismatch is returned when rolling back a funding spend
	// for a block other than the one that contained it.
	ErrSpendBlockMismatch = errors.New("block did not contain the " +
		"funding spend")

	// ErrHtlcIndexMismatch is returned when an HTLC is added whose id is
	// not the next index of the offering party.
	ErrHtlcIndexMismatch = errors.New("htlc id is not the next index")

	// ErrHtlcNotFound is returned when removing an unknown HTLC.
	ErrHtlcNotFound = errors.New("htlc not found")

	// ErrNoCommitPoint is returned when deriving commitment keys before
	// the commitment point for that state is known.
	ErrNoCommitPoint = errors.New("commitment point not known")
)
