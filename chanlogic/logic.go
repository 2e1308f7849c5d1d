package chanlogic

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/input"
	"github.com/lightningnetwork/lnode/lnutils"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/lightningnetwork/lnode/peer"
)

var (
	// ErrChanIDMismatch is returned when a message targets a different
	// channel than the one it is validated against.
	ErrChanIDMismatch = errors.New("channel id mismatch")

	// ErrInvalidHtlcID is returned when the peer skips or reuses an HTLC
	// index.
	ErrInvalidHtlcID = errors.New("invalid htlc id")

	// ErrInvalidHTLCAmt signals that a proposed HTLC carries no value or
	// more than the channel can hold.
	ErrInvalidHTLCAmt = errors.New("invalid htlc amount")

	// ErrHtlcExpired is returned for an HTLC whose expiry is not above
	// the current chain tip.
	ErrHtlcExpired = errors.New("htlc expiry not above tip")

	// ErrMaxHTLCNumber is returned when a proposed HTLC would exceed the
	// number of HTLCs we accept from the peer.
	ErrMaxHTLCNumber = errors.New("commitment transaction exceed max " +
		"htlc number")
)

// Config holds the collaborators of the channel logic.
type Config struct {
	// Sender delivers messages to connected peers.
	Sender peer.MessageSender
}

// Logic validates inbound channel messages and builds outbound ones. It holds
// no per-channel state: every call works on the channel it is handed.
type Logic struct {
	cfg Config
}

// New creates the channel logic.
func New(cfg Config) *Logic {
	return &Logic{cfg: cfg}
}

// ValidateChannelReady checks a channel_ready received from the peer. The
// message must target the channel and carry a usable next per-commitment
// point. If a channel_ready was already attached, only an identical
// retransmission is accepted.
func (l *Logic) ValidateChannelReady(ch *channeldb.OpenChannel,
	msg *lnwire.ChannelReady) bool {

	if msg == nil {
		log.Warnf("%v: nil channel_ready", ch)
		return false
	}

	if msg.ChanID != ch.ChanID() {
		log.Warnf("%v: channel_ready for %v: %v", ch, msg.ChanID,
			ErrChanIDMismatch)

		return false
	}

	point := msg.NextPerCommitmentPoint
	if point == nil {
		log.Warnf("%v: channel_ready without next per-commitment "+
			"point", ch)

		return false
	}

	// A point built outside the parser may not be on the curve, reparse
	// it to make sure.
	if _, err := btcec.ParsePubKey(point.SerializeCompressed()); err != nil {
		log.Warnf("%v: invalid next per-commitment point: %v", ch, err)
		return false
	}

	valid := true
	ch.ChannelReady().WhenSome(func(prev lnwire.ChannelReady) {
		if !prev.Equal(msg) {
			log.Warnf("%v: channel_ready differs from the one "+
				"received before (prev=%v, new=%v)", ch,
				lnutils.LogPubKey(prev.NextPerCommitmentPoint),
				lnutils.LogPubKey(point))

			valid = false
		}
	})

	return valid
}

// CreateChannelReady builds our channel_ready. It carries the per-commitment
// point of our second commitment, the first one having been exchanged during
// funding.
func (l *Logic) CreateChannelReady(
	ch *channeldb.OpenChannel) (*lnwire.ChannelReady, error) {

	secret, err := ch.RevocationProducer().AtIndex(1)
	if err != nil {
		return nil, fmt.Errorf("%v: unable to derive revocation: %w",
			ch, err)
	}

	nextPoint := input.ComputeCommitmentPoint(secret[:])

	log.Debugf("%v: created channel_ready with next point %v", ch,
		lnutils.LogPubKey(nextPoint))

	return lnwire.NewChannelReady(ch.ChanID(), nextPoint), nil
}

// SendMessage hands msg to the peer's transport.
func (l *Logic) SendMessage(ctx context.Context, pub *btcec.PublicKey,
	msg lnwire.Message) error {

	if err := l.cfg.Sender.SendMessage(ctx, pub, msg); err != nil {
		return fmt.Errorf("unable to send %v to %v: %w", msg.MsgType(),
			lnutils.LogPubKey(pub), err)
	}

	return nil
}

// ValidateUpdateAddHTLC checks an HTLC offered by the peer against the
// channel's bookkeeping and our constraints.
func (l *Logic) ValidateUpdateAddHTLC(ch *channeldb.OpenChannel,
	msg *lnwire.UpdateAddHTLC) error {

	switch {
	case msg.ChanID != ch.ChanID():
		return fmt.Errorf("%v: update_add_htlc for %v: %w", ch,
			msg.ChanID, ErrChanIDMismatch)

	case msg.ID != ch.NextHtlcIndex(channeldb.Remote):
		return fmt.Errorf("%v: htlc id %d, expected %d: %w", ch,
			msg.ID, ch.NextHtlcIndex(channeldb.Remote),
			ErrInvalidHtlcID)

	case msg.Amount == 0:
		return fmt.Errorf("%v: zero amount: %w", ch, ErrInvalidHTLCAmt)

	case msg.Amount > lnwire.NewMSatFromSatoshis(ch.Capacity):
		return fmt.Errorf("%v: amount %v above capacity %v: %w", ch,
			msg.Amount, ch.Capacity, ErrInvalidHTLCAmt)

	case msg.Expiry <= ch.LastBlockHeight():
		return fmt.Errorf("%v: expiry %d at tip %d: %w", ch,
			msg.Expiry, ch.LastBlockHeight(), ErrHtlcExpired)
	}

	var numRemote int
	for _, htlc := range ch.ActiveHtlcs() {
		if htlc.Offerer == channeldb.Remote {
			numRemote++
		}
	}

	maxHtlcs := int(ch.LocalChanCfg.MaxAcceptedHtlcs)
	if numRemote+1 > maxHtlcs {
		return fmt.Errorf("%v: %d htlcs, max %d: %w", ch, numRemote+1,
			maxHtlcs, ErrMaxHTLCNumber)
	}

	return nil
}
