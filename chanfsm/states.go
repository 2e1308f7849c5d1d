package chanfsm

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/protofsm"
)

// The states of a channel. A channel starts in StateAwaitingFundingDepth
// once funding negotiation is done.
const (
	// StateAwaitingFundingDepth waits for the funding output to confirm
	// and reach the required depth.
	StateAwaitingFundingDepth protofsm.StateName = "awaiting_funding_depth"

	// StateAwaitingChannelReady waits for the peer's channel_ready after
	// ours was sent.
	StateAwaitingChannelReady protofsm.StateName = "awaiting_channel_ready"

	// StateNormal is the operating state.
	StateNormal protofsm.StateName = "normal"

	// StateClosing waits for the transaction spending the funding output
	// to reach the required depth.
	StateClosing protofsm.StateName = "closing"

	// StateClosed is reached once the closing transaction is buried.
	StateClosed protofsm.StateName = "closed"

	// StateFailing is entered on any unrecoverable protocol failure.
	StateFailing protofsm.StateName = "failing"
)

// MaxWaitNumBlocksFundingConf is the maximum number of blocks to wait for
// the funding transaction to be confirmed before forgetting channels that
// aren't initiated by us. 2016 blocks is ~2 weeks.
const MaxWaitNumBlocksFundingConf = 2016

var (
	// ErrUnexpectedEvent is returned when a handler receives an event of
	// a type it was not registered for.
	ErrUnexpectedEvent = errors.New("unexpected event")

	// ErrFundingScriptMismatch is returned when the funding outpoint was
	// found but does not pay to the channel's 2-of-2 script.
	ErrFundingScriptMismatch = errors.New("funding output script mismatch")
)

// NewChannelTable builds the channel lifecycle state table. The observers
// are called after every dispatch.
func NewChannelTable(observers ...protofsm.DispatchObserver) (
	*protofsm.StateTable[*ChannelEnv], error) {

	table := protofsm.NewStateTable[*ChannelEnv](
		"channel", StateAwaitingFundingDepth,
	)

	table.AddState(StateAwaitingFundingDepth, false).
		AddState(StateAwaitingChannelReady, false).
		AddState(StateNormal, false).
		AddState(StateClosing, false).
		AddState(StateClosed, true).
		AddState(StateFailing, true)

	table.Handle(
		StateAwaitingFundingDepth, EventChannelReady,
		fundingDepthChannelReady,
	).Handle(
		StateAwaitingFundingDepth, EventBlockConnected,
		fundingDepthBlockConnected,
	).Handle(
		StateAwaitingFundingDepth, EventBlockDisconnected,
		fundingDepthBlockDisconnected,
	).Handle(
		StateAwaitingFundingDepth, EventPeerError, failOnPeerError,
	)

	table.Handle(
		StateAwaitingChannelReady, EventChannelReady,
		awaitingReadyChannelReady,
	).Handle(
		StateAwaitingChannelReady, EventBlockConnected,
		watchFundingSpend,
	).Handle(
		StateAwaitingChannelReady, EventBlockDisconnected,
		failOnFundingReorg,
	).Handle(
		StateAwaitingChannelReady, EventPeerError, failOnPeerError,
	)

	table.Handle(
		StateNormal, EventChannelReady, normalChannelReady,
	).Handle(
		StateNormal, EventUpdateAddHTLC, normalUpdateAddHTLC,
	).Handle(
		StateNormal, EventBlockConnected, watchFundingSpend,
	).Handle(
		StateNormal, EventBlockDisconnected, failOnFundingReorg,
	).Handle(
		StateNormal, EventPeerError, failOnPeerError,
	)

	table.Handle(
		StateClosing, EventBlockConnected, closingBlockConnected,
	).Handle(
		StateClosing, EventBlockDisconnected, closingBlockDisconnected,
	)

	for _, observer := range observers {
		table.RegisterObserver(observer)
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}

	return table, nil
}

// fundingDepthChannelReady handles a channel_ready that arrives before our
// funding reached depth. It is recorded, and we keep waiting for depth.
func fundingDepthChannelReady(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*ChannelReadyEvent](event)
	if err != nil {
		return "", err
	}

	if !env.Logic.ValidateChannelReady(env.Channel, ev.Msg) {
		log.Errorf("%v: invalid channel_ready, failing channel",
			env.Channel)

		return StateFailing, nil
	}

	if err := env.Channel.AttachChannelReady(ev.Msg); err != nil {
		return "", err
	}

	log.Infof("%v: received channel_ready before funding reached depth",
		env.Channel)

	return StateAwaitingFundingDepth, nil
}

// fundingDepthBlockConnected scans for the funding output until it confirms,
// and sends our channel_ready once it reaches the required depth.
func fundingDepthBlockConnected(ctx context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*BlockConnectedEvent](event)
	if err != nil {
		return "", err
	}

	ch := env.Channel
	ch.UpdateTip(ev.Height)

	if !ch.IsConfirmed() {
		return scanForFunding(ch, ev)
	}

	readyHeight, err := ch.ReadyHeight()
	if err != nil {
		return "", err
	}

	// Heights may be skipped during catch up, so depth is reached at or
	// above the ready height.
	if ev.Height < readyHeight {
		log.Tracef("%v: height %d, funding reaches depth at %d", ch,
			ev.Height, readyHeight)

		return StateAwaitingFundingDepth, nil
	}

	msg, err := env.Logic.CreateChannelReady(ch)
	if err != nil {
		return "", fmt.Errorf("%v: unable to create channel_ready: %w",
			ch, err)
	}

	// A failed send keeps us here, the next block retries it.
	if err := env.Logic.SendMessage(ctx, ch.IdentityPub, msg); err != nil {
		return "", err
	}

	log.Infof("%v: funding reached depth at height %d, sent "+
		"channel_ready", ch, ev.Height)

	if ch.HasChannelReady() {
		return StateNormal, nil
	}

	return StateAwaitingChannelReady, nil
}

// scanForFunding looks for the funding output in a connected block.
func scanForFunding(ch *channeldb.OpenChannel,
	ev *BlockConnectedEvent) (protofsm.StateName, error) {

	txOut, found := findFundingOutput(ev.Block, ch.FundingOutpoint)
	if !found {
		deadline := ch.FundingBroadcastHeight +
			MaxWaitNumBlocksFundingConf

		if !ch.IsInitiator && ev.Height >= deadline {
			log.Warnf("%v: funding not confirmed after %d blocks, "+
				"failing channel", ch,
				MaxWaitNumBlocksFundingConf)

			return StateFailing, nil
		}

		return StateAwaitingFundingDepth, nil
	}

	pkScript, err := ch.FundingPkScript()
	if err != nil {
		return "", err
	}

	if !bytes.Equal(txOut.PkScript, pkScript) {
		log.Errorf("%v: %v, failing channel", ch,
			ErrFundingScriptMismatch)

		return StateFailing, nil
	}

	if err := ch.MarkConfirmed(ev.Height, ev.Block.BlockHash()); err != nil {
		log.Errorf("%v: unable to mark confirmed: %v", ch, err)
		return "", err
	}

	log.Infof("%v: funding confirmed at height %d", ch, ev.Height)

	return StateAwaitingFundingDepth, nil
}

// fundingDepthBlockDisconnected un-confirms the funding if its block was
// reorged out, which re-arms the outpoint scan.
func fundingDepthBlockDisconnected(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*BlockDisconnectedEvent](event)
	if err != nil {
		return "", err
	}

	ch := env.Channel
	if ev.Height > 0 {
		ch.RewindTip(ev.Height - 1)
	}

	if ch.IsConfirmed() && ch.ConfirmingBlock() == ev.Hash {
		if err := ch.MarkUnconfirmed(ev.Hash); err != nil {
			return "", err
		}

		log.Warnf("%v: funding block %v disconnected, waiting for "+
			"confirmation again", ch, ev.Hash)
	}

	return StateAwaitingFundingDepth, nil
}

// awaitingReadyChannelReady completes the channel_ready exchange.
func awaitingReadyChannelReady(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*ChannelReadyEvent](event)
	if err != nil {
		return "", err
	}

	if !env.Logic.ValidateChannelReady(env.Channel, ev.Msg) {
		log.Errorf("%v: invalid channel_ready, failing channel",
			env.Channel)

		return StateFailing, nil
	}

	if err := env.Channel.AttachChannelReady(ev.Msg); err != nil {
		return "", err
	}

	log.Infof("%v: channel is open", env.Channel)

	return StateNormal, nil
}

// normalChannelReady accepts a retransmitted channel_ready.
func normalChannelReady(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*ChannelReadyEvent](event)
	if err != nil {
		return "", err
	}

	if !env.Logic.ValidateChannelReady(env.Channel, ev.Msg) {
		log.Errorf("%v: invalid channel_ready, failing channel",
			env.Channel)

		return StateFailing, nil
	}

	if err := env.Channel.AttachChannelReady(ev.Msg); err != nil {
		return "", err
	}

	return StateNormal, nil
}

// normalUpdateAddHTLC records an HTLC offered by the peer.
func normalUpdateAddHTLC(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*UpdateAddHTLCEvent](event)
	if err != nil {
		return "", err
	}

	ch := env.Channel
	if err := env.Logic.ValidateUpdateAddHTLC(ch, ev.Msg); err != nil {
		log.Errorf("%v: invalid update_add_htlc: %v", ch, err)
		return StateFailing, nil
	}

	err = ch.AddHTLC(channeldb.HTLC{
		Offerer:       channeldb.Remote,
		ID:            ev.Msg.ID,
		Amt:           ev.Msg.Amount,
		RHash:         ev.Msg.PaymentHash,
		RefundTimeout: ev.Msg.Expiry,
	})
	if err != nil {
		return "", err
	}

	log.Debugf("%v: added remote htlc %d of %v", ch, ev.Msg.ID,
		ev.Msg.Amount)

	return StateNormal, nil
}

// openState is the non-closing state a channel returns to.
func openState(ch *channeldb.OpenChannel) protofsm.StateName {
	if ch.HasChannelReady() {
		return StateNormal
	}

	return StateAwaitingChannelReady
}

// watchFundingSpend looks for the transaction spending the funding output
// and moves the channel to closing once it is seen.
func watchFundingSpend(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*BlockConnectedEvent](event)
	if err != nil {
		return "", err
	}

	ch := env.Channel
	ch.UpdateTip(ev.Height)

	spendTx, found := findFundingSpend(ev.Block, ch.FundingOutpoint)
	if !found {
		return openState(ch), nil
	}

	spend := channeldb.FundingSpend{
		SpendTxid:   spendTx.TxHash(),
		SpendHeight: ev.Height,
		SpendBlock:  ev.Block.BlockHash(),
		CloseType:   classifyClose(ch, spendTx),
	}
	if err := ch.MarkFundingSpent(spend); err != nil {
		return "", err
	}

	log.Infof("%v: funding spent by %v at height %d (%v)", ch,
		spend.SpendTxid, ev.Height, spend.CloseType)

	return StateClosing, nil
}

// failOnFundingReorg fails the channel if the block that confirmed the
// funding is disconnected after channel_ready was sent.
func failOnFundingReorg(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*BlockDisconnectedEvent](event)
	if err != nil {
		return "", err
	}

	ch := env.Channel
	if ev.Height > 0 {
		ch.RewindTip(ev.Height - 1)
	}

	if ch.ConfirmingBlock() == ev.Hash {
		log.Errorf("%v: funding block %v disconnected after "+
			"channel_ready, failing channel", ch, ev.Hash)

		return StateFailing, nil
	}

	return openState(ch), nil
}

// closingBlockConnected closes the channel once the spend is buried.
func closingBlockConnected(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*BlockConnectedEvent](event)
	if err != nil {
		return "", err
	}

	ch := env.Channel
	ch.UpdateTip(ev.Height)

	closeHeight, err := ch.CloseReadyHeight()
	if err != nil {
		return "", err
	}

	if ev.Height < closeHeight {
		return StateClosing, nil
	}

	log.Infof("%v: closing transaction buried at height %d, channel "+
		"closed", ch, ev.Height)

	return StateClosed, nil
}

// closingBlockDisconnected reverts to the open state if the spend was
// reorged out.
func closingBlockDisconnected(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*BlockDisconnectedEvent](event)
	if err != nil {
		return "", err
	}

	ch := env.Channel
	if ev.Height > 0 {
		ch.RewindTip(ev.Height - 1)
	}

	if ch.ConfirmingBlock() == ev.Hash {
		log.Errorf("%v: funding block %v disconnected while closing, "+
			"failing channel", ch, ev.Hash)

		return StateFailing, nil
	}

	spend, err := ch.FundingSpend().UnwrapOrErr(channeldb.ErrFundingNotSpent)
	if err != nil {
		return "", err
	}

	if spend.SpendBlock != ev.Hash {
		return StateClosing, nil
	}

	if err := ch.ClearFundingSpend(ev.Hash); err != nil {
		return "", err
	}

	log.Warnf("%v: spend %v reorged out", ch, spend.SpendTxid)

	return openState(ch), nil
}

// failOnPeerError fails the channel when the peer sends an error for it.
func failOnPeerError(_ context.Context, env *ChannelEnv,
	event protofsm.Event) (protofsm.StateName, error) {

	ev, err := eventAs[*PeerErrorEvent](event)
	if err != nil {
		return "", err
	}

	log.Errorf("%v: peer sent error: %v", env.Channel,
		string(ev.Msg.Data))

	return StateFailing, nil
}
