package channeldb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnode/input"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/lightningnetwork/lnode/shachain"
)

// ChannelParty is a type used to have an unambiguous description of which node
// is being referred to.
type ChannelParty uint8

const (
	// Local is a ChannelParty constructor that is used to refer to the
	// node that is running.
	Local ChannelParty = iota

	// Remote is a ChannelParty constructor that is used to refer to the
	// node on the other end of the peer connection.
	Remote
)

// String provides a string representation of ChannelParty (useful for
// logging).
func (p ChannelParty) String() string {
	switch p {
	case Local:
		return "Local"
	case Remote:
		return "Remote"
	default:
		return fmt.Sprintf("ChannelParty(%d)", uint8(p))
	}
}

// CounterParty inverts the role of the ChannelParty.
func (p ChannelParty) CounterParty() ChannelParty {
	if p == Local {
		return Remote
	}

	return Local
}

// ChannelConfig is a struct that houses the various configuration opens for
// channels. Each side of a channel will have its own instance of this
// structure, set during the funding workflow and immutable afterwards.
type ChannelConfig struct {
	// FundingKey is the key to be used within the 2-of-2 output script for
	// the owner of this channel config.
	FundingKey *btcec.PublicKey

	// RevocationBasePoint is the base public key to be used when deriving
	// revocation keys for the remote node's commitment transaction.
	RevocationBasePoint *btcec.PublicKey

	// PaymentBasePoint is the base public key to be used when deriving
	// the key used within the non-delayed pay-to-self output on the
	// commitment transaction for a node.
	PaymentBasePoint *btcec.PublicKey

	// DelayBasePoint is the base public key to be used when deriving the
	// key used within the delayed pay-to-self output on the commitment
	// transaction for a node.
	DelayBasePoint *btcec.PublicKey

	// HtlcBasePoint is the base public key to be used when deriving the
	// local HTLC key.
	HtlcBasePoint *btcec.PublicKey

	// CsvDelay is the relative time lock delay expressed in blocks. Any
	// settled outputs that pay to the owner of this channel configuration
	// MUST ensure that the delay branch uses this value as the relative
	// time lock.
	CsvDelay uint16

	// ChanReserve is an absolute reservation on the channel for the owner
	// of this set of constraints.
	ChanReserve btcutil.Amount

	// DustLimit is the threshold (in satoshis) below which any outputs
	// should be trimmed.
	DustLimit btcutil.Amount

	// MaxAcceptedHtlcs is the maximum number of HTLCs that the owner of
	// this set of constraints can offer the counterparty.
	MaxAcceptedHtlcs uint16
}

// ChannelCommitment tracks the per-commitment points of one party's chain of
// commitment transactions.
type ChannelCommitment struct {
	// CommitHeight is the update number that this ChannelCommitment
	// represents. It only ever increases.
	CommitHeight uint64

	// CurrentPoint is the per-commitment point of the current state.
	CurrentPoint *btcec.PublicKey

	// NextPoint is the per-commitment point of the next state, if known.
	NextPoint *btcec.PublicKey
}

// HTLC is the on-channel representation of a hash time-locked contract.
type HTLC struct {
	// Offerer is the party that added the HTLC and assigned its id.
	Offerer ChannelParty

	// ID is the offerer's index for this HTLC.
	ID uint64

	// Amt is the amount of milli-satoshis this HTLC escrows.
	Amt lnwire.MilliSatoshi

	// RHash is the payment hash of the HTLC.
	RHash [32]byte

	// RefundTimeout is the absolute timeout on the HTLC that the sender
	// must wait before reclaiming the funds in limbo.
	RefundTimeout uint32
}

// htlcKey uniquely identifies an HTLC within a channel.
type htlcKey struct {
	offerer ChannelParty
	id      uint64
}

// CloseType is an enum which signals the type of channel closure the peer
// should execute.
type CloseType uint8

const (
	// CooperativeClose indicates that a channel was closed with a
	// transaction paying to neither party's delayed output.
	CooperativeClose CloseType = 0

	// LocalForceClose indicates that we broadcast our own commitment.
	LocalForceClose CloseType = 1

	// RemoteForceClose indicates that the remote peer broadcast their
	// commitment.
	RemoteForceClose CloseType = 2
)

// String returns a human readable close type.
func (c CloseType) String() string {
	switch c {
	case CooperativeClose:
		return "CooperativeClose"
	case LocalForceClose:
		return "LocalForceClose"
	case RemoteForceClose:
		return "RemoteForceClose"
	default:
		return fmt.Sprintf("CloseType(%d)", uint8(c))
	}
}

// FundingSpend records the transaction that spent the funding output.
type FundingSpend struct {
	// SpendTxid is the txid of the spending transaction.
	SpendTxid chainhash.Hash

	// SpendHeight is the height of the block containing the spend.
	SpendHeight uint32

	// SpendBlock is the hash of the block containing the spend.
	SpendBlock chainhash.Hash

	// CloseType is the classification of the spend.
	CloseType CloseType
}

// OpenChannel encapsulates the persistent and dynamic state of a channel.
//
// The exported fields are fixed during funding. Confirmation, readiness, tip
// tracking, HTLCs and closing are only changed through the methods below, so
// every change is visible to the state machine driving the channel.
type OpenChannel struct {
	// IdentityPub is the identity public key of the remote node this
	// channel has been established with.
	IdentityPub *btcec.PublicKey

	// FundingOutpoint is the outpoint of the final funding transaction.
	// This value uniquely and globally identifies the channel within the
	// target blockchain as specified by the chain hash parameter.
	FundingOutpoint wire.OutPoint

	// Capacity is the total capacity of this channel.
	Capacity btcutil.Amount

	// IsInitiator is a bool which indicates if we were the original
	// initiator for the channel.
	IsInitiator bool

	// LocalChanCfg is the channel configuration for the local node.
	LocalChanCfg ChannelConfig

	// RemoteChanCfg is the channel configuration for the remote node.
	RemoteChanCfg ChannelConfig

	// FeePerKw is the commitment fee rate in sat/kw.
	FeePerKw uint32

	// RequiredDepth is the number of confirmations the funding output
	// must reach before the channel becomes usable.
	RequiredDepth uint32

	// FundingBroadcastHeight is the height at which the funding
	// transaction was broadcast.
	FundingBroadcastHeight uint32

	// LocalCommitment is the current local commitment state.
	LocalCommitment ChannelCommitment

	// RemoteCommitment is the current remote commitment state.
	RemoteCommitment ChannelCommitment

	// RevocationRoot is the root of the shachain used to generate our
	// per-commitment secrets.
	RevocationRoot chainhash.Hash

	confirmedHeight fn.Option[uint32]
	confirmingBlock chainhash.Hash

	lastBlockHeight uint32

	channelReady *lnwire.ChannelReady

	htlcs         map[htlcKey]HTLC
	nextHtlcIndex [2]uint64

	fundingSpend fn.Option[FundingSpend]

	fundingScriptOnce sync.Once
	fundingScript     []byte
	fundingPkScript   []byte
	fundingScriptErr  error
}

// ChanID returns the channel id derived from the funding outpoint.
func (c *OpenChannel) ChanID() lnwire.ChannelID {
	return lnwire.NewChanIDFromOutPoint(c.FundingOutpoint)
}

// String returns a short description for logging.
func (c *OpenChannel) String() string {
	return fmt.Sprintf("ChannelPoint(%v)", c.FundingOutpoint)
}

// RevocationProducer returns the shachain producer for our per-commitment
// secrets.
func (c *OpenChannel) RevocationProducer() shachain.Producer {
	return shachain.NewRevocationProducer(c.RevocationRoot)
}

// chanCfg returns the config of the given party.
func (c *OpenChannel) chanCfg(party ChannelParty) *ChannelConfig {
	if party == Local {
		return &c.LocalChanCfg
	}

	return &c.RemoteChanCfg
}

// commitment returns the commitment state of the given party.
func (c *OpenChannel) commitment(party ChannelParty) *ChannelCommitment {
	if party == Local {
		return &c.LocalCommitment
	}

	return &c.RemoteCommitment
}

// FundingScript returns the 2-of-2 witness script of the funding output. It is
// derived once from the immutable funding keys.
func (c *OpenChannel) FundingScript() ([]byte, error) {
	c.deriveFundingScripts()
	return c.fundingScript, c.fundingScriptErr
}

// FundingPkScript returns the p2wsh output script of the funding output.
func (c *OpenChannel) FundingPkScript() ([]byte, error) {
	c.deriveFundingScripts()
	return c.fundingPkScript, c.fundingScriptErr
}

func (c *OpenChannel) deriveFundingScripts() {
	c.fundingScriptOnce.Do(func() {
		local, remote := c.LocalChanCfg.FundingKey,
			c.RemoteChanCfg.FundingKey
		if local == nil || remote == nil {
			c.fundingScriptErr = fmt.Errorf("%v: missing funding "+
				"key", c)
			return
		}

		c.fundingScript, c.fundingScriptErr = input.GenMultiSigScript(
			local.SerializeCompressed(),
			remote.SerializeCompressed(),
		)
		if c.fundingScriptErr != nil {
			return
		}

		c.fundingPkScript, c.fundingScriptErr = input.WitnessScriptHash(
			c.fundingScript,
		)
	})
}

// HasChannelReady reports whether the peer's channel_ready has been attached.
func (c *OpenChannel) HasChannelReady() bool {
	return c.channelReady != nil
}

// ChannelReady returns the attached channel_ready payload, if any.
func (c *OpenChannel) ChannelReady() fn.Option[lnwire.ChannelReady] {
	if c.channelReady == nil {
		return fn.None[lnwire.ChannelReady]()
	}

	return fn.Some(*c.channelReady)
}

// AttachChannelReady records the peer's channel_ready. Attaching an identical
// payload again is a no-op, while a different payload is refused with
// ErrChannelReadyMismatch. The payload is not validated here.
func (c *OpenChannel) AttachChannelReady(msg *lnwire.ChannelReady) error {
	if msg == nil {
		return fmt.Errorf("%v: nil channel_ready", c)
	}

	if c.channelReady != nil {
		if c.channelReady.Equal(msg) {
			return nil
		}

		return fmt.Errorf("%v: %w", c, ErrChannelReadyMismatch)
	}

	ready := *msg
	c.channelReady = &ready

	// The peer's next point becomes the point of their next commitment.
	c.RemoteCommitment.NextPoint = ready.NextPerCommitmentPoint

	return nil
}

// IsConfirmed reports whether the funding output has been seen in a block.
func (c *OpenChannel) IsConfirmed() bool {
	return c.confirmedHeight.IsSome()
}

// ConfirmedHeight returns the height of the block that confirmed the funding
// output, if any.
func (c *OpenChannel) ConfirmedHeight() fn.Option[uint32] {
	return c.confirmedHeight
}

// ConfirmingBlock returns the hash of the block that confirmed the funding
// output. It is the zero hash while unconfirmed.
func (c *OpenChannel) ConfirmingBlock() chainhash.Hash {
	return c.confirmingBlock
}

// MarkConfirmed records the block that confirmed the funding output. Marking
// the same height again is a no-op. A different height means a rollback was
// skipped and is refused with ErrConfirmedHeightMismatch.
func (c *OpenChannel) MarkConfirmed(height uint32,
	blockHash chainhash.Hash) error {

	current, err := c.confirmedHeight.UnwrapOrErr(ErrFundingNotConfirmed)
	if err == nil {
		if current == height {
			return nil
		}

		return fmt.Errorf("%v: confirmed at %d, asked to mark %d: %w",
			c, current, height, ErrConfirmedHeightMismatch)
	}

	c.confirmedHeight = fn.Some(height)
	c.confirmingBlock = blockHash

	return nil
}

// MarkUnconfirmed clears the confirmation after the confirming block was
// disconnected.
func (c *OpenChannel) MarkUnconfirmed(blockHash chainhash.Hash) error {
	if c.confirmedHeight.IsNone() {
		return fmt.Errorf("%v: %w", c, ErrFundingNotConfirmed)
	}
	if c.confirmingBlock != blockHash {
		return fmt.Errorf("%v: %w", c, ErrFundingBlockMismatch)
	}

	c.confirmedHeight = fn.None[uint32]()
	c.confirmingBlock = chainhash.Hash{}

	return nil
}

// ReadyHeight returns the height at which the funding output reaches the
// required depth. It is never evaluated before confirmation.
func (c *OpenChannel) ReadyHeight() (uint32, error) {
	confirmed, err := c.confirmedHeight.UnwrapOrErr(ErrFundingNotConfirmed)
	if err != nil {
		return 0, err
	}

	return confirmed + c.RequiredDepth, nil
}

// LastBlockHeight returns the height of the most recent block processed for
// this channel.
func (c *OpenChannel) LastBlockHeight() uint32 {
	return c.lastBlockHeight
}

// UpdateTip records a processed block height. Lower heights are ignored so
// the recorded tip only moves forward.
func (c *OpenChannel) UpdateTip(height uint32) {
	if height > c.lastBlockHeight {
		c.lastBlockHeight = height
	}
}

// RewindTip moves the recorded tip back after a block was disconnected.
func (c *OpenChannel) RewindTip(height uint32) {
	if height < c.lastBlockHeight {
		c.lastBlockHeight = height
	}
}

// NextHtlcIndex returns the id the given party must use for its next HTLC.
func (c *OpenChannel) NextHtlcIndex(party ChannelParty) uint64 {
	return c.nextHtlcIndex[party]
}

// AddHTLC records a new HTLC. Ids are assigned by the offering party in
// strictly increasing order without gaps, anything else is refused with
// ErrHtlcIndexMismatch.
func (c *OpenChannel) AddHTLC(htlc HTLC) error {
	if htlc.Offerer != Local && htlc.Offerer != Remote {
		return fmt.Errorf("%v: invalid offerer %v", c, htlc.Offerer)
	}

	want := c.nextHtlcIndex[htlc.Offerer]
	if htlc.ID != want {
		return fmt.Errorf("%v: %v htlc id %d, expected %d: %w", c,
			htlc.Offerer, htlc.ID, want, ErrHtlcIndexMismatch)
	}

	if c.htlcs == nil {
		c.htlcs = make(map[htlcKey]HTLC)
	}
	c.htlcs[htlcKey{offerer: htlc.Offerer, id: htlc.ID}] = htlc
	c.nextHtlcIndex[htlc.Offerer]++

	return nil
}

// RemoveHTLC drops a settled or failed HTLC. The offerer's index is not
// reused.
func (c *OpenChannel) RemoveHTLC(offerer ChannelParty, id uint64) error {
	key := htlcKey{offerer: offerer, id: id}
	if _, ok := c.htlcs[key]; !ok {
		return fmt.Errorf("%v: %v htlc %d: %w", c, offerer, id,
			ErrHtlcNotFound)
	}

	delete(c.htlcs, key)

	return nil
}

// ActiveHtlcs returns the HTLCs currently on the channel ordered by offerer
// and then id.
func (c *OpenChannel) ActiveHtlcs() []HTLC {
	htlcs := make([]HTLC, 0, len(c.htlcs))
	for _, htlc := range c.htlcs {
		htlcs = append(htlcs, htlc)
	}

	sort.Slice(htlcs, func(i, j int) bool {
		if htlcs[i].Offerer != htlcs[j].Offerer {
			return htlcs[i].Offerer < htlcs[j].Offerer
		}

		return htlcs[i].ID < htlcs[j].ID
	})

	return htlcs
}

// AdvanceCommitment moves the party's commitment to the next state. The
// previous next point becomes current and nextPoint is queued behind it.
func (c *OpenChannel) AdvanceCommitment(party ChannelParty,
	nextPoint *btcec.PublicKey) error {

	commit := c.commitment(party)
	if commit.NextPoint == nil {
		return fmt.Errorf("%v: %v next point: %w", c, party,
			ErrNoCommitPoint)
	}

	commit.CommitHeight++
	commit.CurrentPoint = commit.NextPoint
	commit.NextPoint = nextPoint

	return nil
}

// CommitmentKeyRing holds the tweaked keys of a single commitment state.
type CommitmentKeyRing struct {
	// CommitPoint is the per-commitment point of the state.
	CommitPoint *btcec.PublicKey

	// ToLocalKey is the delayed key of the commitment owner.
	ToLocalKey *btcec.PublicKey

	// RevocationKey lets the counterparty sweep the owner's outputs once
	// the state is revoked.
	RevocationKey *btcec.PublicKey

	// ToRemoteKey is the counterparty's non-delayed payment key.
	ToRemoteKey *btcec.PublicKey

	// LocalHtlcKey is the owner's HTLC key for this state.
	LocalHtlcKey *btcec.PublicKey

	// RemoteHtlcKey is the counterparty's HTLC key for this state.
	RemoteHtlcKey *btcec.PublicKey
}

// CommitKeyRing derives the keys of the current commitment of the given
// party.
func (c *OpenChannel) CommitKeyRing(
	party ChannelParty) (*CommitmentKeyRing, error) {

	point := c.commitment(party).CurrentPoint
	if point == nil {
		return nil, fmt.Errorf("%v: %v current point: %w", c, party,
			ErrNoCommitPoint)
	}

	owner, other := c.chanCfg(party), c.chanCfg(party.CounterParty())

	return &CommitmentKeyRing{
		CommitPoint: point,
		ToLocalKey:  input.TweakPubKey(owner.DelayBasePoint, point),
		RevocationKey: input.DeriveRevocationPubkey(
			other.RevocationBasePoint, point,
		),
		ToRemoteKey:   other.PaymentBasePoint,
		LocalHtlcKey:  input.TweakPubKey(owner.HtlcBasePoint, point),
		RemoteHtlcKey: input.TweakPubKey(other.HtlcBasePoint, point),
	}, nil
}

// ToLocalScript returns the to_local witness script of the party's current
// commitment.
func (c *OpenChannel) ToLocalScript(party ChannelParty) ([]byte, error) {
	keyRing, err := c.CommitKeyRing(party)
	if err != nil {
		return nil, err
	}

	return input.CommitScriptToSelf(
		uint32(c.chanCfg(party).CsvDelay), keyRing.ToLocalKey,
		keyRing.RevocationKey,
	)
}

// ToLocalPkScript returns the p2wsh output script of the party's current
// to_local output.
func (c *OpenChannel) ToLocalPkScript(party ChannelParty) ([]byte, error) {
	script, err := c.ToLocalScript(party)
	if err != nil {
		return nil, err
	}

	return input.WitnessScriptHash(script)
}

// FundingSpend returns the recorded spend of the funding output, if any.
func (c *OpenChannel) FundingSpend() fn.Option[FundingSpend] {
	return c.fundingSpend
}

// MarkFundingSpent records the transaction that spent the funding output.
// Recording the same spend twice is a no-op.
func (c *OpenChannel) MarkFundingSpent(spend FundingSpend) error {
	current, err := c.fundingSpend.UnwrapOrErr(ErrFundingNotSpent)
	if err == nil {
		if current.SpendTxid == spend.SpendTxid {
			return nil
		}

		return fmt.Errorf("%v: spent by %v, asked to record %v: %w", c,
			current.SpendTxid, spend.SpendTxid,
			ErrFundingSpendMismatch)
	}

	c.fundingSpend = fn.Some(spend)

	return nil
}

// ClearFundingSpend forgets the funding spend after the block containing it
// was disconnected.
func (c *OpenChannel) ClearFundingSpend(blockHash chainhash.Hash) error {
	current, err := c.fundingSpend.UnwrapOrErr(ErrFundingNotSpent)
	if err != nil {
		return fmt.Errorf("%v: %w", c, err)
	}
	if current.SpendBlock != blockHash {
		return fmt.Errorf("%v: %w", c, ErrSpendBlockMismatch)
	}

	c.fundingSpend = fn.None[FundingSpend]()

	return nil
}

// CloseReadyHeight returns the height at which the funding spend is buried
// deep enough to consider the channel closed.
func (c *OpenChannel) CloseReadyHeight() (uint32, error) {
	spend, err := c.fundingSpend.UnwrapOrErr(ErrFundingNotSpent)
	if err != nil {
		return 0, err
	}

	return spend.SpendHeight + c.RequiredDepth, nil
}

// Copy returns a deep copy of the channel. Public keys are immutable and
// shared.
func (c *OpenChannel) Copy() *OpenChannel {
	cp := &OpenChannel{
		IdentityPub:            c.IdentityPub,
		FundingOutpoint:        c.FundingOutpoint,
		Capacity:               c.Capacity,
		IsInitiator:            c.IsInitiator,
		LocalChanCfg:           c.LocalChanCfg,
		RemoteChanCfg:          c.RemoteChanCfg,
		FeePerKw:               c.FeePerKw,
		RequiredDepth:          c.RequiredDepth,
		FundingBroadcastHeight: c.FundingBroadcastHeight,
		LocalCommitment:        c.LocalCommitment,
		RemoteCommitment:       c.RemoteCommitment,
		RevocationRoot:         c.RevocationRoot,
		confirmedHeight:        c.confirmedHeight,
		confirmingBlock:        c.confirmingBlock,
		lastBlockHeight:        c.lastBlockHeight,
		nextHtlcIndex:          c.nextHtlcIndex,
		fundingSpend:           c.fundingSpend,
	}

	if c.channelReady != nil {
		ready := *c.channelReady
		cp.channelReady = &ready
	}

	if len(c.htlcs) > 0 {
		cp.htlcs = make(map[htlcKey]HTLC, len(c.htlcs))
		for k, v := range c.htlcs {
			cp.htlcs[k] = v
		}
	}

	return cp
}
