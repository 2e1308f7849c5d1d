package chanlogic

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/input"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) *btcec.PublicKey {
	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return pub
}

func testChannel() *channeldb.OpenChannel {
	return &channeldb.OpenChannel{
		IdentityPub: testKey(0x50),
		FundingOutpoint: wire.OutPoint{
			Hash:  chainhash.DoubleHashH([]byte("funding")),
			Index: 0,
		},
		Capacity: 100_000,
		LocalChanCfg: channeldb.ChannelConfig{
			FundingKey:       testKey(0x10),
			MaxAcceptedHtlcs: 2,
		},
		RemoteChanCfg: channeldb.ChannelConfig{
			FundingKey: testKey(0x20),
		},
		RequiredDepth:  3,
		RevocationRoot: chainhash.DoubleHashH([]byte("root")),
	}
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(_ context.Context, pub *btcec.PublicKey,
	msg lnwire.Message) error {

	args := m.Called(pub, msg)
	return args.Error(0)
}

func TestValidateChannelReady(t *testing.T) {
	t.Parallel()

	logic := New(Config{})
	ch := testChannel()

	valid := lnwire.NewChannelReady(ch.ChanID(), testKey(0x30))
	require.True(t, logic.ValidateChannelReady(ch, valid))

	require.False(t, logic.ValidateChannelReady(ch, nil))

	wrongChan := lnwire.NewChannelReady(lnwire.ChannelID{1}, testKey(0x30))
	require.False(t, logic.ValidateChannelReady(ch, wrongChan))

	noPoint := lnwire.NewChannelReady(ch.ChanID(), nil)
	require.False(t, logic.ValidateChannelReady(ch, noPoint))

	// Once attached, only the identical payload is accepted again.
	require.NoError(t, ch.AttachChannelReady(valid))
	require.True(t, logic.ValidateChannelReady(ch,
		lnwire.NewChannelReady(ch.ChanID(), testKey(0x30))))

	differing := lnwire.NewChannelReady(ch.ChanID(), testKey(0x31))
	require.False(t, logic.ValidateChannelReady(ch, differing))
}

func TestCreateChannelReady(t *testing.T) {
	t.Parallel()

	logic := New(Config{})
	ch := testChannel()

	msg, err := logic.CreateChannelReady(ch)
	require.NoError(t, err)
	require.Equal(t, ch.ChanID(), msg.ChanID)

	secret, err := ch.RevocationProducer().AtIndex(1)
	require.NoError(t, err)
	require.True(t, msg.NextPerCommitmentPoint.IsEqual(
		input.ComputeCommitmentPoint(secret[:]),
	))

	// The message is a pure function of the channel.
	again, err := logic.CreateChannelReady(ch)
	require.NoError(t, err)
	require.True(t, msg.Equal(again))
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	logic := New(Config{Sender: sender})
	ch := testChannel()
	msg := lnwire.NewChannelReady(ch.ChanID(), testKey(0x30))

	sender.On("SendMessage", ch.IdentityPub, msg).Return(nil).Once()
	require.NoError(t, logic.SendMessage(
		context.Background(), ch.IdentityPub, msg,
	))

	errOffline := errors.New("offline")
	sender.On("SendMessage", ch.IdentityPub, msg).Return(errOffline).Once()
	err := logic.SendMessage(context.Background(), ch.IdentityPub, msg)
	require.ErrorIs(t, err, errOffline)

	sender.AssertExpectations(t)
}

func TestValidateUpdateAddHTLC(t *testing.T) {
	t.Parallel()

	logic := New(Config{})
	ch := testChannel()
	ch.UpdateTip(500)

	newAdd := func(id uint64) *lnwire.UpdateAddHTLC {
		return &lnwire.UpdateAddHTLC{
			ChanID: ch.ChanID(),
			ID:     id,
			Amount: 10_000,
			Expiry: 600,
		}
	}

	testCases := []struct {
		name   string
		mutate func(*lnwire.UpdateAddHTLC)
		err    error
	}{
		{
			name:   "valid",
			mutate: func(*lnwire.UpdateAddHTLC) {},
		},
		{
			name: "wrong channel",
			mutate: func(m *lnwire.UpdateAddHTLC) {
				m.ChanID = lnwire.ChannelID{9}
			},
			err: ErrChanIDMismatch,
		},
		{
			name: "skipped id",
			mutate: func(m *lnwire.UpdateAddHTLC) {
				m.ID = 1
			},
			err: ErrInvalidHtlcID,
		},
		{
			name: "zero amount",
			mutate: func(m *lnwire.UpdateAddHTLC) {
				m.Amount = 0
			},
			err: ErrInvalidHTLCAmt,
		},
		{
			name: "above capacity",
			mutate: func(m *lnwire.UpdateAddHTLC) {
				m.Amount = lnwire.NewMSatFromSatoshis(
					ch.Capacity,
				) + 1
			},
			err: ErrInvalidHTLCAmt,
		},
		{
			name: "expired",
			mutate: func(m *lnwire.UpdateAddHTLC) {
				m.Expiry = 500
			},
			err: ErrHtlcExpired,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := newAdd(0)
			tc.mutate(msg)

			err := logic.ValidateUpdateAddHTLC(ch, msg)
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestValidateUpdateAddHTLCMaxHtlcs(t *testing.T) {
	t.Parallel()

	logic := New(Config{})
	ch := testChannel()

	for id := uint64(0); id < 2; id++ {
		require.NoError(t, ch.AddHTLC(channeldb.HTLC{
			Offerer:       channeldb.Remote,
			ID:            id,
			Amt:           1000,
			RefundTimeout: 100,
		}))
	}

	err := logic.ValidateUpdateAddHTLC(ch, &lnwire.UpdateAddHTLC{
		ChanID: ch.ChanID(),
		ID:     2,
		Amount: 1000,
		Expiry: 100,
	})
	require.ErrorIs(t, err, ErrMaxHTLCNumber)

	// Our own HTLCs do not count against the peer's limit.
	require.NoError(t, ch.RemoveHTLC(channeldb.Remote, 0))
	require.NoError(t, ch.AddHTLC(channeldb.HTLC{
		Offerer: channeldb.Local,
		ID:      0,
		Amt:     1000,
	}))
	require.NoError(t, logic.ValidateUpdateAddHTLC(ch,
		&lnwire.UpdateAddHTLC{
			ChanID: ch.ChanID(),
			ID:     2,
			Amount: 1000,
			Expiry: 100,
		},
	))
}
