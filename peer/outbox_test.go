package peer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/stretchr/testify/require"
)

func testPubKey(seed byte) *btcec.PublicKey {
	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return pub
}

// recordingWriter collects written messages and signals each write.
type recordingWriter struct {
	mu      sync.Mutex
	written []lnwire.Message
	notify  chan struct{}
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{notify: make(chan struct{}, 100)}
}

func (r *recordingWriter) WriteMessage(_ context.Context,
	msg lnwire.Message) error {

	r.mu.Lock()
	r.written = append(r.written, msg)
	r.mu.Unlock()

	r.notify <- struct{}{}

	return nil
}

func (r *recordingWriter) messages() []lnwire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]lnwire.Message(nil), r.written...)
}

func (r *recordingWriter) waitWrites(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for write %d", i)
		}
	}
}

// TestOutboxOrdering checks that messages to a peer are written in send
// order.
func TestOutboxOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	outbox := NewOutbox()
	defer outbox.Stop()

	pub := testPubKey(0x01)
	writer := newRecordingWriter()
	require.NoError(t, outbox.Connect(pub, writer))
	require.True(t, outbox.IsConnected(pub))

	const numMsgs = 20
	for i := 0; i < numMsgs; i++ {
		err := outbox.SendMessage(ctx, pub, &lnwire.UpdateAddHTLC{
			ID: uint64(i),
		})
		require.NoError(t, err)
	}

	writer.waitWrites(t, numMsgs)

	msgs := writer.messages()
	require.Len(t, msgs, numMsgs)
	for i, msg := range msgs {
		add, ok := msg.(*lnwire.UpdateAddHTLC)
		require.True(t, ok)
		require.EqualValues(t, i, add.ID)
	}
}

// TestOutboxOffline checks the errors returned for peers without a
// connection.
func TestOutboxOffline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	outbox := NewOutbox()

	pub := testPubKey(0x02)
	err := outbox.SendMessage(ctx, pub, &lnwire.ChannelReady{})
	require.ErrorIs(t, err, ErrPeerOffline)

	require.NoError(t, outbox.Connect(pub, newRecordingWriter()))
	outbox.Disconnect(pub)
	require.False(t, outbox.IsConnected(pub))

	err = outbox.SendMessage(ctx, pub, &lnwire.ChannelReady{})
	require.ErrorIs(t, err, ErrPeerOffline)

	outbox.Stop()
	err = outbox.SendMessage(ctx, pub, &lnwire.ChannelReady{})
	require.ErrorIs(t, err, ErrOutboxStopped)
	require.ErrorIs(t, outbox.Connect(pub, newRecordingWriter()),
		ErrOutboxStopped)
}

// TestOutboxReconnect checks that a new connection replaces the old writer.
func TestOutboxReconnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	outbox := NewOutbox()
	defer outbox.Stop()

	pub := testPubKey(0x03)
	first := newRecordingWriter()
	require.NoError(t, outbox.Connect(pub, first))

	second := newRecordingWriter()
	require.NoError(t, outbox.Connect(pub, second))

	require.NoError(t, outbox.SendMessage(ctx, pub, &lnwire.Error{}))
	second.waitWrites(t, 1)

	require.Empty(t, first.messages())
	require.Len(t, second.messages(), 1)
}
