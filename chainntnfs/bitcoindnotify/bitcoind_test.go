package bitcoindnotify

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnode/chainntnfs"
	"github.com/stretchr/testify/require"
)

// newTestNotifier starts a notifier on a chain whose tip is at height 100.
func newTestNotifier(t *testing.T) (*BitcoindNotifier, *testChain,
	*testFeed) {

	t.Helper()

	chain := newTestChain()
	chain.setMain(100, newTestBlock(t, chainhash.Hash{}, 100, 0))

	feed := newTestFeed()
	notifier := New(chain, feed)
	require.NoError(t, notifier.Start())
	t.Cleanup(func() {
		require.NoError(t, notifier.Stop())
	})

	return notifier, chain, feed
}

// TestNotifierConnectsInOrder checks plain connects and the catch up of a
// block the feed skipped.
func TestNotifierConnectsInOrder(t *testing.T) {
	t.Parallel()

	notifier, chain, feed := newTestNotifier(t)

	event, err := notifier.RegisterBlockEpochNtfn(nil)
	require.NoError(t, err)

	b101 := chain.extend(t, 0)
	feed.announce(t, b101)
	expectEpoch(t, event, b101, 101, false)

	// The feed never announces 102.
	b102 := chain.extend(t, 0)
	b103 := chain.extend(t, 0)
	feed.announce(t, b103)
	expectEpoch(t, event, b102, 102, false)
	expectEpoch(t, event, b103, 103, false)

	// Announcing the tip again is a no-op.
	feed.announce(t, b103)
	expectNoEpoch(t, event)
}

// TestNotifierReorg checks that a reorg produces the disconnects of the
// orphaned blocks, tip first, followed by the connects of the new branch.
func TestNotifierReorg(t *testing.T) {
	t.Parallel()

	notifier, chain, feed := newTestNotifier(t)

	event, err := notifier.RegisterBlockEpochNtfn(nil)
	require.NoError(t, err)

	b101 := chain.extend(t, 0)
	b102 := chain.extend(t, 0)
	feed.announce(t, b101)
	feed.announce(t, b102)
	expectEpoch(t, event, b101, 101, false)
	expectEpoch(t, event, b102, 102, false)

	// A competing branch forks off after 100 and overtakes.
	b101b := newTestBlock(t, chain.main[100].BlockHash(), 101, 1)
	chain.setMain(101, b101b)
	b102b := chain.extend(t, 1)
	b103b := chain.extend(t, 1)

	feed.announce(t, b103b)
	expectEpoch(t, event, b102, 102, true)
	expectEpoch(t, event, b101, 101, true)
	expectEpoch(t, event, b101b, 101, false)
	expectEpoch(t, event, b102b, 102, false)
	expectEpoch(t, event, b103b, 103, false)

	// The orphaned block being announced late is ignored.
	feed.announce(t, b102)
	expectNoEpoch(t, event)

	b104b := chain.extend(t, 1)
	feed.announce(t, b104b)
	expectEpoch(t, event, b104b, 104, false)
}

// TestNotifierCatchUpClient checks that a client registering with an old
// best block receives everything it missed.
func TestNotifierCatchUpClient(t *testing.T) {
	t.Parallel()

	notifier, chain, feed := newTestNotifier(t)
	b100 := chain.main[100]

	b101 := chain.extend(t, 0)
	b102 := chain.extend(t, 0)
	feed.announce(t, b102)

	// Wait for the notifier to reach 102 through a first client.
	first, err := notifier.RegisterBlockEpochNtfn(nil)
	require.NoError(t, err)
	b103 := chain.extend(t, 0)
	feed.announce(t, b103)
	expectEpoch(t, first, b103, 103, false)

	hash100 := b100.BlockHash()
	event, err := notifier.RegisterBlockEpochNtfn(&chainntnfs.BlockEpoch{
		Hash:   &hash100,
		Height: 100,
	})
	require.NoError(t, err)

	expectEpoch(t, event, b101, 101, false)
	expectEpoch(t, event, b102, 102, false)
	expectEpoch(t, event, b103, 103, false)

	// A client whose best block was orphaned gets it disconnected first.
	stale := newTestBlock(t, hash100, 101, 7)
	staleHash := stale.BlockHash()
	event, err = notifier.RegisterBlockEpochNtfn(&chainntnfs.BlockEpoch{
		Hash:   &staleHash,
		Height: 101,
	})
	require.NoError(t, err)

	expectEpoch(t, event, stale, 101, true)
	expectEpoch(t, event, b101, 101, false)
	expectEpoch(t, event, b102, 102, false)
	expectEpoch(t, event, b103, 103, false)
}

// TestNotifierCancel checks that a cancelled subscription is closed.
func TestNotifierCancel(t *testing.T) {
	t.Parallel()

	notifier, _, _ := newTestNotifier(t)

	event, err := notifier.RegisterBlockEpochNtfn(nil)
	require.NoError(t, err)

	event.Cancel()

	_, ok := <-event.Epochs
	require.False(t, ok)
}

// TestNotifierPollsTip checks that blocks the feed never announced are found
// by polling the backend.
func TestNotifierPollsTip(t *testing.T) {
	t.Parallel()

	chain := newTestChain()
	chain.setMain(100, newTestBlock(t, chainhash.Hash{}, 100, 0))

	poll := ticker.NewForce(time.Hour)
	notifier := New(chain, newTestFeed(), WithPollTicker(poll))
	require.NoError(t, notifier.Start())
	t.Cleanup(func() {
		require.NoError(t, notifier.Stop())
	})

	event, err := notifier.RegisterBlockEpochNtfn(nil)
	require.NoError(t, err)

	tick := func() {
		t.Helper()

		select {
		case poll.Force <- time.Now():
		case <-time.After(5 * time.Second):
			t.Fatal("notifier did not take the tick")
		}
	}

	// The backend is still at our tip.
	tick()
	expectNoEpoch(t, event)

	b101 := chain.extend(t, 0)
	b102 := chain.extend(t, 0)
	tick()
	expectEpoch(t, event, b101, 101, false)
	expectEpoch(t, event, b102, 102, false)
}
