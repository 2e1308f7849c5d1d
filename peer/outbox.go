package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnode/lnutils"
	"github.com/lightningnetwork/lnode/lnwire"
)

const (
	// outgoingQueueLen is the buffer size of the per-peer outgoing queue.
	// Messages beyond it spill into the queue's overflow list.
	outgoingQueueLen = 50
)

var (
	// ErrPeerOffline is returned when sending to a peer that has no
	// registered connection.
	ErrPeerOffline = errors.New("peer is not connected")

	// ErrOutboxStopped is returned when sending after Stop was called.
	ErrOutboxStopped = errors.New("outbox stopped")
)

// peerKey is the map key of a peer, its compressed identity key.
type peerKey [btcec.PubKeyBytesLenCompressed]byte

func newPeerKey(pub *btcec.PublicKey) peerKey {
	var k peerKey
	copy(k[:], pub.SerializeCompressed())

	return k
}

// peerConn is the outgoing half of a single connection.
type peerConn struct {
	pub    *btcec.PublicKey
	writer MessageWriter

	// outgoing buffers messages between SendMessage and the write
	// goroutine so a slow connection never blocks a state transition.
	outgoing *queue.ConcurrentQueue

	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Outbox implements MessageSender on top of one MessageWriter per connected
// peer. Messages to the same peer are written in the order they were sent.
type Outbox struct {
	mu    sync.RWMutex
	peers map[peerKey]*peerConn

	stopped  bool
	stopOnce sync.Once
}

// NewOutbox creates an outbox without any connected peers.
func NewOutbox() *Outbox {
	return &Outbox{
		peers: make(map[peerKey]*peerConn),
	}
}

// A compile time check to ensure Outbox implements the MessageSender
// interface.
var _ MessageSender = (*Outbox)(nil)

// Connect registers the writer of a newly connected peer. An existing
// connection of the same peer is replaced and its queued messages dropped.
func (o *Outbox) Connect(pub *btcec.PublicKey, writer MessageWriter) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrOutboxStopped
	}

	key := newPeerKey(pub)
	if old, ok := o.peers[key]; ok {
		peerLog.Infof("Replacing connection of peer %v",
			lnutils.LogPubKey(pub))

		old.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &peerConn{
		pub:      pub,
		writer:   writer,
		outgoing: queue.NewConcurrentQueue(outgoingQueueLen),
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
	conn.outgoing.Start()

	conn.wg.Add(1)
	go conn.writeHandler(ctx)

	o.peers[key] = conn

	peerLog.Debugf("Peer %v connected", lnutils.LogPubKey(pub))

	return nil
}

// Disconnect removes the connection of a peer. Messages still queued for it
// are dropped.
func (o *Outbox) Disconnect(pub *btcec.PublicKey) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := newPeerKey(pub)
	conn, ok := o.peers[key]
	if !ok {
		return
	}

	delete(o.peers, key)
	conn.stop()

	peerLog.Debugf("Peer %v disconnected", lnutils.LogPubKey(pub))
}

// IsConnected reports whether the peer has a registered connection.
func (o *Outbox) IsConnected(pub *btcec.PublicKey) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	_, ok := o.peers[newPeerKey(pub)]
	return ok
}

// SendMessage queues msg for the peer. It fails with ErrPeerOffline if the
// peer is not connected, and with the context error if ctx is done first.
func (o *Outbox) SendMessage(ctx context.Context, pub *btcec.PublicKey,
	msg lnwire.Message) error {

	if pub == nil {
		return fmt.Errorf("nil peer key: %w", ErrPeerOffline)
	}

	o.mu.RLock()
	conn, ok := o.peers[newPeerKey(pub)]
	stopped := o.stopped
	o.mu.RUnlock()

	switch {
	case stopped:
		return ErrOutboxStopped

	case !ok:
		return fmt.Errorf("peer %v: %w", lnutils.LogPubKey(pub),
			ErrPeerOffline)
	}

	select {
	case conn.outgoing.ChanIn() <- msg:
		peerLog.Tracef("Queued %v for peer %v", msg.MsgType(),
			lnutils.LogPubKey(pub))

		return nil

	case <-conn.quit:
		return fmt.Errorf("peer %v: %w", lnutils.LogPubKey(pub),
			ErrPeerOffline)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects every peer. Later sends fail with ErrOutboxStopped.
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		o.stopped = true
		for key, conn := range o.peers {
			conn.stop()
			delete(o.peers, key)
		}
	})
}

// writeHandler drains the outgoing queue into the writer until the
// connection is stopped.
func (p *peerConn) writeHandler(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case item := <-p.outgoing.ChanOut():
			msg, ok := item.(lnwire.Message)
			if !ok {
				peerLog.Errorf("Dropping non-message %T for "+
					"peer %v", item,
					lnutils.LogPubKey(p.pub))
				continue
			}

			err := p.writer.WriteMessage(ctx, msg)
			if err != nil {
				peerLog.Errorf("Unable to write %v to peer "+
					"%v: %v", msg.MsgType(),
					lnutils.LogPubKey(p.pub), err)
			}

		case <-p.quit:
			return
		}
	}
}

// stop ends the write goroutine and waits for it to exit.
func (p *peerConn) stop() {
	close(p.quit)
	p.cancel()
	p.wg.Wait()
	p.outgoing.Stop()
}
