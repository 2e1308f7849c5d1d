package channeldb

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnode/lnwire"
)

const (
	// DefaultDBName is the file name of the channel state database inside
	// the data directory.
	DefaultDBName = "channel.db"
)

var (
	// openChannelBucket holds one snapshot per live channel, keyed by
	// channel id.
	openChannelBucket = []byte("open-chan-state")

	// closedChannelBucket holds the final snapshot of every channel that
	// reached a terminal state.
	closedChannelBucket = []byte("closed-chan-state")
)

// Record types of the snapshot envelope.
const (
	snapshotStateType   tlv.Type = 0
	snapshotUpdatedType tlv.Type = 2
	snapshotChanType    tlv.Type = 4
)

// ChannelSnapshot is a persisted channel together with the name of the state
// machine state it was in.
type ChannelSnapshot struct {
	// Channel is the channel state.
	Channel *OpenChannel

	// State is the name of the lifecycle state.
	State string

	// UpdatedAt is when the snapshot was written.
	UpdatedAt time.Time
}

// ChannelStateDB persists channel snapshots. Every processed event results in
// exactly one atomic write, so after a crash the node restarts from the last
// state that was fully handled.
type ChannelStateDB struct {
	backend kvdb.Backend
	clock   clock.Clock
}

// NewChannelStateDB wraps an open backend and makes sure the top level
// buckets exist.
func NewChannelStateDB(backend kvdb.Backend,
	clk clock.Clock) (*ChannelStateDB, error) {

	db := &ChannelStateDB{
		backend: backend,
		clock:   clk,
	}

	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		for _, bucket := range [][]byte{
			openChannelBucket, closedChannelBucket,
		} {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create buckets: %w", err)
	}

	return db, nil
}

// applyOptions returns the defaults with the modifiers applied.
func applyOptions(modifiers []OptionModifier) Options {
	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	return opts
}

// Open opens or creates the bbolt backed channel state database in dbDir.
func Open(dbDir string, modifiers ...OptionModifier) (*ChannelStateDB,
	error) {

	opts := applyOptions(modifiers)

	// The bolt backend creates dbDir on first use and compacts an
	// existing file if asked to.
	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbDir,
		DBFileName:        DefaultDBName,
		NoFreelistSync:    opts.NoFreelistSync,
		AutoCompact:       opts.AutoCompact,
		AutoCompactMinAge: opts.AutoCompactMinAge,
		DBTimeout:         opts.DBTimeout,
	})
	if err != nil {
		return nil, err
	}

	db, err := NewChannelStateDB(backend, opts.clock)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return db, nil
}

// OpenReadOnly opens an existing database without write access.
func OpenReadOnly(dbDir string, modifiers ...OptionModifier) (*ChannelStateDB,
	error) {

	opts := applyOptions(modifiers)

	backend, err := kvdb.Open(
		kvdb.BoltBackendName, filepath.Join(dbDir, DefaultDBName),
		opts.NoFreelistSync, opts.DBTimeout, true,
	)
	if err != nil {
		return nil, err
	}

	return &ChannelStateDB{
		backend: backend,
		clock:   opts.clock,
	}, nil
}

// Close releases the backend.
func (d *ChannelStateDB) Close() error {
	return d.backend.Close()
}

// encodeSnapshot serializes a channel and its state name.
func (d *ChannelStateDB) encodeSnapshot(ch *OpenChannel,
	state string) ([]byte, error) {

	var chanBuf bytes.Buffer
	if err := SerializeChannel(&chanBuf, ch); err != nil {
		return nil, err
	}

	var (
		stateBytes = []byte(state)
		updated    = uint64(d.clock.Now().UnixNano())
		chanBytes  = chanBuf.Bytes()
	)

	return encodeStreamBytes(
		tlv.MakePrimitiveRecord(snapshotStateType, &stateBytes),
		tlv.MakePrimitiveRecord(snapshotUpdatedType, &updated),
		tlv.MakePrimitiveRecord(snapshotChanType, &chanBytes),
	)
}

// decodeSnapshot parses a value written by encodeSnapshot.
func decodeSnapshot(b []byte) (*ChannelSnapshot, error) {
	var (
		stateBytes []byte
		updated    uint64
		chanBytes  []byte
	)
	_, err := decodeStream(bytes.NewReader(b),
		tlv.MakePrimitiveRecord(snapshotStateType, &stateBytes),
		tlv.MakePrimitiveRecord(snapshotUpdatedType, &updated),
		tlv.MakePrimitiveRecord(snapshotChanType, &chanBytes),
	)
	if err != nil {
		return nil, err
	}

	ch, err := DeserializeChannel(bytes.NewReader(chanBytes))
	if err != nil {
		return nil, err
	}

	return &ChannelSnapshot{
		Channel:   ch,
		State:     string(stateBytes),
		UpdatedAt: time.Unix(0, int64(updated)),
	}, nil
}

// PutChannel atomically writes the channel and its state name, replacing any
// previous snapshot.
func (d *ChannelStateDB) PutChannel(ch *OpenChannel, state string) error {
	value, err := d.encodeSnapshot(ch, state)
	if err != nil {
		return fmt.Errorf("unable to encode %v: %w", ch, err)
	}

	chanID := ch.ChanID()

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(openChannelBucket)
		if bucket == nil {
			return ErrCorruptedChannelState
		}

		return bucket.Put(chanID[:], value)
	}, func() {})
}

// FetchChannel returns the latest snapshot of an open channel.
func (d *ChannelStateDB) FetchChannel(
	chanID lnwire.ChannelID) (*ChannelSnapshot, error) {

	var snapshot *ChannelSnapshot
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(openChannelBucket)
		if bucket == nil {
			return ErrCorruptedChannelState
		}

		value := bucket.Get(chanID[:])
		if value == nil {
			return ErrChannelNotFound
		}

		var err error
		snapshot, err = decodeSnapshot(value)

		return err
	}, func() {
		snapshot = nil
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// fetchAll decodes every snapshot in the bucket.
func (d *ChannelStateDB) fetchAll(bucketKey []byte) ([]*ChannelSnapshot,
	error) {

	var snapshots []*ChannelSnapshot
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(bucketKey)
		if bucket == nil {
			return ErrCorruptedChannelState
		}

		return bucket.ForEach(func(k, v []byte) error {
			snapshot, err := decodeSnapshot(v)
			if err != nil {
				return fmt.Errorf("channel %x: %w", k, err)
			}
			snapshots = append(snapshots, snapshot)

			return nil
		})
	}, func() {
		snapshots = nil
	})
	if err != nil {
		return nil, err
	}

	return snapshots, nil
}

// FetchAllChannels returns the snapshots of all open channels. It is used to
// resume channels after a restart.
func (d *ChannelStateDB) FetchAllChannels() ([]*ChannelSnapshot, error) {
	return d.fetchAll(openChannelBucket)
}

// FetchClosedChannels returns the final snapshots of archived channels.
func (d *ChannelStateDB) FetchClosedChannels() ([]*ChannelSnapshot, error) {
	return d.fetchAll(closedChannelBucket)
}

// ArchiveChannel moves a channel that reached a terminal state from the open
// bucket to the closed bucket in a single transaction.
func (d *ChannelStateDB) ArchiveChannel(ch *OpenChannel, state string) error {
	value, err := d.encodeSnapshot(ch, state)
	if err != nil {
		return fmt.Errorf("unable to encode %v: %w", ch, err)
	}

	chanID := ch.ChanID()

	err = kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		openBucket := tx.ReadWriteBucket(openChannelBucket)
		closedBucket := tx.ReadWriteBucket(closedChannelBucket)
		if openBucket == nil || closedBucket == nil {
			return ErrCorruptedChannelState
		}

		if err := openBucket.Delete(chanID[:]); err != nil {
			return err
		}

		return closedBucket.Put(chanID[:], value)
	}, func() {})
	if err != nil {
		return err
	}

	log.Infof("Archived %v in state %v", ch, state)

	return nil
}
