package channeldb

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
)

// Options holds parameters for tuning and customizing a ChannelStateDB.
type Options struct {
	// NoFreelistSync skips syncing the bolt freelist to disk, trading
	// startup time for write performance.
	NoFreelistSync bool

	// AutoCompact compacts an existing database file on open.
	AutoCompact bool

	// AutoCompactMinAge is the minimum time since the last compaction
	// before another one is done.
	AutoCompactMinAge time.Duration

	// DBTimeout is how long to wait for the file lock on open.
	DBTimeout time.Duration

	// clock is the time source used to stamp snapshots.
	clock clock.Clock
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		NoFreelistSync:    true,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         kvdb.DefaultDBTimeout,
		clock:             clock.NewDefaultClock(),
	}
}

// OptionModifier is a function signature for modifying the default Options.
type OptionModifier func(*Options)

// OptionSetNoFreelistSync sets whether the freelist is synced to disk.
func OptionSetNoFreelistSync(noSync bool) OptionModifier {
	return func(o *Options) {
		o.NoFreelistSync = noSync
	}
}

// OptionAutoCompact enables compaction on open for databases last compacted
// at least minAge ago.
func OptionAutoCompact(minAge time.Duration) OptionModifier {
	return func(o *Options) {
		o.AutoCompact = true
		o.AutoCompactMinAge = minAge
	}
}

// OptionDBTimeout sets the timeout for acquiring the database file lock.
func OptionDBTimeout(timeout time.Duration) OptionModifier {
	return func(o *Options) {
		o.DBTimeout = timeout
	}
}

// OptionClock sets a non-default clock dependency.
func OptionClock(clock clock.Clock) OptionModifier {
	return func(o *Options) {
		o.clock = clock
	}
}

// OptionsFromBoltConfig translates the bolt section of the config.
func OptionsFromBoltConfig(cfg *kvdb.BoltConfig) []OptionModifier {
	modifiers := []OptionModifier{
		OptionSetNoFreelistSync(cfg.NoFreelistSync),
		OptionDBTimeout(cfg.DBTimeout),
	}
	if cfg.AutoCompact {
		modifiers = append(
			modifiers, OptionAutoCompact(cfg.AutoCompactMinAge),
		)
	}

	return modifiers
}
