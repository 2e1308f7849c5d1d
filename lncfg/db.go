package lncfg

import (
	"errors"

	"github.com/lightningnetwork/lnd/kvdb"
)

// DB holds database configuration for lnode.
type DB struct {
	Bolt *kvdb.BoltConfig `group:"bolt" namespace:"bolt" description:"Bolt settings."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Bolt: &kvdb.BoltConfig{
			NoFreelistSync:    true,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         kvdb.DefaultDBTimeout,
		},
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.Bolt == nil {
		return errors.New("bolt settings missing")
	}

	if db.Bolt.DBTimeout <= 0 {
		return errors.New("db.bolt.dbtimeout must be positive")
	}

	return nil
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
