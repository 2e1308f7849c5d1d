package lncfg

import "fmt"

const (
	// DefaultBlockWorkers is the default maximum number of channels that
	// process the same block concurrently.
	DefaultBlockWorkers = 16
)

// Workers exposes CLI configuration for turning resources consumed by worker
// pools.
//
//nolint:lll
type Workers struct {
	// Blocks is the maximum number of channels processing a block at
	// once.
	Blocks int `long:"blocks" description:"Maximum number of channels processing the same block concurrently."`
}

// DefaultWorkers returns the default worker limits.
func DefaultWorkers() *Workers {
	return &Workers{
		Blocks: DefaultBlockWorkers,
	}
}

// Validate checks the Workers configuration to ensure that the input values
// are sane.
func (w *Workers) Validate() error {
	if w.Blocks <= 0 {
		return fmt.Errorf("number of block workers should be greater "+
			"than 0, got: %d", w.Blocks)
	}

	return nil
}

// Compile-time constraint to ensure Workers implements the Validator interface.
var _ Validator = (*Workers)(nil)
