package lncfg

import (
	"errors"
	"fmt"
	"time"
)

var (
	// MinHealthCheckInterval is the minimum interval we allow between
	// health checks.
	MinHealthCheckInterval = time.Minute

	// MinHealthCheckTimeout is the minimum timeout we allow for health
	// check calls.
	MinHealthCheckTimeout = time.Second

	// MinHealthCheckBackoff is the minimum back off we allow between health
	// check retries.
	MinHealthCheckBackoff = time.Second
)

// HealthCheckConfig contains the configuration for the different health
// checks the daemon runs.
//
//nolint:lll
type HealthCheckConfig struct {
	ChainCheck *CheckConfig `group:"chainbackend" namespace:"chainbackend"`

	DiskCheck *DiskCheckConfig `group:"diskspace" namespace:"diskspace"`
}

// DefaultHealthCheck returns the default health check settings.
func DefaultHealthCheck() *HealthCheckConfig {
	return &HealthCheckConfig{
		ChainCheck: &CheckConfig{
			Interval: time.Minute,
			Attempts: 3,
			Timeout:  30 * time.Second,
			Backoff:  30 * time.Second,
		},
		DiskCheck: &DiskCheckConfig{
			RequiredRemaining: 0.1,
			CheckConfig: &CheckConfig{
				Interval: 12 * time.Hour,
				Attempts: 2,
				Timeout:  5 * time.Second,
				Backoff:  time.Minute,
			},
		},
	}
}

// Validate checks the values configured for our health checks.
func (h *HealthCheckConfig) Validate() error {
	if h.ChainCheck == nil || h.DiskCheck == nil ||
		h.DiskCheck.CheckConfig == nil {

		return errors.New("health check settings missing")
	}

	if err := h.ChainCheck.validate("chain backend"); err != nil {
		return err
	}

	if err := h.DiskCheck.validate("disk space"); err != nil {
		return err
	}

	if h.DiskCheck.RequiredRemaining < 0 ||
		h.DiskCheck.RequiredRemaining >= 1 {

		return errors.New("disk required ratio must be in [0:1)")
	}

	return nil
}

// Compile-time constraint to ensure HealthCheckConfig implements the
// Validator interface.
var _ Validator = (*HealthCheckConfig)(nil)

// CheckConfig contains the configuration for a single periodic check.
//
//nolint:lll
type CheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to run a health check."`

	Attempts int `long:"attempts" description:"The number of calls we will make for the check before failing. Set this value to 0 to disable a check."`

	Timeout time.Duration `long:"timeout" description:"The amount of time we allow the health check to take before failing due to timeout."`

	Backoff time.Duration `long:"backoff" description:"The amount of time to back-off between failed health checks."`
}

// validate checks the values in a health check config entry if it is
// enabled.
func (c *CheckConfig) validate(name string) error {
	if c.Attempts == 0 {
		return nil
	}

	if c.Attempts < 0 {
		return fmt.Errorf("%v attempts must not be negative", name)
	}

	if c.Backoff < MinHealthCheckBackoff {
		return fmt.Errorf("%v backoff must be at least %v", name,
			MinHealthCheckBackoff)
	}

	if c.Backoff > c.Interval {
		return fmt.Errorf("%v backoff: %v greater than interval: %v",
			name, c.Backoff, c.Interval)
	}

	if c.Timeout < MinHealthCheckTimeout {
		return fmt.Errorf("%v timeout must be at least %v", name,
			MinHealthCheckTimeout)
	}

	if c.Interval < MinHealthCheckInterval {
		return fmt.Errorf("%v interval must be at least %v", name,
			MinHealthCheckInterval)
	}

	return nil
}

// DiskCheckConfig contains configuration for ensuring that our node has
// sufficient disk space.
//
//nolint:lll
type DiskCheckConfig struct {
	RequiredRemaining float64 `long:"diskrequired" description:"The minimum ratio of free disk space to total capacity that we allow before shutting lnode down safely."`

	*CheckConfig
}
