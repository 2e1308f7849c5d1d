package lnode

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnode/chainntnfs"
	"github.com/lightningnetwork/lnode/lncfg"
)

// newLivenessMonitor creates the health checks of the daemon. A check that
// keeps failing is logged as critical, which requests a shutdown.
func newLivenessMonitor(cfg *Config,
	chainConn chainntnfs.ChainClient) *healthcheck.Monitor {

	var checks []*healthcheck.Observation

	chainCfg := cfg.HealthChecks.ChainCheck
	if chainCfg.Attempts > 0 {
		checks = append(checks, healthcheck.NewObservation(
			"chain backend",
			chainBackendCheck(chainConn, chainCfg),
			chainCfg.Interval, chainCfg.Timeout, chainCfg.Backoff,
			chainCfg.Attempts,
		))
	}

	diskCfg := cfg.HealthChecks.DiskCheck
	if diskCfg.Attempts > 0 {
		checks = append(checks, healthcheck.NewObservation(
			"disk space",
			diskSpaceCheck(
				cfg.DataDir, diskCfg.RequiredRemaining,
				healthcheck.AvailableDiskSpaceRatio,
			),
			diskCfg.Interval, diskCfg.Timeout, diskCfg.Backoff,
			diskCfg.Attempts,
		))
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks: checks,
		Shutdown: func(format string, params ...interface{}) {
			lnodLog.Criticalf(format, params...)
		},
	})
}

// chainBackendCheck returns a check that bitcoind still answers.
func chainBackendCheck(chainConn chainntnfs.ChainClient,
	cfg *lncfg.CheckConfig) func() error {

	return func() error {
		ctx, cancel := context.WithTimeout(
			context.Background(), cfg.Timeout,
		)
		defer cancel()

		_, err := chainConn.GetBlockchainInfo(ctx)

		return err
	}
}

// diskSpaceCheck returns a check that at least the required ratio of the
// disk holding path is free.
func diskSpaceCheck(path string, required float64,
	freeRatio func(string) (float64, error)) func() error {

	return func() error {
		free, err := freeRatio(path)
		if err != nil {
			return err
		}

		// If we have more free space than we require, we return a nil
		// error.
		if free > required {
			return nil
		}

		return fmt.Errorf("require: %v free space, got: %v", required,
			free)
	}
}
