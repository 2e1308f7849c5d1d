// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package lnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnode/build"
	"github.com/lightningnetwork/lnode/chainntnfs"
	"github.com/lightningnetwork/lnode/chainntnfs/bitcoindnotify"
	"github.com/lightningnetwork/lnode/chanfsm"
	"github.com/lightningnetwork/lnode/chanlogic"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/monitoring"
	"github.com/lightningnetwork/lnode/peer"
	"github.com/lightningnetwork/lnode/protofsm"
	"github.com/lightningnetwork/lnode/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ErrNetworkMismatch is returned when the backend runs a different network
// than the one configured.
var ErrNetworkMismatch = errors.New("backend network mismatch")

// Main is the true entry point for lnode. It opens the channel store,
// connects to bitcoind and drives every channel from the chain and its peers
// until a shutdown is requested through the interceptor.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		lnodLog.Info("Shutdown complete")
		if err := cfg.LogWriter.Close(); err != nil {
			lnodLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lnodLog.Infof("Version: %s commit=%s, build=%v, network=%v",
		build.Version(), build.Commit, build.Deployment,
		cfg.ActiveNetParams.Name)

	dbDir := cfg.ChannelDBDir()
	lnodLog.Infof("Opening channel state database at %v", dbDir)

	chanDB, err := channeldb.Open(
		dbDir, channeldb.OptionsFromBoltConfig(cfg.DB.Bolt)...,
	)
	if err != nil {
		return fmt.Errorf("unable to open channel db: %w", err)
	}
	defer func() {
		if err := chanDB.Close(); err != nil {
			lnodLog.Errorf("Unable to close channel db: %v", err)
		}
	}()

	chainConn, err := bitcoindnotify.NewRPCClient(cfg.RPCConfig())
	if err != nil {
		return err
	}
	defer chainConn.Stop()

	if err := checkBackendNetwork(ctx, cfg, chainConn); err != nil {
		return err
	}

	livenessMonitor := newLivenessMonitor(cfg, chainConn)
	if err := livenessMonitor.Start(); err != nil {
		return fmt.Errorf("unable to start health checks: %w", err)
	}
	defer func() {
		if err := livenessMonitor.Stop(); err != nil {
			lnodLog.Errorf("Unable to stop health checks: %v", err)
		}
	}()

	var notifierOpts []bitcoindnotify.NotifierOption
	if cfg.Bitcoind.BlockPollingInterval > 0 {
		notifierOpts = append(notifierOpts, bitcoindnotify.WithPollTicker(
			ticker.New(cfg.Bitcoind.BlockPollingInterval),
		))
	}

	notifier := bitcoindnotify.New(
		chainConn, bitcoindnotify.NewZMQFeed(cfg.ZMQConfig()),
		notifierOpts...,
	)
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("unable to start notifier: %w", err)
	}
	defer func() {
		if err := notifier.Stop(); err != nil {
			lnodLog.Errorf("Unable to stop notifier: %v", err)
		}
	}()

	// Outbound messages go through the outbox, which holds one write
	// queue per connected peer.
	outbox := peer.NewOutbox()
	defer outbox.Stop()

	metrics := monitoring.NewChannelMetrics()
	chanSwitch, err := chanfsm.NewChannelSwitch(chanfsm.Config{
		Logic: chanlogic.New(chanlogic.Config{
			Sender: outbox,
		}),
		Store:      chanDB,
		Observers:  []protofsm.DispatchObserver{metrics.Observer()},
		NumWorkers: cfg.Workers.Blocks,
	})
	if err != nil {
		return err
	}
	if err := chanSwitch.Start(); err != nil {
		return fmt.Errorf("unable to start channel switch: %w", err)
	}

	msgRouter := peer.NewMultiMsgRouter()
	err = msgRouter.RegisterEndpoint(chanfsm.NewMsgEndpoint(chanSwitch))
	if err != nil {
		return err
	}
	msgRouter.Start(ctx)
	defer msgRouter.Stop()

	if cfg.Prometheus.Enabled() {
		exporter, err := startExporter(cfg, metrics, chanSwitch)
		if err != nil {
			return err
		}
		defer func() {
			if err := exporter.Stop(); err != nil {
				lnodLog.Errorf("Unable to stop exporter: %v",
					err)
			}
		}()
	}

	// Channels resume from the lowest height any of them processed so the
	// blocks mined while we were offline are replayed.
	bestBlock := catchUpPoint(chanSwitch)

	runErr := make(chan error, 1)
	go func() {
		runErr <- chanSwitch.Run(ctx, notifier, bestBlock)
	}()

	lnodLog.Info("Channel node fully started")
	interceptor.NotifyReady()

	select {
	case <-interceptor.ShutdownChannel():
		cancel()
		<-runErr

		return nil

	case err := <-runErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("channel switch stopped: %w", err)
	}
}

// checkBackendNetwork makes sure bitcoind runs the configured network.
func checkBackendNetwork(ctx context.Context, cfg *Config,
	chainConn chainntnfs.ChainClient) error {

	info, err := chainConn.GetBlockchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("unable to query backend: %w", err)
	}

	want := bitcoindChainName(cfg.ActiveNetParams)
	if info.Chain != want {
		return fmt.Errorf("%w: configured %v, bitcoind runs %v",
			ErrNetworkMismatch, want, info.Chain)
	}

	lnodLog.Infof("Connected to bitcoind on %v at height %d", info.Chain,
		info.Blocks)

	return nil
}

// catchUpPoint returns the block the notifier should replay from, or nil if
// no channel is watching the chain.
func catchUpPoint(chanSwitch *chanfsm.ChannelSwitch) *chainntnfs.BlockEpoch {
	tip, ok := chanSwitch.LowestTip()
	if !ok {
		return nil
	}

	return &chainntnfs.BlockEpoch{
		Height: int32(tip),
	}
}

// startExporter registers the channel metrics and starts serving them.
func startExporter(cfg *Config, metrics *monitoring.ChannelMetrics,
	chanSwitch *chanfsm.ChannelSwitch) (*monitoring.Exporter, error) {

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, err
	}

	err := registry.Register(monitoring.NewChannelsCollector(chanSwitch))
	if err != nil {
		return nil, err
	}

	err = registry.Register(collectors.NewGoCollector())
	if err != nil {
		return nil, err
	}

	exporter := monitoring.NewExporter(cfg.Prometheus, registry)
	if _, err := exporter.Start(); err != nil {
		return nil, fmt.Errorf("unable to start prometheus exporter: "+
			"%w", err)
	}

	return exporter, nil
}
