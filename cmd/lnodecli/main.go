package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnode/build"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/lncfg"
	"github.com/urfave/cli"
)

var defaultLnodeDir = btcutil.AppDataDir("lnode", false)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[lnodecli] %v\n", err)
	os.Exit(1)
}

// channelDBDir returns the channel database directory selected by the
// global flags.
func channelDBDir(ctx *cli.Context) string {
	if ctx.GlobalIsSet("dbdir") {
		return lncfg.CleanAndExpandPath(ctx.GlobalString("dbdir"))
	}

	dataDir := filepath.Join(
		lncfg.CleanAndExpandPath(ctx.GlobalString("lnodedir")),
		lncfg.DefaultDataDirname,
	)

	return lncfg.ChannelDBDir(dataDir, ctx.GlobalString("network"))
}

// openChannelDB opens the channel database read only. Bolt allows a single
// writer, so the daemon has to be stopped first or the open times out.
func openChannelDB(ctx *cli.Context) (*channeldb.ChannelStateDB, func(),
	error) {

	db, err := channeldb.OpenReadOnly(
		channelDBDir(ctx),
		channeldb.OptionDBTimeout(ctx.GlobalDuration("dbtimeout")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open channel db: %w",
			err)
	}

	cleanUp := func() {
		_ = db.Close()
	}

	return db, cleanUp, nil
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "lnodecli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "inspect the channels of an lnode daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "lnodedir",
			Value:     defaultLnodeDir,
			Usage:     "The path to lnode's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network lnode is running on, e.g. mainnet, " +
				"testnet3, etc.",
			Value: "mainnet",
		},
		cli.StringFlag{
			Name: "dbdir",
			Usage: "The directory of the channel database. " +
				"Overrides lnodedir and network.",
			TakesFile: true,
		},
		cli.DurationFlag{
			Name:  "dbtimeout",
			Value: kvdb.DefaultDBTimeout,
			Usage: "How long to wait for the database lock.",
		},
	}
	app.Commands = []cli.Command{
		listChannelsCommand,
		showChannelCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
