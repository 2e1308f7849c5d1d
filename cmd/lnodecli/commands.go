package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/lnode/channeldb"
	"github.com/lightningnetwork/lnode/lnwire"
	"github.com/urfave/cli"
)

// channelView is the printable summary of a channel snapshot.
type channelView struct {
	ChanID          string `json:"chan_id"`
	ChannelPoint    string `json:"channel_point"`
	RemotePubkey    string `json:"remote_pubkey"`
	Capacity        int64  `json:"capacity"`
	Initiator       bool   `json:"initiator"`
	State           string `json:"state"`
	RequiredDepth   uint32 `json:"required_depth"`
	ConfirmedHeight string `json:"confirmed_height"`
	TipHeight       uint32 `json:"tip_height"`
	ChannelReady    bool   `json:"channel_ready"`
	ActiveHtlcs     int    `json:"active_htlcs"`
	CloseType       string `json:"close_type,omitempty"`
	CloseHeight     uint32 `json:"close_height,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

func newChannelView(snapshot *channeldb.ChannelSnapshot) channelView {
	ch := snapshot.Channel

	view := channelView{
		ChanID:       ch.ChanID().String(),
		ChannelPoint: ch.FundingOutpoint.String(),
		RemotePubkey: hex.EncodeToString(
			ch.IdentityPub.SerializeCompressed(),
		),
		Capacity:        int64(ch.Capacity),
		Initiator:       ch.IsInitiator,
		State:           snapshot.State,
		RequiredDepth:   ch.RequiredDepth,
		ConfirmedHeight: "-",
		TipHeight:       ch.LastBlockHeight(),
		ChannelReady:    ch.HasChannelReady(),
		ActiveHtlcs:     len(ch.ActiveHtlcs()),
		UpdatedAt:       snapshot.UpdatedAt.UTC().Format(time.RFC3339),
	}

	ch.ConfirmedHeight().WhenSome(func(height uint32) {
		view.ConfirmedHeight = strconv.FormatUint(uint64(height), 10)
	})
	ch.FundingSpend().WhenSome(func(spend channeldb.FundingSpend) {
		view.CloseType = spend.CloseType.String()
		view.CloseHeight = spend.SpendHeight
	})

	return view
}

func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "%s\n", b)

	return err
}

var listChannelsCommand = cli.Command{
	Name:     "listchannels",
	Category: "Channels",
	Usage:    "List the channels in the channel database.",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "closed",
			Usage: "list archived closed channels instead",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "print the channels as JSON",
		},
	},
	Action: listChannels,
}

func listChannels(ctx *cli.Context) error {
	db, cleanUp, err := openChannelDB(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	fetch := db.FetchAllChannels
	if ctx.Bool("closed") {
		fetch = db.FetchClosedChannels
	}

	snapshots, err := fetch()
	if err != nil {
		return err
	}

	views := make([]channelView, 0, len(snapshots))
	for _, snapshot := range snapshots {
		views = append(views, newChannelView(snapshot))
	}

	if ctx.Bool("json") {
		return printJSON(ctx.App.Writer, views)
	}

	t := table.NewWriter()
	t.SetOutputMirror(ctx.App.Writer)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{
		"Channel Point", "State", "Capacity", "Confirmed", "Tip",
		"HTLCs", "Close",
	})
	for _, view := range views {
		t.AppendRow(table.Row{
			view.ChannelPoint, view.State, view.Capacity,
			view.ConfirmedHeight, view.TipHeight, view.ActiveHtlcs,
			view.CloseType,
		})
	}
	t.AppendFooter(table.Row{"Total", len(views)})
	t.Render()

	return nil
}

var showChannelCommand = cli.Command{
	Name:      "showchannel",
	Category:  "Channels",
	Usage:     "Show a single open channel.",
	ArgsUsage: "chan_id",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "chan_id",
			Usage: "the hex encoded channel id",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "print the channel as JSON",
		},
	},
	Action: showChannel,
}

func showChannel(ctx *cli.Context) error {
	var chanIDStr string
	switch {
	case ctx.IsSet("chan_id"):
		chanIDStr = ctx.String("chan_id")

	case ctx.Args().Present():
		chanIDStr = ctx.Args().First()

	default:
		return errors.New("chan_id argument missing")
	}

	chanID, err := lnwire.NewChanIDFromStr(chanIDStr)
	if err != nil {
		return fmt.Errorf("invalid chan_id: %w", err)
	}

	db, cleanUp, err := openChannelDB(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	snapshot, err := db.FetchChannel(chanID)
	if err != nil {
		return err
	}
	view := newChannelView(snapshot)

	if ctx.Bool("json") {
		return printJSON(ctx.App.Writer, view)
	}

	t := table.NewWriter()
	t.SetOutputMirror(ctx.App.Writer)
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Channel ID", view.ChanID},
		{"Channel Point", view.ChannelPoint},
		{"Remote Pubkey", view.RemotePubkey},
		{"Capacity", view.Capacity},
		{"Initiator", view.Initiator},
		{"State", view.State},
		{"Required Depth", view.RequiredDepth},
		{"Confirmed Height", view.ConfirmedHeight},
		{"Tip Height", view.TipHeight},
		{"Channel Ready", view.ChannelReady},
		{"Active HTLCs", view.ActiveHtlcs},
		{"Updated", view.UpdatedAt},
	})
	t.Render()

	return nil
}
