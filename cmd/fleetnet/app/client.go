// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/fleetnet"
	"github.com/luxfi/fleetnet/chunk"
	"github.com/luxfi/fleetnet/codec"
	"github.com/luxfi/fleetnet/internal/flagutil"
	"github.com/luxfi/fleetnet/rpc"
)

const defaultAddr = "tcp://127.0.0.1:7000"

type dialFlags struct {
	addr    string
	token   string
	name    string
	timeout time.Duration
}

func newDialFlags() *dialFlags {
	host, _ := os.Hostname()
	return &dialFlags{addr: defaultAddr, name: "fleetnet-cli@" + host, timeout: 30 * time.Second}
}

func (d *dialFlags) flags() []cli.Flag {
	return []cli.Flag{
		flagutil.String(&d.addr, "addr", []string{"a"}, "Node address, scheme selects the transport: tcp, ws or grpc", false),
		flagutil.String(&d.token, "token", nil, "Shared token presented in the handshake", false),
		flagutil.String(&d.name, "name", nil, "Name announced to the node", false),
		flagutil.Duration(&d.timeout, "timeout", nil, "Query timeout"),
	}
}

func (d *dialFlags) dial(ctx *cli.Context, st *state) (*fleetnet.Channel, error) {
	return fleetnet.Dial(ctx.Context, d.addr,
		fleetnet.WithLogger(st.log),
		fleetnet.WithQueryTimeout(d.timeout),
		fleetnet.WithHandshake(fleetnet.Handshake{Name: d.name, Token: d.token}),
	)
}

func pingCmd(st *state) *cli.Command {
	d := newDialFlags()
	return &cli.Command{
		Name:  "ping",
		Usage: "Queries a node's identity over RPC",
		Flags: d.flags(),
		Action: func(ctx *cli.Context) error {
			ch, err := d.dial(ctx, st)
			if err != nil {
				return err
			}
			defer ch.Close()

			codecs := codec.NewRegistry()
			if err := rpc.RegisterNodeTypes(codecs); err != nil {
				return err
			}
			s := rpc.NewSender(ch, codecs, rpc.NodeType).WithTimeout(d.timeout)
			start := time.Now()
			pong, err := rpc.Sync[string](ctx.Context, s.Invoke("Ping", d.name))
			if err != nil {
				return err
			}
			rtt := time.Since(start)
			info, err := rpc.Sync[rpc.NodeInfo](ctx.Context, s.Invoke("Info"))
			if err != nil {
				return err
			}
			uptime, err := rpc.Sync[string](ctx.Context, s.Invoke("Info").Join(s.On(rpc.NodeInfoType).Invoke("Uptime")))
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "%s (%s) peer=%s rtt=%s\n", pong, d.addr, ch.Peer(), rtt.Round(time.Microsecond))
			fmt.Fprintf(ctx.App.Writer, "node %s version %s up %s, %d channels, %d sessions\n",
				info.Name, info.Version, uptime, info.Channels, info.Sessions)
			return nil
		},
	}
}

func pushCmd(st *state) *cli.Command {
	d := newDialFlags()
	file := ""
	size := chunk.DefaultChunkSize
	return &cli.Command{
		Name:  "push",
		Usage: "Sends a file to a node as a chunked transfer",
		Flags: append(d.flags(),
			flagutil.String(&file, "file", []string{"f"}, "File to send", true),
			flagutil.Int(&size, "chunk-size", nil, "Bytes per chunk"),
		),
		Action: func(ctx *cli.Context) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}

			ch, err := d.dial(ctx, st)
			if err != nil {
				return err
			}
			defer ch.Close()

			header := chunk.Header{
				"name":     filepath.Base(file),
				"modified": fi.ModTime().UTC().Format(time.RFC3339),
			}
			start := time.Now()
			id, err := chunk.Send(ctx.Context, ch, header, f, fi.Size(), chunk.WithChunkSize(size))
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "%s %s sent in %s\n", id, humanize.Bytes(uint64(fi.Size())), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	addr := "http://127.0.0.1:7080" + fleetnet.AdminPath
	token := ""
	return &cli.Command{
		Name:  "status",
		Usage: "Reports a node's state from its admin endpoint",
		Flags: []cli.Flag{
			flagutil.String(&addr, "admin", nil, "Admin endpoint URL", false),
			flagutil.String(&token, "admin-token", nil, "Bearer token configured as admin.token", false),
		},
		Action: func(ctx *cli.Context) error {
			var opts []fleetnet.RequestOption
			if token != "" {
				opts = append(opts, fleetnet.WithAdminToken(token))
			}
			c, err := fleetnet.NewAdminClient(addr, opts...)
			if err != nil {
				return err
			}
			status, err := c.Status(ctx.Context)
			if err != nil {
				return err
			}
			channels, err := c.Channels(ctx.Context)
			if err != nil {
				return err
			}
			w := ctx.App.Writer
			fmt.Fprintf(w, "node %s up %s\n", status.Node, status.Uptime)
			fmt.Fprintf(w, "listeners %v, transports %v\n", status.Listeners, status.Transports)
			fmt.Fprintf(w, "%d channels, %d pending queries, %d sessions\n", status.Channels, status.PendingQueries, status.Sessions)
			for _, ci := range channels {
				fmt.Fprintf(w, "  %s %s@%s sent=%d received=%d pending=%d queued=%d\n",
					ci.Remote, ci.Peer, ci.Version, ci.Sent, ci.Received, ci.Pending, ci.Queued)
			}
			return nil
		},
	}
}

func hashTokenCmd() *cli.Command {
	return &cli.Command{
		Name:      "hash-token",
		Usage:     "Prints the bcrypt hash to configure as auth.token_hash",
		ArgsUsage: "<token>",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return cli.Exit("hash-token takes exactly one token", 2)
			}
			hash, err := fleetnet.HashToken(ctx.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(ctx.App.Writer, string(hash))
			return nil
		},
	}
}
