// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/fleetnet/internal/flagutil"
	"github.com/luxfi/fleetnet/internal/store"
)

func transfersCmd(st *state) *cli.Command {
	dir := ""
	open := func(ctx *cli.Context) (*store.Store, error) {
		if dir == "" {
			cfg, err := st.loadConfig(ctx)
			if err != nil {
				return nil, err
			}
			dir = cfg.Store.Dir
		}
		if dir == "" {
			return nil, cli.Exit("no store directory: set --store or store.dir", 2)
		}
		return store.Open(dir)
	}
	return &cli.Command{
		Name:  "transfers",
		Usage: "Inspects the archive of completed transfers",
		Flags: []cli.Flag{
			flagutil.String(&dir, "store", nil, "Store directory, defaults to store.dir", false),
		},
		Subcommands: []*cli.Command{
			transfersListCmd(open),
			transfersGetCmd(open),
		},
	}
}

func transfersListCmd(open func(*cli.Context) (*store.Store, error)) *cli.Command {
	limit := 50
	return &cli.Command{
		Name:  "list",
		Usage: "Lists archived transfers, newest first",
		Flags: []cli.Flag{
			flagutil.Int(&limit, "limit", []string{"n"}, "Maximum number of transfers"),
		},
		Action: func(ctx *cli.Context) error {
			s, err := open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			recs, err := s.List(ctx.Context, limit)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(ctx.App.Writer, "%s %8s %4d chunks %s %v\n",
					r.ID, humanize.Bytes(uint64(r.Size)), r.Chunks, humanize.Time(r.Created), r.Header)
			}
			return nil
		},
	}
}

func transfersGetCmd(open func(*cli.Context) (*store.Store, error)) *cli.Command {
	out := ""
	return &cli.Command{
		Name:      "get",
		Usage:     "Writes an archived transfer to a file",
		ArgsUsage: "<session id>",
		Flags: []cli.Flag{
			flagutil.String(&out, "out", []string{"o"}, "Output file, defaults to the transfer name", false),
		},
		Action: func(ctx *cli.Context) error {
			id, err := uuid.Parse(ctx.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("bad session id: %v", err), 2)
			}
			s, err := open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			rec, err := s.Get(ctx.Context, id)
			if store.IsNotFound(err) {
				return cli.Exit(err.Error(), 1)
			}
			if err != nil {
				return err
			}
			path := out
			if path == "" {
				path = filepath.Base(rec.Header["name"])
			}
			if path == "" || path == "." || path == string(filepath.Separator) {
				path = id.String()
			}
			if err := os.WriteFile(path, rec.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "%s: %s\n", path, humanize.Bytes(uint64(len(rec.Data))))
			return nil
		},
	}
}
