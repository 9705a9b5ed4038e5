// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/luxfi/fleetnet"
	"github.com/luxfi/fleetnet/chunk"
	"github.com/luxfi/fleetnet/codec"
	"github.com/luxfi/fleetnet/config"
	"github.com/luxfi/fleetnet/internal/store"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/rpc"
)

const archiveTimeout = 30 * time.Second

func nodeCmd(st *state) *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "Runs a fleet node",
		Action: func(ctx *cli.Context) error {
			cfg, err := st.loadConfig(ctx)
			if err != nil {
				return err
			}
			return runNode(ctx.Context, cfg, st.log)
		},
	}
}

func serverOptions(cfg *config.Config, log *zap.Logger) ([]fleetnet.Option, error) {
	hs := fleetnet.Handshake{Name: cfg.Node.Name, Token: cfg.Auth.Token}
	switch {
	case cfg.Auth.TokenHash != "":
		hs.TokenHash = []byte(cfg.Auth.TokenHash)
	case cfg.Auth.Token != "":
		hash, err := fleetnet.HashToken(cfg.Auth.Token)
		if err != nil {
			return nil, err
		}
		hs.TokenHash = hash
	}
	return []fleetnet.Option{
		fleetnet.WithLogger(log),
		fleetnet.WithWorkers(cfg.Network.Workers),
		fleetnet.WithSendQueue(cfg.Network.SendQueue),
		fleetnet.WithMaxFrame(cfg.Network.MaxFrame),
		fleetnet.WithQueryTimeout(cfg.Query.Timeout),
		fleetnet.WithSupersedePolicy(cfg.Policy()),
		fleetnet.WithHandshake(hs),
	}, nil
}

// node is a configured server with its chunk and rpc services registered.
type node struct {
	cfg    *config.Config
	log    *zap.Logger
	server *fleetnet.Server
	chunks *chunk.Handler
	rpc    *rpc.Handler
	store  *store.Store
}

func newNode(cfg *config.Config, log *zap.Logger) (*node, error) {
	opts, err := serverOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	n := &node{cfg: cfg, log: log, server: fleetnet.NewServer(opts...)}

	chunkOpts := []chunk.Option{
		chunk.WithLogger(log.Named("chunk")),
		chunk.WithIdleTimeout(cfg.Chunk.IdleTimeout),
		chunk.WithReapInterval(cfg.Chunk.ReapInterval),
		chunk.WithTombstones(cfg.Chunk.Tombstones),
	}
	if dir := cfg.Store.Dir; dir != "" {
		spool := filepath.Join(dir, "spool")
		if err := os.MkdirAll(spool, 0o755); err != nil {
			return nil, fmt.Errorf("unable to create spool directory: %w", err)
		}
		if n.store, err = store.Open(dir); err != nil {
			return nil, err
		}
		chunkOpts = append(chunkOpts,
			chunk.WithSink(chunk.NewFileSink(spool)),
			chunk.OnComplete(n.store.Archive(log.Named("store"), archiveTimeout)),
		)
	}
	if n.chunks, err = chunk.NewHandler(chunkOpts...); err != nil {
		n.close()
		return nil, err
	}

	n.rpc = rpc.NewHandler(codec.NewRegistry(), rpc.WithHandlerLogger(log.Named("rpc")))
	err = rpc.ServeNode(n.rpc, &rpc.Node{
		Name:     cfg.Node.Name,
		Version:  Version,
		Started:  n.server.Started(),
		Channels: n.server.Channels().Len,
		Sessions: n.chunks.Sessions,
	})
	if err != nil {
		n.close()
		return nil, err
	}

	reg := n.server.Registry()
	reg.AddListener(packet.ChannelChunk, n.chunks)
	reg.AddListener(packet.ChannelRPC, n.rpc)
	return n, nil
}

func (n *node) close() {
	if n.chunks != nil {
		n.chunks.Close()
	}
	if n.store != nil {
		n.store.Close()
	}
}

// run serves until ctx ends. The reaper and the admin endpoint stop with it.
func (n *node) run(ctx context.Context) error {
	defer n.close()
	var admin http.Handler
	if n.cfg.Admin.Listen != "" {
		h, err := fleetnet.NewAdminHandler(fleetnet.NewAdminService(n.server, n.chunks.Sessions))
		if err != nil {
			return err
		}
		admin = fleetnet.RequireAdminToken(h, n.cfg.Admin.Token)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				n.log.Error("stopped", zap.String("service", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	spawn("reaper", func() error { return n.chunks.Run(ctx) })
	if admin != nil {
		spawn("admin", func() error { return fleetnet.ServeAdmin(ctx, n.cfg.Admin.Listen, admin, n.log.Named("admin")) })
	}
	spawn("server", func() error { return n.server.ListenAndServe(ctx, n.cfg.Network.Listen...) })

	n.log.Info("node started",
		zap.String("name", n.cfg.Node.Name),
		zap.Strings("listen", n.cfg.Network.Listen),
		zap.String("admin", n.cfg.Admin.Listen),
	)
	wg.Wait()
	return errors.Join(errs...)
}

func runNode(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	n, err := newNode(cfg, log)
	if err != nil {
		return err
	}
	return n.run(ctx)
}
