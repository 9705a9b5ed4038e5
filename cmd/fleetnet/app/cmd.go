// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package app is the fleetnet command line.
package app

import (
	"context"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/config"
	"github.com/luxfi/fleetnet/internal/flagutil"
	"github.com/luxfi/fleetnet/internal/logger"
)

// Version of the fleetnet binary.
const Version = "1.0.0"

type state struct {
	logLevel   string
	configPath string
	log        *zap.Logger
}

func Instance() *cli.App {
	st := &state{logLevel: "info", log: zap.NewNop()}
	return &cli.App{
		Name:    "fleetnet",
		Usage:   "Node and tools for the fleetnet messaging substrate",
		Version: Version,
		Commands: []*cli.Command{
			nodeCmd(st),
			pingCmd(st),
			pushCmd(st),
			statusCmd(),
			transfersCmd(st),
			hashTokenCmd(),
		},
		Flags: []cli.Flag{
			flagutil.String(&st.logLevel, "log-level", nil, "Verbosity of log, valid values are: debug, info, warn, error", false),
			flagutil.String(&st.configPath, "config", []string{"c"}, "Configuration file, defaults to ~/.fleetnet/config.yaml", false),
		},
		Before: func(ctx *cli.Context) error {
			log, err := logger.New(st.logLevel)
			if err != nil {
				return err
			}
			st.log = log
			return nil
		},
		After: func(*cli.Context) error {
			st.log.Sync()
			return nil
		},
	}
}

func Run(ctx context.Context, args []string) error {
	return Instance().RunContext(ctx, args)
}

// loadConfig reads the configuration. Without an explicit --log-level the
// configured node.log_level replaces the default logger.
func (st *state) loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(st.configPath)
	if err != nil {
		return nil, err
	}
	if !ctx.IsSet("log-level") && cfg.Node.LogLevel != st.logLevel {
		log, err := logger.New(cfg.Node.LogLevel)
		if err != nil {
			return nil, err
		}
		st.log.Sync()
		st.log = log
	}
	return cfg, nil
}
