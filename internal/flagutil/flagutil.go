// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package flagutil builds cli flags bound to FLEETNET_* environment
// variables.
package flagutil

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvPrefix = "FLEETNET"

var (
	unsafeFlagName = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	dedupUnder     = regexp.MustCompile(`__+`)
)

// EnvVar is the environment variable bound to the flag name, for example
// FLEETNET_LOG_LEVEL for log-level.
func EnvVar(name string) string {
	return fmt.Sprintf("%v_%v", EnvPrefix, strings.ToUpper(
		dedupUnder.ReplaceAllString(
			unsafeFlagName.ReplaceAllString(name, "_"),
			"_")))
}

func String(dest *string, longName string, alias []string, usage string, required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		Required:    required,
		EnvVars:     []string{EnvVar(longName)},
	}
}

func Int(dest *int, longName string, alias []string, usage string) *cli.IntFlag {
	return &cli.IntFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		EnvVars:     []string{EnvVar(longName)},
	}
}

func Duration(dest *time.Duration, longName string, alias []string, usage string) *cli.DurationFlag {
	return &cli.DurationFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		EnvVars:     []string{EnvVar(longName)},
	}
}
