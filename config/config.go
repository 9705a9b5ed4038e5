// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads node configuration from YAML and FLEETNET_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/luxfi/fleetnet"
	"github.com/luxfi/fleetnet/query"
)

const EnvPrefix = "FLEETNET"

type Config struct {
	Node struct {
		Name     string `mapstructure:"name"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Network struct {
		Listen    []string `mapstructure:"listen"`
		Workers   int      `mapstructure:"workers"`
		SendQueue int      `mapstructure:"send_queue"`
		MaxFrame  int      `mapstructure:"max_frame"`
	} `mapstructure:"network"`

	Query struct {
		Timeout   time.Duration `mapstructure:"timeout"`
		Supersede string        `mapstructure:"supersede"`
	} `mapstructure:"query"`

	Chunk struct {
		Size         int           `mapstructure:"size"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		ReapInterval time.Duration `mapstructure:"reap_interval"`
		Tombstones   int           `mapstructure:"tombstones"`
	} `mapstructure:"chunk"`

	Auth struct {
		Token     string `mapstructure:"token"`
		TokenHash string `mapstructure:"token_hash"`
	} `mapstructure:"auth"`

	Admin struct {
		Listen string `mapstructure:"listen"`
		Token  string `mapstructure:"token"`
	} `mapstructure:"admin"`

	Store struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"store"`
}

var defaults = map[string]any{
	"node.name":           "fleetnet",
	"node.log_level":      "info",
	"network.listen":      []string{"tcp://:7000"},
	"network.workers":     4,
	"network.send_queue":  1024,
	"network.max_frame":   64 * 1024 * 1024,
	"query.timeout":       30 * time.Second,
	"query.supersede":     "fail",
	"chunk.size":          32 * 1024,
	"chunk.idle_timeout":  5 * time.Minute,
	"chunk.reap_interval": 30 * time.Second,
	"chunk.tombstones":    4096,
	"auth.token":          "",
	"auth.token_hash":     "",
	"admin.listen":        "127.0.0.1:7080",
	"admin.token":         "",
	"store.dir":           "",
}

// DefaultPath is ~/.fleetnet/config.yaml.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".fleetnet", "config.yaml"), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads the configuration at path. An empty path means DefaultPath,
// which may be missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := newViper()
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks values that cannot be used as given.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.Name == "" {
		errs = append(errs, errors.New("node.name is empty"))
	}
	if len(c.Network.Listen) == 0 {
		errs = append(errs, errors.New("network.listen is empty"))
	}
	for _, addr := range c.Network.Listen {
		if name, _ := fleetnet.ParseAddr(addr); !fleetnet.HasTransport(name) {
			errs = append(errs, fmt.Errorf("network.listen %q: unknown transport %q, have %v", addr, name, fleetnet.AvailableTransports()))
		}
	}
	if c.Network.Workers <= 0 {
		errs = append(errs, fmt.Errorf("network.workers must be positive, got %d", c.Network.Workers))
	}
	if c.Chunk.Size <= 0 || c.Chunk.Size > c.Network.MaxFrame {
		errs = append(errs, fmt.Errorf("chunk.size %d out of range", c.Chunk.Size))
	}
	if _, err := query.ParsePolicy(c.Query.Supersede); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy is the parsed query.supersede value.
func (c *Config) Policy() query.Policy {
	p, _ := query.ParsePolicy(c.Query.Supersede)
	return p
}
