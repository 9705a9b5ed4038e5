// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/luxfi/fleetnet/codec"
)

// Type names of the built-in node service.
const (
	NodeType     = "Node"
	NodeInfoType = "NodeInfo"
)

// NodeInfo describes a running node.
type NodeInfo struct {
	Name     string    `msgpack:"name"`
	Version  string    `msgpack:"version"`
	Started  time.Time `msgpack:"started"`
	Channels int       `msgpack:"channels"`
	Sessions int       `msgpack:"sessions"`
}

// Uptime is the time since the node started, rounded to seconds.
func (i NodeInfo) Uptime() string {
	return time.Since(i.Started).Round(time.Second).String()
}

// Node is the service every node registers under NodeType.
type Node struct {
	Name     string
	Version  string
	Started  time.Time
	Channels func() int
	Sessions func() int
}

func (n *Node) Info() NodeInfo {
	return NodeInfo{
		Name:     n.Name,
		Version:  n.Version,
		Started:  n.Started,
		Channels: count(n.Channels),
		Sessions: count(n.Sessions),
	}
}

func (n *Node) Ping(msg string) string { return "pong: " + msg }

func count(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

// RegisterNodeTypes adds the node service's value types to codecs. Both
// ends of a connection need them.
func RegisterNodeTypes(codecs *codec.Registry) error {
	err := codec.RegisterMsgpack[NodeInfo](codecs, "fleetnet.NodeInfo")
	if errors.Is(err, codec.ErrDuplicate) {
		return nil
	}
	return err
}

// NodeBindings are the methods of Node and NodeInfo.
func NodeBindings() []Binding {
	return []Binding{
		Bind0(NodeType, "Info", func(_ context.Context, n *Node) (NodeInfo, error) {
			return n.Info(), nil
		}),
		Bind1(NodeType, "Ping", func(_ context.Context, n *Node, msg string) (string, error) {
			return n.Ping(msg), nil
		}),
		Bind0(NodeType, "Sessions", func(_ context.Context, n *Node) (int, error) {
			return count(n.Sessions), nil
		}),
		Bind0(NodeInfoType, "Uptime", func(_ context.Context, i NodeInfo) (string, error) {
			return i.Uptime(), nil
		}),
	}
}

// ServeNode registers n on h.
func ServeNode(h *Handler, n *Node) error {
	if err := RegisterNodeTypes(h.codecs); err != nil {
		return err
	}
	return h.Register(NodeType, n, NodeBindings()...)
}
