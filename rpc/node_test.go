// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/luxfi/fleetnet"
	"github.com/luxfi/fleetnet/codec"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/registry"
)

func TestNodeService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ca, cb := net.Pipe()
	pool := fleetnet.NewPool(2)
	defer pool.Close()
	caller := fleetnet.NewChannel(fleetnet.NewStreamTransport(ca, 0), registry.New(), pool)
	defer caller.Close()
	callee := fleetnet.NewChannel(fleetnet.NewStreamTransport(cb, 0), registry.New(), pool)
	defer callee.Close()

	h := NewHandler(codec.NewRegistry())
	node := &Node{
		Name:     "lobby-1",
		Version:  "1.0.0",
		Started:  time.Now().Add(-90 * time.Second),
		Sessions: func() int { return 2 },
	}
	if err := ServeNode(h, node); err != nil {
		t.Fatalf("ServeNode: %v", err)
	}
	callee.Registry().AddListener(packet.ChannelRPC, h)

	codecs := codec.NewRegistry()
	if err := RegisterNodeTypes(codecs); err != nil {
		t.Fatalf("RegisterNodeTypes: %v", err)
	}
	s := NewSender(caller, codecs, NodeType)

	info, err := Sync[NodeInfo](ctx, s.Invoke("Info"))
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Name != "lobby-1" || info.Sessions != 2 || !info.Started.Equal(node.Started) {
		t.Errorf("got %+v", info)
	}

	uptime, err := Sync[string](ctx, s.Invoke("Info").Join(s.On(NodeInfoType).Invoke("Uptime")))
	if err != nil {
		t.Fatalf("Uptime: %v", err)
	}
	if d, err := time.ParseDuration(uptime); err != nil || d < 90*time.Second {
		t.Errorf("got uptime %q", uptime)
	}

	pong, err := Sync[string](ctx, s.Invoke("Ping", "hi"))
	if err != nil || pong != "pong: hi" {
		t.Errorf("Ping: got %q, %v", pong, err)
	}
	n, err := Sync[int](ctx, s.Invoke("Sessions"))
	if err != nil || n != 2 {
		t.Errorf("Sessions: got %d, %v", n, err)
	}
}
