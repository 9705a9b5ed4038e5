// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fleetnet is the messaging substrate of a fleet of game-server
// nodes: persistent framed connections, per-channel packet dispatch and
// request/response correlation.
//
// # Transport Selection
//
// Addresses carry their transport as a scheme:
//
//	tcp://host:port    length prefixed frames on a TCP stream (default)
//	ws://host:port     one binary websocket message per frame
//	grpc://host:port   one message per frame on a bidi gRPC stream
//
// # Usage
//
// Server usage:
//
//	srv := fleetnet.NewServer(fleetnet.WithHandshake(fleetnet.Handshake{Name: "lobby-1"}))
//	srv.Registry().AddListener(42, registry.ListenerFunc(func(src registry.Source, p *packet.Packet) error {
//	    return src.Send(p.Reply(answer(p.Payload)))
//	}))
//	err := srv.ListenAndServe(ctx, "tcp://:7000", "ws://:7001")
//
// Client usage:
//
//	ch, err := fleetnet.Dial(ctx, "tcp://lobby-1:7000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Close()
//
//	resp, err := ch.Query(ctx, packet.New(42, payload))
//
// # Architecture
//
// The package separates concerns:
//
//   - transport.go: Transport and Listener interfaces, transport registry
//   - dial.go: transport factories and the TCP stream transport
//   - transport_ws.go, transport_grpc.go: alternative transports
//   - handshake.go: identity, version and token exchange on channel 0
//   - channel.go: outbound queues, read loop, query resolution, dispatch
//   - pool.go: shared dispatch workers with per-channel ordering
//   - server.go, client.go, channelset.go: connection ownership
//   - admin.go, json.go: JSON-RPC admin endpoint and client
//
// Frames and packets live in package packet, listeners in package registry,
// pending queries in package query. Chunked transfers and the RPC layer are
// built on top in packages chunk and rpc.
package fleetnet
