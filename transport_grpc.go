// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
)

// GRPCService is the service name of the frame stream and of its health entry.
const GRPCService = "fleetnet.Wire"

const grpcFramesMethod = "/" + GRPCService + "/Frames"

func init() {
	encoding.RegisterCodec(rawCodec{})
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// rawCodec passes frame bodies through untouched. It is selected per call by
// content subtype so other services on the same server keep protobuf.
type rawCodec struct{}

type rawFrame struct{ data []byte }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("grpc raw codec: unexpected %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpc raw codec: unexpected %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "fleetnet-raw" }

type wireServer interface {
	frames(stream grpc.ServerStream) error
}

var wireDesc = grpc.ServiceDesc{
	ServiceName: GRPCService,
	HandlerType: (*wireServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Frames",
		Handler:       framesHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "fleetnet/wire",
}

func framesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(wireServer).frames(stream)
}

func dialGRPC(ctx context.Context, addr string, o *options) (Transport, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(o.maxFrame), grpc.MaxCallSendMsgSize(o.maxFrame)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	// The stream outlives the dial context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &wireDesc.Streams[0], grpcFramesMethod,
		grpc.CallContentSubtype(rawCodec{}.Name()))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("grpc stream: %w", err)
	}
	return &grpcTransport{
		stream: stream,
		local:  "grpc-client",
		remote: addr,
		closer: func() error {
			stream.CloseSend()
			cancel()
			return conn.Close()
		},
	}, nil
}

func listenGRPC(addr string, o *options) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &grpcListener{
		listener: listener,
		server: grpc.NewServer(
			grpc.MaxRecvMsgSize(o.maxFrame),
			grpc.MaxSendMsgSize(o.maxFrame),
		),
		health:   health.NewServer(),
		accepted: make(chan *grpcTransport),
		closed:   make(chan struct{}),
	}
	l.server.RegisterService(&wireDesc, l)
	healthpb.RegisterHealthServer(l.server, l.health)
	l.health.SetServingStatus(GRPCService, healthpb.HealthCheckResponse_SERVING)
	go l.server.Serve(listener)
	return l, nil
}

type grpcListener struct {
	listener  net.Listener
	server    *grpc.Server
	health    *health.Server
	accepted  chan *grpcTransport
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *grpcListener) frames(stream grpc.ServerStream) error {
	remote := "grpc-peer"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	done := make(chan struct{})
	var once sync.Once
	t := &grpcTransport{
		stream: stream,
		local:  l.Addr(),
		remote: remote,
		closer: func() error {
			once.Do(func() { close(done) })
			return nil
		},
	}
	select {
	case l.accepted <- t:
	case <-l.closed:
		return ErrListenerClosed
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	select {
	case <-done:
	case <-stream.Context().Done():
	case <-l.closed:
	}
	return nil
}

func (l *grpcListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.accepted:
		return t, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *grpcListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.health.Shutdown()
		l.server.Stop()
	})
	return nil
}

func (l *grpcListener) Addr() string {
	return l.listener.Addr().String()
}

// grpcStream is the part shared by client and server streams.
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcTransport struct {
	stream  grpcStream
	local   string
	remote  string
	writeMu sync.Mutex
	closer  func() error
	once    sync.Once
	err     error
}

func (t *grpcTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.stream.SendMsg(&rawFrame{data: frame})
}

func (t *grpcTransport) Recv(ctx context.Context) ([]byte, error) {
	var f rawFrame
	if err := t.stream.RecvMsg(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return f.data, nil
}

func (t *grpcTransport) Close() error {
	t.once.Do(func() { t.err = t.closer() })
	return t.err
}

func (t *grpcTransport) LocalAddr() string  { return t.local }
func (t *grpcTransport) RemoteAddr() string { return t.remote }
