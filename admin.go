// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// AdminPath is where the JSON-RPC admin endpoint is mounted.
const AdminPath = "/admin"

type (
	// AdminService exposes node state over JSON-RPC as "Admin.*".
	AdminService struct {
		server   *Server
		sessions func() int
	}

	AdminArgs struct{}

	StatusReply struct {
		Node           string   `json:"node"`
		Uptime         string   `json:"uptime"`
		Channels       int      `json:"channels"`
		PendingQueries int      `json:"pendingQueries"`
		Sessions       int      `json:"sessions"`
		Listeners      []string `json:"listeners"`
		Transports     []string `json:"transports"`
	}

	ChannelInfo struct {
		Remote   string `json:"remote"`
		Local    string `json:"local"`
		Peer     string `json:"peer"`
		Version  string `json:"version"`
		Sent     uint64 `json:"sent"`
		Received uint64 `json:"received"`
		Pending  int    `json:"pending"`
		Queued   int    `json:"queued"`
	}

	ChannelsReply struct {
		Channels []ChannelInfo `json:"channels"`
	}

	SessionsReply struct {
		Sessions int `json:"sessions"`
	}
)

// NewAdminService reports on s. sessions, when not nil, counts the live
// chunked transfer sessions.
func NewAdminService(s *Server, sessions func() int) *AdminService {
	return &AdminService{server: s, sessions: sessions}
}

func (a *AdminService) Status(_ *http.Request, _ *AdminArgs, reply *StatusReply) error {
	channels := a.server.Channels().List()
	pending := 0
	for _, c := range channels {
		pending += c.Queries().Len()
	}
	*reply = StatusReply{
		Node:           a.server.Name(),
		Uptime:         time.Since(a.server.Started()).Round(time.Second).String(),
		Channels:       len(channels),
		PendingQueries: pending,
		Sessions:       a.sessionCount(),
		Listeners:      a.server.Addrs(),
		Transports:     AvailableTransports(),
	}
	return nil
}

func (a *AdminService) Channels(_ *http.Request, _ *AdminArgs, reply *ChannelsReply) error {
	reply.Channels = reply.Channels[:0]
	for _, c := range a.server.Channels().List() {
		st := c.Stats()
		info := ChannelInfo{
			Remote:   c.RemoteAddr(),
			Local:    c.LocalAddr(),
			Peer:     c.Peer().Name,
			Sent:     st.Sent,
			Received: st.Received,
			Pending:  st.Pending,
			Queued:   st.Queued,
		}
		if v := c.Peer().Version; v != nil {
			info.Version = v.String()
		}
		reply.Channels = append(reply.Channels, info)
	}
	return nil
}

func (a *AdminService) Sessions(_ *http.Request, _ *AdminArgs, reply *SessionsReply) error {
	reply.Sessions = a.sessionCount()
	return nil
}

func (a *AdminService) sessionCount() int {
	if a.sessions == nil {
		return 0
	}
	return a.sessions()
}

// NewAdminHandler returns the JSON-RPC handler serving svc.
func NewAdminHandler(svc *AdminService) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(svc, "Admin"); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(AdminPath, s)
	return mux, nil
}

// RequireAdminToken rejects requests that do not carry
// "Authorization: Bearer <token>" with 401. An empty token disables the
// check.
func RequireAdminToken(h http.Handler, token string) http.Handler {
	if token == "" {
		return h
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// ServeAdmin serves h on addr until ctx ends.
func ServeAdmin(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveAdmin(ctx, listener, h, log)
}

func serveAdmin(ctx context.Context, listener net.Listener, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Info("admin endpoint", zap.String("addr", listener.Addr().String()))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
