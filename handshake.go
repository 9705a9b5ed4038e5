// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/packet"
)

const (
	// ProtocolVersion is the wire protocol version announced in handshakes.
	ProtocolVersion = "1.0.0"
	// DefaultConstraint is the range of peer versions accepted by default.
	DefaultConstraint = "^1.0"
)

type (
	// Handshake is the local side of the connection handshake. Name and
	// Version are announced to the peer. The peer's version must satisfy
	// Constraint. An acceptor with a TokenHash requires the initiator's
	// Token to match it.
	Handshake struct {
		Name       string
		Version    string
		Constraint string
		Token      string
		TokenHash  []byte
	}

	// Peer is what the remote end announced during the handshake.
	Peer struct {
		Name    string
		Version *semver.Version
	}
)

func (p Peer) String() string {
	if p.Version == nil {
		return p.Name
	}
	return p.Name + "@" + p.Version.String()
}

// HashToken returns the bcrypt hash to configure as an acceptor's TokenHash.
func HashToken(token string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
}

func (h Handshake) check(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("bad version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(h.Constraint)
	if err != nil {
		return nil, fmt.Errorf("bad constraint %q: %w", h.Constraint, err)
	}
	if !c.Check(v) {
		return nil, fmt.Errorf("version %v does not satisfy %v", v, h.Constraint)
	}
	return v, nil
}

// initiate runs the dialing side: hello first, then the verdict.
func (h Handshake) initiate(ctx context.Context, t Transport) (Peer, error) {
	b := buffer.New()
	b.WriteString(h.Name)
	b.WriteString(h.Version)
	b.WriteString(h.Token)
	if err := sendHandshake(ctx, t, b); err != nil {
		return Peer{}, err
	}

	reply, err := recvHandshake(ctx, t)
	if err != nil {
		return Peer{}, err
	}
	accepted := reply.ReadBool()
	name := reply.ReadString()
	version := reply.ReadString()
	reason := reply.ReadString()
	if err := reply.Err(); err != nil {
		return Peer{}, fmt.Errorf("fleetnet: handshake reply: %w", err)
	}
	if !accepted {
		return Peer{}, fmt.Errorf("%w: %s", ErrHandshakeRejected, reason)
	}
	v, err := h.check(version)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	return Peer{Name: name, Version: v}, nil
}

// accept runs the listening side. A rejection is answered before the error
// is returned so the initiator learns the reason.
func (h Handshake) accept(ctx context.Context, t Transport) (Peer, error) {
	hello, err := recvHandshake(ctx, t)
	if err != nil {
		return Peer{}, err
	}
	name := hello.ReadString()
	version := hello.ReadString()
	token := hello.ReadString()
	if err := hello.Err(); err != nil {
		return Peer{}, fmt.Errorf("fleetnet: handshake hello: %w", err)
	}

	v, verr := h.check(version)
	if verr == nil && len(h.TokenHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(h.TokenHash, []byte(token)); err != nil {
			verr = errors.New("invalid token")
		}
	}

	b := buffer.New()
	b.WriteBool(verr == nil)
	b.WriteString(h.Name)
	b.WriteString(h.Version)
	if verr != nil {
		b.WriteString(verr.Error())
	} else {
		b.WriteString("")
	}
	if err := sendHandshake(ctx, t, b); err != nil {
		return Peer{}, err
	}
	if verr != nil {
		return Peer{}, fmt.Errorf("%w: %s: %v", ErrHandshakeRejected, name, verr)
	}
	return Peer{Name: name, Version: v}, nil
}

func sendHandshake(ctx context.Context, t Transport, b *buffer.Buffer) error {
	p := packet.New(packet.ChannelHandshake, b)
	defer p.Release()
	body, err := packet.Marshal(p)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, body); err != nil {
		return fmt.Errorf("fleetnet: handshake send: %w", err)
	}
	return nil
}

func recvHandshake(ctx context.Context, t Transport) (*buffer.Buffer, error) {
	body, err := t.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleetnet: handshake recv: %w", err)
	}
	p, err := packet.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	if p.Channel != packet.ChannelHandshake {
		return nil, fmt.Errorf("%w: expected handshake, got channel %d", packet.ErrMalformedFrame, p.Channel)
	}
	return p.Payload, nil
}
