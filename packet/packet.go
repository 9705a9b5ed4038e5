// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package packet defines the unit of transmission and its frame encoding.
//
// A frame on the wire is
//
//	[uvarint length][channel int32][hasID byte][id 16 bytes, only if hasID][payload]
//
// where length counts every byte after the length prefix. The body without
// its prefix is what Marshal produces; message oriented transports carry
// bodies directly while stream transports prepend the length with Writer.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/luxfi/fleetnet/buffer"
)

var (
	ErrFrameTooLarge  = errors.New("packet: frame too large")
	ErrMalformedFrame = errors.New("packet: malformed frame")
)

// DefaultMaxFrame is the largest frame body accepted unless configured otherwise.
const DefaultMaxFrame = buffer.MaxLength

// Reserved channel ids. Applications pick ids from ChannelUser upwards.
const (
	ChannelHandshake int32 = 0
	ChannelRPC       int32 = 1
	ChannelChunk     int32 = 2
	ChannelUser      int32 = 16
)

const (
	headerLen   = 4 + 1
	headerIDLen = headerLen + 16
)

// Packet is one message on a channel. ID is uuid.Nil for fire-and-forget
// packets. Prioritized only affects local queuing and is not transmitted.
type Packet struct {
	Channel     int32
	ID          uuid.UUID
	Payload     *buffer.Buffer
	Prioritized bool
}

// New returns a packet for channel carrying payload. A nil payload is
// replaced by an empty buffer.
func New(channel int32, payload *buffer.Buffer) *Packet {
	if payload == nil {
		payload = buffer.New()
	}
	return &Packet{Channel: channel, Payload: payload}
}

// HasID reports whether the packet carries a correlation id.
func (p *Packet) HasID() bool { return p.ID != uuid.Nil }

// Reply returns a packet answering p: same channel, same correlation id.
func (p *Packet) Reply(payload *buffer.Buffer) *Packet {
	r := New(p.Channel, payload)
	r.ID = p.ID
	return r
}

// View returns a copy of p with its own read cursor over the unread payload
// bytes. The bytes are shared, so a view must not outlive p's payload.
func (p *Packet) View() *Packet {
	v := *p
	if p.Payload != nil && !p.Payload.Released() {
		v.Payload = buffer.Wrap(p.Payload.Bytes())
	}
	return &v
}

// Release gives the payload back. It is safe to call on a packet without payload.
func (p *Packet) Release() error {
	if p == nil || p.Payload == nil {
		return nil
	}
	return p.Payload.Release()
}

func (p *Packet) String() string {
	if p.HasID() {
		return fmt.Sprintf("packet(channel=%d id=%s len=%d)", p.Channel, p.ID, p.payloadLen())
	}
	return fmt.Sprintf("packet(channel=%d len=%d)", p.Channel, p.payloadLen())
}

func (p *Packet) payloadLen() int {
	if p.Payload == nil || p.Payload.Released() {
		return 0
	}
	return p.Payload.Len()
}

// Marshal returns the frame body of p. The payload's unread bytes are
// copied; p keeps ownership of its buffer.
func Marshal(p *Packet) ([]byte, error) {
	return appendBody(nil, p)
}

func appendBody(dst []byte, p *Packet) ([]byte, error) {
	var payload []byte
	if p.Payload != nil {
		if p.Payload.Released() {
			return nil, buffer.ErrReleased
		}
		if err := p.Payload.Err(); err != nil {
			return nil, fmt.Errorf("packet: payload: %w", err)
		}
		payload = p.Payload.Bytes()
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(p.Channel))
	if p.HasID() {
		dst = append(dst, 1)
		dst = append(dst, p.ID[:]...)
	} else {
		dst = append(dst, 0)
	}
	return append(dst, payload...), nil
}

// Unmarshal decodes a frame body. The returned payload aliases body.
func Unmarshal(body []byte) (*Packet, error) {
	if len(body) < headerLen {
		return nil, fmt.Errorf("%w: %d byte header", ErrMalformedFrame, len(body))
	}
	p := &Packet{Channel: int32(binary.BigEndian.Uint32(body))}
	rest := body[headerLen:]
	switch body[4] {
	case 0:
	case 1:
		if len(body) < headerIDLen {
			return nil, fmt.Errorf("%w: truncated correlation id", ErrMalformedFrame)
		}
		copy(p.ID[:], body[headerLen:headerIDLen])
		if p.ID == uuid.Nil {
			return nil, fmt.Errorf("%w: nil correlation id", ErrMalformedFrame)
		}
		rest = body[headerIDLen:]
	default:
		return nil, fmt.Errorf("%w: correlation flag %d", ErrMalformedFrame, body[4])
	}
	p.Payload = buffer.Wrap(rest)
	return p, nil
}

// Encode returns the complete frame of p, length prefix included.
func Encode(p *Packet) ([]byte, error) {
	body, err := Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(body) > DefaultMaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := binary.AppendUvarint(make([]byte, 0, len(body)+binary.MaxVarintLen32), uint64(len(body)))
	return append(frame, body...), nil
}

// Decode parses one complete frame as produced by Encode.
func Decode(frame []byte) (*Packet, error) {
	n, k := binary.Uvarint(frame)
	if k <= 0 {
		return nil, fmt.Errorf("%w: bad length prefix", ErrMalformedFrame)
	}
	if n > DefaultMaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if uint64(len(frame)-k) != n {
		return nil, fmt.Errorf("%w: length %d, have %d", ErrMalformedFrame, n, len(frame)-k)
	}
	return Unmarshal(frame[k:])
}
