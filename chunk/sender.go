// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/packet"
)

// DefaultChunkSize is the data size of one chunk unless configured otherwise.
const DefaultChunkSize = 32 * 1024

var (
	ErrRejected   = errors.New("chunk: transfer rejected")
	ErrIncomplete = errors.New("chunk: transfer incomplete")
)

// Sender is the side of a channel Send needs.
type Sender interface {
	SendSync(ctx context.Context, p *packet.Packet) error
	Query(ctx context.Context, p *packet.Packet) (*packet.Packet, error)
}

type sendOptions struct {
	chunkSize int
	id        uuid.UUID
}

// SendOption configures Send.
type SendOption func(*sendOptions)

func WithChunkSize(n int) SendOption {
	return func(o *sendOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithSessionID sends under id instead of a random session id.
func WithSessionID(id uuid.UUID) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// Send transfers size bytes read from r as one session. Chunks are written
// in order; the end chunk is sent as a query and Send returns once the
// receiver confirmed the transfer complete.
func Send(ctx context.Context, s Sender, header Header, r io.Reader, size int64, opts ...SendOption) (uuid.UUID, error) {
	o := &sendOptions{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == uuid.Nil {
		o.id = uuid.New()
	}
	if size < 0 {
		return o.id, fmt.Errorf("chunk: negative size %d", size)
	}
	chunks := (size + int64(o.chunkSize) - 1) / int64(o.chunkSize)
	if chunks > math.MaxInt32 {
		return o.id, fmt.Errorf("chunk: %d bytes need too many chunks", size)
	}
	total := int32(chunks)

	first := &Chunk{Session: o.id, Header: header, Total: total, End: total == 0}
	if total == 0 {
		return o.id, confirm(ctx, s, first)
	}
	if err := sendChunk(ctx, s, first); err != nil {
		return o.id, err
	}

	data := make([]byte, o.chunkSize)
	remaining := size
	for i := int32(1); i <= total; i++ {
		n := min(int64(o.chunkSize), remaining)
		if _, err := io.ReadFull(r, data[:n]); err != nil {
			return o.id, fmt.Errorf("chunk: reading chunk %d: %w", i, err)
		}
		remaining -= n
		c := &Chunk{Session: o.id, Index: i, End: i == total, Data: data[:n]}
		if c.End {
			return o.id, confirm(ctx, s, c)
		}
		if err := sendChunk(ctx, s, c); err != nil {
			return o.id, err
		}
	}
	return o.id, nil
}

func chunkPacket(c *Chunk) (*packet.Packet, error) {
	b := buffer.New()
	if err := c.Write(b); err != nil {
		b.Release()
		return nil, err
	}
	return packet.New(packet.ChannelChunk, b), nil
}

func sendChunk(ctx context.Context, s Sender, c *Chunk) error {
	p, err := chunkPacket(c)
	if err != nil {
		return err
	}
	if err := s.SendSync(ctx, p); err != nil {
		return fmt.Errorf("chunk: sending chunk %d: %w", c.Index, err)
	}
	return nil
}

func confirm(ctx context.Context, s Sender, c *Chunk) error {
	p, err := chunkPacket(c)
	if err != nil {
		return err
	}
	resp, err := s.Query(ctx, p)
	if err != nil {
		return fmt.Errorf("chunk: sending end chunk %d: %w", c.Index, err)
	}
	defer resp.Release()
	ok := resp.Payload.ReadBool()
	complete := resp.Payload.ReadBool()
	reason := resp.Payload.ReadString()
	if err := resp.Payload.Err(); err != nil {
		return fmt.Errorf("chunk: acknowledgement: %w", err)
	}
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	case !complete:
		return ErrIncomplete
	}
	return nil
}
